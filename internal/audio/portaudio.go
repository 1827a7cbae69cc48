package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

type portAudioSource struct {
	log zerolog.Logger

	mu          sync.Mutex
	initialized bool
	stream      *portaudio.Stream
	running     bool
	dispatch    *dispatcher
}

// NewPortAudioSource creates a PortAudio-backed capture source
func NewPortAudioSource(log zerolog.Logger) Source {
	return &portAudioSource{log: log.With().Str("backend", BackendPortAudio).Logger()}
}

func (p *portAudioSource) Open(ctx context.Context, params StreamParams) (Negotiated, error) {
	if err := ctx.Err(); err != nil {
		return Negotiated{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return Negotiated{}, fmt.Errorf("%w: initialize PortAudio: %v", ErrDeviceUnavailable, err)
	}
	p.initialized = true

	device, err := findPortAudioDevice(params.DeviceID)
	if err != nil {
		return Negotiated{}, err
	}
	if device.MaxInputChannels < 1 {
		return Negotiated{}, fmt.Errorf("%w: %s has no input channels", ErrDeviceUnavailable, device.Name)
	}

	channels := min(params.Channels, device.MaxInputChannels)
	rate := float64(params.SampleRate)
	if rate <= 0 {
		rate = device.DefaultSampleRate
	}

	p.dispatch = newDispatcher(params, channels, params.BufferSize, p.log)

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      rate,
		FramesPerBuffer: params.BufferSize,
	}, p.process)
	if err != nil {
		return Negotiated{}, fmt.Errorf("%w: open stream on %s: %v", ErrDeviceUnavailable, device.Name, err)
	}
	p.stream = stream

	if info := stream.Info(); info != nil && info.SampleRate > 0 {
		rate = info.SampleRate
	}

	neg := Negotiated{
		Device:     device.Name,
		SampleRate: int(rate),
		Channels:   channels,
		BufferSize: params.BufferSize,
	}
	p.log.Debug().
		Str("device", neg.Device).
		Int("sample_rate", neg.SampleRate).
		Int("channels", neg.Channels).
		Str("delivery", params.Delivery.String()).
		Msg("Opened capture stream")
	return neg, nil
}

// process runs on the PortAudio callback thread.
func (p *portAudioSource) process(in [][]float32) {
	p.dispatch.pushPlanar(in)
}

func (p *portAudioSource) Start(sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return fmt.Errorf("%w: stream not open", ErrDeviceUnavailable)
	}
	p.dispatch.attach(sink)
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	p.running = true
	return nil
}

func (p *portAudioSource) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil || !p.running {
		return nil
	}
	p.running = false
	return p.stream.Stop()
}

func (p *portAudioSource) Disconnect() {
	p.mu.Lock()
	d := p.dispatch
	p.mu.Unlock()
	if d != nil {
		d.detach()
	}
}

func (p *portAudioSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.stream != nil {
		err = p.stream.Close()
		p.stream = nil
	}
	if p.initialized {
		p.initialized = false
		if terr := portaudio.Terminate(); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}

func (p *portAudioSource) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dispatch == nil {
		return 0
	}
	return p.dispatch.dropped.Load()
}

func findPortAudioDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", ErrDeviceUnavailable, err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate devices: %v", ErrDeviceUnavailable, err)
	}
	for _, d := range devices {
		if d.Name == deviceID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: device not found: %s", ErrDeviceUnavailable, deviceID)
}

func listPortAudioDevices() ([]AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]AudioDevice, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}

func probePortAudio() error {
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	defer portaudio.Terminate()
	_, err := portaudio.DefaultInputDevice()
	return err
}
