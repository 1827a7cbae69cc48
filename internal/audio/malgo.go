package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// malgoSource captures through miniaudio. miniaudio picks its own period
// size, so buffers are re-chunked to BufferSize before delivery.
type malgoSource struct {
	log zerolog.Logger

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	running  bool
	channels int
	dispatch *dispatcher
}

// NewMalgoSource creates a miniaudio-backed capture source
func NewMalgoSource(log zerolog.Logger) Source {
	return &malgoSource{log: log.With().Str("backend", BackendMalgo).Logger()}
}

func (m *malgoSource) Open(ctx context.Context, params StreamParams) (Negotiated, error) {
	if err := ctx.Err(); err != nil {
		return Negotiated{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.log.Debug().Str("message", message).Msg("miniaudio")
	})
	if err != nil {
		return Negotiated{}, fmt.Errorf("%w: init miniaudio context: %v", ErrDeviceUnavailable, err)
	}
	m.ctx = actx

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(params.Channels)
	cfg.SampleRate = uint32(max(params.SampleRate, 0))
	cfg.PeriodSizeInFrames = uint32(params.BufferSize)

	name := "default"
	if params.DeviceID != "" {
		info, err := m.findDevice(params.DeviceID)
		if err != nil {
			return Negotiated{}, err
		}
		cfg.Capture.DeviceID = info.ID.Pointer()
		name = info.Name()
	}

	device, err := malgo.InitDevice(actx.Context, cfg, malgo.DeviceCallbacks{
		Data: m.onData,
	})
	if err != nil {
		return Negotiated{}, fmt.Errorf("%w: init capture device %s: %v", ErrDeviceUnavailable, name, err)
	}
	m.device = device

	m.channels = int(device.CaptureChannels())
	if m.channels < 1 {
		return Negotiated{}, fmt.Errorf("%w: %s reported no capture channels", ErrDeviceUnavailable, name)
	}
	channels := min(params.Channels, m.channels)
	m.dispatch = newDispatcher(params, channels, params.BufferSize, m.log)

	neg := Negotiated{
		Device:     name,
		SampleRate: int(device.SampleRate()),
		Channels:   channels,
		BufferSize: params.BufferSize,
	}
	m.log.Debug().
		Str("device", neg.Device).
		Int("sample_rate", neg.SampleRate).
		Int("channels", neg.Channels).
		Str("delivery", params.Delivery.String()).
		Msg("Opened capture device")
	return neg, nil
}

func (m *malgoSource) findDevice(id string) (*malgo.DeviceInfo, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate devices: %v", ErrDeviceUnavailable, err)
	}
	for i := range infos {
		if infos[i].Name() == id {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: device not found: %s", ErrDeviceUnavailable, id)
}

// onData runs on the miniaudio callback thread. pInput holds interleaved
// little-endian float32 samples.
func (m *malgoSource) onData(_, pInput []byte, frameCount uint32) {
	n := int(frameCount) * m.channels
	if len(pInput) < n*4 {
		n = len(pInput) / 4
	}
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pInput[i*4:]))
	}
	m.dispatch.pushInterleaved(samples, m.channels)
}

func (m *malgoSource) Start(sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return fmt.Errorf("%w: device not open", ErrDeviceUnavailable)
	}
	m.dispatch.attach(sink)
	if err := m.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	m.running = true
	return nil
}

func (m *malgoSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil || !m.running {
		return nil
	}
	m.running = false
	return m.device.Stop()
}

func (m *malgoSource) Disconnect() {
	m.mu.Lock()
	d := m.dispatch
	m.mu.Unlock()
	if d != nil {
		d.detach()
	}
}

func (m *malgoSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

func (m *malgoSource) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dispatch == nil {
		return 0
	}
	return m.dispatch.dropped.Load()
}

func listMalgoDevices() ([]AudioDevice, error) {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init miniaudio: %w", err)
	}
	defer func() {
		_ = actx.Uninit()
		actx.Free()
	}()

	infos, err := actx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	result := make([]AudioDevice, 0, len(infos))
	for _, info := range infos {
		result = append(result, AudioDevice{
			ID:      info.Name(),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return result, nil
}

func probeMalgo() error {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return err
	}
	_ = actx.Uninit()
	actx.Free()
	return nil
}
