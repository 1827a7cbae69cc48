package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeviceUnavailable is returned when no usable capture device can be opened.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// Delivery selects where captured frames are handed to the sink.
type Delivery int

const (
	// DeliveryInline calls the sink on the audio callback thread.
	DeliveryInline Delivery = iota
	// DeliveryWorker hands frames to a bounded queue drained by a dedicated goroutine.
	DeliveryWorker
)

func (d Delivery) String() string {
	switch d {
	case DeliveryInline:
		return "inline"
	case DeliveryWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// Frame is one capture callback worth of PCM audio: one slice of float32
// samples in [-1, 1] per channel, all of equal length.
//
// Buffers are owned by whoever holds the frame. Take moves them out and
// leaves the frame empty, so a sender cannot keep using a buffer it handed on.
type Frame struct {
	Channels [][]float32
	Seq      uint64
	Captured time.Time
}

// NumChannels returns the channel count, or 0 for a taken frame.
func (f *Frame) NumChannels() int {
	return len(f.Channels)
}

// Len returns the number of samples per channel.
func (f *Frame) Len() int {
	if len(f.Channels) == 0 {
		return 0
	}
	return len(f.Channels[0])
}

// Take transfers ownership of the channel buffers to the caller.
func (f *Frame) Take() [][]float32 {
	ch := f.Channels
	f.Channels = nil
	return ch
}

// Taken reports whether the buffers have already been moved out.
func (f *Frame) Taken() bool {
	return f.Channels == nil
}

// Validate checks that every channel has the same length.
func (f *Frame) Validate() error {
	if len(f.Channels) == 0 {
		return errors.New("frame has no channels")
	}
	n := len(f.Channels[0])
	for i, ch := range f.Channels[1:] {
		if len(ch) != n {
			return fmt.Errorf("channel %d has %d samples, channel 0 has %d", i+1, len(ch), n)
		}
	}
	return nil
}

// Sink receives frames from a Source.
type Sink func(*Frame)

// StreamParams is what the caller asks the device for.
type StreamParams struct {
	DeviceID   string
	SampleRate int // 0 uses the device default
	Channels   int
	BufferSize int // samples per channel per frame
	Delivery   Delivery
	QueueDepth int // worker delivery only
}

// Negotiated is what the device actually gave us. SampleRate may differ
// from the requested one.
type Negotiated struct {
	Device     string
	SampleRate int
	Channels   int
	BufferSize int
}

// Source bridges a platform capture stream into fixed-size frames.
//
// Open acquires the device, Start begins delivery to the sink. Teardown is
// split so callers can guard each step independently: Disconnect detaches the
// sink and stops the delivery goroutine, Stop halts the hardware stream and
// Close releases the audio context. All three are safe to call on a source
// that was never opened.
type Source interface {
	Open(ctx context.Context, params StreamParams) (Negotiated, error)
	Start(sink Sink) error
	Stop() error
	Disconnect()
	Close() error
	// Dropped returns how many frames the worker delivery queue discarded.
	Dropped() uint64
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID      string
	Name    string
	Default bool
}
