package encoder

import (
	"context"
	"fmt"
	"sync"

	"github.com/petems/micrec/internal/audio"
)

// InlineEncoder runs a Codec in the caller's goroutine. It is used for
// compressed kinds when worker offload is disabled.
type InlineEncoder struct {
	kind  Kind
	codec Codec

	mu       sync.Mutex
	inited   bool
	closed   bool
	channels int
}

// NewInline wraps codec as an Encoder of the given kind.
func NewInline(kind Kind, codec Codec) *InlineEncoder {
	return &InlineEncoder{kind: kind, codec: codec}
}

func (e *InlineEncoder) Kind() Kind        { return e.kind }
func (e *InlineEncoder) MIMEType() string  { return e.kind.MIMEType() }
func (e *InlineEncoder) Extension() string { return e.kind.Extension() }

func (e *InlineEncoder) Init(_ context.Context, sampleRate, channels int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inited || e.closed {
		return ErrAlreadyInitialized
	}
	if err := e.codec.Init(sampleRate, channels); err != nil {
		e.closed = true
		return fmt.Errorf("%w: %w", ErrUnsupportedEncoding, err)
	}
	e.channels = channels
	e.inited = true
	return nil
}

func (e *InlineEncoder) Encode(frame *audio.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		takeFrame(frame)
		return ErrEncoderClosed
	case !e.inited:
		takeFrame(frame)
		return ErrNotInitialized
	}
	if err := checkFrame(frame, e.channels); err != nil {
		takeFrame(frame)
		return err
	}
	if err := e.codec.Encode(frame.Take()); err != nil {
		return fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return nil
}

func (e *InlineEncoder) Finish(_ context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Result{}, ErrEncoderClosed
	}
	if !e.inited {
		return Result{}, ErrNotInitialized
	}
	e.closed = true

	blob, err := e.codec.Finish()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return result(e.kind, blob), nil
}

func (e *InlineEncoder) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.codec = nil
}
