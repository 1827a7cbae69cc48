// Package encoder turns captured PCM frames into a finished audio file.
//
// An [Encoder] is initialized once with the negotiated sample rate and
// channel count, receives frames in capture order through Encode, and ends
// with exactly one Finish or Cancel. WAV is encoded in the caller's goroutine
// by [WAVEncoder]. Compressed formats run a [Codec] either behind the worker
// message protocol ([WorkerEncoder]) or inline ([InlineEncoder]).
package encoder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/petems/micrec/internal/audio"
)

var (
	// ErrUnsupportedEncoding is returned for an unknown encoding kind or codec.
	ErrUnsupportedEncoding = errors.New("encoder: unsupported encoding")

	// ErrEncoding reports malformed input, such as mismatched channel lengths.
	ErrEncoding = errors.New("encoder: malformed input")

	// ErrWorkerInit is returned when the worker fails to acknowledge init.
	ErrWorkerInit = errors.New("encoder: worker init failed")

	// ErrWorkerEncode is returned when the worker fails while encoding or finishing.
	ErrWorkerEncode = errors.New("encoder: worker encode failed")

	// ErrWorkerTimeout is joined with ErrWorkerEncode or ErrWorkerInit when
	// the worker does not reply within the configured bound.
	ErrWorkerTimeout = errors.New("encoder: worker did not reply in time")

	// ErrNotInitialized is returned by Encode or Finish before Init has completed.
	ErrNotInitialized = errors.New("encoder: not initialized")

	// ErrAlreadyInitialized is returned by a second Init call.
	ErrAlreadyInitialized = errors.New("encoder: already initialized")

	// ErrEncoderClosed is returned by calls after Finish or Cancel.
	ErrEncoderClosed = errors.New("encoder: closed")

	// ErrCancelled resolves any wait that was pending when Cancel was called.
	ErrCancelled = errors.New("encoder: cancelled")
)

// Kind identifies an output format.
type Kind string

const (
	KindWAV Kind = "wav"
	KindMP3 Kind = "mp3"
	KindOGG Kind = "ogg"
)

// ParseKind maps a format name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindWAV, KindMP3, KindOGG:
		return k, nil
	case "":
		return KindWAV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, s)
	}
}

// MIMEType returns the MIME type of files of this kind.
func (k Kind) MIMEType() string {
	switch k {
	case KindWAV:
		return "audio/wav"
	case KindMP3:
		return "audio/mpeg"
	case KindOGG:
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension without the leading dot.
func (k Kind) Extension() string {
	return string(k)
}

// Compressed reports whether the kind needs a Codec.
func (k Kind) Compressed() bool {
	return k == KindMP3 || k == KindOGG
}

// DefaultCodecLocation names the built-in codec for a compressed kind.
func DefaultCodecLocation(k Kind) string {
	switch k {
	case KindMP3:
		return "builtin:shine"
	case KindOGG:
		return "builtin:opus"
	default:
		return ""
	}
}

// Result is a finished recording.
type Result struct {
	Blob      []byte
	MIMEType  string
	Extension string
}

// Encoder consumes frames and yields a Result.
//
// Encode takes ownership of the frame's buffers; the frame is empty after the
// call whether or not it succeeded.
type Encoder interface {
	Kind() Kind
	MIMEType() string
	Extension() string
	Init(ctx context.Context, sampleRate, channels int) error
	Encode(frame *audio.Frame) error
	Finish(ctx context.Context) (Result, error)
	Cancel()
}

// FailureNotifier is implemented by encoders that can fail between calls,
// for example when a background worker crashes. The callback runs at most once.
type FailureNotifier interface {
	OnFailure(fn func(error))
}

// checkFrame validates a frame against the initialized channel count.
func checkFrame(frame *audio.Frame, channels int) error {
	if frame == nil || frame.Taken() {
		return fmt.Errorf("%w: empty frame", ErrEncoding)
	}
	if frame.NumChannels() != channels {
		return fmt.Errorf("%w: frame has %d channels, expected %d", ErrEncoding, frame.NumChannels(), channels)
	}
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return nil
}

func result(k Kind, blob []byte) Result {
	return Result{Blob: blob, MIMEType: k.MIMEType(), Extension: k.Extension()}
}
