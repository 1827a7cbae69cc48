package recorder

import (
	"errors"

	"github.com/petems/micrec/internal/audio"
	"github.com/petems/micrec/internal/encoder"
)

var (
	ErrPermissionDenied    = errors.New("recorder: microphone permission denied")
	ErrDeviceUnavailable   = audio.ErrDeviceUnavailable
	ErrUnsupportedEncoding = encoder.ErrUnsupportedEncoding
	ErrAlreadyRecording    = errors.New("recorder: already recording")
	ErrNotRecording        = errors.New("recorder: not recording")
	ErrCancelled           = errors.New("recorder: cancelled")
)

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Recording
	Finishing
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Finishing:
		return "finishing"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// Active reports whether the session holds a capture device.
func (s State) Active() bool {
	return s == Recording || s == Finishing
}
