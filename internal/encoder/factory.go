package encoder

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Options selects and configures an Encoder.
type Options struct {
	Kind             Kind
	UseWorkerOffload bool
	CodecLocation    string
	Registry         *Registry
	InitTimeout      time.Duration
	FinishTimeout    time.Duration
	Logger           zerolog.Logger
}

// New builds the encoder for opts.Kind. WAV is always synchronous; MP3 and
// OGG run on a worker when UseWorkerOffload is set and inline otherwise.
func New(opts Options) (Encoder, error) {
	if opts.Kind == KindWAV {
		return NewWAV(), nil
	}
	if !opts.Kind.Compressed() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, opts.Kind)
	}

	location := opts.CodecLocation
	if location == "" {
		location = DefaultCodecLocation(opts.Kind)
	}

	if opts.UseWorkerOffload {
		// The worker resolves the location itself and reports failure on init.
		return NewWorkerEncoder(WorkerConfig{
			Kind:          opts.Kind,
			CodecLocation: location,
			Registry:      opts.Registry,
			InitTimeout:   opts.InitTimeout,
			FinishTimeout: opts.FinishTimeout,
			Logger:        opts.Logger,
		}), nil
	}

	factory, err := opts.Registry.Lookup(location, opts.Kind)
	if err != nil {
		return nil, err
	}
	return NewInline(opts.Kind, factory()), nil
}
