package encoder

import (
	"fmt"
	"sort"
	"sync"
)

// Codec is a streaming compressor. Encode receives buffers in capture order
// and owns them; Finish flushes and returns the complete file.
type Codec interface {
	Init(sampleRate, channels int) error
	Encode(buffers [][]float32) error
	Finish() ([]byte, error)
}

// CodecFactory creates a fresh Codec for one recording.
type CodecFactory func() Codec

type registration struct {
	kind    Kind
	factory CodecFactory
}

// Registry maps codec locations to codec implementations. A location plays
// the part a script URL plays for a browser worker: it tells the worker where
// to load its compressor from.
type Registry struct {
	mu    sync.RWMutex
	codec map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codec: make(map[string]registration)}
}

// Register binds location to a codec producing files of the given kind.
func (r *Registry) Register(location string, kind Kind, factory CodecFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codec[location] = registration{kind: kind, factory: factory}
}

// Lookup resolves a location for the given kind.
func (r *Registry) Lookup(location string, kind Kind) (CodecFactory, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no codec registry", ErrUnsupportedEncoding)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.codec[location]
	if !ok {
		return nil, fmt.Errorf("%w: no codec at %q", ErrUnsupportedEncoding, location)
	}
	if reg.kind != kind {
		return nil, fmt.Errorf("%w: codec at %q produces %s, not %s", ErrUnsupportedEncoding, location, reg.kind, kind)
	}
	return reg.factory, nil
}

// Locations lists registered locations, sorted.
func (r *Registry) Locations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codec))
	for loc := range r.codec {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}
