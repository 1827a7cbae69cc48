// Package codec provides the built-in compressors behind the encoder worker.
package codec

import (
	"fmt"

	"github.com/petems/micrec/internal/encoder"
)

const (
	// LocationShine is the built-in MP3 codec.
	LocationShine = "builtin:shine"
	// LocationOpus is the built-in Ogg/Opus codec.
	LocationOpus = "builtin:opus"
)

// Register adds the built-in codecs to r.
func Register(r *encoder.Registry) {
	r.Register(LocationShine, encoder.KindMP3, NewMP3)
	r.Register(LocationOpus, encoder.KindOGG, NewOpus)
}

// NewRegistry returns a registry holding only the built-in codecs.
func NewRegistry() *encoder.Registry {
	r := encoder.NewRegistry()
	Register(r)
	return r
}

// interleave16 quantizes planar float buffers to interleaved int16 with the
// given number of output channels. Mono input is duplicated when out is 2.
func interleave16(buffers [][]float32, out int) ([]int16, error) {
	if len(buffers) == 0 {
		return nil, nil
	}
	n := len(buffers[0])
	for ch, b := range buffers {
		if len(b) != n {
			return nil, fmt.Errorf("%w: channel %d has %d samples, channel 0 has %d", encoder.ErrEncoding, ch, len(b), n)
		}
	}

	pcm := make([]int16, n*out)
	for i := 0; i < n; i++ {
		for ch := 0; ch < out; ch++ {
			src := buffers[0]
			if ch < len(buffers) {
				src = buffers[ch]
			}
			pcm[i*out+ch] = encoder.Quantize(src[i])
		}
	}
	return pcm, nil
}
