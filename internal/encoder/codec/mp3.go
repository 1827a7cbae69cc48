package codec

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/braheezy/shine-mp3/pkg/mp3"

	"github.com/petems/micrec/internal/encoder"
)

// shine encodes one granule pair per pass; 1152 also covers the 576-sample
// passes used at MPEG-2 rates.
const mp3FrameSamples = 1152

var mp3SampleRates = []int{8000, 11025, 12000, 16000, 22050, 24000, 32000, 44100, 48000}

// MP3 is a streaming MP3 codec backed by shine. Input is always fed as
// stereo; shine's mono path produces broken frames.
type MP3 struct {
	enc      *mp3.Encoder
	channels int
	pending  []int16
	out      bytes.Buffer
}

// NewMP3 returns an uninitialized MP3 codec.
func NewMP3() encoder.Codec {
	return &MP3{}
}

func (c *MP3) Init(sampleRate, channels int) error {
	if channels < 1 || channels > 2 {
		return fmt.Errorf("mp3: unsupported channel count %d", channels)
	}
	if !slices.Contains(mp3SampleRates, sampleRate) {
		return fmt.Errorf("mp3: unsupported sample rate %d", sampleRate)
	}
	c.enc = mp3.NewEncoder(sampleRate, 2)
	c.channels = channels
	return nil
}

func (c *MP3) Encode(buffers [][]float32) error {
	if c.enc == nil {
		return encoder.ErrNotInitialized
	}
	pcm, err := interleave16(buffers, 2)
	if err != nil {
		return err
	}
	c.pending = append(c.pending, pcm...)

	whole := len(c.pending) / (mp3FrameSamples * 2) * (mp3FrameSamples * 2)
	if whole == 0 {
		return nil
	}
	if err := c.enc.Write(&c.out, c.pending[:whole]); err != nil {
		return fmt.Errorf("mp3: encode: %w", err)
	}
	c.pending = append(c.pending[:0], c.pending[whole:]...)
	return nil
}

// Finish pads the last partial frame with silence and returns the stream.
func (c *MP3) Finish() ([]byte, error) {
	if c.enc == nil {
		return nil, encoder.ErrNotInitialized
	}
	if len(c.pending) > 0 {
		tail := make([]int16, mp3FrameSamples*2)
		copy(tail, c.pending)
		if err := c.enc.Write(&c.out, tail); err != nil {
			return nil, fmt.Errorf("mp3: flush: %w", err)
		}
		c.pending = nil
	}
	return c.out.Bytes(), nil
}
