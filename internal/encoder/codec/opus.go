package codec

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/petems/micrec/internal/encoder"
)

const (
	opusFrameMs = 20
	// Ogg granule positions for Opus always count 48 kHz samples.
	opusGranuleRate = 48000
	opusMaxPacket   = 4000
)

var opusSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// Opus encodes 20 ms Opus packets into an Ogg container. Rates Opus does not
// accept natively are resampled to 48 kHz first.
type Opus struct {
	enc       *gopus.Encoder
	ogg       *oggwriter.OggWriter
	resampler *linearResampler

	rate      int
	channels  int
	frameSize int
	pending   []int16
	timestamp uint32
	seq       uint16
	out       bytes.Buffer
}

// NewOpus returns an uninitialized Ogg/Opus codec.
func NewOpus() encoder.Codec {
	return &Opus{}
}

func (c *Opus) Init(sampleRate, channels int) error {
	if channels < 1 || channels > 2 {
		return fmt.Errorf("opus: unsupported channel count %d", channels)
	}
	if sampleRate <= 0 {
		return fmt.Errorf("opus: invalid sample rate %d", sampleRate)
	}

	rate := sampleRate
	if !slices.Contains(opusSampleRates, rate) {
		c.resampler = newLinearResampler(sampleRate, opusGranuleRate)
		rate = opusGranuleRate
	}

	enc, err := gopus.NewEncoder(rate, channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("opus: create encoder: %w", err)
	}
	ogg, err := oggwriter.NewWith(&c.out, uint32(sampleRate), uint16(channels))
	if err != nil {
		return fmt.Errorf("opus: create ogg writer: %w", err)
	}

	c.enc = enc
	c.ogg = ogg
	c.rate = rate
	c.channels = channels
	c.frameSize = rate * opusFrameMs / 1000
	return nil
}

func (c *Opus) Encode(buffers [][]float32) error {
	if c.enc == nil {
		return encoder.ErrNotInitialized
	}
	if c.resampler != nil {
		buffers = c.resampler.process(buffers)
	}
	pcm, err := interleave16(buffers, c.channels)
	if err != nil {
		return err
	}
	c.pending = append(c.pending, pcm...)

	step := c.frameSize * c.channels
	var off int
	for ; off+step <= len(c.pending); off += step {
		if err := c.writePacket(c.pending[off : off+step]); err != nil {
			return err
		}
	}
	c.pending = append(c.pending[:0], c.pending[off:]...)
	return nil
}

func (c *Opus) writePacket(pcm []int16) error {
	packet, err := c.enc.Encode(pcm, c.frameSize, opusMaxPacket)
	if err != nil {
		return fmt.Errorf("opus: encode: %w", err)
	}
	err = c.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: c.seq,
			Timestamp:      c.timestamp,
		},
		Payload: packet,
	})
	if err != nil {
		return fmt.Errorf("opus: write page: %w", err)
	}
	c.seq++
	c.timestamp += opusGranuleRate * opusFrameMs / 1000
	return nil
}

// Finish pads the last partial packet with silence, closes the Ogg stream and
// returns it.
func (c *Opus) Finish() ([]byte, error) {
	if c.enc == nil {
		return nil, encoder.ErrNotInitialized
	}
	if len(c.pending) > 0 {
		tail := make([]int16, c.frameSize*c.channels)
		copy(tail, c.pending)
		c.pending = nil
		if err := c.writePacket(tail); err != nil {
			return nil, err
		}
	}
	if err := c.ogg.Close(); err != nil {
		return nil, fmt.Errorf("opus: close ogg: %w", err)
	}
	return c.out.Bytes(), nil
}
