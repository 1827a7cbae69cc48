package encoder

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/petems/micrec/internal/audio"
)

const (
	// WAVHeaderSize is the size of the canonical RIFF/WAVE PCM header.
	WAVHeaderSize = 44

	wavBitsPerSample  = 16
	wavBytesPerSample = wavBitsPerSample / 8
	wavFormatPCM      = 1
)

// WAVEncoder accumulates frames and serializes 16-bit PCM WAV on Finish.
// It performs no I/O and never blocks, so it can run inline with frame delivery.
type WAVEncoder struct {
	mu         sync.Mutex
	inited     bool
	closed     bool
	sampleRate int
	channels   int
	// chunks holds, per channel, the received buffers in delivery order.
	chunks [][][]float32
}

// NewWAV creates a WAV encoder.
func NewWAV() *WAVEncoder {
	return &WAVEncoder{}
}

func (e *WAVEncoder) Kind() Kind        { return KindWAV }
func (e *WAVEncoder) MIMEType() string  { return KindWAV.MIMEType() }
func (e *WAVEncoder) Extension() string { return KindWAV.Extension() }

func (e *WAVEncoder) Init(_ context.Context, sampleRate, channels int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inited || e.closed {
		return ErrAlreadyInitialized
	}
	if sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrEncoding, sampleRate)
	}
	if channels < 1 || channels > 2 {
		return fmt.Errorf("%w: %d channels", ErrEncoding, channels)
	}
	e.sampleRate = sampleRate
	e.channels = channels
	e.chunks = make([][][]float32, channels)
	e.inited = true
	return nil
}

func (e *WAVEncoder) Encode(frame *audio.Frame) error {
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
	for ch, buf := range frame.Take() {
		e.chunks[ch] = append(e.chunks[ch], buf)
	}
	return nil
}

func (e *WAVEncoder) Finish(_ context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Result{}, ErrEncoderClosed
	}
	if !e.inited {
		return Result{}, ErrNotInitialized
	}
	e.closed = true

	flat := make([][]float32, e.channels)
	for ch, bufs := range e.chunks {
		flat[ch] = concat(bufs)
	}
	e.chunks = nil

	blob, err := EncodeWAV(flat, e.sampleRate)
	if err != nil {
		return Result{}, err
	}
	return result(KindWAV, blob), nil
}

func (e *WAVEncoder) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.chunks = nil
}

// EncodeWAV serializes per-channel float samples as a 16-bit PCM WAV file.
// All channels must have the same length.
func EncodeWAV(channels [][]float32, sampleRate int) ([]byte, error) {
	interleaved, err := Interleave(channels)
	if err != nil {
		return nil, err
	}

	dataSize := len(interleaved) * wavBytesPerSample
	buf := make([]byte, WAVHeaderSize+dataSize)
	putWAVHeader(buf, sampleRate, len(channels), dataSize)

	pcm := buf[WAVHeaderSize:]
	for i, s := range interleaved {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(Quantize(s)))
	}
	return buf, nil
}

// putWAVHeader writes the 44-byte RIFF header for 16-bit PCM. The RIFF size
// field counts everything after itself.
func putWAVHeader(buf []byte, sampleRate, channels, dataSize int) {
	byteRate := sampleRate * channels * wavBytesPerSample
	blockAlign := channels * wavBytesPerSample

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], wavBitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
}

// Interleave merges per-channel samples into ch0, ch1, ch0, ch1, ... order.
func Interleave(channels [][]float32) ([]float32, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrEncoding)
	}
	n := len(channels[0])
	for i, ch := range channels[1:] {
		if len(ch) != n {
			return nil, fmt.Errorf("%w: channel %d has %d samples, channel 0 has %d", ErrEncoding, i+1, len(ch), n)
		}
	}
	if len(channels) == 1 {
		return channels[0], nil
	}

	out := make([]float32, n*len(channels))
	for i := 0; i < n; i++ {
		for c, ch := range channels {
			out[i*len(channels)+c] = ch[i]
		}
	}
	return out, nil
}

// Quantize converts a float sample to int16. Negative values scale by 32768
// and non-negative values by 32767, after clamping to [-1, 1].
func Quantize(s float32) int16 {
	v := math.Max(-1, math.Min(1, float64(s)))
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

func concat(bufs [][]float32) []float32 {
	if len(bufs) == 1 {
		return bufs[0]
	}
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	out := make([]float32, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func takeFrame(frame *audio.Frame) {
	if frame != nil {
		frame.Take()
	}
}
