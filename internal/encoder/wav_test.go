package encoder

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/petems/micrec/internal/audio"
)

func silence(channels, n int) *audio.Frame {
	f := &audio.Frame{Channels: make([][]float32, channels)}
	for ch := range f.Channels {
		f.Channels[ch] = make([]float32, n)
	}
	return f
}

func newInitedWAV(t *testing.T, sampleRate, channels int) *WAVEncoder {
	t.Helper()
	enc := NewWAV()
	if err := enc.Init(context.Background(), sampleRate, channels); err != nil {
		t.Fatalf("init: %v", err)
	}
	return enc
}

func wavPCMData(wav []byte) []byte { return wav[WAVHeaderSize:] }

func decodeSamples(t *testing.T, wav []byte) []int16 {
	t.Helper()
	pcm := wavPCMData(wav)
	if len(pcm)%2 != 0 {
		t.Fatalf("odd PCM byte count %d", len(pcm))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestWAVHeaderLayout(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate int
		channels   int
		frames     int
		frameLen   int
	}{
		{"mono 44.1k", 44100, 1, 3, 128},
		{"stereo 48k", 48000, 2, 2, 256},
		{"mono no frames", 16000, 1, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := newInitedWAV(t, tt.sampleRate, tt.channels)
			for i := 0; i < tt.frames; i++ {
				if err := enc.Encode(silence(tt.channels, tt.frameLen)); err != nil {
					t.Fatalf("encode: %v", err)
				}
			}
			res, err := enc.Finish(context.Background())
			if err != nil {
				t.Fatalf("finish: %v", err)
			}
			b := res.Blob
			dataSize := 2 * tt.channels * tt.frames * tt.frameLen

			if len(b) != WAVHeaderSize+dataSize {
				t.Fatalf("expected %d bytes, got %d", WAVHeaderSize+dataSize, len(b))
			}
			checks := []struct {
				field string
				got   uint32
				want  uint32
			}{
				{"riff size", binary.LittleEndian.Uint32(b[4:8]), uint32(36 + dataSize)},
				{"fmt size", binary.LittleEndian.Uint32(b[16:20]), 16},
				{"format", uint32(binary.LittleEndian.Uint16(b[20:22])), 1},
				{"channels", uint32(binary.LittleEndian.Uint16(b[22:24])), uint32(tt.channels)},
				{"sample rate", binary.LittleEndian.Uint32(b[24:28]), uint32(tt.sampleRate)},
				{"byte rate", binary.LittleEndian.Uint32(b[28:32]), uint32(tt.sampleRate * tt.channels * 2)},
				{"block align", uint32(binary.LittleEndian.Uint16(b[32:34])), uint32(tt.channels * 2)},
				{"bits", uint32(binary.LittleEndian.Uint16(b[34:36])), 16},
				{"data size", binary.LittleEndian.Uint32(b[40:44]), uint32(dataSize)},
			}
			for _, c := range checks {
				if c.got != c.want {
					t.Errorf("%s: expected %d, got %d", c.field, c.want, c.got)
				}
			}
			for _, tag := range []struct {
				off  int
				want string
			}{{0, "RIFF"}, {8, "WAVE"}, {12, "fmt "}, {36, "data"}} {
				if got := string(b[tag.off : tag.off+4]); got != tag.want {
					t.Errorf("tag at %d: expected %q, got %q", tag.off, tag.want, got)
				}
			}
		})
	}
}

func TestWAVTenFramesOfSilence(t *testing.T) {
	enc := newInitedWAV(t, 44100, 1)
	for i := 0; i < 10; i++ {
		if err := enc.Encode(silence(1, 4096)); err != nil {
			t.Fatalf("encode frame %d: %v", i, err)
		}
	}
	res, err := enc.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(res.Blob) != 44+10*4096*2 {
		t.Errorf("expected %d bytes, got %d", 44+10*4096*2, len(res.Blob))
	}
	if res.MIMEType != "audio/wav" || res.Extension != "wav" {
		t.Errorf("unexpected type %q / %q", res.MIMEType, res.Extension)
	}
}

func TestWAVSilenceRoundTrip(t *testing.T) {
	const frames, frameLen = 5, 300
	enc := newInitedWAV(t, 22050, 2)
	for i := 0; i < frames; i++ {
		if err := enc.Encode(silence(2, frameLen)); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	res, err := enc.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	samples := decodeSamples(t, res.Blob)
	if len(samples) != 2*frames*frameLen {
		t.Fatalf("expected %d samples, got %d", 2*frames*frameLen, len(samples))
	}
	for i, s := range samples {
		if s != 0 {
			t.Fatalf("sample %d: expected 0, got %d", i, s)
		}
	}
}

func TestWAVStereoInterleaving(t *testing.T) {
	enc := newInitedWAV(t, 8000, 2)
	frame := &audio.Frame{Channels: [][]float32{{1.0, -1.0}, {0.5, -0.5}}}
	if err := enc.Encode(frame); err != nil {
		t.Fatalf("encode: %v", err)
	}
	res, err := enc.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	got := decodeSamples(t, res.Blob)
	want := []int16{32767, 16384, -32768, -16384}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestWAVKeepsDeliveryOrder(t *testing.T) {
	enc := newInitedWAV(t, 8000, 1)
	for _, v := range []float32{0.1, 0.2, 0.3} {
		if err := enc.Encode(&audio.Frame{Channels: [][]float32{{v}}}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	res, err := enc.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	got := decodeSamples(t, res.Blob)
	for i, v := range []float32{0.1, 0.2, 0.3} {
		if got[i] != Quantize(v) {
			t.Errorf("sample %d: expected %d, got %d", i, Quantize(v), got[i])
		}
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{0.5, 16384},
		{-0.5, -16384},
		{1.5, 32767},
		{-3, -32768},
	}
	for _, tt := range tests {
		if got := Quantize(tt.in); got != tt.want {
			t.Errorf("Quantize(%v): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestWAVEncodeTakesOwnership(t *testing.T) {
	enc := newInitedWAV(t, 8000, 1)
	frame := silence(1, 4)
	if err := enc.Encode(frame); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !frame.Taken() {
		t.Fatal("expected encoder to take the frame's buffers")
	}
}

func TestWAVRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame *audio.Frame
	}{
		{"wrong channel count", silence(1, 4)},
		{"unequal lengths", &audio.Frame{Channels: [][]float32{{0, 0}, {0}}}},
		{"already taken", &audio.Frame{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := newInitedWAV(t, 8000, 2)
			err := enc.Encode(tt.frame)
			if !errors.Is(err, ErrEncoding) {
				t.Fatalf("expected ErrEncoding, got %v", err)
			}
		})
	}
}

func TestInterleaveUnequalChannels(t *testing.T) {
	_, err := Interleave([][]float32{{0, 0, 0}, {0, 0}})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
}

func TestWAVLifecycle(t *testing.T) {
	enc := NewWAV()
	if err := enc.Encode(silence(1, 1)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("encode before init: expected ErrNotInitialized, got %v", err)
	}
	if err := enc.Init(context.Background(), 8000, 1); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := enc.Init(context.Background(), 8000, 1); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second init: expected ErrAlreadyInitialized, got %v", err)
	}
	if _, err := enc.Finish(context.Background()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := enc.Encode(silence(1, 1)); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("encode after finish: expected ErrEncoderClosed, got %v", err)
	}
	if _, err := enc.Finish(context.Background()); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("second finish: expected ErrEncoderClosed, got %v", err)
	}
}

func TestWAVCancelDiscards(t *testing.T) {
	enc := newInitedWAV(t, 8000, 1)
	_ = enc.Encode(silence(1, 16))
	enc.Cancel()
	if _, err := enc.Finish(context.Background()); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("finish after cancel: expected ErrEncoderClosed, got %v", err)
	}
}

func TestWAVInitRejectsBadChannels(t *testing.T) {
	if err := NewWAV().Init(context.Background(), 8000, 3); !errors.Is(err, ErrEncoding) {
		t.Errorf("expected ErrEncoding for 3 channels, got %v", err)
	}
}
