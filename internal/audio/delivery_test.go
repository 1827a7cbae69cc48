package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type frameCollector struct {
	mu     sync.Mutex
	frames []*Frame
}

func (c *frameCollector) sink(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *frameCollector) snapshot() []*Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Frame(nil), c.frames...)
}

func (c *frameCollector) waitFor(t *testing.T, n int) []*Frame {
	t.Helper()
	for i := 0; i < 100; i++ { // Poll for 1 second
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %d", n, len(c.snapshot()))
	return nil
}

func TestPushPlanarRechunks(t *testing.T) {
	d := newDispatcher(StreamParams{Delivery: DeliveryInline}, 2, 4, zerolog.Nop())
	c := &frameCollector{}
	d.attach(c.sink)
	defer d.detach()

	d.pushPlanar([][]float32{{1, 2, 3}, {-1, -2, -3}})
	if got := len(c.snapshot()); got != 0 {
		t.Fatalf("expected no frame before buffer fills, got %d", got)
	}
	d.pushPlanar([][]float32{{4, 5, 6}, {-4, -5, -6}})

	frames := c.snapshot()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	want := [][]float32{{1, 2, 3, 4}, {-1, -2, -3, -4}}
	for ch := range want {
		for i := range want[ch] {
			if frames[0].Channels[ch][i] != want[ch][i] {
				t.Fatalf("channel %d sample %d: expected %f, got %f", ch, i, want[ch][i], frames[0].Channels[ch][i])
			}
		}
	}
}

func TestPushPlanarCopiesInput(t *testing.T) {
	d := newDispatcher(StreamParams{Delivery: DeliveryInline}, 1, 2, zerolog.Nop())
	c := &frameCollector{}
	d.attach(c.sink)
	defer d.detach()

	in := [][]float32{{0.25, 0.5}}
	d.pushPlanar(in)
	in[0][0] = 0.9

	frames := c.snapshot()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Channels[0][0] != 0.25 {
		t.Fatal("expected frame to own a copy of the callback buffer")
	}
}

func TestPushInterleavedStereo(t *testing.T) {
	d := newDispatcher(StreamParams{Delivery: DeliveryInline}, 2, 2, zerolog.Nop())
	c := &frameCollector{}
	d.attach(c.sink)
	defer d.detach()

	d.pushInterleaved([]float32{
		0.0, 1.0,
		0.5, -0.5,
		1.0, 0.0,
		-0.5, 0.5,
	}, 2)

	frames := c.snapshot()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Seq != 0 || frames[1].Seq != 1 {
		t.Fatalf("expected sequence 0,1, got %d,%d", frames[0].Seq, frames[1].Seq)
	}
	if frames[1].Channels[0][1] != -0.5 || frames[1].Channels[1][1] != 0.5 {
		t.Fatalf("unexpected second frame: %v", frames[1].Channels)
	}
}

func TestPushInterleavedDownmixesExtraDeviceChannels(t *testing.T) {
	d := newDispatcher(StreamParams{Delivery: DeliveryInline}, 1, 2, zerolog.Nop())
	c := &frameCollector{}
	d.attach(c.sink)
	defer d.detach()

	// Device delivers 3 channels, we keep only the first.
	d.pushInterleaved([]float32{1, 3, 5, 2, 4, 6}, 3)

	frames := c.snapshot()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Channels[0][0] != 1 || frames[0].Channels[0][1] != 2 {
		t.Fatalf("unexpected samples: %v", frames[0].Channels[0])
	}
}

func TestDeliveryStrategiesProduceSameFrames(t *testing.T) {
	input := make([]float32, 40)
	for i := range input {
		input[i] = float32(i) / 40
	}

	run := func(mode Delivery) []*Frame {
		d := newDispatcher(StreamParams{Delivery: mode, QueueDepth: 16}, 1, 8, zerolog.Nop())
		c := &frameCollector{}
		d.attach(c.sink)
		for off := 0; off < len(input); off += 5 {
			d.pushPlanar([][]float32{input[off : off+5]})
		}
		frames := c.waitFor(t, 5)
		d.detach()
		return frames
	}

	inline := run(DeliveryInline)
	worker := run(DeliveryWorker)
	if len(inline) != len(worker) {
		t.Fatalf("frame count differs: inline %d, worker %d", len(inline), len(worker))
	}
	for i := range inline {
		if inline[i].Seq != worker[i].Seq {
			t.Fatalf("frame %d: sequence differs", i)
		}
		for j := range inline[i].Channels[0] {
			if inline[i].Channels[0][j] != worker[i].Channels[0][j] {
				t.Fatalf("frame %d sample %d differs", i, j)
			}
		}
	}
}

func TestWorkerDeliveryDropsWhenQueueFull(t *testing.T) {
	d := newDispatcher(StreamParams{Delivery: DeliveryWorker, QueueDepth: 1}, 1, 1, zerolog.Nop())
	// No sink attached, so nothing drains the queue.
	d.pushPlanar([][]float32{{0.1, 0.2, 0.3}})

	if got := d.dropped.Load(); got != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", got)
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	d := newDispatcher(StreamParams{Delivery: DeliveryWorker}, 1, 4, zerolog.Nop())
	d.attach(func(*Frame) {})
	d.detach()
	d.detach()

	// Pushing after detach must not block or panic.
	d.pushPlanar([][]float32{{0, 0, 0, 0}})
}

func TestFrameTakeInvalidatesSender(t *testing.T) {
	f := &Frame{Channels: [][]float32{{1, 2}}}
	got := f.Take()
	if len(got) != 1 || !f.Taken() {
		t.Fatal("expected Take to move buffers out of the frame")
	}
	if f.Len() != 0 || f.NumChannels() != 0 {
		t.Fatal("expected taken frame to report no samples")
	}
}

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"mono", Frame{Channels: [][]float32{{0, 1}}}, false},
		{"stereo", Frame{Channels: [][]float32{{0, 1}, {1, 0}}}, false},
		{"empty", Frame{}, true},
		{"mismatched", Frame{Channels: [][]float32{{0, 1}, {1}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDetachDeliversQueuedFrames(t *testing.T) {
	d := newDispatcher(StreamParams{Delivery: DeliveryWorker, QueueDepth: 8}, 1, 1, zerolog.Nop())

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	c := &frameCollector{}
	d.attach(func(f *Frame) {
		select {
		case entered <- struct{}{}:
			<-gate // hold the first frame so the rest stay queued
		default:
		}
		c.sink(f)
	})

	d.pushPlanar([][]float32{{0.1, 0.2, 0.3, 0.4}})
	<-entered

	detached := make(chan struct{})
	go func() {
		d.detach()
		close(detached)
	}()
	close(gate)

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("detach did not return")
	}

	frames := c.snapshot()
	if len(frames) != 4 {
		t.Fatalf("expected all 4 captured frames delivered, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d: expected seq %d, got %d", i, i, f.Seq)
		}
	}
}
