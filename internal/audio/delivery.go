package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultQueueDepth = 64

// dispatcher re-chunks backend buffers into fixed-size frames and hands them
// to the sink using the configured delivery strategy. push* methods run on the
// audio callback thread and never block.
type dispatcher struct {
	delivery   Delivery
	channels   int
	bufferSize int
	log        zerolog.Logger
	now        func() time.Time

	// pending is only touched from the audio callback.
	pending [][]float32
	filled  int
	seq     uint64

	sink    atomic.Pointer[Sink]
	queue   chan *Frame
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

func newDispatcher(params StreamParams, channels, bufferSize int, log zerolog.Logger) *dispatcher {
	d := &dispatcher{
		delivery:   params.Delivery,
		channels:   channels,
		bufferSize: bufferSize,
		log:        log,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	d.reset()
	if d.delivery == DeliveryWorker {
		depth := params.QueueDepth
		if depth <= 0 {
			depth = defaultQueueDepth
		}
		d.queue = make(chan *Frame, depth)
	}
	return d
}

func (d *dispatcher) reset() {
	d.pending = make([][]float32, d.channels)
	for i := range d.pending {
		d.pending[i] = make([]float32, d.bufferSize)
	}
	d.filled = 0
}

// attach installs the sink and, for worker delivery, starts the drain goroutine.
func (d *dispatcher) attach(sink Sink) {
	d.sink.Store(&sink)
	if d.delivery != DeliveryWorker {
		return
	}
	d.wg.Add(1)
	go d.drain()
}

func (d *dispatcher) drain() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			d.flush()
			return
		case f := <-d.queue:
			d.deliver(f)
		}
	}
}

// flush hands frames still queued at detach time to the sink.
func (d *dispatcher) flush() {
	for {
		select {
		case f := <-d.queue:
			d.deliver(f)
		default:
			return
		}
	}
}

func (d *dispatcher) deliver(f *Frame) {
	d.deliver(f)
}

// detach waits for the drain goroutine to deliver what is already queued and
// exit, then removes the sink. It must not be called from inside the sink.
func (d *dispatcher) detach() {
	d.once.Do(func() {
		close(d.done)
		d.wg.Wait()
		d.sink.Store(nil)
	})
}

// pushPlanar accepts one buffer per channel, as PortAudio's non-interleaved
// callback provides them.
func (d *dispatcher) pushPlanar(in [][]float32) {
	if len(in) == 0 {
		return
	}
	n := len(in[0])
	for off := 0; off < n; {
		take := min(d.bufferSize-d.filled, n-off)
		for ch := 0; ch < d.channels; ch++ {
			src := in[min(ch, len(in)-1)]
			copy(d.pending[ch][d.filled:d.filled+take], src[off:off+take])
		}
		d.filled += take
		off += take
		if d.filled == d.bufferSize {
			d.emit()
		}
	}
}

// pushInterleaved accepts interleaved samples with the given stride.
func (d *dispatcher) pushInterleaved(in []float32, stride int) {
	if stride <= 0 {
		return
	}
	n := len(in) / stride
	for i := 0; i < n; i++ {
		for ch := 0; ch < d.channels; ch++ {
			d.pending[ch][d.filled] = in[i*stride+min(ch, stride-1)]
		}
		d.filled++
		if d.filled == d.bufferSize {
			d.emit()
		}
	}
}

func (d *dispatcher) emit() {
	f := &Frame{Channels: d.pending, Seq: d.seq, Captured: d.now()}
	d.seq++
	d.reset()

	if d.delivery == DeliveryWorker {
		select {
		case <-d.done:
		case d.queue <- f:
		default:
			// Drop if channel full (backpressure)
			if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
				d.log.Warn().Uint64("dropped", n).Msg("Frame queue full, dropping frame")
			}
		}
		return
	}
	d.deliver(f)
}
