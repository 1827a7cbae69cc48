package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/petems/micrec/internal/audio"
	"github.com/petems/micrec/internal/observe"
)

// capture owns the device side of one recording: the source and the
// progress notifier. teardown releases them exactly once.
type capture struct {
	src      audio.Source
	backend  string
	progress *progressNotifier
	metrics  *observe.Metrics
	log      zerolog.Logger

	once sync.Once
	err  error
}

// teardown disconnects the capture graph, stops the tracks, releases the
// audio context and stops progress notifications. Each step runs even if an
// earlier one failed. Must not be called with the session mutex held or from
// the frame callback.
func (c *capture) teardown() error {
	c.once.Do(func() {
		c.err = stopSource(c.src)
		if c.progress != nil {
			c.progress.stop()
		}
		if dropped := c.src.Dropped(); dropped > 0 {
			c.log.Warn().Uint64("dropped", dropped).Msg("Frames dropped during capture")
			c.metrics.RecordFramesDropped(context.Background(), c.backend, dropped)
		}
		if c.err != nil {
			c.log.Warn().Err(c.err).Msg("Capture teardown incomplete")
		} else {
			c.log.Debug().Msg("Capture released")
		}
	})
	return c.err
}

// stopSource runs the three teardown steps of src, each even if an earlier
// one failed.
func stopSource(src audio.Source) error {
	return errors.Join(
		guard("disconnect capture graph", func() error { src.Disconnect(); return nil }),
		guard("stop tracks", src.Stop),
		guard("release audio context", src.Close),
	)
}

func guard(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", step, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

// progressNotifier delivers progress callbacks off the audio thread. notify
// never blocks; a tick is dropped while the previous one is still queued.
type progressNotifier struct {
	ch   chan int64
	done chan struct{}
	once sync.Once
}

func newProgressNotifier(fn func(elapsedMs int64)) *progressNotifier {
	p := &progressNotifier{
		ch:   make(chan int64, 1),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case ms := <-p.ch:
				fn(ms)
			case <-p.done:
				return
			}
		}
	}()
	return p
}

func (p *progressNotifier) notify(elapsedMs int64) bool {
	select {
	case p.ch <- elapsedMs:
		return true
	default:
		return false
	}
}

// stop does not wait for a callback in flight, so a callback may call back
// into the session.
func (p *progressNotifier) stop() {
	p.once.Do(func() { close(p.done) })
}
