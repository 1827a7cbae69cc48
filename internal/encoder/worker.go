package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/micrec/internal/audio"
)

const (
	DefaultInitTimeout   = 10 * time.Second
	DefaultFinishTimeout = 30 * time.Second
)

type workerState int

const (
	workerCreated workerState = iota
	workerIniting
	workerReady
	workerFinishing
	workerClosed
)

// WorkerConfig configures a WorkerEncoder.
type WorkerConfig struct {
	Kind          Kind
	CodecLocation string

	// Spawn starts a worker. Defaults to NewCodecWorker with Registry.
	Spawn    func() Worker
	Registry *Registry

	InitTimeout   time.Duration
	FinishTimeout time.Duration
	Logger        zerolog.Logger
}

type finishOutcome struct {
	blob []byte
	err  error
}

// WorkerEncoder runs a Codec on a background worker. Init and Finish are
// request/reply rendezvous with one pending oneshot per command; Encode is a
// one-way post that moves the frame's buffers to the worker.
//
// Encode before the worker has replied inited is rejected with
// ErrNotInitialized.
type WorkerEncoder struct {
	kind          Kind
	location      string
	spawn         func() Worker
	initTimeout   time.Duration
	finishTimeout time.Duration
	log           zerolog.Logger

	mu            sync.Mutex
	state         workerState
	channels      int
	worker        Worker
	pendingInit   chan error
	pendingFinish chan finishOutcome
	failed        error
	onFailure     func(error)
	failureOnce   sync.Once
}

// NewWorkerEncoder creates an encoder for a compressed kind.
func NewWorkerEncoder(cfg WorkerConfig) *WorkerEncoder {
	e := &WorkerEncoder{
		kind:          cfg.Kind,
		location:      cfg.CodecLocation,
		spawn:         cfg.Spawn,
		initTimeout:   cfg.InitTimeout,
		finishTimeout: cfg.FinishTimeout,
		log:           cfg.Logger.With().Str("encoder", string(cfg.Kind)).Logger(),
	}
	if e.location == "" {
		e.location = DefaultCodecLocation(cfg.Kind)
	}
	if e.initTimeout <= 0 {
		e.initTimeout = DefaultInitTimeout
	}
	if e.finishTimeout <= 0 {
		e.finishTimeout = DefaultFinishTimeout
	}
	if e.spawn == nil {
		kind, registry, log := cfg.Kind, cfg.Registry, e.log
		e.spawn = func() Worker { return NewCodecWorker(kind, registry, log) }
	}
	return e
}

func (e *WorkerEncoder) Kind() Kind        { return e.kind }
func (e *WorkerEncoder) MIMEType() string  { return e.kind.MIMEType() }
func (e *WorkerEncoder) Extension() string { return e.kind.Extension() }

// OnFailure registers fn to run when the worker fails with no request pending.
func (e *WorkerEncoder) OnFailure(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailure = fn
}

// Init spawns the worker and blocks until it replies inited, fails, or the
// wait is bounded by ctx or the init timeout.
func (e *WorkerEncoder) Init(ctx context.Context, sampleRate, channels int) error {
	e.mu.Lock()
	if e.state != workerCreated {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	e.state = workerIniting
	e.channels = channels
	e.worker = e.spawn()
	e.pendingInit = make(chan error, 1)
	wait := e.pendingInit
	worker := e.worker
	e.mu.Unlock()

	go e.pump(worker)

	err := worker.Post(InitCommand{
		SampleRate:    sampleRate,
		Channels:      channels,
		CodecLocation: e.location,
	})
	if err == nil {
		err = e.await(ctx, wait, e.initTimeout)
	}
	if err != nil {
		e.abort()
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrWorkerInit, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != workerIniting {
		return ErrCancelled
	}
	e.state = workerReady
	return nil
}

func (e *WorkerEncoder) await(ctx context.Context, wait <-chan error, limit time.Duration) error {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWorkerTimeout
	}
}

// Encode moves the frame's buffers to the worker. It never waits for the worker.
func (e *WorkerEncoder) Encode(frame *audio.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case workerCreated, workerIniting:
		takeFrame(frame)
		return ErrNotInitialized
	case workerFinishing, workerClosed:
		takeFrame(frame)
		return ErrEncoderClosed
	}
	if e.failed != nil {
		takeFrame(frame)
		return e.failed
	}
	if err := checkFrame(frame, e.channels); err != nil {
		takeFrame(frame)
		return err
	}

	seq := frame.Seq
	if err := e.worker.Post(EncodeCommand{Seq: seq, Buffers: frame.Take()}); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkerEncode, err)
	}
	return nil
}

// Finish asks the worker to flush and waits for exactly one done or error
// reply, bounded by ctx and the finish timeout.
func (e *WorkerEncoder) Finish(ctx context.Context) (Result, error) {
	e.mu.Lock()
	switch e.state {
	case workerCreated, workerIniting:
		e.mu.Unlock()
		return Result{}, ErrNotInitialized
	case workerFinishing, workerClosed:
		e.mu.Unlock()
		return Result{}, ErrEncoderClosed
	}
	e.state = workerFinishing
	if e.failed != nil {
		err := e.failed
		e.mu.Unlock()
		e.abort()
		return Result{}, err
	}
	e.pendingFinish = make(chan finishOutcome, 1)
	wait := e.pendingFinish
	worker := e.worker
	e.mu.Unlock()

	start := time.Now()
	if err := worker.Post(FinishCommand{}); err != nil {
		e.abort()
		return Result{}, fmt.Errorf("%w: %w", ErrWorkerEncode, err)
	}

	timer := time.NewTimer(e.finishTimeout)
	defer timer.Stop()

	var out finishOutcome
	select {
	case out = <-wait:
	case <-ctx.Done():
		out.err = fmt.Errorf("%w: %w", ErrWorkerEncode, ctx.Err())
	case <-timer.C:
		out.err = fmt.Errorf("%w: %w", ErrWorkerEncode, ErrWorkerTimeout)
	}
	e.abort()

	if out.err != nil {
		return Result{}, out.err
	}
	e.log.Debug().Int("bytes", len(out.blob)).Dur("took", time.Since(start)).Msg("Worker finished encoding")
	return result(e.kind, out.blob), nil
}

// Cancel tells the worker to drop its state and returns without waiting.
func (e *WorkerEncoder) Cancel() {
	e.mu.Lock()
	if e.state == workerClosed {
		e.mu.Unlock()
		return
	}
	e.state = workerClosed
	worker := e.worker
	e.resolvePendingLocked(ErrCancelled)
	e.mu.Unlock()

	if worker != nil {
		_ = worker.Post(CancelCommand{})
		worker.Terminate()
	}
}

// abort closes the encoder and stops the worker after Init failure or Finish.
func (e *WorkerEncoder) abort() {
	e.mu.Lock()
	e.state = workerClosed
	worker := e.worker
	e.pendingInit = nil
	e.pendingFinish = nil
	e.mu.Unlock()

	if worker != nil {
		worker.Terminate()
	}
}

func (e *WorkerEncoder) resolvePendingLocked(err error) {
	if e.pendingInit != nil {
		e.pendingInit <- err
		e.pendingInit = nil
	}
	if e.pendingFinish != nil {
		e.pendingFinish <- finishOutcome{err: err}
		e.pendingFinish = nil
	}
}

// pump routes worker replies to the pending request they answer.
func (e *WorkerEncoder) pump(worker Worker) {
	for r := range worker.Replies() {
		e.route(r)
	}

	e.mu.Lock()
	exited := errors.New("worker exited without replying")
	if e.pendingInit != nil {
		e.pendingInit <- exited
		e.pendingInit = nil
	}
	if e.pendingFinish != nil {
		e.pendingFinish <- finishOutcome{err: fmt.Errorf("%w: %w", ErrWorkerEncode, exited)}
		e.pendingFinish = nil
	}
	e.mu.Unlock()
}

func (e *WorkerEncoder) route(r Reply) {
	e.mu.Lock()

	switch r := r.(type) {
	case InitedReply:
		if e.pendingInit != nil {
			e.pendingInit <- nil
			e.pendingInit = nil
		}
		e.mu.Unlock()

	case DoneReply:
		if e.pendingFinish != nil {
			e.pendingFinish <- finishOutcome{blob: r.Blob}
			e.pendingFinish = nil
		}
		e.mu.Unlock()

	case ErrorReply:
		reason := r.err()
		switch {
		case r.Command == CmdInit && e.pendingInit != nil:
			e.pendingInit <- reason
			e.pendingInit = nil
			e.mu.Unlock()
		case e.pendingFinish != nil:
			e.pendingFinish <- finishOutcome{err: fmt.Errorf("%w: %w", ErrWorkerEncode, reason)}
			e.pendingFinish = nil
			e.mu.Unlock()
		case e.pendingInit != nil:
			e.pendingInit <- reason
			e.pendingInit = nil
			e.mu.Unlock()
		default:
			err := fmt.Errorf("%w: %s failed: %w", ErrWorkerEncode, r.Command, reason)
			e.failed = err
			fn := e.onFailure
			closed := e.state == workerClosed
			e.mu.Unlock()

			e.log.Error().Err(err).Msg("Encoder worker failed")
			if fn != nil && !closed {
				e.failureOnce.Do(func() { fn(err) })
			}
		}

	default:
		e.mu.Unlock()
	}
}
