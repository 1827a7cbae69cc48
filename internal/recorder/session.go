// Package recorder runs one microphone recording: it opens a capture device,
// streams frames into an encoder and delivers the finished file.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/micrec/internal/audio"
	"github.com/petems/micrec/internal/config"
	"github.com/petems/micrec/internal/encoder"
	"github.com/petems/micrec/internal/encoder/codec"
	"github.com/petems/micrec/internal/observe"
	"github.com/petems/micrec/internal/permissions"
)

// Callbacks are optional hooks. They run outside the session lock and may
// call back into the session.
type Callbacks struct {
	OnProgress     func(elapsedMs int64)
	OnComplete     func(result encoder.Result)
	OnError        func(err error)
	OnEncoderReady func(kind encoder.Kind)
}

// PermissionChecker reports and requests microphone access.
type PermissionChecker interface {
	Microphone() (permissions.Status, error)
	RequestMicrophone() error
}

type Config struct {
	// Backend is used as is when valid; otherwise BackendName is resolved on
	// the first Start.
	Backend     audio.CaptureBackend
	BackendName string
	DeviceID    string

	Registry    *encoder.Registry                              // defaults to the built-in codecs
	NewEncoder  func(encoder.Options) (encoder.Encoder, error) // defaults to encoder.New
	Permissions PermissionChecker                              // defaults to permissions.System
	Metrics     *observe.Metrics                               // defaults to observe.DefaultMetrics
	Now         func() time.Time

	Callbacks Callbacks
	Logger    zerolog.Logger
}

// Session is a single recording. It moves Idle → Recording → Finishing →
// Completed, or ends Cancelled or Failed. A Start that fails leaves the
// session Idle so it can be retried; once a session has left Idle it cannot
// be started again.
type Session struct {
	id          string
	backend     audio.CaptureBackend
	backendName string
	deviceID    string
	registry    *encoder.Registry
	newEncoder  func(encoder.Options) (encoder.Encoder, error)
	perms       PermissionChecker
	metrics     *observe.Metrics
	now         func() time.Time
	cb          Callbacks
	log         zerolog.Logger

	mu       sync.Mutex
	state    State
	starting bool
	kind     encoder.Kind
	enc      encoder.Encoder
	capture  *capture

	// flushing is set by Finish: frames captured before the call and still
	// queued in the source are encoded while capture is released.
	flushing bool
	flushErr error

	timeLimit        *time.Duration
	progressInterval time.Duration
	lastProgress     time.Duration
	startedAt        time.Time
	endedAt          time.Time

	done   chan struct{}
	result encoder.Result
	err    error
}

func New(cfg Config) *Session {
	s := &Session{
		id:          uuid.NewString(),
		backend:     cfg.Backend,
		backendName: cfg.BackendName,
		deviceID:    cfg.DeviceID,
		registry:    cfg.Registry,
		newEncoder:  cfg.NewEncoder,
		perms:       cfg.Permissions,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		cb:          cfg.Callbacks,
		done:        make(chan struct{}),
	}
	if s.registry == nil {
		s.registry = codec.NewRegistry()
	}
	if s.newEncoder == nil {
		s.newEncoder = encoder.New
	}
	if s.perms == nil {
		s.perms = permissions.System{}
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log = cfg.Logger.With().Str("session", s.id).Logger()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed is the time since capture started, frozen once the session ends.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.startedAt.IsZero():
		return 0
	case !s.endedAt.IsZero():
		return s.endedAt.Sub(s.startedAt)
	default:
		return s.now().Sub(s.startedAt)
	}
}

// Start opens the microphone and begins recording. It returns once frames
// are flowing to an initialized encoder.
func (s *Session) Start(ctx context.Context, rc config.Recorder) error {
	s.mu.Lock()
	if s.state != Idle || s.starting {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	s.starting = true
	s.mu.Unlock()

	err := s.start(ctx, rc)

	s.mu.Lock()
	s.starting = false
	s.mu.Unlock()
	return err
}

func (s *Session) start(ctx context.Context, rc config.Recorder) error {
	if err := rc.Validate(); err != nil {
		if errors.Is(err, encoder.ErrUnsupportedEncoding) {
			return err
		}
		return fmt.Errorf("invalid recorder config: %w", err)
	}
	kind, err := rc.Kind()
	if err != nil {
		return err
	}

	if err := s.checkPermission(); err != nil {
		return err
	}

	enc, err := s.newEncoder(encoder.Options{
		Kind:             kind,
		UseWorkerOffload: rc.UseWorkerOffload,
		CodecLocation:    rc.Codecs.For(kind),
		Registry:         s.registry,
		InitTimeout:      rc.InitTimeout,
		FinishTimeout:    rc.FinishTimeout,
		Logger:           s.log,
	})
	if err != nil {
		return err
	}

	backend, err := s.resolveBackend()
	if err != nil {
		enc.Cancel()
		return err
	}

	delivery := audio.DeliveryInline
	if rc.UseWorkerOffload {
		delivery = audio.DeliveryWorker
	}
	src := backend.NewSource(s.log)
	neg, err := src.Open(ctx, audio.StreamParams{
		DeviceID:   s.deviceID,
		SampleRate: rc.SampleRate,
		Channels:   rc.Channels,
		BufferSize: rc.BufferSize,
		Delivery:   delivery,
		QueueDepth: rc.QueueDepth,
	})
	capt := &capture{src: src, backend: backend.Name, metrics: s.metrics, log: s.log}
	if err != nil {
		enc.Cancel()
		_ = capt.teardown()
		return deviceError(err)
	}

	if err := enc.Init(ctx, neg.SampleRate, neg.Channels); err != nil {
		enc.Cancel()
		_ = capt.teardown()
		return fmt.Errorf("init %s encoder: %w", kind, err)
	}
	if fn, ok := enc.(encoder.FailureNotifier); ok {
		fn.OnFailure(s.onEncoderFailure)
	}
	if s.cb.OnEncoderReady != nil {
		s.cb.OnEncoderReady(kind)
	}
	if rc.ProgressInterval > 0 && s.cb.OnProgress != nil {
		capt.progress = newProgressNotifier(s.cb.OnProgress)
	}

	s.mu.Lock()
	s.state = Recording
	s.kind = kind
	s.enc = enc
	s.capture = capt
	s.timeLimit = rc.TimeLimit
	s.progressInterval = rc.ProgressInterval
	s.lastProgress = 0
	s.startedAt = s.now()
	s.mu.Unlock()
	s.metrics.RecordSessionStarted(ctx, string(kind))

	startErr := src.Start(s.onFrame)

	// Cancel, a failure or the time limit may have moved the session on while
	// the stream was starting. Only a session still Recording is rolled back.
	s.mu.Lock()
	state, endErr := s.state, s.err
	if startErr != nil && state == Recording {
		s.state = Idle
		s.enc = nil
		s.capture = nil
		s.startedAt = time.Time{}
	}
	s.mu.Unlock()

	if startErr != nil {
		if state == Recording {
			enc.Cancel()
			_ = capt.teardown()
			s.metrics.RecordSessionEnded(ctx, string(kind), observe.OutcomeFailed, true)
			return deviceError(startErr)
		}
		s.log.Debug().Err(startErr).Str("state", state.String()).Msg("Stream start failed after session moved on")
		if endErr != nil {
			return endErr
		}
		return deviceError(startErr)
	}
	if state.Terminal() {
		// Teardown ran before the stream came up.
		if err := stopSource(src); err != nil {
			s.log.Warn().Err(err).Msg("Capture teardown incomplete")
		}
		return endErr
	}

	s.log.Info().
		Str("format", string(kind)).
		Str("backend", backend.Name).
		Str("device", neg.Device).
		Int("sample_rate", neg.SampleRate).
		Int("channels", neg.Channels).
		Str("delivery", delivery.String()).
		Msg("Recording started")
	return nil
}

func (s *Session) checkPermission() error {
	status, err := s.perms.Microphone()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if status == permissions.NotDetermined {
		if err := s.perms.RequestMicrophone(); err != nil {
			s.log.Warn().Err(err).Msg("Microphone permission request failed")
		}
	}
	if !status.Granted() {
		return fmt.Errorf("%w: status %s", ErrPermissionDenied, status)
	}
	return nil
}

func (s *Session) resolveBackend() (audio.CaptureBackend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend.Valid() {
		return s.backend, nil
	}
	b, err := audio.ResolveBackend(s.backendName)
	if err != nil {
		return audio.CaptureBackend{}, deviceError(err)
	}
	s.backend = b
	return b, nil
}

func deviceError(err error) error {
	if errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

// onFrame is the frame sink. It runs on the audio callback thread or the
// delivery goroutine and must not block or tear anything down itself.
func (s *Session) onFrame(frame *audio.Frame) {
	s.mu.Lock()
	if s.state == Finishing && s.flushing {
		s.flushLocked(frame)
		s.mu.Unlock()
		return
	}
	if s.state != Recording {
		s.mu.Unlock()
		frame.Take()
		return
	}

	elapsed := s.now().Sub(s.startedAt)
	if s.timeLimit != nil && elapsed >= *s.timeLimit {
		s.state = Finishing
		s.mu.Unlock()
		frame.Take()

		s.log.Info().Dur("elapsed", elapsed).Msg("Time limit reached")
		go func() {
			// The outcome reaches callers through callbacks and Wait.
			_, _ = s.finish(context.Background())
		}()
		return
	}

	if s.progressInterval > 0 && s.capture.progress != nil && elapsed-s.lastProgress >= s.progressInterval {
		s.lastProgress = elapsed
		s.capture.progress.notify(elapsed.Milliseconds())
	}

	err := s.enc.Encode(frame)
	if err != nil {
		enc, capt := s.endLocked(Failed, err)
		s.mu.Unlock()
		go s.afterFailure(enc, capt, err)
		return
	}
	kind := s.kind
	s.mu.Unlock()

	s.metrics.RecordFrameEncoded(context.Background(), string(kind))
}

// flushLocked encodes a frame that was queued before Finish. The first
// failure is kept for finish to report and later frames are dropped.
func (s *Session) flushLocked(frame *audio.Frame) {
	if s.flushErr != nil {
		frame.Take()
		return
	}
	if err := s.enc.Encode(frame); err != nil {
		s.flushErr = err
		return
	}
	s.metrics.RecordFrameEncoded(context.Background(), string(s.kind))
}

// onEncoderFailure handles a worker that failed with no request pending.
// During Finishing the pending Finish reports the failure instead.
func (s *Session) onEncoderFailure(err error) {
	s.mu.Lock()
	if s.state != Recording {
		s.mu.Unlock()
		return
	}
	enc, capt := s.endLocked(Failed, err)
	s.mu.Unlock()
	s.afterFailure(enc, capt, err)
}

func (s *Session) afterFailure(enc encoder.Encoder, capt *capture, err error) {
	enc.Cancel()
	s.release(capt)
	s.log.Error().Err(err).Msg("Recording failed")
	s.metrics.RecordSessionEnded(context.Background(), string(s.kindSnapshot()), observe.OutcomeFailed, true)
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// endLocked moves the session to a terminal state and wakes Wait. It
// returns what the caller must release after unlocking.
func (s *Session) endLocked(state State, err error) (encoder.Encoder, *capture) {
	s.state = state
	s.err = err
	s.endedAt = s.now()
	close(s.done)
	return s.enc, s.capture
}

// Finish stops capture and waits for the encoder to produce the file.
func (s *Session) Finish(ctx context.Context) (encoder.Result, error) {
	s.mu.Lock()
	if s.state != Recording {
		s.mu.Unlock()
		return encoder.Result{}, ErrNotRecording
	}
	s.state = Finishing
	s.flushing = true
	s.mu.Unlock()

	return s.finish(ctx)
}

// finish runs with the session already in Finishing.
func (s *Session) finish(ctx context.Context) (encoder.Result, error) {
	s.mu.Lock()
	enc, capt, kind := s.enc, s.capture, s.kind
	s.mu.Unlock()

	s.release(capt)

	s.mu.Lock()
	s.flushing = false
	flushErr := s.flushErr
	s.mu.Unlock()

	start := time.Now()
	var (
		res encoder.Result
		err error
	)
	if flushErr != nil {
		enc.Cancel()
		err = flushErr
	} else {
		res, err = enc.Finish(ctx)
	}
	s.metrics.RecordFinishDuration(ctx, string(kind), time.Since(start))

	s.mu.Lock()
	if s.state != Finishing {
		// Cancelled while the encoder was flushing; the result is discarded.
		s.mu.Unlock()
		return encoder.Result{}, ErrCancelled
	}
	if err != nil {
		s.endLocked(Failed, err)
		s.mu.Unlock()

		s.log.Error().Err(err).Msg("Finishing recording failed")
		s.metrics.RecordSessionEnded(context.Background(), string(kind), observe.OutcomeFailed, true)
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
		return encoder.Result{}, err
	}
	s.result = res
	s.endLocked(Completed, nil)
	s.mu.Unlock()

	s.log.Info().Int("bytes", len(res.Blob)).Str("mime", res.MIMEType).Msg("Recording complete")
	s.metrics.RecordSessionEnded(context.Background(), string(kind), observe.OutcomeCompleted, true)
	if s.cb.OnComplete != nil {
		s.cb.OnComplete(res)
	}
	return res, nil
}

// Cancel abandons the recording. No result is delivered afterwards, even if
// a finish was already in flight.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if !s.state.Active() {
		s.mu.Unlock()
		return ErrNotRecording
	}
	kind := s.kind
	enc, capt := s.endLocked(Cancelled, ErrCancelled)
	s.mu.Unlock()

	enc.Cancel()
	s.release(capt)

	s.log.Info().Msg("Recording cancelled")
	s.metrics.RecordSessionEnded(context.Background(), string(kind), observe.OutcomeCancelled, true)
	return nil
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns its outcome. A cancelled
// session returns ErrCancelled.
func (s *Session) Wait(ctx context.Context) (encoder.Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return encoder.Result{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// release tears down capture if the session acquired one.
func (s *Session) release(capt *capture) {
	if capt == nil {
		return
	}
	_ = capt.teardown()
}

func (s *Session) kindSnapshot() encoder.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}
