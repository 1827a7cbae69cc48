package encoder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var errWorkerTerminated = errors.New("encoder: worker terminated")

// codecWorker runs a Codec on its own goroutine and speaks the worker
// protocol. Commands queue in an unbounded mailbox so Post never blocks the
// audio thread and order is kept.
type codecWorker struct {
	kind     Kind
	registry *Registry
	log      zerolog.Logger

	mu         sync.Mutex
	mailbox    []Command
	terminated bool
	notify     chan struct{}

	replies chan Reply
}

// NewCodecWorker spawns a worker goroutine that loads its codec from registry
// when it receives init.
func NewCodecWorker(kind Kind, registry *Registry, log zerolog.Logger) Worker {
	w := &codecWorker{
		kind:     kind,
		registry: registry,
		log:      log,
		notify:   make(chan struct{}, 1),
		replies:  make(chan Reply, 4),
	}
	go w.run()
	return w
}

func (w *codecWorker) Post(cmd Command) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.terminated {
		return errWorkerTerminated
	}
	if cmd.Kind() == CmdCancel {
		// Queued frames are about to be thrown away anyway.
		w.mailbox = w.mailbox[:0]
	}
	w.mailbox = append(w.mailbox, cmd)
	w.signal()
	return nil
}

func (w *codecWorker) Replies() <-chan Reply {
	return w.replies
}

func (w *codecWorker) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminated = true
	w.signal()
}

func (w *codecWorker) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// next blocks until a command is queued. It returns false once the worker is
// terminated and the mailbox is empty.
func (w *codecWorker) next() (Command, bool) {
	for {
		w.mu.Lock()
		if len(w.mailbox) > 0 {
			cmd := w.mailbox[0]
			w.mailbox[0] = nil
			w.mailbox = w.mailbox[1:]
			w.mu.Unlock()
			return cmd, true
		}
		if w.terminated {
			w.mu.Unlock()
			return nil, false
		}
		w.mu.Unlock()
		<-w.notify
	}
}

func (w *codecWorker) run() {
	defer close(w.replies)

	var (
		codec   Codec
		current CommandKind
		failed  error
	)

	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("command", current.String()).Msg("Encoder worker crashed")
			w.replies <- ErrorReply{Command: current, Reason: fmt.Sprintf("worker panic: %v", r)}
		}
	}()

	for {
		cmd, ok := w.next()
		if !ok {
			return
		}
		current = cmd.Kind()

		switch c := cmd.(type) {
		case InitCommand:
			factory, err := w.registry.Lookup(c.CodecLocation, w.kind)
			if err == nil {
				codec = factory()
				err = codec.Init(c.SampleRate, c.Channels)
			}
			if err != nil {
				w.replies <- ErrorReply{
					Command:     CmdInit,
					Reason:      err.Error(),
					Unsupported: errors.Is(err, ErrUnsupportedEncoding),
				}
				return
			}
			w.log.Debug().
				Str("codec", c.CodecLocation).
				Int("sample_rate", c.SampleRate).
				Int("channels", c.Channels).
				Msg("Encoder worker ready")
			w.replies <- InitedReply{}

		case EncodeCommand:
			if codec == nil || failed != nil {
				continue
			}
			if err := codec.Encode(c.Buffers); err != nil {
				failed = err
				w.replies <- ErrorReply{Command: CmdEncode, Reason: err.Error()}
			}

		case FinishCommand:
			switch {
			case codec == nil:
				w.replies <- ErrorReply{Command: CmdFinish, Reason: "finish before init"}
			case failed != nil:
				w.replies <- ErrorReply{Command: CmdFinish, Reason: failed.Error()}
			default:
				blob, err := codec.Finish()
				if err != nil {
					w.replies <- ErrorReply{Command: CmdFinish, Reason: err.Error()}
				} else {
					w.replies <- DoneReply{Blob: blob}
				}
			}
			return

		case CancelCommand:
			w.log.Debug().Msg("Encoder worker cancelled")
			return
		}
	}
}
