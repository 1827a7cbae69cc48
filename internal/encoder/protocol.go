package encoder

import "errors"

// CommandKind identifies a request sent to an encoder worker.
type CommandKind int

const (
	CmdInit CommandKind = iota
	CmdEncode
	CmdFinish
	CmdCancel
)

func (k CommandKind) String() string {
	switch k {
	case CmdInit:
		return "init"
	case CmdEncode:
		return "encode"
	case CmdFinish:
		return "finish"
	case CmdCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Command is a message from the capture side to the worker.
//
//	init{sampleRate, channelCount, codecLocation} -> inited
//	encode{buffers}                                (one-way, buffers moved)
//	finish{}                                      -> done{blob} | error{reason}
//	cancel{}                                       (no reply)
type Command interface {
	Kind() CommandKind
}

type InitCommand struct {
	SampleRate    int
	Channels      int
	CodecLocation string
}

// EncodeCommand carries buffers the sender no longer owns.
type EncodeCommand struct {
	Seq     uint64
	Buffers [][]float32
}

type FinishCommand struct{}

type CancelCommand struct{}

func (InitCommand) Kind() CommandKind   { return CmdInit }
func (EncodeCommand) Kind() CommandKind { return CmdEncode }
func (FinishCommand) Kind() CommandKind { return CmdFinish }
func (CancelCommand) Kind() CommandKind { return CmdCancel }

// Reply is a message from the worker back to the capture side.
type Reply interface {
	reply()
}

// InitedReply acknowledges a successful init.
type InitedReply struct{}

// DoneReply carries the encoded file.
type DoneReply struct {
	Blob []byte
}

// ErrorReply reports a failure of the named command. A failed encode is
// reported without a pending request and is surfaced as an async failure.
type ErrorReply struct {
	Command CommandKind
	Reason  string
	// Unsupported marks a codec location or format the worker cannot serve.
	Unsupported bool
}

// err rebuilds the failure on the encoder side of the boundary.
func (r ErrorReply) err() error {
	if r.Unsupported {
		return &replyError{reason: r.Reason, kind: ErrUnsupportedEncoding}
	}
	return errors.New(r.Reason)
}

// replyError is a worker failure reason that keeps its sentinel.
type replyError struct {
	reason string
	kind   error
}

func (e *replyError) Error() string { return e.reason }
func (e *replyError) Unwrap() error { return e.kind }

func (InitedReply) reply() {}
func (DoneReply) reply()   {}
func (ErrorReply) reply()  {}

// Worker is the transport to a background encoder. Post must not block and
// must preserve order. Replies is closed when the worker exits.
type Worker interface {
	Post(cmd Command) error
	Replies() <-chan Reply
	Terminate()
}
