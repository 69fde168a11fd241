package job

import (
	"context"
	"errors"
	"time"

	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
	"github.com/randomizedcoder/go-rserve-pool/internal/session"
)

// ErrEmptySequence is the error of the final outcome of a run with no
// commands.
var ErrEmptySequence = errors.New("empty command sequence")

// Kind classifies an Outcome.
type Kind int

const (
	// KindOK is a successful step.
	KindOK Kind = iota
	// KindEngineError means the engine rejected the step. The session is
	// still usable.
	KindEngineError
	// KindProtocolError means the session failed. The worker must be
	// replaced.
	KindProtocolError
	// KindUnexpected is anything else, including a caller deadline. The
	// worker must be replaced.
	KindUnexpected
	// KindEmpty is the final outcome of a run with no commands.
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindEngineError:
		return "engine_error"
	case KindProtocolError:
		return "protocol_error"
	case KindUnexpected:
		return "unexpected_error"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Outcome is the result of one step.
type Outcome struct {
	Step    int
	Kind    Kind
	Value   rserve.Value
	Message string
	Err     error
	Elapsed time.Duration
}

// OK reports whether the step succeeded.
func (o Outcome) OK() bool { return o.Kind == KindOK }

// classify turns a step error into an outcome.
func classify(step int, err error) Outcome {
	o := Outcome{Step: step, Err: err, Message: err.Error()}

	var evalErr *session.EvalError
	var srvErr *rserve.ServerError
	switch {
	case errors.As(err, &evalErr):
		o.Kind = KindEngineError
		o.Message = evalErr.Message
	case errors.As(err, &srvErr) && srvErr.EvalFailure():
		o.Kind = KindEngineError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		o.Kind = KindUnexpected
	case errors.As(err, &srvErr), errors.Is(err, rserve.ErrProtocol), errors.Is(err, rserve.ErrClosed):
		o.Kind = KindProtocolError
	default:
		o.Kind = KindUnexpected
	}
	return o
}

// Result is everything a run produced.
type Result struct {
	// Outcomes has one entry per attempted step. It is short when the run
	// stopped early.
	Outcomes []Outcome

	// Final is the last attempted step's outcome, or a KindEmpty outcome.
	Final Outcome

	Elapsed time.Duration
}

// NeedsReplacement reports whether the worker that ran r must not be
// reused.
func (r Result) NeedsReplacement() bool {
	return r.Final.Kind == KindProtocolError || r.Final.Kind == KindUnexpected
}
