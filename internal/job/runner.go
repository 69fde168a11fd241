package job

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
	"github.com/randomizedcoder/go-rserve-pool/internal/session"
)

// DefaultCleanupTimeout bounds the variable removal after a run.
const DefaultCleanupTimeout = 5 * time.Second

// Runner executes sequences.
type Runner struct {
	Logger *slog.Logger

	// Trace logs every step and its value at debug level.
	Trace bool

	CleanupTimeout time.Duration
}

// Run executes seq against s in order and stops at the first step that
// does not succeed. Afterwards every variable bound by an executed step is
// removed from the session; removal failures are only logged.
func (r *Runner) Run(ctx context.Context, s session.Session, seq *Sequence) Result {
	logger := r.logger()
	start := time.Now()
	res := Result{}

	if seq == nil || seq.Len() == 0 {
		res.Final = Outcome{Step: -1, Kind: KindEmpty, Message: ErrEmptySequence.Error(), Err: ErrEmptySequence}
		return res
	}

	var bound []string
	seen := make(map[string]bool)
	for i, c := range seq.cmds {
		if r.Trace {
			logger.Debug("job_step", "step", i, "command", c.String())
		}
		if c.Var != "" && !seen[c.Var] {
			seen[c.Var] = true
			bound = append(bound, c.Var)
		}

		o := r.step(ctx, s, i, c)
		res.Outcomes = append(res.Outcomes, o)
		if !o.OK() {
			logger.Warn("job_step_failed",
				"step", i,
				"command", truncate(c.String(), 120),
				"kind", o.Kind.String(),
				"error", o.Message,
			)
			break
		}
		if r.Trace {
			logger.Debug("job_step_result", "step", i, "value", rserve.ToGo(o.Value))
		}
	}
	res.Final = res.Outcomes[len(res.Outcomes)-1]

	r.cleanup(ctx, s, bound)
	res.Elapsed = time.Since(start)
	logger.Debug("job_finished",
		"steps", len(res.Outcomes),
		"of", seq.Len(),
		"final", res.Final.Kind.String(),
		"elapsed", res.Elapsed,
	)
	return res
}

func (r *Runner) step(ctx context.Context, s session.Session, i int, c Command) Outcome {
	start := time.Now()
	var (
		v   rserve.Value
		err error
	)
	switch c.Op {
	case OpAssign:
		err = s.Assign(ctx, c.Var, c.Value)
	case OpEval:
		v, err = s.Eval(ctx, c.expression())
		if err == nil && rserve.Inherits(v, "try-error") {
			msg, _ := rserve.AsString(v)
			err = &session.EvalError{Expr: c.Expr, Message: strings.TrimSpace(msg)}
			v = nil
		}
		if err == nil && c.Var != "" && !c.Retrieve {
			v = nil
		}
	default:
		err = fmt.Errorf("%w: op %d", ErrInvalidCommand, c.Op)
	}

	if err != nil {
		o := classify(i, err)
		o.Elapsed = time.Since(start)
		return o
	}
	return Outcome{Step: i, Kind: KindOK, Value: v, Elapsed: time.Since(start)}
}

// cleanup removes vars from the session.
func (r *Runner) cleanup(ctx context.Context, s session.Session, vars []string) {
	if len(vars) == 0 {
		return
	}
	timeout := r.CleanupTimeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if _, err := session.TryEval(ctx, s, removeExpr(vars)); err != nil {
		r.logger().Info("job_cleanup_failed",
			"vars", len(vars),
			"error", err,
		)
		return
	}
	r.logger().Debug("job_cleanup", "vars", len(vars))
}

// removeExpr builds an expression removing every name in vars.
func removeExpr(vars []string) string {
	quoted := make([]string, len(vars))
	for i, v := range vars {
		quoted[i] = strconv.Quote(v)
	}
	return "suppressWarnings(remove(list=c(" + strings.Join(quoted, ",") + ")))"
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
