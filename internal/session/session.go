// Package session defines the connection to one engine process as the pool
// sees it, and adapts the Rserve client to it.
package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
)

// Session is a live connection to one engine process. It must not be used
// by two goroutines at once.
type Session interface {
	// Eval evaluates expr and returns its value.
	Eval(ctx context.Context, expr string) (rserve.Value, error)

	// Assign binds name to v without evaluation.
	Assign(ctx context.Context, name string, v rserve.Value) error

	// Connected reports whether the session can still be used.
	Connected() bool

	// Shutdown ends the engine process serving this session.
	Shutdown(ctx context.Context) error

	// ServerShutdown stops the whole server through its control channel.
	ServerShutdown(ctx context.Context) error

	// Close drops the connection.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string, port int) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, host string, port int) (Session, error) {
	return f(ctx, host, port)
}

// RserveDialer dials Rserve over TCP.
type RserveDialer struct {
	// Timeout bounds connect and handshake. Zero means no extra bound.
	Timeout time.Duration
}

// Dial connects to host:port.
func (d RserveDialer) Dial(ctx context.Context, host string, port int) (Session, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	c, err := rserve.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EvalError is an error raised by the engine while evaluating an
// expression. The session is unaffected.
type EvalError struct {
	Expr    string
	Message string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("engine error evaluating %q: %s", truncate(e.Expr, 80), e.Message)
}

// TryEval evaluates expr inside try(..., silent=TRUE) and turns a
// "try-error" result into *EvalError.
func TryEval(ctx context.Context, s Session, expr string) (rserve.Value, error) {
	v, err := s.Eval(ctx, "try("+expr+", silent=TRUE)")
	if err != nil {
		return nil, err
	}
	if rserve.Inherits(v, "try-error") {
		msg, _ := rserve.AsString(v)
		return nil, &EvalError{Expr: expr, Message: strings.TrimSpace(msg)}
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
