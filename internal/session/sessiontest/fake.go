// Package sessiontest provides an in-memory session.Session for tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
)

// ErrDisconnected is returned by a Fake after Disconnect or Close.
var ErrDisconnected = errors.New("sessiontest: disconnected")

// Fake records every call. EvalFunc decides what Eval returns; without it
// Eval returns NULL.
type Fake struct {
	EvalFunc     func(expr string) (rserve.Value, error)
	AssignFunc   func(name string, v rserve.Value) error
	ShutdownFunc func() error

	mu              sync.Mutex
	evals           []string
	assigns         map[string]rserve.Value
	connected       bool
	shutdowns       int
	serverShutdowns int
	closes          int
}

// New returns a connected Fake.
func New() *Fake {
	return &Fake{connected: true, assigns: make(map[string]rserve.Value)}
}

// Eval records expr and delegates to EvalFunc.
func (f *Fake) Eval(ctx context.Context, expr string) (rserve.Value, error) {
	f.mu.Lock()
	f.evals = append(f.evals, expr)
	connected := f.connected
	fn := f.EvalFunc
	f.mu.Unlock()

	if !connected {
		return nil, ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return &rserve.Null{}, nil
	}
	return fn(expr)
}

// Assign records the binding.
func (f *Fake) Assign(ctx context.Context, name string, v rserve.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrDisconnected
	}
	if f.AssignFunc != nil {
		if err := f.AssignFunc(name, v); err != nil {
			return err
		}
	}
	f.assigns[name] = v
	return nil
}

// Connected reports the simulated connection state.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Shutdown counts the call and disconnects unless ShutdownFunc fails.
func (f *Fake) Shutdown(context.Context) error {
	f.mu.Lock()
	f.shutdowns++
	fn := f.ShutdownFunc
	f.mu.Unlock()

	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	f.Disconnect()
	return nil
}

// ServerShutdown counts the call and disconnects.
func (f *Fake) ServerShutdown(ctx context.Context) error {
	f.mu.Lock()
	f.serverShutdowns++
	f.mu.Unlock()
	return f.Shutdown(ctx)
}

// Close disconnects.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closes++
	f.connected = false
	f.mu.Unlock()
	return nil
}

// Disconnect simulates a dropped connection.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

// Evals returns the expressions received, in order.
func (f *Fake) Evals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evals...)
}

// Assigned returns the value bound to name by Assign.
func (f *Fake) Assigned(name string) (rserve.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.assigns[name]
	return v, ok
}

// Shutdowns returns how many times Shutdown (including via ServerShutdown)
// was called.
func (f *Fake) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
