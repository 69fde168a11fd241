package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/randomizedcoder/go-rserve-pool/internal/process"
	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
	"github.com/randomizedcoder/go-rserve-pool/internal/rserve/rservetest"
	"github.com/randomizedcoder/go-rserve-pool/internal/session"
	"github.com/randomizedcoder/go-rserve-pool/internal/session/sessiontest"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeTerminator struct {
	mu         sync.Mutex
	exit       process.Exit
	err        error
	exited     bool
	terminated []int
	waited     []int
}

func (f *fakeTerminator) Terminate(_ context.Context, p process.Process) (process.Exit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, p.PID())
	return f.exit, f.err
}

func (f *fakeTerminator) WaitExit(_ context.Context, p process.Process) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, p.PID())
	return f.exited, nil
}

func (f *fakeTerminator) Terminated() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terminated...)
}

type fakeBackend struct {
	ep        Endpoint
	startErr  error
	prepared  int
	tornDown  int
	shutdowns int
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Prepare(context.Context) error {
	b.prepared++
	return nil
}

func (b *fakeBackend) Start(context.Context, int) (Endpoint, error) {
	return b.ep, b.startErr
}

func (b *fakeBackend) Shutdown(ctx context.Context, s session.Session) error {
	b.shutdowns++
	return s.Shutdown(ctx)
}

func (b *fakeBackend) Teardown(context.Context) error {
	b.tornDown++
	return nil
}

// engine answers the expressions the factory sends at creation.
func engine(pid int32, missing ...string) func(string) (rserve.Value, error) {
	return func(expr string) (rserve.Value, error) {
		switch {
		case expr == "try(Sys.getpid(), silent=TRUE)":
			return &rserve.Ints{V: []int32{pid}}, nil
		case strings.HasPrefix(expr, "try(library("):
			for _, m := range missing {
				if strings.HasPrefix(expr, "try(library("+m+",") {
					return &rserve.Logicals{V: []rserve.Logical{rserve.False}}, nil
				}
			}
			return &rserve.Logicals{V: []rserve.Logical{rserve.True}}, nil
		}
		return rservetest.TryError("unexpected " + expr), nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFactory(b Backend, term Terminator, sess *sessiontest.Fake, libs ...string) *Factory {
	return &Factory{
		Backend:    b,
		Terminator: term,
		Host:       "127.0.0.1",
		Libraries:  libs,
		Logger:     quietLogger(),
		Dialer: session.DialerFunc(func(context.Context, string, int) (session.Session, error) {
			return sess, nil
		}),
	}
}

// =============================================================================
// Factory.Create
// =============================================================================

func TestCreate(t *testing.T) {
	sess := sessiontest.New()
	sess.EvalFunc = engine(4242)
	term := &fakeTerminator{}
	f := newFactory(&fakeBackend{ep: Endpoint{Port: 6311}}, term, sess, "Rserve", "forecast")

	w, err := f.Create(context.Background(), 2)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if w.PID != 4242 || w.Port != 6311 || w.Slot != 2 {
		t.Errorf("worker = %v", w)
	}
	if w.ID == "" {
		t.Error("worker ID is empty")
	}
	if w.State() != StateReady {
		t.Errorf("State() = %v, want ready", w.State())
	}
	if w.Session() != session.Session(sess) {
		t.Error("Session() is not the dialed session")
	}

	want := []string{
		"try(Sys.getpid(), silent=TRUE)",
		"try(library(Rserve, logical.return=TRUE, quietly=TRUE), silent=TRUE)",
		"try(library(forecast, logical.return=TRUE, quietly=TRUE), silent=TRUE)",
	}
	got := sess.Evals()
	if len(got) != len(want) {
		t.Fatalf("evals = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("eval[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(term.Terminated()) != 0 {
		t.Errorf("terminated %v on success", term.Terminated())
	}
}

func TestCreateFailures(t *testing.T) {
	spawned := process.PID(4242)

	tests := []struct {
		name          string
		backend       *fakeBackend
		eval          func(string) (rserve.Value, error)
		libs          []string
		dialErr       error
		wantErr       error
		wantTerminate []int
		wantClosed    bool
	}{
		{
			name:    "start fails",
			backend: &fakeBackend{startErr: errors.New("no binary")},
			eval:    engine(4242),
			wantErr: ErrSpawn,
		},
		{
			name:          "connect fails",
			backend:       &fakeBackend{ep: Endpoint{Port: 6312, Proc: spawned}},
			eval:          engine(4242),
			dialErr:       errors.New("connection refused"),
			wantErr:       ErrLiveness,
			wantTerminate: []int{4242},
		},
		{
			name:          "pid mismatch",
			backend:       &fakeBackend{ep: Endpoint{Port: 6312, Proc: spawned}},
			eval:          engine(999),
			wantErr:       ErrLiveness,
			wantTerminate: []int{4242},
			wantClosed:    true,
		},
		{
			name:    "getpid raises",
			backend: &fakeBackend{ep: Endpoint{Port: 6311}},
			eval: func(string) (rserve.Value, error) {
				return rservetest.TryError("Error: boom"), nil
			},
			wantErr:    ErrLiveness,
			wantClosed: true,
		},
		{
			name:          "missing library kills forked child",
			backend:       &fakeBackend{ep: Endpoint{Port: 6311}},
			eval:          engine(555, "prophet"),
			libs:          []string{"forecast", "prophet"},
			wantErr:       ErrCapability,
			wantTerminate: []int{555},
			wantClosed:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := sessiontest.New()
			sess.EvalFunc = tt.eval
			term := &fakeTerminator{}
			f := newFactory(tt.backend, term, sess, tt.libs...)
			if tt.dialErr != nil {
				f.Dialer = session.DialerFunc(func(context.Context, string, int) (session.Session, error) {
					return nil, tt.dialErr
				})
			}

			w, err := f.Create(context.Background(), 0)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create() error = %v, want %v", err, tt.wantErr)
			}
			if w != nil {
				t.Errorf("Create() returned worker %v with error", w)
			}

			got := term.Terminated()
			if len(got) != len(tt.wantTerminate) {
				t.Fatalf("terminated %v, want %v", got, tt.wantTerminate)
			}
			for i := range got {
				if got[i] != tt.wantTerminate[i] {
					t.Errorf("terminated[%d] = %d, want %d", i, got[i], tt.wantTerminate[i])
				}
			}
			if tt.wantClosed && sess.Closes() == 0 {
				t.Error("session was not closed")
			}
		})
	}
}

func TestCreateCancelledDuringSettle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess := sessiontest.New()
	sess.EvalFunc = engine(1)
	term := &fakeTerminator{}
	f := newFactory(&fakeBackend{ep: Endpoint{Port: 6312, Proc: process.PID(1)}}, term, sess)
	f.Settle = 1 << 40

	if _, err := f.Create(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Create() error = %v, want context.Canceled", err)
	}
	if got := term.Terminated(); len(got) != 1 {
		t.Errorf("terminated %v, want the spawned process", got)
	}
}

func TestCreateAgainstServer(t *testing.T) {
	srv, err := rservetest.NewServer(3000, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	srv.MissingLibrary("prophet")

	f := &Factory{
		Backend:    &fakeBackend{ep: Endpoint{Port: srv.Port()}},
		Dialer:     session.RserveDialer{},
		Terminator: &fakeTerminator{},
		Host:       "127.0.0.1",
		Libraries:  []string{"forecast"},
		Logger:     quietLogger(),
	}

	w, err := f.Create(context.Background(), 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer w.Session().Close()
	if w.PID != 3000 {
		t.Errorf("PID = %d, want 3000", w.PID)
	}

	f.Libraries = []string{"prophet"}
	if _, err := f.Create(context.Background(), 1); !errors.Is(err, ErrCapability) {
		t.Errorf("Create() error = %v, want ErrCapability", err)
	}
}

// =============================================================================
// Worker state and Destroy
// =============================================================================

func newTestWorker(sess *sessiontest.Fake, term Terminator, b Backend) *Worker {
	return &Worker{
		ID:       "w1",
		PID:      4242,
		session:  sess,
		proc:     process.PID(4242),
		term:     term,
		shutdown: b.Shutdown,
		logger:   quietLogger(),
	}
}

func TestSetState(t *testing.T) {
	w := newTestWorker(sessiontest.New(), &fakeTerminator{}, &fakeBackend{})

	if !w.SetState(StateInUse) || w.State() != StateInUse {
		t.Fatalf("State() = %v, want in_use", w.State())
	}
	if !w.Healthy() {
		t.Error("Healthy() = false for a connected worker")
	}
	w.state.Store(int32(StateDestroyed))
	if w.SetState(StateReady) {
		t.Error("SetState() left destroyed")
	}
	if w.Healthy() {
		t.Error("Healthy() = true for a destroyed worker")
	}
}

func TestHealthyDisconnected(t *testing.T) {
	sess := sessiontest.New()
	w := newTestWorker(sess, &fakeTerminator{}, &fakeBackend{})
	sess.Disconnect()
	if w.Healthy() {
		t.Error("Healthy() = true after disconnect")
	}
}

func TestDestroy(t *testing.T) {
	tests := []struct {
		name          string
		graceful      bool
		exited        bool
		shutdownErr   error
		exit          process.Exit
		termErr       error
		want          Tier
		wantErr       bool
		wantShutdown  int
		wantTerminate int
	}{
		{
			name:         "graceful",
			graceful:     true,
			exited:       true,
			want:         TierGraceful,
			wantShutdown: 1,
		},
		{
			name:          "graceful ignored so soft kill",
			graceful:      true,
			exited:        false,
			exit:          process.ExitGraceful,
			want:          TierSoftKill,
			wantShutdown:  1,
			wantTerminate: 1,
		},
		{
			name:          "shutdown fails",
			graceful:      true,
			shutdownErr:   errors.New("broken pipe"),
			exit:          process.ExitForced,
			want:          TierForcedKill,
			wantShutdown:  1,
			wantTerminate: 1,
		},
		{
			name:          "not graceful",
			exit:          process.ExitGraceful,
			want:          TierSoftKill,
			wantTerminate: 1,
		},
		{
			name:          "unkillable",
			exit:          process.ExitForced,
			termErr:       process.ErrUnkillable,
			want:          TierForcedKill,
			wantErr:       true,
			wantTerminate: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := sessiontest.New()
			if tt.shutdownErr != nil {
				sess.ShutdownFunc = func() error { return tt.shutdownErr }
			}
			term := &fakeTerminator{exited: tt.exited, exit: tt.exit, err: tt.termErr}
			b := &fakeBackend{}
			w := newTestWorker(sess, term, b)

			tier, err := w.Destroy(context.Background(), tt.graceful)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Destroy() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.termErr != nil && !errors.Is(err, tt.termErr) {
				t.Errorf("Destroy() error = %v, want wrapping %v", err, tt.termErr)
			}
			if tier != tt.want {
				t.Errorf("tier = %v, want %v", tier, tt.want)
			}
			if b.shutdowns != tt.wantShutdown {
				t.Errorf("backend shutdowns = %d, want %d", b.shutdowns, tt.wantShutdown)
			}
			if got := len(term.Terminated()); got != tt.wantTerminate {
				t.Errorf("terminate calls = %d, want %d", got, tt.wantTerminate)
			}
			if sess.Connected() {
				t.Error("session still connected after Destroy")
			}
			if w.State() != StateDestroyed {
				t.Errorf("State() = %v, want destroyed", w.State())
			}
		})
	}
}

func TestDestroyTwice(t *testing.T) {
	term := &fakeTerminator{}
	w := newTestWorker(sessiontest.New(), term, &fakeBackend{})

	if _, err := w.Destroy(context.Background(), false); err != nil {
		t.Fatalf("first Destroy() error = %v", err)
	}
	if _, err := w.Destroy(context.Background(), false); !errors.Is(err, ErrDestroyed) {
		t.Errorf("second Destroy() error = %v, want ErrDestroyed", err)
	}
	if got := len(term.Terminated()); got != 1 {
		t.Errorf("terminate calls = %d, want 1", got)
	}
}

func TestStrings(t *testing.T) {
	if StateInUse.String() != "in_use" || State(9).String() != "unknown" {
		t.Error("State.String()")
	}
	if TierForcedKill.String() != "forced_kill" || Tier(9).String() != "unknown" {
		t.Error("Tier.String()")
	}
}
