package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-rserve-pool/internal/config"
	"github.com/randomizedcoder/go-rserve-pool/internal/job"
	"github.com/randomizedcoder/go-rserve-pool/internal/logging"
	"github.com/randomizedcoder/go-rserve-pool/internal/process"
	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
	"github.com/randomizedcoder/go-rserve-pool/internal/rserve/rservetest"
	"github.com/randomizedcoder/go-rserve-pool/internal/session"
	"github.com/randomizedcoder/go-rserve-pool/internal/worker"
)

// =============================================================================
// Fakes
// =============================================================================

// testBackend points every worker at an in-process engine.
type testBackend struct {
	port     int
	startErr error
}

func (b testBackend) Name() string                   { return "test" }
func (b testBackend) Prepare(context.Context) error  { return nil }
func (b testBackend) Teardown(context.Context) error { return nil }

func (b testBackend) Start(context.Context, int) (worker.Endpoint, error) {
	if b.startErr != nil {
		return worker.Endpoint{}, b.startErr
	}
	return worker.Endpoint{Port: b.port}, nil
}

func (b testBackend) Shutdown(ctx context.Context, s session.Session) error {
	return s.Shutdown(ctx)
}

type noopTerminator struct{}

func (noopTerminator) Terminate(context.Context, process.Process) (process.Exit, error) {
	return process.ExitGraceful, nil
}

func (noopTerminator) WaitExit(context.Context, process.Process) (bool, error) { return true, nil }

// checkEval answers the expressions of the check job. With healthy false
// the engine raises an error for sum(1:10).
func checkEval(healthy bool) rservetest.EvalFunc {
	return func(s *rservetest.Session, expr string) (rserve.Value, error) {
		switch expr {
		case "sum(1:10)":
			if !healthy {
				return rservetest.TryError("Error in sum(1:10) : broken\n"), nil
			}
			return &rserve.Doubles{V: []float64{55}}, nil
		case "rpool.check == 55":
			v, _ := rserve.AsInt(s.Vars()["rpool.check"])
			if v == 55 {
				return &rserve.Logicals{V: []rserve.Logical{rserve.True}}, nil
			}
			return &rserve.Logicals{V: []rserve.Logical{rserve.False}}, nil
		}
		return rservetest.TryError("Error : unexpected '" + expr + "'\n"), nil
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Capacity = 2
	cfg.Libraries = nil
	cfg.SettleTime = 0
	cfg.KillWait = 10 * time.Millisecond
	cfg.KillRetries = 2
	cfg.SkipPreflight = true
	cfg.DBPath = ""
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.ListenAddr = freeAddr(t)
	cfg.Platform = "linux"
	return cfg
}

// newTestOrchestrator builds an orchestrator whose workers talk to an
// in-process engine.
func newTestOrchestrator(t *testing.T, cfg *config.Config, eval rservetest.EvalFunc) (*Orchestrator, *bytes.Buffer) {
	t.Helper()
	srv, err := rservetest.NewServer(4000, eval)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	o := New(cfg, "test", logging.Discard())
	out := &bytes.Buffer{}
	o.out = out
	o.creator = &worker.Factory{
		Backend:    testBackend{port: srv.Port()},
		Dialer:     session.RserveDialer{Timeout: time.Second},
		Terminator: noopTerminator{},
		Host:       "127.0.0.1",
		Logger:     logging.Discard(),
	}
	return o, out
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// =============================================================================
// Tests: Wiring
// =============================================================================

func TestNew_Backend(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		platform string
		want     string
	}{
		{"auto on linux", config.BackendAuto, "linux", "shared"},
		{"auto on windows", config.BackendAuto, "windows", "per_port"},
		{"explicit per_port", config.BackendPerPort, "linux", "per_port"},
		{"explicit shared", config.BackendShared, "darwin", "shared"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Backend = tt.backend
			cfg.Platform = tt.platform

			o := New(cfg, "test", logging.Discard())
			f, ok := o.creator.(*worker.Factory)
			if !ok {
				t.Fatalf("creator = %T, want *worker.Factory", o.creator)
			}
			if got := f.Backend.Name(); got != tt.want {
				t.Errorf("backend = %s, want %s", got, tt.want)
			}
			if f.Terminator != o.supervisor {
				t.Error("workers should be terminated through the supervisor")
			}
		})
	}
}

func TestNew_PerPortBackendFields(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = config.BackendPerPort
	cfg.Capacity = 4
	cfg.Port = 7000

	o := New(cfg, "test", logging.Discard())
	b := o.creator.(*worker.Factory).Backend.(*worker.PerPortBackend)
	if b.BasePort != 7000 || b.Capacity != 4 || b.StartupWait != cfg.StartupWait {
		t.Errorf("backend = %+v", b)
	}
	if b.Output == nil {
		t.Error("engine output should be captured")
	}
}

func TestNewRunner(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		rPath    string
		wantCmd  string
	}{
		{"linux default", "linux", "", "R CMD Rserve --vanilla --slave --RS-port 6311 --RS-enable-control"},
		{"windows default", "windows", "", "Rserve.exe --vanilla --slave --RS-port 6311 --RS-enable-control"},
		{"custom R", "linux", "/opt/R/bin/R", "/opt/R/bin/R CMD Rserve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Platform = tt.platform
			cfg.RPath = tt.rPath

			got := NewRunner(cfg).CommandString(6311)
			if !strings.HasPrefix(got, tt.wantCmd) {
				t.Errorf("CommandString() = %q, want prefix %q", got, tt.wantCmd)
			}
		})
	}
}

func TestShutdownTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Capacity = 3
	cfg.KillWait = time.Second
	cfg.KillRetries = 5

	o := New(cfg, "test", logging.Discard())
	if got, want := o.shutdownTimeout(), 10*time.Second+30*time.Second; got != want {
		t.Errorf("shutdownTimeout() = %v, want %v", got, want)
	}
}

func TestCheckSequence(t *testing.T) {
	seq := checkSequence()
	if seq.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", seq.Len())
	}
	if vars := seq.Vars(); len(vars) != 1 || vars[0] != "rpool.check" {
		t.Errorf("Vars() = %v", vars)
	}
}

// =============================================================================
// Tests: Run
// =============================================================================

func TestRun_Check(t *testing.T) {
	cfg := testConfig(t)
	config.ApplyCheckMode(cfg)

	o, out := newTestOrchestrator(t, cfg, checkEval(true))
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v\n%s", err, out)
	}

	for _, want := range []string{"Check job", ": ok in", "Exit Summary", "Jobs:                   1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if !o.Pool().Closed() {
		t.Error("pool should be shut down after Run")
	}

	families, err := o.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "rpool_jobs_total" {
			found = true
		}
	}
	if !found {
		t.Error("rpool_jobs_total not registered")
	}
}

func TestRun_CheckFails(t *testing.T) {
	cfg := testConfig(t)
	config.ApplyCheckMode(cfg)

	o, _ := newTestOrchestrator(t, cfg, checkEval(false))
	err := o.Run(context.Background())
	if !errors.Is(err, ErrCheckFailed) {
		t.Fatalf("Run() error = %v, want ErrCheckFailed", err)
	}
	if !strings.Contains(err.Error(), job.KindEngineError.String()) {
		t.Errorf("error = %v, want engine status", err)
	}
}

func TestRun_PoolStartFails(t *testing.T) {
	cfg := testConfig(t)
	o, _ := newTestOrchestrator(t, cfg, nil)
	o.creator.(*worker.Factory).Backend = testBackend{startErr: fmt.Errorf("%w: boom", worker.ErrSpawn)}

	err := o.Run(context.Background())
	if err == nil || !errors.Is(err, worker.ErrSpawn) {
		t.Fatalf("Run() error = %v, want ErrSpawn", err)
	}
	if o.Pool() != nil {
		t.Error("no pool should be kept after a failed start")
	}
}

func TestRun_PreflightFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.SkipPreflight = false
	cfg.RPath = filepath.Join(t.TempDir(), "no-such-R")

	o, out := newTestOrchestrator(t, cfg, nil)
	err := o.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "preflight") {
		t.Fatalf("Run() error = %v, want preflight failure", err)
	}
	if !strings.Contains(out.String(), "engine") {
		t.Errorf("preflight results not printed:\n%s", out)
	}
}

func TestRun_Serve(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBPath = filepath.Join(t.TempDir(), "jobs.db")
	o, out := newTestOrchestrator(t, cfg, checkEval(true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	base := "http://" + cfg.ListenAddr
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/ping")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("api never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Post(base+"/v1/jobs", "application/json",
		strings.NewReader(`{"commands":[{"op":"eval","var":"rpool.check","expr":"sum(1:10)"},{"expr":"rpool.check == 55"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	var rec job.Record
	json.NewDecoder(resp.Body).Decode(&rec)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || rec.Status != "ok" {
		t.Fatalf("submit = %d %+v", resp.StatusCode, rec)
	}

	resp, err = http.Get(base + "/v1/jobs/" + rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stored job = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !strings.Contains(out.String(), "Jobs:                   1") {
		t.Errorf("exit summary missing job count:\n%s", out)
	}
}

// =============================================================================
// Tests: Helpers
// =============================================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{90 * time.Second, "00:01:30"},
		{26*time.Hour + 5*time.Second, "26:00:05"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
