package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestServer_Endpoints(t *testing.T) {
	_, registry := newTestCollector(CollectorConfig{Capacity: 2})

	var ready atomic.Bool
	ready.Store(true)

	srv := NewServer("127.0.0.1:0", registry, ready.Load, quietLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	base := "http://" + srv.Addr()
	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/health", http.StatusOK, "ok"},
		{"/healthz", http.StatusOK, "ok"},
		{"/ready", http.StatusOK, "ok"},
		{"/metrics", http.StatusOK, "rpool_capacity 2"},
	}
	for _, tt := range tests {
		code, body := get(tt.path)
		if code != tt.wantCode {
			t.Errorf("GET %s = %d, want %d", tt.path, code, tt.wantCode)
		}
		if !strings.Contains(body, tt.wantBody) {
			t.Errorf("GET %s body missing %q", tt.path, tt.wantBody)
		}
	}

	ready.Store(false)
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz after close = %d, want 503", code)
	}
	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("GET /healthz after close = %d, want 200", code)
	}
}

func TestServer_StartAddrInUse(t *testing.T) {
	first := NewServer("127.0.0.1:0", nil, nil, quietLogger())
	if err := first.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Shutdown(context.Background())

	second := NewServer(first.Addr(), nil, nil, quietLogger())
	if err := second.Start(); err == nil {
		second.Shutdown(context.Background())
		t.Fatal("second Start() on a bound address succeeded")
	}
}
