package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func newTestHandler(size int, verbose bool) (*OutputHandler, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "text", "debug")
	return NewOutputHandler(3, size, logger, verbose), &buf
}

func TestNewOutputHandler(t *testing.T) {
	h, _ := newTestHandler(0, false)
	if len(h.buffer) != DefaultBufferedLines {
		t.Errorf("buffer length = %d, want %d", len(h.buffer), DefaultBufferedLines)
	}

	h, _ = newTestHandler(7, false)
	if len(h.buffer) != 7 {
		t.Errorf("buffer length = %d, want 7", len(h.buffer))
	}
}

func TestOutputHandler_Write(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   []string
	}{
		{"single line", []string{"Rserv started in daemon mode.\n"}, []string{"Rserv started in daemon mode."}},
		{"two lines one write", []string{"a\nb\n"}, []string{"a", "b"}},
		{"split across writes", []string{"hel", "lo\nwor", "ld\n"}, []string{"hello", "world"}},
		{"crlf", []string{"windows\r\n"}, []string{"windows"}},
		{"partial held", []string{"done\npending"}, []string{"done"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(10, true)
			for _, w := range tt.writes {
				n, err := h.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := h.RecentLines(10); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("RecentLines = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOutputHandler_Flush(t *testing.T) {
	h, _ := newTestHandler(10, true)
	h.Write([]byte("no newline"))
	h.Flush()
	h.Flush()

	if got := h.RecentLines(10); !reflect.DeepEqual(got, []string{"no newline"}) {
		t.Errorf("RecentLines = %q", got)
	}
}

func TestOutputHandler_Truncation(t *testing.T) {
	h, _ := newTestHandler(10, true)

	longLine := strings.Repeat("x", MaxLineLength+100)
	h.HandleLine(longLine)

	lines := h.RecentLines(1)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d", len(lines))
	}
	if !strings.HasSuffix(lines[0], "...(truncated)") {
		t.Error("Truncated line should end with '...(truncated)'")
	}
}

func TestOutputHandler_CircularBuffer(t *testing.T) {
	h, _ := newTestHandler(5, false)

	for i := 0; i < 12; i++ {
		h.HandleLine(fmt.Sprintf("line%d", i))
	}

	want := []string{"line7", "line8", "line9", "line10", "line11"}
	if got := h.RecentLines(50); !reflect.DeepEqual(got, want) {
		t.Errorf("RecentLines = %v, want %v", got, want)
	}
	if got := h.RecentLines(2); !reflect.DeepEqual(got, want[3:]) {
		t.Errorf("RecentLines(2) = %v, want %v", got, want[3:])
	}
}

func TestClassifyLine(t *testing.T) {
	testCases := []struct {
		line     string
		expected slog.Level
	}{
		{"Error in library(prophet) : there is no package called 'prophet'", slog.LevelWarn},
		{"Fatal error: cannot open file", slog.LevelWarn},
		{"##> socket bind failed: address already in use", slog.LevelWarn},
		{"Warning message:", slog.LevelWarn},
		{"In addition: Warning message", slog.LevelWarn},
		{"Rserv started in daemon mode.", slog.LevelInfo},
		{"Loading required package: Rcpp", slog.LevelInfo},
		{"[1] 42", slog.LevelDebug},
		{"", slog.LevelDebug},
	}

	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			if level := classifyLine(tc.line); level != tc.expected {
				t.Errorf("classifyLine(%q) = %v, want %v", tc.line, level, tc.expected)
			}
		})
	}
}

func TestOutputHandler_CountErrors(t *testing.T) {
	h, _ := newTestHandler(10, false)

	h.HandleLine("Error in eval(expr): object 'x' not found")
	h.HandleLine("Error in library(forecast) : there is no package called 'forecast'")
	h.HandleLine("Warning message:")
	h.HandleLine("normal line")

	counts := h.CountErrors()
	if counts["Error"] != 2 {
		t.Errorf("Error count = %d, want 2", counts["Error"])
	}
	if counts["there is no package called"] != 1 {
		t.Errorf("missing package count = %d, want 1", counts["there is no package called"])
	}
	if counts["Warning"] != 1 {
		t.Errorf("Warning count = %d, want 1", counts["Warning"])
	}
}

func TestOutputHandler_VerboseLogging(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		line    string
		logged  bool
	}{
		{"verbose logs debug", true, "[1] 42", true},
		{"quiet drops debug", false, "[1] 42", false},
		{"quiet keeps errors", false, "Error: boom", true},
		{"quiet keeps lifecycle", false, "Rserv started in daemon mode.", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, buf := newTestHandler(10, tt.verbose)
			h.HandleLine(tt.line)

			out := buf.String()
			if got := strings.Contains(out, "engine_output"); got != tt.logged {
				t.Errorf("logged = %v, want %v (%s)", got, tt.logged, out)
			}
			if tt.logged && !strings.Contains(out, "slot=3") {
				t.Errorf("log line missing slot: %s", out)
			}
		})
	}
}

func TestOutputs(t *testing.T) {
	var buf bytes.Buffer
	o := NewOutputs(4, NewLoggerWithWriter(&buf, "text", "debug"), false)

	fmt.Fprintln(o.For(SharedSlot), "Rserv started in daemon mode.")
	fmt.Fprintln(o.For(0), "a")
	fmt.Fprint(o.For(0), "b")

	if o.Handler(0) != o.Handler(0) {
		t.Error("Handler(0) not stable")
	}
	if got := o.Recent(SharedSlot, 5); len(got) != 1 {
		t.Errorf("shared lines = %v", got)
	}
	if got := o.Recent(7, 5); got != nil {
		t.Errorf("unknown slot lines = %v, want nil", got)
	}

	o.Flush()
	if got := o.Recent(0, 5); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("slot 0 lines = %v", got)
	}
	if !strings.Contains(buf.String(), "slot=-1") {
		t.Errorf("shared server output not logged: %s", buf.String())
	}
}

func TestOutputs_CountErrors(t *testing.T) {
	o := NewOutputs(10, Discard(), false)

	fmt.Fprintln(o.For(SharedSlot), "Error: address already in use")
	fmt.Fprintln(o.For(0), "Error in library(prophet) : there is no package called 'prophet'")
	fmt.Fprintln(o.For(1), "[1] 55")

	counts := o.CountErrors()
	want := map[string]int{
		"Error":                      2,
		"address already in use":     1,
		"there is no package called": 1,
	}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("CountErrors() = %v, want %v", counts, want)
	}

	if got := NewOutputs(10, Discard(), false).CountErrors(); len(got) != 0 {
		t.Errorf("empty Outputs counted %v", got)
	}
}

func TestOutputHandler_Concurrent(t *testing.T) {
	h := NewOutputHandler(0, 10, Discard(), false)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			io.WriteString(h, "concurrent line\n")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.HandleLine("direct line")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = h.RecentLines(10)
			_ = h.CountErrors()
		}
	}()
	wg.Wait()

	if got := len(h.RecentLines(10)); got != 10 {
		t.Errorf("RecentLines = %d, want 10", got)
	}
}
