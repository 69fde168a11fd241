package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// DefaultBufferedLines is the number of lines kept per engine process
	// when none is configured.
	DefaultBufferedLines = 100

	// SharedSlot is the slot used for the shared server's own output.
	SharedSlot = -1
)

// OutputHandler captures stdout/stderr of one engine process.
// It buffers recent lines for diagnostics and logs them.
// It implements io.Writer so it can be assigned to exec.Cmd.Stdout.
type OutputHandler struct {
	slot    int
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer  []string
	bufIdx  int
	partial []byte
	mu      sync.Mutex
}

// NewOutputHandler creates a new output handler for a worker slot keeping
// size lines (DefaultBufferedLines when size < 1).
func NewOutputHandler(slot int, size int, logger *slog.Logger, verbose bool) *OutputHandler {
	if size < 1 {
		size = DefaultBufferedLines
	}
	return &OutputHandler{
		slot:    slot,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, size),
	}
}

// Write splits p into lines. A trailing partial line is held until the next
// newline or Flush.
func (h *OutputHandler) Write(p []byte) (int, error) {
	h.mu.Lock()
	h.partial = append(h.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(h.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(h.partial[:i]), "\r"))
		h.partial = h.partial[i+1:]
	}
	if len(h.partial) > MaxLineLength {
		lines = append(lines, string(h.partial))
		h.partial = nil
	}
	h.mu.Unlock()

	for _, line := range lines {
		h.HandleLine(line)
	}
	return len(p), nil
}

// Flush handles any buffered partial line.
func (h *OutputHandler) Flush() {
	h.mu.Lock()
	line := string(h.partial)
	h.partial = nil
	h.mu.Unlock()

	if line != "" {
		h.HandleLine(line)
	}
}

// HandleLine processes a single line of engine output.
func (h *OutputHandler) HandleLine(line string) {
	// Truncate if too long
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	// Store in circular buffer
	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % len(h.buffer)
	h.mu.Unlock()

	h.logLine(line)
}

// logLine logs the line at appropriate level based on content.
func (h *OutputHandler) logLine(line string) {
	level := classifyLine(line)

	// In non-verbose mode, only log warnings and errors
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(context.Background(), level, "engine_output",
		KeySlot, h.slot,
		"line", line,
	)
}

// classifyLine determines the log level for a line based on content.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	// Error patterns
	if strings.HasPrefix(lower, "error") ||
		strings.Contains(lower, "fatal error") ||
		strings.Contains(lower, "cannot allocate") ||
		strings.Contains(lower, "there is no package called") ||
		strings.Contains(lower, "address already in use") {
		return slog.LevelWarn
	}

	// Warning patterns
	if strings.HasPrefix(lower, "warning") ||
		strings.Contains(lower, "warning message") {
		return slog.LevelWarn
	}

	// Server lifecycle
	if strings.Contains(lower, "rserv started") ||
		strings.Contains(lower, "loading required package") {
		return slog.LevelInfo
	}

	// Default to debug
	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := len(h.buffer)
	if n > size {
		n = size
	}

	lines := make([]string, 0, n)

	// Read from circular buffer in order
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + size) % size
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}

// ErrorPatterns are common engine failure patterns counted for diagnostics.
var ErrorPatterns = []string{
	"Error",
	"there is no package called",
	"address already in use",
	"cannot allocate",
	"Warning",
}

// CountErrors counts occurrences of error patterns in the buffer.
func (h *OutputHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)

	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}

	return counts
}

// Outputs hands out one OutputHandler per slot.
type Outputs struct {
	logger  *slog.Logger
	size    int
	verbose bool

	mu       sync.Mutex
	handlers map[int]*OutputHandler
}

// NewOutputs creates an empty set of handlers.
func NewOutputs(size int, logger *slog.Logger, verbose bool) *Outputs {
	return &Outputs{
		logger:   logger,
		size:     size,
		verbose:  verbose,
		handlers: make(map[int]*OutputHandler),
	}
}

// For returns the handler for slot, creating it on first use. A slot keeps
// its handler across worker replacements so the history survives a crash.
func (o *Outputs) For(slot int) io.Writer {
	return o.Handler(slot)
}

// Handler returns the typed handler for slot.
func (o *Outputs) Handler(slot int) *OutputHandler {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, ok := o.handlers[slot]
	if !ok {
		h = NewOutputHandler(slot, o.size, o.logger, o.verbose)
		o.handlers[slot] = h
	}
	return h
}

// Recent returns the most recent lines of slot, or nil if it never wrote.
func (o *Outputs) Recent(slot, n int) []string {
	o.mu.Lock()
	h, ok := o.handlers[slot]
	o.mu.Unlock()

	if !ok {
		return nil
	}
	return h.RecentLines(n)
}

// Flush flushes every handler's partial line.
func (o *Outputs) Flush() {
	o.mu.Lock()
	handlers := make([]*OutputHandler, 0, len(o.handlers))
	for _, h := range o.handlers {
		handlers = append(handlers, h)
	}
	o.mu.Unlock()

	for _, h := range handlers {
		h.Flush()
	}
}

// CountErrors sums CountErrors over every slot.
func (o *Outputs) CountErrors() map[string]int {
	o.mu.Lock()
	handlers := make([]*OutputHandler, 0, len(o.handlers))
	for _, h := range o.handlers {
		handlers = append(handlers, h)
	}
	o.mu.Unlock()

	total := make(map[string]int)
	for _, h := range handlers {
		for pattern, n := range h.CountErrors() {
			total[pattern] += n
		}
	}
	return total
}
