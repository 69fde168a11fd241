package process

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// WindowsController controls processes with taskkill, tasklist and netstat.
type WindowsController struct {
	Exec ExecFunc
}

// Name returns "windows".
func (c *WindowsController) Name() string { return "windows" }

// SoftKill asks the process to close.
func (c *WindowsController) SoftKill(ctx context.Context, pid int) error {
	if _, err := c.Exec(ctx, "taskkill", "/pid", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("taskkill %d: %w", pid, err)
	}
	return nil
}

// ForceKill terminates the process.
func (c *WindowsController) ForceKill(ctx context.Context, pid int) error {
	if _, err := c.Exec(ctx, "taskkill", "/F", "/pid", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("taskkill /F %d: %w", pid, err)
	}
	return nil
}

// Alive asks tasklist for a single pid.
func (c *WindowsController) Alive(ctx context.Context, pid int) (bool, error) {
	out, err := c.Exec(ctx, "tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH", "/FO", "CSV")
	if err != nil {
		return false, fmt.Errorf("tasklist %d: %w", pid, err)
	}
	for _, p := range parseTasklist(string(out)) {
		if p == pid {
			return true, nil
		}
	}
	return false, nil
}

// FindByName lists processes with image name. ".exe" is added when missing.
func (c *WindowsController) FindByName(ctx context.Context, name string) ([]int, error) {
	if !strings.HasSuffix(strings.ToLower(name), ".exe") {
		name += ".exe"
	}
	out, err := c.Exec(ctx, "tasklist", "/FI", "IMAGENAME eq "+name, "/NH", "/FO", "CSV")
	if err != nil {
		return nil, fmt.Errorf("tasklist %s: %w", name, err)
	}
	return parseTasklist(string(out)), nil
}

// FindByPort parses "netstat -n -o -p TCP" for sockets bound to port.
func (c *WindowsController) FindByPort(ctx context.Context, port int) ([]int, error) {
	out, err := c.Exec(ctx, "netstat", "-n", "-o", "-p", "TCP")
	if err != nil {
		return nil, fmt.Errorf("netstat: %w", err)
	}
	return parseNetstat(string(out), port), nil
}

// parseTasklist reads the pid column of tasklist CSV output. When nothing
// matches tasklist prints an "INFO:" line instead of CSV.
func parseTasklist(out string) []int {
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil
	}
	var pids []int
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(rec[1])); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// parseNetstat returns the owners of TCP sockets whose local address ends
// in :port. Lines look like
//
//	TCP    127.0.0.1:6311    0.0.0.0:0    LISTENING    4242
func parseNetstat(out string, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	seen := make(map[int]bool)
	var pids []int

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}
