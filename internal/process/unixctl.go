package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PosixController controls processes with kill(1) and pidof(8).
type PosixController struct {
	Exec ExecFunc

	// ProcRoot is the procfs mount used for liveness. Empty falls back
	// to "kill -0".
	ProcRoot string
}

// Name returns "posix".
func (c *PosixController) Name() string { return "posix" }

// SoftKill sends SIGTERM.
func (c *PosixController) SoftKill(ctx context.Context, pid int) error {
	if _, err := c.Exec(ctx, "kill", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// ForceKill sends SIGKILL.
func (c *PosixController) ForceKill(ctx context.Context, pid int) error {
	if _, err := c.Exec(ctx, "kill", "-9", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("kill -9 %d: %w", pid, err)
	}
	return nil
}

// Alive reports whether pid exists and is not a zombie.
func (c *PosixController) Alive(ctx context.Context, pid int) (bool, error) {
	if c.ProcRoot == "" {
		_, err := c.Exec(ctx, "kill", "-0", strconv.Itoa(pid))
		if err == nil {
			return true, nil
		}
		if exitStatus(err) > 0 {
			return false, nil
		}
		return false, err
	}

	data, err := os.ReadFile(filepath.Join(c.ProcRoot, strconv.Itoa(pid), "stat"))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	state, err := procState(string(data))
	if err != nil {
		return false, fmt.Errorf("pid %d: %w", pid, err)
	}
	return state != 'Z' && state != 'X', nil
}

// procState extracts the state letter from a /proc/<pid>/stat line.
// The command name may contain spaces and parentheses, so the state is
// located after the last ')'.
func procState(stat string) (byte, error) {
	i := strings.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return 0, fmt.Errorf("malformed stat %q", stat)
	}
	return stat[i+2], nil
}

// FindByName runs pidof. pidof exits 1 when nothing matches.
func (c *PosixController) FindByName(ctx context.Context, name string) ([]int, error) {
	out, err := c.Exec(ctx, "pidof", name)
	if err != nil {
		if exitStatus(err) == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pidof %s: %w", name, err)
	}
	return parsePIDs(string(out)), nil
}

// FindByPort lists listeners on port with lsof. lsof exits 1 when nothing
// matches.
func (c *PosixController) FindByPort(ctx context.Context, port int) ([]int, error) {
	out, err := c.Exec(ctx, "lsof", "-t", "-n", "-P",
		fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
	if err != nil {
		if exitStatus(err) == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof port %d: %w", port, err)
	}
	return parsePIDs(string(out)), nil
}
