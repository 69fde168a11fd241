//go:build !windows

package preflight

import "syscall"

// openFileLimit returns the soft RLIMIT_NOFILE, or -1 if unknown.
func openFileLimit() int {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return -1
	}
	return int(limit.Cur)
}
