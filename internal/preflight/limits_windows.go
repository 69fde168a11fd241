package preflight

// openFileLimit returns -1: handle limits are not a per-process rlimit here.
func openFileLimit() int {
	return -1
}
