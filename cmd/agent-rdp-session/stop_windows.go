//go:build windows

package main

import "os"

// terminateProcess on Windows has no portable equivalent of SIGTERM for an
// arbitrary unrelated process, so this falls back to a hard kill; the
// daemon's own PID-file ownership check in internal/lifecycle still
// protects a subsequently started daemon from treating an orphaned
// session directory as live.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
