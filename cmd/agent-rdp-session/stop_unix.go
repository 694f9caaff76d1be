//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminateProcess sends SIGTERM so the daemon's signal handler can run
// the graceful shutdown sequence (spec.md §4.9).
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
