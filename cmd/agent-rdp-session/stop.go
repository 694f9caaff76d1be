package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/thisnick/agent-rdp/internal/config"
)

const stopWaitTimeout = 15 * time.Second

// runStop asks a running session daemon to shut down gracefully by
// signaling its PID and waiting for the PID file to disappear (spec.md
// §4.9's graceful shutdown sequence runs inside the daemon process
// itself; this command only triggers it).
func runStop() int {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	pidPath := filepath.Join(config.SessionDir(cfg.Session), "pid")
	data, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Printf("session %q: not running\n", cfg.Session)
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		fmt.Fprintf(os.Stderr, "invalid pid file %s\n", pidPath)
		return 1
	}

	if alive, _ := process.PidExists(int32(pid)); !alive {
		fmt.Printf("session %q: stale pid file, daemon not running\n", cfg.Session)
		os.Remove(pidPath)
		return 0
	}

	if err := terminateProcess(pid); err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal pid %d: %v\n", pid, err)
		return 1
	}

	deadline := time.Now().Add(stopWaitTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pidPath); os.IsNotExist(err) {
			fmt.Printf("session %q stopped\n", cfg.Session)
			return 0
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Fprintf(os.Stderr, "session %q did not stop within %s\n", cfg.Session, stopWaitTimeout)
	return 1
}
