// Package lifecycle owns the daemon process's life outside of any single
// RDP connection (spec.md §4.9): claiming the session directory's PID
// file at start, detecting and clearing a stale one left by a crashed
// prior instance, watching for IPC inactivity, and running the graceful
// shutdown sequence. Grounded on the teacher's sessionbroker.Broker idle
// reaper (ticker-driven scan against a last-activity timestamp) and the
// PID-file claim/release pattern common to single-instance daemons in
// the example corpus, generalized from "reject a second daemon instance"
// to also covering "detect and clear a stale instance's leftovers."
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/thisnick/agent-rdp/internal/config"
	"github.com/thisnick/agent-rdp/internal/daemon"
	"github.com/thisnick/agent-rdp/internal/logging"
)

var log = logging.L("lifecycle")

const idleCheckInterval = 10 * time.Second

// ErrAlreadyRunning is returned by Claim when a live daemon already owns
// the session directory's PID file.
type ErrAlreadyRunning struct {
	PID int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("daemon already running with pid %d", e.PID)
}

// Controller owns one session's PID file, idle timer, and shutdown
// sequence (spec.md §4.9).
type Controller struct {
	sessionDir string
	pidPath    string
	idleWindow time.Duration

	d *daemon.Daemon

	lastActivity atomic.Int64 // unix nanos

	stopOnce sync.Once
	stopChan chan struct{}
	stopped  chan struct{}
}

// New prepares a controller for the given session directory
// (config.SessionDir(name)) and idle window. It does not touch disk until
// Claim is called.
func New(d *daemon.Daemon, sessionDir string, idleWindow time.Duration) *Controller {
	c := &Controller{
		sessionDir: sessionDir,
		pidPath:    filepath.Join(sessionDir, "pid"),
		idleWindow: idleWindow,
		d:          d,
		stopChan:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	c.Touch()
	return c
}

// Claim creates the session directory and writes this process's PID,
// first checking for and clearing a stale PID file left by a prior
// instance (spec.md §4.9 "if the probe fails, the stale file is
// removed"). Returns *ErrAlreadyRunning if a live daemon already owns it.
func (c *Controller) Claim() error {
	if err := os.MkdirAll(c.sessionDir, 0o700); err != nil {
		return fmt.Errorf("lifecycle: create session directory: %w", err)
	}

	if pid, alive := c.readOwner(); pid != 0 {
		if alive {
			return &ErrAlreadyRunning{PID: pid}
		}
		log.Warn("clearing stale pid file", "pid", pid)
		os.Remove(c.pidPath)
	}

	if err := os.WriteFile(c.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("lifecycle: write pid file: %w", err)
	}
	return nil
}

// readOwner reads the current pid file, if any, and probes liveness with
// gopsutil's process.PidExists (spec.md §4.9 "signal 0 or equivalent
// liveness probe"). pid is 0 if no pid file exists or it is unparsable.
func (c *Controller) readOwner() (pid int, alive bool) {
	data, err := os.ReadFile(c.pidPath)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return 0, false
	}
	exists, err := process.PidExists(int32(n))
	return n, err == nil && exists
}

// Release removes the PID file, but only if this process still owns it
// (mirrors the teacher's "don't delete a newer daemon's files" guard).
func (c *Controller) Release() {
	if pid, _ := c.readOwner(); pid != os.Getpid() {
		return
	}
	os.Remove(c.pidPath)
}

// Touch records IPC activity, resetting the idle timer. The IPC accept
// loop in cmd/agent-rdp-session calls this once per accepted connection.
func (c *Controller) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Controller) idleDuration() time.Duration {
	last := time.Unix(0, c.lastActivity.Load())
	return time.Since(last)
}

// Run blocks, watching for idle timeout, until Stop is called or the
// idle window elapses, at which point it runs the graceful shutdown
// sequence itself and returns.
func (c *Controller) Run() {
	defer close(c.stopped)

	if c.idleWindow <= 0 {
		<-c.stopChan
		return
	}

	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.idleDuration() >= c.idleWindow {
				log.Info("idle timeout reached, shutting down", "idle", c.idleDuration())
				c.Shutdown(context.Background())
				return
			}
		}
	}
}

// Stop ends Run without performing shutdown itself (the caller is
// expected to call Shutdown separately, e.g. in response to a signal).
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	<-c.stopped
}

// Done returns a channel that closes once Run returns, whether because
// Stop was called or because the idle window elapsed and Run ran
// Shutdown itself. Callers select on Done alongside OS signals to learn
// about an idle-triggered shutdown without calling Stop themselves.
func (c *Controller) Done() <-chan struct{} {
	return c.stopped
}

// shutdownTimeout bounds how long Shutdown waits for the daemon's
// Disconnect to return before it goes on to remove the session directory
// anyway.
const shutdownTimeout = 5 * time.Second

// Shutdown runs the graceful shutdown sequence (spec.md §4.9): disconnect
// if connected, then remove the session directory. Disconnect closes the
// multiplexer (internal/multiplexer.Multiplexer.Close), which closes the
// stream at once and has every handler resolve its pending requests with
// channel_closed; PDUs still queued for writing are not sent.
func (c *Controller) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if c.d.Session().State() != "disconnected" {
			if err := c.d.Disconnect(); err != nil {
				log.Warn("disconnect during shutdown", "error", err)
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("shutdown timed out waiting for disconnect")
	}

	c.Release()
	if err := os.RemoveAll(c.sessionDir); err != nil {
		log.Warn("remove session directory", "error", err)
	}
}

// ResolveIdleWindow converts the configured idle timeout seconds into a
// duration, returning 0 (disabled) for a non-positive value.
func ResolveIdleWindow(cfg *config.Config) time.Duration {
	if cfg.IdleTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.IdleTimeoutSeconds) * time.Second
}
