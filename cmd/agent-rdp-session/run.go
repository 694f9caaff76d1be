package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/config"
	"github.com/thisnick/agent-rdp/internal/daemon"
	"github.com/thisnick/agent-rdp/internal/dispatcher"
	"github.com/thisnick/agent-rdp/internal/drive"
	"github.com/thisnick/agent-rdp/internal/lifecycle"
	"github.com/thisnick/agent-rdp/internal/streaming"
)

const (
	exitClean          = 0
	exitStartupError   = 1
	exitAuthFailed     = 2
	exitTransportError = 3
)

// runDaemon is the run subcommand's body. It starts the IPC listener and
// optional streaming server, auto-connects if host credentials were
// supplied via the environment, and blocks until told to shut down
// (spec.md §4.9, §6).
func runDaemon() int {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitStartupError
	}

	initLogging(cfg.LogFormat, cfg.LogLevel, cfg.LogFile)
	log.Info("starting agent-rdp-session", "version", version, "session", cfg.Session)

	d := daemon.New(cfg.Session)
	ctrl := lifecycle.New(d, config.SessionDir(cfg.Session), lifecycle.ResolveIdleWindow(cfg))

	if err := ctrl.Claim(); err != nil {
		var already *lifecycle.ErrAlreadyRunning
		if errors.As(err, &already) {
			fmt.Fprintf(os.Stderr, "session %q already running (pid %d)\n", cfg.Session, already.PID)
		} else {
			fmt.Fprintf(os.Stderr, "failed to claim session: %v\n", err)
		}
		return exitStartupError
	}

	network, address := config.IPCAddress(cfg.Session)
	listener, err := net.Listen(network, address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen on %s %s: %v\n", network, address, err)
		ctrl.Release()
		return exitStartupError
	}
	defer listener.Close()
	if network == "unix" {
		if err := securePermissions(address); err != nil {
			log.Warn("failed to restrict ipc socket permissions", "error", err)
		}
	}
	log.Info("listening for ipc connections", "network", network, "address", address)

	disp := dispatcher.New(d)

	var streamServer *streaming.Server
	if cfg.StreamPort > 0 {
		streamServer = streaming.New(d, disp, cfg.StreamFPS, cfg.StreamQuality)
		go func() {
			addr := fmt.Sprintf("127.0.0.1:%d", cfg.StreamPort)
			log.Info("starting stream server", "address", addr)
			if err := startStreamServer(addr, streamServer); err != nil {
				log.Error("stream server stopped", "error", err)
			}
		}()
		streamStop := make(chan struct{})
		defer close(streamStop)
		go streamServer.Run(streamStop)
	}

	exitCode := exitClean
	if cfg.Host != "" {
		exitCode = autoConnect(d, cfg)
	}

	go acceptLoop(listener, disp, ctrl)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go ctrl.Run()

	select {
	case <-sigChan:
		log.Info("received shutdown signal")
		ctrl.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ctrl.Shutdown(shutdownCtx)
	case <-ctrl.Done():
		log.Info("idle timeout shut the daemon down")
	}

	log.Info("agent-rdp-session stopped")
	return exitCode
}

func startStreamServer(addr string, s *streaming.Server) error {
	return http.ListenAndServe(addr, s)
}

func acceptLoop(listener net.Listener, disp *dispatcher.Dispatcher, ctrl *lifecycle.Controller) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		ctrl.Touch()
		go disp.Serve(conn)
	}
}

// autoConnect performs the startup connect described implicitly by
// spec.md §6's AGENT_RDP_HOST/PORT/USERNAME/PASSWORD environment
// variables: when a host is configured, the daemon connects immediately
// rather than waiting for an IPC "connect" request, and its exit code
// reflects the outcome (spec.md §6 "Exit codes").
func autoConnect(d *daemon.Daemon, cfg *config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := d.Connect(ctx, daemon.ConnectParams{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		Drives:   []drive.Mapping{},
	})
	if err == nil {
		log.Info("auto-connected", "host", cfg.Host, "port", cfg.Port)
		return exitClean
	}

	log.Error("auto-connect failed", "error", err)
	if apperr.Is(err, apperr.AuthenticationFailed) {
		return exitAuthFailed
	}
	if apperr.Is(err, apperr.ConnectionFailed) {
		return exitTransportError
	}
	return exitClean
}
