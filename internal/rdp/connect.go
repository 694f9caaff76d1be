// Package rdp implements the connection core (spec.md §4.1): dials the
// guest over TLS, performs NLA/CredSSP authentication, exchanges capability
// PDUs to learn the desktop size and negotiated channel table, and hands
// back a ready-to-use stream plus session.ChannelTable for the multiplexer
// and session to take ownership of. Failures anywhere in this sequence are
// fatal and pre-activation: the caller never sees a partially connected
// session (spec.md §4.1 "pre-activation failures are fatal as
// connection_failed/authentication_failed").
package rdp

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/codec"
	"github.com/thisnick/agent-rdp/internal/logging"
	"github.com/thisnick/agent-rdp/internal/session"
)

var log = logging.L("rdp")

// Options configures one connection attempt.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	Domain   string

	DialTimeout time.Duration

	WantDrive            bool
	WantAutomation       bool
	AutomationChannel    string
}

const defaultDialTimeout = 15 * time.Second

// Result is everything the caller (the session/dispatcher layer) needs to
// finish activating a connection.
type Result struct {
	Stream   net.Conn
	Channels session.ChannelTable
	Width    int
	Height   int
}

// Connect performs the full pre-activation sequence: TCP dial, TLS
// handshake, NLA, capability exchange.
func Connect(ctx context.Context, opts Options) (*Result, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(opts.Host, portString(opts.Port))

	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConnectionFailed, "dial "+addr, err)
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		InsecureSkipVerify: true, // the guest's RDP listener presents a self-signed cert by default
		ServerName:         opts.Host,
	})
	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, apperr.Wrap(apperr.ConnectionFailed, "TLS handshake", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	if err := performNLA(tlsConn, opts.Username, opts.Password, opts.Domain); err != nil {
		tlsConn.Close()
		return nil, err
	}
	log.Info("NLA authentication succeeded", "host", opts.Host, "username", opts.Username)

	req := encodeConnectRequest(opts.WantDrive, opts.WantAutomation, automationChannelName(opts))
	if err := codec.WritePDU(tlsConn, req); err != nil {
		tlsConn.Close()
		return nil, apperr.Wrap(apperr.ConnectionFailed, "send connect request", err)
	}

	confirmRaw, err := codec.ReadPDU(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, apperr.Wrap(apperr.ConnectionFailed, "read connect confirm", err)
	}
	confirm, err := decodeConnectConfirm(confirmRaw)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}

	channels := make(session.ChannelTable, len(confirm.Channels)+1)
	for kind, id := range confirm.Channels {
		channels[id] = kind
	}
	channels[0] = codec.ChannelGraphics // channel 0 always carries the graphics/fast-path stream

	log.Info("connect confirm received", "width", confirm.Width, "height", confirm.Height, "channels", len(channels))

	return &Result{
		Stream:   tlsConn,
		Channels: channels,
		Width:    confirm.Width,
		Height:   confirm.Height,
	}, nil
}

func automationChannelName(opts Options) string {
	if opts.AutomationChannel != "" {
		return opts.AutomationChannel
	}
	return "AgentRdp::Automation"
}

func portString(port int) string {
	if port <= 0 {
		port = 3389
	}
	return strconv.Itoa(port)
}
