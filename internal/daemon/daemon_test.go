package daemon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/graphics"
)

func TestScreenshotBeforeConnectReturnsNotConnected(t *testing.T) {
	d := New("default")
	if _, _, _, err := d.Screenshot(graphics.FormatPNG, 0); !apperr.Is(err, apperr.NotConnected) {
		t.Fatalf("expected not_connected, got %v", err)
	}
}

func TestInputBeforeConnectReturnsNotConnected(t *testing.T) {
	d := New("default")
	if _, err := d.Input(); !apperr.Is(err, apperr.NotConnected) {
		t.Fatalf("expected not_connected, got %v", err)
	}
}

func TestClipboardBeforeConnectReturnsNotConnected(t *testing.T) {
	d := New("default")
	if _, err := d.Clipboard(); !apperr.Is(err, apperr.NotConnected) {
		t.Fatalf("expected not_connected, got %v", err)
	}
}

func TestAutomateBeforeConnectReturnsNotConnected(t *testing.T) {
	d := New("default")
	if _, err := d.Automate("get", nil, 0); !apperr.Is(err, apperr.NotConnected) {
		t.Fatalf("expected not_connected, got %v", err)
	}
}

func TestDisconnectWithoutConnectReturnsNotConnected(t *testing.T) {
	d := New("default")
	if err := d.Disconnect(); !apperr.Is(err, apperr.NotConnected) {
		t.Fatalf("expected not_connected, got %v", err)
	}
}

func TestConnectWhileAlreadyConnectingIsRejected(t *testing.T) {
	d := New("default")
	if !d.Session().BeginConnect() {
		t.Fatal("expected BeginConnect to succeed the first time")
	}

	err := d.Connect(context.Background(), ConnectParams{Host: "127.0.0.1", Port: 3389})
	if !apperr.Is(err, apperr.AlreadyConnected) {
		t.Fatalf("expected already_connected, got %v", err)
	}
}

func TestConnectDialFailureLeavesSessionDisconnected(t *testing.T) {
	// Bind a listener solely to learn a port nothing is listening on, then
	// close it immediately so the dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	d := New("default")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = d.Connect(ctx, ConnectParams{Host: "127.0.0.1", Port: addr.Port})
	if !apperr.Is(err, apperr.ConnectionFailed) {
		t.Fatalf("expected connection_failed, got %v", err)
	}
	if d.Session().State() != "disconnected" {
		t.Fatalf("expected session to return to disconnected, got %s", d.Session().State())
	}
	if d.Session().Connection() != nil {
		t.Fatal("expected no partial connection exposed after a failed connect")
	}
}
