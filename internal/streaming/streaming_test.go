package streaming

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/thisnick/agent-rdp/internal/daemon"
	"github.com/thisnick/agent-rdp/internal/dispatcher"
)

func newTestServer() *Server {
	d := daemon.New("default")
	disp := dispatcher.New(d)
	return New(d, disp, 30, 80)
}

func TestNewAppliesDefaultsForInvalidFPSAndQuality(t *testing.T) {
	d := daemon.New("default")
	disp := dispatcher.New(d)

	s := New(d, disp, 0, 0)
	if s.fps != defaultFPS {
		t.Fatalf("expected default fps %d, got %d", defaultFPS, s.fps)
	}
	if s.quality != defaultQuality {
		t.Fatalf("expected default quality %d, got %d", defaultQuality, s.quality)
	}

	s = New(d, disp, 5, 200)
	if s.quality != defaultQuality {
		t.Fatalf("expected out-of-range quality to fall back to default, got %d", s.quality)
	}
}

func TestServeHTTPServesViewerForPlainRequest(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<canvas") {
		t.Fatal("expected viewer document to contain a canvas element")
	}
}

func TestBroadcastFrameSkipsWhenNoPeers(t *testing.T) {
	s := newTestServer()
	// No peers registered; must not panic or block even though the
	// daemon is not connected and Screenshot would error.
	s.broadcastFrame()
}

func TestBroadcastClipboardChangedSkipsWhenNotConnected(t *testing.T) {
	s := newTestServer()
	// Clipboard() returns not_connected before Connect; broadcast must
	// be a no-op rather than propagate the error.
	s.broadcastClipboardChanged()
	if s.peerCount() != 0 {
		t.Fatalf("expected no peers, got %d", s.peerCount())
	}
}

func TestPeerEnqueueDropsWhenChannelFull(t *testing.T) {
	p := &peer{send: make(chan []byte, 1)}
	p.enqueue([]byte("first"))
	p.enqueue([]byte("second")) // must not block

	select {
	case got := <-p.send:
		if string(got) != "first" {
			t.Fatalf("expected first message retained, got %q", got)
		}
	default:
		t.Fatal("expected one message buffered")
	}
}

func TestEncodeFrameIncludesDimensionsAndBase64Payload(t *testing.T) {
	msg := encodeFrame([]byte{0xff, 0xd8}, 640, 480)
	s := string(msg)
	if !strings.Contains(s, `"width":640`) || !strings.Contains(s, `"height":480`) {
		t.Fatalf("expected dimensions in frame message, got %s", s)
	}
	if !strings.Contains(s, `"type":"frame"`) {
		t.Fatalf("expected frame type, got %s", s)
	}
}

func TestEncodeStatusAndClipboardChanged(t *testing.T) {
	status := string(encodeStatus(1024, 768))
	if !strings.Contains(status, `"type":"status"`) {
		t.Fatalf("expected status type, got %s", status)
	}

	clip := string(encodeClipboardChanged("hello"))
	if !strings.Contains(clip, `"text":"hello"`) {
		t.Fatalf("expected clipboard text, got %s", clip)
	}
}
