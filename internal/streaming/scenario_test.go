package streaming

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/thisnick/agent-rdp/internal/cliprdr"
	"github.com/thisnick/agent-rdp/internal/codec"
	"github.com/thisnick/agent-rdp/internal/daemon"
	"github.com/thisnick/agent-rdp/internal/dispatcher"
	"github.com/thisnick/agent-rdp/internal/rdp/rdptest"
)

// guestRecord is one channel-framed record the fake guest's router passed
// through rather than answering itself.
type guestRecord struct {
	channel codec.ChannelID
	body    []byte
}

// runFakeGuestRouter reads every inbound record and auto-acks CLIPRDR
// format-list announcements on clipboardChannel (both the one the clipboard
// handler sends unprompted on MonitorReady and the one clipboard_set
// triggers); everything else is forwarded on out for the test to assert on.
// ready fires once, after the first format-list is acked, so a caller can
// wait for the clipboard handshake to finish before issuing a set/get.
func runFakeGuestRouter(conn net.Conn, clipboardChannel codec.ChannelID, out chan<- guestRecord, ready chan<- struct{}, errc chan<- error) {
	readyFired := false
	for {
		ch, body, err := rdptest.ReadChannelRecord(conn)
		if err != nil {
			errc <- err
			return
		}
		if ch == clipboardChannel {
			if msgType, ok := cliprdr.PeekMsgType(body); ok && msgType == cliprdr.MsgFormatList {
				if err := rdptest.SendChannelRecord(conn, clipboardChannel, cliprdr.EncodeFormatListResponse(true)); err != nil {
					errc <- err
					return
				}
				if !readyFired {
					readyFired = true
					close(ready)
				}
				continue
			}
		}
		out <- guestRecord{channel: ch, body: body}
	}
}

// Scenario 6 (spec.md §8): a viewer sends clipboard_set and input_keyboard
// over the same WebSocket that carries frames out, and they must be
// honored identically to IPC traffic. This exercises the whole readPump
// path (translateViewerMessage then disp.Handle) against a connected
// daemon and a fake guest that plays the CLIPRDR handshake.
func TestScenarioViewerClipboardSetAndInputKeyboard(t *testing.T) {
	const clipboardChannelID = codec.ChannelID(2)

	peer, err := rdptest.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer peer.Close()
	host, port := peer.Addr()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := peer.Accept(1280, 800, rdptest.ChannelAssignment{Kind: codec.ChannelClipboard, ID: clipboardChannelID})
		acceptCh <- acceptResult{conn, err}
	}()

	d := daemon.New("scenario6")
	disp := dispatcher.New(d)
	s := New(d, disp, 30, 80)

	connectReq := fmt.Sprintf(
		`{"type":"connect","host":%q,"port":%d,"username":"u","password":"p","width":1280,"height":800,"drives":[],"enable_win_automation":false}`,
		host, port,
	)
	connectResp := disp.Handle(json.RawMessage(connectReq))
	var decoded struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(connectResp, &decoded); err != nil || !decoded.Success {
		t.Fatalf("connect failed: %s", connectResp)
	}

	ar := <-acceptCh
	if ar.err != nil {
		t.Fatalf("fake guest accept: %v", ar.err)
	}
	defer ar.conn.Close()
	ar.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	records := make(chan guestRecord, 8)
	routerErr := make(chan error, 1)
	ready := make(chan struct{})
	go runFakeGuestRouter(ar.conn, clipboardChannelID, records, ready, routerErr)

	if err := rdptest.SendChannelRecord(ar.conn, clipboardChannelID, encodeMonitorReady()); err != nil {
		t.Fatalf("send monitor ready: %v", err)
	}

	select {
	case <-ready:
	case err := <-routerErr:
		t.Fatalf("fake guest router: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for clipboard handshake to reach ready")
	}

	viewerMsg := []byte(`{"type":"clipboard_set","text":"hi"}`)
	resp := s.disp.Handle(translateViewerMessage(viewerMsg))
	var respDecoded struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(resp, &respDecoded); err != nil || !respDecoded.Success {
		t.Fatalf("clipboard_set failed: %s", resp)
	}

	clip, err := d.Clipboard()
	if err != nil {
		t.Fatalf("Clipboard(): %v", err)
	}
	if clip.LocalText() != "hi" {
		t.Fatalf("expected clipboard shadow %q, got %q", "hi", clip.LocalText())
	}

	// input_keyboard rides the same translation: unprefixed, fields
	// untouched, routed to the ordinary keyboard handler.
	keyMsg := []byte(`{"type":"input_keyboard","action":"type","text":"x"}`)
	keyResp := s.disp.Handle(translateViewerMessage(keyMsg))
	if err := json.Unmarshal(keyResp, &respDecoded); err != nil || !respDecoded.Success {
		t.Fatalf("input_keyboard failed: %s", keyResp)
	}

	// The fast path sent one down event and one up event on the graphics
	// channel (id 0); the router forwarded both since neither is a
	// clipboard format-list PDU.
	for i := 0; i < 2; i++ {
		select {
		case rec := <-records:
			if rec.channel != 0 {
				t.Fatalf("expected keyboard event on graphics channel 0, got channel %d", rec.channel)
			}
		case err := <-routerErr:
			t.Fatalf("fake guest router: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for keyboard event")
		}
	}
}

func encodeMonitorReady() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], cliprdr.MsgMonitorReady)
	return buf
}
