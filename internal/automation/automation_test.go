package automation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/codec"
)

func handshakeRecord(t *testing.T, channelID uint32) []byte {
	t.Helper()
	body, err := json.Marshal(Handshake{Type: "handshake", Version: "1.0", AgentPID: 4242, Capabilities: []string{"click", "snapshot"}})
	if err != nil {
		t.Fatal(err)
	}
	return append(codec.EncodeChannelHeader(codec.ChannelID(channelID), len(body)), body...)
}

func responseRecord(t *testing.T, channelID uint32, id string, success bool) []byte {
	t.Helper()
	body, err := json.Marshal(Response{Type: "response", ID: id, Success: success, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	return append(codec.EncodeChannelHeader(codec.ChannelID(channelID), len(body)), body...)
}

func TestDoFailsBeforeHandshake(t *testing.T) {
	h := NewHandler(7, func([]byte) error { return nil })

	_, err := h.Do("snapshot", map[string]any{}, 0)
	if !apperr.Is(err, apperr.AutomationNotEnabled) {
		t.Fatalf("expected automation_not_enabled before handshake, got %v", err)
	}
}

func TestDoRoundTripAfterHandshake(t *testing.T) {
	var sent []byte
	h := NewHandler(7, func(record []byte) error {
		sent = record
		return nil
	})
	h.HandleInbound(handshakeRecord(t, 7))

	done := make(chan struct{})
	var resp *Response
	var doErr error
	go func() {
		resp, doErr = h.Do("click", map[string]any{"ref": "abc"}, time.Second)
		close(done)
	}()

	// Wait until the request has actually been written before replying,
	// mirroring the real ordering of write-then-reply.
	for i := 0; i < 1000 && sent == nil; i++ {
		time.Sleep(time.Millisecond)
	}
	if sent == nil {
		t.Fatal("request was never sent")
	}

	_, payloadLen, ok := codec.DecodeChannelHeader(sent)
	if !ok {
		t.Fatal("sent record missing channel header")
	}
	var req Request
	if err := json.Unmarshal(sent[codec.ChannelHeaderSize:codec.ChannelHeaderSize+payloadLen], &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if len(req.ID) != 8 {
		t.Fatalf("expected 8 hex char id, got %q", req.ID)
	}

	h.HandleInbound(responseRecord(t, 7, req.ID, true))

	<-done
	if doErr != nil {
		t.Fatalf("Do returned error: %v", doErr)
	}
	if !resp.Success {
		t.Fatalf("expected success response, got %+v", resp)
	}
	if h.PendingCount() != 0 {
		t.Fatalf("expected pending map empty after resolve, got %d", h.PendingCount())
	}
}

func TestUnknownResponseIDIsDropped(t *testing.T) {
	h := NewHandler(7, func([]byte) error { return nil })
	h.HandleInbound(handshakeRecord(t, 7))

	// No request is pending; this must not panic and must leave no state.
	h.HandleInbound(responseRecord(t, 7, "deadbeef", true))

	if h.PendingCount() != 0 {
		t.Fatalf("expected empty pending map, got %d", h.PendingCount())
	}
}

func TestTimeoutDropsLateReply(t *testing.T) {
	h := NewHandler(7, func([]byte) error { return nil })
	h.HandleInbound(handshakeRecord(t, 7))

	_, err := h.Do("snapshot", map[string]any{}, 5*time.Millisecond)
	if !apperr.Is(err, apperr.Timeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if h.PendingCount() != 0 {
		t.Fatalf("expected pending map emptied by timeout, got %d", h.PendingCount())
	}
}

func TestThreeConsecutiveFailuresMarkChannelDead(t *testing.T) {
	h := NewHandler(7, func([]byte) error { return nil })
	h.HandleInbound(handshakeRecord(t, 7))

	for i := 0; i < 3; i++ {
		if _, err := h.Do("snapshot", map[string]any{}, time.Millisecond); !apperr.Is(err, apperr.Timeout) && !apperr.Is(err, apperr.ChannelClosed) {
			t.Fatalf("round %d: unexpected error %v", i, err)
		}
	}

	if !h.IsDead() {
		t.Fatal("expected channel marked dead after three consecutive failures")
	}

	_, err := h.Do("snapshot", map[string]any{}, time.Second)
	if !apperr.Is(err, apperr.ChannelClosed) {
		t.Fatalf("expected channel_closed once dead, got %v", err)
	}
}

func TestCloseResolvesAllPendingWithChannelClosed(t *testing.T) {
	h := NewHandler(7, func([]byte) error { return nil })
	h.HandleInbound(handshakeRecord(t, 7))

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.Do("snapshot", map[string]any{}, time.Second)
			results <- err
		}()
	}

	// Give both goroutines time to register in the pending map.
	for i := 0; i < 1000 && h.PendingCount() < 2; i++ {
		time.Sleep(time.Millisecond)
	}

	h.Close()

	for i := 0; i < 2; i++ {
		err := <-results
		if !apperr.Is(err, apperr.ChannelClosed) {
			t.Fatalf("expected channel_closed, got %v", err)
		}
	}
}
