package session

import "testing"

func TestBeginConnectRejectsWhileConnecting(t *testing.T) {
	s := New("default")
	if !s.BeginConnect() {
		t.Fatal("expected first BeginConnect to succeed")
	}
	if s.BeginConnect() {
		t.Fatal("expected second concurrent BeginConnect to be rejected")
	}
}

func TestCompleteConnectTransitionsToConnected(t *testing.T) {
	s := New("default")
	s.BeginConnect()
	conn := NewConnection("h", 3389, ChannelTable{})
	s.CompleteConnect(conn, 1280, 800)

	if s.State() != StateConnected {
		t.Fatalf("expected connected, got %s", s.State())
	}
	w, h := s.DesktopSize()
	if w != 1280 || h != 800 {
		t.Fatalf("expected 1280x800, got %dx%d", w, h)
	}
}

func TestFailConnectReturnsToDisconnectedWithNoPartialState(t *testing.T) {
	s := New("default")
	s.BeginConnect()
	s.FailConnect()

	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected after failed connect, got %s", s.State())
	}
	if s.Connection() != nil {
		t.Fatal("expected no connection exposed after a failed connect attempt")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s := New("default")
	s.BeginConnect()
	s.CompleteConnect(NewConnection("h", 3389, ChannelTable{}), 800, 600)

	if !s.Disconnect() {
		t.Fatal("expected first disconnect while connected to succeed")
	}
	if s.Disconnect() {
		t.Fatal("expected second disconnect while already disconnected to report false")
	}
}

func TestConnectionChannelByKindLooksUpRegisteredChannel(t *testing.T) {
	conn := NewConnection("h", 3389, ChannelTable{7: 2})
	id, ok := conn.ChannelByKind(2)
	if !ok || id != 7 {
		t.Fatalf("expected channel 7 for kind 2, got %d, ok=%v", id, ok)
	}
	if _, ok := conn.ChannelByKind(99); ok {
		t.Fatal("expected no channel registered for kind 99")
	}
}
