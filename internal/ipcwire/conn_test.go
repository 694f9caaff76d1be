package ipcwire

import (
	"encoding/json"
	"net"
	"testing"
)

func TestWriteLineThenReadLineRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	cc := NewConn(client)

	type req struct {
		Type string `json:"type"`
	}

	done := make(chan error, 1)
	go func() { done <- sc.WriteLine(req{Type: "connected"}) }()

	line, err := cc.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	var got req
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "connected" {
		t.Fatalf("got %+v", got)
	}
}

func TestWriteLineOrderingIsPreservedPerConnection(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	cc := NewConn(client)

	go func() {
		sc.WriteLine(map[string]int{"seq": 1})
		sc.WriteLine(map[string]int{"seq": 2})
		sc.WriteLine(map[string]int{"seq": 3})
	}()

	for want := 1; want <= 3; want++ {
		line, err := cc.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		var got map[string]int
		if err := json.Unmarshal(line, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got["seq"] != want {
			t.Fatalf("got seq %d, want %d", got["seq"], want)
		}
	}
}
