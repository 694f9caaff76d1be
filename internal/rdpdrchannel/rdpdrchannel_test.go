package rdpdrchannel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/thisnick/agent-rdp/internal/drive"
	"github.com/thisnick/agent-rdp/internal/rdpdr"
)

func TestAnnounceSendsOneDeviceAnnouncePerMapping(t *testing.T) {
	dir := t.TempDir()
	backend := drive.NewBackend(drive.Table{{DeviceID: 1, LocalRoot: dir, DisplayName: "share"}})

	var sent [][]byte
	h := New(backend, func(pdu []byte) error {
		sent = append(sent, pdu)
		return nil
	})

	if err := h.Announce(); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected 1 device announce, got %d", len(sent))
	}
	ann, err := rdpdr.DecodeDeviceAnnounce(sent[0])
	if err != nil {
		t.Fatalf("DecodeDeviceAnnounce: %v", err)
	}
	if ann.DeviceID != 1 || ann.DisplayName != "share" {
		t.Fatalf("unexpected announce: %+v", ann)
	}
}

func TestCreateWriteReadCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "existing.txt"), nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	backend := drive.NewBackend(drive.Table{{DeviceID: 1, LocalRoot: dir, DisplayName: "share"}})

	var lastReply []byte
	h := New(backend, func(pdu []byte) error {
		lastReply = pdu
		return nil
	})

	create := rdpdr.CreateRequest{DeviceID: 1, Path: "existing.txt", CreateDisposition: 1, DesiredAccess: 0xFFFFFFFF}
	h.HandleInbound(create.Encode())
	createResp, err := rdpdr.DecodeCreateResponse(lastReply)
	if err != nil {
		t.Fatalf("DecodeCreateResponse: %v", err)
	}
	if createResp.Status != rdpdr.StatusOK {
		t.Fatalf("expected create to succeed, got status %d", createResp.Status)
	}

	write := rdpdr.WriteRequest{DeviceID: 1, FileID: createResp.FileID, Offset: 0, Data: []byte("hello")}
	h.HandleInbound(write.Encode())
	writeResp, err := rdpdr.DecodeWriteResponse(lastReply)
	if err != nil {
		t.Fatalf("DecodeWriteResponse: %v", err)
	}
	if writeResp.Status != rdpdr.StatusOK {
		t.Fatalf("expected write to succeed, got status %d", writeResp.Status)
	}

	read := rdpdr.ReadRequest{DeviceID: 1, FileID: createResp.FileID, Offset: 0, Length: 5}
	h.HandleInbound(read.Encode())
	readResp, err := rdpdr.DecodeReadResponse(lastReply)
	if err != nil {
		t.Fatalf("DecodeReadResponse: %v", err)
	}
	if string(readResp.Data) != "hello" {
		t.Fatalf("expected 'hello', got %q", readResp.Data)
	}

	closeReq := rdpdr.CloseRequest{DeviceID: 1, FileID: createResp.FileID}
	h.HandleInbound(closeReq.Encode())
	closeResp, err := rdpdr.DecodeCloseResponse(lastReply)
	if err != nil {
		t.Fatalf("DecodeCloseResponse: %v", err)
	}
	if closeResp.Status != rdpdr.StatusOK {
		t.Fatalf("expected close to succeed, got status %d", closeResp.Status)
	}
}

func TestUnknownCommandIsDroppedNotPanicked(t *testing.T) {
	backend := drive.NewBackend(drive.Table{})
	h := New(backend, func([]byte) error { return nil })
	h.HandleInbound([]byte{0xFF})
	h.HandleInbound(nil)
}
