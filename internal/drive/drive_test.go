package drive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/rdpdr"
)

func newTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	root := t.TempDir()
	b := NewBackend(Table{{DeviceID: 1, LocalRoot: root, DisplayName: "driveA"}})
	return b, root
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	b, _ := newTestBackend(t)

	createResp, err := b.HandleCreate(rdpdr.CreateRequest{DeviceID: 1, Path: "/a.txt", CreateDisposition: createSupersede})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	writeResp, err := b.HandleWrite(rdpdr.WriteRequest{DeviceID: 1, FileID: createResp.FileID, Offset: 0, Data: []byte("hello")})
	if err != nil || writeResp.BytesWritten != 5 {
		t.Fatalf("write: got %+v, err=%v", writeResp, err)
	}

	readResp, err := b.HandleRead(rdpdr.ReadRequest{DeviceID: 1, FileID: createResp.FileID, Offset: 0, Length: 5})
	if err != nil || string(readResp.Data) != "hello" {
		t.Fatalf("read: got %q, err=%v", readResp.Data, err)
	}
}

func TestDeleteOnCloseOrdering(t *testing.T) {
	b, root := newTestBackend(t)

	createResp, err := b.HandleCreate(rdpdr.CreateRequest{DeviceID: 1, Path: "/a.txt", CreateDisposition: createSupersede})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.HandleWrite(rdpdr.WriteRequest{DeviceID: 1, FileID: createResp.FileID, Data: []byte("hello")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := b.HandleDisposition(rdpdr.DispositionRequest{DeviceID: 1, FileID: createResp.FileID, DeleteOnClose: true}); err != nil {
		t.Fatalf("disposition: %v", err)
	}

	closeResp, err := b.HandleClose(rdpdr.CloseRequest{DeviceID: 1, FileID: createResp.FileID})
	if err != nil || closeResp.Status != rdpdr.StatusOK {
		t.Fatalf("close: got %+v, err=%v", closeResp, err)
	}

	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected file removed after delete-on-close, stat err=%v", err)
	}

	// The id must no longer be usable (removed from every index).
	if _, err := b.HandleRead(rdpdr.ReadRequest{DeviceID: 1, FileID: createResp.FileID, Length: 1}); err == nil {
		t.Fatal("expected error reading a closed file id")
	}
}

func TestPathContainmentRejectsEscape(t *testing.T) {
	b, _ := newTestBackend(t)

	_, err := b.HandleCreate(rdpdr.CreateRequest{DeviceID: 1, Path: "../../../etc/passwd", CreateDisposition: createOpenIf})
	if !apperr.Is(err, apperr.DriveError) {
		t.Fatalf("expected drive_error for escaping path, got %v", err)
	}
}

func TestRenameUpdatesPathForSameID(t *testing.T) {
	b, root := newTestBackend(t)

	createResp, err := b.HandleCreate(rdpdr.CreateRequest{DeviceID: 1, Path: "/a.txt", CreateDisposition: createSupersede})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.HandleWrite(rdpdr.WriteRequest{DeviceID: 1, FileID: createResp.FileID, Data: []byte("x")}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := b.HandleRename(rdpdr.RenameRequest{DeviceID: 1, FileID: createResp.FileID, NewPath: "/b.txt"}); err != nil {
		t.Fatalf("rename: %v", err)
	}

	readResp, err := b.HandleRead(rdpdr.ReadRequest{DeviceID: 1, FileID: createResp.FileID, Length: 1})
	if err != nil || string(readResp.Data) != "x" {
		t.Fatalf("read after rename: got %q, err=%v", readResp.Data, err)
	}
	if _, err := os.Stat(filepath.Join(root, "b.txt")); err != nil {
		t.Fatalf("expected renamed file to exist at new path: %v", err)
	}
}

func TestQueryDirectoryListsEntriesThenNoMoreFiles(t *testing.T) {
	b, root := newTestBackend(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("22"), 0o644); err != nil {
		t.Fatal(err)
	}

	createResp, err := b.HandleCreate(rdpdr.CreateRequest{DeviceID: 1, Path: "/", CreateDisposition: createOpenIf})
	if err != nil || !createResp.IsDirectory {
		t.Fatalf("create dir handle: got %+v, err=%v", createResp, err)
	}

	var names []string
	for {
		resp, err := b.HandleQueryDirectory(rdpdr.QueryDirectoryRequest{
			DeviceID: 1, FileID: createResp.FileID, Pattern: "*", Initial: len(names) == 0,
		})
		if err != nil {
			t.Fatalf("query directory: %v", err)
		}
		if resp.NoMoreFiles {
			break
		}
		names = append(names, resp.Name)
	}

	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Fatalf("got names %v", names)
	}
}
