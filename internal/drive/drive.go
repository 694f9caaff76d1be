// Package drive implements the RDPDR virtual filesystem backend (spec.md
// §4.5): a request/response state server presenting local directories as
// redirected network drives to the guest. Path containment follows the
// same filepath.Abs-prefix-check idiom the file-transfer handler this
// codebase is descended from used for incoming transfers.
package drive

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/logging"
	"github.com/thisnick/agent-rdp/internal/rdpdr"
)

var log = logging.L("drive")

// Mapping is one (device id, local root, display name) triple the guest
// sees as a redirected drive (spec.md §3 "Drive table").
type Mapping struct {
	DeviceID    uint32
	LocalRoot   string
	DisplayName string
}

// Table is the ordered, stable-after-connect list of mappings.
type Table []Mapping

// fileEntry is one row of the open-file table (spec.md §3).
type fileEntry struct {
	mu            sync.Mutex // serializes operations on this file id
	path          string     // absolute local path, kept current across renames
	file          *os.File   // nil for directories
	isDir         bool
	dirEntries    []os.DirEntry // populated lazily on first query-directory
	dirCursor     int
	deleteOnClose bool
}

// partition holds the open-file table for one device. Mutating the index
// (insert on create, remove on close) is serialized by mu; once an entry is
// looked up, further work on it is serialized by the entry's own mutex so
// operations on distinct ids proceed in parallel (spec.md §5).
type partition struct {
	mu         sync.Mutex
	root       string
	files      map[uint32]*fileEntry
	nextFileID uint32
}

// Backend is the drive channel's request/response handler.
type Backend struct {
	table      Table
	partitions map[uint32]*partition
}

// NewBackend registers local roots for every mapping and assigns device ids
// (spec.md §4.5 "Device-announce / capability exchange: Register local
// roots; assign device ids").
func NewBackend(table Table) *Backend {
	b := &Backend{table: table, partitions: make(map[uint32]*partition, len(table))}
	for _, m := range table {
		b.partitions[m.DeviceID] = &partition{
			root:  filepath.Clean(m.LocalRoot),
			files: make(map[uint32]*fileEntry),
		}
	}
	return b
}

// Announce returns the device-announce PDUs for every mapping, sent once at
// connect time.
func (b *Backend) Announce() []rdpdr.DeviceAnnounce {
	out := make([]rdpdr.DeviceAnnounce, 0, len(b.table))
	for _, m := range b.table {
		out = append(out, rdpdr.DeviceAnnounce{DeviceID: m.DeviceID, DisplayName: m.DisplayName})
	}
	return out
}

// Table returns the drive table for the "drive list" command (spec.md §6
// command surface, §4.10 supplemented feature).
func (b *Backend) Table() Table { return b.table }

func (b *Backend) partitionFor(deviceID uint32) (*partition, *apperr.Error) {
	p, ok := b.partitions[deviceID]
	if !ok {
		return nil, apperr.Newf(apperr.DriveError, "unknown device id %d", deviceID)
	}
	return p, nil
}

// resolvePath normalizes rawPath under root and rejects any path that
// escapes it, following symlinks and treating an out-of-root target as
// not-found rather than leaking its existence (spec.md §4.5 "Path safety").
func resolvePath(root, rawPath string) (string, *apperr.Error) {
	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apperr.Wrap(apperr.DriveError, "resolve device root", err)
	}

	joined := filepath.Join(cleanRoot, filepath.Clean(string(filepath.Separator)+rawPath))
	if !withinRoot(cleanRoot, joined) {
		return "", apperr.New(apperr.DriveError, "path escapes device root")
	}

	resolved, lerr := filepath.EvalSymlinks(joined)
	if lerr != nil {
		if os.IsNotExist(lerr) {
			// Path doesn't exist yet (e.g. a create); containment on the
			// unresolved path is still enforced above.
			return joined, nil
		}
		return "", apperr.Wrap(apperr.DriveError, "resolve path", lerr)
	}
	if !withinRoot(cleanRoot, resolved) {
		// Symlink points outside the root: not-found, not "forbidden",
		// per spec.md §4.5.
		return "", apperr.New(apperr.DriveError, "not found")
	}
	return resolved, nil
}

func withinRoot(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if candidate == root {
		return true
	}
	return strings.HasPrefix(candidate, root+string(filepath.Separator))
}

// HandleCreate resolves a path under the device root and opens (or creates)
// it, allocating a file id.
func (b *Backend) HandleCreate(req rdpdr.CreateRequest) (rdpdr.CreateResponse, error) {
	p, aerr := b.partitionFor(req.DeviceID)
	if aerr != nil {
		return rdpdr.CreateResponse{DeviceID: req.DeviceID, Status: rdpdr.StatusError}, aerr
	}

	localPath, aerr := resolvePath(p.root, req.Path)
	if aerr != nil {
		return rdpdr.CreateResponse{DeviceID: req.DeviceID, Status: rdpdr.StatusAccessDenied}, aerr
	}

	info, statErr := os.Stat(localPath)
	isDir := statErr == nil && info.IsDir()

	entry := &fileEntry{path: localPath, isDir: isDir}
	if !isDir {
		flags := os.O_RDWR
		switch req.CreateDisposition {
		case createSupersede:
			flags |= os.O_CREATE | os.O_TRUNC
		case createCreate:
			flags |= os.O_CREATE | os.O_EXCL
		case createOpenIf:
			flags |= os.O_CREATE
		}
		f, err := os.OpenFile(localPath, flags, 0o644)
		if err != nil {
			if os.IsNotExist(err) {
				return rdpdr.CreateResponse{DeviceID: req.DeviceID, Status: rdpdr.StatusNotFound}, apperr.New(apperr.DriveError, "not found")
			}
			return rdpdr.CreateResponse{DeviceID: req.DeviceID, Status: rdpdr.StatusAccessDenied}, apperr.Wrap(apperr.DriveError, "open", err)
		}
		entry.file = f
	}

	p.mu.Lock()
	fileID := p.nextFileID
	p.nextFileID++
	p.files[fileID] = entry
	p.mu.Unlock()

	return rdpdr.CreateResponse{DeviceID: req.DeviceID, FileID: fileID, IsDirectory: isDir, Status: rdpdr.StatusOK}, nil
}

// Create disposition values mirroring NT semantics closely enough for the
// backend's own open-flag mapping (spec.md doesn't enumerate the exact
// integers, only the contract: "Resolve path... open handle... allocate a
// file id").
const (
	createSupersede uint32 = 0
	createOpen      uint32 = 1
	createCreate    uint32 = 2
	createOpenIf    uint32 = 3
)

func (b *Backend) lookup(deviceID, fileID uint32) (*partition, *fileEntry, *apperr.Error) {
	p, aerr := b.partitionFor(deviceID)
	if aerr != nil {
		return nil, nil, aerr
	}
	p.mu.Lock()
	entry, ok := p.files[fileID]
	p.mu.Unlock()
	if !ok {
		return nil, nil, apperr.Newf(apperr.DriveError, "unknown file id %d", fileID)
	}
	return p, entry, nil
}

// HandleRead seeks to the requested offset and reads up to Length bytes.
func (b *Backend) HandleRead(req rdpdr.ReadRequest) (rdpdr.ReadResponse, error) {
	_, entry, aerr := b.lookup(req.DeviceID, req.FileID)
	if aerr != nil {
		return rdpdr.ReadResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, aerr
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.file == nil {
		return rdpdr.ReadResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, apperr.New(apperr.DriveError, "not a file")
	}

	buf := make([]byte, req.Length)
	n, err := entry.file.ReadAt(buf, int64(req.Offset))
	if err != nil && err != io.EOF {
		return rdpdr.ReadResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, apperr.Wrap(apperr.DriveError, "read", err)
	}
	return rdpdr.ReadResponse{DeviceID: req.DeviceID, FileID: req.FileID, Data: buf[:n], Status: rdpdr.StatusOK}, nil
}

// HandleWrite writes data at the requested offset and flushes.
func (b *Backend) HandleWrite(req rdpdr.WriteRequest) (rdpdr.WriteResponse, error) {
	_, entry, aerr := b.lookup(req.DeviceID, req.FileID)
	if aerr != nil {
		return rdpdr.WriteResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, aerr
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.file == nil {
		return rdpdr.WriteResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, apperr.New(apperr.DriveError, "not a file")
	}

	n, err := entry.file.WriteAt(req.Data, int64(req.Offset))
	if err != nil {
		return rdpdr.WriteResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, apperr.Wrap(apperr.DriveError, "write", err)
	}
	if err := entry.file.Sync(); err != nil {
		log.Warn("flush after write failed", "error", err)
	}
	return rdpdr.WriteResponse{DeviceID: req.DeviceID, FileID: req.FileID, BytesWritten: uint32(n), Status: rdpdr.StatusOK}, nil
}

// HandleRename renames on disk and updates the stored path for the id,
// atomically with respect to future reads/writes on the same id (spec.md §3).
func (b *Backend) HandleRename(req rdpdr.RenameRequest) (rdpdr.SetInformationResponse, error) {
	p, entry, aerr := b.lookup(req.DeviceID, req.FileID)
	if aerr != nil {
		return rdpdr.SetInformationResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, aerr
	}

	newPath, aerr := resolvePath(p.root, req.NewPath)
	if aerr != nil {
		return rdpdr.SetInformationResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusAccessDenied}, aerr
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := os.Rename(entry.path, newPath); err != nil {
		return rdpdr.SetInformationResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, apperr.Wrap(apperr.DriveError, "rename", err)
	}
	entry.path = newPath
	return rdpdr.SetInformationResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusOK}, nil
}

// HandleDisposition sets the delete-on-close flag.
func (b *Backend) HandleDisposition(req rdpdr.DispositionRequest) (rdpdr.SetInformationResponse, error) {
	_, entry, aerr := b.lookup(req.DeviceID, req.FileID)
	if aerr != nil {
		return rdpdr.SetInformationResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, aerr
	}
	entry.mu.Lock()
	entry.deleteOnClose = req.DeleteOnClose
	entry.mu.Unlock()
	return rdpdr.SetInformationResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusOK}, nil
}

// HandleQueryDirectory advances the entry's iteration cursor and returns the
// next matching entry, or NoMoreFiles.
func (b *Backend) HandleQueryDirectory(req rdpdr.QueryDirectoryRequest) (rdpdr.QueryDirectoryResponse, error) {
	_, entry, aerr := b.lookup(req.DeviceID, req.FileID)
	if aerr != nil {
		return rdpdr.QueryDirectoryResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, aerr
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.isDir {
		return rdpdr.QueryDirectoryResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, apperr.New(apperr.DriveError, "not a directory")
	}

	if req.Initial || entry.dirEntries == nil {
		entries, err := os.ReadDir(entry.path)
		if err != nil {
			return rdpdr.QueryDirectoryResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, apperr.Wrap(apperr.DriveError, "read dir", err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		entry.dirEntries = entries
		entry.dirCursor = 0
	}

	for entry.dirCursor < len(entry.dirEntries) {
		de := entry.dirEntries[entry.dirCursor]
		entry.dirCursor++
		matched, err := filepath.Match(patternOrAll(req.Pattern), de.Name())
		if err != nil || !matched {
			continue
		}
		info, err := de.Info()
		var size uint64
		if err == nil {
			size = uint64(info.Size())
		}
		return rdpdr.QueryDirectoryResponse{
			DeviceID: req.DeviceID, FileID: req.FileID,
			Name: de.Name(), IsDirectory: de.IsDir(), Size: size, Status: rdpdr.StatusOK,
		}, nil
	}

	return rdpdr.QueryDirectoryResponse{DeviceID: req.DeviceID, FileID: req.FileID, NoMoreFiles: true, Status: rdpdr.StatusNoMoreFiles}, nil
}

func patternOrAll(p string) string {
	if p == "" {
		return "*"
	}
	return p
}

// HandleClose flushes the handle, removes the entry from every index, then
// performs the deferred deletion if flagged — always in that order (spec.md
// §3 invariant, §8 "Drive close ordering").
func (b *Backend) HandleClose(req rdpdr.CloseRequest) (rdpdr.CloseResponse, error) {
	p, aerr := b.partitionFor(req.DeviceID)
	if aerr != nil {
		return rdpdr.CloseResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, aerr
	}

	p.mu.Lock()
	entry, ok := p.files[req.FileID]
	p.mu.Unlock()
	if !ok {
		return rdpdr.CloseResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, apperr.Newf(apperr.DriveError, "unknown file id %d", req.FileID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// 1. flush
	if entry.file != nil {
		if err := entry.file.Sync(); err != nil {
			log.Warn("flush on close failed", "error", err)
		}
		if err := entry.file.Close(); err != nil {
			log.Warn("close failed", "error", err)
		}
	}

	// 2. unlink-indices
	p.mu.Lock()
	delete(p.files, req.FileID)
	p.mu.Unlock()

	// 3. unlink-path, only after the above, and only if flagged.
	if entry.deleteOnClose {
		if err := os.RemoveAll(entry.path); err != nil && !os.IsNotExist(err) {
			return rdpdr.CloseResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusError}, apperr.Wrap(apperr.DriveError, "delete on close", err)
		}
	}

	return rdpdr.CloseResponse{DeviceID: req.DeviceID, FileID: req.FileID, Status: rdpdr.StatusOK}, nil
}
