// Package rdpdr encodes and decodes the device-redirection virtual channel
// PDUs the drive backend (spec.md §4.5) needs: device announce, create,
// read, write, query-information, set-information (rename / disposition),
// query-directory, and close. Each PDU starts with a one-byte command tag in
// the style of internal/dvc's framing, followed by fixed-width fields;
// paths and names are length-prefixed strings, and read/write data is the
// unprefixed remainder of the PDU.
package rdpdr

import (
	"encoding/binary"
	"fmt"
)

const (
	CmdDeviceAnnounce byte = iota + 1
	CmdCreateRequest
	CmdCreateResponse
	CmdReadRequest
	CmdReadResponse
	CmdWriteRequest
	CmdWriteResponse
	CmdQueryInfoRequest
	CmdQueryInfoResponse
	CmdRenameRequest
	CmdDispositionRequest
	CmdSetInfoResponse
	CmdQueryDirRequest
	CmdQueryDirResponse
	CmdCloseRequest
	CmdCloseResponse
)

// Status codes, modeled as a small closed set rather than the full NTSTATUS
// space; the drive backend maps these to apperr.DriveError/ElementNotFound.
const (
	StatusOK uint32 = iota
	StatusNotFound
	StatusAccessDenied
	StatusNoMoreFiles
	StatusError
)

func putUint32(buf []byte, off int, v uint32) { binary.BigEndian.PutUint32(buf[off:off+4], v) }
func getUint32(buf []byte, off int) uint32    { return binary.BigEndian.Uint32(buf[off : off+4]) }
func putUint64(buf []byte, off int, v uint64) { binary.BigEndian.PutUint64(buf[off:off+8], v) }
func getUint64(buf []byte, off int) uint64    { return binary.BigEndian.Uint64(buf[off : off+8]) }

func putString(buf *[]byte, s string) {
	b := []byte(s)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	*buf = append(*buf, lenBuf[:]...)
	*buf = append(*buf, b...)
}

func getString(buf []byte, off int) (string, int, error) {
	if len(buf) < off+4 {
		return "", 0, fmt.Errorf("rdpdr: truncated string length")
	}
	n := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+n {
		return "", 0, fmt.Errorf("rdpdr: truncated string data")
	}
	return string(buf[off : off+n]), off + n, nil
}

// DeviceAnnounce registers a local root as a redirected drive (spec.md §4.5
// "Register local roots; assign device ids").
type DeviceAnnounce struct {
	DeviceID    uint32
	DisplayName string
}

func (d DeviceAnnounce) Encode() []byte {
	buf := []byte{CmdDeviceAnnounce, 0, 0, 0, 0}
	putUint32(buf, 1, d.DeviceID)
	putString(&buf, d.DisplayName)
	return buf
}

func DecodeDeviceAnnounce(buf []byte) (DeviceAnnounce, error) {
	if len(buf) < 5 || buf[0] != CmdDeviceAnnounce {
		return DeviceAnnounce{}, fmt.Errorf("rdpdr: malformed device announce")
	}
	name, _, err := getString(buf, 5)
	if err != nil {
		return DeviceAnnounce{}, err
	}
	return DeviceAnnounce{DeviceID: getUint32(buf, 1), DisplayName: name}, nil
}

// CreateRequest opens or creates a path under a device root.
type CreateRequest struct {
	DeviceID          uint32
	Path              string
	CreateDisposition uint32 // mirrors NT create-disposition semantics (supersede, open, create, ...)
	DesiredAccess     uint32
}

func (r CreateRequest) Encode() []byte {
	buf := make([]byte, 1, 13)
	buf[0] = CmdCreateRequest
	buf = append(buf, make([]byte, 12)...)
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.CreateDisposition)
	putUint32(buf, 9, r.DesiredAccess)
	putString(&buf, r.Path)
	return buf
}

func DecodeCreateRequest(buf []byte) (CreateRequest, error) {
	if len(buf) < 13 || buf[0] != CmdCreateRequest {
		return CreateRequest{}, fmt.Errorf("rdpdr: malformed create request")
	}
	path, _, err := getString(buf, 13)
	if err != nil {
		return CreateRequest{}, err
	}
	return CreateRequest{
		DeviceID:          getUint32(buf, 1),
		CreateDisposition: getUint32(buf, 5),
		DesiredAccess:     getUint32(buf, 9),
		Path:              path,
	}, nil
}

// CreateResponse returns the allocated file id.
type CreateResponse struct {
	DeviceID     uint32
	FileID       uint32
	IsDirectory  bool
	Status       uint32
}

func (r CreateResponse) Encode() []byte {
	buf := make([]byte, 14)
	buf[0] = CmdCreateResponse
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	if r.IsDirectory {
		buf[9] = 1
	}
	putUint32(buf, 10, r.Status)
	return buf
}

func DecodeCreateResponse(buf []byte) (CreateResponse, error) {
	if len(buf) < 14 || buf[0] != CmdCreateResponse {
		return CreateResponse{}, fmt.Errorf("rdpdr: malformed create response")
	}
	return CreateResponse{
		DeviceID:    getUint32(buf, 1),
		FileID:      getUint32(buf, 5),
		IsDirectory: buf[9] != 0,
		Status:      getUint32(buf, 10),
	}, nil
}

// ReadRequest asks for up to Length bytes at Offset from an open file id.
type ReadRequest struct {
	DeviceID uint32
	FileID   uint32
	Offset   uint64
	Length   uint32
}

func (r ReadRequest) Encode() []byte {
	buf := make([]byte, 21)
	buf[0] = CmdReadRequest
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	putUint64(buf, 9, r.Offset)
	putUint32(buf, 17, r.Length)
	return buf
}

func DecodeReadRequest(buf []byte) (ReadRequest, error) {
	if len(buf) < 21 || buf[0] != CmdReadRequest {
		return ReadRequest{}, fmt.Errorf("rdpdr: malformed read request")
	}
	return ReadRequest{
		DeviceID: getUint32(buf, 1),
		FileID:   getUint32(buf, 5),
		Offset:   getUint64(buf, 9),
		Length:   getUint32(buf, 17),
	}, nil
}

// ReadResponse carries the bytes actually read.
type ReadResponse struct {
	DeviceID uint32
	FileID   uint32
	Data     []byte
	Status   uint32
}

func (r ReadResponse) Encode() []byte {
	buf := make([]byte, 13, 13+len(r.Data))
	buf[0] = CmdReadResponse
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	putUint32(buf, 9, r.Status)
	buf = append(buf, r.Data...)
	return buf
}

func DecodeReadResponse(buf []byte) (ReadResponse, error) {
	if len(buf) < 13 || buf[0] != CmdReadResponse {
		return ReadResponse{}, fmt.Errorf("rdpdr: malformed read response")
	}
	return ReadResponse{
		DeviceID: getUint32(buf, 1),
		FileID:   getUint32(buf, 5),
		Status:   getUint32(buf, 9),
		Data:     buf[13:],
	}, nil
}

// WriteRequest writes Data at Offset to an open file id.
type WriteRequest struct {
	DeviceID uint32
	FileID   uint32
	Offset   uint64
	Data     []byte
}

func (r WriteRequest) Encode() []byte {
	buf := make([]byte, 17, 17+len(r.Data))
	buf[0] = CmdWriteRequest
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	putUint64(buf, 9, r.Offset)
	buf = append(buf, r.Data...)
	return buf
}

func DecodeWriteRequest(buf []byte) (WriteRequest, error) {
	if len(buf) < 17 || buf[0] != CmdWriteRequest {
		return WriteRequest{}, fmt.Errorf("rdpdr: malformed write request")
	}
	return WriteRequest{
		DeviceID: getUint32(buf, 1),
		FileID:   getUint32(buf, 5),
		Offset:   getUint64(buf, 9),
		Data:     buf[17:],
	}, nil
}

// WriteResponse reports the number of bytes actually written.
type WriteResponse struct {
	DeviceID     uint32
	FileID       uint32
	BytesWritten uint32
	Status       uint32
}

func (r WriteResponse) Encode() []byte {
	buf := make([]byte, 17)
	buf[0] = CmdWriteResponse
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	putUint32(buf, 9, r.BytesWritten)
	putUint32(buf, 13, r.Status)
	return buf
}

func DecodeWriteResponse(buf []byte) (WriteResponse, error) {
	if len(buf) < 17 || buf[0] != CmdWriteResponse {
		return WriteResponse{}, fmt.Errorf("rdpdr: malformed write response")
	}
	return WriteResponse{
		DeviceID:     getUint32(buf, 1),
		FileID:       getUint32(buf, 5),
		BytesWritten: getUint32(buf, 9),
		Status:       getUint32(buf, 13),
	}, nil
}

// RenameRequest is the set-information request that renames an open file id
// (spec.md §4.5 "Rename on disk; update the stored path for that id").
type RenameRequest struct {
	DeviceID uint32
	FileID   uint32
	NewPath  string
}

func (r RenameRequest) Encode() []byte {
	buf := make([]byte, 9, 13)
	buf[0] = CmdRenameRequest
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	putString(&buf, r.NewPath)
	return buf
}

func DecodeRenameRequest(buf []byte) (RenameRequest, error) {
	if len(buf) < 9 || buf[0] != CmdRenameRequest {
		return RenameRequest{}, fmt.Errorf("rdpdr: malformed rename request")
	}
	path, _, err := getString(buf, 9)
	if err != nil {
		return RenameRequest{}, err
	}
	return RenameRequest{DeviceID: getUint32(buf, 1), FileID: getUint32(buf, 5), NewPath: path}, nil
}

// DispositionRequest sets or clears delete-on-close on an open file id
// (spec.md §4.5 "Set delete-on-close flag on the entry").
type DispositionRequest struct {
	DeviceID      uint32
	FileID        uint32
	DeleteOnClose bool
}

func (r DispositionRequest) Encode() []byte {
	buf := make([]byte, 10)
	buf[0] = CmdDispositionRequest
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	if r.DeleteOnClose {
		buf[9] = 1
	}
	return buf
}

func DecodeDispositionRequest(buf []byte) (DispositionRequest, error) {
	if len(buf) < 10 || buf[0] != CmdDispositionRequest {
		return DispositionRequest{}, fmt.Errorf("rdpdr: malformed disposition request")
	}
	return DispositionRequest{
		DeviceID:      getUint32(buf, 1),
		FileID:        getUint32(buf, 5),
		DeleteOnClose: buf[9] != 0,
	}, nil
}

// SetInformationResponse acknowledges a rename or disposition request.
type SetInformationResponse struct {
	DeviceID uint32
	FileID   uint32
	Status   uint32
}

func (r SetInformationResponse) Encode() []byte {
	buf := make([]byte, 13)
	buf[0] = CmdSetInfoResponse
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	putUint32(buf, 9, r.Status)
	return buf
}

func DecodeSetInformationResponse(buf []byte) (SetInformationResponse, error) {
	if len(buf) < 13 || buf[0] != CmdSetInfoResponse {
		return SetInformationResponse{}, fmt.Errorf("rdpdr: malformed set-information response")
	}
	return SetInformationResponse{
		DeviceID: getUint32(buf, 1),
		FileID:   getUint32(buf, 5),
		Status:   getUint32(buf, 9),
	}, nil
}

// QueryDirectoryRequest advances a directory handle's iteration cursor.
type QueryDirectoryRequest struct {
	DeviceID uint32
	FileID   uint32
	Pattern  string
	Initial  bool
}

func (r QueryDirectoryRequest) Encode() []byte {
	buf := make([]byte, 10, 14)
	buf[0] = CmdQueryDirRequest
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	if r.Initial {
		buf[9] = 1
	}
	putString(&buf, r.Pattern)
	return buf
}

func DecodeQueryDirectoryRequest(buf []byte) (QueryDirectoryRequest, error) {
	if len(buf) < 10 || buf[0] != CmdQueryDirRequest {
		return QueryDirectoryRequest{}, fmt.Errorf("rdpdr: malformed query-directory request")
	}
	pattern, _, err := getString(buf, 10)
	if err != nil {
		return QueryDirectoryRequest{}, err
	}
	return QueryDirectoryRequest{
		DeviceID: getUint32(buf, 1),
		FileID:   getUint32(buf, 5),
		Initial:  buf[9] != 0,
		Pattern:  pattern,
	}, nil
}

// QueryDirectoryResponse returns the next matching entry, or NoMoreFiles.
type QueryDirectoryResponse struct {
	DeviceID    uint32
	FileID      uint32
	Name        string
	IsDirectory bool
	Size        uint64
	NoMoreFiles bool
	Status      uint32
}

func (r QueryDirectoryResponse) Encode() []byte {
	buf := make([]byte, 23, 27)
	buf[0] = CmdQueryDirResponse
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	if r.IsDirectory {
		buf[9] = 1
	}
	putUint64(buf, 10, r.Size)
	if r.NoMoreFiles {
		buf[18] = 1
	}
	putUint32(buf, 19, r.Status)
	putString(&buf, r.Name)
	return buf
}

func DecodeQueryDirectoryResponse(buf []byte) (QueryDirectoryResponse, error) {
	if len(buf) < 23 || buf[0] != CmdQueryDirResponse {
		return QueryDirectoryResponse{}, fmt.Errorf("rdpdr: malformed query-directory response")
	}
	name, _, err := getString(buf, 23)
	if err != nil {
		return QueryDirectoryResponse{}, err
	}
	return QueryDirectoryResponse{
		DeviceID:    getUint32(buf, 1),
		FileID:      getUint32(buf, 5),
		IsDirectory: buf[9] != 0,
		Size:        getUint64(buf, 10),
		NoMoreFiles: buf[18] != 0,
		Status:      getUint32(buf, 19),
		Name:        name,
	}, nil
}

// CloseRequest releases a file id; the backend flushes, unindexes, then
// unlinks (spec.md §3 open-file table close ordering invariant).
type CloseRequest struct {
	DeviceID uint32
	FileID   uint32
}

func (r CloseRequest) Encode() []byte {
	buf := make([]byte, 9)
	buf[0] = CmdCloseRequest
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	return buf
}

func DecodeCloseRequest(buf []byte) (CloseRequest, error) {
	if len(buf) < 9 || buf[0] != CmdCloseRequest {
		return CloseRequest{}, fmt.Errorf("rdpdr: malformed close request")
	}
	return CloseRequest{DeviceID: getUint32(buf, 1), FileID: getUint32(buf, 5)}, nil
}

// CloseResponse acknowledges a close.
type CloseResponse struct {
	DeviceID uint32
	FileID   uint32
	Status   uint32
}

func (r CloseResponse) Encode() []byte {
	buf := make([]byte, 13)
	buf[0] = CmdCloseResponse
	putUint32(buf, 1, r.DeviceID)
	putUint32(buf, 5, r.FileID)
	putUint32(buf, 9, r.Status)
	return buf
}

func DecodeCloseResponse(buf []byte) (CloseResponse, error) {
	if len(buf) < 13 || buf[0] != CmdCloseResponse {
		return CloseResponse{}, fmt.Errorf("rdpdr: malformed close response")
	}
	return CloseResponse{
		DeviceID: getUint32(buf, 1),
		FileID:   getUint32(buf, 5),
		Status:   getUint32(buf, 9),
	}, nil
}
