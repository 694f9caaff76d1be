// Package rdpdrchannel adapts internal/drive's request/response backend to
// the internal/multiplexer.Handler interface: it decodes each inbound RDPDR
// command, calls the matching drive.Backend method, encodes the response,
// and sends it back over the same channel (spec.md §4.5, §5 "the
// multiplexer guarantees... dispatching all RDPDR PDUs for one device on a
// single task" — satisfied here because HandleInbound runs synchronously
// from the multiplexer's read pump, never spawning its own goroutine).
package rdpdrchannel

import (
	"github.com/thisnick/agent-rdp/internal/drive"
	"github.com/thisnick/agent-rdp/internal/logging"
	"github.com/thisnick/agent-rdp/internal/rdpdr"
)

var log = logging.L("rdpdrchannel")

// Sender writes one RDPDR PDU onto the drive virtual channel.
type Sender func(pdu []byte) error

// Handler implements multiplexer.Handler over a drive.Backend.
type Handler struct {
	backend *drive.Backend
	send    Sender
}

// New constructs a channel handler bound to backend, writing replies via send.
func New(backend *drive.Backend, send Sender) *Handler {
	return &Handler{backend: backend, send: send}
}

// Announce sends the device-announce PDU for every configured mapping; call
// once right after the channel opens.
func (h *Handler) Announce() error {
	for _, a := range h.backend.Announce() {
		if err := h.send(a.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// HandleInbound decodes one inbound RDPDR PDU and replies in place.
func (h *Handler) HandleInbound(raw []byte) {
	if len(raw) == 0 {
		log.Warn("dropping empty RDPDR PDU")
		return
	}

	switch raw[0] {
	case rdpdr.CmdCreateRequest:
		h.handleCreate(raw)
	case rdpdr.CmdReadRequest:
		h.handleRead(raw)
	case rdpdr.CmdWriteRequest:
		h.handleWrite(raw)
	case rdpdr.CmdRenameRequest:
		h.handleRename(raw)
	case rdpdr.CmdDispositionRequest:
		h.handleDisposition(raw)
	case rdpdr.CmdQueryDirRequest:
		h.handleQueryDirectory(raw)
	case rdpdr.CmdCloseRequest:
		h.handleClose(raw)
	default:
		log.Warn("unhandled RDPDR command", "cmd", raw[0])
	}
}

// HandleClosed is a no-op: the drive backend holds no channel-scoped state
// that needs unwinding beyond what the session teardown already does.
func (h *Handler) HandleClosed() {}

func (h *Handler) handleCreate(raw []byte) {
	req, err := rdpdr.DecodeCreateRequest(raw)
	if err != nil {
		log.Warn("malformed create request", "error", err)
		return
	}
	resp, err := h.backend.HandleCreate(req)
	if err != nil {
		log.Warn("create failed", "error", err)
	}
	h.reply(resp.Encode())
}

func (h *Handler) handleRead(raw []byte) {
	req, err := rdpdr.DecodeReadRequest(raw)
	if err != nil {
		log.Warn("malformed read request", "error", err)
		return
	}
	resp, err := h.backend.HandleRead(req)
	if err != nil {
		log.Warn("read failed", "error", err)
	}
	h.reply(resp.Encode())
}

func (h *Handler) handleWrite(raw []byte) {
	req, err := rdpdr.DecodeWriteRequest(raw)
	if err != nil {
		log.Warn("malformed write request", "error", err)
		return
	}
	resp, err := h.backend.HandleWrite(req)
	if err != nil {
		log.Warn("write failed", "error", err)
	}
	h.reply(resp.Encode())
}

func (h *Handler) handleRename(raw []byte) {
	req, err := rdpdr.DecodeRenameRequest(raw)
	if err != nil {
		log.Warn("malformed rename request", "error", err)
		return
	}
	resp, err := h.backend.HandleRename(req)
	if err != nil {
		log.Warn("rename failed", "error", err)
	}
	h.reply(resp.Encode())
}

func (h *Handler) handleDisposition(raw []byte) {
	req, err := rdpdr.DecodeDispositionRequest(raw)
	if err != nil {
		log.Warn("malformed disposition request", "error", err)
		return
	}
	resp, err := h.backend.HandleDisposition(req)
	if err != nil {
		log.Warn("disposition failed", "error", err)
	}
	h.reply(resp.Encode())
}

func (h *Handler) handleQueryDirectory(raw []byte) {
	req, err := rdpdr.DecodeQueryDirectoryRequest(raw)
	if err != nil {
		log.Warn("malformed query-directory request", "error", err)
		return
	}
	resp, err := h.backend.HandleQueryDirectory(req)
	if err != nil {
		log.Warn("query-directory failed", "error", err)
	}
	h.reply(resp.Encode())
}

func (h *Handler) handleClose(raw []byte) {
	req, err := rdpdr.DecodeCloseRequest(raw)
	if err != nil {
		log.Warn("malformed close request", "error", err)
		return
	}
	resp, err := h.backend.HandleClose(req)
	if err != nil {
		log.Warn("close failed", "error", err)
	}
	h.reply(resp.Encode())
}

func (h *Handler) reply(pdu []byte) {
	if err := h.send(pdu); err != nil {
		log.Warn("failed to send RDPDR reply", "error", err)
	}
}
