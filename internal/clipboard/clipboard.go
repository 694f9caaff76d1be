// Package clipboard implements the CLIPRDR handler state machine
// (spec.md §4.4): idle -> capabilities_exchanged -> ready, with at-most-one
// get/set in flight. Grounded on internal/remote/clipboard/clipboard_proxy.go's
// request/await-response shape (there delegated over IPC to a user helper;
// here driven directly by CLIPRDR PDUs on the virtual channel).
package clipboard

import (
	"sync"
	"time"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/cliprdr"
	"github.com/thisnick/agent-rdp/internal/logging"
)

var log = logging.L("clipboard")

// State is the CLIPRDR handshake state (spec.md §4.4).
type State int

const (
	StateIdle State = iota
	StateCapabilitiesExchanged
	StateReady
)

func (s State) String() string {
	switch s {
	case StateCapabilitiesExchanged:
		return "capabilities_exchanged"
	case StateReady:
		return "ready"
	default:
		return "idle"
	}
}

const defaultTimeout = 5 * time.Second

// Sender writes one CLIPRDR PDU onto the clipboard virtual channel.
type Sender func(payload []byte) error

// ChangeNotifier is invoked once per inbound format-list-change
// notification (spec.md §4.4 "surfaced to the streaming fan-out").
type ChangeNotifier func()

// Handler mirrors the server's CLIPRDR handshake and serves get/set
// against a locally held text shadow.
type Handler struct {
	send     Sender
	onChange ChangeNotifier
	timeout  time.Duration

	stateMu sync.RWMutex
	state   State

	opMu sync.Mutex // at most one get/set in flight (spec.md §4.4)

	shadowMu  sync.RWMutex
	localText string

	chMu     sync.Mutex
	getCh    chan string
	setAckCh chan struct{}
}

// NewHandler constructs an idle clipboard handler.
func NewHandler(send Sender, onChange ChangeNotifier) *Handler {
	return &Handler{send: send, onChange: onChange, state: StateIdle, timeout: defaultTimeout}
}

// State returns the current handshake state.
func (h *Handler) State() State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.stateMu.Lock()
	h.state = s
	h.stateMu.Unlock()
}

// HandleInbound processes one inbound CLIPRDR PDU.
func (h *Handler) HandleInbound(raw []byte) {
	msgType, ok := cliprdr.PeekMsgType(raw)
	if !ok {
		log.Warn("dropping undersized CLIPRDR PDU", "len", len(raw))
		return
	}

	switch msgType {
	case cliprdr.MsgCapabilities:
		if h.State() == StateIdle {
			h.setState(StateCapabilitiesExchanged)
		}

	case cliprdr.MsgMonitorReady:
		h.setState(StateReady)
		if err := h.send(cliprdr.EncodeFormatList()); err != nil {
			log.Warn("failed to announce format list on ready", "error", err)
		}

	case cliprdr.MsgFormatList:
		cliprdr.DecodeFormatList(raw)
		if err := h.send(cliprdr.EncodeFormatListResponse(true)); err != nil {
			log.Warn("failed to ack format list", "error", err)
		}
		if h.State() == StateReady && h.onChange != nil {
			h.onChange()
		}

	case cliprdr.MsgFormatListResponse:
		h.chMu.Lock()
		ch := h.setAckCh
		h.chMu.Unlock()
		if ch != nil {
			select {
			case ch <- struct{}{}:
			default:
			}
		}

	case cliprdr.MsgFormatDataRequest:
		h.shadowMu.RLock()
		text := h.localText
		h.shadowMu.RUnlock()
		if err := h.send(cliprdr.EncodeFormatDataResponse(text)); err != nil {
			log.Warn("failed to respond to format data request", "error", err)
		}

	case cliprdr.MsgFormatDataResponse:
		text, _ := cliprdr.DecodeFormatDataResponse(raw)
		h.chMu.Lock()
		ch := h.getCh
		h.chMu.Unlock()
		if ch != nil {
			select {
			case ch <- text:
			default:
			}
		}

	default:
		log.Warn("unknown CLIPRDR message type", "type", msgType)
	}
}

// Get issues a format-list request and awaits the format-data response,
// returning the Unicode text content or empty (spec.md §4.4).
func (h *Handler) Get() (string, error) {
	if h.State() != StateReady {
		return "", apperr.New(apperr.ClipboardError, "clipboard not ready")
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	ch := make(chan string, 1)
	h.chMu.Lock()
	h.getCh = ch
	h.chMu.Unlock()
	defer func() {
		h.chMu.Lock()
		h.getCh = nil
		h.chMu.Unlock()
	}()

	if err := h.send(cliprdr.EncodeFormatDataRequest(cliprdr.CFUnicodeText)); err != nil {
		return "", apperr.Wrap(apperr.ClipboardError, "send format data request", err)
	}

	select {
	case text := <-ch:
		return text, nil
	case <-time.After(h.timeout):
		return "", apperr.New(apperr.ClipboardError, "clipboard get timed out")
	}
}

// Set stores text locally and announces the format to the server; future
// format-data requests are answered with it (spec.md §4.4).
func (h *Handler) Set(text string) error {
	if h.State() != StateReady {
		return apperr.New(apperr.ClipboardError, "clipboard not ready")
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.shadowMu.Lock()
	h.localText = text
	h.shadowMu.Unlock()

	ch := make(chan struct{}, 1)
	h.chMu.Lock()
	h.setAckCh = ch
	h.chMu.Unlock()
	defer func() {
		h.chMu.Lock()
		h.setAckCh = nil
		h.chMu.Unlock()
	}()

	if err := h.send(cliprdr.EncodeFormatList()); err != nil {
		return apperr.Wrap(apperr.ClipboardError, "send format list", err)
	}

	select {
	case <-ch:
		return nil
	case <-time.After(h.timeout):
		return apperr.New(apperr.ClipboardError, "clipboard set timed out")
	}
}

// LocalText returns the currently stored text shadow, for tests and
// diagnostics.
func (h *Handler) LocalText() string {
	h.shadowMu.RLock()
	defer h.shadowMu.RUnlock()
	return h.localText
}
