// Package automation implements the Automation DVC handler (spec.md §4.6):
// a JSON request/response protocol carried over the dynamic virtual channel
// named "AgentRdp::Automation" to an in-guest helper. Request/response
// correlation is the generalization of sessionbroker.Session's pending-map
// pattern onto a channel handler instead of a local IPC session.
package automation

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/codec"
	"github.com/thisnick/agent-rdp/internal/logging"
)

var log = logging.L("automation")

// ChannelName is the dynamic virtual channel automation traffic rides on.
const ChannelName = "AgentRdp::Automation"

const (
	defaultTimeout         = 10 * time.Second
	maxConsecutiveFailures = 3
)

// Handshake is sent once by the guest helper when the channel opens
// (spec.md §4.6, bit-exact shape).
type Handshake struct {
	Type         string   `json:"type"`
	Version      string   `json:"version"`
	AgentPID     int      `json:"agent_pid"`
	Capabilities []string `json:"capabilities"`
}

// Request is one outbound command (spec.md §4.6, bit-exact shape). The id
// is always exactly 8 hex characters.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// ResponseError is the error object embedded in a failed Response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is one inbound reply (spec.md §4.6, bit-exact shape).
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ResponseError  `json:"error"`
}

// envelope sniffs the "type" discriminator before deciding how to decode
// the rest of an inbound record (spec.md §9: model inbound records as a
// tagged variant, only the envelope is validated).
type envelope struct {
	Type string `json:"type"`
}

// Sender writes one complete DVC record (already framed with the 8-byte
// channel-PDU header) onto the multiplexer's outbound queue. It is the
// capability object spec.md §9 calls for in place of a back-pointer to the
// session.
type Sender func(record []byte) error

// Handler carries JSON automation commands to and from the guest helper.
type Handler struct {
	channelID uint32
	send      Sender
	pending   *pendingMap

	mu                  sync.Mutex
	handshakeReceived   bool
	consecutiveFailures int
	dead                bool
}

// NewHandler constructs a handler bound to one dynamic channel id. Requests
// fail with automation_not_enabled until a handshake arrives (spec.md §4.6
// "The handler MUST tolerate the helper not being present").
func NewHandler(channelID uint32, send Sender) *Handler {
	return &Handler{channelID: channelID, send: send, pending: newPendingMap()}
}

// HandleInbound processes one inbound DVC record, stripping the 8-byte
// channel-PDU header spec.md §6 requires every DVC read discard.
func (h *Handler) HandleInbound(raw []byte) {
	_, _, ok := codec.DecodeChannelHeader(raw)
	if !ok {
		log.Warn("dropping inbound record shorter than channel header", "len", len(raw))
		return
	}
	body := raw[codec.ChannelHeaderSize:]

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.recordFailure()
		log.Warn("malformed inbound record", "error", err)
		return
	}

	switch env.Type {
	case "handshake":
		h.handleHandshake(body)
	case "response":
		h.handleResponse(body)
	default:
		log.Warn("unknown inbound message type", "type", env.Type)
	}
}

func (h *Handler) handleHandshake(body []byte) {
	var hs Handshake
	if err := json.Unmarshal(body, &hs); err != nil {
		log.Warn("malformed handshake", "error", err)
		return
	}
	h.mu.Lock()
	h.handshakeReceived = true
	h.consecutiveFailures = 0
	h.dead = false
	h.mu.Unlock()
	log.Info("automation handshake received", "version", hs.Version, "agent_pid", hs.AgentPID)
}

func (h *Handler) handleResponse(body []byte) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		h.recordFailure()
		log.Warn("malformed response", "error", err)
		return
	}
	h.resetFailures()
	if !h.pending.resolve(resp.ID, &resp) {
		// Unknown ids are logged and dropped (spec.md §4.6 rule 3).
		log.Info("dropping response for unknown request id", "id", resp.ID)
	}
}

// Do sends a command and blocks until a response arrives, the timeout
// elapses, or the channel is dead. A zero timeout uses the 10s default
// (spec.md §4.6 rule 4; snapshot/wait_for pass larger explicit timeouts).
func (h *Handler) Do(command string, params any, timeout time.Duration) (*Response, error) {
	h.mu.Lock()
	if !h.handshakeReceived {
		h.mu.Unlock()
		return nil, apperr.New(apperr.AutomationNotEnabled, "automation helper not connected")
	}
	if h.dead {
		h.mu.Unlock()
		return nil, apperr.New(apperr.ChannelClosed, "automation channel marked dead after repeated failures")
	}
	h.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, "marshal params", err)
	}

	id, err := newRequestID()
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "generate request id", err)
	}

	// Insert before writing the PDU (spec.md §4.6 rule 1).
	ch := h.pending.insert(id)

	req := Request{Type: "request", ID: id, Command: command, Params: paramsRaw}
	body, err := json.Marshal(req)
	if err != nil {
		h.pending.take(id)
		return nil, apperr.Wrap(apperr.InternalError, "marshal request", err)
	}
	record := append(codec.EncodeChannelHeader(codec.ChannelID(h.channelID), len(body)), body...)

	if err := h.send(record); err != nil {
		h.pending.take(id)
		return nil, apperr.Wrap(apperr.ChannelClosed, "write automation request", err)
	}

	select {
	case resp := <-ch:
		if !resp.Success && resp.Error != nil {
			return resp, apperr.New(apperr.Code(resp.Error.Code), resp.Error.Message)
		}
		return resp, nil
	case <-time.After(timeout):
		h.pending.take(id)
		h.recordFailure()
		return nil, apperr.New(apperr.Timeout, "automation command timed out")
	}
}

// Close resolves every pending entry with channel_closed (spec.md §4.6
// rule 6).
func (h *Handler) Close() {
	h.pending.cancelAll(&Response{
		Type: "response", Success: false,
		Error: &ResponseError{Code: string(apperr.ChannelClosed), Message: "automation channel closed"},
	})
	h.mu.Lock()
	h.dead = true
	h.mu.Unlock()
}

func (h *Handler) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	if h.consecutiveFailures >= maxConsecutiveFailures {
		h.dead = true
	}
}

func (h *Handler) resetFailures() {
	h.mu.Lock()
	h.consecutiveFailures = 0
	h.mu.Unlock()
}

// IsDead reports whether the channel has failed three consecutive times
// (spec.md §4.6 rule 5).
func (h *Handler) IsDead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead
}

// PendingCount reports the number of in-flight requests, for tests
// exercising pending-map hygiene.
func (h *Handler) PendingCount() int { return h.pending.len() }

// newRequestID returns 8 hex characters, drawn from a fresh uuid's random
// bytes rather than a bare crypto/rand read (spec.md §4.6's id shape).
func newRequestID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id[:4]), nil
}
