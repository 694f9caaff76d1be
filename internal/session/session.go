// Package session holds the daemon's top-level data model (spec.md §3):
// the Session identity/state record and the Connection it owns once
// established. Grounded on sessionbroker.Session's field layout
// (identity + timestamps + a mutex-guarded mutable subset), generalized
// from "one connected user helper" to "one RDP connection."
package session

import (
	"os"
	"sync"
	"time"

	"github.com/thisnick/agent-rdp/internal/codec"
)

func pid() int { return os.Getpid() }

// State is the connection lifecycle state (spec.md §3 "Session").
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// ChannelTable maps a negotiated channel id to its kind.
type ChannelTable map[codec.ChannelID]codec.ChannelKind

// Connection is exclusively owned by the Session once established
// (spec.md §3 "Connection").
type Connection struct {
	Host string
	Port int

	mu           sync.RWMutex
	channels     ChannelTable
	pointerX     int
	pointerY     int
	frameCounter uint64
}

// NewConnection records the negotiated channel table for a freshly
// established connection.
func NewConnection(host string, port int, channels ChannelTable) *Connection {
	return &Connection{Host: host, Port: port, channels: channels}
}

// Channels returns a copy of the negotiated channel id -> kind table.
func (c *Connection) Channels() ChannelTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(ChannelTable, len(c.channels))
	for k, v := range c.channels {
		out[k] = v
	}
	return out
}

// ChannelByKind returns the first channel id registered for kind.
func (c *Connection) ChannelByKind(kind codec.ChannelKind) (codec.ChannelID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, k := range c.channels {
		if k == kind {
			return id, true
		}
	}
	return 0, false
}

// SetPointer records the latest known pointer position.
func (c *Connection) SetPointer(x, y int) {
	c.mu.Lock()
	c.pointerX, c.pointerY = x, y
	c.mu.Unlock()
}

// Pointer returns the latest known pointer position.
func (c *Connection) Pointer() (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pointerX, c.pointerY
}

// NextFrame increments and returns the monotonic frame counter.
func (c *Connection) NextFrame() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameCounter++
	return c.frameCounter
}

// Session is the daemon's top-level identity and lifecycle record
// (spec.md §3 "Session"). Its name is the caller-chosen session identity.
type Session struct {
	Name string

	mu        sync.RWMutex
	state     State
	conn      *Connection
	width     int
	height    int
	ownerPID  int
	startedAt time.Time
	bytesIn   uint64
	bytesOut  uint64
}

// New creates a fresh, disconnected session.
func New(name string) *Session {
	return &Session{
		Name:      name,
		state:     StateDisconnected,
		ownerPID:  pid(),
		startedAt: time.Now(),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connection returns the active connection, or nil if not connected.
func (s *Session) Connection() *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// BeginConnect transitions disconnected -> connecting. Returns false if a
// connection attempt or live connection already exists.
func (s *Session) BeginConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting || s.state == StateConnected {
		return false
	}
	s.state = StateConnecting
	return true
}

// CompleteConnect installs conn and transitions to connected, recording
// the negotiated desktop size.
func (s *Session) CompleteConnect(conn *Connection, width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.width, s.height = width, height
	s.state = StateConnected
}

// FailConnect transitions to disconnected after a failed connection
// attempt, clearing any partial connection state (spec.md §4.1 "no
// partial connection is exposed to clients").
func (s *Session) FailConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	s.state = StateDisconnected
}

// MarkFailed transitions an established connection to failed after a
// stream-level fault (spec.md §4.2, §7).
func (s *Session) MarkFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
}

// Disconnect clears the connection and returns to disconnected. Returns
// false if the session was already disconnected (spec.md §8 "idempotent
// disconnect").
func (s *Session) Disconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.conn = nil
	s.state = StateDisconnected
	return true
}

// DesktopSize returns the negotiated width/height.
func (s *Session) DesktopSize() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height
}

// AddBytes accumulates the monotonic in/out byte counters.
func (s *Session) AddBytes(in, out uint64) {
	s.mu.Lock()
	s.bytesIn += in
	s.bytesOut += out
	s.mu.Unlock()
}

// Info is a serializable status snapshot (backs the session_info command).
type Info struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	OwnerPID  int       `json:"ownerPid"`
	StartedAt time.Time `json:"startedAt"`
	Uptime    float64   `json:"uptimeSeconds"`
	BytesIn   uint64    `json:"bytesIn"`
	BytesOut  uint64    `json:"bytesOut"`
}

// Info returns a snapshot suitable for the session_info response.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Name:      s.Name,
		State:     s.state,
		Width:     s.width,
		Height:    s.height,
		OwnerPID:  s.ownerPID,
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Seconds(),
		BytesIn:   s.bytesIn,
		BytesOut:  s.bytesOut,
	}
}
