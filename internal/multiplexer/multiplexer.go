// Package multiplexer is the single owner of the authenticated RDP stream
// (spec.md §4.2): it demultiplexes inbound PDUs to subscribed channel
// handlers and serializes outbound PDUs from every producer. Grounded on
// sessionbroker.Broker's accept-loop/single-connection-owner shape and
// sessionbroker.Session's RecvLoop, generalized from one IPC connection to
// the many logical channels riding one RDP stream.
package multiplexer

import (
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/codec"
	"github.com/thisnick/agent-rdp/internal/logging"
)

var log = logging.L("multiplexer")

// Handler receives inbound PDUs for one channel, including the 8-byte
// channel-PDU header the multiplexer does NOT strip (callers needing a
// channel handle, e.g. the automation DVC handler, strip it themselves via
// codec.DecodeChannelHeader). HandleInbound is called synchronously from
// the multiplexer's single read pump and MUST NOT block — slow work
// belongs on the handler's own worker goroutine, never the shared reader
// (spec.md §4.2, §5).
type Handler interface {
	HandleInbound(raw []byte)
	// HandleClosed is called once, from Close, when the stream has failed
	// or been shut down. Every pending operation the handler owns should
	// resolve with channel_closed from here.
	HandleClosed()
}

type outboundPDU struct {
	channel codec.ChannelID
	payload []byte
}

const outboundQueueDepth = 256

// Multiplexer owns one authenticated byte stream end to end.
type Multiplexer struct {
	stream io.ReadWriteCloser

	mu       sync.RWMutex
	handlers map[codec.ChannelID]Handler

	outbound  chan outboundPDU
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a Multiplexer over an already-authenticated stream. Run
// must be called to start the read/write pumps.
func New(stream io.ReadWriteCloser) *Multiplexer {
	return &Multiplexer{
		stream:   stream,
		handlers: make(map[codec.ChannelID]Handler),
		outbound: make(chan outboundPDU, outboundQueueDepth),
		done:     make(chan struct{}),
	}
}

// Subscribe registers handler as the sole recipient of inbound PDUs on
// channel. Subscribing after Run has started is safe.
func (m *Multiplexer) Subscribe(channel codec.ChannelID, handler Handler) {
	m.mu.Lock()
	m.handlers[channel] = handler
	m.mu.Unlock()
}

// Unsubscribe removes a channel's handler, used when a dynamic virtual
// channel closes independently of the whole stream.
func (m *Multiplexer) Unsubscribe(channel codec.ChannelID) {
	m.mu.Lock()
	delete(m.handlers, channel)
	m.mu.Unlock()
}

// Send enqueues one outbound PDU for channel. FIFO per channel id; across
// channels ordering is unspecified, but no PDU's bytes ever interleave with
// another's on the wire (spec.md §4.2, §8 "channel write atomicity").
func (m *Multiplexer) Send(channel codec.ChannelID, payload []byte) error {
	select {
	case m.outbound <- outboundPDU{channel: channel, payload: payload}:
		return nil
	case <-m.done:
		return apperr.New(apperr.ChannelClosed, "multiplexer stopped")
	}
}

// Run starts the read and write pumps and blocks until the stream fails or
// Close is called. Both pumps run concurrently on the same stream; writes
// are serialized by writeMu held only for the duration of one PDU write.
// errgroup.Group coordinates the pair: whichever pump fails first closes
// the stream (unblocking the other), and Wait returns its error.
func (m *Multiplexer) Run() error {
	var g errgroup.Group
	g.Go(m.readPump)
	g.Go(m.writePump)

	err := g.Wait()
	m.Close()
	return err
}

func (m *Multiplexer) readPump() error {
	for {
		raw, err := codec.ReadPDU(m.stream)
		if err != nil {
			m.Close()
			return err
		}
		channel, _, ok := codec.DecodeChannelHeader(raw)
		if !ok {
			log.Warn("dropping PDU shorter than channel header", "len", len(raw))
			continue
		}

		m.mu.RLock()
		handler, found := m.handlers[channel]
		m.mu.RUnlock()

		if !found {
			log.Warn("no handler subscribed for channel", "channel", channel)
			continue
		}
		handler.HandleInbound(raw)
	}
}

func (m *Multiplexer) writePump() error {
	for {
		select {
		case pdu := <-m.outbound:
			record := append(codec.EncodeChannelHeader(pdu.channel, len(pdu.payload)), pdu.payload...)
			m.writeMu.Lock()
			err := codec.WritePDU(m.stream, record)
			m.writeMu.Unlock()
			if err != nil {
				log.Warn("write pump stream error", "error", err)
				m.Close()
				return err
			}
		case <-m.done:
			return nil
		}
	}
}

// Close tears down the multiplexer, closes the stream, and notifies every
// subscribed handler with HandleClosed exactly once (spec.md §4.2 "If the
// stream closes unexpectedly, all handlers are notified with a
// channel_closed signal").
func (m *Multiplexer) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.stream.Close()

		m.mu.RLock()
		handlers := make([]Handler, 0, len(m.handlers))
		for _, h := range m.handlers {
			handlers = append(handlers, h)
		}
		m.mu.RUnlock()

		for _, h := range handlers {
			h.HandleClosed()
		}
	})
}
