// Package codec implements the length-framed PDU encoding the RDP stream
// uses below the virtual-channel layer: a TPKT header (version, reserved,
// big-endian total length) wrapping each record, matching the framing
// kdsmith18542-gordp's client and rcarmo-go-rdp's internal/rdp client both
// layer their MCS/channel traffic over.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	tpktVersion    = 3
	tpktHeaderSize = 4
	// MaxPDUSize bounds a single record, TPKT header included; the TPKT
	// length field is 16 bits, so nothing larger can be framed (spec.md §7:
	// "unrecoverable codec error").
	MaxPDUSize = 0xFFFF
)

// ReadPDU reads one length-framed PDU from r, returning its payload (the
// bytes after the 4-byte TPKT header). It never returns a partial PDU: a
// short read is always surfaced as an error, never silently buffered.
func ReadPDU(r io.Reader) ([]byte, error) {
	var hdr [tpktHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != tpktVersion {
		return nil, fmt.Errorf("codec: bad TPKT version %#x", hdr[0])
	}
	total := binary.BigEndian.Uint16(hdr[2:4])
	if int(total) < tpktHeaderSize {
		return nil, fmt.Errorf("codec: PDU length %d shorter than header", total)
	}
	if int(total) > MaxPDUSize {
		return nil, fmt.Errorf("codec: PDU length %d exceeds maximum %d", total, MaxPDUSize)
	}

	payload := make([]byte, int(total)-tpktHeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WritePDU frames payload behind a TPKT header and writes it in one Write
// call so the multiplexer's writer-lock critical section never interleaves
// with another goroutine's bytes (spec.md §8 "channel write atomicity").
func WritePDU(w io.Writer, payload []byte) error {
	total := tpktHeaderSize + len(payload)
	if total > MaxPDUSize {
		return fmt.Errorf("codec: PDU length %d exceeds maximum %d", total, MaxPDUSize)
	}

	buf := make([]byte, total)
	buf[0] = tpktVersion
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[tpktHeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ChannelID identifies one static or dynamic virtual channel within the
// negotiated channel table (spec.md §3 "Connection... the active channel
// table (channel id -> kind)").
type ChannelID uint16

// ChannelKind distinguishes how a channel's payload is interpreted once
// demultiplexed.
type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelGraphics
	ChannelClipboard
	ChannelDrive
	ChannelDynamicTransport
	ChannelAutomationDVC
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelGraphics:
		return "graphics"
	case ChannelClipboard:
		return "clipboard"
	case ChannelDrive:
		return "drive"
	case ChannelDynamicTransport:
		return "drdynvc"
	case ChannelAutomationDVC:
		return "automation_dvc"
	default:
		return "unknown"
	}
}

// ChannelPDU is one demultiplexed record: which channel it belongs to plus
// its raw bytes, ready for the owning handler's decoder.
type ChannelPDU struct {
	Channel ChannelID
	Kind    ChannelKind
	Data    []byte
}

// ChannelHeaderSize is the size of the per-channel PDU header that precedes
// every channel payload: a 4-byte channel id and a 4-byte payload length
// (see EncodeChannelHeader). The automation DVC handler strips this same
// header (spec.md §6); there is no second header inside it.
const ChannelHeaderSize = 8

// EncodeChannelHeader writes the 8-byte channel-PDU header spec.md §6
// requires every DVC record carry: channel id (4 bytes) and payload length
// (4 bytes), both big-endian. The automation handler strips exactly this
// many bytes off each inbound record before parsing JSON.
func EncodeChannelHeader(channel ChannelID, payloadLen int) []byte {
	hdr := make([]byte, ChannelHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(channel))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(payloadLen))
	return hdr
}

// DecodeChannelHeader parses the 8-byte channel-PDU header, returning the
// channel id, declared payload length, and whether buf held enough bytes.
func DecodeChannelHeader(buf []byte) (channel ChannelID, payloadLen int, ok bool) {
	if len(buf) < ChannelHeaderSize {
		return 0, 0, false
	}
	channel = ChannelID(binary.BigEndian.Uint32(buf[0:4]))
	payloadLen = int(binary.BigEndian.Uint32(buf[4:8]))
	return channel, payloadLen, true
}
