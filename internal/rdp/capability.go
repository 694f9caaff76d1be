// Capability PDU exchange for the connection core (spec.md §4.1): after NLA
// completes, the client advertises the channels it wants (graphics is
// implicit; clipboard, drive, and the automation DVC are each requested by
// name) and the server replies with the negotiated desktop size and the
// assigned channel id for each. Modeled after MS-RDPBCGR's Demand Active /
// Confirm Active semantics but encoded compactly for this daemon's own
// connection core rather than the full GCC/MCS conference-creation
// sequence, matching the scope already taken for fast-path input PDUs in
// internal/graphics. Byte-packing style grounded on internal/dvc's
// command-byte-plus-fields framing.
package rdp

import (
	"encoding/binary"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/codec"
)

// wantedChannel is one channel the client asks the server to activate.
type wantedChannel struct {
	Kind codec.ChannelKind
	Name string
}

func encodeConnectRequest(wantDrive, wantAutomation bool, automationChannelName string) []byte {
	var wanted []wantedChannel
	wanted = append(wanted, wantedChannel{Kind: codec.ChannelClipboard, Name: "cliprdr"})
	if wantDrive {
		wanted = append(wanted, wantedChannel{Kind: codec.ChannelDrive, Name: "rdpdr"})
	}
	if wantAutomation {
		wanted = append(wanted, wantedChannel{Kind: codec.ChannelAutomationDVC, Name: automationChannelName})
	}

	buf := []byte{byte(len(wanted))}
	for _, w := range wanted {
		buf = append(buf, byte(w.Kind))
		buf = append(buf, byte(len(w.Name)))
		buf = append(buf, []byte(w.Name)...)
	}
	return buf
}

// connectConfirm is the server's reply: negotiated desktop size and the
// concrete channel id assigned to each requested kind, keyed by Kind.
type connectConfirm struct {
	Width, Height int
	Channels      map[codec.ChannelKind]codec.ChannelID
}

func decodeConnectConfirm(buf []byte) (*connectConfirm, error) {
	if len(buf) < 5 {
		return nil, apperr.New(apperr.ConnectionFailed, "malformed connect confirm")
	}
	width := int(binary.BigEndian.Uint16(buf[0:2]))
	height := int(binary.BigEndian.Uint16(buf[2:4]))
	count := int(buf[4])

	channels := make(map[codec.ChannelKind]codec.ChannelID, count)
	off := 5
	for i := 0; i < count; i++ {
		if off+3 > len(buf) {
			return nil, apperr.New(apperr.ConnectionFailed, "truncated connect confirm channel entry")
		}
		kind := codec.ChannelKind(buf[off])
		id := codec.ChannelID(binary.BigEndian.Uint16(buf[off+1 : off+3]))
		channels[kind] = id
		off += 3
	}

	if width <= 0 || height <= 0 {
		return nil, apperr.New(apperr.ConnectionFailed, "server reported non-positive desktop size")
	}
	return &connectConfirm{Width: width, Height: height, Channels: channels}, nil
}
