// Package dvc implements the dynamic-virtual-channel handshake that sits
// inside the transport static channel: create/open/close negotiation and
// data-message framing, grounded on the CreateRequest/OpenRequest/
// CloseRequest handling in kdsmith18542-gordp's dvcManager.
package dvc

import (
	"encoding/binary"
	"fmt"
)

// PDU command identifiers for the dynamic channel transport, matching the
// command nibble gordp's handleCreateRequest/handleDataMessage switch on.
const (
	CmdCreate byte = 0x01
	CmdData   byte = 0x02
	CmdClose  byte = 0x03
)

// CreateRequest asks the peer to open a named dynamic channel. No other
// package in this repository uses it: the "AgentRdp::Automation" channel
// is requested by name in internal/rdp's connect request.
type CreateRequest struct {
	ChannelID uint32
	Name      string
}

// Encode serializes a create request: command byte, channel id, then the
// null-terminated channel name.
func (r CreateRequest) Encode() []byte {
	buf := make([]byte, 0, 1+4+len(r.Name)+1)
	buf = append(buf, CmdCreate)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], r.ChannelID)
	buf = append(buf, idBuf[:]...)
	buf = append(buf, []byte(r.Name)...)
	buf = append(buf, 0x00)
	return buf
}

// DecodeCreateRequest parses a create request PDU.
func DecodeCreateRequest(buf []byte) (CreateRequest, error) {
	if len(buf) < 6 || buf[0] != CmdCreate {
		return CreateRequest{}, fmt.Errorf("dvc: malformed create request")
	}
	id := binary.BigEndian.Uint32(buf[1:5])
	name := buf[5:]
	if i := indexZero(name); i >= 0 {
		name = name[:i]
	}
	return CreateRequest{ChannelID: id, Name: string(name)}, nil
}

// CreateResponse acknowledges (or rejects, via a non-zero Status) a create
// request.
type CreateResponse struct {
	ChannelID uint32
	Status    uint32
}

func (r CreateResponse) Encode() []byte {
	buf := make([]byte, 9)
	buf[0] = CmdCreate
	binary.BigEndian.PutUint32(buf[1:5], r.ChannelID)
	binary.BigEndian.PutUint32(buf[5:9], r.Status)
	return buf
}

func DecodeCreateResponse(buf []byte) (CreateResponse, error) {
	if len(buf) < 9 || buf[0] != CmdCreate {
		return CreateResponse{}, fmt.Errorf("dvc: malformed create response")
	}
	return CreateResponse{
		ChannelID: binary.BigEndian.Uint32(buf[1:5]),
		Status:    binary.BigEndian.Uint32(buf[5:9]),
	}, nil
}

// DataMessage carries one whole application-layer record for an already-open
// dynamic channel. The automation handler does not use it; it frames its
// JSON records with internal/codec's channel header.
type DataMessage struct {
	ChannelID uint32
	Payload   []byte
}

func (m DataMessage) Encode() []byte {
	buf := make([]byte, 0, 5+len(m.Payload))
	buf = append(buf, CmdData)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], m.ChannelID)
	buf = append(buf, idBuf[:]...)
	buf = append(buf, m.Payload...)
	return buf
}

func DecodeDataMessage(buf []byte) (DataMessage, error) {
	if len(buf) < 5 || buf[0] != CmdData {
		return DataMessage{}, fmt.Errorf("dvc: malformed data message")
	}
	return DataMessage{
		ChannelID: binary.BigEndian.Uint32(buf[1:5]),
		Payload:   buf[5:],
	}, nil
}

// CloseMessage tears down a dynamic channel from either side.
type CloseMessage struct {
	ChannelID uint32
}

func (m CloseMessage) Encode() []byte {
	buf := make([]byte, 5)
	buf[0] = CmdClose
	binary.BigEndian.PutUint32(buf[1:5], m.ChannelID)
	return buf
}

func DecodeCloseMessage(buf []byte) (CloseMessage, error) {
	if len(buf) < 5 || buf[0] != CmdClose {
		return CloseMessage{}, fmt.Errorf("dvc: malformed close message")
	}
	return CloseMessage{ChannelID: binary.BigEndian.Uint32(buf[1:5])}, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0x00 {
			return i
		}
	}
	return -1
}
