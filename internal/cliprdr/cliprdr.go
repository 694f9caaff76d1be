// Package cliprdr encodes and decodes the clipboard virtual channel
// sub-protocol (spec.md §4.4, §GLOSSARY "CLIPRDR"). Only the subset the
// clipboard handler's state machine needs is implemented: capability
// exchange, format list announce/ack, and Unicode-text format data
// request/response — the daemon never negotiates richer clipboard formats
// (bitmaps, file lists) since spec.md's clipboard handler only models text.
package cliprdr

import "encoding/binary"

// PDU type identifiers from the CLIPRDR wire format.
const (
	MsgMonitorReady       uint16 = 0x0001
	MsgFormatList         uint16 = 0x0002
	MsgFormatListResponse uint16 = 0x0003
	MsgFormatDataRequest  uint16 = 0x0004
	MsgFormatDataResponse uint16 = 0x0005
	MsgCapabilities       uint16 = 0x0007
)

// CFUnicodeText is the standard clipboard format id for UTF-16LE text.
const CFUnicodeText uint32 = 13

const headerSize = 8

// Header is the common CLIPRDR PDU header: message type, flags, and the
// length of the data that follows.
type Header struct {
	MsgType  uint16
	MsgFlags uint16
	DataLen  uint32
}

func encodeHeader(msgType uint16, flags uint16, dataLen int) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], msgType)
	binary.LittleEndian.PutUint16(buf[2:4], flags)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dataLen))
	return buf
}

// PeekMsgType returns the message type of a raw CLIPRDR PDU without fully
// decoding it, so a caller can dispatch to the right Decode* function.
func PeekMsgType(buf []byte) (uint16, bool) {
	h, _, ok := decodeHeader(buf)
	if !ok {
		return 0, false
	}
	return h.MsgType, true
}

func decodeHeader(buf []byte) (Header, []byte, bool) {
	if len(buf) < headerSize {
		return Header{}, nil, false
	}
	h := Header{
		MsgType:  binary.LittleEndian.Uint16(buf[0:2]),
		MsgFlags: binary.LittleEndian.Uint16(buf[2:4]),
		DataLen:  binary.LittleEndian.Uint32(buf[4:8]),
	}
	return h, buf[headerSize:], true
}

// EncodeFormatList announces a single CF_UNICODETEXT format to the peer
// (spec.md §4.4 set(text): "announces the text format to the server").
func EncodeFormatList() []byte {
	body := make([]byte, 4+2) // format id + empty name
	binary.LittleEndian.PutUint32(body[0:4], CFUnicodeText)
	return append(encodeHeader(MsgFormatList, 0, len(body)), body...)
}

// DecodeFormatList reports whether the peer's announced format list
// includes CF_UNICODETEXT; that is the only format the shadow tracks.
func DecodeFormatList(buf []byte) (hasUnicodeText bool, ok bool) {
	h, body, ok := decodeHeader(buf)
	if !ok || h.MsgType != MsgFormatList {
		return false, false
	}
	for len(body) >= 6 {
		id := binary.LittleEndian.Uint32(body[0:4])
		if id == CFUnicodeText {
			return true, true
		}
		body = body[6:]
	}
	return false, true
}

// EncodeFormatListResponse acknowledges a peer's format-list announcement.
func EncodeFormatListResponse(ok bool) []byte {
	flags := uint16(1)
	if !ok {
		flags = 2
	}
	return encodeHeader(MsgFormatListResponse, flags, 0)
}

// EncodeFormatDataRequest asks the peer for the content of the given format
// (spec.md §4.4 get(): "issues a format-list request, awaits a format-data
// response").
func EncodeFormatDataRequest(formatID uint32) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, formatID)
	return append(encodeHeader(MsgFormatDataRequest, 0, len(body)), body...)
}

// DecodeFormatDataRequest reports the requested format id.
func DecodeFormatDataRequest(buf []byte) (formatID uint32, ok bool) {
	h, body, ok := decodeHeader(buf)
	if !ok || h.MsgType != MsgFormatDataRequest || len(body) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(body), true
}

// EncodeFormatDataResponse carries UTF-16LE text back to the requester.
func EncodeFormatDataResponse(text string) []byte {
	utf16 := encodeUTF16LE(text)
	// Trailing null terminator per CF_UNICODETEXT convention.
	body := append(utf16, 0x00, 0x00)
	return append(encodeHeader(MsgFormatDataResponse, 1, len(body)), body...)
}

// DecodeFormatDataResponse extracts the Unicode text content, or empty
// string if the peer reported failure (spec.md §4.4 get(): "returns the
// Unicode text content or empty").
func DecodeFormatDataResponse(buf []byte) (text string, ok bool) {
	h, body, ok := decodeHeader(buf)
	if !ok || h.MsgType != MsgFormatDataResponse {
		return "", false
	}
	if h.MsgFlags&1 == 0 {
		return "", true
	}
	return decodeUTF16LE(trimTrailingNull(body)), true
}

func encodeUTF16LE(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 0, len(runes)*2)
	for _, r := range runes {
		if r > 0xFFFF {
			r1, r2 := utf16Surrogates(r)
			buf = appendUint16LE(buf, r1)
			buf = appendUint16LE(buf, r2)
			continue
		}
		buf = appendUint16LE(buf, uint16(r))
	}
	return buf
}

func appendUint16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func utf16Surrogates(r rune) (uint16, uint16) {
	r -= 0x10000
	return uint16(0xD800 + (r >> 10)), uint16(0xDC00 + (r & 0x3FF))
}

func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, uint16(b[i])|uint16(b[i+1])<<8)
	}
	return decodeUTF16Units(units)
}

func decodeUTF16Units(units []uint16) string {
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xD800 && u <= 0xDBFF && i+1 < len(units) {
			u2 := units[i+1]
			if u2 >= 0xDC00 && u2 <= 0xDFFF {
				r := (rune(u-0xD800) << 10) | rune(u2-0xDC00)
				runes = append(runes, r+0x10000)
				i++
				continue
			}
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}

func trimTrailingNull(b []byte) []byte {
	for len(b) >= 2 && b[len(b)-1] == 0 && b[len(b)-2] == 0 {
		b = b[:len(b)-2]
	}
	return b
}
