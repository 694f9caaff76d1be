// NTLM message construction for the NLA handshake (spec.md §4.1, §6 "RDP
// with NLA/CredSSP over TLS"). Implements the NTLMv2 variant of MS-NLMP:
// negotiate, parse challenge, compute the NTLMv2 response, build
// authenticate. Grounded on the daemon's domain-stack requirement to wire
// golang.org/x/crypto/md4 (the NT hash is MD4 of the UTF-16LE password);
// HMAC-MD5 (NTLMv2's HMAC step) comes from the standard library, since no
// corpus example carries a third-party HMAC implementation.
package rdp

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/md4"

	"github.com/thisnick/agent-rdp/internal/apperr"
)

const ntlmSignature = "NTLMSSP\x00"

// NTLM negotiate flags this client advertises (subset relevant to NTLMv2 +
// Unicode + extended session security).
const (
	flagNegotiateUnicode       uint32 = 0x00000001
	flagNegotiateNTLM          uint32 = 0x00000200
	flagNegotiateAlwaysSign    uint32 = 0x00008000
	flagNegotiateExtendedSess  uint32 = 0x00080000
	flagNegotiateTargetInfo    uint32 = 0x00800000
	flagNegotiate128           uint32 = 0x20000000
	flagNegotiate56            uint32 = 0x80000000
)

func clientNegotiateFlags() uint32 {
	return flagNegotiateUnicode | flagNegotiateNTLM | flagNegotiateAlwaysSign |
		flagNegotiateExtendedSess | flagNegotiateTargetInfo | flagNegotiate128 | flagNegotiate56
}

// buildNegotiateMessage constructs an NTLM Type 1 message (MS-NLMP
// §2.2.1.1). No domain/workstation names are supplied; they're optional
// when NTLMSSP_NEGOTIATE_OEM_DOMAIN_SUPPLIED is unset.
func buildNegotiateMessage() []byte {
	buf := make([]byte, 32)
	copy(buf[0:8], ntlmSignature)
	binary.LittleEndian.PutUint32(buf[8:12], 1) // message type
	binary.LittleEndian.PutUint32(buf[12:16], clientNegotiateFlags())
	// domain/workstation fields: len=0, maxlen=0, offset=32 (empty).
	binary.LittleEndian.PutUint32(buf[28:32], 32)
	return buf
}

// challengeMessage holds the fields of an NTLM Type 2 message this client
// needs to compute its response.
type challengeMessage struct {
	serverChallenge [8]byte
	targetInfo      []byte
}

func parseChallengeMessage(raw []byte) (*challengeMessage, error) {
	if len(raw) < 48 || !bytes.Equal(raw[0:8], []byte(ntlmSignature)) {
		return nil, apperr.New(apperr.AuthenticationFailed, "malformed NTLM challenge message")
	}
	msgType := binary.LittleEndian.Uint32(raw[8:12])
	if msgType != 2 {
		return nil, apperr.Newf(apperr.AuthenticationFailed, "expected NTLM message type 2, got %d", msgType)
	}

	cm := &challengeMessage{}
	copy(cm.serverChallenge[:], raw[24:32])

	tiLen := binary.LittleEndian.Uint16(raw[40:42])
	tiOffset := binary.LittleEndian.Uint32(raw[44:48])
	if tiLen > 0 {
		end := int(tiOffset) + int(tiLen)
		if end > len(raw) {
			return nil, apperr.New(apperr.AuthenticationFailed, "NTLM target info out of bounds")
		}
		cm.targetInfo = raw[tiOffset:end]
	}
	return cm, nil
}

// ntlmHash is MD4(UTF16LE(password)) per MS-NLMP §3.3.1.
func ntlmHash(password string) []byte {
	h := md4.New()
	h.Write(encodeUTF16LE(password))
	return h.Sum(nil)
}

// ntlmv2Hash is HMAC-MD5(ntlmHash, UTF16LE(upper(username) + domain)).
func ntlmv2Hash(password, username, domain string) []byte {
	key := ntlmHash(password)
	mac := hmac.New(md5.New, key)
	mac.Write(encodeUTF16LE(upperASCII(username) + domain))
	return mac.Sum(nil)
}

func upperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func encodeUTF16LE(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 0, len(runes)*2)
	for _, r := range runes {
		if r > 0xFFFF {
			r -= 0x10000
			hi := uint16(0xD800 + (r >> 10))
			lo := uint16(0xDC00 + (r & 0x3FF))
			buf = append(buf, byte(hi), byte(hi>>8), byte(lo), byte(lo>>8))
			continue
		}
		v := uint16(r)
		buf = append(buf, byte(v), byte(v>>8))
	}
	return buf
}

// authenticateResult carries everything needed to build the Type 3 message.
type authenticateResult struct {
	ntChallengeResponse []byte
	sessionKey          []byte
}

// computeNTLMv2Response implements the core of MS-NLMP §3.3.2: build the
// NTLMv2 "blob" (timestamp + client challenge + target info), HMAC it
// alongside the server challenge, and prepend the HMAC to form the full
// NTChallengeResponse.
func computeNTLMv2Response(username, password, domain string, cm *challengeMessage) (*authenticateResult, error) {
	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, apperr.Wrap(apperr.AuthenticationFailed, "generate NTLMv2 client challenge", err)
	}

	timestamp := ntlmTimestamp(time.Now())

	blob := make([]byte, 0, 28+len(cm.targetInfo)+4)
	blob = append(blob, 0x01, 0x01, 0x00, 0x00) // blob signature + reserved
	blob = append(blob, timestamp...)
	blob = append(blob, clientChallenge...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00) // reserved
	blob = append(blob, cm.targetInfo...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00) // terminating reserved

	ntlmv2h := ntlmv2Hash(password, username, domain)
	mac := hmac.New(md5.New, ntlmv2h)
	mac.Write(cm.serverChallenge[:])
	mac.Write(blob)
	nthmac := mac.Sum(nil)

	response := append(append([]byte{}, nthmac...), blob...)

	sessionKeyMAC := hmac.New(md5.New, ntlmv2h)
	sessionKeyMAC.Write(nthmac)
	sessionKey := sessionKeyMAC.Sum(nil)

	return &authenticateResult{ntChallengeResponse: response, sessionKey: sessionKey}, nil
}

func ntlmTimestamp(t time.Time) []byte {
	// NTLM timestamps are 100ns intervals since 1601-01-01, little-endian.
	epochDelta := int64(11644473600)
	ticks := uint64(t.Unix()+epochDelta) * 10000000
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, ticks)
	return buf
}

// buildAuthenticateMessage constructs an NTLM Type 3 message (MS-NLMP
// §2.2.1.3) carrying only the NT response (LM response left empty, which
// servers accept once NTLMv2 is negotiated).
func buildAuthenticateMessage(username, domain, workstation string, res *authenticateResult) []byte {
	domainU := encodeUTF16LE(domain)
	userU := encodeUTF16LE(username)
	wsU := encodeUTF16LE(workstation)

	const headerLen = 64
	offset := uint32(headerLen)

	lmOffset := offset
	offset += 24 // empty LM response placeholder length, kept zero-length below

	ntOffset := offset
	offset += uint32(len(res.ntChallengeResponse))

	domainOffset := offset
	offset += uint32(len(domainU))

	userOffset := offset
	offset += uint32(len(userU))

	wsOffset := offset
	offset += uint32(len(wsU))

	buf := make([]byte, offset)
	copy(buf[0:8], ntlmSignature)
	binary.LittleEndian.PutUint32(buf[8:12], 3)

	putField(buf[12:20], 0, lmOffset) // empty LM response
	putField(buf[20:28], len(res.ntChallengeResponse), ntOffset)
	putField(buf[28:36], len(domainU), domainOffset)
	putField(buf[36:44], len(userU), userOffset)
	putField(buf[44:52], len(wsU), wsOffset)
	putField(buf[52:60], 0, 0) // session key field, unused
	binary.LittleEndian.PutUint32(buf[60:64], clientNegotiateFlags())

	copy(buf[ntOffset:], res.ntChallengeResponse)
	copy(buf[domainOffset:], domainU)
	copy(buf[userOffset:], userU)
	copy(buf[wsOffset:], wsU)

	return buf
}

func putField(b []byte, length int, offset uint32) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(length))
	binary.LittleEndian.PutUint16(b[2:4], uint16(length))
	binary.LittleEndian.PutUint32(b[4:8], offset)
}
