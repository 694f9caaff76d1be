// Package rdptest provides an in-memory fake RDP guest for the end-to-end
// scenario tests spec.md §8 describes: it plays the server side of the
// TLS+NLA+capability-exchange sequence internal/rdp.Connect drives, then
// hands back the authenticated stream so a scenario can script per-channel
// traffic (an automation DVC handshake plus canned command replies, in
// particular). The NLA/capability wire knowledge here mirrors
// internal/rdp's own credssp_test.go fakeNLAServer, reimplemented at this
// package boundary since those helpers are unexported within package rdp.
package rdptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"math/big"
	"net"
	"time"

	"github.com/thisnick/agent-rdp/internal/codec"
)

// Peer is a fake RDP server listening on a loopback port.
type Peer struct {
	ln net.Listener
}

// Listen starts a fake peer on an ephemeral loopback port.
func Listen() (*Peer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &Peer{ln: ln}, nil
}

// Addr returns the host and port to dial, for ConnectParams.
func (p *Peer) Addr() (string, int) {
	a := p.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", a.Port
}

// Close stops accepting new connections.
func (p *Peer) Close() error { return p.ln.Close() }

// ChannelAssignment is one extra channel the connect confirm grants,
// beyond the implicit graphics channel at id 0.
type ChannelAssignment struct {
	Kind codec.ChannelKind
	ID   codec.ChannelID
}

// Accept blocks for one inbound connection and drives the TLS, NLA, and
// capability-exchange handshake as the guest, granting the given desktop
// size and channel assignments. It returns the authenticated stream ready
// to carry channel-framed application traffic.
func (p *Peer) Accept(width, height int, extra ...ChannelAssignment) (net.Conn, error) {
	raw, err := p.ln.Accept()
	if err != nil {
		return nil, err
	}

	cert, err := selfSignedCert()
	if err != nil {
		raw.Close()
		return nil, err
	}
	tlsConn := tls.Server(raw, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, err
	}

	if err := serveNLA(tlsConn); err != nil {
		tlsConn.Close()
		return nil, err
	}
	if err := serveCapabilityExchange(tlsConn, width, height, extra); err != nil {
		tlsConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// SendChannelRecord frames payload with the channel-PDU header (spec.md
// §6's 8-byte channel id + length) and writes it as one length-framed PDU.
func SendChannelRecord(conn net.Conn, channel codec.ChannelID, payload []byte) error {
	record := append(codec.EncodeChannelHeader(channel, len(payload)), payload...)
	return codec.WritePDU(conn, record)
}

// ReadChannelRecord reads one length-framed PDU and strips its channel-PDU
// header, returning the channel id and bare payload.
func ReadChannelRecord(conn net.Conn) (codec.ChannelID, []byte, error) {
	raw, err := codec.ReadPDU(conn)
	if err != nil {
		return 0, nil, err
	}
	channel, _, ok := codec.DecodeChannelHeader(raw)
	if !ok {
		return 0, nil, errors.New("rdptest: record shorter than channel-PDU header")
	}
	return channel, raw[codec.ChannelHeaderSize:], nil
}

// tsRequest/negoToken mirror the CredSSP TSRequest ASN.1 shape
// internal/rdp's client side encodes (see internal/rdp/credssp.go).
type tsRequest struct {
	Version    int         `asn1:"explicit,tag:0"`
	NegoTokens []negoToken `asn1:"explicit,tag:1,optional"`
}

type negoToken struct {
	Token []byte `asn1:"explicit,tag:0"`
}

const credsspVersion = 6

func encodeTSRequest(token []byte) ([]byte, error) {
	return asn1.Marshal(tsRequest{Version: credsspVersion, NegoTokens: []negoToken{{Token: token}}})
}

func decodeTSRequest(raw []byte) ([]byte, error) {
	var req tsRequest
	if _, err := asn1.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if len(req.NegoTokens) == 0 {
		return nil, errors.New("rdptest: TSRequest carried no negotiation token")
	}
	return req.NegoTokens[0].Token, nil
}

const ntlmSignature = "NTLMSSP\x00"

// fakeChallengeMessage builds a minimal NTLM Type 2 message with no target
// info, enough for internal/rdp's parseChallengeMessage to accept.
func fakeChallengeMessage() []byte {
	buf := make([]byte, 48)
	copy(buf[0:8], ntlmSignature)
	buf[8] = 2 // message type 2, little-endian (high bytes already zero)
	copy(buf[24:32], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	buf[44] = 48 // target info offset; length field (40:42) stays zero
	return buf
}

// serveNLA plays the guest side of the NTLM/CredSSP exchange: read
// negotiate, reply with a challenge, read authenticate. Token contents are
// not validated; this fake only needs the handshake to complete so
// rdp.Connect proceeds to the capability exchange.
func serveNLA(conn net.Conn) error {
	negotiateTS, err := codec.ReadPDU(conn)
	if err != nil {
		return err
	}
	if _, err := decodeTSRequest(negotiateTS); err != nil {
		return err
	}

	challengeTS, err := encodeTSRequest(fakeChallengeMessage())
	if err != nil {
		return err
	}
	if err := codec.WritePDU(conn, challengeTS); err != nil {
		return err
	}

	authenticateTS, err := codec.ReadPDU(conn)
	if err != nil {
		return err
	}
	_, err = decodeTSRequest(authenticateTS)
	return err
}

// serveCapabilityExchange reads the client's connect request (its contents
// are unused by this fake) and replies with a connect confirm granting the
// requested desktop size and channel assignments, matching the wire shape
// internal/rdp's decodeConnectConfirm expects: width, height (uint16 each),
// a channel count byte, then kind/id pairs.
func serveCapabilityExchange(conn net.Conn, width, height int, extra []ChannelAssignment) error {
	if _, err := codec.ReadPDU(conn); err != nil {
		return err
	}

	buf := make([]byte, 5, 5+3*len(extra))
	binary.BigEndian.PutUint16(buf[0:2], uint16(width))
	binary.BigEndian.PutUint16(buf[2:4], uint16(height))
	buf[4] = byte(len(extra))
	for _, c := range extra {
		entry := make([]byte, 3)
		entry[0] = byte(c.Kind)
		binary.BigEndian.PutUint16(entry[1:3], uint16(c.ID))
		buf = append(buf, entry...)
	}
	return codec.WritePDU(conn, buf)
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "agent-rdp-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
