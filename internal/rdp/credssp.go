// CredSSP (MS-CSSP) TSRequest framing for the NLA handshake: wraps the NTLM
// negotiate/challenge/authenticate tokens built in ntlm.go inside the
// ASN.1 DER TSRequest structure CredSSP carries over the TLS-protected
// stream, and drives the three-message exchange. Full CredSSP (public-key
// binding via authInfo/pubKeyAuth, SPNEGO wrapping multiple mechanisms) is
// out of scope; this implements the NTLM-only negotiation path spec.md §6
// names.
package rdp

import (
	"encoding/asn1"
	"io"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/codec"
)

// tsRequest mirrors the subset of MS-CSSP's TSRequest sequence this client
// exchanges: a version and a list of negotiation tokens.
type tsRequest struct {
	Version    int `asn1:"explicit,tag:0"`
	NegoTokens []negoToken `asn1:"explicit,tag:1,optional"`
}

type negoToken struct {
	Token []byte `asn1:"explicit,tag:0"`
}

const credsspVersion = 6

func encodeTSRequest(token []byte) ([]byte, error) {
	req := tsRequest{
		Version:    credsspVersion,
		NegoTokens: []negoToken{{Token: token}},
	}
	return asn1.Marshal(req)
}

func decodeTSRequest(raw []byte) ([]byte, error) {
	var req tsRequest
	if _, err := asn1.Unmarshal(raw, &req); err != nil {
		return nil, apperr.Wrap(apperr.AuthenticationFailed, "decode CredSSP TSRequest", err)
	}
	if len(req.NegoTokens) == 0 {
		return nil, apperr.New(apperr.AuthenticationFailed, "CredSSP TSRequest carried no negotiation token")
	}
	return req.NegoTokens[0].Token, nil
}

// performNLA drives the three-message NTLM-over-CredSSP exchange: send
// negotiate, receive challenge, send authenticate. A failure at any step
// is fatal and pre-activation (spec.md §4.1 "authentication_failed").
func performNLA(stream io.ReadWriter, username, password, domain string) error {
	negotiate := buildNegotiateMessage()
	negotiateTS, err := encodeTSRequest(negotiate)
	if err != nil {
		return apperr.Wrap(apperr.AuthenticationFailed, "encode NTLM negotiate TSRequest", err)
	}
	if err := codec.WritePDU(stream, negotiateTS); err != nil {
		return apperr.Wrap(apperr.AuthenticationFailed, "send NTLM negotiate", err)
	}

	challengeTS, err := codec.ReadPDU(stream)
	if err != nil {
		return apperr.Wrap(apperr.AuthenticationFailed, "read NTLM challenge", err)
	}
	challengeToken, err := decodeTSRequest(challengeTS)
	if err != nil {
		return err
	}
	cm, err := parseChallengeMessage(challengeToken)
	if err != nil {
		return err
	}

	resp, err := computeNTLMv2Response(username, password, domain, cm)
	if err != nil {
		return err
	}
	authenticate := buildAuthenticateMessage(username, domain, "", resp)
	authenticateTS, err := encodeTSRequest(authenticate)
	if err != nil {
		return apperr.Wrap(apperr.AuthenticationFailed, "encode NTLM authenticate TSRequest", err)
	}
	if err := codec.WritePDU(stream, authenticateTS); err != nil {
		return apperr.Wrap(apperr.AuthenticationFailed, "send NTLM authenticate", err)
	}

	return nil
}
