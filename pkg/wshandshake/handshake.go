// Package wshandshake builds and validates the WebSocket client upgrade
// handshake: the HTTP/1.1 Upgrade request (or the HTTP/2 extended-CONNECT
// request, RFC 8441), Sec-WebSocket-Accept validation, and permessage-deflate
// extension negotiation (RFC 7692).
package wshandshake

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ramaproxy/rama/pkg/errors"
	"github.com/ramaproxy/rama/pkg/httptype"
)

// GUID is the magic value concatenated with the client key before hashing
// to produce Sec-WebSocket-Accept (RFC 6455 §1.3).
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ProtocolVersion is the only WebSocket protocol version this package
// speaks, per RFC 6455.
const ProtocolVersion = "13"

// DeflateOffer is the client's permessage-deflate offer.
type DeflateOffer struct {
	Enabled                bool
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	// ServerMaxWindowBits/ClientMaxWindowBits of 0 omits the parameter.
	// A nonzero ServerMaxWindowBits is offered as "=N"; a nonzero
	// ClientMaxWindowBits is offered valueless (RFC 7692 §7.1.2) and is the
	// largest value accepted from the peer's answer.
	ServerMaxWindowBits int
	ClientMaxWindowBits int
}

// DefaultDeflateOffer returns the default offer: permessage-deflate
// with a valueless client_max_window_bits, both context-takeover flags
// unset.
func DefaultDeflateOffer() DeflateOffer {
	return DeflateOffer{Enabled: true, ClientMaxWindowBits: 15}
}

// Request is everything needed to build the upgrade request.
type Request struct {
	Host       string
	Path       string
	Subprotocols []string
	Deflate    DeflateOffer
	// UseH2ExtendedConnect builds an RFC 8441 extended-CONNECT request
	// (":protocol: websocket", no Sec-WebSocket-Key) instead of an
	// HTTP/1.1 Upgrade request.
	UseH2ExtendedConnect bool
}

// Build constructs the upgrade (or extended-CONNECT) request and returns
// the client key used, so the caller can validate the response against it
// (empty for the H2 path, which carries no key).
func Build(r Request) (*httptype.Request, string, error) {
	if r.UseH2ExtendedConnect {
		return buildH2ExtendedConnect(r), "", nil
	}
	return buildH1Upgrade(r)
}

func buildH1Upgrade(r Request) (*httptype.Request, string, error) {
	key, err := newClientKey()
	if err != nil {
		return nil, "", err
	}

	req := httptype.NewRequest("GET", nil)
	req.Proto = "HTTP/1.1"
	req.Host = r.Host
	req.Header.Set("Host", r.Host)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Version", ProtocolVersion)
	req.Header.Set("Sec-WebSocket-Key", key)
	if len(r.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(r.Subprotocols, ", "))
	}
	if ext := serializeDeflateOffer(r.Deflate); ext != "" {
		req.Header.Set("Sec-WebSocket-Extensions", ext)
	}
	return req, key, nil
}

func buildH2ExtendedConnect(r Request) *httptype.Request {
	req := httptype.NewRequest("CONNECT", nil)
	req.Proto = "HTTP/2.0"
	req.Host = r.Host
	// The ":protocol" pseudo-header is recorded as a header field here;
	// pkg/http2.ConnectStream lifts it into the pseudo-header block when
	// it encodes the stream's HEADERS frame. No Sec-WebSocket-Key on
	// HTTP/2: stream establishment replaces the key/accept exchange
	// (RFC 8441 section 5), but the version header is still required.
	req.Header.Set(":protocol", "websocket")
	req.Header.Set("Sec-WebSocket-Version", ProtocolVersion)
	if len(r.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(r.Subprotocols, ", "))
	}
	if ext := serializeDeflateOffer(r.Deflate); ext != "" {
		req.Header.Set("Sec-WebSocket-Extensions", ext)
	}
	return req
}

// newClientKey returns a random 16-byte, base64-encoded Sec-WebSocket-Key.
func newClientKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errors.NewIOError("generating websocket key", err)
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// AcceptKey computes Sec-WebSocket-Accept for a given client key, per RFC
// 6455 §1.3.
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// AcceptRequest validates an incoming HTTP/1.1 upgrade request (the
// server-role mirror of Build/ValidateH1Response) and builds the 101
// response that accepts it, picking the first of supportedSubprotocols
// the client also offered and narrowing its permessage-deflate offer
// against serverOffer the same way ValidateH1Response narrows a client's
// view of a server's response.
func AcceptRequest(req *httptype.Request, supportedSubprotocols []string, serverOffer DeflateOffer) (*httptype.Response, NegotiatedDeflate, error) {
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return nil, NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("missing or invalid Upgrade header")
	}
	if !strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade") {
		return nil, NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("missing or invalid Connection header")
	}
	if req.Header.Get("Sec-WebSocket-Version") != ProtocolVersion {
		return nil, NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("unsupported Sec-WebSocket-Version")
	}
	clientKey := req.Header.Get("Sec-WebSocket-Key")
	if clientKey == "" {
		return nil, NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("missing Sec-WebSocket-Key")
	}

	resp := httptype.NewResponse(101)
	resp.Header.Set("Upgrade", "websocket")
	resp.Header.Set("Connection", "Upgrade")
	resp.Header.Set("Sec-WebSocket-Accept", AcceptKey(clientKey))

	subprotocol := negotiateSubprotocol(req.Header.Get("Sec-WebSocket-Protocol"), supportedSubprotocols)
	if subprotocol != "" {
		resp.Header.Set("Sec-WebSocket-Protocol", subprotocol)
	}

	deflate, err := parseAndNarrowDeflate(req.Header.Get("Sec-WebSocket-Extensions"), serverOffer)
	if err != nil {
		return nil, NegotiatedDeflate{}, err
	}
	if deflate.Enabled {
		resp.Header.Set("Sec-WebSocket-Extensions", serializeDeflateOffer(DeflateOffer{
			Enabled:                 true,
			ServerNoContextTakeover: deflate.ServerNoContextTakeover,
			ClientNoContextTakeover: deflate.ClientNoContextTakeover,
			ServerMaxWindowBits:     deflate.ServerMaxWindowBits,
			ClientMaxWindowBits:     deflate.ClientMaxWindowBits,
		}))
	}

	return resp, deflate, nil
}

// AcceptH2Request validates an incoming RFC 8441 extended-CONNECT
// WebSocket request (the HTTP/2 mirror of AcceptRequest: no
// Upgrade/Connection tokens or Sec-WebSocket-Key exist on this path) and
// builds the 200 response headers that accept it, negotiating the
// subprotocol and permessage-deflate parameters the same way the
// HTTP/1.1 path does.
func AcceptH2Request(req *httptype.Request, supportedSubprotocols []string, serverOffer DeflateOffer) (*httptype.Response, NegotiatedDeflate, error) {
	if req.Header.Get("Sec-WebSocket-Version") != ProtocolVersion {
		return nil, NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("unsupported Sec-WebSocket-Version")
	}

	resp := httptype.NewResponse(200)

	subprotocol := negotiateSubprotocol(req.Header.Get("Sec-WebSocket-Protocol"), supportedSubprotocols)
	if subprotocol != "" {
		resp.Header.Set("Sec-WebSocket-Protocol", subprotocol)
	}

	deflate, err := parseAndNarrowDeflate(req.Header.Get("Sec-WebSocket-Extensions"), serverOffer)
	if err != nil {
		return nil, NegotiatedDeflate{}, err
	}
	if deflate.Enabled {
		resp.Header.Set("Sec-WebSocket-Extensions", serializeDeflateOffer(DeflateOffer{
			Enabled:                 true,
			ServerNoContextTakeover: deflate.ServerNoContextTakeover,
			ClientNoContextTakeover: deflate.ClientNoContextTakeover,
			ServerMaxWindowBits:     deflate.ServerMaxWindowBits,
			ClientMaxWindowBits:     deflate.ClientMaxWindowBits,
		}))
	}

	return resp, deflate, nil
}

// negotiateSubprotocol returns the first supported subprotocol present in
// the client's comma-separated offer, or "" if none match.
func negotiateSubprotocol(offered string, supported []string) string {
	if offered == "" {
		return ""
	}
	offeredSet := make(map[string]struct{})
	for _, p := range strings.Split(offered, ",") {
		offeredSet[strings.TrimSpace(p)] = struct{}{}
	}
	for _, s := range supported {
		if _, ok := offeredSet[s]; ok {
			return s
		}
	}
	return ""
}

// NegotiatedDeflate is the extension configuration actually installed on
// the engine after narrowing validation.
type NegotiatedDeflate struct {
	Enabled                 bool
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int
}

// Result is the outcome of a validated handshake: the accepted
// subprotocol (if any) and the negotiated extension configuration.
type Result struct {
	Subprotocol string
	Deflate     NegotiatedDeflate
}

// ValidateH1Response validates an HTTP/1.1 upgrade response against the
// request that produced clientKey and offer: status, Upgrade/Connection
// tokens, the accept key, and that any server-chosen subprotocol or
// extension stays within what was offered.
func ValidateH1Response(resp *httptype.Response, clientKey string, offeredProtocols []string, offer DeflateOffer) (Result, error) {
	if resp.StatusCode != 101 {
		return Result{}, errors.NewWSHandshakeValidationError(fmt.Sprintf("expected status 101, got %d", resp.StatusCode))
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return Result{}, errors.NewWSHandshakeValidationError("missing or invalid Upgrade header")
	}
	if !strings.Contains(strings.ToLower(resp.Header.Get("Connection")), "upgrade") {
		return Result{}, errors.NewWSHandshakeValidationError("missing or invalid Connection header")
	}
	accept := resp.Header.Get("Sec-WebSocket-Accept")
	if accept == "" || accept != AcceptKey(clientKey) {
		return Result{}, errors.NewWSHandshakeValidationError("Sec-WebSocket-Accept does not match the computed value")
	}
	return validateCommon(resp, offeredProtocols, offer)
}

// ValidateH2Response validates an RFC 8441 extended-CONNECT response.
func ValidateH2Response(resp *httptype.Response, offeredProtocols []string, offer DeflateOffer) (Result, error) {
	if resp.StatusCode != 200 {
		return Result{}, errors.NewWSHandshakeValidationError(fmt.Sprintf("expected status 200, got %d", resp.StatusCode))
	}
	return validateCommon(resp, offeredProtocols, offer)
}

func validateCommon(resp *httptype.Response, offeredProtocols []string, offer DeflateOffer) (Result, error) {
	var result Result

	if sp := resp.Header.Get("Sec-WebSocket-Protocol"); sp != "" {
		found := false
		for _, p := range offeredProtocols {
			if p == sp {
				found = true
				break
			}
		}
		if !found {
			return Result{}, errors.NewWSHandshakeValidationError("server chose a subprotocol the client did not offer")
		}
		result.Subprotocol = sp
	}

	if ext := resp.Header.Get("Sec-WebSocket-Extensions"); ext != "" {
		deflate, err := parseAndNarrowDeflate(ext, offer)
		if err != nil {
			return Result{}, err
		}
		result.Deflate = deflate
	}
	return result, nil
}

// serializeDeflateOffer renders a DeflateOffer into the semicolon-separated
// Sec-WebSocket-Extensions value, with parameters in the stable order spec
// section 6 requires.
func serializeDeflateOffer(o DeflateOffer) string {
	if !o.Enabled {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("permessage-deflate")
	if o.ServerNoContextTakeover {
		sb.WriteString("; server_no_context_takeover")
	}
	if o.ClientNoContextTakeover {
		sb.WriteString("; client_no_context_takeover")
	}
	if o.ServerMaxWindowBits != 0 {
		fmt.Fprintf(&sb, "; server_max_window_bits=%d", o.ServerMaxWindowBits)
	}
	if o.ClientMaxWindowBits != 0 {
		sb.WriteString("; client_max_window_bits")
	}
	return sb.String()
}

// parseAndNarrowDeflate parses the server's chosen permessage-deflate
// parameters and enforces the narrowing-only rule:
// server_max_window_bits/client_max_window_bits must fall within [8,15]
// and must not exceed whatever the client offered.
func parseAndNarrowDeflate(extHeader string, offer DeflateOffer) (NegotiatedDeflate, error) {
	// A Sec-WebSocket-Extensions value may list several extensions
	// comma-separated; we only understand permessage-deflate and ignore
	// the rest, matching how the server side of this negotiation would
	// also only ever echo what it understood.
	for _, extPart := range strings.Split(extHeader, ",") {
		params := strings.Split(extPart, ";")
		name := strings.TrimSpace(params[0])
		if name != "permessage-deflate" {
			continue
		}
		if !offer.Enabled {
			return NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("server accepted permessage-deflate but client did not offer it")
		}

		neg := NegotiatedDeflate{Enabled: true}
		seen := map[string]bool{}
		for _, p := range params[1:] {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			key, val, hasVal := strings.Cut(p, "=")
			key = strings.TrimSpace(key)
			val = strings.Trim(strings.TrimSpace(val), `"`)
			if seen[key] {
				return NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("duplicate extension parameter: " + key)
			}
			seen[key] = true

			switch key {
			case "server_no_context_takeover":
				neg.ServerNoContextTakeover = true
			case "client_no_context_takeover":
				neg.ClientNoContextTakeover = true
			case "server_max_window_bits":
				bits, err := parseWindowBits(val, hasVal)
				if err != nil {
					return NegotiatedDeflate{}, err
				}
				if offer.ServerMaxWindowBits != 0 && bits > offer.ServerMaxWindowBits {
					return NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("server_max_window_bits widens the client's offer")
				}
				neg.ServerMaxWindowBits = bits
			case "client_max_window_bits":
				bits, err := parseWindowBits(val, hasVal)
				if err != nil {
					return NegotiatedDeflate{}, err
				}
				if offer.ClientMaxWindowBits != 0 && bits > offer.ClientMaxWindowBits {
					return NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("client_max_window_bits widens the client's offer")
				}
				neg.ClientMaxWindowBits = bits
			default:
				return NegotiatedDeflate{}, errors.NewWSHandshakeValidationError("unknown permessage-deflate parameter: " + key)
			}
		}
		// client_no_context_takeover offered-but-unset is allowed to be
		// accepted by the server implicitly turning it on; a narrower
		// (more restrictive) response is always acceptable, never an error.
		return neg, nil
	}
	return NegotiatedDeflate{}, nil
}

func parseWindowBits(val string, hasVal bool) (int, error) {
	if !hasVal || val == "" {
		// A response (unlike a request) must not send a valueless
		// server_max_window_bits; client_max_window_bits without a value
		// in a response means "accepted with the client's offered bound".
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 8 || n > 15 {
		return 0, errors.NewWSHandshakeValidationError("window bits out of range [8,15]: " + val)
	}
	return n, nil
}
