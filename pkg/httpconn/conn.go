// Package httpconn implements the HTTP/1.1 connection state machine
// shared by the client and the server: reading and writing a request or
// response head, then streaming its body under whichever delimiter the
// headers specify (chunked transfer-encoding, a fixed Content-Length, or
// read/write-until-close), plus keep-alive negotiation, 100-continue,
// and the upgrade-token handoff auto-select/WebSocket rely on.
//
// It generalizes the body codecs the client used to hand-roll for
// response parsing (readChunkedBody/readFixedBody/readUntilClose) into a
// single machine usable for both directions of the connection.
package httpconn

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/ramaproxy/rama/pkg/constants"
	"github.com/ramaproxy/rama/pkg/errors"
	"github.com/ramaproxy/rama/pkg/httptype"
)

// Role identifies which side of the exchange Conn is driving, since the
// head line (request line vs. status line) and keep-alive defaults
// differ by role.
type Role int

const (
	// RoleClient reads responses and writes requests.
	RoleClient Role = iota
	// RoleServer reads requests and writes responses.
	RoleServer
)

// state enumerates where the connection currently sits in the
// read/write/keep-alive cycle; a single value covers both directions.
type state int

const (
	stateIdle state = iota
	stateReadingHead
	stateReadingBody
	stateWritingHead
	stateWritingBody
	stateUpgraded
	stateClosed
)

// Config controls header limits, timeouts, and default keep-alive/date
// behavior.
type Config struct {
	MaxHeaderBytes    int
	HeaderReadTimeout time.Duration
	BodyMemLimit      int64
	// EmitDate controls whether WriteHead on the server role auto-fills a
	// Date header when one isn't already set. Both true and false are
	// reasonable defaults; this package defaults to true.
	EmitDate bool
	// Expect100Continue controls whether the server role auto-writes
	// "100 Continue" for a request carrying "Expect: 100-continue". The
	// interim response is deferred until the first ReadBody call, so a
	// handler that rejects the request from its headers alone (writing a
	// final response without ever reading the body) never solicits a body
	// it won't consume. Disable it to handle the expectation manually.
	Expect100Continue bool
	// AllowHalfClose, when set, keeps the write side usable after the
	// peer closes its read direction (EOF observed while a response is
	// still being produced). The default treats a read-side EOF as
	// fatal for the whole connection: once observed, further writes are
	// refused and KeepAlive reports false.
	AllowHalfClose bool
	// OnInformational, when set, is invoked on the client role for every
	// 1xx status line ReadHead consumes on the way to the final response
	// (100 Continue, 103 Early Hints, ...). ReadHead keeps reading past
	// informational responses on its own; this is purely an observation
	// hook.
	OnInformational func(statusCode int, header *httptype.Header)
}

// DefaultConfig returns the package's default Config.
func DefaultConfig() Config {
	return Config{
		MaxHeaderBytes:    1 << 20,
		HeaderReadTimeout: constants.DefaultHeaderReadTimeout,
		BodyMemLimit:      constants.DefaultBodyMemLimit,
		EmitDate:          true,
		Expect100Continue: true,
	}
}

// Conn drives the HTTP/1.1 state machine over a single net.Conn.
type Conn struct {
	nc   net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	role Role
	cfg  Config

	state       state
	keepAlive   bool
	disableKeep bool
	// lastReqProto drives the HTTP/1.0 keep-alive confirmation quirk in
	// WriteHead.
	lastReqProto string
	// lastReqTE records whether the last request declared "TE: trailers";
	// response trailers are discarded on the server role otherwise.
	lastReqTE bool
	// expectContinue is armed by ReadHead when the request carries
	// "Expect: 100-continue" and discharged by the first ReadBody (which
	// writes the interim response) or by WriteHead (a final response
	// written first cancels the expectation).
	expectContinue bool
	// responseStarted flips once WriteHead has emitted a final head, so
	// a deferred 100-continue knows the application already answered.
	responseStarted bool
	// readClosed records an EOF observed on the read side. Without
	// cfg.AllowHalfClose it poisons the write side too.
	readClosed bool
}

// New wraps nc in a Conn for the given role.
func New(nc net.Conn, role Role, cfg Config) *Conn {
	return &Conn{
		nc:        nc,
		br:        bufio.NewReader(nc),
		bw:        bufio.NewWriter(nc),
		role:      role,
		cfg:       cfg,
		state:     stateIdle,
		keepAlive: true,
	}
}

// DisableKeepAlive forces the next WriteHead to advertise connection
// closure regardless of protocol version or the peer's Connection header.
func (c *Conn) DisableKeepAlive() {
	c.disableKeep = true
}

// PollReadHead reports whether a new head is already available without
// blocking, by checking for buffered bytes. Used by the auto-selector /
// keep-alive loop to decide whether to wait on a fresh read with a timeout
// or move straight to parsing.
func (c *Conn) PollReadHead() bool {
	return c.br.Buffered() > 0
}

// ReadHead reads a request line (RoleServer) or status line (RoleClient)
// plus headers, bounded by cfg.HeaderReadTimeout. On the client role it
// transparently consumes any leading 1xx informational responses (calling
// cfg.OnInformational for each) before returning the final head. On the
// server role it arms the deferred "100 Continue" reply when the request
// asks for it and cfg.Expect100Continue is set (the reply itself goes out
// on the first ReadBody call), and populates Head.Upgrade from the
// Connection/Upgrade headers so callers can decide whether to Hijack.
func (c *Conn) ReadHead() (*Head, error) {
	for {
		head, err := c.readOneHead()
		if err != nil {
			return nil, err
		}

		// 1xx responses other than 101 are interim; consume and keep
		// reading. 101 switches protocols, so it IS the final head of
		// the HTTP/1.1 exchange and belongs to the caller (who will
		// normally Hijack next).
		if c.role == RoleClient && head.StatusCode >= 100 && head.StatusCode < 200 && head.StatusCode != http.StatusSwitchingProtocols {
			if c.cfg.OnInformational != nil {
				c.cfg.OnInformational(head.StatusCode, head.Header)
			}
			continue
		}

		if c.role == RoleServer {
			head.Upgrade = upgradeToken(head.Header)
			c.expectContinue = c.cfg.Expect100Continue && wantsContinue(head.Header)
			c.lastReqTE = requestAcceptsTrailers(head.Header)
			c.responseStarted = false
		}

		c.lastReqProto = head.Proto
		c.keepAlive = computeKeepAlive(head.Proto, head.Header) && !c.disableKeep
		c.state = stateReadingBody
		return head, nil
	}
}

func (c *Conn) readOneHead() (*Head, error) {
	c.state = stateReadingHead
	if c.cfg.HeaderReadTimeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.cfg.HeaderReadTimeout)); err != nil {
			return nil, errors.NewIOError("setting read deadline", err)
		}
		defer c.nc.SetReadDeadline(time.Time{})
	}

	line, err := c.readLine()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.NewHeaderTimeoutError(c.cfg.HeaderReadTimeout)
		}
		if err == io.EOF {
			c.readClosed = true
			return nil, err
		}
		return nil, errors.NewIOError("reading head", err)
	}

	head := &Head{Header: httptype.NewHeader()}
	if c.role == RoleServer {
		if err := parseRequestLine(line, head); err != nil {
			return nil, err
		}
	} else {
		if err := parseStatusLine(line, head); err != nil {
			return nil, err
		}
	}

	if err := c.readHeaderLines(head.Header); err != nil {
		return nil, err
	}
	return head, nil
}

// writeContinue sends the "100 Continue" interim response directly,
// bypassing WriteHead since this isn't the transaction's final head.
func (c *Conn) writeContinue() error {
	if _, err := c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return errors.NewIOError("writing 100-continue", err)
	}
	return c.Flush()
}

func wantsContinue(h *httptype.Header) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get("Expect")), "100-continue")
}

// requestAcceptsTrailers reports whether the request's TE header lists
// "trailers" (RFC 9110 §10.1.4), which is what permits trailer fields on
// the response.
func requestAcceptsTrailers(h *httptype.Header) bool {
	for _, part := range strings.Split(h.Get("TE"), ",") {
		token := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(token, "trailers") {
			return true
		}
	}
	return false
}

// upgradeToken returns the requested protocol upgrade token (e.g.
// "websocket", "h2c") when the request carries "Connection: Upgrade" plus
// an Upgrade header, or "" otherwise.
func upgradeToken(h *httptype.Header) string {
	if !strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade") {
		return ""
	}
	return h.Get("Upgrade")
}

// Head is the parsed request/status line plus headers, shared by both
// directions (Method/URI populated for requests, StatusCode/Reason for
// responses). Upgrade carries the requested protocol upgrade token
// (RoleServer only; "" when the request doesn't ask for one).
type Head struct {
	Method     string
	URI        string
	StatusCode int
	Reason     string
	Proto      string
	Header     *httptype.Header
	Upgrade    string
}

func (c *Conn) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseRequestLine(line string, head *Head) error {
	if line == h2PrefaceRequestLine {
		return errors.NewVersionH2Error()
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return errors.NewProtocolError("invalid request line", nil)
	}
	head.Method = parts[0]
	head.URI = parts[1]
	head.Proto = parts[2]
	return nil
}

// h2PrefaceRequestLine is the first line of the HTTP/2 client connection
// preface (RFC 7540 §3.5). A connection that skipped pkg/autoselect's sniff
// (a test harness driving Conn directly, or a plaintext h2c attempt) still
// gets identified here instead of surfacing a generic parse error.
const h2PrefaceRequestLine = "PRI * HTTP/2.0"

func parseStatusLine(line string, head *Head) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return errors.NewProtocolError("invalid status line", nil)
	}
	head.Proto = parts[0]
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return errors.NewProtocolError("invalid status code", err)
	}
	head.StatusCode = code
	if len(parts) == 3 {
		head.Reason = parts[2]
	}
	return nil
}

// readHeaderLines reads header fields until the blank terminator line,
// handling obs-fold continuations (RFC 7230 3.2.4), and enforces
// cfg.MaxHeaderBytes.
func (c *Conn) readHeaderLines(h *httptype.Header) error {
	total := 0
	var lastName string
	for {
		raw, err := c.br.ReadString('\n')
		if err != nil {
			return errors.NewIncompleteMessageError("reading headers", err)
		}
		total += len(raw)
		if c.cfg.MaxHeaderBytes > 0 && total > c.cfg.MaxHeaderBytes {
			return errors.NewProtocolError("headers exceed maximum size", nil)
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			return nil
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && lastName != "" {
			existing := h.Get(lastName)
			h.Set(lastName, existing+" "+strings.TrimSpace(line))
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = textproto.TrimString(name)
		value = strings.TrimSpace(value)
		h.Add(name, value)
		lastName = name
	}
}

// computeKeepAlive applies HTTP/1.1's default-alive, HTTP/1.0's
// default-close, Connection-header-override rules.
func computeKeepAlive(proto string, h *httptype.Header) bool {
	conn := strings.ToLower(h.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if strings.Contains(conn, "keep-alive") {
		return true
	}
	return proto == "HTTP/1.1"
}

// KeepAlive reports whether the connection should remain open for a
// further request/response after the current one completes. A connection
// whose read side has hit EOF is never kept alive, half-close or not.
func (c *Conn) KeepAlive() bool {
	return c.keepAlive && !c.readClosed
}

// nowHTTPDate formats the current time per RFC 9110's IMF-fixdate, the
// format net/http uses for the Date header.
func nowHTTPDate() string {
	return time.Now().UTC().Format(http.TimeFormat)
}
