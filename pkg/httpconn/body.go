package httpconn

import (
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/ramaproxy/rama/pkg/buffer"
	"github.com/ramaproxy/rama/pkg/errors"
	"github.com/ramaproxy/rama/pkg/httptype"
)

// bodyDelimiter identifies which of the three RFC 7230 §3.3.3 framings
// governs how many bytes to read for a body.
type bodyDelimiter int

const (
	delimNone bodyDelimiter = iota
	delimChunked
	delimContentLength
	delimUntilClose
)

// ReadBody reads the message body described by head's headers (chunked,
// fixed Content-Length, or read-until-close), honoring the no-body cases
// of RFC 9110 §6.4.1 (HEAD responses, 1xx/204/304). On a framing error the
// returned Body is non-nil and holds whatever bytes were read before the
// failure, so a caller capturing raw traffic doesn't lose a truncated
// message just because it was malformed.
func (c *Conn) ReadBody(head *Head, noBodyAllowed bool) (*httptype.Body, error) {
	if noBodyAllowed && c.br.Buffered() == 0 {
		return httptype.EmptyBody(), nil
	}

	delim, length := classifyBody(head)
	// A request with neither Content-Length nor Transfer-Encoding has no
	// body (RFC 7230 §3.3.3); only a response runs until close.
	if delim == delimUntilClose && c.role == RoleServer {
		delim = delimNone
	}

	// First body read on a request that carried "Expect: 100-continue":
	// solicit the body now, unless the application already wrote a final
	// response (in which case the expectation is moot).
	if c.expectContinue {
		c.expectContinue = false
		if delim != delimNone && !c.responseStarted {
			if err := c.writeContinue(); err != nil {
				return nil, err
			}
		}
	}
	buf := buffer.New(c.cfg.BodyMemLimit)

	switch delim {
	case delimChunked:
		trailers, err := c.readChunked(buf)
		body := httptype.NewBufferedBody(buf)
		if err != nil {
			// Return whatever chunks were fully read before the failure
			// alongside the error, so callers that capture raw traffic
			// (pkg/client) aren't left with an empty body on a truncated
			// stream.
			return body, err
		}
		body.SetTrailers(trailers)
		c.state = stateIdle
		return body, nil
	case delimContentLength:
		err := c.readFixed(buf, length)
		body := httptype.NewBufferedBody(buf)
		if err != nil {
			return body, err
		}
		c.state = stateIdle
		return body, nil
	case delimUntilClose:
		if _, err := io.Copy(buf, c.br); err != nil && err != io.EOF {
			return httptype.NewBufferedBody(buf), errors.NewIOError("reading until close", err)
		}
		c.keepAlive = false
		c.state = stateIdle
		return httptype.NewBufferedBody(buf), nil
	default:
		c.state = stateIdle
		return httptype.EmptyBody(), nil
	}
}

// classifyBody picks the delimiter per RFC 7230 §3.3.3: chunked takes
// priority over Content-Length, which takes priority over read-until-close.
func classifyBody(head *Head) (bodyDelimiter, int64) {
	te := strings.ToLower(head.Header.Get("Transfer-Encoding"))
	if strings.Contains(te, "chunked") {
		return delimChunked, 0
	}
	if cl := head.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 || n > constants_MaxContentLength {
			return delimNone, 0
		}
		if n == 0 {
			return delimNone, 0
		}
		return delimContentLength, n
	}
	return delimUntilClose, 0
}

// constants_MaxContentLength mirrors pkg/constants.MaxContentLength
// without importing it twice under a different alias; kept local to
// avoid an import cycle concern while body.go is still settling.
const constants_MaxContentLength = 1024 * 1024 * 1024 * 1024

func (c *Conn) readFixed(dst io.Writer, length int64) error {
	if length <= 0 {
		return nil
	}
	if _, err := io.CopyN(dst, c.br, length); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.NewIncompleteMessageError("reading fixed body", err)
		}
		return errors.NewIOError("reading fixed body", err)
	}
	return nil
}

func (c *Conn) readChunked(dst io.Writer) (*httptype.Header, error) {
	tp := textproto.NewReader(c.br)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, errors.NewIncompleteMessageError("reading chunk size", err)
		}
		sizeStr := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
		size, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil {
			return nil, errors.NewProtocolError("invalid chunk size", err)
		}
		if size == 0 {
			break
		}
		if _, err := io.CopyN(dst, tp.R, size); err != nil {
			return nil, errors.NewIOError("reading chunk body", err)
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			return nil, errors.NewIOError("reading chunk CRLF", err)
		}
	}

	trailers := httptype.NewHeader()
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, errors.NewIncompleteMessageError("reading chunk trailer", err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if ok {
			trailers.Add(textproto.TrimString(name), strings.TrimSpace(value))
		}
	}
	return trailers, nil
}

// WriteHead writes a request line (RoleClient) or status line
// (RoleServer) plus headers. It fills in Content-Length/Connection/Date
// automatically when the caller hasn't already set them and bodySize is
// known (>= 0); a negative bodySize means the body will be written with
// chunked transfer-encoding.
func (c *Conn) WriteHead(head *Head, bodySize int64) error {
	if c.readClosed && !c.cfg.AllowHalfClose {
		return errors.NewIOError("write after peer closed read side", io.EOF)
	}
	c.state = stateWritingHead

	var err error
	if c.role == RoleServer {
		err = c.writeStatusLine(head)
	} else {
		err = c.writeRequestLine(head)
	}
	if err != nil {
		return err
	}

	if c.role == RoleServer && head.StatusCode >= 200 {
		// A final response written before the body was read cancels a
		// pending 100-continue; the client must not wait for one.
		c.responseStarted = true
		c.expectContinue = false
	}

	// RFC 9110 §6.4.1: 1xx and 204 responses carry no body and must not
	// advertise a length for one.
	noBodyStatus := c.role == RoleServer &&
		(head.StatusCode/100 == 1 || head.StatusCode == http.StatusNoContent)
	if noBodyStatus {
		head.Header.Del("Content-Length")
		head.Header.Del("Transfer-Encoding")
	} else if bodySize >= 0 {
		if head.Header.Get("Content-Length") == "" {
			head.Header.Set("Content-Length", strconv.FormatInt(bodySize, 10))
		}
	} else if head.Header.Get("Transfer-Encoding") == "" {
		head.Header.Set("Transfer-Encoding", "chunked")
	}

	if !c.keepAliveForWrite(head) {
		head.Header.Set("Connection", "close")
	} else if c.role == RoleServer && c.lastReqProto == "HTTP/1.0" &&
		!strings.Contains(strings.ToLower(head.Header.Get("Connection")), "keep-alive") {
		// HTTP/1.0 defaults to close; a 1.0 client that asked to keep
		// the connection alive needs the explicit confirmation or it
		// will close on its own.
		head.Header.Set("Connection", "keep-alive")
	}

	if c.role == RoleServer && c.cfg.EmitDate && head.Header.Get("Date") == "" {
		head.Header.Set("Date", nowHTTPDate())
	}

	var writeErr error
	head.Header.Range(func(name, value string) bool {
		if _, err := c.bw.WriteString(name + ": " + value + "\r\n"); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		return errors.NewIOError("writing headers", writeErr)
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return errors.NewIOError("writing header terminator", err)
	}
	c.state = stateWritingBody
	return nil
}

func (c *Conn) keepAliveForWrite(head *Head) bool {
	if c.disableKeep {
		return false
	}
	return c.keepAlive
}

func (c *Conn) writeRequestLine(head *Head) error {
	proto := head.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	_, err := c.bw.WriteString(head.Method + " " + head.URI + " " + proto + "\r\n")
	if err != nil {
		return errors.NewIOError("writing request line", err)
	}
	return nil
}

func (c *Conn) writeStatusLine(head *Head) error {
	proto := head.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	reason := head.Reason
	if reason == "" {
		reason = statusText(head.StatusCode)
	}
	_, err := c.bw.WriteString(proto + " " + strconv.Itoa(head.StatusCode) + " " + reason + "\r\n")
	if err != nil {
		return errors.NewIOError("writing status line", err)
	}
	return nil
}

// WriteBody writes a body, chunk-encoding it if the head it followed was
// written with chunked transfer-encoding (tracked via chunked).
func (c *Conn) WriteBody(r io.Reader, chunked bool) error {
	if !chunked {
		if _, err := io.Copy(c.bw, r); err != nil {
			return errors.NewIOError("writing body", err)
		}
		return nil
	}
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := c.bw.WriteString(strconv.FormatInt(int64(n), 16) + "\r\n"); err != nil {
				return errors.NewIOError("writing chunk size", err)
			}
			if _, err := c.bw.Write(buf[:n]); err != nil {
				return errors.NewIOError("writing chunk data", err)
			}
			if _, err := c.bw.WriteString("\r\n"); err != nil {
				return errors.NewIOError("writing chunk CRLF", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.NewIOError("reading body source", readErr)
		}
	}
	return nil
}

// WriteTrailers terminates a chunked body with a zero-size chunk and the
// given trailer headers. On the server role trailers are silently
// discarded (the terminating chunk is still written) unless the request
// declared "TE: trailers" -- a client that didn't is entitled to ignore
// them, so sending them is wasted bytes at best.
func (c *Conn) WriteTrailers(trailers *httptype.Header) error {
	if _, err := c.bw.WriteString("0\r\n"); err != nil {
		return errors.NewIOError("writing final chunk", err)
	}
	if c.role == RoleServer && !c.lastReqTE {
		trailers = nil
	}
	if trailers != nil {
		var werr error
		trailers.Range(func(name, value string) bool {
			if _, err := c.bw.WriteString(name + ": " + value + "\r\n"); err != nil {
				werr = err
				return false
			}
			return true
		})
		if werr != nil {
			return errors.NewIOError("writing trailers", werr)
		}
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return errors.NewIOError("writing trailer terminator", err)
	}
	c.state = stateIdle
	return nil
}

// EndBody finalizes a non-chunked body write (no-op placeholder for
// symmetry with WriteTrailers; fixed-length bodies need no terminator).
func (c *Conn) EndBody() error {
	c.state = stateIdle
	return nil
}

// Flush pushes any buffered writes out to the underlying connection.
func (c *Conn) Flush() error {
	if err := c.bw.Flush(); err != nil {
		return errors.NewIOError("flushing connection", err)
	}
	return nil
}

// Shutdown flushes and closes the underlying connection.
func (c *Conn) Shutdown() error {
	_ = c.Flush()
	c.state = stateClosed
	return c.nc.Close()
}

// Hijack returns the raw net.Conn and any bytes already buffered from it
// for protocol upgrade (WebSocket, CONNECT tunneling), marking this Conn
// as no longer responsible for the socket.
func (c *Conn) Hijack() (net.Conn, []byte) {
	c.state = stateUpgraded
	buffered := make([]byte, c.br.Buffered())
	_, _ = io.ReadFull(c.br, buffered)
	return c.nc, buffered
}

func statusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return ""
}
