package http2

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/ramaproxy/rama/pkg/errors"
)

// pseudoHeaderOrder is the emission order for pseudo-header fields.
// RFC 7540 section 8.1.2.1 requires them before regular fields;
// ":protocol" is RFC 8441's extended-CONNECT addition.
var pseudoHeaderOrder = []string{":method", ":path", ":scheme", ":authority", ":protocol", ":status"}

// Converter translates between HTTP/1.1-style raw text and HTTP/2 frames.
// It owns an HPACK encoder/decoder pair for standalone use; when a
// Connection is involved, the connection's own HPACK contexts are used
// instead, since HPACK state is connection-scoped.
type Converter struct {
	encoder *hpack.Encoder
	decoder *hpack.Decoder
	encBuf  bytes.Buffer
}

// NewConverter returns a Converter with fresh HPACK contexts sized to the
// RFC 7540 default table.
func NewConverter() *Converter {
	c := &Converter{}
	c.encoder = hpack.NewEncoder(&c.encBuf)
	c.encoder.SetMaxDynamicTableSize(4096)
	c.decoder = hpack.NewDecoder(4096, nil)
	return c
}

// TextToFrames converts an HTTP/1.1-style raw request into the HEADERS
// (and optional DATA) frames that express it on streamID.
func (c *Converter) TextToFrames(rawRequest []byte, streamID uint32) ([]Frame, error) {
	req, err := c.parseRawRequest(rawRequest)
	if err != nil {
		return nil, errors.NewProtocolError("parsing raw request", err)
	}

	headers := map[string]string{
		":method":    req.Method,
		":path":      req.Path,
		":scheme":    req.Scheme,
		":authority": req.Authority,
	}
	for name, value := range req.Headers {
		lower := strings.ToLower(name)
		// Connection-specific fields don't exist in HTTP/2, and Host is
		// carried as :authority.
		if isConnectionSpecificHeader(lower) || lower == "host" || strings.HasPrefix(lower, ":") {
			continue
		}
		headers[lower] = value
	}

	frames := []Frame{&HeadersFrame{
		StreamId:   streamID,
		Headers:    headers,
		EndHeaders: true,
		EndStream:  len(req.Body) == 0,
	}}
	if len(req.Body) > 0 {
		frames = append(frames, &DataFrame{
			StreamId:  streamID,
			Data:      req.Body,
			EndStream: true,
		})
	}
	return frames, nil
}

// FramesToText renders a frame sequence back into HTTP/1.1-style text,
// as a request (isRequest) or a response.
func (c *Converter) FramesToText(frames []Frame, isRequest bool) ([]byte, error) {
	var headers map[string]string
	var body []byte
	for _, frame := range frames {
		switch f := frame.(type) {
		case *HeadersFrame:
			headers = f.Headers
		case *DataFrame:
			body = append(body, f.Data...)
		}
	}

	var buf bytes.Buffer
	if isRequest {
		fmt.Fprintf(&buf, "%s %s HTTP/2\r\n", headers[":method"], headers[":path"])
		fmt.Fprintf(&buf, "Host: %s\r\n", headers[":authority"])
	} else {
		status, _ := strconv.Atoi(headers[":status"])
		statusText := http.StatusText(status)
		if statusText == "" {
			statusText = "Unknown"
		}
		fmt.Fprintf(&buf, "HTTP/2 %d %s\r\n", status, statusText)
	}

	for name, value := range headers {
		if strings.HasPrefix(name, ":") || isConnectionSpecificHeader(name) {
			continue
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", c.normalizeHeaderName(name), value)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// EncodeHeaders HPACK-encodes headers, pseudo-header fields first.
func (c *Converter) EncodeHeaders(headers map[string]string) ([]byte, error) {
	c.encBuf.Reset()
	if err := writeHeaderBlock(c.encoder, headers); err != nil {
		return nil, err
	}
	return c.encBuf.Bytes(), nil
}

// writeHeaderBlock emits headers through enc in pseudo-first order with
// regular field names lowercased.
func writeHeaderBlock(enc *hpack.Encoder, headers map[string]string) error {
	for _, name := range pseudoHeaderOrder {
		if value, ok := headers[name]; ok {
			if err := enc.WriteField(hpack.HeaderField{Name: name, Value: value}); err != nil {
				return err
			}
		}
	}
	for name, value := range headers {
		if strings.HasPrefix(name, ":") {
			continue
		}
		if err := enc.WriteField(hpack.HeaderField{Name: strings.ToLower(name), Value: value}); err != nil {
			return err
		}
	}
	return nil
}

// DecodeHeaders decodes an HPACK header block into a name-value map.
func (c *Converter) DecodeHeaders(data []byte) (map[string]string, error) {
	fields, err := c.decoder.DecodeFull(data)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(fields))
	for _, field := range fields {
		headers[field.Name] = field.Value
	}
	return headers, nil
}

// ParseHTTP11Request parses a raw HTTP/1.1-style request into its HTTP/2
// representation.
func (c *Converter) ParseHTTP11Request(rawRequest []byte) (*Request, error) {
	return c.parseRawRequest(rawRequest)
}

func (c *Converter) parseRawRequest(raw []byte) (*Request, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))

	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading request line: %w", err)
	}
	parts := strings.Fields(strings.TrimSpace(requestLine))
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid request line: %q", strings.TrimSpace(requestLine))
	}

	tp := textproto.NewReader(reader)
	mimeHeaders, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading headers: %w", err)
	}

	headers := make(map[string]string, len(mimeHeaders))
	for name, values := range mimeHeaders {
		headers[name] = values[0]
	}

	authority := headers["Host"]
	if authority == "" {
		authority = "localhost"
	}

	// The raw format has no scheme; default to https (the normal HTTP/2
	// deployment) unless the caller smuggled one via X-Scheme.
	scheme := "https"
	if xScheme, ok := headers["X-Scheme"]; ok {
		scheme = xScheme
		delete(headers, "X-Scheme")
	}

	body, _ := io.ReadAll(reader)

	return &Request{
		Method:    parts[0],
		Path:      parts[1],
		Authority: authority,
		Scheme:    scheme,
		Headers:   headers,
		Body:      body,
		RawText:   raw,
	}, nil
}

// isConnectionSpecificHeader reports whether name (lowercase) is a
// connection-specific field that RFC 7540 section 8.1.2.2 forbids in
// HTTP/2 messages.
func isConnectionSpecificHeader(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "te":
		return true
	}
	return false
}

// normalizeHeaderName canonicalizes a lowercase wire name for display.
func (c *Converter) normalizeHeaderName(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}
