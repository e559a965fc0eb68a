package http2

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/ramaproxy/rama/pkg/errors"
	"github.com/ramaproxy/rama/pkg/timing"
)

// Client sends raw HTTP/1.1-style requests over HTTP/2.
type Client struct {
	transport       *Transport
	converter       *Converter
	streamManager   *StreamManager
	streamProcessor *StreamProcessor
	options         *Options
}

// NewClient returns a Client using opts as defaults for every request.
func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}
	streamManager := NewStreamManager(opts.MaxConcurrentStreams)
	return &Client{
		transport:       NewTransport(opts),
		converter:       NewConverter(),
		streamManager:   streamManager,
		streamProcessor: NewStreamProcessor(streamManager),
		options:         opts,
	}
}

// Do sends rawRequest using the client's default options.
func (c *Client) Do(ctx context.Context, rawRequest []byte, host string, port int, scheme string) (*Response, error) {
	return c.DoWithOptions(ctx, rawRequest, host, port, scheme, c.options)
}

// DoWithOptions sends rawRequest with per-request options, dialing or
// reusing a connection as opts dictate, and returns the completed
// response.
func (c *Client) DoWithOptions(ctx context.Context, rawRequest []byte, host string, port int, scheme string, opts *Options) (*Response, error) {
	if opts == nil {
		opts = c.options
	}

	timer := timing.NewTimer()
	startTime := time.Now()

	request, err := c.converter.ParseHTTP11Request(rawRequest)
	if err != nil {
		return nil, errors.NewProtocolError("parsing request", err)
	}
	if scheme != "" {
		request.Scheme = scheme
	}
	if host != "" {
		request.Authority = host
	}

	timer.StartTCP()
	conn, err := c.transport.Connect(ctx, host, port, scheme, opts)
	if err != nil {
		timer.EndTCP()
		return nil, errors.NewConnectionError(host, port, err)
	}
	timer.EndTCP()
	if !opts.ReuseConnection {
		defer c.transport.CloseConnection(net.JoinHostPort(host, strconv.Itoa(port)))
	}

	// Stream IDs come off the connection so that requests reusing it
	// never collide; the manager tracks lifecycle state.
	conn.mu.Lock()
	streamID := conn.NextStreamID
	conn.NextStreamID += 2
	conn.mu.Unlock()

	stream := &Stream{
		ID:             streamID,
		State:          StateOpen,
		Request:        request,
		WindowSize:     65535,
		PeerWindowSize: 65535,
		Priority:       opts.Priority,
	}
	c.streamManager.Register(stream)

	frames, err := c.converter.TextToFrames(rawRequest, stream.ID)
	if err != nil {
		return nil, errors.NewProtocolError("converting to frames", err)
	}
	if hf, ok := frames[0].(*HeadersFrame); ok && opts.Priority != nil {
		hf.Priority = opts.Priority
	}

	for _, frame := range frames {
		if err := c.sendFrame(conn, frame, opts); err != nil {
			return nil, errors.NewIOError("sending frame", err)
		}
		if endsStream(frame) {
			c.streamManager.UpdateStreamState(stream.ID, StateHalfClosedLocal)
		}
	}

	timer.StartTTFB()
	response, err := c.readResponse(ctx, conn, stream, timer, opts)
	if err != nil {
		return nil, err
	}

	response.TotalTime = time.Since(startTime)
	metrics := timer.GetMetrics()
	response.Metrics = &metrics
	response.FrameStats = &FrameStats{
		FramesSent:     len(frames),
		FramesReceived: len(response.Frames),
	}
	c.fillConnectionMetadata(response, conn, opts)

	return response, nil
}

// DoFrames sends caller-built frames directly, for protocol-level
// experimentation, and reads the response for the first frame's stream.
func (c *Client) DoFrames(ctx context.Context, frames []Frame, host string, port int, scheme string) (*Response, error) {
	if len(frames) == 0 {
		return nil, errors.NewValidationError("no frames provided")
	}

	conn, err := c.transport.Connect(ctx, host, port, scheme, c.options)
	if err != nil {
		return nil, errors.NewConnectionError(host, port, err)
	}

	stream := &Stream{
		ID:    frames[0].StreamID(),
		State: StateOpen,
	}
	c.streamManager.Register(stream)

	for _, frame := range frames {
		if err := c.sendFrame(conn, frame, c.options); err != nil {
			return nil, errors.NewIOError("sending frame", err)
		}
	}

	return c.readResponse(ctx, conn, stream, nil, c.options)
}

// endsStream reports whether frame carries END_STREAM.
func endsStream(frame Frame) bool {
	switch f := frame.(type) {
	case *HeadersFrame:
		return f.EndStream
	case *DataFrame:
		return f.EndStream
	}
	return false
}

// sendFrame serializes one frame onto conn. The connection lock is held
// for the whole write: concurrent framer writes would interleave and
// corrupt the stream.
func (c *Client) sendFrame(conn *Connection, frame Frame, opts *Options) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.LastActivity = time.Now()

	switch f := frame.(type) {
	case *HeadersFrame:
		if conn.Encoder == nil {
			return fmt.Errorf("connection encoder not initialized")
		}
		// The connection's encoder carries the HPACK dynamic table;
		// encoding through any other context would desynchronize it.
		conn.EncoderBuf.Reset()
		if err := writeHeaderBlock(conn.Encoder, f.Headers); err != nil {
			return err
		}
		encoded := conn.EncoderBuf.Bytes()

		if opts.Debug.LogFrames || opts.Debug.LogHeaders {
			opts.logger().WithFields(map[string]interface{}{
				"stream_id":  f.StreamId,
				"end_stream": f.EndStream,
				"headers":    len(f.Headers),
				"block_size": len(encoded),
			}).Debug("http2: sending HEADERS")
		}

		return conn.Framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      f.StreamId,
			BlockFragment: encoded,
			EndStream:     f.EndStream,
			EndHeaders:    f.EndHeaders,
			Priority:      convertPriority(f.Priority),
		})

	case *DataFrame:
		if opts.Debug.LogFrames || opts.Debug.LogData {
			opts.logger().WithFields(map[string]interface{}{
				"stream_id":  f.StreamId,
				"end_stream": f.EndStream,
				"len":        len(f.Data),
			}).Debug("http2: sending DATA")
		}
		return conn.Framer.WriteData(f.StreamId, f.EndStream, f.Data)

	default:
		return fmt.Errorf("unsupported frame type: %T", frame)
	}
}

// readResponse consumes frames until stream completes, answering
// connection-level frames (SETTINGS, PING) along the way. Header and data
// frames are applied through the stream processor so the stream's state
// machine tracks the exchange.
func (c *Client) readResponse(ctx context.Context, conn *Connection, stream *Stream, timer *timing.Timer, opts *Options) (*Response, error) {
	firstFrame := true
	for {
		select {
		case <-ctx.Done():
			return nil, errors.NewTimeoutError("reading response", 0)
		default:
		}

		rawFrame, err := conn.Framer.ReadFrame()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.NewIOError("reading frame", err)
		}
		conn.touch()
		if firstFrame && timer != nil {
			timer.EndTTFB()
			firstFrame = false
		}

		switch f := rawFrame.(type) {
		case *http2.HeadersFrame:
			if f.StreamID != stream.ID {
				continue
			}
			headers, err := c.decodeWith(conn, f.HeaderBlockFragment())
			if err != nil {
				return nil, errors.NewProtocolError("decoding headers", err)
			}
			frame := &HeadersFrame{
				StreamId:   f.StreamID,
				Headers:    headers,
				EndStream:  f.StreamEnded(),
				EndHeaders: f.HeadersEnded(),
			}
			if opts.Debug.LogFrames || opts.Debug.LogHeaders {
				opts.logger().WithFields(map[string]interface{}{
					"stream_id":  f.StreamID,
					"end_stream": f.StreamEnded(),
					"status":     headers[":status"],
				}).Debug("http2: received HEADERS")
			}
			if err := c.streamProcessor.ProcessHeadersFrame(frame); err != nil {
				return nil, errors.NewProtocolError("processing headers", err)
			}
			stream.Response.Frames = append(stream.Response.Frames, frame)
			if f.StreamEnded() {
				return stream.Response, nil
			}

		case *http2.DataFrame:
			if f.StreamID != stream.ID {
				continue
			}
			data := f.Data()
			frame := &DataFrame{
				StreamId:  f.StreamID,
				Data:      append([]byte(nil), data...),
				EndStream: f.StreamEnded(),
			}
			if opts.Debug.LogFrames || opts.Debug.LogData {
				opts.logger().WithFields(map[string]interface{}{
					"stream_id":  f.StreamID,
					"end_stream": f.StreamEnded(),
					"len":        len(data),
				}).Debug("http2: received DATA")
			}
			if stream.Response == nil {
				return nil, errors.NewProtocolError("DATA before HEADERS on stream", nil)
			}
			if err := c.streamProcessor.ProcessDataFrame(frame); err != nil {
				return nil, errors.NewProtocolError("processing data", err)
			}

			// Credit both windows so the server can keep sending.
			if n := len(data); n > 0 {
				if err := conn.Framer.WriteWindowUpdate(f.StreamID, uint32(n)); err != nil {
					return nil, errors.NewIOError("sending stream window update", err)
				}
				if err := conn.Framer.WriteWindowUpdate(0, uint32(n)); err != nil {
					return nil, errors.NewIOError("sending connection window update", err)
				}
			}

			stream.Response.Frames = append(stream.Response.Frames, frame)
			if f.StreamEnded() {
				return stream.Response, nil
			}

		case *http2.SettingsFrame:
			if !f.IsAck() {
				if opts.Debug.LogSettings {
					opts.logger().Debug("http2: received mid-stream SETTINGS, acking")
				}
				conn.Framer.WriteSettingsAck()
			}

		case *http2.WindowUpdateFrame:
			c.streamProcessor.ProcessWindowUpdateFrame(f.StreamID, f.Increment)

		case *http2.PingFrame:
			conn.Framer.WritePing(true, f.Data)

		case *http2.GoAwayFrame:
			return nil, errors.NewProtocolError("server sent GOAWAY",
				fmt.Errorf("last stream: %d, error: %v", f.LastStreamID, f.ErrCode))

		case *http2.RSTStreamFrame:
			if f.StreamID == stream.ID {
				c.streamProcessor.ProcessResetFrame(f.StreamID, uint32(f.ErrCode))
				return nil, errors.NewProtocolError("stream reset",
					fmt.Errorf("error code: %v", f.ErrCode))
			}
		}
	}

	if stream.Response == nil {
		return nil, errors.NewIncompleteMessageError("reading response", io.ErrUnexpectedEOF)
	}
	return stream.Response, nil
}

// decodeWith decodes a header block with the connection's HPACK decoder.
func (c *Client) decodeWith(conn *Connection, block []byte) (map[string]string, error) {
	fields, err := conn.Decoder.DecodeFull(block)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(fields))
	for _, field := range fields {
		headers[field.Name] = field.Value
	}
	return headers, nil
}

// fillConnectionMetadata copies socket/TLS/proxy facts onto the response
// so HTTP/2 responses report the same connection details HTTP/1.1 ones
// do.
func (c *Client) fillConnectionMetadata(resp *Response, conn *Connection, opts *Options) {
	resp.ConnectionReused = conn.Reused
	if remote := conn.Conn.RemoteAddr(); remote != nil {
		if tcpAddr, ok := remote.(*net.TCPAddr); ok {
			resp.ConnectedIP = tcpAddr.IP.String()
			resp.ConnectedPort = tcpAddr.Port
		}
	}
	if tlsConn, ok := conn.Conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		resp.NegotiatedProtocol = state.NegotiatedProtocol
		resp.TLSVersion = tlsVersionString(state.Version)
		resp.TLSCipherSuite = tls.CipherSuiteName(state.CipherSuite)
		resp.TLSServerName = state.ServerName
	}
	if opts.Proxy != nil {
		resp.ProxyUsed = true
		resp.ProxyType = opts.Proxy.Type
		resp.ProxyAddr = fmt.Sprintf("%s:%d", opts.Proxy.Host, opts.Proxy.Port)
	}
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("unknown (0x%04x)", version)
	}
}

// Close shuts down the client's transport and every connection it holds.
func (c *Client) Close() error {
	return c.transport.Close()
}

// FormatResponse renders resp as HTTP/1.1-style text, HTTP/2 status line
// included, for raw-traffic display.
func (c *Client) FormatResponse(resp *Response) []byte {
	var buf bytes.Buffer

	statusText := resp.StatusText
	if statusText == "" {
		statusText = http.StatusText(resp.Status)
	}
	if statusText == "" {
		statusText = "Unknown"
	}
	fmt.Fprintf(&buf, "HTTP/2 %d %s\r\n", resp.Status, statusText)

	for name, values := range resp.Headers {
		for _, value := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", c.converter.normalizeHeaderName(name), value)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(resp.Body)
	return buf.Bytes()
}

// convertPriority maps the package's priority params onto the framer's.
func convertPriority(p *PriorityParam) http2.PriorityParam {
	if p == nil {
		return http2.PriorityParam{}
	}
	return http2.PriorityParam{
		StreamDep: p.StreamDependency,
		Exclusive: p.Exclusive,
		Weight:    p.Weight,
	}
}
