package http2

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/ramaproxy/rama/pkg/errors"
)

// ConnectStream opens an RFC 8441 extended-CONNECT stream carrying
// protocol (the ":protocol" pseudo-header value, e.g. "websocket") to
// host:port, sending extra as regular header fields. It returns the
// response header block and a net.Conn view of the stream for the
// tunneled protocol to run over, whatever the :status; the caller checks
// the status.
func (c *Client) ConnectStream(ctx context.Context, host string, port int, path, protocol string, extra map[string]string, opts *Options) (map[string]string, net.Conn, error) {
	if opts == nil {
		opts = c.options
	}
	if path == "" {
		path = "/"
	}

	conn, err := c.transport.Connect(ctx, host, port, "https", opts)
	if err != nil {
		return nil, nil, errors.NewConnectionError(host, port, err)
	}

	// Extended CONNECT is opt-in: the server must have advertised
	// SETTINGS_ENABLE_CONNECT_PROTOCOL during the handshake.
	conn.mu.RLock()
	enabled := conn.PeerSettings[http2.SettingEnableConnectProtocol] == 1
	conn.mu.RUnlock()
	if !enabled {
		conn.Close()
		return nil, nil, errors.NewProtocolError("server does not advertise extended CONNECT support", nil)
	}

	conn.mu.Lock()
	streamID := conn.NextStreamID
	conn.NextStreamID += 2
	conn.mu.Unlock()

	authority := host
	if port != 443 {
		authority = net.JoinHostPort(host, fmt.Sprintf("%d", port))
	}
	headers := map[string]string{
		":method":    "CONNECT",
		":protocol":  protocol,
		":scheme":    "https",
		":authority": authority,
		":path":      path,
	}
	for name, value := range extra {
		headers[strings.ToLower(name)] = value
	}

	// The request HEADERS frame does not end the stream; the tunnel's
	// bytes follow as DATA frames in both directions.
	if err := c.sendFrame(conn, &HeadersFrame{
		StreamId:   streamID,
		Headers:    headers,
		EndHeaders: true,
	}, opts); err != nil {
		conn.Close()
		return nil, nil, errors.NewIOError("sending CONNECT headers", err)
	}

	respHeaders, err := c.readConnectResponse(ctx, conn, streamID)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	return respHeaders, &StreamConn{conn: conn, streamID: streamID}, nil
}

// readConnectResponse consumes frames until the response HEADERS for
// streamID arrives, answering connection-level frames along the way.
func (c *Client) readConnectResponse(ctx context.Context, conn *Connection, streamID uint32) (map[string]string, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, errors.NewTimeoutError("waiting for CONNECT response", 0)
		default:
		}

		frame, err := conn.Framer.ReadFrame()
		if err != nil {
			return nil, errors.NewIOError("reading CONNECT response", err)
		}
		conn.touch()

		switch f := frame.(type) {
		case *http2.HeadersFrame:
			if f.StreamID != streamID {
				continue
			}
			return c.decodeWith(conn, f.HeaderBlockFragment())
		case *http2.SettingsFrame:
			if !f.IsAck() {
				conn.Framer.WriteSettingsAck()
			}
		case *http2.PingFrame:
			conn.Framer.WritePing(true, f.Data)
		case *http2.WindowUpdateFrame:
			continue
		case *http2.RSTStreamFrame:
			if f.StreamID == streamID {
				return nil, errors.NewProtocolError("CONNECT stream reset",
					fmt.Errorf("error code: %v", f.ErrCode))
			}
		case *http2.GoAwayFrame:
			return nil, errors.NewProtocolError("server sent GOAWAY",
				fmt.Errorf("last stream: %d, error: %v", f.LastStreamID, f.ErrCode))
		}
	}
}

// StreamConn adapts one extended-CONNECT stream to net.Conn so
// byte-oriented protocol engines (the WebSocket engine) run over it
// unchanged: reads drain DATA frames, crediting flow-control windows as
// bytes are consumed; writes become DATA frames sized under the default
// frame limit. It assumes it is the connection's only active stream, the
// same single-exchange discipline the rest of this client follows.
type StreamConn struct {
	conn     *Connection
	streamID uint32
	buf      []byte
	readEOF  bool
	closed   bool
}

func (s *StreamConn) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.readEOF {
			return 0, io.EOF
		}
		frame, err := s.conn.Framer.ReadFrame()
		if err != nil {
			if err == io.EOF {
				s.readEOF = true
				return 0, io.EOF
			}
			return 0, errors.NewIOError("reading stream frame", err)
		}
		s.conn.touch()

		switch f := frame.(type) {
		case *http2.DataFrame:
			if f.StreamID != s.streamID {
				continue
			}
			data := f.Data()
			if n := len(data); n > 0 {
				s.conn.mu.Lock()
				s.conn.Framer.WriteWindowUpdate(f.StreamID, uint32(n))
				s.conn.Framer.WriteWindowUpdate(0, uint32(n))
				s.conn.mu.Unlock()
			}
			s.buf = append(s.buf, data...)
			if f.StreamEnded() {
				s.readEOF = true
			}
		case *http2.HeadersFrame:
			// Trailing HEADERS on the tunnel stream just ends it.
			if f.StreamID == s.streamID && f.StreamEnded() {
				s.readEOF = true
			}
		case *http2.SettingsFrame:
			if !f.IsAck() {
				s.conn.mu.Lock()
				s.conn.Framer.WriteSettingsAck()
				s.conn.mu.Unlock()
			}
		case *http2.PingFrame:
			s.conn.mu.Lock()
			s.conn.Framer.WritePing(true, f.Data)
			s.conn.mu.Unlock()
		case *http2.WindowUpdateFrame:
			continue
		case *http2.RSTStreamFrame:
			if f.StreamID == s.streamID {
				s.readEOF = true
				return 0, errors.NewIOError("stream reset", fmt.Errorf("error code: %v", f.ErrCode))
			}
		case *http2.GoAwayFrame:
			s.readEOF = true
			return 0, errors.NewIOError("connection going away", fmt.Errorf("error: %v", f.ErrCode))
		}
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *StreamConn) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	const maxChunk = 16384
	for off := 0; off < len(p); off += maxChunk {
		end := off + maxChunk
		if end > len(p) {
			end = len(p)
		}
		if err := s.conn.Framer.WriteData(s.streamID, false, p[off:end]); err != nil {
			return off, errors.NewIOError("writing stream data", err)
		}
	}
	s.conn.LastActivity = time.Now()
	return len(p), nil
}

// Close half-closes the stream with an empty END_STREAM DATA frame, then
// closes the underlying connection (a tunnel stream has no further use
// for it).
func (s *StreamConn) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.conn.mu.Lock()
	s.conn.Framer.WriteData(s.streamID, true, nil)
	s.conn.mu.Unlock()
	return s.conn.Close()
}

func (s *StreamConn) LocalAddr() net.Addr  { return s.conn.Conn.LocalAddr() }
func (s *StreamConn) RemoteAddr() net.Addr { return s.conn.Conn.RemoteAddr() }

func (s *StreamConn) SetDeadline(t time.Time) error      { return s.conn.Conn.SetDeadline(t) }
func (s *StreamConn) SetReadDeadline(t time.Time) error  { return s.conn.Conn.SetReadDeadline(t) }
func (s *StreamConn) SetWriteDeadline(t time.Time) error { return s.conn.Conn.SetWriteDeadline(t) }
