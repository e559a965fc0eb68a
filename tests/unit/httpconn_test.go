package unit

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ramaproxy/rama/pkg/httpconn"
	"github.com/ramaproxy/rama/pkg/httptype"
)

// TestHTTPConnFixedLengthRoundTrip drives a full request/response cycle
// over a pipe with two independent Conns (server and client roles),
// checking Content-Length framing and default HTTP/1.1 keep-alive.
func TestHTTPConnFixedLengthRoundTrip(t *testing.T) {
	serverNC, clientNC := net.Pipe()
	server := httpconn.New(serverNC, httpconn.RoleServer, httpconn.DefaultConfig())
	client := httpconn.New(clientNC, httpconn.RoleClient, httpconn.DefaultConfig())

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		head, err := server.ReadHead()
		require.NoError(t, err)
		require.Equal(t, "POST", head.Method)
		require.Equal(t, "/echo", head.URI)

		body, err := server.ReadBody(head, false)
		require.NoError(t, err)
		r, err := body.Reader()
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, "ping", string(data))
		require.True(t, server.KeepAlive())

		resp := &httpconn.Head{StatusCode: 200, Header: httptype.NewHeader()}
		require.NoError(t, server.WriteHead(resp, 4))
		require.NoError(t, server.WriteBody(strings.NewReader("pong"), false))
		require.NoError(t, server.EndBody())
		require.NoError(t, server.Flush())
	}()

	req := &httpconn.Head{Method: "POST", URI: "/echo", Header: httptype.NewHeader()}
	require.NoError(t, client.WriteHead(req, 4))
	require.NoError(t, client.WriteBody(strings.NewReader("ping"), false))
	require.NoError(t, client.EndBody())
	require.NoError(t, client.Flush())

	respHead, err := client.ReadHead()
	require.NoError(t, err)
	require.Equal(t, 200, respHead.StatusCode)

	respBody, err := client.ReadBody(respHead, false)
	require.NoError(t, err)
	r, err := respBody.Reader()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "pong", string(data))

	<-serverDone
}

// TestHTTPConnChunkedBody checks chunked transfer-encoding framing in
// both directions, including trailers.
func TestHTTPConnChunkedBody(t *testing.T) {
	serverNC, clientNC := net.Pipe()
	server := httpconn.New(serverNC, httpconn.RoleServer, httpconn.DefaultConfig())
	client := httpconn.New(clientNC, httpconn.RoleClient, httpconn.DefaultConfig())

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		head, err := server.ReadHead()
		require.NoError(t, err)
		body, err := server.ReadBody(head, false)
		require.NoError(t, err)
		r, err := body.Reader()
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, "chunked-payload", string(data))
		require.Equal(t, "abc", body.Trailers().Get("X-Checksum"))
	}()

	req := &httpconn.Head{Method: "POST", URI: "/", Header: httptype.NewHeader()}
	require.NoError(t, client.WriteHead(req, -1))
	require.NoError(t, client.WriteBody(strings.NewReader("chunked-payload"), true))
	trailers := httptype.NewHeader()
	trailers.Set("X-Checksum", "abc")
	require.NoError(t, client.WriteTrailers(trailers))
	require.NoError(t, client.Flush())

	<-serverDone
}

// TestHTTPConnConnectionCloseDisablesKeepAlive checks that an explicit
// "Connection: close" request header is honored.
func TestHTTPConnConnectionCloseDisablesKeepAlive(t *testing.T) {
	serverNC, clientNC := net.Pipe()
	server := httpconn.New(serverNC, httpconn.RoleServer, httpconn.DefaultConfig())
	client := httpconn.New(clientNC, httpconn.RoleClient, httpconn.DefaultConfig())

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		head, err := server.ReadHead()
		require.NoError(t, err)
		require.False(t, server.KeepAlive())
		_, err = server.ReadBody(head, false)
		require.NoError(t, err)
	}()

	req := &httpconn.Head{Method: "GET", URI: "/", Header: httptype.NewHeader()}
	req.Header.Set("Connection", "close")
	require.NoError(t, client.WriteHead(req, 0))
	require.NoError(t, client.WriteBody(strings.NewReader(""), false))
	require.NoError(t, client.EndBody())
	require.NoError(t, client.Flush())

	<-serverDone
}

// TestHTTPConnDeferredContinue checks 100-continue handling: the interim
// response goes out only when the server actually starts reading the
// body, and never when the handler answers from the headers alone.
func TestHTTPConnDeferredContinue(t *testing.T) {
	t.Run("ContinueSentOnBodyRead", func(t *testing.T) {
		serverNC, clientNC := net.Pipe()
		server := httpconn.New(serverNC, httpconn.RoleServer, httpconn.DefaultConfig())

		serverDone := make(chan struct{})
		go func() {
			defer close(serverDone)
			head, err := server.ReadHead()
			require.NoError(t, err)
			body, err := server.ReadBody(head, false)
			require.NoError(t, err)
			r, err := body.Reader()
			require.NoError(t, err)
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			require.Equal(t, "ping", string(data))
		}()

		_, err := clientNC.Write([]byte("POST /up HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n"))
		require.NoError(t, err)

		// The interim response must arrive before we supply the body;
		// nothing else can be on the wire yet.
		interim := make([]byte, len("HTTP/1.1 100 Continue\r\n\r\n"))
		_, err = io.ReadFull(clientNC, interim)
		require.NoError(t, err)
		require.Equal(t, "HTTP/1.1 100 Continue\r\n\r\n", string(interim))

		_, err = clientNC.Write([]byte("ping"))
		require.NoError(t, err)
		<-serverDone
	})

	t.Run("NoContinueWhenRejectedByHeaders", func(t *testing.T) {
		serverNC, clientNC := net.Pipe()
		server := httpconn.New(serverNC, httpconn.RoleServer, httpconn.DefaultConfig())

		serverDone := make(chan struct{})
		go func() {
			defer close(serverDone)
			_, err := server.ReadHead()
			require.NoError(t, err)
			// Reject from the headers alone: no body read, no 100.
			resp := &httpconn.Head{StatusCode: 403, Header: httptype.NewHeader()}
			require.NoError(t, server.WriteHead(resp, 0))
			require.NoError(t, server.EndBody())
			require.NoError(t, server.Flush())
		}()

		_, err := clientNC.Write([]byte("POST /up HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n"))
		require.NoError(t, err)

		br := bufio.NewReader(clientNC)
		statusLine, err := br.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "HTTP/1.1 403 Forbidden\r\n", statusLine, "the final response, not a 100, must come first")
		<-serverDone
	})
}

// TestHTTPConnHTTP10KeepAlive checks the version quirk: a 1.0 client
// asking for keep-alive gets the explicit confirmation header, and a 1.0
// client that didn't ask gets Connection: close.
func TestHTTPConnHTTP10KeepAlive(t *testing.T) {
	run := func(t *testing.T, reqHeaders string, wantConnection string) {
		serverNC, clientNC := net.Pipe()
		server := httpconn.New(serverNC, httpconn.RoleServer, httpconn.DefaultConfig())

		serverDone := make(chan struct{})
		go func() {
			defer close(serverDone)
			head, err := server.ReadHead()
			require.NoError(t, err)
			_, err = server.ReadBody(head, false)
			require.NoError(t, err)
			resp := &httpconn.Head{StatusCode: 200, Header: httptype.NewHeader()}
			require.NoError(t, server.WriteHead(resp, 2))
			require.NoError(t, server.WriteBody(strings.NewReader("ok"), false))
			require.NoError(t, server.EndBody())
			require.NoError(t, server.Flush())
		}()

		_, err := clientNC.Write([]byte("GET / HTTP/1.0\r\nHost: x\r\n" + reqHeaders + "Content-Length: 0\r\n\r\n"))
		require.NoError(t, err)

		br := bufio.NewReader(clientNC)
		var connection string
		for {
			line, err := br.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if v, ok := strings.CutPrefix(line, "Connection: "); ok {
				connection = v
			}
		}
		require.Equal(t, wantConnection, connection)
		<-serverDone
	}

	t.Run("KeepAliveConfirmed", func(t *testing.T) {
		run(t, "Connection: keep-alive\r\n", "keep-alive")
	})
	t.Run("DefaultCloses", func(t *testing.T) {
		run(t, "", "close")
	})
}

// TestHTTPConnResponseTrailersRequireTE checks that server-written
// trailers are discarded unless the request declared "TE: trailers"; the
// chunked body still terminates cleanly either way.
func TestHTTPConnResponseTrailersRequireTE(t *testing.T) {
	run := func(t *testing.T, te string, wantTrailer string) {
		serverNC, clientNC := net.Pipe()
		server := httpconn.New(serverNC, httpconn.RoleServer, httpconn.DefaultConfig())
		client := httpconn.New(clientNC, httpconn.RoleClient, httpconn.DefaultConfig())

		serverDone := make(chan struct{})
		go func() {
			defer close(serverDone)
			head, err := server.ReadHead()
			require.NoError(t, err)
			_, err = server.ReadBody(head, false)
			require.NoError(t, err)

			resp := &httpconn.Head{StatusCode: 200, Header: httptype.NewHeader()}
			require.NoError(t, server.WriteHead(resp, -1))
			require.NoError(t, server.WriteBody(strings.NewReader("data"), true))
			trailers := httptype.NewHeader()
			trailers.Set("X-Checksum", "abc")
			require.NoError(t, server.WriteTrailers(trailers))
			require.NoError(t, server.Flush())
		}()

		req := &httpconn.Head{Method: "GET", URI: "/", Header: httptype.NewHeader()}
		if te != "" {
			req.Header.Set("TE", te)
		}
		require.NoError(t, client.WriteHead(req, 0))
		require.NoError(t, client.EndBody())
		require.NoError(t, client.Flush())

		respHead, err := client.ReadHead()
		require.NoError(t, err)
		body, err := client.ReadBody(respHead, false)
		require.NoError(t, err)
		require.Equal(t, wantTrailer, body.Trailers().Get("X-Checksum"))
		<-serverDone
	}

	t.Run("DiscardedWithoutTE", func(t *testing.T) { run(t, "", "") })
	t.Run("SentWithTE", func(t *testing.T) { run(t, "trailers", "abc") })
}

// eofThenWritable is a net.Conn whose read side serves a scripted request
// then EOF, while the write side keeps collecting bytes, so half-close
// behavior can be observed without a real socket.
type eofThenWritable struct {
	r    io.Reader
	w    bytes.Buffer
	done bool
}

func (c *eofThenWritable) Read(p []byte) (int, error)       { return c.r.Read(p) }
func (c *eofThenWritable) Write(p []byte) (int, error)      { return c.w.Write(p) }
func (c *eofThenWritable) Close() error                     { c.done = true; return nil }
func (c *eofThenWritable) LocalAddr() net.Addr              { return nil }
func (c *eofThenWritable) RemoteAddr() net.Addr             { return nil }
func (c *eofThenWritable) SetDeadline(time.Time) error      { return nil }
func (c *eofThenWritable) SetReadDeadline(time.Time) error  { return nil }
func (c *eofThenWritable) SetWriteDeadline(time.Time) error { return nil }

// TestHTTPConnHalfClose checks both sides of the AllowHalfClose toggle:
// by default a read-side EOF refuses further writes; opted in, the write
// side stays usable.
func TestHTTPConnHalfClose(t *testing.T) {
	request := "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n"

	serve := func(t *testing.T, cfg httpconn.Config) (*httpconn.Conn, *eofThenWritable) {
		nc := &eofThenWritable{r: strings.NewReader(request)}
		conn := httpconn.New(nc, httpconn.RoleServer, cfg)
		head, err := conn.ReadHead()
		require.NoError(t, err)
		_, err = conn.ReadBody(head, false)
		require.NoError(t, err)
		// The peer is gone now; the next head read observes EOF.
		_, err = conn.ReadHead()
		require.ErrorIs(t, err, io.EOF)
		require.False(t, conn.KeepAlive())
		return conn, nc
	}

	t.Run("DefaultRefusesWrites", func(t *testing.T) {
		conn, _ := serve(t, httpconn.DefaultConfig())
		resp := &httpconn.Head{StatusCode: 200, Header: httptype.NewHeader()}
		require.Error(t, conn.WriteHead(resp, 0))
	})

	t.Run("OptInKeepsWriteSide", func(t *testing.T) {
		cfg := httpconn.DefaultConfig()
		cfg.AllowHalfClose = true
		conn, nc := serve(t, cfg)
		resp := &httpconn.Head{StatusCode: 200, Header: httptype.NewHeader()}
		require.NoError(t, conn.WriteHead(resp, 2))
		require.NoError(t, conn.WriteBody(strings.NewReader("ok"), false))
		require.NoError(t, conn.EndBody())
		require.NoError(t, conn.Flush())
		require.Contains(t, nc.w.String(), "HTTP/1.1 200 OK")
	})
}
