package wshandshake

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/ramaproxy/rama/pkg/autoselect"
	"github.com/ramaproxy/rama/pkg/http2"
	"github.com/ramaproxy/rama/pkg/httpconn"
	"github.com/ramaproxy/rama/pkg/httptype"
	"github.com/ramaproxy/rama/pkg/ws"
)

// ClientWebSocket pairs an installed client-role engine with the
// handshake response it was negotiated from.
type ClientWebSocket struct {
	Engine      *ws.Engine
	Response    *httptype.Response
	Subprotocol string
	Deflate     NegotiatedDeflate
}

// Upgrade performs the HTTP/1.1 WebSocket handshake over an established
// connection: builds the upgrade request from r, writes it through the
// HTTP/1.1 codec, validates the 101 response, and installs a client-role
// engine on the raw stream (re-serving any bytes the codec had already
// buffered past the response head). nc is owned by the returned engine on
// success; on error the caller still owns it.
func Upgrade(nc net.Conn, r Request, cfg ws.Config) (*ClientWebSocket, error) {
	upReq, clientKey, err := Build(r)
	if err != nil {
		return nil, err
	}

	conn := httpconn.New(nc, httpconn.RoleClient, httpconn.DefaultConfig())

	head := &httpconn.Head{
		Method: upReq.Method,
		URI:    r.Path,
		Proto:  upReq.Proto,
		Header: upReq.Header,
	}
	if head.URI == "" {
		head.URI = "/"
	}
	if err := conn.WriteHead(head, 0); err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}

	respHead, err := conn.ReadHead()
	if err != nil {
		return nil, err
	}
	resp := httptype.NewResponse(respHead.StatusCode)
	resp.Proto = respHead.Proto
	resp.Header = respHead.Header

	result, err := ValidateH1Response(resp, clientKey, r.Subprotocols, r.Deflate)
	if err != nil {
		return nil, err
	}

	raw, buffered := conn.Hijack()
	upgraded := autoselect.NewRewoundConn(raw, buffered)

	return &ClientWebSocket{
		Engine:      ws.New(upgraded, ws.RoleClient, cfg),
		Response:    resp,
		Subprotocol: result.Subprotocol,
		Deflate:     result.Deflate,
	}, nil
}

// UpgradeH2 performs the RFC 8441 extended-CONNECT WebSocket handshake:
// it opens a fresh HTTP/2 stream through client with ":protocol:
// websocket", validates the 200 response, and installs a client-role
// engine directly on the stream (client frames stay masked; the framing
// layer beneath changes, the WebSocket protocol does not).
func UpgradeH2(ctx context.Context, client *http2.Client, host string, port int, r Request, cfg ws.Config) (*ClientWebSocket, error) {
	r.UseH2ExtendedConnect = true
	built, _, err := Build(r)
	if err != nil {
		return nil, err
	}

	// Everything except the :protocol pseudo-header travels as regular
	// header fields on the CONNECT stream.
	extra := make(map[string]string)
	built.Header.Range(func(name, value string) bool {
		if !strings.HasPrefix(name, ":") {
			extra[name] = value
		}
		return true
	})

	respHeaders, stream, err := client.ConnectStream(ctx, host, port, r.Path, "websocket", extra, nil)
	if err != nil {
		return nil, err
	}

	status, _ := strconv.Atoi(respHeaders[":status"])
	resp := httptype.NewResponse(status)
	for name, value := range respHeaders {
		if !strings.HasPrefix(name, ":") {
			resp.Header.Set(name, value)
		}
	}

	result, err := ValidateH2Response(resp, r.Subprotocols, r.Deflate)
	if err != nil {
		stream.Close()
		return nil, err
	}

	return &ClientWebSocket{
		Engine:      ws.New(stream, ws.RoleClient, cfg),
		Response:    resp,
		Subprotocol: result.Subprotocol,
		Deflate:     result.Deflate,
	}, nil
}
