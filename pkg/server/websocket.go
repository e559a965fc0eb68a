package server

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ramaproxy/rama/pkg/autoselect"
	"github.com/ramaproxy/rama/pkg/httpconn"
	"github.com/ramaproxy/rama/pkg/httptype"
	"github.com/ramaproxy/rama/pkg/matcher"
	"github.com/ramaproxy/rama/pkg/ws"
	"github.com/ramaproxy/rama/pkg/wshandshake"
)

// WSHandler drives an accepted WebSocket connection. It owns conn for the
// lifetime of the session (it, not Server, is responsible for Close).
type WSHandler func(ctx context.Context, req *httptype.Request, conn *ws.Engine)

// wsRoute pairs a matcher with the handshake options and handler for a
// WebSocket upgrade route.
type wsRoute struct {
	Matcher       matcher.Matcher
	Subprotocols  []string
	DeflateOffer  wshandshake.DeflateOffer
	EngineConfig  ws.Config
	Handler       WSHandler
}

// HandleWS registers a WebSocket upgrade route. An incoming request whose
// Connection/Upgrade headers ask for "websocket" is matched against these
// routes (tried in registration order, before the plain HTTP routes) the
// same way Handle's routes are tried: the first whose Matcher matches
// wins. On a match the handshake is validated and accepted per RFC 6455,
// and h takes over the connection as a *ws.Engine with Role = RoleServer.
func (s *Server) HandleWS(m matcher.Matcher, subprotocols []string, h WSHandler) {
	s.mu.Lock()
	s.wsRoutes = append(s.wsRoutes, wsRoute{
		Matcher:      m,
		Subprotocols: subprotocols,
		DeflateOffer: wshandshake.DefaultDeflateOffer(),
		EngineConfig: ws.DefaultConfig(),
		Handler:      h,
	})
	s.mu.Unlock()
}

// matchWS returns the first registered WebSocket route matching req, or
// nil if none do.
func (s *Server) matchWS(ctx context.Context, req *httptype.Request) *wsRoute {
	s.mu.RLock()
	routes := s.wsRoutes
	s.mu.RUnlock()
	for i := range routes {
		if routes[i].Matcher.Matches(ctx, req) {
			return &routes[i]
		}
	}
	return nil
}

// upgradeWebSocket completes an HTTP/1.1 WebSocket handshake for req,
// whose Upgrade token was already recognized by serveHTTP1, and hands the
// connection off to route.Handler. Once Hijack returns, conn is no longer
// responsible for the socket regardless of outcome, so serveHTTP1 must
// not touch it again after calling this.
func (s *Server) upgradeWebSocket(ctx context.Context, conn *httpconn.Conn, req *httptype.Request, route *wsRoute, log *logrus.Entry) {
	resp, _, err := wshandshake.AcceptRequest(req, route.Subprotocols, route.DeflateOffer)
	if err != nil {
		log.WithError(err).Debug("websocket handshake rejected")
		_ = s.writeResponse(conn, httptype.NewResponse(400))
		return
	}

	head := &httpconn.Head{StatusCode: resp.StatusCode, Proto: "HTTP/1.1", Header: resp.Header}
	if err := conn.WriteHead(head, 0); err != nil {
		log.WithError(err).Debug("writing websocket handshake response")
		return
	}
	if err := conn.Flush(); err != nil {
		log.WithError(err).Debug("flushing websocket handshake response")
		return
	}

	raw, buffered := conn.Hijack()
	upgraded := autoselect.NewRewoundConn(raw, buffered)

	engine := ws.New(upgraded, ws.RoleServer, route.EngineConfig)
	route.Handler(ctx, req, engine)
}
