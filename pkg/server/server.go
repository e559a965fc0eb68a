// Package server is the composition root for the server half of this
// module: it wires pkg/autoselect (H1/H2 version sniffing), pkg/tlsacceptor
// (optional TLS termination with dynamic certs), pkg/httpconn (the HTTP/1.1
// connection state machine), pkg/matcher (request routing), and
// pkg/service (the handler composition kernel) into a runnable accept
// loop, the inbound mirror of the root package's client-facing facade.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ramaproxy/rama/pkg/autoselect"
	"github.com/ramaproxy/rama/pkg/errors"
	"github.com/ramaproxy/rama/pkg/httpconn"
	"github.com/ramaproxy/rama/pkg/httptype"
	"github.com/ramaproxy/rama/pkg/matcher"
	"github.com/ramaproxy/rama/pkg/service"
	"github.com/ramaproxy/rama/pkg/tlsacceptor"
)

// Handler is the Service shape every route dispatches to.
type Handler = service.Service[*httptype.Request, *httptype.Response]

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx context.Context, req *httptype.Request) (*httptype.Response, error)

// Serve implements Handler.
func (f HandlerFunc) Serve(ctx context.Context, req *httptype.Request) (*httptype.Response, error) {
	return f(ctx, req)
}

// Route pairs a matcher with the handler it dispatches to, tried in
// registration order.
type Route struct {
	Matcher matcher.Matcher
	Handler Handler
}

// Config controls the listener's protocol and connection-state behavior.
type Config struct {
	HTTPConn httpconn.Config
	// TLS, when non-nil, terminates TLS on every accepted connection before
	// the H1/H2 sniff runs. Nil means plaintext.
	TLS *tlsacceptor.Acceptor
	// Layers wraps every route's Handler (and the not-found fallback),
	// outermost first, the way pkg/service.Stack composes middleware.
	Layers []service.Layer[*httptype.Request, *httptype.Response]
	Logger *logrus.Logger
}

// DefaultConfig returns a plaintext configuration (no TLS acceptor), which
// serves HTTP/1.1 and prior-knowledge HTTP/2 through the preface sniff, with
// the package's default connection-state settings and a standard logrus
// logger.
func DefaultConfig() Config {
	return Config{
		HTTPConn: httpconn.DefaultConfig(),
		Logger:   logrus.StandardLogger(),
	}
}

// Server accepts connections, demultiplexes HTTP/1.1 vs HTTP/2, and
// dispatches requests to whichever registered Route matches first.
type Server struct {
	cfg      Config
	selector *autoselect.Selector
	h2       *h2Bridge

	mu       sync.RWMutex
	routes   []Route
	wsRoutes []wsRoute
	notFound Handler
}

// New builds a Server with cfg. Routes are added with Handle before Serve
// is called; adding routes concurrently with Serve is safe.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	s := &Server{
		cfg:      cfg,
		selector: autoselect.New(autoselect.Config{}),
	}
	s.notFound = service.Stack[*httptype.Request, *httptype.Response](
		HandlerFunc(notFound), cfg.Layers...,
	)
	s.h2 = newH2Bridge(s)
	return s
}

func notFound(_ context.Context, _ *httptype.Request) (*httptype.Response, error) {
	return httptype.NewResponse(http.StatusNotFound), nil
}

// Handle registers a route. Routes are tried in the order they were added;
// the first whose Matcher matches serves the request.
func (s *Server) Handle(m matcher.Matcher, h Handler) {
	wrapped := service.Stack[*httptype.Request, *httptype.Response](h, s.cfg.Layers...)
	s.mu.Lock()
	s.routes = append(s.routes, Route{Matcher: m, Handler: wrapped})
	s.mu.Unlock()
}

// dispatch runs req through the first matching route, or the not-found
// fallback if none match.
func (s *Server) dispatch(ctx context.Context, req *httptype.Request) (*httptype.Response, error) {
	s.mu.RLock()
	routes := s.routes
	s.mu.RUnlock()

	for _, r := range routes {
		if r.Matcher.Matches(ctx, req) {
			return r.Handler.Serve(ctx, req)
		}
	}
	return s.notFound.Serve(ctx, req)
}

// Serve accepts connections from ln until ctx is cancelled, handling each
// on its own goroutine. It returns once the listener is closed, either by
// ctx cancellation or an unrecoverable Accept error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.selector.GracefulShutdown()
			ln.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.NewIOError("accepting connection", err)
		}
		go s.handleConn(ctx, nc)
	}
}

// handleConn terminates TLS (if configured), sniffs the protocol version,
// and dispatches to the matching per-protocol loop.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	log := s.cfg.Logger.WithField("remote_addr", nc.RemoteAddr().String())
	defer nc.Close()

	var hello *tlsacceptor.ClientHello
	if s.cfg.TLS != nil {
		tlsConn, err := s.cfg.TLS.Accept(nc)
		if err != nil {
			log.WithError(err).Debug("tls handshake failed")
			return
		}
		nc = tlsConn
		hello, _ = s.cfg.TLS.TakeHello(tlsConn.RemoteAddr().String())
	}

	result, err := s.selector.Sniff(nc)
	if err != nil {
		log.WithError(err).Debug("version probe interrupted")
		return
	}

	switch result.Version {
	case autoselect.VersionHTTP2:
		s.h2.serve(result.Conn, hello, log)
	default:
		s.serveHTTP1(ctx, result.Conn, hello, log)
	}
}

// serveHTTP1 drives a single connection's request/response cycle(s) over
// pkg/httpconn until the peer (or we) close it.
func (s *Server) serveHTTP1(ctx context.Context, nc net.Conn, hello *tlsacceptor.ClientHello, log *logrus.Entry) {
	conn := httpconn.New(nc, httpconn.RoleServer, s.cfg.HTTPConn)
	for {
		head, err := conn.ReadHead()
		if err != nil {
			// An in-buffer parse error gets a synthesized 400 before the
			// connection closes; EOF, timeouts, and an HTTP/2 preface on
			// an HTTP/1 connection just close.
			if errors.GetErrorType(err) == errors.ErrorTypeProtocol {
				conn.DisableKeepAlive()
				_ = s.writeResponse(conn, httptype.NewResponse(http.StatusBadRequest))
			}
			return
		}

		if head.Upgrade == "websocket" {
			req := requestFromHead(head, httptype.EmptyBody(), nc.RemoteAddr().String())
			if hello != nil {
				req.Extensions().Set(httptype.ExtKeyClientHello, hello)
			}
			if route := s.matchWS(ctx, req); route != nil {
				s.upgradeWebSocket(ctx, conn, req, route, log)
				return
			}
		}

		body, err := conn.ReadBody(head, false)
		if err != nil {
			log.WithError(err).Debug("reading request body")
			return
		}

		req := requestFromHead(head, body, nc.RemoteAddr().String())
		if hello != nil {
			req.Extensions().Set(httptype.ExtKeyClientHello, hello)
		}

		reqLog := log.WithFields(logrus.Fields{
			"method": req.Method,
			"path":   req.URL.Path,
		})

		resp, err := s.dispatch(ctx, req)
		if err != nil {
			reqLog.WithError(err).Warn("handler error")
			resp = httptype.NewResponse(http.StatusInternalServerError)
		}
		if resp == nil {
			resp = httptype.NewResponse(http.StatusNoContent)
		}

		if err := s.writeResponse(conn, resp); err != nil {
			reqLog.WithError(err).Debug("writing response")
			return
		}
		if !conn.KeepAlive() {
			return
		}
	}
}

func requestFromHead(head *httpconn.Head, body *httptype.Body, remoteAddr string) *httptype.Request {
	u, err := url.ParseRequestURI(head.URI)
	if err != nil || u == nil {
		u = &url.URL{Path: head.URI}
	}
	req := httptype.NewRequest(head.Method, u)
	req.Proto = head.Proto
	req.Header = head.Header
	req.Body = body
	req.Host = head.Header.Get("Host")
	req.RemoteAddr = remoteAddr
	req.Extensions().Set(httptype.ExtKeyRequestID, uuid.NewString())
	req.Extensions().Set(httptype.ExtKeyPeerAddr, remoteAddr)
	return req
}

func (s *Server) writeResponse(conn *httpconn.Conn, resp *httptype.Response) error {
	size := resp.Body.Size()
	head := &httpconn.Head{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header,
	}
	if err := conn.WriteHead(head, size); err != nil {
		return err
	}

	r, err := resp.Body.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	chunked := size < 0
	if err := conn.WriteBody(r, chunked); err != nil {
		return err
	}
	if chunked {
		if err := conn.WriteTrailers(resp.Body.Trailers()); err != nil {
			return err
		}
	} else if err := conn.EndBody(); err != nil {
		return err
	}
	return conn.Flush()
}
