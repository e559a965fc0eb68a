package server

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/ramaproxy/rama/pkg/httptype"
	"github.com/ramaproxy/rama/pkg/tlsacceptor"
	"github.com/ramaproxy/rama/pkg/ws"
	"github.com/ramaproxy/rama/pkg/wshandshake"
)

// h2Bridge serves the HTTP/2 branch of pkg/autoselect's sniff through
// golang.org/x/net/http2.Server, the same module pkg/http2 already uses
// client-side, adapting net/http's Handler interface to this package's
// matcher/Service dispatch instead of reimplementing a second HPACK/frame
// stack.
type h2Bridge struct {
	srv *Server
	h2  *http2.Server
}

func newH2Bridge(srv *Server) *h2Bridge {
	return &h2Bridge{srv: srv, h2: &http2.Server{}}
}

// serve drives one HTTP/2 connection (already past the client preface) to
// completion. nc must implement http2.Server's requirement of a
// *tls.Conn-shaped connection only when ALPN negotiation is needed; here
// the version was already decided by pkg/autoselect, so a plain net.Conn
// (or the TLS-wrapped one from pkg/tlsacceptor) works via ServeConn.
func (b *h2Bridge) serve(nc net.Conn, hello *tlsacceptor.ClientHello, log *logrus.Entry) {
	b.h2.ServeConn(nc, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b.handle(w, r, hello, log)
		}),
	})
}

func (b *h2Bridge) handle(w http.ResponseWriter, r *http.Request, hello *tlsacceptor.ClientHello, log *logrus.Entry) {
	if r.Method == http.MethodConnect && extendedConnectProtocol(r) == "websocket" {
		b.handleExtendedConnect(w, r, hello, log)
		return
	}

	req := httptype.NewRequest(r.Method, r.URL)
	req.Proto = "HTTP/2.0"
	req.Host = r.Host
	req.RemoteAddr = r.RemoteAddr
	for name, values := range r.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if r.Body != nil {
		req.Body = httptype.NewStreamBody(r.Body)
	}
	if hello != nil {
		req.Extensions().Set(httptype.ExtKeyClientHello, hello)
	}
	req.Extensions().Set(httptype.ExtKeyRequestID, uuid.NewString())
	req.Extensions().Set(httptype.ExtKeyPeerAddr, r.RemoteAddr)

	reqLog := log.WithFields(logrus.Fields{
		"method": req.Method,
		"path":   req.URL.Path,
		"proto":  "h2",
	})

	resp, err := b.srv.dispatch(r.Context(), req)
	if err != nil {
		reqLog.WithError(err).Warn("handler error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp.Header.Range(func(name, value string) bool {
		w.Header().Add(name, value)
		return true
	})
	w.WriteHeader(resp.StatusCode)

	body, err := resp.Body.Reader()
	if err != nil {
		reqLog.WithError(err).Debug("reading response body")
		return
	}
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		reqLog.WithError(err).Debug("writing h2 response body")
	}
}

// extendedConnectProtocol extracts the :protocol pseudo-header value of
// an RFC 8441 extended-CONNECT request. The x/net/http2 server surfaces
// it through the request object; both surfaces seen across its versions
// are checked so the branch doesn't depend on one of them.
func extendedConnectProtocol(r *http.Request) string {
	if p := r.Header.Get(":protocol"); p != "" {
		return p
	}
	if r.Proto != "" && !strings.HasPrefix(r.Proto, "HTTP/") {
		return r.Proto
	}
	return ""
}

// handleExtendedConnect accepts a WebSocket-over-HTTP/2 stream: the
// registered WebSocket routes are matched exactly as on the HTTP/1.1
// upgrade path, the handshake is validated via wshandshake's H2 mirror,
// and the stream (request body in, flushed response writer out) is
// wrapped as a net.Conn for the engine.
func (b *h2Bridge) handleExtendedConnect(w http.ResponseWriter, r *http.Request, hello *tlsacceptor.ClientHello, log *logrus.Entry) {
	req := httptype.NewRequest(http.MethodConnect, r.URL)
	req.Proto = "HTTP/2.0"
	req.Host = r.Host
	req.RemoteAddr = r.RemoteAddr
	for name, values := range r.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if hello != nil {
		req.Extensions().Set(httptype.ExtKeyClientHello, hello)
	}
	req.Extensions().Set(httptype.ExtKeyRequestID, uuid.NewString())
	req.Extensions().Set(httptype.ExtKeyPeerAddr, r.RemoteAddr)

	route := b.srv.matchWS(r.Context(), req)
	if route == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	resp, _, err := wshandshake.AcceptH2Request(req, route.Subprotocols, route.DeflateOffer)
	if err != nil {
		log.WithError(err).Debug("websocket h2 handshake rejected")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Debug("response writer cannot flush, dropping extended CONNECT")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	resp.Header.Range(func(name, value string) bool {
		w.Header().Add(name, value)
		return true
	})
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	engine := ws.New(&h2StreamConn{r: r.Body, w: w, f: flusher}, ws.RoleServer, route.EngineConfig)
	route.Handler(r.Context(), req, engine)
}

// h2StreamConn adapts the server side of an extended-CONNECT stream
// (request body in, flushed response writer out) to net.Conn for
// ws.Engine. Deadlines are not supported on an http.ResponseWriter;
// the setters are accepted and ignored.
type h2StreamConn struct {
	r  io.ReadCloser
	w  io.Writer
	f  http.Flusher
	mu sync.Mutex
}

func (c *h2StreamConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *h2StreamConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.w.Write(p)
	if n > 0 {
		c.f.Flush()
	}
	return n, err
}

func (c *h2StreamConn) Close() error { return c.r.Close() }

func (c *h2StreamConn) LocalAddr() net.Addr  { return nil }
func (c *h2StreamConn) RemoteAddr() net.Addr { return nil }

func (c *h2StreamConn) SetDeadline(time.Time) error      { return nil }
func (c *h2StreamConn) SetReadDeadline(time.Time) error  { return nil }
func (c *h2StreamConn) SetWriteDeadline(time.Time) error { return nil }
