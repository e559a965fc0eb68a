// Package autoselect sniffs a fresh, already-TLS-demuxed byte stream to
// decide whether it carries HTTP/1.x or HTTP/2 traffic, without consuming
// bytes the chosen codec still needs to see. It peeks
// at most the 24-byte HTTP/2 client preface, then hands the stream
// (prefixed with whatever it already read) to the matching codec.
package autoselect

import (
	"net"
	"sync/atomic"

	"github.com/ramaproxy/rama/pkg/constants"
	"github.com/ramaproxy/rama/pkg/errors"
)

// Version identifies which codec a stream was sniffed as.
type Version int

const (
	VersionUnknown Version = iota
	VersionHTTP1
	VersionHTTP2
)

// Config lets a caller force a single version, bypassing the sniff.
type Config struct {
	ForceHTTP1 bool
	ForceHTTP2 bool
}

// Selector performs the preface sniff for one connection.
type Selector struct {
	cfg       Config
	shutdown  atomic.Bool
}

// New builds a Selector with cfg.
func New(cfg Config) *Selector {
	return &Selector{cfg: cfg}
}

// GracefulShutdown interrupts an in-flight Sniff: the next Read performed
// by the probe (not a read already in progress) observes the flag and
// returns an "interrupted" I/O error instead of blocking further.
func (s *Selector) GracefulShutdown() {
	s.shutdown.Store(true)
}

// RewoundConn is a net.Conn wrapper that first replays previously peeked
// bytes, then reads from the underlying connection as normal. It is a
// replay-only buffer: once the peeked prefix is drained, further Reads go
// straight to the wrapped net.Conn with no added buffering, unlike a
// bufio.Reader that would keep over-reading.
type RewoundConn struct {
	net.Conn
	prefix []byte
	pos    int
}

// NewRewoundConn wraps nc to replay prefix before further reads fall
// through to nc itself. Exported so other packages handing off an
// already-buffered connection (pkg/server's WebSocket upgrade, which
// hands pkg/httpconn's Hijack leftovers to pkg/ws) can reuse this replay
// buffer instead of writing their own.
func NewRewoundConn(nc net.Conn, prefix []byte) *RewoundConn {
	return &RewoundConn{Conn: nc, prefix: prefix}
}

// Read implements net.Conn, serving buffered prefix bytes before falling
// through to the underlying connection.
func (r *RewoundConn) Read(p []byte) (int, error) {
	if r.pos < len(r.prefix) {
		n := copy(p, r.prefix[r.pos:])
		r.pos += n
		return n, nil
	}
	return r.Conn.Read(p)
}

// Result is what Sniff determined about the stream.
type Result struct {
	Version Version
	Conn    net.Conn // wraps nc to replay the peeked prefix
}

// Sniff reads up to len(constants.HTTP2Preface) bytes from nc into a fixed
// 24-byte stack array, comparing the filled prefix against the HTTP/2
// client preface at each partial read: the probe assumes HTTP/2 until the
// first mismatching byte proves otherwise. It never reads more bytes than
// the codec it hands off to will need re-served.
func (s *Selector) Sniff(nc net.Conn) (Result, error) {
	if s.cfg.ForceHTTP1 {
		return Result{Version: VersionHTTP1, Conn: nc}, nil
	}
	if s.cfg.ForceHTTP2 {
		return Result{Version: VersionHTTP2, Conn: nc}, nil
	}

	var scratch [24]byte
	preface := constants.HTTP2Preface
	filled := 0

	for filled < len(preface) {
		if s.shutdown.Load() {
			return Result{}, errors.NewIOError("version probe interrupted", nil)
		}
		n, err := nc.Read(scratch[filled:len(preface)])
		if n > 0 {
			end := filled + n
			mismatch := false
			for i := filled; i < end; i++ {
				if scratch[i] != preface[i] {
					mismatch = true
					break
				}
			}
			filled = end
			if mismatch {
				return s.resolvedHTTP1(nc, scratch[:filled])
			}
		}
		if err != nil {
			// EOF or a read error before the full preface arrived: treat
			// whatever we got as HTTP/1 framing, since a genuine HTTP/2
			// client never pauses mid-preface.
			return s.resolvedHTTP1(nc, scratch[:filled])
		}
	}
	return Result{Version: VersionHTTP2, Conn: &RewoundConn{Conn: nc, prefix: append([]byte(nil), scratch[:filled]...)}}, nil
}

func (s *Selector) resolvedHTTP1(nc net.Conn, peeked []byte) (Result, error) {
	return Result{Version: VersionHTTP1, Conn: &RewoundConn{Conn: nc, prefix: append([]byte(nil), peeked...)}}, nil
}
