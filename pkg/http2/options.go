// Package http2 implements a raw HTTP/2 client on top of
// golang.org/x/net/http2's framer and HPACK codec. Requests go in as
// HTTP/1.1-style raw bytes and come back out the same way, so callers
// speaking the raw-request format don't care which wire protocol carried
// them. Connection establishment (including upstream proxies) is shared
// with the HTTP/1.1 transport; only the framing layer lives here.
package http2

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ramaproxy/rama/pkg/errors"
)

// ProxyConfig describes an upstream proxy for HTTP/2 connections. It
// carries the same fields as the HTTP/1.1 transport's proxy config; the
// dial itself is delegated to the shared transport.
type ProxyConfig struct {
	Type               string
	Host               string
	Port               int
	Username           string
	Password           string
	ConnTimeout        time.Duration
	ProxyHeaders       map[string]string
	TLSConfig          *tls.Config
	ResolveDNSViaProxy bool
}

// Options contains HTTP/2 specific configuration. The SETTINGS fields map
// directly to the SETTINGS frame parameters of RFC 7540.
type Options struct {
	// MaxConcurrentStreams limits concurrent streams (SETTINGS_MAX_CONCURRENT_STREAMS).
	MaxConcurrentStreams uint32

	// InitialWindowSize sets the flow control window (SETTINGS_INITIAL_WINDOW_SIZE).
	InitialWindowSize uint32

	// MaxFrameSize sets the maximum frame payload (SETTINGS_MAX_FRAME_SIZE).
	MaxFrameSize uint32

	// MaxHeaderListSize limits the header list size (SETTINGS_MAX_HEADER_LIST_SIZE).
	MaxHeaderListSize uint32

	// HeaderTableSize sets the HPACK dynamic table size (SETTINGS_HEADER_TABLE_SIZE).
	HeaderTableSize uint32

	// DisableServerPush sends SETTINGS_ENABLE_PUSH = 0.
	DisableServerPush bool

	// EnableCompression enables HPACK header compression.
	EnableCompression bool

	// EnableMultiplexing sends the preface directly on cleartext
	// connections (prior knowledge) instead of the HTTP/1.1 h2c upgrade
	// dance.
	EnableMultiplexing bool

	// ReuseConnection keeps the connection registered for reuse by later
	// requests to the same authority instead of closing it per request.
	ReuseConnection bool

	// InsecureTLS skips TLS certificate verification. It always overrides
	// TLSConfig.InsecureSkipVerify, even when a custom TLSConfig is
	// provided, so interception setups can combine custom TLS settings
	// with disabled verification.
	InsecureTLS bool

	// TLSConfig provides custom TLS configuration. Cloned before use.
	TLSConfig *tls.Config

	// Client certificate for mutual TLS: either PEM bytes directly, or
	// file paths loaded at dial time.
	ClientCertPEM  []byte
	ClientKeyPEM   []byte
	ClientCertFile string
	ClientKeyFile  string

	// Protocol version bounds and cipher control. TLSConfig values take
	// precedence when both are set.
	MinTLSVersion    uint16
	MaxTLSVersion    uint16
	TLSRenegotiation tls.RenegotiationSupport
	CipherSuites     []uint16

	// SNI overrides the Server Name Indication sent during the TLS
	// handshake. Priority: TLSConfig.ServerName > SNI > target host.
	SNI string

	// DisableSNI omits the SNI extension entirely.
	DisableSNI bool

	// Proxy routes the connection through an upstream proxy via the
	// shared transport dialer. All proxy types the HTTP/1.1 path supports
	// work here too; the TLS+ALPN leg is layered over the tunnel.
	Proxy *ProxyConfig

	// Priority applies stream priority to request HEADERS frames.
	Priority *PriorityParam

	// Debug gates per-frame protocol logging. Logging goes through Logger
	// at debug level; with all flags false no log calls are made.
	Debug struct {
		LogFrames   bool
		LogSettings bool
		LogHeaders  bool
		LogData     bool
	}

	// Logger receives debug frame logs. Defaults to the standard logger.
	Logger *logrus.Logger
}

// PriorityParam represents RFC 7540 stream priority settings.
type PriorityParam struct {
	StreamDependency uint32
	Exclusive        bool
	Weight           uint8
}

// DefaultOptions returns defaults aligned with Go's own HTTP/2 transport:
// a 4MB initial window, 16KB frames, push disabled.
func DefaultOptions() *Options {
	return &Options{
		MaxConcurrentStreams: 100,
		InitialWindowSize:    4194304,
		MaxFrameSize:         16384,
		MaxHeaderListSize:    10485760,
		HeaderTableSize:      4096,
		DisableServerPush:    true,
		EnableCompression:    true,
	}
}

// ValidateOptions checks opts against the value ranges RFC 7540 permits.
// A nil opts is valid; defaults apply.
func ValidateOptions(opts *Options) error {
	if opts == nil {
		return nil
	}
	// RFC 7540 section 6.5.2: 2^14 <= SETTINGS_MAX_FRAME_SIZE <= 2^24-1.
	if opts.MaxFrameSize > 0 && (opts.MaxFrameSize < 16384 || opts.MaxFrameSize > 16777215) {
		return errors.NewValidationError(fmt.Sprintf("MaxFrameSize must be between 16384 and 16777215, got %d", opts.MaxFrameSize))
	}
	// RFC 7540 section 6.5.2: SETTINGS_INITIAL_WINDOW_SIZE <= 2^31-1.
	if opts.InitialWindowSize > (1<<31 - 1) {
		return errors.NewValidationError(fmt.Sprintf("InitialWindowSize must not exceed 2147483647, got %d", opts.InitialWindowSize))
	}
	return nil
}

// logger resolves the configured debug logger, falling back to the
// process-wide standard logger.
func (o *Options) logger() *logrus.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}
