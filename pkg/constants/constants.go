// Package constants defines magic numbers and default values shared across the library.
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout     = 90 * time.Second
	DefaultConnTimeout     = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultPingInterval    = 15 * time.Second
	MaxConnectionIdleTime  = 5 * time.Minute
	HealthCheckInterval    = 30 * time.Second
	CleanupInterval        = 30 * time.Second
)

// HTTP/2 limits
const (
	MaxTotalStreams       = 10000
	SettingsAckTimeout    = 10 * time.Second
	DefaultHpackTableSize = 4096
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer
)

// HTTP2Preface is the literal 24-byte HTTP/2 client connection preface
// (RFC 7540 Section 3.5). Any byte-position mismatch while reading this
// many bytes from a fresh connection means the stream is HTTP/1.x.
const HTTP2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// AutoSelectPeekSize is the fixed size of the auto-selector's sniff buffer.
// It must equal len(HTTP2Preface); it is not growable.
const AutoSelectPeekSize = len(HTTP2Preface)

// WebSocket handshake constants (RFC 6455).
const (
	WebSocketGUID    = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	WebSocketVersion = "13"
)

// WebSocket engine defaults.
const (
	DefaultWSReadBufferSize   = 128 * 1024
	DefaultWSWriteBufferSize  = 128 * 1024
	DefaultWSMaxMessageSize   = 64 * 1024 * 1024
	DefaultWSMaxFrameSize     = 16 * 1024 * 1024
)

// TLS acceptor certificate cache defaults.
const (
	DefaultCertCacheTTL      = 89 * 24 * time.Hour
	DefaultCertCacheCapacity = 1024
	DefaultLeafValidity      = 90 * 24 * time.Hour
)

// Connection pool defaults.
const (
	DefaultPoolWaitTimeout = 0 // no blocking by default
	DefaultPoolIdleTimeout = 90 * time.Second
)

// DefaultHeaderReadTimeout bounds how long the HTTP/1 codec waits for a full
// request/response head before failing with a header-timeout error.
const DefaultHeaderReadTimeout = 30 * time.Second
