package http2

import (
	"bytes"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ramaproxy/rama/pkg/timing"
)

// Frame is the package's view of a single HTTP/2 frame, independent of
// which direction it traveled.
type Frame interface {
	Type() http2.FrameType
	StreamID() uint32
	Flags() http2.Flags
	Payload() []byte
}

// HeadersFrame is a HEADERS frame before HPACK encoding (outbound) or
// after HPACK decoding (inbound).
type HeadersFrame struct {
	StreamId   uint32
	Headers    map[string]string
	EndStream  bool
	EndHeaders bool
	Priority   *PriorityParam
	PadLength  uint8
}

func (f *HeadersFrame) Type() http2.FrameType { return http2.FrameHeaders }
func (f *HeadersFrame) StreamID() uint32      { return f.StreamId }

func (f *HeadersFrame) Flags() http2.Flags {
	var flags http2.Flags
	if f.EndStream {
		flags |= http2.FlagHeadersEndStream
	}
	if f.EndHeaders {
		flags |= http2.FlagHeadersEndHeaders
	}
	if f.Priority != nil {
		flags |= http2.FlagHeadersPriority
	}
	if f.PadLength > 0 {
		flags |= http2.FlagHeadersPadded
	}
	return flags
}

// Payload returns nil; the header block is produced by the connection's
// HPACK encoder at write time, not stored on the frame.
func (f *HeadersFrame) Payload() []byte { return nil }

// DataFrame is a DATA frame.
type DataFrame struct {
	StreamId  uint32
	Data      []byte
	EndStream bool
	PadLength uint8
}

func (f *DataFrame) Type() http2.FrameType { return http2.FrameData }
func (f *DataFrame) StreamID() uint32      { return f.StreamId }

func (f *DataFrame) Flags() http2.Flags {
	var flags http2.Flags
	if f.EndStream {
		flags |= http2.FlagDataEndStream
	}
	if f.PadLength > 0 {
		flags |= http2.FlagDataPadded
	}
	return flags
}

func (f *DataFrame) Payload() []byte { return f.Data }

// StreamState is the RFC 7540 section 5.1 stream lifecycle state.
type StreamState int

const (
	StateIdle StreamState = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

// Stream tracks one request/response exchange on a connection.
type Stream struct {
	ID              uint32
	State           StreamState
	Request         *Request
	Response        *Response
	WindowSize      int32
	PeerWindowSize  int32
	Priority        *PriorityParam
	HeadersReceived bool
	DataReceived    bool
	Closed          bool
}

// Request is a parsed outbound request: the HTTP/2 pseudo-header fields
// plus the regular header set and body taken from the raw HTTP/1.1-style
// input.
type Request struct {
	Method    string
	Path      string
	Authority string
	Scheme    string
	Headers   map[string]string
	Body      []byte
	RawText   []byte
}

// Response is a completed HTTP/2 response, carrying both the decoded
// message and the raw frames that produced it for callers doing protocol
// inspection.
type Response struct {
	Status      int
	StatusText  string
	Headers     map[string][]string
	Body        []byte
	Frames      []Frame
	RawFrames   [][]byte
	HTTPVersion string

	StreamID   uint32
	ServerPush []*PushPromise
	HPACKStats *HPACKStats
	FrameStats *FrameStats

	TotalTime time.Duration
	Metrics   *timing.Metrics

	// Connection metadata, populated so HTTP/2 responses expose the same
	// network-level facts as HTTP/1.1 ones.
	ConnectedIP        string
	ConnectedPort      int
	NegotiatedProtocol string
	TLSVersion         string
	TLSCipherSuite     string
	TLSServerName      string
	ConnectionReused   bool

	ProxyUsed bool
	ProxyType string
	ProxyAddr string
}

// PushPromise records a PUSH_PROMISE received from the server.
type PushPromise struct {
	PromisedStreamID uint32
	Headers          map[string]string
	Response         *Response
}

// HPACKStats reports header compression effectiveness for one exchange.
type HPACKStats struct {
	CompressedSize   int
	UncompressedSize int
	TableSize        int
	TableEntries     int
}

// FrameStats reports frame-level counters for one exchange.
type FrameStats struct {
	FramesSent     int
	FramesReceived int
	BytesSent      int
	BytesReceived  int
	StreamsOpened  int
	StreamsClosed  int
}

// RegistryStats is a snapshot of the transport's connection registry.
type RegistryStats struct {
	ActiveConnections int
	TotalStreams      int
	Connections       map[string]ConnectionStats
}

// ConnectionStats describes a single registered connection.
type ConnectionStats struct {
	Address       string
	StreamsActive int
	StreamsTotal  int
	LastActivity  time.Time
	Ready         bool
}

// Connection is one HTTP/2 connection: the underlying socket, its framer,
// and the per-connection HPACK contexts. HPACK state is connection-scoped
// in HTTP/2, so the encoder/decoder pair must never be shared across
// connections.
type Connection struct {
	Conn           net.Conn
	Framer         *http2.Framer
	Encoder        *hpack.Encoder
	EncoderBuf     *bytes.Buffer
	Decoder        *hpack.Decoder
	Streams        map[uint32]*Stream
	NextStreamID   uint32
	MaxConcurrent  uint32
	WindowSize     int32
	PeerWindowSize int32
	Settings       map[http2.SettingID]uint32
	PeerSettings   map[http2.SettingID]uint32
	Closed         bool
	// Ready flips to true once the SETTINGS handshake completes; a
	// registered connection must not be handed out before that.
	Ready        bool
	LastActivity time.Time
	RegistryKey  string
	Reused       bool
	mu           sync.RWMutex
}

// Close sends GOAWAY and closes the underlying socket. Safe to call more
// than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Closed {
		return nil
	}
	c.Closed = true

	if c.Framer != nil {
		c.Framer.WriteGoAway(0, http2.ErrCodeNo, nil)
	}
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return nil
}

// touch stamps the connection's last-activity time under lock.
func (c *Connection) touch() {
	c.mu.Lock()
	c.LastActivity = time.Now()
	c.mu.Unlock()
}
