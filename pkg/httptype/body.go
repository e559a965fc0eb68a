package httptype

import (
	"io"

	"github.com/ramaproxy/rama/pkg/buffer"
)

// Body is the payload carried by a Request or Response. It is either fully
// buffered (read to completion, possibly spilled to disk through
// pkg/buffer) or a live stream read directly off the connection, with an
// optional trailer set that only becomes available once the stream is
// exhausted.
type Body struct {
	buffered *buffer.Buffer
	stream   io.ReadCloser
	trailers *Header
}

// NewBufferedBody wraps an already-complete in-memory/disk-spilled payload.
func NewBufferedBody(buf *buffer.Buffer) *Body {
	return &Body{buffered: buf}
}

// NewStreamBody wraps a live reader for a body still being received or
// produced, such as a chunked transfer-encoding body mid-flight.
func NewStreamBody(r io.ReadCloser) *Body {
	return &Body{stream: r}
}

// EmptyBody returns a Body with no content.
func EmptyBody() *Body {
	return NewBufferedBody(buffer.New(0))
}

// IsStream reports whether the body is a live, not-yet-drained stream.
func (b *Body) IsStream() bool {
	return b.stream != nil
}

// Reader returns a fresh reader over the body's content. For a buffered
// body this can be called repeatedly; for a stream body it may only be
// drained once, and subsequent calls return the same (now exhausted)
// reader.
func (b *Body) Reader() (io.ReadCloser, error) {
	if b.stream != nil {
		return b.stream, nil
	}
	return b.buffered.Reader()
}

// Size returns the known length of a buffered body, or -1 if the body is
// a stream whose total length is not yet known.
func (b *Body) Size() int64 {
	if b.buffered != nil {
		return b.buffered.Size()
	}
	return -1
}

// Buffered returns the underlying buffer for a buffered body, or nil if
// this Body wraps a live stream instead. Lets callers that need the raw
// *buffer.Buffer (disk-spilling, direct reuse) reach past the Reader
// abstraction when they know the body was constructed via NewBufferedBody.
func (b *Body) Buffered() *buffer.Buffer {
	return b.buffered
}

// Trailers returns the trailer header set, populated once a streamed body
// has been fully consumed (e.g. chunked-encoding trailers).
func (b *Body) Trailers() *Header {
	if b.trailers == nil {
		return NewHeader()
	}
	return b.trailers
}

// SetTrailers records the trailer set produced after a stream body drains.
func (b *Body) SetTrailers(h *Header) {
	b.trailers = h
}

// Close releases any resources (temp file, stream reader) held by the body.
func (b *Body) Close() error {
	if b.stream != nil {
		return b.stream.Close()
	}
	if b.buffered != nil {
		return b.buffered.Close()
	}
	return nil
}
