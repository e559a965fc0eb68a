// Package ws implements the post-handshake WebSocket protocol engine:
// RFC 6455 frame codec, the close handshake, ping/pong auto-reply,
// fragmentation reassembly, and write-side backpressure. It is installed
// on the raw stream pkg/httpconn hands back once an HTTP upgrade has been
// validated (server side) or pkg/wshandshake has confirmed the response
// (client side).
package ws

import (
	"encoding/binary"
	"io"

	"github.com/ramaproxy/rama/pkg/errors"
)

// Opcode identifies a frame's payload interpretation (RFC 6455 §5.2).
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether op identifies a control frame (Close/Ping/Pong
// or a reserved control opcode), which per RFC 6455 must be final and
// carry a payload of at most 125 bytes.
func (op Opcode) IsControl() bool {
	return op >= 0x8
}

// MaxControlFramePayload is RFC 6455's hard limit on control frame
// payload size.
const MaxControlFramePayload = 125

// Frame is one wire-level WebSocket frame.
type Frame struct {
	Final   bool
	RSV1    bool
	RSV2    bool
	RSV3    bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// maskBytes applies the RFC 6455 §5.3 XOR mask in place.
func maskBytes(key [4]byte, data []byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}

// readFrame reads one frame from r, enforcing maxFrameSize on the
// declared payload length before allocating a buffer for it.
func readFrame(r io.Reader, maxFrameSize int64) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, errors.NewIOError("reading frame header", err)
	}

	f := Frame{
		Final:  hdr[0]&0x80 != 0,
		RSV1:   hdr[0]&0x40 != 0,
		RSV2:   hdr[0]&0x20 != 0,
		RSV3:   hdr[0]&0x10 != 0,
		Opcode: Opcode(hdr[0] & 0x0f),
		Masked: hdr[1]&0x80 != 0,
	}

	length := int64(hdr[1] & 0x7f)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, errors.NewIOError("reading extended length", err)
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, errors.NewIOError("reading extended length", err)
		}
		length = int64(binary.BigEndian.Uint64(ext[:]))
		if length < 0 {
			return Frame{}, errors.NewWSProtocolError("bad_length", "negative 64-bit frame length")
		}
	}

	if maxFrameSize > 0 && length > maxFrameSize {
		return Frame{}, errors.NewWSProtocolError("oversize_frame", "frame payload exceeds max_frame_size")
	}
	if f.Opcode.IsControl() && length > MaxControlFramePayload {
		return Frame{}, errors.NewWSProtocolError("oversize_control", "control frame payload exceeds 125 bytes")
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return Frame{}, errors.NewIOError("reading mask key", err)
		}
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, errors.NewIOError("reading frame payload", err)
		}
		if f.Masked {
			maskBytes(f.MaskKey, f.Payload)
		}
	}
	return f, nil
}

// writeFrame serializes f onto w. The caller is responsible for setting
// f.Masked/f.MaskKey and having already masked f.Payload (writeFrame does
// not mutate the caller's payload slice).
func writeFrame(w io.Writer, f Frame) error {
	var first byte
	if f.Final {
		first |= 0x80
	}
	if f.RSV1 {
		first |= 0x40
	}
	if f.RSV2 {
		first |= 0x20
	}
	if f.RSV3 {
		first |= 0x10
	}
	first |= byte(f.Opcode) & 0x0f

	var second byte
	if f.Masked {
		second |= 0x80
	}

	n := len(f.Payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{first, second | byte(n)}
	case n <= 0xffff:
		header = make([]byte, 4)
		header[0], header[1] = first, second|126
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0], header[1] = first, second|127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	if _, err := w.Write(header); err != nil {
		return errors.NewIOError("writing frame header", err)
	}
	if f.Masked {
		if _, err := w.Write(f.MaskKey[:]); err != nil {
			return errors.NewIOError("writing mask key", err)
		}
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return errors.NewIOError("writing frame payload", err)
		}
	}
	return nil
}
