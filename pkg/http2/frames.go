package http2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/net/http2"
)

// frameHeaderLen is the fixed size of an HTTP/2 frame header.
const frameHeaderLen = 9

// FrameHandler reads and writes package-level Frames over a raw stream,
// with its own HPACK contexts. It serves callers that drive framing
// directly, outside a managed Connection.
type FrameHandler struct {
	framer    *http2.Framer
	converter *Converter
}

// NewFrameHandler returns a FrameHandler over rw.
func NewFrameHandler(rw io.ReadWriter) *FrameHandler {
	return &FrameHandler{
		framer:    http2.NewFramer(rw, rw),
		converter: NewConverter(),
	}
}

// SendFrame writes a single HEADERS or DATA frame.
func (h *FrameHandler) SendFrame(frame Frame) error {
	switch f := frame.(type) {
	case *HeadersFrame:
		encoded, err := h.converter.EncodeHeaders(f.Headers)
		if err != nil {
			return fmt.Errorf("encoding headers: %w", err)
		}
		return h.framer.WriteRawFrame(http2.FrameHeaders, f.Flags(), f.StreamId, encoded)
	case *DataFrame:
		return h.framer.WriteData(f.StreamId, f.EndStream, f.Data)
	default:
		return fmt.Errorf("unsupported frame type: %T", frame)
	}
}

// SendFrames writes frames in order, stopping at the first error.
func (h *FrameHandler) SendFrames(frames []Frame) error {
	for _, frame := range frames {
		if err := h.SendFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads the next frame, decoding HEADERS and DATA into their
// package-level types and wrapping anything else as a GenericFrame.
func (h *FrameHandler) ReadFrame() (Frame, error) {
	rawFrame, err := h.framer.ReadFrame()
	if err != nil {
		return nil, err
	}

	switch f := rawFrame.(type) {
	case *http2.HeadersFrame:
		headers, err := h.converter.DecodeHeaders(f.HeaderBlockFragment())
		if err != nil {
			return nil, fmt.Errorf("decoding headers: %w", err)
		}
		frame := &HeadersFrame{
			StreamId:   f.StreamID,
			Headers:    headers,
			EndStream:  f.StreamEnded(),
			EndHeaders: f.HeadersEnded(),
		}
		if f.HasPriority() {
			frame.Priority = &PriorityParam{
				StreamDependency: f.Priority.StreamDep,
				Exclusive:        f.Priority.Exclusive,
				Weight:           f.Priority.Weight,
			}
		}
		return frame, nil
	case *http2.DataFrame:
		return &DataFrame{
			StreamId:  f.StreamID,
			Data:      f.Data(),
			EndStream: f.StreamEnded(),
		}, nil
	default:
		return &GenericFrame{
			frameType: f.Header().Type,
			streamId:  f.Header().StreamID,
			flags:     f.Header().Flags,
		}, nil
	}
}

// GenericFrame carries the header of a frame type the handler does not
// decode further.
type GenericFrame struct {
	frameType http2.FrameType
	streamId  uint32
	flags     http2.Flags
	payload   []byte
}

func (f *GenericFrame) Type() http2.FrameType { return f.frameType }
func (f *GenericFrame) StreamID() uint32      { return f.streamId }
func (f *GenericFrame) Flags() http2.Flags    { return f.flags }
func (f *GenericFrame) Payload() []byte       { return f.payload }

// RawFrameBuilder assembles frames at the byte level, header included,
// for callers that need wire bytes rather than a framer (the h2c upgrade
// path encoding HTTP2-Settings, tests asserting exact layouts).
type RawFrameBuilder struct {
	buf bytes.Buffer
}

// NewRawFrameBuilder returns an empty builder.
func NewRawFrameBuilder() *RawFrameBuilder {
	return &RawFrameBuilder{}
}

// BuildFrame produces the wire bytes for one frame: 24-bit length, type,
// flags, 31-bit stream id (R bit zero), then the payload.
func (b *RawFrameBuilder) BuildFrame(frameType http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) []byte {
	b.buf.Reset()

	header := make([]byte, frameHeaderLen)
	length := uint32(len(payload))
	header[0] = byte(length >> 16)
	header[1] = byte(length >> 8)
	header[2] = byte(length)
	header[3] = byte(frameType)
	header[4] = byte(flags)
	binary.BigEndian.PutUint32(header[5:frameHeaderLen], streamID&0x7fffffff)

	b.buf.Write(header)
	b.buf.Write(payload)
	return b.buf.Bytes()
}

// BuildSettingsFrame produces a SETTINGS frame carrying settings, or an
// empty ACK when ack is set.
func (b *RawFrameBuilder) BuildSettingsFrame(settings map[http2.SettingID]uint32, ack bool) []byte {
	var payload bytes.Buffer
	for id, value := range settings {
		binary.Write(&payload, binary.BigEndian, uint16(id))
		binary.Write(&payload, binary.BigEndian, value)
	}

	var flags http2.Flags
	if ack {
		flags = http2.FlagSettingsAck
	}
	return b.BuildFrame(http2.FrameSettings, flags, 0, payload.Bytes())
}

// BuildPingFrame produces a PING frame with the 8-byte opaque data.
func (b *RawFrameBuilder) BuildPingFrame(data [8]byte, ack bool) []byte {
	var flags http2.Flags
	if ack {
		flags = http2.FlagPingAck
	}
	return b.BuildFrame(http2.FramePing, flags, 0, data[:])
}

// BuildWindowUpdateFrame produces a WINDOW_UPDATE frame for streamID
// (0 = connection level).
func (b *RawFrameBuilder) BuildWindowUpdateFrame(streamID uint32, increment uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, increment&0x7fffffff)
	return b.BuildFrame(http2.FrameWindowUpdate, 0, streamID, payload)
}

// BuildGoAwayFrame produces a GOAWAY frame.
func (b *RawFrameBuilder) BuildGoAwayFrame(lastStreamID uint32, errorCode uint32, debugData []byte) []byte {
	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, lastStreamID&0x7fffffff)
	binary.Write(&payload, binary.BigEndian, errorCode)
	payload.Write(debugData)
	return b.BuildFrame(http2.FrameGoAway, 0, 0, payload.Bytes())
}

// ParseFrame splits raw wire bytes into a frame header and payload.
func ParseFrame(data []byte) (*http2.FrameHeader, []byte, error) {
	if len(data) < frameHeaderLen {
		return nil, nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	length := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	header := &http2.FrameHeader{
		Length:   length,
		Type:     http2.FrameType(data[3]),
		Flags:    http2.Flags(data[4]),
		StreamID: binary.BigEndian.Uint32(data[5:frameHeaderLen]) & 0x7fffffff,
	}

	if len(data) < int(frameHeaderLen+length) {
		return nil, nil, fmt.Errorf("incomplete frame: expected %d bytes, got %d", frameHeaderLen+length, len(data))
	}
	return header, data[frameHeaderLen : frameHeaderLen+length], nil
}
