package ws

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/ramaproxy/rama/pkg/errors"
)

// Role identifies which side of the connection Engine is driving: it
// controls masking direction (clients mask outgoing frames, servers must
// reject masked frames' absence/presence per RFC 6455 §5.1) and which
// side drops the underlying stream first after a completed close
// handshake.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// State is the engine's close-handshake lifecycle, mirroring spec
// section 3's WebSocket engine state list.
type State int

const (
	StateActive State = iota
	StateClosedByUs
	StateClosedByPeer
	StateCloseAcknowledged
	StateTerminated
)

func (s State) canRead() bool {
	return s == StateActive || s == StateClosedByUs
}

// MessageType identifies what a Read call delivered to the caller.
type MessageType int

const (
	MessageText MessageType = iota
	MessageBinary
	MessagePing
	MessagePong
	MessageClose
)

// Message is a fully reassembled application-level WebSocket message.
type Message struct {
	Type        MessageType
	Data        []byte
	CloseCode   int
	CloseReason string
}

// Config controls the engine's buffer sizing and size limits (spec
// section 4.6).
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	// MaxWriteBufferSize is the hard cap on buffered-but-unflushed output;
	// must be strictly greater than WriteBufferSize.
	MaxWriteBufferSize int
	// MaxMessageSize bounds a reassembled message's total size; 0 means
	// unlimited.
	MaxMessageSize int64
	// MaxFrameSize bounds a single frame's declared payload length; 0
	// means unlimited.
	MaxFrameSize int64
	// AcceptUnmaskedFrames lets a server accept unmasked client frames,
	// which RFC 6455 otherwise requires rejecting.
	AcceptUnmaskedFrames bool
}

// DefaultConfig returns the package defaults: 128KiB buffers, 64MiB
// messages, 16MiB frames, masked client frames required.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:       128 * 1024,
		WriteBufferSize:      128 * 1024,
		MaxWriteBufferSize:   256 * 1024,
		MaxMessageSize:       64 * 1024 * 1024,
		MaxFrameSize:         16 * 1024 * 1024,
		AcceptUnmaskedFrames: false,
	}
}

// incomplete accumulates a fragmented data message (Text/Binary followed
// by zero or more Continuation frames) until the final fragment arrives.
type incomplete struct {
	active bool
	opcode Opcode
	data   []byte
}

// Engine drives the WebSocket protocol over a single raw net.Conn after
// the HTTP upgrade handshake has installed it: frame codec, the close
// handshake, ping/pong auto-reply, fragmentation reassembly, and
// write-side backpressure.
type Engine struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	role Role
	cfg  Config

	state State
	msg   incomplete

	// pending holds the single queued out-of-band frame (a pong reply or
	// our mirrored close reply) awaiting flush. At most one is ever queued.
	pending            *Frame
	unflushedAdditional bool

	// writeBuf accumulates serialized bytes between flushes so Write can
	// batch small messages instead of issuing a syscall per call.
	writeBuf []byte

	// closeNotified tracks whether Read has already delivered the
	// one-time ConnectionClosed notification after the close handshake
	// completed; every call after that gets AlreadyClosed instead. Applies
	// symmetrically to both roles.
	closeNotified bool

	// HighWaterMark tracks the largest writeBuf length this engine has
	// reached, exposed for backpressure observability.
	HighWaterMark int

	closedConn bool
}

// New installs an Engine on nc for the given role and configuration.
func New(nc net.Conn, role Role, cfg Config) *Engine {
	return &Engine{
		conn:  nc,
		br:    bufio.NewReaderSize(nc, cfg.ReadBufferSize),
		bw:    bufio.NewWriterSize(nc, cfg.WriteBufferSize),
		role:  role,
		cfg:   cfg,
		state: StateActive,
	}
}

// State reports the engine's current close-handshake state.
func (e *Engine) State() State { return e.state }

// Read parses and reassembles the next application message, auto-replying
// to pings and mirroring peer-initiated closes.
func (e *Engine) Read() (Message, error) {
	if e.pending != nil {
		if err := e.flushPending(); err != nil {
			if err == errWouldBlock {
				e.unflushedAdditional = true
			} else {
				return Message{}, err
			}
		}
	}

	// Once the close handshake has completed (or the engine was force-
	// terminated), reads never reach readFrame again: the first call
	// reports ConnectionClosed, and every call after that reports
	// AlreadyClosed, the same for RoleClient as for RoleServer.
	if !e.state.canRead() {
		if !e.closeNotified {
			e.closeNotified = true
			return Message{}, errors.NewWSConnectionClosedError("connection closed")
		}
		return Message{}, errors.NewWSClosedError("already closed")
	}

	for {
		f, err := readFrame(e.br, e.cfg.MaxFrameSize)
		if err != nil {
			e.state = StateTerminated
			return Message{}, err
		}

		if f.RSV1 || f.RSV2 || f.RSV3 {
			e.state = StateTerminated
			return Message{}, errors.NewWSProtocolError("reserved_bits_set", "RSV1/2/3 must be zero without a negotiated extension")
		}
		if e.role == RoleClient && f.Masked {
			e.state = StateTerminated
			return Message{}, errors.NewWSProtocolError("masked_server_frame", "server-to-client frames must not be masked")
		}
		if e.role == RoleServer && !f.Masked && !e.cfg.AcceptUnmaskedFrames {
			e.state = StateTerminated
			return Message{}, errors.NewWSProtocolError("unmasked_client_frame", "client-to-server frames must be masked")
		}
		if f.Opcode.IsControl() && !f.Final {
			e.state = StateTerminated
			return Message{}, errors.NewWSProtocolError("fragmented_control", "control frames must not be fragmented")
		}

		switch f.Opcode {
		case OpClose:
			return e.handleClose(f)
		case OpPing:
			if e.state == StateActive {
				pong := &Frame{Final: true, Opcode: OpPong, Payload: append([]byte(nil), f.Payload...)}
				e.maskIfClient(pong)
				e.pending = pong
				if perr := e.flushPending(); perr != nil {
					if perr == errWouldBlock {
						e.unflushedAdditional = true
					} else {
						return Message{}, perr
					}
				}
			}
			return Message{Type: MessagePing, Data: f.Payload}, nil
		case OpPong:
			return Message{Type: MessagePong, Data: f.Payload}, nil
		case OpText, OpBinary:
			if e.msg.active {
				e.state = StateTerminated
				return Message{}, errors.NewWSProtocolError("unexpected_data_start", "new data message started mid-fragment")
			}
			if f.Final {
				if err := e.checkMessageSize(int64(len(f.Payload))); err != nil {
					e.state = StateTerminated
					return Message{}, err
				}
				return Message{Type: dataMessageType(f.Opcode), Data: f.Payload}, nil
			}
			e.msg = incomplete{active: true, opcode: f.Opcode, data: append([]byte(nil), f.Payload...)}
			continue
		case OpContinuation:
			if !e.msg.active {
				e.state = StateTerminated
				return Message{}, errors.NewWSProtocolError("fragment_without_start", "continuation frame with no prior start")
			}
			e.msg.data = append(e.msg.data, f.Payload...)
			if err := e.checkMessageSize(int64(len(e.msg.data))); err != nil {
				e.state = StateTerminated
				return Message{}, err
			}
			if f.Final {
				out := Message{Type: dataMessageType(e.msg.opcode), Data: e.msg.data}
				e.msg = incomplete{}
				return out, nil
			}
			continue
		default:
			e.state = StateTerminated
			return Message{}, errors.NewWSProtocolError("unknown_opcode", "unrecognized frame opcode")
		}
	}
}

func dataMessageType(op Opcode) MessageType {
	if op == OpText {
		return MessageText
	}
	return MessageBinary
}

func (e *Engine) checkMessageSize(n int64) error {
	if e.cfg.MaxMessageSize > 0 && n > e.cfg.MaxMessageSize {
		return errors.NewWSProtocolError("message_too_large", "reassembled message exceeds max_message_size")
	}
	return nil
}

// closeCodeAllowed restricts the set of RFC 6455 §7.4.1 status codes that
// may legally appear on the wire.
func closeCodeAllowed(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1011:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

func (e *Engine) handleClose(f Frame) (Message, error) {
	code := 1005
	reason := ""
	if len(f.Payload) >= 2 {
		code = int(binary.BigEndian.Uint16(f.Payload[:2]))
		reason = string(f.Payload[2:])
	}
	if !closeCodeAllowed(code) {
		code = 1002
	}

	switch e.state {
	case StateActive:
		e.state = StateClosedByPeer
		reply := make([]byte, 0, 2+len(reason))
		reply = binary.BigEndian.AppendUint16(reply, uint16(code))
		reply = append(reply, reason...)
		e.pending = &Frame{Final: true, Opcode: OpClose, Payload: reply}
		e.maskIfClient(e.pending)
		if err := e.flushPending(); err != nil && err != errWouldBlock {
			return Message{}, err
		}
		// The close handshake is complete on our side too now that we've
		// mirrored the peer's close frame back; neither role expects to
		// read any further frames, so both close their half of the
		// socket here, not just the server.
		e.closeUnderlying()
	case StateClosedByUs:
		e.state = StateCloseAcknowledged
		e.closeUnderlying()
	}
	return Message{Type: MessageClose, CloseCode: code, CloseReason: reason}, nil
}

func (e *Engine) closeUnderlying() {
	if !e.closedConn {
		e.closedConn = true
		_ = e.conn.Close()
	}
}

var errWouldBlock = errors.NewIOError("write would block", nil)

// flushPending attempts to write and flush e.pending. Real blocking
// sockets never return errWouldBlock from bufio.Writer.Flush, but the
// field exists so a non-blocking transport (or a future async rewrite)
// has somewhere to record "flush didn't complete" without losing the
// frame.
func (e *Engine) flushPending() error {
	if e.pending == nil {
		return nil
	}
	if err := writeFrame(e.bw, *e.pending); err != nil {
		return err
	}
	if err := e.bw.Flush(); err != nil {
		return errors.NewIOError("flushing pending frame", err)
	}
	e.pending = nil
	e.unflushedAdditional = false
	return nil
}

// Write sends msg, masking it if this engine is client-side.
func (e *Engine) Write(msg Message) error {
	if e.state == StateTerminated {
		return errors.NewWSClosedError("already closed")
	}
	if e.state != StateActive {
		return errors.NewWSClosedError("send after closing")
	}

	switch msg.Type {
	case MessagePong:
		e.pending = &Frame{Final: true, Opcode: OpPong, Payload: msg.Data}
		e.maskIfClient(e.pending)
		if err := e.flushPending(); err != nil && err != errWouldBlock {
			return err
		}
		return nil
	case MessageClose:
		return e.Close(msg.CloseCode, msg.CloseReason)
	}

	op := OpText
	if msg.Type == MessageBinary {
		op = OpBinary
	}
	f := Frame{Final: true, Opcode: op, Payload: msg.Data}
	e.maskIfClient(&f)

	scratch := appendFrame(nil, f)
	if len(e.writeBuf)+len(scratch) > e.cfg.MaxWriteBufferSize {
		return &writeBufferFullError{Frame: msg}
	}
	e.writeBuf = append(e.writeBuf, scratch...)
	if len(e.writeBuf) > e.HighWaterMark {
		e.HighWaterMark = len(e.writeBuf)
	}

	if len(e.writeBuf) >= e.cfg.WriteBufferSize {
		return e.Flush()
	}
	return nil
}

// writeBufferFullError carries the rejected message back to the caller
// so it can retry after draining.
type writeBufferFullError struct {
	Frame Message
}

func (e *writeBufferFullError) Error() string {
	return "websocket write buffer full"
}

// appendFrame serializes f onto dst without an intermediate io.Writer,
// reusing writeFrame's wire format via a throwaway buffer wrapper.
func appendFrame(dst []byte, f Frame) []byte {
	w := &sliceWriter{buf: dst}
	_ = writeFrame(w, f)
	return w.buf
}

type sliceWriter struct{ buf []byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// maskIfClient applies RFC 6455 client-side masking with a fresh random
// key, leaving server-originated frames unmasked.
func (e *Engine) maskIfClient(f *Frame) {
	if e.role != RoleClient {
		return
	}
	f.Masked = true
	_, _ = rand.Read(f.MaskKey[:])
	maskBytes(f.MaskKey, f.Payload)
}

// Flush drains all buffered output to the underlying stream.
func (e *Engine) Flush() error {
	if len(e.writeBuf) > 0 {
		if _, err := e.bw.Write(e.writeBuf); err != nil {
			return errors.NewIOError("writing websocket frames", err)
		}
		e.writeBuf = e.writeBuf[:0]
	}
	if err := e.bw.Flush(); err != nil {
		return errors.NewIOError("flushing websocket connection", err)
	}
	return nil
}

// Close initiates the close handshake: transitions Active -> ClosedByUs,
// then enqueues and flushes a close frame with code/reason.
func (e *Engine) Close(code int, reason string) error {
	if e.state != StateActive {
		return nil
	}
	e.state = StateClosedByUs
	payload := make([]byte, 0, 2+len(reason))
	payload = binary.BigEndian.AppendUint16(payload, uint16(code))
	payload = append(payload, reason...)
	f := Frame{Final: true, Opcode: OpClose, Payload: payload}
	e.maskIfClient(&f)
	e.writeBuf = append(e.writeBuf, appendFrame(nil, f)...)
	return e.Flush()
}

// Terminate force-transitions to Terminated and closes the underlying
// stream, for use by a caller abandoning the connection outside the
// normal close handshake (e.g. an idle timeout).
func (e *Engine) Terminate() error {
	e.state = StateTerminated
	e.closeUnderlying()
	return nil
}

// UnderlyingConn exposes the raw stream, for callers that need the peer
// address or need to set I/O deadlines directly.
func (e *Engine) UnderlyingConn() net.Conn { return e.conn }
