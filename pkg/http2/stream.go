package http2

import (
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/net/http2"

	"github.com/ramaproxy/rama/pkg/constants"
)

// StreamManager allocates stream IDs and tracks stream lifecycle state
// for one client. Client-initiated streams use odd IDs.
type StreamManager struct {
	streams       map[uint32]*Stream
	nextStreamID  uint32
	maxConcurrent uint32
	mu            sync.RWMutex
}

// NewStreamManager returns a manager bounded to maxConcurrent open
// streams.
func NewStreamManager(maxConcurrent uint32) *StreamManager {
	return &StreamManager{
		streams:       make(map[uint32]*Stream),
		nextStreamID:  1,
		maxConcurrent: maxConcurrent,
	}
}

// NewStream allocates the next odd stream ID and registers a stream for
// request. Fails when the concurrency cap, the total-streams cap, or the
// 2^31-1 ID space is exhausted.
func (m *StreamManager) NewStream(request *Request) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.streams) >= constants.MaxTotalStreams {
		m.cleanupClosedStreamsLocked()
		if len(m.streams) >= constants.MaxTotalStreams {
			return nil, fmt.Errorf("maximum total streams (%d) reached", constants.MaxTotalStreams)
		}
	}

	activeCount := uint32(0)
	for _, stream := range m.streams {
		if stream.State == StateOpen || stream.State == StateHalfClosedLocal {
			activeCount++
		}
	}
	if activeCount >= m.maxConcurrent {
		return nil, fmt.Errorf("maximum concurrent streams (%d) reached", m.maxConcurrent)
	}

	// Stream IDs are never reused; once the odd half of the 31-bit space
	// runs out the connection has to be recreated.
	if m.nextStreamID > (1<<31 - 1) {
		return nil, fmt.Errorf("stream ID space exhausted, connection must be recreated")
	}

	stream := &Stream{
		ID:             m.nextStreamID,
		State:          StateIdle,
		Request:        request,
		WindowSize:     65535,
		PeerWindowSize: 65535,
	}
	m.nextStreamID += 2
	m.streams[stream.ID] = stream
	return stream, nil
}

// Register installs a stream whose ID was allocated elsewhere (on the
// connection, for ID continuity across requests that reuse it).
func (m *StreamManager) Register(stream *Stream) {
	m.mu.Lock()
	m.streams[stream.ID] = stream
	m.mu.Unlock()
}

// GetStream retrieves a stream by ID.
func (m *StreamManager) GetStream(streamID uint32) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream, exists := m.streams[streamID]
	return stream, exists
}

// GetStreamState returns the current state of a stream.
func (m *StreamManager) GetStreamState(streamID uint32) (StreamState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream, exists := m.streams[streamID]
	if !exists {
		return StateIdle, fmt.Errorf("stream %d not found", streamID)
	}
	return stream.State, nil
}

// UpdateStreamState transitions a stream, rejecting transitions RFC 7540
// section 5.1 does not permit.
func (m *StreamManager) UpdateStreamState(streamID uint32, newState StreamState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, exists := m.streams[streamID]
	if !exists {
		return fmt.Errorf("stream %d not found", streamID)
	}
	if !isValidStateTransition(stream.State, newState) {
		return fmt.Errorf("invalid state transition from %v to %v for stream %d", stream.State, newState, streamID)
	}

	stream.State = newState
	if newState == StateClosed {
		stream.Closed = true
	}
	return nil
}

// UpdateWindowSize applies a WINDOW_UPDATE increment; streamID 0 is the
// connection-level window.
func (m *StreamManager) UpdateWindowSize(streamID uint32, increment int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if streamID == 0 {
		for _, stream := range m.streams {
			stream.PeerWindowSize += increment
		}
		return nil
	}

	stream, exists := m.streams[streamID]
	if !exists {
		return fmt.Errorf("stream %d not found", streamID)
	}
	newSize := stream.WindowSize + increment
	if newSize < stream.WindowSize && increment > 0 {
		return fmt.Errorf("window size overflow for stream %d", streamID)
	}
	stream.WindowSize = newSize
	return nil
}

// CloseStream marks a stream closed. The entry is retained for a while so
// late frames for it are recognized rather than treated as unknown.
func (m *StreamManager) CloseStream(streamID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, exists := m.streams[streamID]
	if !exists {
		return fmt.Errorf("stream %d not found", streamID)
	}
	stream.State = StateClosed
	stream.Closed = true
	return nil
}

// CleanupClosedStreams removes closed and abandoned streams.
func (m *StreamManager) CleanupClosedStreams() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupClosedStreamsLocked()
}

func (m *StreamManager) cleanupClosedStreamsLocked() {
	for id, stream := range m.streams {
		if stream.Closed && stream.State == StateClosed {
			delete(m.streams, id)
		} else if stream.State == StateIdle && stream.Request != nil {
			// Never progressed past idle; abandoned.
			delete(m.streams, id)
		}
	}
}

// GetActiveStreams returns every stream not yet closed.
func (m *StreamManager) GetActiveStreams() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*Stream
	for _, stream := range m.streams {
		if !stream.Closed {
			active = append(active, stream)
		}
	}
	return active
}

// Reset force-closes a stream in response to RST_STREAM.
func (m *StreamManager) Reset(streamID uint32, _ http2.ErrCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, exists := m.streams[streamID]
	if !exists {
		return fmt.Errorf("stream %d not found", streamID)
	}
	stream.State = StateClosed
	stream.Closed = true
	return nil
}

// isValidStateTransition encodes the RFC 7540 section 5.1 stream state
// machine.
func isValidStateTransition(from, to StreamState) bool {
	switch from {
	case StateIdle:
		return to == StateReservedLocal || to == StateReservedRemote ||
			to == StateOpen || to == StateClosed
	case StateReservedLocal:
		return to == StateHalfClosedRemote || to == StateClosed
	case StateReservedRemote:
		return to == StateHalfClosedLocal || to == StateClosed
	case StateOpen:
		return to == StateHalfClosedLocal || to == StateHalfClosedRemote ||
			to == StateClosed
	case StateHalfClosedLocal, StateHalfClosedRemote:
		return to == StateClosed
	default:
		return false
	}
}

// StreamProcessor applies inbound frames to the streams they belong to,
// accumulating each stream's Response as HEADERS and DATA arrive.
type StreamProcessor struct {
	manager *StreamManager
}

// NewStreamProcessor returns a processor over manager.
func NewStreamProcessor(manager *StreamManager) *StreamProcessor {
	return &StreamProcessor{manager: manager}
}

// ProcessHeadersFrame merges a decoded HEADERS frame into its stream's
// response, creating the stream for server-initiated IDs.
func (p *StreamProcessor) ProcessHeadersFrame(frame *HeadersFrame) error {
	stream, exists := p.manager.GetStream(frame.StreamId)
	if !exists {
		stream = &Stream{ID: frame.StreamId, State: StateOpen}
		p.manager.Register(stream)
	}

	if stream.Response == nil {
		stream.Response = &Response{
			StreamID:    frame.StreamId,
			Headers:     make(map[string][]string),
			HTTPVersion: "HTTP/2",
		}
	}

	for name, value := range frame.Headers {
		if name == ":status" {
			stream.Response.Status, _ = strconv.Atoi(value)
		} else if !isConnectionSpecificHeader(name) && name[0] != ':' {
			stream.Response.Headers[name] = append(stream.Response.Headers[name], value)
		}
	}
	stream.HeadersReceived = true

	if frame.EndStream {
		return p.halfCloseRemote(frame.StreamId)
	}
	return nil
}

// ProcessDataFrame appends a DATA frame's payload to its stream's
// response body and debits the stream window.
func (p *StreamProcessor) ProcessDataFrame(frame *DataFrame) error {
	stream, exists := p.manager.GetStream(frame.StreamId)
	if !exists {
		return fmt.Errorf("received DATA frame for unknown stream %d", frame.StreamId)
	}

	if stream.Response != nil {
		stream.Response.Body = append(stream.Response.Body, frame.Data...)
	}
	stream.DataReceived = true
	p.manager.UpdateWindowSize(frame.StreamId, -int32(len(frame.Data)))

	if frame.EndStream {
		return p.halfCloseRemote(frame.StreamId)
	}
	return nil
}

// halfCloseRemote advances a stream after the peer's END_STREAM: open
// streams become half-closed (remote); locally half-closed ones are done.
func (p *StreamProcessor) halfCloseRemote(streamID uint32) error {
	currentState, err := p.manager.GetStreamState(streamID)
	if err != nil {
		return err
	}
	switch currentState {
	case StateOpen:
		return p.manager.UpdateStreamState(streamID, StateHalfClosedRemote)
	case StateHalfClosedLocal:
		return p.manager.UpdateStreamState(streamID, StateClosed)
	}
	return nil
}

// ProcessWindowUpdateFrame credits a stream (or connection) window.
func (p *StreamProcessor) ProcessWindowUpdateFrame(streamID uint32, increment uint32) error {
	return p.manager.UpdateWindowSize(streamID, int32(increment))
}

// ProcessResetFrame force-closes a stream in response to RST_STREAM.
func (p *StreamProcessor) ProcessResetFrame(streamID uint32, errorCode uint32) error {
	return p.manager.Reset(streamID, http2.ErrCode(errorCode))
}
