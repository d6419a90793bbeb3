// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_telephony

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// StreamState is the per-stream lifecycle. Transitions are idempotent;
// duplicate stop and socket-close both land in StateClosed.
type StreamState int

const (
	StateAwaitingStart StreamState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// StreamSession binds one media socket to one call: identifiers, outbound
// counters, the residual send buffer and pending marks. The owning adapter
// is the only mutator.
type StreamSession struct {
	Record *CallRecord

	mu           sync.Mutex
	writeMu      sync.Mutex // serializes socket writes
	conn         *websocket.Conn
	state        StreamState
	chunk        uint64 // next outbound chunk number, starts at 1
	seq          uint64 // diagnostic sequence counter
	residual     []byte
	pendingMarks []string
}

// NextChunk returns the outbound chunk counter: 1, 2, 3, ...
func (s *StreamSession) NextChunk() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunk++
	return s.chunk
}

// NextSeq returns the diagnostic sequence counter: 1, 2, 3, ...
func (s *StreamSession) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// AppendResidual adds wire-format bytes to the send buffer and returns every
// complete frame of frameSize bytes; the remainder stays buffered.
func (s *StreamSession) AppendResidual(data []byte, frameSize int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.residual = append(s.residual, data...)
	return s.takeFramesLocked(frameSize)
}

// FlushResidual pads the remainder with the pad byte up to the frame
// boundary and returns the final frame(s). The buffer is left empty.
func (s *StreamSession) FlushResidual(frameSize int, pad byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rem := len(s.residual) % frameSize; rem != 0 {
		for i := rem; i < frameSize; i++ {
			s.residual = append(s.residual, pad)
		}
	}
	return s.takeFramesLocked(frameSize)
}

// DropResidual discards buffered outbound audio (barge-in).
func (s *StreamSession) DropResidual() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.residual = nil
}

// ResidualLen reports buffered outbound bytes awaiting a full frame.
func (s *StreamSession) ResidualLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.residual)
}

func (s *StreamSession) takeFramesLocked(frameSize int) [][]byte {
	var frames [][]byte
	for len(s.residual) >= frameSize {
		frame := make([]byte, frameSize)
		copy(frame, s.residual[:frameSize])
		s.residual = s.residual[frameSize:]
		frames = append(frames, frame)
	}
	if len(s.residual) == 0 {
		s.residual = nil
	}
	return frames
}

// AddPendingMark records a mark name awaiting provider acknowledgment.
func (s *StreamSession) AddPendingMark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMarks = append(s.pendingMarks, name)
}

// AckMark removes an acknowledged mark. Unknown names are ignored.
func (s *StreamSession) AckMark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.pendingMarks {
		if m == name {
			s.pendingMarks = append(s.pendingMarks[:i], s.pendingMarks[i+1:]...)
			return
		}
	}
}

// PendingMarks snapshots the outstanding mark names.
func (s *StreamSession) PendingMarks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.pendingMarks))
	copy(out, s.pendingMarks)
	return out
}

// State returns the current lifecycle state.
func (s *StreamSession) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate moves AwaitingStart → Active. Idempotent.
func (s *StreamSession) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAwaitingStart {
		s.state = StateActive
	}
}

// BeginDraining moves Active/AwaitingStart → Draining. No more outbound
// media is accepted afterwards.
func (s *StreamSession) BeginDraining() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAwaitingStart || s.state == StateActive {
		s.state = StateDraining
	}
}

// Close moves to StateClosed and reports whether this call performed the
// transition. Callers use the return value to emit callEnded at most once.
func (s *StreamSession) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	s.residual = nil
	s.pendingMarks = nil
	return true
}

// Sendable reports whether outbound media is currently accepted.
func (s *StreamSession) Sendable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// WriteJSON writes one envelope on the underlying socket. gorilla/websocket
// allows a single concurrent writer, so every outbound envelope goes
// through here.
func (s *StreamSession) WriteJSON(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: no socket bound", ErrProtocol)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// CloseConn closes the underlying socket, if still bound.
func (s *StreamSession) CloseConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Registry holds the streamId ↔ callId ↔ socket bindings for one adapter.
// All operations are O(1); the adapter's own goroutines are the only
// mutators.
type Registry struct {
	mu       sync.Mutex
	byStream map[string]*StreamSession
	byCall   map[string]string          // callId → streamId
	byConn   map[*websocket.Conn]string // socket → streamId
}

func NewRegistry() *Registry {
	return &Registry{
		byStream: make(map[string]*StreamSession),
		byCall:   make(map[string]string),
		byConn:   make(map[*websocket.Conn]string),
	}
}

// Register binds a stream to a call and socket. A second bind of the same
// streamId or callId is a protocol error; the caller closes the offending
// socket. One active binding per callId, always.
func (r *Registry) Register(rec *CallRecord, conn *websocket.Conn) (*StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byStream[rec.StreamID]; exists {
		return nil, fmt.Errorf("%w: stream %s already registered", ErrProtocol, rec.StreamID)
	}
	if _, exists := r.byCall[rec.CallID]; exists {
		return nil, fmt.Errorf("%w: call %s already bound to a stream", ErrProtocol, rec.CallID)
	}
	s := &StreamSession{
		Record: rec,
		conn:   conn,
		state:  StateAwaitingStart,
	}
	r.byStream[rec.StreamID] = s
	r.byCall[rec.CallID] = rec.StreamID
	if conn != nil {
		r.byConn[conn] = rec.StreamID
	}
	return s, nil
}

// ByStream resolves a session by provider streamId.
func (r *Registry) ByStream(streamID string) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byStream[streamID]
	return s, ok
}

// ByCall resolves a session by internal callId.
func (r *Registry) ByCall(callID string) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	streamID, ok := r.byCall[callID]
	if !ok {
		return nil, false
	}
	s, ok := r.byStream[streamID]
	return s, ok
}

// ByConn resolves a session by socket, for reverse purge on close.
func (r *Registry) ByConn(conn *websocket.Conn) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	streamID, ok := r.byConn[conn]
	if !ok {
		return nil, false
	}
	s, ok := r.byStream[streamID]
	return s, ok
}

// Remove purges a call from all three maps and returns its session.
func (r *Registry) Remove(callID string) (*StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	streamID, ok := r.byCall[callID]
	if !ok {
		return nil, false
	}
	s := r.byStream[streamID]
	delete(r.byCall, callID)
	delete(r.byStream, streamID)
	for conn, sid := range r.byConn {
		if sid == streamID {
			delete(r.byConn, conn)
		}
	}
	return s, s != nil
}

// All snapshots every active session.
func (r *Registry) All() []*StreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*StreamSession, 0, len(r.byStream))
	for _, s := range r.byStream {
		out = append(out, s)
	}
	return out
}

// Len reports the number of active streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byStream)
}
