package risk

import (
	"sync"
	"time"

	"perp-arb/pkg/types"
)

// WSState is one venue connection's liveness state.
type WSState struct {
	Connected        bool  `json:"connected"`
	ReconnectCount   int   `json:"reconnect_count"`
	LastMessageMs    int64 `json:"last_message_ms"`
	LastDisconnectMs int64 `json:"last_disconnect_ms"`
}

// WSSupervisor tracks feed liveness across both venues. The adapters report
// connect/message/disconnect transitions through FeedHooks; the orchestrator
// asks IsOK before letting any entry through.
type WSSupervisor struct {
	idleTimeoutMs int64

	mu     sync.Mutex
	states map[types.Venue]*WSState
	now    func() time.Time
}

// NewWSSupervisor builds a supervisor with the configured idle timeout.
func NewWSSupervisor(idleTimeoutSec int) *WSSupervisor {
	return &WSSupervisor{
		idleTimeoutMs: int64(idleTimeoutSec) * 1000,
		states:        make(map[types.Venue]*WSState),
		now:           time.Now,
	}
}

func (s *WSSupervisor) stateLocked(venue types.Venue) *WSState {
	state, ok := s.states[venue]
	if !ok {
		state = &WSState{}
		s.states[venue] = state
	}
	return state
}

// MarkConnected records a successful (re)connection.
func (s *WSSupervisor) MarkConnected(venue types.Venue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(venue).Connected = true
}

// MarkMessage records one received feed message. A message implies the
// connection is up, so it also sets Connected.
func (s *WSSupervisor) MarkMessage(venue types.Venue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateLocked(venue)
	state.Connected = true
	state.LastMessageMs = s.now().UnixMilli()
}

// MarkDisconnected records a drop and bumps the reconnect counter.
func (s *WSSupervisor) MarkDisconnected(venue types.Venue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateLocked(venue)
	state.Connected = false
	state.ReconnectCount++
	state.LastDisconnectMs = s.now().UnixMilli()
}

// IsOK reports whether every tracked connection is up and none has gone
// silent past the idle timeout. No connections tracked means not OK.
func (s *WSSupervisor) IsOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.states) == 0 {
		return false
	}
	now := s.now().UnixMilli()
	for _, state := range s.states {
		if !state.Connected {
			return false
		}
		if state.LastMessageMs > 0 && now-state.LastMessageMs > s.idleTimeoutMs {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of the per-venue state for the status API.
func (s *WSSupervisor) Snapshot() map[types.Venue]WSState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[types.Venue]WSState, len(s.states))
	for venue, state := range s.states {
		out[venue] = *state
	}
	return out
}
