// Package sfu implements the SFU Core (C5): one receive-only peer
// connection per candidate, one send-only peer connection per room's
// proctor, track labeling with fallback, renegotiation coalescing, and
// teardown. Track forwarding uses one goroutine draining RTP per source
// track; the topology is asymmetric: candidates never receive each
// other's media, only the proctor does.
package sfu

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

// ErrNotAvailable is returned by any offer-handling entry point when the
// SFU has been constructed without a usable WebRTC stack, so that the
// control layer can fall back to P2P fan-out (§4.5, §7).
var ErrNotAvailable = errors.New("sfu not available")

// Config holds ICE server configuration shared by every peer connection
// the SFU creates.
type Config struct {
	ICEServers []webrtc.ICEServer
	// Debounce is the coalescing delay for a multi-track renegotiation
	// batch (§4.5: "≈50-200ms ... longer for initial multi-track flurry").
	Debounce time.Duration
	// ScreenDebounce is the shorter, privileged delay used when a lone
	// screen track triggers a follow-on renegotiation mid-coalesce.
	ScreenDebounce time.Duration
}

// DefaultDebounce and DefaultScreenDebounce match the timings confirmed in
// the original prototype's renegotiation sleeps (200ms / 50ms).
const (
	DefaultDebounce       = 200 * time.Millisecond
	DefaultScreenDebounce = 50 * time.Millisecond
)

// SFU owns every room's WebRTC state. Available reports false when the
// caller constructed it with NewUnavailable, modeling "WebRTC library
// availability is a runtime capability probe" (§4.5).
type SFU struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	config    Config
	logger    *slog.Logger
	available bool

	// Deliver is called with a signaling message the control layer must
	// relay to a participant: server-initiated renegotiation offers and
	// trickled ICE candidates flow out through here rather than through a
	// direct dependency
	// on internal/control (which would create an import cycle, since
	// control dispatches inbound signaling into the SFU).
	Deliver func(roomID, toUserID string, msg any)
}

// New creates an available SFU.
func New(cfg Config, logger *slog.Logger) *SFU {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.ScreenDebounce == 0 {
		cfg.ScreenDebounce = DefaultScreenDebounce
	}
	return &SFU{
		rooms:     make(map[string]*Room),
		config:    cfg,
		logger:    logger.With("component", "sfu"),
		available: true,
	}
}

// NewUnavailable constructs an SFU in the "library absent" state: every
// offer-handling call returns ErrNotAvailable immediately.
func NewUnavailable(logger *slog.Logger) *SFU {
	return &SFU{
		rooms:     make(map[string]*Room),
		logger:    logger.With("component", "sfu"),
		available: false,
	}
}

// Available reports whether this SFU can create real peer connections.
func (s *SFU) Available() bool { return s.available }

// getOrCreateRoom returns (creating if absent) the SFU-side room state.
func (s *SFU) getOrCreateRoom(roomID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r
	}
	r := &Room{
		id:         roomID,
		candidates: make(map[string]*candidateConn),
		logger:     s.logger.With("room_id", roomID),
		sfu:        s,
	}
	s.rooms[roomID] = r
	return r
}

// getRoom returns existing room state without creating it.
func (s *SFU) getRoom(roomID string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// deleteRoomIfEmpty drops a room's SFU state once it has neither
// candidates nor a proctor.
func (s *SFU) deleteRoomIfEmpty(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	r.mu.Lock()
	empty := len(r.candidates) == 0 && r.proctor == nil
	r.mu.Unlock()
	if empty {
		delete(s.rooms, roomID)
	}
}

// Room is the SFU's per-room state: candidate connections, the (at most
// one) proctor connection, and the renegotiation coalescing flag.
type Room struct {
	mu         sync.Mutex
	id         string
	candidates map[string]*candidateConn
	proctor    *proctorConn
	logger     *slog.Logger
	sfu        *SFU

	renegoPending bool
	renegoTimer   *time.Timer
	screenPending bool
}

// Stats is the §4.7 sfu/stats response payload.
type Stats struct {
	RoomID         string   `json:"roomId"`
	Candidates     []string `json:"candidates"`
	CandidateCount int      `json:"candidateCount"`
	Proctor        string   `json:"proctor,omitempty"`
	HasProctor     bool     `json:"hasProctor"`
}

// Stats reports current room composition for the Query API.
func (s *SFU) Stats(roomID string) Stats {
	r, ok := s.getRoom(roomID)
	if !ok {
		return Stats{RoomID: roomID, Candidates: []string{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.candidates))
	for id := range r.candidates {
		ids = append(ids, id)
	}
	st := Stats{
		RoomID:         roomID,
		Candidates:     ids,
		CandidateCount: len(ids),
		HasProctor:     r.proctor != nil,
	}
	if r.proctor != nil {
		st.Proctor = r.proctor.userID
	}
	return st
}
