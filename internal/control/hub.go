package control

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/invigilate/internal/analysis"
	"github.com/observer/invigilate/internal/domain"
	"github.com/observer/invigilate/internal/registry"
	"github.com/observer/invigilate/internal/rules"
	"github.com/observer/invigilate/internal/sfu"
)

// Hub is the process-wide control-channel dispatcher (C3) and broadcaster
// (C4). It wires together the room registry, the rules engine, the SFU
// core, and the analysis emitter — the four subsystems a `join`d
// participant's messages actually touch.
type Hub struct {
	registry *registry.Registry
	rules    *rules.Engine
	sfu      *sfu.SFU
	analysis *analysis.Emitter
	logger   *slog.Logger

	sfuEnabled bool
	aiEnabled  bool

	mu      sync.RWMutex
	clients map[string]map[string]*Client // roomId -> userId -> client
}

// Deps bundles the Hub's collaborators.
type Deps struct {
	Registry   *registry.Registry
	Rules      *rules.Engine
	SFU        *sfu.SFU
	Analysis   *analysis.Emitter
	Logger     *slog.Logger
	SFUEnabled bool
	AIEnabled  bool
}

// NewHub constructs a Hub and wires the SFU's outbound Deliver callback
// back into it, so server-initiated renegotiation offers and trickled
// ICE candidates reach the right client (avoids a sfu->control import
// cycle: the SFU calls back through a plain function value).
func NewHub(d Deps) *Hub {
	h := &Hub{
		registry:   d.Registry,
		rules:      d.Rules,
		sfu:        d.SFU,
		analysis:   d.Analysis,
		logger:     d.Logger.With("component", "control"),
		sfuEnabled: d.SFUEnabled,
		aiEnabled:  d.AIEnabled,
		clients:    make(map[string]map[string]*Client),
	}
	if h.sfu != nil {
		h.sfu.Deliver = h.deliverFromSFU
	}
	return h
}

func (h *Hub) deliverFromSFU(roomID, toUserID string, msg any) {
	h.mu.RLock()
	c, ok := h.clients[roomID][toUserID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.Send(msg)
}

func (h *Hub) register(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[roomID] == nil {
		h.clients[roomID] = make(map[string]*Client)
	}
	h.clients[roomID][c.UserID()] = c
}

func (h *Hub) lookup(roomID, userID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[roomID][userID]
	return c, ok
}

// unregister runs the full §4.2 "control-stream termination" sequence for
// a client that successfully joined; it is a no-op for a client that
// never did.
func (h *Hub) unregister(c *Client) {
	if !c.Joined() {
		return
	}
	roomID, userID, role := c.RoomID(), c.UserID(), c.Role()

	h.mu.Lock()
	delete(h.clients[roomID], userID)
	if len(h.clients[roomID]) == 0 {
		delete(h.clients, roomID)
	}
	h.mu.Unlock()

	if h.aiEnabled && role == domain.RoleCandidate {
		h.analysis.Stop(roomID, userID)
	}
	if h.sfuEnabled {
		if role == domain.RoleCandidate {
			h.sfu.RemoveCandidate(roomID, userID)
		} else if role == domain.RoleProctor {
			h.sfu.RemoveProctor(roomID)
		}
	}

	room, ok := h.registry.Get(roomID)
	if ok {
		room.RemoveParticipant(userID)
		h.broadcastExcept(roomID, userID, ParticipantEventPayload{Type: TypeParticipantLeft, UserID: userID})
	}
	h.registry.RemoveIfEmpty(roomID)
}

// dispatch handles one inbound frame in order (§5: "messages are
// processed strictly in received order").
func (h *Hub) dispatch(c *Client, env Envelope) {
	if !c.Joined() {
		if env.Type != TypeJoin {
			c.sendError(ReasonExpectedJoin)
			_ = c.conn.Close()
			return
		}
		h.handleJoin(c, env)
		return
	}

	switch env.Type {
	case TypeOffer, TypeAnswer, TypeICE, TypeChat:
		h.handleSignal(c, env)
	case TypeIncident:
		h.handleIncident(c, env)
	case TypeLeave:
		_ = c.conn.Close()
	default:
		c.sendError(ReasonUnknownType)
	}
}

func (h *Hub) handleJoin(c *Client, env Envelope) {
	var p JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.sendError(ReasonExpectedJoin)
		_ = c.conn.Close()
		return
	}
	if p.UserID == "" {
		c.sendError(ReasonMissingUserID)
		_ = c.conn.Close()
		return
	}
	if p.Role == "" {
		p.Role = domain.RoleObserver
	}

	room := h.registry.GetOrCreate(roomIDFromContext(c))
	role := p.Role
	if role == domain.RoleProctor {
		if _, exists := room.Proctor(); exists {
			role = domain.RoleObserver // §9: extra proctors are treated as observers
		}
	}

	if err := room.AddParticipant(domain.Participant{UserID: p.UserID, Role: role}); err != nil {
		c.sendError(ReasonUserExists)
		return
	}
	c.setJoined(p.UserID, role, room.ID)
	h.register(room.ID, c)

	c.Send(RosterPayload{Type: TypeRoster, Participants: room.Participants()})
	h.broadcastExcept(room.ID, p.UserID, ParticipantEventPayload{
		Type: TypeParticipantJoined, UserID: p.UserID, Role: role,
	})

	if role == domain.RoleCandidate && h.aiEnabled {
		h.analysis.Start(room.ID, p.UserID, func(frame analysis.Frame) {
			h.deliverAnalysis(room.ID, p.UserID, frame)
		})
	}
}

// deliverAnalysis sends a frame to the candidate and, if present, the
// room's proctor (§4.6 point 3; observers are not notified).
func (h *Hub) deliverAnalysis(roomID, candidateID string, frame analysis.Frame) {
	payload := AIAnalysisPayload{Type: TypeAIAnalysis, Data: frame}
	if c, ok := h.lookup(roomID, candidateID); ok {
		c.Send(payload)
	}
	room, ok := h.registry.Get(roomID)
	if !ok {
		return
	}
	if proctor, ok := room.Proctor(); ok {
		if c, ok := h.lookup(roomID, proctor.UserID); ok {
			c.Send(payload)
		}
	}
}

// handleSignal implements §4.2's routing policy for offer/answer/ice/chat,
// intercepting offer/answer/ice for SFU roles when the SFU is enabled
// (§4.2 "Exceptions").
func (h *Hub) handleSignal(c *Client, env Envelope) {
	var sig SignalPayload
	if err := json.Unmarshal(env.Payload, &sig); err != nil {
		c.sendError(ReasonUnknownType)
		return
	}
	sig.Type = env.Type
	sig.From = c.UserID()

	if h.sfuEnabled && env.Type != TypeChat && (c.Role() == domain.RoleCandidate || c.Role() == domain.RoleProctor) {
		if h.handleSFUSignal(c, env.Type, sig) {
			return
		}
	}

	h.routeSignal(c, sig)
}

// routeSignal implements the directed-vs-fanout policy shared by §4.2's
// P2P path.
func (h *Hub) routeSignal(c *Client, sig SignalPayload) {
	if sig.To != "" {
		if target, ok := h.lookup(c.RoomID(), sig.To); ok {
			target.Send(sig)
		}
		return
	}
	h.broadcastExcept(c.RoomID(), c.UserID(), sig)
}

// handleSFUSignal routes offer/answer/ice into the SFU core. Returns true
// if the SFU handled (or definitively failed) the message, false if the
// SFU is unavailable and the caller should fall back to P2P fan-out
// (§4.5 "Failures": "the control channel falls back to P2P fan-out").
func (h *Hub) handleSFUSignal(c *Client, msgType string, sig SignalPayload) bool {
	roomID, userID, role := c.RoomID(), c.UserID(), c.Role()
	if h.sfu == nil || !h.sfu.Available() {
		return false
	}

	switch msgType {
	case TypeOffer:
		var answer string
		var err error
		if role == domain.RoleCandidate {
			answer, err = h.sfu.HandleCandidateOffer(roomID, userID, sig.SDP, sig.TrackInfo)
		} else {
			answer, err = h.sfu.HandleProctorOffer(roomID, userID, sig.SDP)
		}
		if err == sfu.ErrNotAvailable {
			return false
		}
		if err != nil {
			c.sendError(ReasonSFUErrorPrefix + err.Error())
			return true
		}
		c.Send(SignalPayload{Type: TypeAnswer, From: "server", SDP: answer})
		return true

	case TypeAnswer:
		var err error
		if role == domain.RoleProctor {
			err = h.sfu.HandleProctorAnswer(roomID, sig.SDP)
		} else {
			err = h.sfu.HandleCandidateAnswer(roomID, userID, sig.SDP)
		}
		if err == sfu.ErrNotAvailable {
			return false
		}
		if err != nil {
			h.logger.Debug("dropping sfu answer", "error", err)
		}
		return true

	case TypeICE:
		err := h.sfu.HandleICECandidate(roomID, userID, role, sig.Candidate)
		if err == sfu.ErrNotAvailable {
			return false
		}
		return true
	}
	return false
}

func (h *Hub) handleIncident(c *Client, env Envelope) {
	var p IncidentPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.sendError(ReasonUnknownType)
		return
	}
	if p.By == "" {
		p.By = c.UserID()
	}
	if p.Ts == 0 {
		p.Ts = time.Now().UnixMilli()
	}

	out := h.rules.Process(c.RoomID(), p.By, domain.Incident{
		By: p.By, Tag: p.Tag, Note: p.Note, Ts: p.Ts,
	})

	if room, ok := h.registry.Get(c.RoomID()); ok {
		room.AppendIncident(out)
	}
	h.broadcast(c.RoomID(), IncidentOutPayload{Type: TypeIncident, Incident: out})
}

// broadcast fans a payload out to every participant in a room (§4.3).
func (h *Hub) broadcast(roomID string, payload any) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[roomID]))
	for _, c := range h.clients[roomID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Send(payload)
	}
}

// broadcastExcept fans out to every participant except senderID.
func (h *Hub) broadcastExcept(roomID, senderID string, payload any) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[roomID]))
	for id, c := range h.clients[roomID] {
		if id == senderID {
			continue
		}
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Send(payload)
	}
}

// OnlineUserIDs returns the userIds currently connected in a room.
func (h *Hub) OnlineUserIDs(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients[roomID]))
	for id := range h.clients[roomID] {
		out = append(out, id)
	}
	return out
}

// AIEnabled reports whether the Analysis Emitter is wired in at all. The
// Query API does not call it; it is constructed with its own copy of the
// flag.
func (h *Hub) AIEnabled() bool { return h.aiEnabled }

// SFUEnabled reports whether the SFU core is wired in. The Query API does
// not call it; it is constructed with its own copy of the flag.
func (h *Hub) SFUEnabled() bool { return h.sfuEnabled }

// StartAnalysis is the Query API's entry point for POST
// /api/analysis/start/{roomId}/{candidateId} (§4.7): it starts the
// emitter task the same way a candidate's `join` does, wiring delivery
// through the hub so frames reach the candidate and the room's proctor.
// Returns false if a task for this pair is already running (§8).
func (h *Hub) StartAnalysis(roomID, candidateID string) bool {
	return h.analysis.Start(roomID, candidateID, func(frame analysis.Frame) {
		h.deliverAnalysis(roomID, candidateID, frame)
	})
}

// StopAnalysis is the Query API's entry point for POST
// /api/analysis/stop/{candidateId}; the route carries no roomId, so the
// running task is located by candidate id alone. Returns false if no
// task was running for this candidate in any room (§8).
func (h *Hub) StopAnalysis(candidateID string) bool {
	return h.analysis.StopByCandidate(candidateID)
}

// roomIDFromContext is a placeholder hook point: the room id for a fresh
// connection is supplied by the HTTP upgrade route (/ws/{roomId}), stored
// on the client before ReadPump starts. See Handler in handler.go.
func roomIDFromContext(c *Client) string {
	return c.pendingRoomID
}
