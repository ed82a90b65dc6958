package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/observer/invigilate/internal/control"
	"github.com/observer/invigilate/internal/domain"
	"github.com/observer/invigilate/internal/registry"
	"github.com/observer/invigilate/internal/rules"
	"github.com/observer/invigilate/internal/sfu"
)

// Handler serves the Query API (§4.7). It is read-mostly: the only
// mutations it performs are appending an externally reported incident
// and starting/stopping an analysis task, both of which delegate to the
// same engines the control channel drives.
type Handler struct {
	registry *registry.Registry
	rules    *rules.Engine
	sfu      *sfu.SFU
	hub      *control.Hub
	logger   *slog.Logger

	sfuEnabled bool
	aiEnabled  bool
}

// New constructs the Query API handler.
func New(reg *registry.Registry, eng *rules.Engine, s *sfu.SFU, hub *control.Hub, sfuEnabled, aiEnabled bool, logger *slog.Logger) *Handler {
	return &Handler{
		registry:   reg,
		rules:      eng,
		sfu:        s,
		hub:        hub,
		logger:     logger.With("component", "api"),
		sfuEnabled: sfuEnabled,
		aiEnabled:  aiEnabled,
	}
}

// healthResponse is the §4.7 `GET /health` body.
type healthResponse struct {
	OK                bool   `json:"ok"`
	SFUEnabled        bool   `json:"sfuEnabled"`
	AIAnalysisEnabled bool   `json:"aiAnalysisEnabled"`
	Mode              string `json:"mode"`
}

// Health answers GET /health. Mode reflects whether the SFU is both
// enabled and actually available (§4.5: "WebRTC library availability is
// a runtime capability probe"); when either is false, control-channel
// signaling falls back to P2P fan-out, so the reported mode follows
// that fallback rather than just the config flag.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	mode := "P2P"
	if h.sfuEnabled && h.sfu != nil && h.sfu.Available() {
		mode = "SFU"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		OK:                true,
		SFUEnabled:        h.sfuEnabled,
		AIAnalysisEnabled: h.aiEnabled,
		Mode:              mode,
	})
}

// ListIncidents answers GET /rooms/{roomId}/incidents.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	room, ok := h.registry.Get(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":    roomID,
		"incidents": room.Incidents(),
	})
}

// postIncidentRequest is the §4.7 `POST /rooms/{roomId}/incidents` body.
type postIncidentRequest struct {
	Tag   domain.IncidentCode `json:"tag"`
	Level domain.Severity     `json:"level"`
	Note  string              `json:"note"`
	Ts    int64               `json:"ts"`
	By    string              `json:"by"`
}

// PostIncident answers POST /rooms/{roomId}/incidents: an externally
// reported observation (the AI pipeline's real collaborator role per §9
// Design notes) is run through the same rules engine the control
// channel uses, so escalation state stays consistent regardless of
// which transport reported it.
func (h *Handler) PostIncident(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")

	var req postIncidentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tag == "" || req.Ts == 0 || req.By == "" {
		writeError(w, http.StatusBadRequest, "tag, ts, and by are required")
		return
	}

	room, ok := h.registry.Get(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	out := h.rules.Process(roomID, req.By, domain.Incident{
		By: req.By, Tag: req.Tag, Note: req.Note, Ts: req.Ts,
	})
	room.AppendIncident(out)

	writeJSON(w, http.StatusCreated, out)
}

// SessionSummary answers GET /rooms/{roomId}/sessions/{userId}/summary.
func (h *Handler) SessionSummary(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	userID := r.PathValue("userId")

	summary, err := h.rules.Summary(roomID, userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SFUStats answers GET /rooms/{roomId}/sfu/stats. 503 when the SFU is
// disabled outright (§4.7).
func (h *Handler) SFUStats(w http.ResponseWriter, r *http.Request) {
	if !h.sfuEnabled || h.sfu == nil {
		writeError(w, http.StatusServiceUnavailable, "sfu disabled")
		return
	}
	roomID := r.PathValue("roomId")
	writeJSON(w, http.StatusOK, h.sfu.Stats(roomID))
}

// analysisActionResponse wraps the §8 "already_running"/"not_running"
// result codes for the analysis-control endpoints.
type analysisActionResponse struct {
	Status string `json:"status"`
}

// StartAnalysis answers POST /api/analysis/start/{roomId}/{candidateId}.
func (h *Handler) StartAnalysis(w http.ResponseWriter, r *http.Request) {
	if !h.aiEnabled {
		writeError(w, http.StatusServiceUnavailable, "ai analysis disabled")
		return
	}
	roomID := r.PathValue("roomId")
	candidateID := r.PathValue("candidateId")

	if h.hub.StartAnalysis(roomID, candidateID) {
		writeJSON(w, http.StatusOK, analysisActionResponse{Status: "started"})
		return
	}
	writeJSON(w, http.StatusOK, analysisActionResponse{Status: "already_running"})
}

// StopAnalysis answers POST /api/analysis/stop/{candidateId}.
func (h *Handler) StopAnalysis(w http.ResponseWriter, r *http.Request) {
	if !h.aiEnabled {
		writeError(w, http.StatusServiceUnavailable, "ai analysis disabled")
		return
	}
	candidateID := r.PathValue("candidateId")

	if h.hub.StopAnalysis(candidateID) {
		writeJSON(w, http.StatusOK, analysisActionResponse{Status: "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, analysisActionResponse{Status: "not_running"})
}

// analysisHistoryResponse is the §4.7 analysis-history response: the
// filtered incident list plus an S1..S4 occurrence summary. There is no
// separate analysis-frame log (§13: "frames are not separately
// persisted") — an alert surfaced during a mock analysis tick reaches
// this history exactly when it was reported as an incident.
type analysisHistoryResponse struct {
	RoomID      string            `json:"roomId"`
	CandidateID string            `json:"candidateId"`
	Incidents   []domain.Incident `json:"incidents"`
	Counts      map[string]int    `json:"counts"`
}

// AnalysisHistory answers GET
// /api/analysis/history/{roomId}/{candidateId}?from_ts&to_ts&level&type.
func (h *Handler) AnalysisHistory(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	candidateID := r.PathValue("candidateId")

	room, ok := h.registry.Get(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	q := r.URL.Query()
	fromTs := parseInt64(q.Get("from_ts"), 0)
	toTs := parseInt64(q.Get("to_ts"), 0)
	levelFilter := domain.Severity(q.Get("level"))
	typeFilter := domain.IncidentCode(q.Get("type"))

	counts := map[string]int{"S1": 0, "S2": 0, "S3": 0, "S4": 0}
	filtered := make([]domain.Incident, 0)
	for _, inc := range room.Incidents() {
		if inc.By != candidateID {
			continue
		}
		if fromTs != 0 && inc.Ts < fromTs {
			continue
		}
		if toTs != 0 && inc.Ts > toTs {
			continue
		}
		if levelFilter != "" && inc.Level != levelFilter {
			continue
		}
		if typeFilter != "" && inc.Tag != typeFilter {
			continue
		}
		filtered = append(filtered, inc)
		counts[string(inc.Level)]++
	}

	writeJSON(w, http.StatusOK, analysisHistoryResponse{
		RoomID:      roomID,
		CandidateID: candidateID,
		Incidents:   filtered,
		Counts:      counts,
	})
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
