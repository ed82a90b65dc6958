package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/observer/invigilate/internal/control"
	"github.com/observer/invigilate/internal/domain"
	"github.com/observer/invigilate/internal/registry"
	"github.com/observer/invigilate/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHandler(sfuEnabled, aiEnabled bool) (*Handler, *registry.Registry, *rules.Engine) {
	reg := registry.New(0)
	eng := rules.New()
	logger := testLogger()
	hub := control.NewHub(control.Deps{
		Registry:   reg,
		Rules:      eng,
		Logger:     logger,
		SFUEnabled: sfuEnabled,
		AIEnabled:  aiEnabled,
	})
	return New(reg, eng, nil, hub, sfuEnabled, aiEnabled, logger), reg, eng
}

func newRequest(method, target string, body string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	return r
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(false, true)
	rec := httptest.NewRecorder()
	h.Health(rec, newRequest(http.MethodGet, "/health", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, "P2P", body.Mode)
	assert.True(t, body.AIAnalysisEnabled)
}

func TestListIncidents_UnknownRoom404(t *testing.T) {
	h, _, _ := newTestHandler(false, false)
	rec := httptest.NewRecorder()
	req := newRequest(http.MethodGet, "/rooms/ghost/incidents", "")
	req.SetPathValue("roomId", "ghost")

	h.ListIncidents(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostIncident_MissingFields400(t *testing.T) {
	h, _, _ := newTestHandler(false, false)
	rec := httptest.NewRecorder()
	req := newRequest(http.MethodPost, "/rooms/r1/incidents", `{"note":"no tag"}`)
	req.SetPathValue("roomId", "r1")

	h.PostIncident(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostIncident_CreatesAndEscalates(t *testing.T) {
	h, reg, _ := newTestHandler(false, false)
	room := reg.GetOrCreate("r1")
	require.NoError(t, room.AddParticipant(domain.Participant{UserID: "c1", Role: domain.RoleCandidate}))

	post := func(ts int64) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		body := `{"tag":"A2","note":"multi face","ts":` + strconv.FormatInt(ts, 10) + `,"by":"c1"}`
		req := newRequest(http.MethodPost, "/rooms/r1/incidents", body)
		req.SetPathValue("roomId", "r1")
		h.PostIncident(rec, req)
		return rec
	}

	first := post(1000)
	assert.Equal(t, http.StatusCreated, first.Code)

	second := post(2000)
	assert.Equal(t, http.StatusCreated, second.Code)

	var out domain.Incident
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &out))
	assert.Equal(t, domain.S3, out.Level) // A2 count>=2 forces S3

	got, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Len(t, got.Incidents(), 2)
}

func TestPostIncident_UnknownRoom404(t *testing.T) {
	h, _, _ := newTestHandler(false, false)
	rec := httptest.NewRecorder()
	body := `{"tag":"A2","note":"multi face","ts":1000,"by":"c1"}`
	req := newRequest(http.MethodPost, "/rooms/ghost/incidents", body)
	req.SetPathValue("roomId", "ghost")

	h.PostIncident(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionSummary_NotFound(t *testing.T) {
	h, _, _ := newTestHandler(false, false)
	rec := httptest.NewRecorder()
	req := newRequest(http.MethodGet, "/rooms/r1/sessions/c1/summary", "")
	req.SetPathValue("roomId", "r1")
	req.SetPathValue("userId", "c1")

	h.SessionSummary(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSFUStats_DisabledReturns503(t *testing.T) {
	h, _, _ := newTestHandler(false, false)
	rec := httptest.NewRecorder()
	req := newRequest(http.MethodGet, "/rooms/r1/sfu/stats", "")
	req.SetPathValue("roomId", "r1")

	h.SFUStats(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAnalysisControl_DisabledReturns503(t *testing.T) {
	h, _, _ := newTestHandler(false, false)
	rec := httptest.NewRecorder()
	req := newRequest(http.MethodPost, "/api/analysis/start/r1/c1", "")
	req.SetPathValue("roomId", "r1")
	req.SetPathValue("candidateId", "c1")

	h.StartAnalysis(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAnalysisHistory_FiltersByLevelAndType(t *testing.T) {
	h, reg, eng := newTestHandler(false, false)
	room := reg.GetOrCreate("r1")
	room.AppendIncident(eng.Process("r1", "c1", domain.Incident{By: "c1", Tag: domain.A1, Ts: 1000}))
	room.AppendIncident(eng.Process("r1", "c1", domain.Incident{By: "c1", Tag: domain.A10, Ts: 2000}))

	rec := httptest.NewRecorder()
	req := newRequest(http.MethodGet, "/api/analysis/history/r1/c1?type=A10", "")
	req.SetPathValue("roomId", "r1")
	req.SetPathValue("candidateId", "c1")

	h.AnalysisHistory(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var out analysisHistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Incidents, 1)
	assert.Equal(t, domain.A10, out.Incidents[0].Tag)
	assert.Equal(t, 1, out.Counts["S3"])
}
