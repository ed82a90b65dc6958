// Package analysis implements the Analysis Emitter (C6): a mock AI
// source that samples a weighted scenario and produces per-modality
// sub-analyses, some of which carry an alert tagged with a taxonomy code
// (§4.6). It is intentionally swappable for a real pipeline later (§9
// Design notes: "Mock analysis vs. real analysis") — nothing downstream
// depends on this package beyond the message shape it produces.
package analysis

import (
	"math/rand"

	"github.com/observer/invigilate/internal/domain"
)

// Scenario is one of the weighted outcomes of a mock analysis tick.
type Scenario string

const (
	ScenarioNormal           Scenario = "normal"
	ScenarioNoFace           Scenario = "no_face"
	ScenarioMultipleFaces    Scenario = "multiple_faces"
	ScenarioFaceMismatch     Scenario = "face_mismatch"
	ScenarioFaceTurned       Scenario = "face_turned"
	ScenarioSearchEngine     Scenario = "search_engine"
	ScenarioChatApp          Scenario = "chat_app"
	ScenarioVoiceDetected    Scenario = "voice_detected"
	ScenarioMultipleSpeakers Scenario = "multiple_speakers"
	ScenarioLookingAway      Scenario = "looking_away"
)

// weights implements the §4.6 distribution exactly.
var weights = []struct {
	scenario Scenario
	weight   float64
}{
	{ScenarioNormal, 0.75},
	{ScenarioNoFace, 0.08},
	{ScenarioFaceTurned, 0.03},
	{ScenarioSearchEngine, 0.04},
	{ScenarioVoiceDetected, 0.03},
	{ScenarioMultipleFaces, 0.02},
	{ScenarioChatApp, 0.02},
	{ScenarioFaceMismatch, 0.01},
	{ScenarioMultipleSpeakers, 0.01},
	{ScenarioLookingAway, 0.01},
}

// chooseScenario samples from the weighted distribution, grounded on the
// prototype's random.choices(weights=...) but implemented with the
// standard library's rand, since this module carries no other randomness
// dependency worth adding for a single call site.
func chooseScenario(rng *rand.Rand) Scenario {
	r := rng.Float64()
	var cum float64
	for _, w := range weights {
		cum += w.weight
		if r < cum {
			return w.scenario
		}
	}
	return ScenarioNormal
}

// scenarioCode maps a scenario to the taxonomy code its alert (if any)
// carries. Several screen/audio scenarios share a code because spec.md's
// taxonomy is coarser than the prototype's own A/B/C/D scheme: both
// screen scenarios map to A5 (prohibited material) and both audio
// scenarios to A6 (conversational audio).
var scenarioCode = map[Scenario]domain.IncidentCode{
	ScenarioNoFace:           domain.A1,
	ScenarioMultipleFaces:    domain.A2,
	ScenarioFaceMismatch:     domain.A10,
	ScenarioFaceTurned:       domain.A8,
	ScenarioSearchEngine:     domain.A5,
	ScenarioChatApp:          domain.A5,
	ScenarioVoiceDetected:    domain.A6,
	ScenarioMultipleSpeakers: domain.A6,
	ScenarioLookingAway:      domain.A11,
}

// SubAnalysis is one modality's result within a frame, matching the
// prototype's per-modality dict shape (`type`, `result`, optional
// `alert`).
type SubAnalysis struct {
	Type   string         `json:"type"`
	Result map[string]any `json:"result"`
	Alert  *Alert         `json:"alert,omitempty"`
}

// Alert is the sub-analysis's optional flagged observation, its `type`
// drawn from the incident taxonomy and `level` defaulted from it.
type Alert struct {
	Type    domain.IncidentCode `json:"type"`
	Level   domain.Severity     `json:"level"`
	Message string              `json:"message"`
}

func newAlert(code domain.IncidentCode, message string) *Alert {
	return &Alert{Type: code, Level: domain.DefaultLevel(code), Message: message}
}

// generate produces the modality list for a scenario, mirroring the
// prototype's `_generate_*` methods field-for-field where spec.md doesn't
// redefine the shape.
func generate(s Scenario, rng *rand.Rand) []SubAnalysis {
	switch s {
	case ScenarioNoFace:
		return []SubAnalysis{
			{Type: "face_detection", Result: map[string]any{
				"facesDetected": 0, "confidence": 0.0, "status": "no_face",
			}, Alert: newAlert(domain.A1, "no face detected in frame")},
			{Type: "behavior_analysis", Result: map[string]any{
				"gazeDirection": "unknown", "leftCamera": true, "status": "left_camera",
			}},
		}
	case ScenarioMultipleFaces:
		n := 2 + rng.Intn(2)
		return []SubAnalysis{
			{Type: "face_detection", Result: map[string]any{
				"facesDetected": n, "confidence": jitter(rng, 0.75, 0.92), "status": "multiple_faces",
			}, Alert: newAlert(domain.A2, "multiple faces detected")},
		}
	case ScenarioFaceMismatch:
		return []SubAnalysis{
			{Type: "face_recognition", Result: map[string]any{
				"isVerified": false, "similarityScore": jitter(rng, 0.25, 0.48), "status": "mismatch",
			}, Alert: newAlert(domain.A10, "face does not match enrollment")},
		}
	case ScenarioFaceTurned:
		return []SubAnalysis{
			{Type: "face_detection", Result: map[string]any{
				"facesDetected": 1, "confidence": jitter(rng, 0.35, 0.55), "status": "face_turned",
			}, Alert: newAlert(domain.A8, "face turned away from camera")},
		}
	case ScenarioSearchEngine:
		texts := []string{"Google Search: practice problems", "ChatGPT - explain this", "Stack Overflow: algorithm help"}
		return []SubAnalysis{
			{Type: "screen_analysis", Result: map[string]any{
				"ocrText": texts[rng.Intn(len(texts))], "detectedApps": []string{"chrome"}, "status": "suspicious",
			}, Alert: newAlert(domain.A5, "search engine detected on screen")},
		}
	case ScenarioChatApp:
		apps := []string{"messenger", "discord", "telegram"}
		return []SubAnalysis{
			{Type: "screen_analysis", Result: map[string]any{
				"detectedApps": []string{apps[rng.Intn(len(apps))]}, "status": "violation",
			}, Alert: newAlert(domain.A5, "chat application detected on screen")},
		}
	case ScenarioVoiceDetected:
		return []SubAnalysis{
			{Type: "audio_analysis", Result: map[string]any{
				"voiceDetected": true, "numSpeakers": 1, "status": "speaking",
			}, Alert: newAlert(domain.A6, "voice activity detected")},
		}
	case ScenarioMultipleSpeakers:
		return []SubAnalysis{
			{Type: "audio_analysis", Result: map[string]any{
				"voiceDetected": true, "numSpeakers": 2 + rng.Intn(2), "status": "multiple_speakers",
			}, Alert: newAlert(domain.A6, "multiple speakers detected")},
		}
	case ScenarioLookingAway:
		dirs := []string{"left", "right", "down", "up"}
		return []SubAnalysis{
			{Type: "behavior_analysis", Result: map[string]any{
				"gazeDirection": dirs[rng.Intn(len(dirs))], "status": "looking_away",
			}, Alert: newAlert(domain.A11, "candidate looking away from screen")},
		}
	default: // normal
		return []SubAnalysis{
			{Type: "face_detection", Result: map[string]any{"facesDetected": 1, "confidence": jitter(rng, 0.85, 0.98), "status": "normal"}},
			{Type: "face_recognition", Result: map[string]any{"isVerified": true, "status": "verified"}},
			{Type: "screen_analysis", Result: map[string]any{"detectedApps": []string{"exam_browser"}, "status": "clean"}},
			{Type: "audio_analysis", Result: map[string]any{"voiceDetected": false, "status": "silent"}},
			{Type: "behavior_analysis", Result: map[string]any{"gazeDirection": "center", "status": "normal"}},
		}
	}
}

func jitter(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
