package analysis

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Frame is the §6 `ai_analysis` message's `data` payload.
type Frame struct {
	Timestamp   int64         `json:"timestamp"`
	CandidateID string        `json:"candidate_id"`
	RoomID      string        `json:"room_id"`
	Scenario    Scenario      `json:"scenario"`
	Analyses    []SubAnalysis `json:"analyses"`
}

// Deliver is called once per tick with the generated frame. The caller
// (internal/control) is responsible for routing it to the candidate and,
// if present, the proctor (§4.6 point 3).
type Deliver func(frame Frame)

// key identifies one running emitter task.
type key struct{ roomID, candidateID string }

// Emitter runs one ticking task per (roomId, candidateUserId), each
// sampling a scenario on a random delay in [2s, 5s] (§4.6).
type Emitter struct {
	mu     sync.Mutex
	tasks  map[key]context.CancelFunc
	logger *slog.Logger
	minTick, maxTick time.Duration
}

// New creates an emitter with the §4.6 default tick bounds.
func New(logger *slog.Logger) *Emitter {
	return &Emitter{
		tasks:   make(map[key]context.CancelFunc),
		logger:  logger.With("component", "analysis"),
		minTick: 2 * time.Second,
		maxTick: 5 * time.Second,
	}
}

// WithTickBounds overrides the tick interval, used by tests to avoid
// multi-second sleeps.
func (e *Emitter) WithTickBounds(min, max time.Duration) *Emitter {
	e.minTick, e.maxTick = min, max
	return e
}

// Start launches the ticking task for a candidate. Returns false with no
// effect if a task for this (roomId, candidateId) is already running (§8:
// "Restarting an analysis task for a candidate already running returns
// already_running without spawning a second task").
func (e *Emitter) Start(roomID, candidateID string, deliver Deliver) bool {
	k := key{roomID, candidateID}

	e.mu.Lock()
	if _, running := e.tasks[k]; running {
		e.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.tasks[k] = cancel
	e.mu.Unlock()

	go e.run(ctx, roomID, candidateID, deliver)
	return true
}

// Stop removes a running task's record and cancels its context, then
// returns at once: it does not wait for the task's goroutine to exit, so
// a frame whose delivery is already under way may still complete after
// Stop returns. Returns false if no task was running (§8: "Stopping an
// analysis task that is not running returns not_running").
func (e *Emitter) Stop(roomID, candidateID string) bool {
	k := key{roomID, candidateID}

	e.mu.Lock()
	cancel, running := e.tasks[k]
	if running {
		delete(e.tasks, k)
	}
	e.mu.Unlock()

	if !running {
		return false
	}
	cancel()
	return true
}

// IsRunning reports whether a task for this (roomId, candidateId) is
// currently active.
func (e *Emitter) IsRunning(roomID, candidateID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[key{roomID, candidateID}]
	return ok
}

// StopByCandidate cancels a running task identified by candidateID alone,
// for the §4.7 `POST /api/analysis/stop/{candidateId}` endpoint, whose
// path carries no roomId. Returns false if no task for this candidate is
// running in any room (§8: "not_running").
func (e *Emitter) StopByCandidate(candidateID string) bool {
	e.mu.Lock()
	var cancel context.CancelFunc
	for k, c := range e.tasks {
		if k.candidateID == candidateID {
			cancel = c
			delete(e.tasks, k)
			break
		}
	}
	e.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (e *Emitter) run(ctx context.Context, roomID, candidateID string, deliver Deliver) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(candidateID))))
	span := e.maxTick - e.minTick

	for {
		delay := e.minTick
		if span > 0 {
			delay += time.Duration(rng.Int63n(int64(span)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		scenario := chooseScenario(rng)
		frame := Frame{
			Timestamp:   time.Now().UnixMilli(),
			CandidateID: candidateID,
			RoomID:      roomID,
			Scenario:    scenario,
			Analyses:    generate(scenario, rng),
		}
		deliver(frame)
	}
}
