package analysis

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testEmitter() *Emitter {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger).WithTickBounds(5*time.Millisecond, 10*time.Millisecond)
}

func TestEmitter_StartTwice_SecondIsRejected(t *testing.T) {
	e := testEmitter()
	defer e.Stop("r1", "c1")

	ok := e.Start("r1", "c1", func(Frame) {})
	if !ok {
		t.Fatal("first Start should succeed")
	}
	ok = e.Start("r1", "c1", func(Frame) {})
	if ok {
		t.Fatal("second Start for a running candidate should return false (already_running)")
	}
}

func TestEmitter_StopNotRunning(t *testing.T) {
	e := testEmitter()
	if e.Stop("r1", "ghost") {
		t.Fatal("Stop on a non-running task should return false (not_running)")
	}
}

func TestEmitter_DeliversFrames(t *testing.T) {
	e := testEmitter()
	var mu sync.Mutex
	var got []Frame

	e.Start("r1", "c1", func(f Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	time.Sleep(60 * time.Millisecond)
	e.Stop("r1", "c1")

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("expected at least one frame to be delivered")
	}
	for _, f := range got {
		if f.RoomID != "r1" || f.CandidateID != "c1" {
			t.Fatalf("frame has wrong room/candidate: %+v", f)
		}
		if len(f.Analyses) == 0 {
			t.Fatalf("frame has no sub-analyses: %+v", f)
		}
	}
}

func TestEmitter_StopCancelsTicking(t *testing.T) {
	e := testEmitter()
	var mu sync.Mutex
	count := 0

	e.Start("r1", "c1", func(Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	time.Sleep(20 * time.Millisecond)
	e.Stop("r1", "c1")

	mu.Lock()
	stoppedAt := count
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != stoppedAt {
		t.Fatalf("frames kept arriving after Stop: %d -> %d", stoppedAt, count)
	}
}

func TestScenarioWeights_SumToOne(t *testing.T) {
	var sum float64
	for _, w := range weights {
		sum += w.weight
	}
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("scenario weights sum to %f, want 1.0", sum)
	}
}

func TestIsRunning(t *testing.T) {
	e := testEmitter()
	if e.IsRunning("r1", "c1") {
		t.Fatal("expected not running before Start")
	}
	e.Start("r1", "c1", func(Frame) {})
	if !e.IsRunning("r1", "c1") {
		t.Fatal("expected running after Start")
	}
	e.Stop("r1", "c1")
	if e.IsRunning("r1", "c1") {
		t.Fatal("expected not running after Stop")
	}
}
