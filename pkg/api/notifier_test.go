package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

type eventRecorder struct {
	NoopNotifier
	events []string
}

func (r *eventRecorder) OnExecutionStarted(ctx context.Context, run RunInfo) {
	r.events = append(r.events, "started:"+run.RunID)
}

func (r *eventRecorder) OnExecutionFailed(ctx context.Context, run RunInfo, err error) {
	r.events = append(r.events, "failed:"+err.Error())
}

func (r *eventRecorder) OnStepCompleted(ctx context.Context, run RunInfo, stepID string, index int, err error, d time.Duration) {
	r.events = append(r.events, "step:"+stepID)
}

func TestCompositeNotifier_FansOut(t *testing.T) {
	a := &eventRecorder{}
	b := &eventRecorder{}
	n := NewCompositeNotifier(a, nil, b)

	ctx := context.Background()
	run := RunInfo{RunID: "r1", Ensemble: "e"}
	n.OnExecutionStarted(ctx, run)
	n.OnStepCompleted(ctx, run, "draft", 0, nil, time.Millisecond)
	n.OnExecutionFailed(ctx, run, errors.New("boom"))

	want := []string{"started:r1", "step:draft", "failed:boom"}
	for _, rec := range []*eventRecorder{a, b} {
		if len(rec.events) != len(want) {
			t.Fatalf("events = %v, want %v", rec.events, want)
		}
		for i := range want {
			if rec.events[i] != want[i] {
				t.Fatalf("events = %v, want %v", rec.events, want)
			}
		}
	}
}

func TestCompositeNotifier_CollapsesToNoopAndSingle(t *testing.T) {
	if _, ok := NewCompositeNotifier().(NoopNotifier); !ok {
		t.Fatal("empty composite should be a NoopNotifier")
	}
	if _, ok := NewCompositeNotifier(nil, nil).(NoopNotifier); !ok {
		t.Fatal("all-nil composite should be a NoopNotifier")
	}

	single := &eventRecorder{}
	if got := NewCompositeNotifier(nil, single); got != Notifier(single) {
		t.Fatal("single non-nil notifier should be returned unwrapped")
	}
}

func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	run := RunInfo{RunID: "r1", Ensemble: "e"}

	m.OnExecutionStarted(ctx, run)
	m.OnExecutionStarted(ctx, run)
	m.OnExecutionStarted(ctx, run)
	m.OnExecutionCompleted(ctx, run, &ExecutionOutput{})
	m.OnExecutionFailed(ctx, run, errors.New("boom"))

	m.OnStepCompleted(ctx, run, "a", 0, nil, 10*time.Millisecond)
	m.OnStepCompleted(ctx, run, "b", 1, nil, 30*time.Millisecond)
	m.OnStepCompleted(ctx, run, "c", 2, errors.New("boom"), time.Hour)

	snap := m.Snapshot()
	if snap.RunsStarted != 3 || snap.RunsCompleted != 1 || snap.RunsFailed != 1 {
		t.Fatalf("run counters: %+v", snap)
	}
	if snap.RunsInFlight != 1 {
		t.Fatalf("in flight = %d, want 1", snap.RunsInFlight)
	}
	if snap.StepsCompleted != 2 {
		t.Fatalf("steps = %d, want 2 (failed steps excluded)", snap.StepsCompleted)
	}
	if snap.AvgStepDuration != 20*time.Millisecond {
		t.Fatalf("avg = %v, want 20ms", snap.AvgStepDuration)
	}
}
