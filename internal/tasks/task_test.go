package tasks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskAdvance_Monotonic(t *testing.T) {
	now := time.Now()
	task := newTask("m", nil, nil, now)

	if _, ok := task.advance(StateRunning, now, nil, nil); !ok {
		t.Fatal("PENDING -> RUNNING refused")
	}
	if _, ok := task.advance(StatePending, now, nil, nil); ok {
		t.Fatal("RUNNING -> PENDING allowed")
	}
	if _, ok := task.advance(StateCompleted, now.Add(time.Second), "v", nil); !ok {
		t.Fatal("RUNNING -> COMPLETED refused")
	}
	if _, ok := task.advance(StateFailed, now, nil, errors.New("late")); ok {
		t.Fatal("terminal task moved again")
	}
	if task.State() != StateCompleted || task.Result() != "v" || task.Err() != nil {
		t.Fatalf("terminal state disturbed: %+v", task.Info())
	}
	if task.elapsed() != time.Second {
		t.Fatalf("elapsed = %v", task.elapsed())
	}
	select {
	case <-task.Done():
	default:
		t.Fatal("Done not closed on terminal state")
	}
}

func TestTaskProgress_IgnoredUnlessRunning(t *testing.T) {
	task := newTask("p", nil, nil, time.Now())
	task.setProgress(50)
	if task.Progress() != 0 {
		t.Fatalf("pending task took progress %d", task.Progress())
	}
	task.advance(StateRunning, time.Now(), nil, nil)
	task.setProgress(50)
	if task.Progress() != 50 {
		t.Fatalf("progress = %d", task.Progress())
	}
}

func TestTaskWaitContext(t *testing.T) {
	task := newTask("w", nil, nil, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := task.WaitContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	boom := errors.New("boom")
	task.advance(StateRunning, time.Now(), nil, nil)
	task.advance(StateFailed, time.Now(), nil, boom)
	if _, err := task.WaitContext(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected task error, got %v", err)
	}
}

func TestState_Terminal(t *testing.T) {
	for state, want := range map[State]bool{
		StatePending:   false,
		StateRunning:   false,
		StateCompleted: true,
		StateFailed:    true,
	} {
		if state.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", state, !want)
		}
	}
}
