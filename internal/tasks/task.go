package tasks

import (
	"context"
	"sync"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether s is COMPLETED or FAILED.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	case StateCompleted, StateFailed:
		return 2
	}
	return -1
}

// Operation is the work a task runs. ctx carries the task id and a progress
// sink (see shared.ReportProgress).
type Operation func(ctx context.Context, args ...any) (any, error)

// Task is one unit of background work. All methods are safe for concurrent
// use.
type Task struct {
	ID string

	op         Operation
	args       []any
	onComplete func(*Task)

	mu         sync.Mutex
	state      State
	result     any
	err        error
	progress   int
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	done chan struct{}
}

func newTask(id string, op Operation, args []any, now time.Time) *Task {
	return &Task{
		ID:        id,
		op:        op,
		args:      args,
		state:     StatePending,
		createdAt: now,
		done:      make(chan struct{}),
	}
}

// Info is a point-in-time copy of a task's observable fields.
type Info struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress is the last reported completion percentage.
func (t *Task) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Err is the failure recorded for a FAILED task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Result returns the value produced so far. It is nil until the task
// completes and stays nil when it fails.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Info snapshots the task.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:         t.ID,
		State:      t.state,
		Progress:   t.progress,
		CreatedAt:  t.createdAt,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or timeout elapses. It returns the
// result and true only when the task completed successfully. A timeout does
// not affect the running work. timeout <= 0 waits indefinitely.
func (t *Task) Wait(timeout time.Duration) (any, bool) {
	if timeout <= 0 {
		<-t.done
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-t.done:
		case <-timer.C:
			return t.Result(), false
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.state == StateCompleted
}

// WaitContext blocks until the task finishes or ctx ends, returning the
// result and the task's failure, or ctx.Err().
func (t *Task) WaitContext(ctx context.Context) (any, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// advance moves the task forward to next. Backward or repeated moves are
// refused, so a terminal task is never resurrected.
func (t *Task) advance(next State, now time.Time, result any, err error) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.state
	if next.rank() <= prev.rank() {
		return prev, false
	}
	t.state = next
	switch next {
	case StateRunning:
		t.startedAt = now
	case StateCompleted:
		t.result = result
		t.progress = 100
		t.finishedAt = now
	case StateFailed:
		t.err = err
		t.finishedAt = now
	}
	if next.Terminal() {
		close(t.done)
	}
	return prev, true
}

func (t *Task) setProgress(percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning {
		t.progress = percent
	}
}

func (t *Task) elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() || t.finishedAt.IsZero() {
		return 0
	}
	return t.finishedAt.Sub(t.startedAt)
}
