// Package tasks runs operations off the caller's goroutine on a bounded
// worker pool and keeps a registry of their outcomes.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/leafy/internal/bus"
	"github.com/basket/leafy/internal/otel"
	"github.com/basket/leafy/internal/shared"
	"github.com/basket/leafy/internal/telemetry"
)

var (
	// ErrQueueFull is returned by Start when every worker is busy and the
	// queue is at capacity. The task goes straight from PENDING to FAILED
	// with this error; it is never RUNNING.
	ErrQueueFull = errors.New("task queue is full")

	// ErrClosed is returned by Start after Close. As with ErrQueueFull the
	// task is marked FAILED without running.
	ErrClosed = errors.New("task manager is closed")

	// ErrNotPending is returned when starting a task that already ran.
	ErrNotPending = errors.New("task is not pending")
)

const (
	DefaultWorkers    = 4
	DefaultQueueDepth = 100
)

// Config configures a Manager.
type Config struct {
	Workers int // goroutines executing tasks

	// QueueDepth is how many tasks may wait for a free worker. Zero uses
	// DefaultQueueDepth; negative allows none.
	QueueDepth int

	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
}

// Stats counts registered tasks by state.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// RunOption customizes a single Start.
type RunOption func(*Task)

// WithOnComplete registers fn to run on the worker after the task reaches a
// terminal state.
func WithOnComplete(fn func(*Task)) RunOption {
	return func(t *Task) { t.onComplete = fn }
}

// Manager owns the worker pool and the task registry.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	queue chan *Task

	mu    sync.RWMutex
	tasks map[string]*Task

	closeMu sync.RWMutex
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	running atomic.Int32
}

// New starts cfg.Workers workers and returns the manager.
func New(cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	} else if cfg.QueueDepth == 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		logger:  telemetry.Category(cfg.Logger, telemetry.CategoryAsync),
		queue:   make(chan *Task, cfg.QueueDepth),
		tasks:   make(map[string]*Task),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.worker()
		}()
	}
	return m
}

// CreateTask registers a PENDING task under id without running it. An
// existing entry with the same id is replaced; work already running under
// the old entry is unaffected.
func (m *Manager) CreateTask(id string, op Operation, args ...any) *Task {
	t := newTask(id, op, args, time.Now())
	m.mu.Lock()
	if _, exists := m.tasks[id]; exists {
		m.logger.Warn("task id reused; replacing registry entry", "task_id", id)
	}
	m.tasks[id] = t
	m.mu.Unlock()
	return t
}

// Start queues a PENDING task for a worker.
func (m *Manager) Start(t *Task, opts ...RunOption) error {
	if t == nil {
		return fmt.Errorf("start: nil task")
	}
	if t.State() != StatePending {
		return fmt.Errorf("start %s: %w", t.ID, ErrNotPending)
	}
	for _, opt := range opts {
		opt(t)
	}

	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		m.finish(t, nil, ErrClosed)
		return fmt.Errorf("start %s: %w", t.ID, ErrClosed)
	}
	select {
	case m.queue <- t:
		return nil
	default:
	}

	m.finish(t, nil, ErrQueueFull)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TasksRejected.Add(context.Background(), 1)
	}
	return fmt.Errorf("start %s: %w", t.ID, ErrQueueFull)
}

// RunAsync registers and starts op under id.
func (m *Manager) RunAsync(id string, op Operation, args ...any) (*Task, error) {
	t := m.CreateTask(id, op, args...)
	if err := m.Start(t); err != nil {
		return t, err
	}
	return t, nil
}

// Go runs op under a generated id.
func (m *Manager) Go(op Operation, args ...any) (*Task, error) {
	return m.RunAsync(uuid.NewString(), op, args...)
}

// Task looks up a registered task.
func (m *Manager) Task(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Result blocks until the task with id is terminal and returns its result.
// ok is false for unknown ids and failed tasks.
func (m *Manager) Result(id string) (any, bool) {
	t, found := m.Task(id)
	if !found {
		return nil, false
	}
	return t.Wait(0)
}

// IsRunning reports whether id is registered and RUNNING.
func (m *Manager) IsRunning(id string) bool {
	t, ok := m.Task(id)
	return ok && t.State() == StateRunning
}

// CancelTask reports whether a task with id is registered. It does not stop
// or dequeue the work; operations have no preemption point.
func (m *Manager) CancelTask(id string) bool {
	_, ok := m.Task(id)
	return ok
}

// ClearCompleted drops terminal tasks from the registry and returns how many
// were removed.
func (m *Manager) ClearCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.State().Terminal() {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

// List returns a snapshot of every registered task.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Info())
	}
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st Stats
	for _, t := range m.tasks {
		switch t.State() {
		case StatePending:
			st.Pending++
		case StateRunning:
			st.Running++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		}
	}
	st.Total = len(m.tasks)
	return st
}

// Close stops accepting tasks and waits up to timeout for queued and running
// work to finish. On timeout the context handed to operations is canceled and
// an error is returned; operations that ignore ctx keep running.
func (m *Manager) Close(timeout time.Duration) error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		m.logger.Info("task manager drained cleanly")
		return nil
	case <-time.After(timeout):
		m.cancel()
		m.logger.Warn("task manager drain timeout", "timeout", timeout, "running", m.running.Load())
		return fmt.Errorf("drain timed out after %s", timeout)
	}
}

func (m *Manager) worker() {
	for t := range m.queue {
		m.run(t)
	}
}

func (m *Manager) run(t *Task) {
	prev, ok := t.advance(StateRunning, time.Now(), nil, nil)
	if !ok {
		return
	}
	m.publishState(t, prev, StateRunning)

	m.running.Add(1)
	defer m.running.Add(-1)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TasksActive.Add(m.baseCtx, 1)
		defer m.cfg.Metrics.TasksActive.Add(m.baseCtx, -1)
	}

	ctx := shared.WithTraceID(m.baseCtx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, t.ID)
	ctx = shared.WithProgress(ctx, t.setProgress)

	result, err := invoke(ctx, t.op, t.args)
	m.finish(t, result, err)
}

// invoke calls op, turning a panic into an error.
func invoke(ctx context.Context, op Operation, args []any) (result any, err error) {
	if op == nil {
		return nil, errors.New("nil operation")
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx, args...)
}

func (m *Manager) finish(t *Task, result any, err error) {
	next := StateCompleted
	if err != nil {
		next = StateFailed
		result = nil
	}
	prev, ok := t.advance(next, time.Now(), result, err)
	if !ok {
		return
	}
	elapsed := t.elapsed()

	if err != nil {
		m.logger.Error("task failed", "task_id", t.ID, "error", err, "elapsed_ms", elapsed.Milliseconds())
		m.cfg.Bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
			TaskID: t.ID, OldState: string(prev), NewState: string(next), Error: err.Error(), ElapsedMS: elapsed.Milliseconds(),
		})
	} else {
		m.logger.Info("task completed", "task_id", t.ID, "elapsed_ms", elapsed.Milliseconds())
		m.cfg.Bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
			TaskID: t.ID, OldState: string(prev), NewState: string(next), ElapsedMS: elapsed.Milliseconds(),
		})
	}
	m.publishState(t, prev, next)

	if m.cfg.Metrics != nil {
		attrs := metric.WithAttributes(attribute.String("state", string(next)))
		m.cfg.Metrics.TaskDuration.Record(context.Background(), elapsed.Seconds(), attrs)
		if err != nil {
			m.cfg.Metrics.TaskFailures.Add(context.Background(), 1)
		}
	}

	if t.onComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("task completion callback panicked", "task_id", t.ID, "panic", r)
				}
			}()
			t.onComplete(t)
		}()
	}
}

func (m *Manager) publishState(t *Task, prev, next State) {
	ev := bus.TaskStateChangedEvent{
		TaskID:   t.ID,
		OldState: string(prev),
		NewState: string(next),
	}
	if next.Terminal() {
		ev.ElapsedMS = t.elapsed().Milliseconds()
		if err := t.Err(); err != nil {
			ev.Error = err.Error()
		}
	}
	m.cfg.Bus.Publish(bus.TopicTaskStateChanged, ev)
}
