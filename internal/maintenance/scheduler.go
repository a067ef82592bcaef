// Package maintenance schedules the periodic housekeeping jobs: sweeping
// expired cache entries, pruning old command history and taking backups.
// Jobs fire on cron specs and run on the task manager's pool.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/leafy/internal/bus"
	"github.com/basket/leafy/internal/otel"
	"github.com/basket/leafy/internal/tasks"
	"github.com/basket/leafy/internal/telemetry"
)

// Job names, also used as the Job field of bus.SweepEvent.
const (
	JobCacheSweep   = "cache_sweep"
	JobHistoryPrune = "history_prune"
	JobBackup       = "backup"
)

// Off disables a job when used as its spec.
const Off = "off"

var (
	// ErrUnknownJob is returned by RunNow for a job that is not registered.
	ErrUnknownJob = errors.New("unknown maintenance job")

	// ErrJobRunning is returned when a job is submitted while its previous
	// run has not finished.
	ErrJobRunning = errors.New("maintenance job still running")
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// @daily and @every 1h.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Sweeper removes expired cache entries. *cache.Cache satisfies it.
type Sweeper interface {
	ClearExpired(ctx context.Context) (int64, error)
}

// Store is the storage the prune and backup jobs need. *persistence.Store
// satisfies it.
type Store interface {
	ClearOldHistory(ctx context.Context, days int) (int64, error)
	Backup(ctx context.Context, destPath string) (string, error)
}

// Schedule holds the cron spec per job. An empty CacheSweep or HistoryPrune
// is an error; an empty Backup, or Off for any job, disables it.
type Schedule struct {
	CacheSweep   string
	HistoryPrune string
	Backup       string
}

type Config struct {
	Schedule      Schedule
	RetentionDays int    // history older than this is pruned; 0 disables pruning
	BackupDir     string // empty writes next to the database

	Sweeper Sweeper
	Store   Store
	Tasks   *tasks.Manager // nil runs jobs inline on the cron goroutine

	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Clock   func() time.Time
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitempty"`
}

type job struct {
	name    string
	spec    string
	entry   cronlib.EntryID
	run     func(ctx context.Context) (removed int64, detail string, err error)
	running atomic.Bool
}

// Scheduler owns a cron runner and the registered jobs.
type Scheduler struct {
	cron    *cronlib.Cron
	tasks   *tasks.Manager
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	now     func() time.Time

	retentionDays int
	backupDir     string
	sweeper       Sweeper
	store         Store

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New validates the schedule and registers its jobs without starting them.
func New(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		tasks:         cfg.Tasks,
		logger:        telemetry.Category(cfg.Logger, telemetry.CategoryMaintenance),
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		now:           cfg.Clock,
		retentionDays: cfg.RetentionDays,
		backupDir:     cfg.BackupDir,
		sweeper:       cfg.Sweeper,
		store:         cfg.Store,
		jobs:          make(map[string]*job),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.cron = cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLogger(cronLogger{s.logger}))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.register(JobCacheSweep, cfg.Schedule.CacheSweep, true, s.sweepCache); err != nil {
		return nil, err
	}
	if err := s.register(JobHistoryPrune, cfg.Schedule.HistoryPrune, true, s.pruneHistory); err != nil {
		return nil, err
	}
	if err := s.register(JobBackup, cfg.Schedule.Backup, false, s.backup); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) register(name, spec string, required bool, run func(context.Context) (int64, string, error)) error {
	spec = strings.TrimSpace(spec)
	if strings.EqualFold(spec, Off) || (spec == "" && !required) {
		s.logger.Debug("maintenance job disabled", "job", name)
		return nil
	}
	if spec == "" {
		return fmt.Errorf("maintenance %s: empty schedule", name)
	}
	if err := ValidateSpec(spec); err != nil {
		return fmt.Errorf("maintenance %s: %w", name, err)
	}
	j := &job{name: name, spec: spec, run: run}
	id, err := s.cron.AddFunc(spec, func() { s.trigger(j) })
	if err != nil {
		return fmt.Errorf("maintenance %s: %w", name, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

// ValidateSpec reports whether spec parses as a cron expression.
func ValidateSpec(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// Stop halts scheduling, cancels the context of running jobs (inline or on
// the task manager) and waits for the cron goroutine to finish, or for ctx
// to end.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	s.cancel()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.logger.Info("maintenance scheduler stopped")
}

// Jobs lists registered jobs by name with their next fire time. Next is
// zero until Start.
func (s *Scheduler) Jobs() []JobInfo {
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{Name: j.name, Spec: j.spec, Next: s.cron.Entry(j.entry).Next})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow submits a registered job immediately. With a task manager the
// returned task tracks the run; without one the job runs inline and the
// task is nil. A job whose previous run is unfinished gives ErrJobRunning.
func (s *Scheduler) RunNow(name string) (*tasks.Task, error) {
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.submit(j)
}

func (s *Scheduler) trigger(j *job) {
	_, err := s.submit(j)
	switch {
	case errors.Is(err, ErrJobRunning):
		s.logger.Info("maintenance job still running, skipping", "job", j.name)
	case err != nil:
		s.logger.Warn("maintenance job not submitted", "job", j.name, "error", err)
	}
}

func (s *Scheduler) submit(j *job) (*tasks.Task, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, ErrJobRunning
	}
	if s.tasks == nil {
		defer j.running.Store(false)
		_, err := s.execute(s.ctx, j)
		return nil, err
	}
	id := "maintenance-" + j.name + "-" + uuid.NewString()[:8]
	t, err := s.tasks.RunAsync(id, func(ctx context.Context, _ ...any) (any, error) {
		defer j.running.Store(false)
		// The task context carries the task id; Stop must still reach it.
		jobCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(s.ctx, cancel)()
		return s.execute(jobCtx, j)
	})
	if err != nil {
		j.running.Store(false)
		return nil, err
	}
	return t, nil
}

func (s *Scheduler) execute(ctx context.Context, j *job) (any, error) {
	start := time.Now()
	removed, detail, err := j.run(ctx)
	ev := bus.SweepEvent{Job: j.name, Removed: removed, Detail: detail}
	if err != nil {
		ev.Detail, ev.Failed = err.Error(), true
		s.logger.Error("maintenance job failed", "job", j.name, "error", err)
		s.bus.Publish(bus.TopicMaintenanceSweep, ev)
		return nil, err
	}
	s.logger.Info("maintenance job finished",
		"job", j.name, "removed", removed, "detail", detail, "duration_ms", time.Since(start).Milliseconds())
	if s.metrics != nil && removed > 0 {
		s.metrics.MaintenanceRemoved.Add(ctx, removed, metric.WithAttributes(attribute.String("job", j.name)))
	}
	s.bus.Publish(bus.TopicMaintenanceSweep, ev)
	return ev, nil
}

func (s *Scheduler) sweepCache(ctx context.Context) (int64, string, error) {
	if s.sweeper == nil {
		return 0, "", errors.New("no cache configured")
	}
	n, err := s.sweeper.ClearExpired(ctx)
	return n, "", err
}

func (s *Scheduler) pruneHistory(ctx context.Context) (int64, string, error) {
	if s.retentionDays <= 0 {
		return 0, "retention disabled", nil
	}
	if s.store == nil {
		return 0, "", errors.New("no store configured")
	}
	n, err := s.store.ClearOldHistory(ctx, s.retentionDays)
	return n, "", err
}

func (s *Scheduler) backup(ctx context.Context) (int64, string, error) {
	if s.store == nil {
		return 0, "", errors.New("no store configured")
	}
	dest := ""
	if s.backupDir != "" {
		if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
			return 0, "", fmt.Errorf("create backup dir: %w", err)
		}
		dest = filepath.Join(s.backupDir, BackupFileName(s.now()))
	}
	path, err := s.store.Backup(ctx, dest)
	return 0, path, err
}

// BackupFileName is the name scheduled backups are written under.
func BackupFileName(t time.Time) string {
	return "leafy_backup_" + t.Format("20060102_150405") + ".db"
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
