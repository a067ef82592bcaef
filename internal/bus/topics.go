package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
)

// Response cache topics.
const (
	TopicCacheHit   = "cache.hit"
	TopicCacheMiss  = "cache.miss"
	TopicCacheStore = "cache.store"
)

// Maintenance topics.
const (
	TopicMaintenanceSweep = "maintenance.sweep"
)

// TaskStateChangedEvent is published when a task's state changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	OldState  string // Previous state (e.g. PENDING)
	NewState  string // New state (e.g. RUNNING)
	Error     string // Failure message, FAILED only
	ElapsedMS int64  // Run time, terminal states only
}

// CacheEvent is published on cache lookups and stores.
type CacheEvent struct {
	QueryHash string
	QueryType string
}

// SweepEvent is published after a maintenance job finishes.
type SweepEvent struct {
	Job     string // "cache_sweep", "history_prune", "backup"
	Removed int64  // rows deleted, 0 for backups
	Detail  string // backup path or error text
	Failed  bool
}
