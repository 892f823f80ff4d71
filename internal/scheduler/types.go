package scheduler

import (
	"context"
	"time"

	"nudgebot/internal/dispatch"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/retry"
	"nudgebot/internal/store"
	logx "nudgebot/pkg/logx"
)

// Action is the work a scheduled task performs. Actions own their
// timeouts; the engine passes its run context and nothing tighter.
type Action func(ctx context.Context) error

// Config controls the engine.
//
// Defaults (zero values):
//   - workers: 2
//   - queue_size: 256
//   - task poll: 1m, reminder poll: 30s, retry poll: 1m
//   - catchup window: 48h (negative disables catch-up)
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	TaskPollInterval     time.Duration
	ReminderPollInterval time.Duration
	RetryPollInterval    time.Duration

	// CatchupWindow bounds how far back startup catch-up looks for a
	// missed occurrence. Negative disables catch-up entirely.
	CatchupWindow time.Duration

	// Retry is the engine-wide recovery policy. Per-task overrides are
	// installed through SeedTasks.
	Retry retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.TaskPollInterval <= 0 {
		c.TaskPollInterval = time.Minute
	}
	if c.ReminderPollInterval <= 0 {
		c.ReminderPollInterval = 30 * time.Second
	}
	if c.RetryPollInterval <= 0 {
		c.RetryPollInterval = time.Minute
	}
	if c.CatchupWindow == 0 {
		c.CatchupWindow = 48 * time.Hour
	}
	c.Retry = c.Retry.Normalized()
	return c
}

// Deps are the engine's collaborators. Store and Router are required;
// Fetcher is optional (without it retry subjects stay parked). Now
// exists for tests.
type Deps struct {
	Store   store.Store
	Router  *dispatch.Router
	Fetcher retry.Fetcher
	Bus     eventbus.Bus
	Log     logx.Logger
	Now     func() time.Time
}

// SeedTask is one configured task definition pushed into the store on
// startup and on config apply.
type SeedTask struct {
	Name    string
	Cron    string
	Enabled bool
	// Retry overrides the engine policy for subjects tracked under this
	// task. Zero fields fall back to the engine default.
	Retry retry.Policy
}

type unitKind string

const (
	unitTask     unitKind = "task"
	unitReminder unitKind = "reminder"
	unitRetry    unitKind = "retry"
)

// queuedUnit is one piece of work handed to the shared worker pool. The
// in-flight key is held from enqueue until the run finishes.
type queuedUnit struct {
	kind       unitKind
	key        string
	enqueuedAt time.Time
	run        func(ctx context.Context) error
}

// UnitEvent is the payload for task.* bus topics.
type UnitEvent struct {
	Key        string        `json:"key"`
	Kind       string        `json:"kind"`
	At         time.Time     `json:"at"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ReminderEvent is the payload for reminder.* bus topics.
type ReminderEvent struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient,omitempty"`
	At        time.Time `json:"at"`
	Delivered int       `json:"delivered,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RetryEvent is the payload for retry.* bus topics.
type RetryEvent struct {
	Recipient string    `json:"recipient,omitempty"`
	Period    string    `json:"period"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the engine for the ops surface.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`

	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
	Dropped   uint64 `json:"dropped"`

	InFlight []string `json:"in_flight,omitempty"`

	LastTaskPoll     time.Time `json:"last_task_poll,omitempty"`
	LastReminderPoll time.Time `json:"last_reminder_poll,omitempty"`
	LastRetryPoll    time.Time `json:"last_retry_poll,omitempty"`
}
