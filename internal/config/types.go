package config

// Config is the full on-disk configuration. YAML and JSON are both
// accepted; YAML is coerced to JSON before strict decoding so unknown
// keys are rejected in either format.
//
// All durations are Go duration strings (e.g. "30s", "5m", "1h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver. Driver defaults to
// "sqlite"; "memory" exists for throwaway runs.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the scheduling engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - task_poll_interval: "1m"
//   - reminder_poll_interval: "30s"
//   - retry_poll_interval: "1m"
//   - catchup_window: "48h"
type SchedulerConfig struct {
	Enabled   bool `json:"enabled"`
	Workers   int  `json:"workers,omitempty"`
	QueueSize int  `json:"queue_size,omitempty"`

	TaskPollInterval     string `json:"task_poll_interval,omitempty"`
	ReminderPollInterval string `json:"reminder_poll_interval,omitempty"`
	RetryPollInterval    string `json:"retry_poll_interval,omitempty"`

	// CatchupWindow bounds how far back startup catch-up will look for
	// missed occurrences. "0s" disables catch-up.
	CatchupWindow string `json:"catchup_window,omitempty"`

	// Retention is how long sent reminders and settled retry subjects
	// are kept before the reminders.cleanup task purges them.
	// Default "720h".
	Retention string `json:"retention,omitempty"`

	// Retry is the engine-wide recovery policy; per-task overrides live
	// on the task entries.
	Retry RetryConfig `json:"retry,omitempty"`

	// Tasks are seeded into the store on startup and on every config
	// apply. A task's action is resolved by its name at run time; a name
	// with no registered action is skipped with a warning, it never
	// rejects the config.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

// RetryConfig mirrors the retry policy knobs. Zero values fall back to
// engine defaults (1h interval, 48 attempts, 48h elapsed).
type RetryConfig struct {
	Interval    string `json:"interval,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	MaxElapsed  string `json:"max_elapsed,omitempty"`
}

// TaskConfig is one scheduled task entry. Enabled is a pointer so an
// omitted field means enabled while an explicit false disables the task
// without deleting its run bookkeeping.
type TaskConfig struct {
	Name    string       `json:"name"`
	Cron    string       `json:"cron"`
	Enabled *bool        `json:"enabled,omitempty"`
	Retry   *RetryConfig `json:"retry,omitempty"`
}

// On reports the effective enabled state.
func (t TaskConfig) On() bool { return t.Enabled == nil || *t.Enabled }

// DispatchConfig controls outbound delivery.
//
// Defaults: rate_per_sec 3, burst = rate, send_timeout "10s".
type DispatchConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Burst       int    `json:"burst,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// OpsConfig controls the operator HTTP endpoint.
//
// Prefer binding to localhost. A non-loopback bind requires a token or
// an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"` // default: "127.0.0.1:8090"
	Token         string   `json:"token,omitempty"`
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TelegramConfig wires the Telegram delivery adapter. Recipients maps a
// recipient id used by reminders to its chat; broadcast_chat_ids receive
// broadcast reminders without being addressable individually.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// APITimeout bounds each Bot API call, Go duration string.
	APITimeout       string           `json:"api_timeout,omitempty"`
	Recipients       map[string]int64 `json:"recipients,omitempty"`
	BroadcastChatIDs []int64          `json:"broadcast_chat_ids,omitempty"`
}
