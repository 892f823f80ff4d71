package store

import (
	"errors"
	"strings"
	"time"

	"nudgebot/internal/retry"
)

// ErrNotFound is returned when a lookup or targeted update matches no record.
var ErrNotFound = errors.New("record not found")

// Config selects and configures a storage driver.
type Config struct {
	// Driver: "sqlite" (default) or "memory".
	Driver string `json:"driver"`
	// Path to the database file (sqlite only).
	Path string `json:"path"`
	// BusyTimeout for sqlite lock contention.
	BusyTimeout time.Duration `json:"busy_timeout"`
}

// Reminder sources.
const (
	SourceManual           = "manual"
	SourceAutoExtracted    = "auto_extracted"
	SourceScheduleConflict = "schedule_conflict"
)

func validSource(s string) bool {
	switch s {
	case SourceManual, SourceAutoExtracted, SourceScheduleConflict:
		return true
	}
	return false
}

// TaskDef is a persisted scheduled task definition. The schedule engine
// iterates enabled defs each tick and fires those whose cron expression
// matches the current minute.
type TaskDef struct {
	Name    string `json:"name"`
	Cron    string `json:"cron"`
	Enabled bool   `json:"enabled"`

	// Per-task retry knobs; zero means "use the engine default".
	RetryInterval    time.Duration `json:"retry_interval,omitempty"`
	MaxRetryDuration time.Duration `json:"max_retry_duration,omitempty"`

	LastRun time.Time `json:"last_run,omitempty"`
	NextRun time.Time `json:"next_run,omitempty"`
}

// Validate checks the fields the store requires. Cron syntax is not
// checked here; the engine validates expressions at evaluation time so a
// bad expression disables one task instead of rejecting the whole write.
func (d TaskDef) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("task def: name is required")
	}
	if strings.TrimSpace(d.Cron) == "" {
		return errors.New("task def: cron expression is required")
	}
	if d.RetryInterval < 0 || d.MaxRetryDuration < 0 {
		return errors.New("task def: retry knobs must not be negative")
	}
	return nil
}

// Reminder is a single future notification. Recipient empty means the
// reminder is broadcast to every attached destination.
type Reminder struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	DueAt     time.Time `json:"due_at"`
	Recipient string    `json:"recipient,omitempty"`
	Sent      bool      `json:"sent"`

	// Provenance. Source is one of the Source* constants; SourceRef
	// points at the originating artifact (message id, conflict id).
	Source    string `json:"source"`
	SourceRef string `json:"source_ref,omitempty"`
	EventType string `json:"event_type,omitempty"`
	// Confidence of an auto-extracted reminder, 0.1..1.0. Zero when the
	// reminder was created manually.
	Confidence float64 `json:"confidence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate normalizes defaults and rejects malformed reminders.
func (r *Reminder) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("reminder: text is required")
	}
	if r.DueAt.IsZero() {
		return errors.New("reminder: due time is required")
	}
	if r.Source == "" {
		r.Source = SourceManual
	}
	if !validSource(r.Source) {
		return errors.New("reminder: unknown source " + r.Source)
	}
	if r.Confidence != 0 && (r.Confidence < 0.1 || r.Confidence > 1.0) {
		return errors.New("reminder: confidence must be within 0.1..1.0")
	}
	return nil
}

// RetryAttempt tracks one retry subject. Key is unique per store; the
// record is live while neither Succeeded nor GivenUp is set.
type RetryAttempt struct {
	Key      retry.SubjectKey `json:"key"`
	Attempts int              `json:"attempts"`

	FirstAttempt time.Time `json:"first_attempt,omitempty"`
	LastAttempt  time.Time `json:"last_attempt,omitempty"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`

	// Policy frozen at creation so config changes do not retroactively
	// reschedule or extend an existing subject.
	MaxAttempts int           `json:"max_attempts"`
	Interval    time.Duration `json:"interval"`
	MaxElapsed  time.Duration `json:"max_elapsed"`

	Succeeded bool `json:"succeeded"`
	GivenUp   bool `json:"given_up"`
}

// Live reports whether the subject still wants attempts.
func (a RetryAttempt) Live() bool { return !a.Succeeded && !a.GivenUp }

// DeliveryRecord is one dispatch outcome, kept for operator inspection.
type DeliveryRecord struct {
	ID          int64     `json:"id"`
	ReminderID  string    `json:"reminder_id"`
	Recipient   string    `json:"recipient,omitempty"`
	Destination string    `json:"destination"`
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}
