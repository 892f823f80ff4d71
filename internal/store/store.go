package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/retry"
	logx "nudgebot/pkg/logx"
)

// Store is the persistence contract the engine programs against.
//
// Every method is safe for concurrent use. Methods that target a single
// record return ErrNotFound when it does not exist, except the CAS-style
// MarkReminderSent which reports a miss through its bool.
type Store interface {
	// Scheduled task definitions.
	UpsertTaskDef(ctx context.Context, def TaskDef) error
	ListTaskDefs(ctx context.Context) ([]TaskDef, error)
	ListEnabledTaskDefs(ctx context.Context) ([]TaskDef, error)
	// SetTaskRun records the run bookkeeping for one def. Called on every
	// due occurrence, fired or skipped, so a missed window is never
	// replayed against a stale last_run.
	SetTaskRun(ctx context.Context, name string, lastRun, nextRun time.Time) error
	// PruneTaskDefs deletes defs whose name is not in keep. Used when the
	// configured task list shrinks.
	PruneTaskDefs(ctx context.Context, keep []string) (int64, error)

	// Reminders.
	AddReminder(ctx context.Context, r Reminder) (Reminder, error)
	DeleteReminder(ctx context.Context, id string) error
	ListReminders(ctx context.Context, includeSent bool) ([]Reminder, error)
	// DueReminders returns unsent reminders with due_at <= now, oldest first.
	DueReminders(ctx context.Context, now time.Time) ([]Reminder, error)
	// MarkReminderSent flips sent false->true. Returns false when the
	// reminder is missing or already sent; the caller must not dispatch
	// in that case.
	MarkReminderSent(ctx context.Context, id string) (bool, error)
	// PurgeSentReminders deletes sent reminders that were due before the
	// cutoff.
	PurgeSentReminders(ctx context.Context, olderThan time.Time) (int64, error)

	// Retry subjects.
	// EnsureRetry inserts the subject if absent and reports whether it
	// created the record. An existing record is left untouched.
	EnsureRetry(ctx context.Context, a RetryAttempt) (bool, error)
	GetRetry(ctx context.Context, key retry.SubjectKey) (RetryAttempt, error)
	// DueRetries returns live subjects with next_attempt <= now.
	DueRetries(ctx context.Context, now time.Time) ([]RetryAttempt, error)
	// RecordRetryFailure bumps the attempt counter on a live subject and
	// schedules the next attempt. Returns the updated record.
	RecordRetryFailure(ctx context.Context, key retry.SubjectKey, lastAttempt, nextAttempt time.Time) (RetryAttempt, error)
	// MarkRetrySuccess resolves the subject. Idempotent; an unknown
	// subject is ignored so success can always be recorded blindly.
	MarkRetrySuccess(ctx context.Context, key retry.SubjectKey) error
	// MarkRetryGivenUp retires the subject after its budget is exhausted.
	// Idempotent; a subject that already succeeded stays succeeded.
	MarkRetryGivenUp(ctx context.Context, key retry.SubjectKey) error
	ListRetries(ctx context.Context, liveOnly bool) ([]RetryAttempt, error)
	// PurgeRetries deletes resolved subjects whose last attempt predates
	// the cutoff.
	PurgeRetries(ctx context.Context, olderThan time.Time) (int64, error)

	// Delivery log.
	AppendDelivery(ctx context.Context, d DeliveryRecord) error
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)

	Close() error
}

// Open builds a Store from config. The zero driver means sqlite; the
// engine always needs persistence, so there is no disabled mode.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite":
		return openSQLite(cfg, log)
	case "memory":
		return openMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}
