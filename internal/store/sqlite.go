package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"nudgebot/internal/retry"
	logx "nudgebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps a single connection open. modernc's driver is not
// safe for concurrent writers on one file, so MaxOpenConns(1) serializes
// access and busy_timeout covers external lockers.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite store requires a path")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d;", busy.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		log.Warn("sqlite: enable WAL failed", logx.Err(err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
		log.Warn("sqlite: set synchronous failed", logx.Err(err))
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	ddl, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// Shared column lists so scans and queries cannot drift apart.
const (
	taskCols     = `name, cron_expression, enabled, retry_interval_sec, max_retry_sec, last_run, next_run`
	reminderCols = `id, text, remind_at, recipient, sent, source, source_ref, event_type, confidence, created_at`
	retryCols    = `recipient, period, attempt_count, first_attempt, last_attempt, next_attempt, max_attempts, interval_sec, max_elapsed_sec, succeeded, given_up`
	deliveryCols = `id, reminder_id, recipient, destination, ok, err, created_at`
)

// --- scheduled tasks ---

func (s *sqliteStore) UpsertTaskDef(ctx context.Context, def TaskDef) error {
	if err := def.Validate(); err != nil {
		return err
	}
	// last_run/next_run stay untouched so a config re-seed never loses
	// run bookkeeping.
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_task (name, cron_expression, enabled, retry_interval_sec, max_retry_sec)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
    cron_expression    = excluded.cron_expression,
    enabled            = excluded.enabled,
    retry_interval_sec = excluded.retry_interval_sec,
    max_retry_sec      = excluded.max_retry_sec;`,
		def.Name, def.Cron, boolInt(def.Enabled),
		int64(def.RetryInterval/time.Second), int64(def.MaxRetryDuration/time.Second))
	if err != nil {
		return fmt.Errorf("upsert task def: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListTaskDefs(ctx context.Context) ([]TaskDef, error) {
	return s.queryTaskDefs(ctx, `SELECT `+taskCols+` FROM scheduled_task ORDER BY name;`)
}

func (s *sqliteStore) ListEnabledTaskDefs(ctx context.Context) ([]TaskDef, error) {
	return s.queryTaskDefs(ctx, `SELECT `+taskCols+` FROM scheduled_task WHERE enabled = 1 ORDER BY name;`)
}

func (s *sqliteStore) queryTaskDefs(ctx context.Context, q string, args ...any) ([]TaskDef, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query task defs: %w", err)
	}
	defer rows.Close()

	var out []TaskDef
	for rows.Next() {
		def, err := scanTaskDef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func scanTaskDef(rc rowScanner) (TaskDef, error) {
	var (
		def                 TaskDef
		enabled             int
		intervalS, elapsedS int64
		lastRun, nextRun    sql.NullInt64
	)
	if err := rc.Scan(&def.Name, &def.Cron, &enabled, &intervalS, &elapsedS, &lastRun, &nextRun); err != nil {
		return TaskDef{}, fmt.Errorf("scan task def: %w", err)
	}
	def.Enabled = enabled != 0
	def.RetryInterval = time.Duration(intervalS) * time.Second
	def.MaxRetryDuration = time.Duration(elapsedS) * time.Second
	def.LastRun = msTime(lastRun)
	def.NextRun = msTime(nextRun)
	return def, nil
}

func (s *sqliteStore) SetTaskRun(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_task SET last_run = ?, next_run = ? WHERE name = ?;`,
		msOrNil(lastRun), msOrNil(nextRun), name)
	if err != nil {
		return fmt.Errorf("set task run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PruneTaskDefs(ctx context.Context, keep []string) (int64, error) {
	q := `DELETE FROM scheduled_task;`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		ph := make([]string, len(keep))
		for i, name := range keep {
			ph[i] = "?"
			args = append(args, name)
		}
		q = `DELETE FROM scheduled_task WHERE name NOT IN (` + strings.Join(ph, ",") + `);`
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("prune task defs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- reminders ---

func (s *sqliteStore) AddReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if err := r.Validate(); err != nil {
		return Reminder{}, err
	}
	if r.ID == "" {
		r.ID = "rem-" + uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reminder (`+reminderCols+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID, r.Text, r.DueAt.UnixMilli(), nullStr(r.Recipient), boolInt(r.Sent),
		r.Source, nullStr(r.SourceRef), nullStr(r.EventType), nullFloat(r.Confidence),
		r.CreatedAt.UnixMilli())
	if err != nil {
		return Reminder{}, fmt.Errorf("add reminder: %w", err)
	}
	return r, nil
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminder WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListReminders(ctx context.Context, includeSent bool) ([]Reminder, error) {
	q := `SELECT ` + reminderCols + ` FROM reminder WHERE sent = 0 ORDER BY remind_at, id;`
	if includeSent {
		q = `SELECT ` + reminderCols + ` FROM reminder ORDER BY remind_at, id;`
	}
	return s.queryReminders(ctx, q)
}

func (s *sqliteStore) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderCols+` FROM reminder WHERE sent = 0 AND remind_at <= ? ORDER BY remind_at, id;`,
		now.UnixMilli())
}

func (s *sqliteStore) queryReminders(ctx context.Context, q string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReminder(rc rowScanner) (Reminder, error) {
	var (
		r                 Reminder
		remindAt, created int64
		sent              int
		recipient, ref    sql.NullString
		eventType         sql.NullString
		confidence        sql.NullFloat64
	)
	if err := rc.Scan(&r.ID, &r.Text, &remindAt, &recipient, &sent,
		&r.Source, &ref, &eventType, &confidence, &created); err != nil {
		return Reminder{}, fmt.Errorf("scan reminder: %w", err)
	}
	r.DueAt = time.UnixMilli(remindAt).UTC()
	r.Recipient = recipient.String
	r.Sent = sent != 0
	r.SourceRef = ref.String
	r.EventType = eventType.String
	r.Confidence = confidence.Float64
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, nil
}

func (s *sqliteStore) MarkReminderSent(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE reminder SET sent = 1 WHERE id = ? AND sent = 0;`, id)
	if err != nil {
		return false, fmt.Errorf("mark reminder sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) PurgeSentReminders(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminder WHERE sent = 1 AND remind_at < ?;`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge sent reminders: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- retry subjects ---

func (s *sqliteStore) EnsureRetry(ctx context.Context, a RetryAttempt) (bool, error) {
	if a.Key.IsZero() {
		return false, errors.New("retry subject key is empty")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO retry_attempt (`+retryCols+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(recipient, period) DO NOTHING;`,
		a.Key.Recipient, a.Key.Period, a.Attempts,
		msOrNil(a.FirstAttempt), msOrNil(a.LastAttempt), msOrNil(a.NextAttempt),
		a.MaxAttempts, int64(a.Interval/time.Second), int64(a.MaxElapsed/time.Second),
		boolInt(a.Succeeded), boolInt(a.GivenUp))
	if err != nil {
		return false, fmt.Errorf("ensure retry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) GetRetry(ctx context.Context, key retry.SubjectKey) (RetryAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+retryCols+` FROM retry_attempt WHERE recipient = ? AND period = ?;`,
		key.Recipient, key.Period)
	a, err := scanRetry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RetryAttempt{}, ErrNotFound
	}
	return a, err
}

func (s *sqliteStore) DueRetries(ctx context.Context, now time.Time) ([]RetryAttempt, error) {
	return s.queryRetries(ctx, `
SELECT `+retryCols+` FROM retry_attempt
WHERE succeeded = 0 AND given_up = 0 AND next_attempt IS NOT NULL AND next_attempt <= ?
ORDER BY next_attempt, recipient, period;`, now.UnixMilli())
}

func (s *sqliteStore) RecordRetryFailure(ctx context.Context, key retry.SubjectKey, lastAttempt, nextAttempt time.Time) (RetryAttempt, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE retry_attempt SET
    attempt_count = attempt_count + 1,
    first_attempt = COALESCE(first_attempt, ?),
    last_attempt  = ?,
    next_attempt  = ?
WHERE recipient = ? AND period = ? AND succeeded = 0 AND given_up = 0;`,
		msOrNil(lastAttempt), msOrNil(lastAttempt), msOrNil(nextAttempt),
		key.Recipient, key.Period)
	if err != nil {
		return RetryAttempt{}, fmt.Errorf("record retry failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return RetryAttempt{}, ErrNotFound
	}
	return s.GetRetry(ctx, key)
}

func (s *sqliteStore) MarkRetrySuccess(ctx context.Context, key retry.SubjectKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE retry_attempt SET succeeded = 1 WHERE recipient = ? AND period = ?;`,
		key.Recipient, key.Period)
	if err != nil {
		return fmt.Errorf("mark retry success: %w", err)
	}
	return nil
}

func (s *sqliteStore) MarkRetryGivenUp(ctx context.Context, key retry.SubjectKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE retry_attempt SET given_up = 1 WHERE recipient = ? AND period = ? AND succeeded = 0;`,
		key.Recipient, key.Period)
	if err != nil {
		return fmt.Errorf("mark retry given up: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListRetries(ctx context.Context, liveOnly bool) ([]RetryAttempt, error) {
	q := `SELECT ` + retryCols + ` FROM retry_attempt ORDER BY recipient, period;`
	if liveOnly {
		q = `SELECT ` + retryCols + ` FROM retry_attempt WHERE succeeded = 0 AND given_up = 0 ORDER BY recipient, period;`
	}
	return s.queryRetries(ctx, q)
}

func (s *sqliteStore) queryRetries(ctx context.Context, q string, args ...any) ([]RetryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query retries: %w", err)
	}
	defer rows.Close()

	var out []RetryAttempt
	for rows.Next() {
		a, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanRetry(rc rowScanner) (RetryAttempt, error) {
	var (
		a                   RetryAttempt
		first, last, next   sql.NullInt64
		intervalS, elapsedS int64
		succeeded, givenUp  int
	)
	if err := rc.Scan(&a.Key.Recipient, &a.Key.Period, &a.Attempts,
		&first, &last, &next, &a.MaxAttempts, &intervalS, &elapsedS, &succeeded, &givenUp); err != nil {
		return RetryAttempt{}, err
	}
	a.FirstAttempt = msTime(first)
	a.LastAttempt = msTime(last)
	a.NextAttempt = msTime(next)
	a.Interval = time.Duration(intervalS) * time.Second
	a.MaxElapsed = time.Duration(elapsedS) * time.Second
	a.Succeeded = succeeded != 0
	a.GivenUp = givenUp != 0
	return a, nil
}

func (s *sqliteStore) PurgeRetries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM retry_attempt
WHERE (succeeded = 1 OR given_up = 1)
  AND COALESCE(last_attempt, first_attempt, 0) < ?;`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge retries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- delivery log ---

func (s *sqliteStore) AppendDelivery(ctx context.Context, d DeliveryRecord) error {
	at := d.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delivery_log (reminder_id, recipient, destination, ok, err, created_at)
VALUES (?, ?, ?, ?, ?, ?);`,
		d.ReminderID, nullStr(d.Recipient), d.Destination, boolInt(d.OK),
		nullStr(d.Error), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM delivery_log ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var (
			d               DeliveryRecord
			recipient, derr sql.NullString
			ok              int
			created         int64
		)
		if err := rows.Scan(&d.ID, &d.ReminderID, &recipient, &d.Destination, &ok, &derr, &created); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Recipient = recipient.String
		d.OK = ok != 0
		d.Error = derr.String
		d.At = time.UnixMilli(created).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func msTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
