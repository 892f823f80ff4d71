package scheduler

import (
	"context"
	"errors"
	"fmt"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/retry"
	"nudgebot/internal/store"
	logx "nudgebot/pkg/logx"
)

// RunTask queues a manual run of a registered task. It shares the
// in-flight key with scheduled runs, so a run already going returns
// ErrOverlapSkip. Manual runs do not advance the task's recorded run
// times; the next scheduled occurrence fires as usual.
func (s *Service) RunTask(ctx context.Context, name string) error {
	fn, ok := s.actionFor(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return s.enqueue(unitTask, "task/"+name, fn)
}

// TrackRetry registers a retry subject after a failed fetch. The policy
// for the owning task is frozen onto the subject; later config changes
// leave existing subjects alone. Returns false when the subject is
// already tracked.
func (s *Service) TrackRetry(ctx context.Context, task string, key retry.SubjectKey) (bool, error) {
	if key.IsZero() {
		return false, errors.New("retry subject key required")
	}
	pol := s.policyFor(task).Normalized()
	now := s.now()
	created, err := s.st.EnsureRetry(ctx, store.RetryAttempt{
		Key:          key,
		Attempts:     1,
		FirstAttempt: now,
		LastAttempt:  now,
		NextAttempt:  pol.NextAttempt(now),
		MaxAttempts:  pol.MaxAttempts,
		Interval:     pol.Interval,
		MaxElapsed:   pol.MaxElapsed,
	})
	if err != nil {
		return false, err
	}
	if created {
		s.log.Info("retry subject tracked",
			logx.String("subject", key.String()),
			logx.Duration("interval", pol.Interval),
			logx.Int("max_attempts", pol.MaxAttempts))
	}
	return created, nil
}

// AddReminder validates and stores a reminder. Exposed on the engine so
// embedders and the ops surface do not need the store handle; the next
// reminder poll picks it up.
func (s *Service) AddReminder(ctx context.Context, r store.Reminder) (store.Reminder, error) {
	saved, err := s.st.AddReminder(ctx, r)
	if err != nil {
		return store.Reminder{}, err
	}
	s.log.Info("reminder added",
		logx.String("id", saved.ID),
		logx.String("recipient", saved.Recipient),
		logx.Time("due_at", saved.DueAt))
	return saved, nil
}

// DeleteReminder removes a reminder by id. store.ErrNotFound passes
// through so callers can distinguish a missing id.
func (s *Service) DeleteReminder(ctx context.Context, id string) error {
	if err := s.st.DeleteReminder(ctx, id); err != nil {
		return err
	}
	s.log.Info("reminder deleted", logx.String("id", id))
	return nil
}

// ListReminders returns reminders, optionally including already-sent
// ones.
func (s *Service) ListReminders(ctx context.Context, includeSent bool) ([]store.Reminder, error) {
	return s.st.ListReminders(ctx, includeSent)
}

// ResolveRetry closes a live retry subject out of band, for when the
// regular fetch path succeeds before the retry loop gets to it. Unknown
// or already-settled subjects are a no-op.
func (s *Service) ResolveRetry(ctx context.Context, key retry.SubjectKey) error {
	a, err := s.st.GetRetry(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !a.Live() {
		return nil
	}
	if err := s.st.MarkRetrySuccess(ctx, key); err != nil {
		return err
	}
	s.publish(eventbus.TopicRetryRecovered, RetryEvent{
		Recipient: key.Recipient, Period: key.Period,
		Attempts: a.Attempts, At: s.now(),
	})
	s.log.Info("retry subject resolved", logx.String("subject", key.String()))
	return nil
}
