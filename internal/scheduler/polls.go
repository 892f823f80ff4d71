package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nudgebot/internal/cron"
	"nudgebot/internal/dispatch"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/retry"
	"nudgebot/internal/store"
	logx "nudgebot/pkg/logx"
)

// pollLoop runs fn immediately, then at every tick, until the context is
// cancelled or the stop channel closes.
func (s *Service) pollLoop(ctx context.Context, stop <-chan struct{}, every time.Duration, fn func(context.Context)) error {
	fn(ctx)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-t.C:
			fn(ctx)
		}
	}
}

// pollTasks fires every enabled task whose cron expression matches the
// current minute. Run state is persisted before the unit is queued, so a
// crash mid-run never replays the occurrence and an overlap or a full
// queue consumes it.
func (s *Service) pollTasks(ctx context.Context) {
	s.notePoll(unitTask)

	defs, err := s.st.ListEnabledTaskDefs(ctx)
	if err != nil {
		s.log.Warn("task poll failed; will retry next tick", logx.Err(err))
		return
	}
	now := s.now()
	for _, def := range defs {
		expr, err := cron.Parse(def.Cron)
		if err != nil {
			s.warnConfig("task."+def.Name, "invalid cron expression; task skipped",
				logx.String("task", def.Name), logx.String("cron", def.Cron), logx.Err(err))
			continue
		}
		if !expr.ShouldRun(def.LastRun, now) {
			continue
		}
		next, _ := expr.Next(now)
		if err := s.st.SetTaskRun(ctx, def.Name, now, next); err != nil {
			s.log.Warn("task run state not persisted; occurrence deferred",
				logx.String("task", def.Name), logx.Err(err))
			continue
		}
		fn, ok := s.actionFor(def.Name)
		if !ok {
			s.warnConfig("task."+def.Name, "no action registered for task; occurrence skipped",
				logx.String("task", def.Name))
			s.skipped.Add(1)
			s.publish(eventbus.TopicTaskSkipped, UnitEvent{
				Key: "task/" + def.Name, Kind: string(unitTask), At: now, Reason: "unknown_action",
			})
			continue
		}
		if err := s.enqueue(unitTask, "task/"+def.Name, fn); errors.Is(err, ErrStopped) {
			return
		}
	}
}

// catchUpMissed runs once at startup, before the poll loops. It counts
// reminders that sat overdue across the downtime (the poll loop will
// deliver them; DueReminders has no lower time bound), then fires one
// collapsed run for each enabled task with a missed occurrence inside
// the window. Older misses are logged and skipped. Run state is
// persisted either way so the regular poll starts from a clean slate.
func (s *Service) catchUpMissed(ctx context.Context, cfg Config) {
	now := s.now()
	if due, err := s.st.DueReminders(ctx, now); err == nil {
		grace := now.Add(-cfg.ReminderPollInterval)
		var overdue int
		oldest := now
		for _, r := range due {
			if r.DueAt.Before(grace) {
				overdue++
				if r.DueAt.Before(oldest) {
					oldest = r.DueAt
				}
			}
		}
		if overdue > 0 {
			s.log.Info("overdue reminders found at startup",
				logx.Int("count", overdue),
				logx.Time("oldest_due", oldest))
		}
	}

	window := cfg.CatchupWindow
	if window < 0 {
		return
	}

	defs, err := s.st.ListEnabledTaskDefs(ctx)
	if err != nil {
		s.log.Warn("catch-up scan failed", logx.Err(err))
		return
	}
	for _, def := range defs {
		expr, err := cron.Parse(def.Cron)
		if err != nil {
			s.warnConfig("task."+def.Name, "invalid cron expression; task skipped",
				logx.String("task", def.Name), logx.String("cron", def.Cron), logx.Err(err))
			continue
		}

		// Never ran: nothing was missed, just record the next occurrence.
		if def.LastRun.IsZero() {
			next, _ := expr.Next(now)
			if err := s.st.SetTaskRun(ctx, def.Name, time.Time{}, next); err != nil {
				s.log.Warn("next run not recorded", logx.String("task", def.Name), logx.Err(err))
			}
			continue
		}

		// A task counts as missed when an occurrence inside the window
		// went unrun. Misses older than the window alone do not fire.
		from := def.LastRun
		if ws := now.Add(-window); from.Before(ws) {
			from = ws
		}
		missed, ok := expr.Next(from)
		if !ok || missed.After(now) {
			if first, ok := expr.Next(def.LastRun); ok && !first.After(now) {
				s.log.Info("missed occurrence outside catch-up window; skipped",
					logx.String("task", def.Name), logx.Time("missed", first))
			}
			// Keep the stored next-run honest.
			if next, ok := expr.Next(now); ok {
				if err := s.st.SetTaskRun(ctx, def.Name, def.LastRun, next); err != nil {
					s.log.Warn("next run not recorded", logx.String("task", def.Name), logx.Err(err))
				}
			}
			continue
		}

		// One run covers every occurrence missed since lastRun.
		next, _ := expr.Next(now)
		if err := s.st.SetTaskRun(ctx, def.Name, now, next); err != nil {
			s.log.Warn("task run state not persisted; catch-up skipped",
				logx.String("task", def.Name), logx.Err(err))
			continue
		}
		fn, ok := s.actionFor(def.Name)
		if !ok {
			s.warnConfig("task."+def.Name, "no action registered for task; catch-up skipped",
				logx.String("task", def.Name))
			continue
		}
		s.log.Info("running missed occurrence",
			logx.String("task", def.Name), logx.Time("missed", missed))
		if err := s.enqueue(unitTask, "task/"+def.Name, fn); errors.Is(err, ErrStopped) {
			return
		}
	}
}

// pollReminders queues every due unsent reminder for delivery. A
// reminder is marked sent only after the router reports at least one
// successful delivery, so failures surface again on the next poll.
func (s *Service) pollReminders(ctx context.Context) {
	s.notePoll(unitReminder)

	due, err := s.st.DueReminders(ctx, s.now())
	if err != nil {
		s.log.Warn("reminder poll failed; will retry next tick", logx.Err(err))
		return
	}
	for _, rem := range due {
		if err := s.enqueue(unitReminder, "reminder/"+rem.ID, s.reminderUnit(rem)); errors.Is(err, ErrStopped) {
			return
		}
	}
}

func (s *Service) reminderUnit(rem store.Reminder) func(context.Context) error {
	return func(ctx context.Context) error {
		res, err := s.router.Route(ctx, dispatch.Delivery{
			ReminderID: rem.ID,
			Recipient:  rem.Recipient,
			Text:       rem.Text,
		})
		if err != nil {
			if errors.Is(err, dispatch.ErrNoDestinations) {
				who := rem.Recipient
				if who == "" {
					who = "broadcast"
				}
				s.warnConfig("reminder.recipient."+who, "no destination covers reminder recipient",
					logx.String("id", rem.ID), logx.String("recipient", who))
			}
			s.publish(eventbus.TopicReminderFailed, ReminderEvent{
				ID: rem.ID, Recipient: rem.Recipient, At: s.now(),
				Failed: res.Failed, Error: err.Error(),
			})
			return fmt.Errorf("reminder %s: %w", rem.ID, err)
		}

		marked, merr := s.st.MarkReminderSent(ctx, rem.ID)
		if merr != nil {
			s.log.Warn("reminder delivered but not marked sent; may send again",
				logx.String("id", rem.ID), logx.Err(merr))
		} else if !marked {
			s.log.Debug("reminder already marked sent", logx.String("id", rem.ID))
		}
		s.publish(eventbus.TopicReminderSent, ReminderEvent{
			ID: rem.ID, Recipient: rem.Recipient, At: s.now(),
			Delivered: res.Delivered, Failed: res.Failed,
		})
		return nil
	}
}

// pollRetries re-attempts every live retry subject whose next attempt is
// due. Success and give-up are both terminal for the subject.
func (s *Service) pollRetries(ctx context.Context) {
	s.notePoll(unitRetry)

	due, err := s.st.DueRetries(ctx, s.now())
	if err != nil {
		s.log.Warn("retry poll failed; will retry next tick", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	if s.fetcher == nil {
		s.warnConfig("retry.fetcher", "retry subjects due but no fetcher wired",
			logx.Int("due", len(due)))
		return
	}
	for _, a := range due {
		if err := s.enqueue(unitRetry, "retry/"+a.Key.String(), s.retryUnit(a)); errors.Is(err, ErrStopped) {
			return
		}
	}
}

func (s *Service) retryUnit(a store.RetryAttempt) func(context.Context) error {
	return func(ctx context.Context) error {
		err := s.fetcher.Attempt(ctx, a.Key)
		now := s.now()
		if err == nil {
			if merr := s.st.MarkRetrySuccess(ctx, a.Key); merr != nil {
				s.log.Warn("retry success not recorded", logx.String("subject", a.Key.String()), logx.Err(merr))
			}
			s.publish(eventbus.TopicRetryRecovered, RetryEvent{
				Recipient: a.Key.Recipient, Period: a.Key.Period,
				Attempts: a.Attempts, At: now,
			})
			s.log.Info("retry subject recovered",
				logx.String("subject", a.Key.String()), logx.Int("attempts", a.Attempts))
			return nil
		}

		rec, rerr := s.st.RecordRetryFailure(ctx, a.Key, now, now.Add(a.Interval))
		if rerr != nil {
			// Resolved or given up concurrently; nothing left to schedule.
			if errors.Is(rerr, store.ErrNotFound) {
				return nil
			}
			s.log.Warn("retry failure not recorded", logx.String("subject", a.Key.String()), logx.Err(rerr))
			return err
		}

		pol := retry.Policy{Interval: a.Interval, MaxAttempts: a.MaxAttempts, MaxElapsed: a.MaxElapsed}
		if pol.GiveUp(rec.Attempts, rec.FirstAttempt, now) {
			if gerr := s.st.MarkRetryGivenUp(ctx, a.Key); gerr != nil {
				s.log.Warn("retry give-up not recorded", logx.String("subject", a.Key.String()), logx.Err(gerr))
			}
			s.publish(eventbus.TopicRetryGaveUp, RetryEvent{
				Recipient: a.Key.Recipient, Period: a.Key.Period,
				Attempts: rec.Attempts, At: now, Error: err.Error(),
			})
			s.log.Warn("retry subject gave up",
				logx.String("subject", a.Key.String()),
				logx.Int("attempts", rec.Attempts), logx.Err(err))
			return fmt.Errorf("%s: %w: %w", a.Key.String(), retry.ErrGaveUp, err)
		}
		return fmt.Errorf("%s: %w", a.Key.String(), err)
	}
}

// SeedTasks reconciles the task table with the configured set: upserts
// every named task, remembers per-task retry overrides, and prunes
// definitions no longer configured. Cron syntax is warned about but
// never blocks seeding; a broken expression skips one task at poll
// time, not the whole set.
func (s *Service) SeedTasks(ctx context.Context, seeds []SeedTask) error {
	names := make([]string, 0, len(seeds))
	overrides := map[string]retry.Policy{}
	for _, sd := range seeds {
		if sd.Name == "" {
			continue
		}
		names = append(names, sd.Name)
		if _, err := cron.Parse(sd.Cron); err != nil {
			s.warnConfig("task."+sd.Name, "invalid cron expression; task will not fire",
				logx.String("task", sd.Name), logx.String("cron", sd.Cron), logx.Err(err))
		}
		def := store.TaskDef{
			Name:             sd.Name,
			Cron:             sd.Cron,
			Enabled:          sd.Enabled,
			RetryInterval:    sd.Retry.Interval,
			MaxRetryDuration: sd.Retry.MaxElapsed,
		}
		if err := s.st.UpsertTaskDef(ctx, def); err != nil {
			return fmt.Errorf("seed task %s: %w", sd.Name, err)
		}
		if sd.Retry != (retry.Policy{}) {
			overrides[sd.Name] = sd.Retry
		}
	}

	s.mu.Lock()
	s.taskRetry = overrides
	s.mu.Unlock()

	pruned, err := s.st.PruneTaskDefs(ctx, names)
	if err != nil {
		return fmt.Errorf("prune tasks: %w", err)
	}
	if pruned > 0 {
		s.log.Info("removed unconfigured tasks", logx.Int64("count", pruned))
	}
	return nil
}
