package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional duration string. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is omitted or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate rejects structurally broken configs: malformed durations,
// negative counts, duplicate or unnamed tasks. It deliberately does not
// check cron syntax; a bad expression skips one task at evaluation time
// instead of rejecting the whole file.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.task_poll_interval", cfg.Scheduler.TaskPollInterval},
		{"scheduler.reminder_poll_interval", cfg.Scheduler.ReminderPollInterval},
		{"scheduler.retry_poll_interval", cfg.Scheduler.RetryPollInterval},
		{"scheduler.catchup_window", cfg.Scheduler.CatchupWindow},
		{"scheduler.retention", cfg.Scheduler.Retention},
		{"scheduler.retry.interval", cfg.Scheduler.Retry.Interval},
		{"scheduler.retry.max_elapsed", cfg.Scheduler.Retry.MaxElapsed},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
		{"telegram.api_timeout", cfg.Telegram.APITimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.queue_size must be >= 0")
	}
	if cfg.Scheduler.Retry.MaxAttempts < 0 {
		return fmt.Errorf("scheduler.retry.max_attempts must be >= 0")
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	if cfg.Dispatch.Burst < 0 {
		return fmt.Errorf("dispatch.burst must be >= 0")
	}

	seen := make(map[string]bool, len(cfg.Scheduler.Tasks))
	for i, t := range cfg.Scheduler.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("scheduler.tasks[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("scheduler.tasks[%d]: duplicate task %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(t.Cron) == "" {
			return fmt.Errorf("scheduler.tasks[%d] (%s): cron is required", i, name)
		}
		if t.Retry != nil {
			prefix := fmt.Sprintf("scheduler.tasks[%d] (%s)", i, name)
			if _, err := ParseDurationField(prefix+".retry.interval", t.Retry.Interval); err != nil {
				return err
			}
			if _, err := ParseDurationField(prefix+".retry.max_elapsed", t.Retry.MaxElapsed); err != nil {
				return err
			}
			if t.Retry.MaxAttempts < 0 {
				return fmt.Errorf("%s: retry.max_attempts must be >= 0", prefix)
			}
		}
	}

	for id := range cfg.Telegram.Recipients {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("telegram.recipients: empty recipient id")
		}
	}
	return nil
}
