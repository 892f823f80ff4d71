package app

import (
	"os"
	"strings"
	"time"

	"nudgebot/internal/config"
	"nudgebot/internal/dispatch"
	"nudgebot/internal/ops"
	"nudgebot/internal/retry"
	"nudgebot/internal/scheduler"
	"nudgebot/internal/store"
	telegram "nudgebot/internal/transport/telegram"
	logx "nudgebot/pkg/logx"
)

// StopReason labels why the app is shutting down; it only feeds logs.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// defaultRetention backs scheduler.retention when omitted.
const defaultRetention = 720 * time.Hour

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapRetryPolicy(rc config.RetryConfig) (retry.Policy, error) {
	interval, err := config.ParseDurationField("retry.interval", rc.Interval)
	if err != nil {
		return retry.Policy{}, err
	}
	elapsed, err := config.ParseDurationField("retry.max_elapsed", rc.MaxElapsed)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		Interval:    interval,
		MaxAttempts: rc.MaxAttempts,
		MaxElapsed:  elapsed,
	}, nil
}

// mapSchedulerConfig translates the scheduler section. An explicit
// "0s" catchup_window disables catch-up; an omitted field keeps the
// engine default.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler

	taskPoll, err := config.ParseDurationField("scheduler.task_poll_interval", sc.TaskPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	remPoll, err := config.ParseDurationField("scheduler.reminder_poll_interval", sc.ReminderPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryPoll, err := config.ParseDurationField("scheduler.retry_poll_interval", sc.RetryPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	catchup, err := config.ParseDurationField("scheduler.catchup_window", sc.CatchupWindow)
	if err != nil {
		return scheduler.Config{}, err
	}
	if catchup == 0 && strings.TrimSpace(sc.CatchupWindow) != "" {
		catchup = -1
	}
	pol, err := mapRetryPolicy(sc.Retry)
	if err != nil {
		return scheduler.Config{}, err
	}

	return scheduler.Config{
		Enabled:              sc.Enabled,
		Workers:              sc.Workers,
		QueueSize:            sc.QueueSize,
		TaskPollInterval:     taskPoll,
		ReminderPollInterval: remPoll,
		RetryPollInterval:    retryPoll,
		CatchupWindow:        catchup,
		Retry:                pol,
	}, nil
}

func mapSeedTasks(cfg *config.Config) ([]scheduler.SeedTask, error) {
	tasks := cfg.Scheduler.Tasks
	seeds := make([]scheduler.SeedTask, 0, len(tasks))
	for _, t := range tasks {
		seed := scheduler.SeedTask{
			Name:    strings.TrimSpace(t.Name),
			Cron:    strings.TrimSpace(t.Cron),
			Enabled: t.On(),
		}
		if t.Retry != nil {
			pol, err := mapRetryPolicy(*t.Retry)
			if err != nil {
				return nil, err
			}
			seed.Retry = pol
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.retention", cfg.Scheduler.Retention, defaultRetention)
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RatePerSec:  cfg.Dispatch.RatePerSec,
		Burst:       cfg.Dispatch.Burst,
		SendTimeout: sendTimeout,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	readT, err := config.ParseDurationField("ops.read_timeout", oc.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	writeT, err := config.ParseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idleT, err := config.ParseDurationField("ops.idle_timeout", oc.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		CORSOrigins:   oc.CORSOrigins,
		Pprof:         oc.Pprof,
		ReadTimeout:   readT,
		WriteTimeout:  writeT,
		IdleTimeout:   idleT,
	}, nil
}

// mapTelegramConfig translates the telegram section. An empty token
// falls back to TELEGRAM_TOKEN from the environment so the secret can
// stay out of the config file.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	timeout, err := config.ParseDurationField("telegram.api_timeout", tc.APITimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	token := strings.TrimSpace(tc.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN"))
	}
	return telegram.Config{
		Enabled:        tc.Enabled,
		Token:          token,
		Timeout:        timeout,
		Recipients:     tc.Recipients,
		BroadcastChats: tc.BroadcastChatIDs,
	}, nil
}
