package config

import (
	"reflect"
	"sort"
	"strings"

	logx "nudgebot/pkg/logx"
)

// SummarizeChange returns a sorted list of changed sections plus safe
// structured attrs for logging. Secrets never appear in the attrs; only
// whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Task list changes are reported separately from engine knobs; the
	// former re-seed the store, the latter may restart workers.
	oldSched, newSched := oldCfg.Scheduler, newCfg.Scheduler
	oldTasks, newTasks := oldSched.Tasks, newSched.Tasks
	oldSched.Tasks, newSched.Tasks = nil, nil
	if !reflect.DeepEqual(oldSched, newSched) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newSched.Enabled),
			logx.Int("scheduler.workers", newSched.Workers),
			logx.Int("scheduler.queue_size", newSched.QueueSize),
			logx.String("scheduler.task_poll_interval", strings.TrimSpace(newSched.TaskPollInterval)),
		)
	}
	if !reflect.DeepEqual(oldTasks, newTasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.count", len(newTasks)),
			logx.Int("tasks.enabled_count", countEnabledTasks(newTasks)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.burst", newCfg.Dispatch.Burst),
			logx.String("dispatch.send_timeout", strings.TrimSpace(newCfg.Dispatch.SendTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.recipient_count", len(newCfg.Telegram.Recipients)),
			logx.Int("telegram.broadcast_count", len(newCfg.Telegram.BroadcastChatIDs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func countEnabledTasks(tasks []TaskConfig) int {
	n := 0
	for _, t := range tasks {
		if t.On() {
			n++
		}
	}
	return n
}
