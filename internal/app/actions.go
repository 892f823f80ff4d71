package app

import (
	"context"
	"fmt"
	"time"

	logx "nudgebot/pkg/logx"
)

// registerBuiltinActions installs the actions config-defined tasks can
// reference by name. User actions registered through WithAction win on
// name collision.
func (a *App) registerBuiltinActions() {
	if _, taken := a.actions["reminders.cleanup"]; !taken {
		a.engine.RegisterAction("reminders.cleanup", a.cleanupAction)
	}
}

// cleanupAction purges sent reminders and settled retry subjects older
// than the configured retention.
func (a *App) cleanupAction(ctx context.Context) error {
	age := time.Duration(a.retention.Load())
	if age <= 0 {
		age = defaultRetention
	}
	cutoff := time.Now().Add(-age)

	nRem, err := a.st.PurgeSentReminders(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge reminders: %w", err)
	}
	nRetry, err := a.st.PurgeRetries(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge retries: %w", err)
	}
	if nRem > 0 || nRetry > 0 {
		a.log.Info("retention cleanup",
			logx.Int64("reminders_purged", nRem),
			logx.Int64("retries_purged", nRetry),
			logx.Duration("age", age))
	}
	return nil
}
