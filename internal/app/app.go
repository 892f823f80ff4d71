// Package app wires the engine together: config, logging, store,
// dispatch router, scheduler, Telegram transport and the ops endpoint,
// plus config hot reload fan-out across all of them.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"nudgebot/internal/config"
	"nudgebot/internal/dispatch"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/ops"
	"nudgebot/internal/retry"
	rtsup "nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/scheduler"
	"nudgebot/internal/store"
	telegram "nudgebot/internal/transport/telegram"
	logx "nudgebot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	router *dispatch.Router
	engine *scheduler.Service
	tg     *telegram.Service
	ops    *ops.Service

	// retention feeds the reminders.cleanup action; nanoseconds so a
	// reload can swap it without locking.
	retention atomic.Int64

	fetcher retry.Fetcher
	actions map[string]scheduler.Action
}

// Option customizes App construction. The embedding program wires its
// own fetch flow and task actions through these.
type Option func(*App)

// WithFetcher installs the recovery fetcher retry subjects are
// attempted against.
func WithFetcher(f retry.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithAction registers a named action config-defined tasks can
// reference.
func WithAction(name string, fn scheduler.Action) Option {
	return func(a *App) { a.actions[name] = fn }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgPath: cfgPath, actions: map[string]scheduler.Action{}}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(mapLogConfig(cfg))
	a.log = a.log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.st, err = store.Open(stCfg, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.router = dispatch.NewRouter(dcfg, a.st, a.log.With(logx.String("comp", "dispatch")))

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = scheduler.New(scfg, scheduler.Deps{
		Store:   a.st,
		Router:  a.router,
		Fetcher: a.fetcher,
		Bus:     a.bus,
		Log:     a.log.With(logx.String("comp", "scheduler")),
	})

	ret, err := mapRetention(cfg)
	if err != nil {
		return nil, err
	}
	a.retention.Store(int64(ret))

	a.registerBuiltinActions()
	for name, fn := range a.actions {
		a.engine.RegisterAction(name, fn)
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.tg = telegram.New(tcfg, a.router, a.log.With(logx.String("comp", "telegram")))

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(ocfg, ops.Deps{Engine: a.engine, Store: a.st, Bus: a.bus},
		a.log.With(logx.String("comp", "ops")))

	return a, nil
}

// Engine exposes the scheduler for embedding programs.
func (a *App) Engine() *scheduler.Service { return a.engine }

// Store exposes the persistence layer.
func (a *App) Store() store.Store { return a.st }

// Bus exposes the in-process event bus.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context ends (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reload is transactional: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// The section translators double as reload validators.
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSeedTasks(cfg); err != nil {
			return err
		}
		if _, err := mapRetention(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Seed configured tasks before the first poll so catch-up sees them.
	seeds, err := mapSeedTasks(a.cfgm.Get())
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	err = a.engine.SeedTasks(sctx, seeds)
	cancel()
	if err != nil {
		return fmt.Errorf("seed tasks: %w", err)
	}

	// Start order: engine, transport, ops. Each stores the run context
	// and no-ops while disabled, so a later reload can enable it.
	a.engine.Start(a.sup.Context())
	a.tg.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug-level so frequent task events stay quiet.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyConfig(c, newCfg, sections)

				if len(sections) > 0 {
					a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig fans a committed reload out to every component. Sections
// that fail to translate keep their previous settings.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	// Logging first so the remaining steps log at the new level.
	a.logs.Apply(mapLogConfig(cfg))

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	if dcfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.router.Apply(dcfg)
	}

	// Re-seed before the scheduler apply so a restart polls the new
	// task list.
	if seeds, err := mapSeedTasks(cfg); err != nil {
		a.log.Warn("invalid task list; keeping previous", logx.Err(err))
	} else {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.engine.SeedTasks(sctx, seeds); err != nil {
			a.log.Warn("task re-seed failed", logx.Err(err))
		}
		cancel()
	}

	if scfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(scfg)
	}

	if ret, err := mapRetention(cfg); err != nil {
		a.log.Warn("invalid retention; keeping previous", logx.Err(err))
	} else {
		a.retention.Store(int64(ret))
	}

	if tcfg, err := mapTelegramConfig(cfg); err != nil {
		a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
	} else {
		a.tg.Apply(tcfg)
	}

	if ocfg, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.TopicConfigApplied,
		Time: time.Now(),
		Data: sections,
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown phase so a stuck component cannot stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduler first so queued work drains while destinations are
	// still attached.
	step("scheduler", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error { a.tg.Stop(c); return nil })
	step("store", 2*time.Second, func(c context.Context) error { return a.st.Close() })

	// Finally the supervised loops: config watch/reload, event log.
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
