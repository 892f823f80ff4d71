// Package scheduler runs the engine: cron-driven tasks, due reminders
// and retry subjects are discovered by independent poll loops and
// executed on a shared worker pool. Failures stay confined to the unit
// that raised them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nudgebot/internal/dispatch"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/retry"
	rtsup "nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/store"
	logx "nudgebot/pkg/logx"
)

// configWarnEvery throttles repeated warnings about the same broken
// config entry (bad cron, unregistered action). The entry stays skipped;
// the log says so once an hour instead of every poll.
const configWarnEvery = time.Hour

// Service is the scheduling engine. Three poll loops (tasks, reminders,
// retry subjects) find due work and feed a shared worker pool; every
// unit carries an in-flight key so an occurrence firing while the
// previous run is still going is skipped, not queued behind it.
//
// Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	st      store.Store
	router  *dispatch.Router
	fetcher retry.Fetcher
	now     func() time.Time

	cfg    Config
	runCtx context.Context

	actions   map[string]Action
	taskRetry map[string]retry.Policy

	queue     chan queuedUnit
	stopCh    chan struct{} // closed to halt the poll loops
	accepting bool
	enqWG     sync.WaitGroup
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	// In-flight unit keys; held from enqueue to run completion.
	flightMu sync.Mutex
	inflight map[string]bool

	// Reduced-frequency warnings, keyed by source.
	warnMu sync.Mutex
	warnAt map[string]time.Time

	queueWarnAt atomic.Int64

	processed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
	dropped   atomic.Uint64

	pollMu   sync.Mutex
	lastPoll map[unitKind]time.Time
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		log:       log,
		bus:       deps.Bus,
		st:        deps.Store,
		router:    deps.Router,
		fetcher:   deps.Fetcher,
		now:       now,
		actions:   map[string]Action{},
		taskRetry: map[string]retry.Policy{},
		inflight:  map[string]bool{},
		warnAt:    map[string]time.Time{},
		lastPoll:  map[unitKind]time.Time{},
	}
	s.cfg = cfg.withDefaults()
	return s
}

// RegisterAction binds a task name to its work. Registration usually
// happens before Start, but the map is safe to grow at any time.
func (s *Service) RegisterAction(name string, fn Action) {
	if name == "" || fn == nil {
		return
	}
	s.mu.Lock()
	s.actions[name] = fn
	s.mu.Unlock()
}

func (s *Service) actionFor(name string) (Action, bool) {
	s.mu.Lock()
	fn, ok := s.actions[name]
	s.mu.Unlock()
	return fn, ok
}

// policyFor resolves the retry policy for a task, empty meaning the
// engine default.
func (s *Service) policyFor(task string) retry.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.cfg.Retry
	if task == "" {
		return base
	}
	over, ok := s.taskRetry[task]
	if !ok {
		return base
	}
	if over.Interval > 0 {
		base.Interval = over.Interval
	}
	if over.MaxAttempts > 0 {
		base.MaxAttempts = over.MaxAttempts
	}
	if over.MaxElapsed > 0 {
		base.MaxElapsed = over.MaxElapsed
	}
	return base
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Start brings the engine up: startup catch-up, then the worker pool and
// the three poll loops. Idempotent; a Start during Stop waits for the
// stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.runCtx = ctx
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled")
		return
	}
	cfg := s.cfg
	s.queue = make(chan queuedUnit, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	stop := s.stopCh
	s.mu.Unlock()

	s.catchUpMissed(ctx, cfg)

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("queue closed unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"poll.tasks", cfg.TaskPollInterval, s.pollTasks},
		{"poll.reminders", cfg.ReminderPollInterval, s.pollReminders},
		{"poll.retries", cfg.RetryPollInterval, s.pollRetries},
	}
	for _, l := range loops {
		l := l
		sup.GoRestart(l.name, func(c context.Context) error {
			return s.pollLoop(c, stop, l.interval, l.fn)
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("scheduler started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue_size", cfg.QueueSize),
		logx.Duration("task_poll", cfg.TaskPollInterval),
		logx.Duration("reminder_poll", cfg.ReminderPollInterval),
		logx.Duration("retry_poll", cfg.RetryPollInterval))
}

// Stop halts the poll loops, blocks intake, waits out in-flight
// enqueues, then closes the queue so workers finish what is already
// queued. A second Stop while one is running waits for the first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()

	// Shutdown runs asynchronously so callers can time out without
	// leaking engine state.
	go func() {
		defer close(done)
		s.enqWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("scheduler stop timed out; cancelled loops")
	}
}

// Apply installs a new config. Structural changes (workers, queue size,
// poll cadence) restart the engine; toggling Enabled starts or stops it.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.queue != nil
	runCtx := s.runCtx
	s.mu.Unlock()

	structural := old.Workers != cfg.Workers ||
		old.QueueSize != cfg.QueueSize ||
		old.TaskPollInterval != cfg.TaskPollInterval ||
		old.ReminderPollInterval != cfg.ReminderPollInterval ||
		old.RetryPollInterval != cfg.RetryPollInterval

	switch {
	case running && !cfg.Enabled:
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.Stop(sctx)
		cancel()
	case !running && cfg.Enabled && runCtx != nil && runCtx.Err() == nil:
		s.Start(runCtx)
	case running && structural:
		s.log.Info("scheduler config changed; restarting loops",
			logx.Int("workers", cfg.Workers),
			logx.Int("queue_size", cfg.QueueSize))
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.Stop(sctx)
		cancel()
		if runCtx != nil && runCtx.Err() == nil {
			s.Start(runCtx)
		}
	}
}

// Supervisor exposes the engine's loop supervisor for the ops surface.
// Nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Snapshot returns engine state for the ops surface.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled: s.cfg.Enabled,
		Running: s.queue != nil,
		Workers: s.cfg.Workers,
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
		snap.QueueCap = cap(s.queue)
	}
	s.mu.Unlock()

	snap.Processed = s.processed.Load()
	snap.Failed = s.failed.Load()
	snap.Skipped = s.skipped.Load()
	snap.Dropped = s.dropped.Load()

	s.flightMu.Lock()
	for key := range s.inflight {
		snap.InFlight = append(snap.InFlight, key)
	}
	s.flightMu.Unlock()
	sort.Strings(snap.InFlight)

	s.pollMu.Lock()
	snap.LastTaskPoll = s.lastPoll[unitTask]
	snap.LastReminderPoll = s.lastPoll[unitReminder]
	snap.LastRetryPoll = s.lastPoll[unitRetry]
	s.pollMu.Unlock()
	return snap
}

func (s *Service) notePoll(kind unitKind) {
	s.pollMu.Lock()
	s.lastPoll[kind] = s.now()
	s.pollMu.Unlock()
}

// tryAcquire claims the unit key. False means the previous run for the
// same unit has not finished.
func (s *Service) tryAcquire(key string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if s.inflight[key] {
		return false
	}
	s.inflight[key] = true
	return true
}

func (s *Service) release(key string) {
	s.flightMu.Lock()
	delete(s.inflight, key)
	s.flightMu.Unlock()
}

// enqueue claims the key and hands the unit to the pool. The error is
// ErrStopped, ErrOverlapSkip or ErrQueueFull; nil means queued.
func (s *Service) enqueue(kind unitKind, key string, run func(context.Context) error) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	if !s.tryAcquire(key) {
		s.skipped.Add(1)
		if kind == unitTask {
			s.publish(eventbus.TopicTaskSkipped, UnitEvent{
				Key: key, Kind: string(kind), At: s.now(), Reason: "overlap",
			})
			s.log.Debug("occurrence skipped; previous run still in flight", logx.String("unit", key))
		}
		return ErrOverlapSkip
	}

	select {
	case q <- queuedUnit{kind: kind, key: key, enqueuedAt: s.now(), run: run}:
		return nil
	default:
		s.release(key)
		s.dropped.Add(1)
		if kind == unitTask {
			s.publish(eventbus.TopicTaskDropped, UnitEvent{
				Key: key, Kind: string(kind), At: s.now(), Reason: "queue_full",
			})
		}
		s.warnQueueFull(key)
		return ErrQueueFull
	}
}

// warnQueueFull logs at most one queue-full warning per 5s window.
func (s *Service) warnQueueFull(key string) {
	const every = 5 * time.Second
	now := time.Now().UnixNano()
	last := s.queueWarnAt.Load()
	if now-last < int64(every) {
		return
	}
	if s.queueWarnAt.CompareAndSwap(last, now) {
		s.mu.Lock()
		qlen, qcap := 0, 0
		if s.queue != nil {
			qlen, qcap = len(s.queue), cap(s.queue)
		}
		s.mu.Unlock()
		s.log.Warn("queue full; unit dropped",
			logx.String("unit", key),
			logx.Int("queue_len", qlen),
			logx.Int("queue_cap", qcap))
	}
}

// warnConfig logs a configuration problem at most once per hour per
// source. The unit in question is skipped either way.
func (s *Service) warnConfig(source, msg string, fields ...logx.Field) {
	now := s.now()
	s.warnMu.Lock()
	last, ok := s.warnAt[source]
	if ok && now.Sub(last) < configWarnEvery {
		s.warnMu.Unlock()
		return
	}
	s.warnAt[source] = now
	s.warnMu.Unlock()
	s.log.Warn(msg, append([]logx.Field{logx.String("source", source)}, fields...)...)
}

func (s *Service) publish(topic string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: s.now(), Data: data})
}
