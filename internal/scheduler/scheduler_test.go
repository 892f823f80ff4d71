package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nudgebot/internal/dispatch"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/retry"
	"nudgebot/internal/store"
	logx "nudgebot/pkg/logx"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// sink is a test destination. A nil only map covers every recipient.
type sink struct {
	id   string
	only map[string]bool

	mu   sync.Mutex
	fail bool
	got  []string
}

func (d *sink) ID() string { return d.id }

func (d *sink) Covers(recipient string) bool {
	if d.only == nil {
		return true
	}
	return d.only[recipient]
}

func (d *sink) Send(ctx context.Context, recipient, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("send refused")
	}
	d.got = append(d.got, text)
	return nil
}

func (d *sink) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

func (d *sink) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

// fakeFetcher fails the first failFirst attempts, then succeeds.
type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	failFirst int
}

func (f *fakeFetcher) Attempt(ctx context.Context, key retry.SubjectKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return errors.New("feed unavailable")
	}
	return nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	clk *testClock
	st  store.Store
	rt  *dispatch.Router
	bus eventbus.Bus
	svc *Service
}

// testConfig uses hour-long poll intervals so only the immediate
// startup polls and explicit poll calls drive the engine.
func testConfig() Config {
	return Config{
		Enabled:              true,
		Workers:              2,
		QueueSize:            16,
		TaskPollInterval:     time.Hour,
		ReminderPollInterval: time.Hour,
		RetryPollInterval:    time.Hour,
		CatchupWindow:        48 * time.Hour,
		Retry:                retry.Policy{Interval: time.Hour, MaxAttempts: 5, MaxElapsed: 48 * time.Hour},
	}
}

func newHarness(t *testing.T, cfg Config, f retry.Fetcher) *harness {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := newTestClock(time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC))
	rt := dispatch.NewRouter(dispatch.Config{RatePerSec: 1000, Burst: 1000}, st, logx.Nop())
	bus := eventbus.New()
	svc := New(cfg, Deps{Store: st, Router: rt, Fetcher: f, Bus: bus, Log: logx.Nop(), Now: clk.Now})
	return &harness{clk: clk, st: st, rt: rt, bus: bus, svc: svc}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.svc.Stop(ctx)
	})
}

func (h *harness) seed(t *testing.T, seeds ...SeedTask) {
	t.Helper()
	if err := h.svc.SeedTasks(context.Background(), seeds); err != nil {
		t.Fatalf("seed tasks: %v", err)
	}
}

func (h *harness) taskDef(t *testing.T, name string) store.TaskDef {
	t.Helper()
	defs, err := h.st.ListTaskDefs(context.Background())
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, d := range defs {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("task %q not found", name)
	return store.TaskDef{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	ctx := context.Background()
	h.svc.Stop(ctx) // never started: no-op

	h.svc.Start(ctx)
	h.svc.Start(ctx) // second start: no-op
	if snap := h.svc.Snapshot(); !snap.Running {
		t.Fatal("expected running after start")
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.svc.Stop(sctx)
	h.svc.Stop(sctx)
	if snap := h.svc.Snapshot(); snap.Running {
		t.Fatal("expected stopped after stop")
	}

	// Start again after a full stop.
	h.svc.Start(ctx)
	if snap := h.svc.Snapshot(); !snap.Running {
		t.Fatal("expected running after restart")
	}
	h.svc.Stop(sctx)
}

func TestDisabledDoesNotStart(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg, nil)

	h.svc.Start(context.Background())
	if snap := h.svc.Snapshot(); snap.Running {
		t.Fatal("disabled engine must not run")
	}
	h.svc.RegisterAction("noop", func(ctx context.Context) error { return nil })
	if err := h.svc.RunTask(context.Background(), "noop"); !errors.Is(err, ErrStopped) {
		t.Fatalf("RunTask on stopped engine: got %v, want ErrStopped", err)
	}
}

func TestTaskFiresOnSchedule(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	t0 := h.clk.Now()

	var runs atomic.Int32
	h.svc.RegisterAction("heartbeat", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	h.seed(t, SeedTask{Name: "heartbeat", Cron: "* * * * *", Enabled: true})
	h.start(t)

	waitFor(t, "first run", func() bool { return runs.Load() == 1 })

	def := h.taskDef(t, "heartbeat")
	if !def.LastRun.Equal(t0) {
		t.Fatalf("last run: got %v, want %v", def.LastRun, t0)
	}
	if want := t0.Add(time.Minute); !def.NextRun.Equal(want) {
		t.Fatalf("next run: got %v, want %v", def.NextRun, want)
	}

	// Next minute fires again.
	h.clk.Advance(time.Minute)
	h.svc.pollTasks(context.Background())
	waitFor(t, "second run", func() bool { return runs.Load() == 2 })

	// Same minute never fires twice.
	h.svc.pollTasks(context.Background())
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 2 {
		t.Fatalf("same-minute poll fired again: %d runs", got)
	}
}

func TestTaskOverlapSkipConsumesOccurrence(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	t0 := h.clk.Now()

	var runs atomic.Int32
	block := make(chan struct{})
	h.svc.RegisterAction("slow", func(ctx context.Context) error {
		runs.Add(1)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	h.seed(t, SeedTask{Name: "slow", Cron: "* * * * *", Enabled: true})
	h.start(t)

	waitFor(t, "first run started", func() bool { return runs.Load() == 1 })

	// The next occurrence lands while the first run is still going: it
	// is consumed and skipped, not queued behind the running one.
	h.clk.Advance(time.Minute)
	h.svc.pollTasks(context.Background())
	waitFor(t, "skip recorded", func() bool { return h.svc.Snapshot().Skipped == 1 })

	def := h.taskDef(t, "slow")
	if want := t0.Add(time.Minute); !def.LastRun.Equal(want) {
		t.Fatalf("skipped occurrence not consumed: last run %v, want %v", def.LastRun, want)
	}

	close(block)
	waitFor(t, "first run finished", func() bool { return h.svc.Snapshot().Processed == 1 })
	if got := runs.Load(); got != 1 {
		t.Fatalf("skipped occurrence ran anyway: %d runs", got)
	}
}

func TestTaskFailureIsolated(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var goodRuns atomic.Int32
	h.svc.RegisterAction("bad", func(ctx context.Context) error { return errors.New("boom") })
	h.svc.RegisterAction("good", func(ctx context.Context) error { goodRuns.Add(1); return nil })
	h.seed(t,
		SeedTask{Name: "bad", Cron: "* * * * *", Enabled: true},
		SeedTask{Name: "good", Cron: "* * * * *", Enabled: true},
	)
	h.start(t)

	waitFor(t, "both ran", func() bool {
		snap := h.svc.Snapshot()
		return snap.Failed == 1 && snap.Processed == 1
	})
	if goodRuns.Load() != 1 {
		t.Fatal("good task did not run")
	}

	// The failure does not wedge the engine.
	h.clk.Advance(time.Minute)
	h.svc.pollTasks(context.Background())
	waitFor(t, "good ran again", func() bool { return goodRuns.Load() == 2 })
}

func TestTaskPanicIsolated(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var runs atomic.Int32
	h.svc.RegisterAction("panicky", func(ctx context.Context) error { panic("kaboom") })
	h.svc.RegisterAction("steady", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t,
		SeedTask{Name: "panicky", Cron: "* * * * *", Enabled: true},
		SeedTask{Name: "steady", Cron: "* * * * *", Enabled: true},
	)
	h.start(t)

	waitFor(t, "panic counted as failure", func() bool {
		snap := h.svc.Snapshot()
		return snap.Failed == 1 && snap.Processed == 1
	})
	if runs.Load() != 1 {
		t.Fatal("steady task did not survive the panic")
	}
}

func TestUnknownActionSkipsTask(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	t0 := h.clk.Now()

	var runs atomic.Int32
	h.svc.RegisterAction("known", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t,
		SeedTask{Name: "ghost", Cron: "* * * * *", Enabled: true},
		SeedTask{Name: "known", Cron: "* * * * *", Enabled: true},
	)
	h.start(t)

	waitFor(t, "known ran", func() bool { return runs.Load() == 1 })
	waitFor(t, "ghost skipped", func() bool { return h.svc.Snapshot().Skipped == 1 })

	// The unmatched occurrence is still consumed.
	def := h.taskDef(t, "ghost")
	if !def.LastRun.Equal(t0) {
		t.Fatalf("ghost occurrence not consumed: last run %v", def.LastRun)
	}
}

func TestInvalidCronSkipsOneTask(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var runs atomic.Int32
	h.svc.RegisterAction("broken", func(ctx context.Context) error { runs.Add(1); return nil })
	h.svc.RegisterAction("ok", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t,
		SeedTask{Name: "broken", Cron: "not a cron", Enabled: true},
		SeedTask{Name: "ok", Cron: "* * * * *", Enabled: true},
	)
	h.start(t)

	waitFor(t, "ok ran", func() bool { return h.svc.Snapshot().Processed == 1 })
	if def := h.taskDef(t, "broken"); !def.LastRun.IsZero() {
		t.Fatal("broken task must never fire")
	}
}

func TestManualRunTask(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var runs atomic.Int32
	h.svc.RegisterAction("report", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t, SeedTask{Name: "report", Cron: "0 3 * * *", Enabled: true})
	h.start(t)

	if err := h.svc.RunTask(context.Background(), "report"); err != nil {
		t.Fatalf("manual run: %v", err)
	}
	waitFor(t, "manual run", func() bool { return runs.Load() == 1 })

	// Manual runs do not touch the schedule bookkeeping.
	if def := h.taskDef(t, "report"); !def.LastRun.IsZero() {
		t.Fatalf("manual run advanced last run to %v", def.LastRun)
	}

	if err := h.svc.RunTask(context.Background(), "nope"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("unknown task: got %v, want ErrUnknownAction", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.svc.Stop(sctx)
	if err := h.svc.RunTask(context.Background(), "report"); !errors.Is(err, ErrStopped) {
		t.Fatalf("run after stop: got %v, want ErrStopped", err)
	}
}

func TestCatchUpFiresRecentMiss(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	t0 := h.clk.Now() // 2026-03-14 10:30 UTC

	var runs atomic.Int32
	h.svc.RegisterAction("daily-report", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t, SeedTask{Name: "daily-report", Cron: "0 3 * * *", Enabled: true})

	// Last ran two days back; 03:00 yesterday and today were both missed.
	last := time.Date(2026, 3, 12, 3, 0, 0, 0, time.UTC)
	if err := h.st.SetTaskRun(context.Background(), "daily-report", last, time.Time{}); err != nil {
		t.Fatalf("set run state: %v", err)
	}

	h.start(t)
	waitFor(t, "catch-up run", func() bool { return runs.Load() == 1 })

	// One collapsed run covers both misses.
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("catch-up fired %d times, want 1", got)
	}
	def := h.taskDef(t, "daily-report")
	if !def.LastRun.Equal(t0) {
		t.Fatalf("last run: got %v, want %v", def.LastRun, t0)
	}
	if want := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC); !def.NextRun.Equal(want) {
		t.Fatalf("next run: got %v, want %v", def.NextRun, want)
	}
}

func TestCatchUpLongOutageStillFiresOnce(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var runs atomic.Int32
	h.svc.RegisterAction("daily-report", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t, SeedTask{Name: "daily-report", Cron: "0 3 * * *", Enabled: true})

	// Down for ten days: yesterday's 03:00 is still inside the window.
	last := time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)
	if err := h.st.SetTaskRun(context.Background(), "daily-report", last, time.Time{}); err != nil {
		t.Fatalf("set run state: %v", err)
	}

	h.start(t)
	waitFor(t, "catch-up run", func() bool { return runs.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("catch-up fired %d times, want 1", got)
	}
}

func TestCatchUpSkipsStaleMiss(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var runs atomic.Int32
	h.svc.RegisterAction("monthly", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t, SeedTask{Name: "monthly", Cron: "0 3 1 * *", Enabled: true})

	// The only miss (March 1st) predates the 48h window.
	last := time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC)
	if err := h.st.SetTaskRun(context.Background(), "monthly", last, time.Time{}); err != nil {
		t.Fatalf("set run state: %v", err)
	}

	h.start(t)
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("stale miss fired %d times, want 0", got)
	}
	def := h.taskDef(t, "monthly")
	if !def.LastRun.Equal(last) {
		t.Fatalf("last run rewritten: got %v, want %v", def.LastRun, last)
	}
	if want := time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC); !def.NextRun.Equal(want) {
		t.Fatalf("next run: got %v, want %v", def.NextRun, want)
	}
}

func TestCatchUpNeverRanDoesNotFire(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var runs atomic.Int32
	h.svc.RegisterAction("daily-report", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t, SeedTask{Name: "daily-report", Cron: "0 3 * * *", Enabled: true})

	h.start(t)
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("brand-new task fired %d times at startup, want 0", got)
	}
	def := h.taskDef(t, "daily-report")
	if !def.LastRun.IsZero() {
		t.Fatalf("last run set without a run: %v", def.LastRun)
	}
	if want := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC); !def.NextRun.Equal(want) {
		t.Fatalf("next run: got %v, want %v", def.NextRun, want)
	}
}

func TestCatchUpDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CatchupWindow = -1
	h := newHarness(t, cfg, nil)

	var runs atomic.Int32
	h.svc.RegisterAction("daily-report", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t, SeedTask{Name: "daily-report", Cron: "0 3 * * *", Enabled: true})
	last := time.Date(2026, 3, 13, 3, 0, 0, 0, time.UTC)
	if err := h.st.SetTaskRun(context.Background(), "daily-report", last, time.Time{}); err != nil {
		t.Fatalf("set run state: %v", err)
	}

	h.start(t)
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("catch-up disabled but fired %d times", got)
	}
}

func TestReminderDeliveredAndMarkedSent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	dst := &sink{id: "chat:1", only: map[string]bool{"alice": true}}
	h.rt.Attach(dst)

	due := h.clk.Now().Add(-time.Minute)
	rem, err := h.st.AddReminder(context.Background(), store.Reminder{
		Text: "water the plants", Recipient: "alice", DueAt: due,
	})
	if err != nil {
		t.Fatalf("add reminder: %v", err)
	}

	h.start(t)
	waitFor(t, "delivery", func() bool { return dst.count() == 1 })
	waitFor(t, "marked sent", func() bool {
		left, err := h.st.DueReminders(context.Background(), h.clk.Now())
		return err == nil && len(left) == 0
	})

	all, err := h.st.ListReminders(context.Background(), true)
	if err != nil {
		t.Fatalf("list reminders: %v", err)
	}
	if len(all) != 1 || all[0].ID != rem.ID || !all[0].Sent {
		t.Fatalf("reminder not marked sent: %+v", all)
	}
}

func TestReminderFailureStaysUnsent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	dst := &sink{id: "chat:1", only: map[string]bool{"alice": true}, fail: true}
	h.rt.Attach(dst)

	if _, err := h.st.AddReminder(context.Background(), store.Reminder{
		Text: "stand up", Recipient: "alice", DueAt: h.clk.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("add reminder: %v", err)
	}

	h.start(t)
	waitFor(t, "failed attempt", func() bool { return h.svc.Snapshot().Failed == 1 })

	due, err := h.st.DueReminders(context.Background(), h.clk.Now())
	if err != nil || len(due) != 1 {
		t.Fatalf("failed reminder must stay due: %v %v", due, err)
	}

	// Destination recovers; the next poll delivers.
	dst.setFail(false)
	h.svc.pollReminders(context.Background())
	waitFor(t, "delivery after recovery", func() bool { return dst.count() == 1 })
	waitFor(t, "marked sent", func() bool {
		left, err := h.st.DueReminders(context.Background(), h.clk.Now())
		return err == nil && len(left) == 0
	})
}

func TestReminderNoDestinationFails(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	if _, err := h.st.AddReminder(context.Background(), store.Reminder{
		Text: "lonely", Recipient: "alice", DueAt: h.clk.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("add reminder: %v", err)
	}

	h.start(t)
	waitFor(t, "failed attempt", func() bool { return h.svc.Snapshot().Failed == 1 })
	due, err := h.st.DueReminders(context.Background(), h.clk.Now())
	if err != nil || len(due) != 1 {
		t.Fatalf("reminder must stay due with no destinations: %v %v", due, err)
	}
}

func TestBroadcastReminderReachesAll(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	a := &sink{id: "chat:1", only: map[string]bool{"alice": true}}
	b := &sink{id: "chat:2", only: map[string]bool{}}
	h.rt.Attach(a)
	h.rt.Attach(b)

	if _, err := h.st.AddReminder(context.Background(), store.Reminder{
		Text: "standup in 5", DueAt: h.clk.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("add reminder: %v", err)
	}

	h.start(t)
	waitFor(t, "broadcast delivery", func() bool { return a.count() == 1 && b.count() == 1 })
	waitFor(t, "marked sent", func() bool {
		left, err := h.st.DueReminders(context.Background(), h.clk.Now())
		return err == nil && len(left) == 0
	})
}

func TestRetryLifecycle(t *testing.T) {
	f := &fakeFetcher{failFirst: 1}
	h := newHarness(t, testConfig(), f)
	h.start(t)

	ctx := context.Background()
	key := retry.SubjectKey{Recipient: "alice", Period: "2026-03"}
	t0 := h.clk.Now()

	created, err := h.svc.TrackRetry(ctx, "", key)
	if err != nil || !created {
		t.Fatalf("track: created=%v err=%v", created, err)
	}
	if created, _ := h.svc.TrackRetry(ctx, "", key); created {
		t.Fatal("duplicate track must not create")
	}

	rec, err := h.st.GetRetry(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Attempts != 1 || !rec.NextAttempt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("tracked record off: %+v", rec)
	}

	// First retry attempt fails and reschedules with the frozen interval.
	h.clk.Advance(61 * time.Minute)
	now1 := h.clk.Now()
	h.svc.pollRetries(ctx)
	waitFor(t, "second attempt recorded", func() bool {
		rec, err := h.st.GetRetry(ctx, key)
		return err == nil && rec.Attempts == 2
	})
	rec, _ = h.st.GetRetry(ctx, key)
	if !rec.NextAttempt.Equal(now1.Add(time.Hour)) {
		t.Fatalf("next attempt: got %v, want %v", rec.NextAttempt, now1.Add(time.Hour))
	}

	// Second retry attempt succeeds and settles the subject.
	h.clk.Advance(61 * time.Minute)
	h.svc.pollRetries(ctx)
	waitFor(t, "recovered", func() bool {
		rec, err := h.st.GetRetry(ctx, key)
		return err == nil && rec.Succeeded
	})
	if f.count() != 2 {
		t.Fatalf("fetcher calls: got %d, want 2", f.count())
	}

	// Settled subjects never come due again.
	h.clk.Advance(2 * time.Hour)
	h.svc.pollRetries(ctx)
	time.Sleep(50 * time.Millisecond)
	if f.count() != 2 {
		t.Fatalf("settled subject re-attempted: %d calls", f.count())
	}
}

func TestRetryGiveUpByAttempts(t *testing.T) {
	f := &fakeFetcher{failFirst: 99}
	cfg := testConfig()
	cfg.Retry = retry.Policy{Interval: time.Hour, MaxAttempts: 2, MaxElapsed: 240 * time.Hour}
	h := newHarness(t, cfg, f)
	h.start(t)

	ctx := context.Background()
	key := retry.SubjectKey{Recipient: "bob", Period: "2026-03"}
	if _, err := h.svc.TrackRetry(ctx, "", key); err != nil {
		t.Fatalf("track: %v", err)
	}

	h.clk.Advance(61 * time.Minute)
	h.svc.pollRetries(ctx)
	waitFor(t, "given up", func() bool {
		rec, err := h.st.GetRetry(ctx, key)
		return err == nil && rec.GivenUp
	})
	if f.count() != 1 {
		t.Fatalf("fetcher calls: got %d, want 1", f.count())
	}

	// Given-up subjects are dead.
	h.clk.Advance(2 * time.Hour)
	h.svc.pollRetries(ctx)
	time.Sleep(50 * time.Millisecond)
	if f.count() != 1 {
		t.Fatalf("dead subject re-attempted: %d calls", f.count())
	}
}

func TestRetryGiveUpByElapsed(t *testing.T) {
	f := &fakeFetcher{failFirst: 99}
	cfg := testConfig()
	cfg.Retry = retry.Policy{Interval: time.Hour, MaxAttempts: 1000, MaxElapsed: 2 * time.Hour}
	h := newHarness(t, cfg, f)
	h.start(t)

	ctx := context.Background()
	key := retry.SubjectKey{Recipient: "carol", Period: "2026-03"}
	if _, err := h.svc.TrackRetry(ctx, "", key); err != nil {
		t.Fatalf("track: %v", err)
	}

	h.clk.Advance(61 * time.Minute)
	h.svc.pollRetries(ctx)
	waitFor(t, "second attempt", func() bool {
		rec, err := h.st.GetRetry(ctx, key)
		return err == nil && rec.Attempts == 2
	})
	if rec, _ := h.st.GetRetry(ctx, key); rec.GivenUp {
		t.Fatal("gave up before the elapsed budget")
	}

	h.clk.Advance(61 * time.Minute)
	h.svc.pollRetries(ctx)
	waitFor(t, "given up by elapsed", func() bool {
		rec, err := h.st.GetRetry(ctx, key)
		return err == nil && rec.GivenUp
	})
	if f.count() != 2 {
		t.Fatalf("fetcher calls: got %d, want 2", f.count())
	}
}

func TestResolveRetryOutOfBand(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeFetcher{failFirst: 99})
	h.start(t)

	ctx := context.Background()
	key := retry.SubjectKey{Recipient: "dave", Period: "2026-02"}
	if _, err := h.svc.TrackRetry(ctx, "", key); err != nil {
		t.Fatalf("track: %v", err)
	}

	if err := h.svc.ResolveRetry(ctx, key); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rec, err := h.st.GetRetry(ctx, key)
	if err != nil || !rec.Succeeded {
		t.Fatalf("subject not settled: %+v %v", rec, err)
	}

	// Idempotent, and unknown subjects are fine.
	if err := h.svc.ResolveRetry(ctx, key); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if err := h.svc.ResolveRetry(ctx, retry.SubjectKey{Recipient: "x", Period: "y"}); err != nil {
		t.Fatalf("unknown resolve: %v", err)
	}
}

func TestRetryPolicyFrozenOnSubject(t *testing.T) {
	f := &fakeFetcher{failFirst: 99}
	h := newHarness(t, testConfig(), f)
	h.start(t)

	ctx := context.Background()
	key := retry.SubjectKey{Recipient: "erin", Period: "2026-03"}
	if _, err := h.svc.TrackRetry(ctx, "", key); err != nil {
		t.Fatalf("track: %v", err)
	}

	// Shrinking the configured interval leaves the existing subject on
	// the policy it was created with.
	cfg := testConfig()
	cfg.Retry.Interval = 30 * time.Minute
	h.svc.Apply(cfg)

	h.clk.Advance(61 * time.Minute)
	now1 := h.clk.Now()
	h.svc.pollRetries(ctx)
	waitFor(t, "attempt recorded", func() bool {
		rec, err := h.st.GetRetry(ctx, key)
		return err == nil && rec.Attempts == 2
	})
	rec, _ := h.st.GetRetry(ctx, key)
	if !rec.NextAttempt.Equal(now1.Add(time.Hour)) {
		t.Fatalf("frozen interval not honored: next %v, want %v", rec.NextAttempt, now1.Add(time.Hour))
	}

	// A subject tracked after the change picks up the new interval.
	key2 := retry.SubjectKey{Recipient: "erin", Period: "2026-04"}
	if _, err := h.svc.TrackRetry(ctx, "", key2); err != nil {
		t.Fatalf("track second: %v", err)
	}
	rec2, err := h.st.GetRetry(ctx, key2)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if want := h.clk.Now().Add(30 * time.Minute); !rec2.NextAttempt.Equal(want) {
		t.Fatalf("new subject interval: next %v, want %v", rec2.NextAttempt, want)
	}
}

func TestQueueFullDropsAndOverlapRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	h := newHarness(t, cfg, nil)

	block := make(chan struct{})
	h.svc.RegisterAction("blocker", func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	var runs atomic.Int32
	h.svc.RegisterAction("a", func(ctx context.Context) error { runs.Add(1); return nil })
	h.svc.RegisterAction("b", func(ctx context.Context) error { runs.Add(1); return nil })
	h.start(t)

	if err := h.svc.RunTask(context.Background(), "blocker"); err != nil {
		t.Fatalf("run blocker: %v", err)
	}
	// Wait until the single worker has taken the blocker off the queue.
	waitFor(t, "worker busy", func() bool {
		snap := h.svc.Snapshot()
		return snap.QueueLen == 0 && slices.Contains(snap.InFlight, "task/blocker")
	})

	if err := h.svc.RunTask(context.Background(), "a"); err != nil {
		t.Fatalf("queue a: %v", err)
	}
	if err := h.svc.RunTask(context.Background(), "b"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("full queue: got %v, want ErrQueueFull", err)
	}
	if got := h.svc.Snapshot().Dropped; got != 1 {
		t.Fatalf("dropped: got %d, want 1", got)
	}

	// "a" is queued, so a second submit overlaps.
	if err := h.svc.RunTask(context.Background(), "a"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("overlap: got %v, want ErrOverlapSkip", err)
	}

	close(block)
	waitFor(t, "drain", func() bool { return h.svc.Snapshot().Processed == 2 })
	if runs.Load() != 1 {
		t.Fatalf("queued runs: got %d, want 1", runs.Load())
	}
}

func TestStopWaitsForInFlightUnit(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var started, finished atomic.Bool
	h.svc.RegisterAction("slowish", func(ctx context.Context) error {
		started.Store(true)
		time.Sleep(150 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	h.start(t)

	if err := h.svc.RunTask(context.Background(), "slowish"); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitFor(t, "unit started", func() bool { return started.Load() })

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.svc.Stop(sctx)
	if !finished.Load() {
		t.Fatal("stop returned before the in-flight unit finished")
	}
}

func TestApplyEnableDisable(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start(t)
	if !h.svc.Snapshot().Running {
		t.Fatal("expected running")
	}

	cfg := testConfig()
	cfg.Enabled = false
	h.svc.Apply(cfg)
	if h.svc.Snapshot().Running {
		t.Fatal("expected stopped after disable")
	}

	cfg.Enabled = true
	h.svc.Apply(cfg)
	if !h.svc.Snapshot().Running {
		t.Fatal("expected running after re-enable")
	}
}

func TestApplyStructuralChangeRestarts(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var runs atomic.Int32
	h.svc.RegisterAction("heartbeat", func(ctx context.Context) error { runs.Add(1); return nil })
	h.seed(t, SeedTask{Name: "heartbeat", Cron: "* * * * *", Enabled: true})
	h.start(t)
	waitFor(t, "first run", func() bool { return runs.Load() == 1 })

	cfg := testConfig()
	cfg.Workers = 4
	h.svc.Apply(cfg)

	snap := h.svc.Snapshot()
	if !snap.Running || snap.Workers != 4 {
		t.Fatalf("after restart: running=%v workers=%d", snap.Running, snap.Workers)
	}
	// Counters survive the restart.
	if snap.Processed != 1 {
		t.Fatalf("processed reset across restart: %d", snap.Processed)
	}

	// The restarted engine still schedules.
	h.clk.Advance(time.Minute)
	h.svc.pollTasks(context.Background())
	waitFor(t, "run after restart", func() bool { return runs.Load() == 2 })
}

func TestSeedTasksPrunesRemoved(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.seed(t,
		SeedTask{Name: "keep", Cron: "* * * * *", Enabled: true},
		SeedTask{Name: "drop", Cron: "* * * * *", Enabled: true},
	)
	h.seed(t, SeedTask{Name: "keep", Cron: "* * * * *", Enabled: true})

	defs, err := h.st.ListTaskDefs(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "keep" {
		t.Fatalf("prune left %+v", defs)
	}
}

func TestTaskLifecycleEvents(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	events, cancel := h.bus.Subscribe(64)
	defer cancel()

	var mu sync.Mutex
	seen := map[string]int{}
	go func() {
		for ev := range events {
			mu.Lock()
			seen[ev.Type]++
			mu.Unlock()
		}
	}()

	h.svc.RegisterAction("heartbeat", func(ctx context.Context) error { return nil })
	h.seed(t, SeedTask{Name: "heartbeat", Cron: "* * * * *", Enabled: true})
	dst := &sink{id: "chat:1"}
	h.rt.Attach(dst)
	if _, err := h.st.AddReminder(context.Background(), store.Reminder{
		Text: "hi", Recipient: "alice", DueAt: h.clk.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("add reminder: %v", err)
	}

	h.start(t)
	waitFor(t, "lifecycle events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[eventbus.TopicTaskStarted] >= 1 &&
			seen[eventbus.TopicTaskFinished] >= 1 &&
			seen[eventbus.TopicReminderSent] >= 1
	})
}
