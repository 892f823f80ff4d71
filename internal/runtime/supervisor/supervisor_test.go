package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

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

func TestGoFirstErrorCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))

	boom := errors.New("boom")
	s.Go("worker", func(ctx context.Context) error { return boom })

	waitFor(t, "context cancel", func() bool { return s.Context().Err() != nil })
	if err := s.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want wrapped boom", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v", err)
	}
}

func TestGoCanceledIsNotAnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if s.Err() != nil {
		t.Fatalf("Err() = %v, want nil after clean stop", s.Err())
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("worker", func(ctx context.Context) error { panic("kaboom") })

	waitFor(t, "panic to surface", func() bool { return s.Err() != nil })
	if s.Context().Err() == nil {
		t.Fatal("panic should cancel with cancel-on-error")
	}

	snap := s.Snapshot()
	var found bool
	for _, g := range snap.Goroutines {
		if g.Name == "worker" && g.Panics == 1 && g.LastPanic == "kaboom" {
			found = true
		}
	}
	if !found {
		t.Fatalf("snapshot missing panic record: %+v", snap.Goroutines)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	s := New(context.Background())
	block := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}

	close(block)
	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	if err := s.Stop(sctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}

func TestGoRestartRetriesAndRecords(t *testing.T) {
	s := New(context.Background())

	var runs atomic.Int64
	s.GoRestart("loop", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("flaky")
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitFor(t, "three runs", func() bool { return runs.Load() >= 3 })
	// Restarting loops do not publish unless asked to.
	if s.Err() != nil {
		t.Fatalf("Err() = %v, want nil without publish", s.Err())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}

	var loop LoopStats
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "loop" {
			loop = g
		}
	}
	if loop.Name == "" || loop.Restarts < 2 {
		t.Fatalf("loop stats = %+v, want restarts recorded", loop)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	s := New(context.Background())

	var runs atomic.Int64
	s.GoRestart("oneshot", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want exactly one", n)
	}
}

func TestGoRestartPublishesFirstError(t *testing.T) {
	s := New(context.Background())

	release := make(chan struct{})
	var runs atomic.Int64
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("first failure")
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithPublishFirstError(true))

	// The error is published while the loop keeps running.
	waitFor(t, "published error", func() bool { return s.Err() != nil })
	waitFor(t, "second run", func() bool { return runs.Load() >= 2 })
	if s.Context().Err() != nil {
		t.Fatal("publish must not cancel the supervisor")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Stop(ctx)
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))

	var runs atomic.Int64
	s.GoRestart("doomed", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond),
		WithMaxRestarts(2), WithFatalOnFinalError(true))

	waitFor(t, "give-up cancel", func() bool { return s.Context().Err() != nil })
	// Initial run plus two restarts.
	if n := runs.Load(); n != 3 {
		t.Fatalf("runs = %d, want 3", n)
	}
	if s.Err() == nil {
		t.Fatal("final error should be published")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Wait(ctx)
}

func TestCountersTrackActive(t *testing.T) {
	s := New(context.Background())
	block := make(chan struct{})
	for i := 0; i < 3; i++ {
		s.Go0("held", func(ctx context.Context) { <-block })
	}

	waitFor(t, "three active", func() bool { return s.Counters().Active == 3 })
	if c := s.Counters(); c.Started != 3 {
		t.Fatalf("started = %d", c.Started)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if c := s.Counters(); c.Active != 0 {
		t.Fatalf("active = %d after stop", c.Active)
	}
}
