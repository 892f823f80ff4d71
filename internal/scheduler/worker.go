package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"nudgebot/internal/eventbus"
	logx "nudgebot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, q <-chan queuedUnit) {
	for u := range q {
		s.execUnit(ctx, u)
	}
}

// execUnit runs one queued unit. Errors and panics are confined to the
// unit; the worker moves on either way.
func (s *Service) execUnit(ctx context.Context, u queuedUnit) {
	start := s.now()
	delay := start.Sub(u.enqueuedAt)
	if u.kind == unitTask {
		s.publish(eventbus.TopicTaskStarted, UnitEvent{
			Key: u.key, Kind: string(u.kind), At: start, QueueDelay: delay,
		})
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("unit panic: %v", r)
				s.log.Error("unit panicked",
					logx.String("unit", u.key),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		err = u.run(ctx)
	}()
	s.release(u.key)

	took := s.now().Sub(start)
	if err != nil {
		s.failed.Add(1)
		if u.kind == unitTask {
			s.publish(eventbus.TopicTaskFailed, UnitEvent{
				Key: u.key, Kind: string(u.kind), At: s.now(), Duration: took, Error: err.Error(),
			})
		}
		s.log.Warn("unit failed",
			logx.String("unit", u.key),
			logx.Duration("took", took),
			logx.Err(err))
		return
	}
	s.processed.Add(1)
	if u.kind == unitTask {
		s.publish(eventbus.TopicTaskFinished, UnitEvent{
			Key: u.key, Kind: string(u.kind), At: s.now(), Duration: took,
		})
	}
	s.log.Debug("unit finished",
		logx.String("unit", u.key),
		logx.Duration("took", took))
}
