package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nudgebot/internal/store"
	logx "nudgebot/pkg/logx"
)

// Router fans a delivery out to the attached destinations.
//
// A recipient-scoped delivery goes to every destination covering that
// recipient; a broadcast goes to all of them. Destinations fail
// independently; the delivery counts as delivered when at least one
// send succeeded. Every outcome lands in the store's delivery log.
//
// Safe for concurrent use. The registry lock is never held across a
// Send call.
type Router struct {
	log logx.Logger
	st  store.Store

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
	dests   map[string]Destination
}

func NewRouter(cfg Config, st store.Store, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:   log,
		st:    st,
		dests: map[string]Destination{},
	}
	r.applyLocked(cfg)
	return r
}

// Apply updates rate limiting and the send timeout. The token bucket is
// rebuilt only when its shape changed, so steady reloads keep state.
func (r *Router) Apply(cfg Config) {
	r.mu.Lock()
	r.applyLocked(cfg)
	r.mu.Unlock()
}

func (r *Router) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	if r.limiter == nil || cfg.RatePerSec != r.cfg.RatePerSec || cfg.Burst != r.cfg.Burst {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	r.cfg = cfg
}

// Attach registers a destination. Re-attaching an ID replaces the
// previous destination; attach is idempotent for identical ones.
func (r *Router) Attach(d Destination) {
	if d == nil {
		return
	}
	id := d.ID()
	r.mu.Lock()
	_, replaced := r.dests[id]
	r.dests[id] = d
	r.mu.Unlock()
	r.log.Debug("destination attached", logx.String("dest", id), logx.Bool("replaced", replaced))
}

// Detach removes a destination. Unknown IDs are ignored.
func (r *Router) Detach(id string) {
	r.mu.Lock()
	_, ok := r.dests[id]
	delete(r.dests, id)
	r.mu.Unlock()
	if ok {
		r.log.Debug("destination detached", logx.String("dest", id))
	}
}

// DestinationIDs lists attached destinations, sorted.
func (r *Router) DestinationIDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.dests))
	for id := range r.dests {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Route delivers d to its targets. It blocks until every covering
// destination finished or ctx ended.
func (r *Router) Route(ctx context.Context, d Delivery) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	targets, cfg, lim := r.snapshot(d.Recipient)
	if len(targets) == 0 {
		return Result{}, ErrNoDestinations
	}

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		res  = Result{Attempted: len(targets)}
		errs []error
	)
	for _, dest := range targets {
		dest := dest
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.sendOne(ctx, cfg, lim, dest, d)
			emu.Lock()
			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("%s: %w", dest.ID(), err))
			} else {
				res.Delivered++
			}
			emu.Unlock()
		}()
	}
	wg.Wait()

	if res.Delivered == 0 {
		return res, fmt.Errorf("%w: %w", ErrDeliveryFailed, errors.Join(errs...))
	}
	if res.Failed > 0 {
		r.log.Warn("partial delivery",
			logx.String("reminder", d.ReminderID),
			logx.Int("delivered", res.Delivered),
			logx.Int("failed", res.Failed))
	}
	return res, nil
}

// snapshot copies targets and config under the lock so Route works on a
// stable view without holding it.
func (r *Router) snapshot(recipient string) ([]Destination, Config, *rate.Limiter) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]Destination, 0, len(r.dests))
	for _, d := range r.dests {
		if recipient != "" && !d.Covers(recipient) {
			continue
		}
		targets = append(targets, d)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID() < targets[j].ID() })
	return targets, r.cfg, r.limiter
}

func (r *Router) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, dest Destination, d Delivery) error {
	err := func() (err error) {
		// A misbehaving destination must not take a worker down.
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("destination panic: %v", rec)
			}
		}()
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return dest.Send(sctx, d.Recipient, d.Text)
	}()

	r.recordOutcome(dest, d, err)
	return err
}

// recordOutcome appends to the delivery log. The write uses its own
// short deadline so the record survives delivery cancellation.
func (r *Router) recordOutcome(dest Destination, d Delivery, sendErr error) {
	if r.st == nil {
		return
	}
	rec := store.DeliveryRecord{
		ReminderID:  d.ReminderID,
		Recipient:   d.Recipient,
		Destination: dest.ID(),
		OK:          sendErr == nil,
		At:          time.Now().UTC(),
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.st.AppendDelivery(ctx, rec); err != nil {
		r.log.Warn("delivery log append failed", logx.Err(err), logx.String("dest", dest.ID()))
	}
}
