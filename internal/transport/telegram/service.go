package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"nudgebot/internal/dispatch"
	rtsup "nudgebot/internal/runtime/supervisor"
	logx "nudgebot/pkg/logx"
)

// Config for the Telegram transport.
type Config struct {
	Enabled bool
	Token   string
	// Timeout bounds each Bot API call.
	Timeout time.Duration
	// Recipients maps a recipient id to its chat.
	Recipients map[string]int64
	// BroadcastChats receive broadcast reminders only.
	BroadcastChats []int64
}

// Service owns the bot connection and keeps the router's destination
// set in sync with config. Destinations attach only after the token
// has been verified against the Bot API.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	router *dispatch.Router

	runCtx   context.Context
	bot      sender
	sup      *rtsup.Supervisor
	attached []string
}

// New builds the service. router must not be nil.
func New(cfg Config, router *dispatch.Router, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, router: router, log: log}
}

// Start brings the connection up in the background. Transient Bot API
// failures retry with backoff; after the restart budget is exhausted
// the transport stays down until the next config apply.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.runCtx = ctx
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("telegram disabled")
		return
	}
	if strings.TrimSpace(cfg.Token) == "" {
		s.mu.Unlock()
		s.log.Warn("telegram enabled but token is empty; no destinations attached")
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("connect", s.connect,
		rtsup.WithRestartBackoff(2*time.Second, time.Minute),
		rtsup.WithMaxRestarts(8),
		rtsup.WithPublishFirstError(true),
	)
}

// connect verifies the token, attaches the configured destinations and
// parks until shutdown. NewBot performs the getMe call, so a bad token
// or unreachable API surfaces here.
func (s *Service) connect(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return fmt.Errorf("telegram connect: %w", err)
	}

	s.mu.Lock()
	s.bot = b
	s.refreshLocked()
	n := len(s.attached)
	s.mu.Unlock()

	s.log.Info("telegram connected",
		logx.String("bot", b.Me.Username),
		logx.Int("destinations", n))

	<-ctx.Done()
	return ctx.Err()
}

// refreshLocked syncs the router's destination set with config. Caller
// holds s.mu. No-op until the bot is connected.
func (s *Service) refreshLocked() {
	if s.bot == nil {
		return
	}
	next := buildDestinations(s.cfg, s.bot)
	keep := make(map[string]bool, len(next))
	ids := make([]string, 0, len(next))
	for _, d := range next {
		keep[d.ID()] = true
		ids = append(ids, d.ID())
	}
	for _, id := range s.attached {
		if !keep[id] {
			s.router.Detach(id)
		}
	}
	for _, d := range next {
		s.router.Attach(d)
	}
	s.attached = ids
}

// Stop detaches all destinations and tears the connection down.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.bot = nil
	attached := s.attached
	s.attached = nil
	s.mu.Unlock()

	if sup == nil {
		return
	}
	for _, id := range attached {
		s.router.Detach(id)
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("telegram stopped")
}

// Apply handles a config change. Token, timeout or enable flips restart
// the connection; a recipient or broadcast remap applies in place.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	ctx := s.runCtx
	s.mu.Unlock()

	if !running {
		if cfg.Enabled && ctx != nil {
			s.Start(ctx)
		}
		return
	}
	if !cfg.Enabled || prev.Token != cfg.Token || prev.Timeout != cfg.Timeout {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.Stop(sctx)
		cancel()
		if cfg.Enabled && ctx != nil {
			s.Start(ctx)
		}
		return
	}

	s.mu.Lock()
	s.refreshLocked()
	n := len(s.attached)
	s.mu.Unlock()
	s.log.Info("telegram destinations updated", logx.Int("destinations", n))
}
