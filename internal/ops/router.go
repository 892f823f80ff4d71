package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"nudgebot/internal/retry"
	rtsup "nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/scheduler"
	"nudgebot/internal/store"
	logx "nudgebot/pkg/logx"
)

type statusResp struct {
	UptimeSec  int64              `json:"uptime_sec"`
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Loops      *rtsup.Snapshot    `json:"loops,omitempty"`
	BusDropped uint64             `json:"bus_dropped"`
}

type errResp struct {
	Error string `json:"error"`
}

func (s *Service) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}
	if cfg.Token != "" {
		r.Use(requireToken(cfg.Token))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)

	r.Get("/tasks", s.handleListTasks)
	r.Post("/tasks/{name}/run", s.handleRunTask)

	r.Get("/reminders", s.handleListReminders)
	r.Post("/reminders", s.handleAddReminder)
	r.Delete("/reminders/{id}", s.handleDeleteReminder)

	r.Get("/retries", s.handleListRetries)
	r.Post("/retries/resolve", s.handleResolveRetry)

	r.Get("/deliveries", s.handleListDeliveries)

	if cfg.Pprof {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

// requireToken accepts the token as ?token= or an Authorization bearer.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="ops"`)
			writeJSON(w, http.StatusUnauthorized, errResp{Error: "unauthorized"})
		})
	}
}

func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResp{
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Engine != nil {
		resp.Scheduler = s.deps.Engine.Snapshot()
		if sup := s.deps.Engine.Supervisor(); sup != nil {
			snap := sup.Snapshot()
			resp.Loops = &snap
		}
	}
	if s.deps.Bus != nil {
		resp.BusDropped = s.deps.Bus.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleListTasks(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Store.ListTaskDefs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Service) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.deps.Engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, errResp{Error: "scheduler not running"})
		return
	}
	err := s.deps.Engine.RunTask(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "task": name})
	case errors.Is(err, scheduler.ErrUnknownAction):
		writeJSON(w, http.StatusNotFound, errResp{Error: err.Error()})
	case errors.Is(err, scheduler.ErrOverlapSkip):
		writeJSON(w, http.StatusConflict, errResp{Error: err.Error()})
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, errResp{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
	}
}

func (s *Service) handleListReminders(w http.ResponseWriter, r *http.Request) {
	includeSent := r.URL.Query().Get("all") != ""
	var (
		rems []store.Reminder
		err  error
	)
	if s.deps.Engine != nil {
		rems, err = s.deps.Engine.ListReminders(r.Context(), includeSent)
	} else {
		rems, err = s.deps.Store.ListReminders(r.Context(), includeSent)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rems)
}

type addReminderReq struct {
	Text       string  `json:"text"`
	DueAt      string  `json:"due_at"`
	Recipient  string  `json:"recipient"`
	Source     string  `json:"source"`
	SourceRef  string  `json:"source_ref"`
	EventType  string  `json:"event_type"`
	Confidence float64 `json:"confidence"`
}

func (s *Service) handleAddReminder(w http.ResponseWriter, r *http.Request) {
	var req addReminderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json: " + err.Error()})
		return
	}
	due, err := time.Parse(time.RFC3339, req.DueAt)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "due_at must be RFC3339: " + err.Error()})
		return
	}
	if s.deps.Engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, errResp{Error: "scheduler not running"})
		return
	}
	rem, err := s.deps.Engine.AddReminder(r.Context(), store.Reminder{
		Text:       req.Text,
		DueAt:      due,
		Recipient:  req.Recipient,
		Source:     req.Source,
		SourceRef:  req.SourceRef,
		EventType:  req.EventType,
		Confidence: req.Confidence,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rem.ID})
}

func (s *Service) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, errResp{Error: "scheduler not running"})
		return
	}
	err := s.deps.Engine.DeleteReminder(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errResp{Error: "no such reminder"})
	default:
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
	}
}

func (s *Service) handleListRetries(w http.ResponseWriter, r *http.Request) {
	liveOnly := r.URL.Query().Get("all") == ""
	atts, err := s.deps.Store.ListRetries(r.Context(), liveOnly)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, atts)
}

type resolveRetryReq struct {
	Recipient string `json:"recipient"`
	Period    string `json:"period"`
}

func (s *Service) handleResolveRetry(w http.ResponseWriter, r *http.Request) {
	var req resolveRetryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid json: " + err.Error()})
		return
	}
	key := retry.SubjectKey{Recipient: req.Recipient, Period: req.Period}
	if key.IsZero() {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "recipient and period are required"})
		return
	}
	if s.deps.Engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, errResp{Error: "scheduler not running"})
		return
	}
	if err := s.deps.Engine.ResolveRetry(r.Context(), key); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := s.deps.Store.RecentDeliveries(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
