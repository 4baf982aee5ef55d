package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"slotguard/internal/domain"
	"slotguard/internal/ledger"
	"slotguard/internal/queue"
)

type Server struct {
	repo  queue.Repository
	slots *ledger.Ledger
}

// NewServer mounts the task and schedule API. slots may be nil, in which case
// the slot endpoint answers 503. gatherer defaults to the global registry.
func NewServer(repo queue.Repository, slots *ledger.Ledger, gatherer prometheus.Gatherer, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{repo: repo, slots: slots}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.revokeTask)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Get("/schedules/{id}/slot", s.scheduleSlot)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Type           string          `json:"type"`
	Args           json.RawMessage `json:"args"`
	Kwargs         json.RawMessage `json:"kwargs"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	id, err := s.repo.Enqueue(r.Context(), domain.Task{
		Type: req.Type, Args: req.Args, Kwargs: req.Kwargs, Priority: req.Priority,
		MaxAttempts: req.MaxAttempts, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

type taskView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	State       string          `json:"state"`
	Args        json.RawMessage `json:"args"`
	Kwargs      json.RawMessage `json:"kwargs"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	NextRunAt   string          `json:"next_run_at"`
	HeartbeatAt *string         `json:"heartbeat_at,omitempty"`
}

func viewTask(t domain.Task) taskView {
	v := taskView{
		ID: t.ID, Type: t.Type, State: t.State, Args: t.Args, Kwargs: t.Kwargs,
		Attempts: t.Attempts, MaxAttempts: t.MaxAttempts, Priority: t.Priority,
		NextRunAt: t.NextRunAt.UTC().Format(time.RFC3339),
	}
	if t.HeartbeatAt != nil {
		hb := t.HeartbeatAt.UTC().Format(time.RFC3339)
		v.HeartbeatAt = &hb
	}
	return v
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.repo.ListRecentTasks(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewTask(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTask(t))
}

// revokeTask cancels a queued or running task. Revoking twice is harmless.
func (s *Server) revokeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.Get(r.Context(), id); err != nil {
		notFoundOr500(w, err)
		return
	}
	if err := s.repo.RevokeByID(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Info().Str("task_id", id).Msg("task revoked via api")
	w.WriteHeader(http.StatusNoContent)
}

type scheduleReq struct {
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	TaskType    string          `json:"task_type"`
	Args        json.RawMessage `json:"args"`
	Kwargs      json.RawMessage `json:"kwargs"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     *bool           `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case req.Name == "":
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	case req.CronExpr == "":
		http.Error(w, "cron_expr is required", http.StatusBadRequest)
		return
	case req.TaskType == "":
		http.Error(w, "task_type is required", http.StatusBadRequest)
		return
	}

	nextRun, err := nextRunFor(req.CronExpr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sched := domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		TaskType:    req.TaskType,
		Args:        req.Args,
		Kwargs:      req.Kwargs,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled == nil || *req.Enabled,
		NextRun:     nextRun,
	}
	id, err := s.repo.CreateSchedule(r.Context(), sched)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func nextRunFor(expr string) (time.Time, error) {
	if err := queue.ValidateCronExpression(expr); err != nil {
		return time.Time{}, errors.New("invalid cron expression: " + err.Error())
	}
	return queue.NextRunTime(expr, time.Now())
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		notFoundOr500(w, err)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Renaming moves the definition onto a fresh ledger entry.
	if req.Name != "" {
		sched.Name = req.Name
	}
	if req.CronExpr != "" {
		nextRun, err := nextRunFor(req.CronExpr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sched.CronExpr = req.CronExpr
		sched.NextRun = nextRun
	}
	if req.TaskType != "" {
		sched.TaskType = req.TaskType
	}
	if req.Args != nil {
		sched.Args = req.Args
	}
	if req.Kwargs != nil {
		sched.Kwargs = req.Kwargs
	}
	if req.Priority > 0 {
		sched.Priority = req.Priority
	}
	if req.MaxAttempts > 0 {
		sched.MaxAttempts = req.MaxAttempts
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	if err := s.repo.UpdateSchedule(r.Context(), sched); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type slotResp struct {
	Key      string `json:"key"`
	Slot     string `json:"slot,omitempty"`
	Recorded bool   `json:"recorded"`
}

// scheduleSlot reports the last time slot the definition was enqueued for.
// The read is unlocked and may race with a scheduler tick.
func (s *Server) scheduleSlot(w http.ResponseWriter, r *http.Request) {
	if s.slots == nil {
		http.Error(w, "no shared store configured", http.StatusServiceUnavailable)
		return
	}
	sched, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	key := ledger.Key(s.repo.Name(), sched.Name)
	slot, found, err := s.slots.LastSlot(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, slotResp{Key: key, Slot: slot.String(), Recorded: found})
}

func notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
