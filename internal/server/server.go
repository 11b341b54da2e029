// Package server exposes the operator HTTP surface: worker control, manual
// research triggers, research status reads, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-research/internal/metrics"
	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/internal/store"
	"github.com/sells-group/lead-research/internal/worker"
)

// WorkerControl is the scheduler surface the server drives.
type WorkerControl interface {
	Start(ctx context.Context) bool
	Stop() bool
	Status() worker.Status
}

// Server holds the handler dependencies.
type Server struct {
	base    context.Context
	store   store.Store
	worker  WorkerControl
	metrics *metrics.Metrics
	origins []string
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins sets the CORS allow list.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server. Worker cycles started over HTTP run with base, not
// the request context.
func New(base context.Context, st store.Store, w WorkerControl, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{
		base:    base,
		store:   st,
		worker:  w,
		metrics: m,
		origins: []string{"*"},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/research-worker", func(r chi.Router) {
		r.Post("/", s.handleWorkerStart)
		r.Delete("/", s.handleWorkerStop)
		r.Get("/", s.handleWorkerStatus)
	})

	r.Route("/leads/{id}/research", func(r chi.Router) {
		r.Post("/", s.handleTrigger)
		r.Get("/", s.handleResearchStatus)
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- eris.Wrap(err, "server: listen")
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type workerResponse struct {
	Success    bool   `json:"success,omitempty"`
	Status     string `json:"status"`
	IntervalMs int64  `json:"intervalMs"`
	BatchSize  int    `json:"batchSize"`
	Message    string `json:"message"`
}

func (s *Server) workerResponse(success bool, msg string) workerResponse {
	st := s.worker.Status()
	status := "stopped"
	if st.Running {
		status = "running"
	}
	return workerResponse{
		Success:    success,
		Status:     status,
		IntervalMs: st.IntervalMs,
		BatchSize:  st.BatchSize,
		Message:    msg,
	}
}

func (s *Server) handleWorkerStart(w http.ResponseWriter, _ *http.Request) {
	msg := "Research worker started"
	if !s.worker.Start(s.base) {
		msg = "Research worker already running"
	}
	writeJSON(w, http.StatusOK, s.workerResponse(true, msg))
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, _ *http.Request) {
	msg := "Research worker stopped"
	if !s.worker.Stop() {
		msg = "Research worker not running"
	}
	writeJSON(w, http.StatusOK, s.workerResponse(true, msg))
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.workerResponse(false, "Research worker status"))
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "id")

	res, err := worker.Trigger(r.Context(), s.store, leadID, s.now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Lead not found", nil)
		return
	}
	if err != nil {
		zap.L().Error("server: trigger research", zap.String("lead_id", leadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to trigger research", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": res.Message,
		"leadId":  res.LeadID,
		"status":  res.Status,
	})
}

type agentSummary struct {
	ID        string          `json:"id"`
	FirstName string          `json:"firstName"`
	LastName  string          `json:"lastName"`
	IsAIAgent bool            `json:"isAIAgent"`
	AIType    model.AgentType `json:"aiType,omitempty"`
}

type researchStatus struct {
	Status        model.ResearchStatus  `json:"status"`
	Data          *model.ResearchResult `json:"data"`
	ResearchedAt  *time.Time            `json:"researchedAt"`
	AssignedAgent *agentSummary         `json:"assignedAgent"`
}

func (s *Server) handleResearchStatus(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "id")

	lead, err := s.store.GetLead(r.Context(), leadID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Lead not found", nil)
		return
	}
	if err != nil {
		zap.L().Error("server: get lead", zap.String("lead_id", leadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch research status", nil)
		return
	}

	out := researchStatus{
		Status:       lead.ResearchStatus,
		Data:         lead.ResearchData,
		ResearchedAt: lead.ResearchedAt,
	}
	if lead.AssignedToID != "" {
		out.AssignedAgent = s.assignedAgent(r.Context(), lead.AssignedToID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"research": out,
	})
}

// assignedAgent resolves an assignee among the AI agents. Unknown ids are
// reported with the id only.
func (s *Server) assignedAgent(ctx context.Context, id string) *agentSummary {
	agents, err := s.store.ListAgents(ctx, []model.AgentType{
		model.AgentTypeResearcher, model.AgentTypeLeadProcessor, model.AgentTypeUnderwriting,
	})
	if err != nil {
		zap.L().Warn("server: list agents", zap.Error(err))
	}
	for _, a := range agents {
		if a.ID == id {
			return &agentSummary{ID: a.ID, FirstName: a.FirstName, LastName: a.LastName, IsAIAgent: true, AIType: a.Type}
		}
	}
	return &agentSummary{ID: id}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, cause error) {
	body := map[string]string{"error": msg}
	if cause != nil {
		body["details"] = cause.Error()
	}
	writeJSON(w, status, body)
}
