package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"Skiff/internal/config"
	"Skiff/internal/github"
	"Skiff/internal/metrics"
	"Skiff/internal/middleware"
	"Skiff/internal/models"
	"Skiff/internal/provider"
	"Skiff/internal/store"
)

const maxWebhookBody = 25 << 20

// Dispatcher takes ownership of a verified job event.
type Dispatcher interface {
	Dispatch(ev models.JobEvent)
}

// History is the read side of the transition store.
type History interface {
	Recent(count int) []store.JobTransition
	ForJob(jobID int64) []store.JobTransition
}

type Server struct {
	config     *config.Config
	provider   provider.Provider
	dispatcher Dispatcher
	history    History
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new API server. history may be nil when the store is disabled.
func New(
	cfg *config.Config,
	prov provider.Provider,
	dispatcher Dispatcher,
	history History,
	met *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:     cfg,
		provider:   prov,
		dispatcher: dispatcher,
		history:    history,
		metrics:    met,
		gatherer:   gatherer,
		logger:     logger.With("component", "api-server"),
	}
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and readiness endpoints
	mux.HandleFunc("GET "+s.config.Observability.HealthCheckPath, s.handleHealth)
	mux.HandleFunc("GET "+s.config.Observability.ReadinessPath, s.handleReadiness)

	if s.config.Observability.EnableMetrics {
		mux.Handle("GET "+s.config.Observability.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /webhook", s.handleWebhook)

	// API v1 endpoints
	mux.HandleFunc("GET /api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("GET /api/v1/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.authMiddleware(s.handleJob))

	return middleware.Chain(mux, middleware.Recover(s.logger), middleware.Logging(s.logger))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(s.Handler(), "skiff-api", otelhttp.WithServerName("skiff")),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	delivery, err := github.ParseDelivery(r, s.config.GitHub.WebhookSecret)
	event := delivery.Event
	if event == "" {
		event = "unknown"
	}

	switch {
	case errors.Is(err, github.ErrInvalidSignature):
		s.metrics.WebhookDeliveries.WithLabelValues(event, "rejected").Inc()
		s.logger.Warn("rejected webhook delivery", "delivery_id", delivery.ID, "error", err)
		s.writeError(w, http.StatusUnauthorized, "invalid signature", nil)
		return
	case errors.Is(err, github.ErrIgnoredEvent):
		s.metrics.WebhookDeliveries.WithLabelValues(event, "ignored").Inc()
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		s.metrics.WebhookDeliveries.WithLabelValues(event, "invalid").Inc()
		s.logger.Warn("invalid webhook delivery", "delivery_id", delivery.ID, "error", err)
		s.writeError(w, http.StatusBadRequest, "invalid payload", err)
		return
	}

	s.metrics.WebhookDeliveries.WithLabelValues(event, "accepted").Inc()
	s.dispatcher.Dispatch(delivery.Job)

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"delivery_id": delivery.ID,
		"job_id":      delivery.Job.JobID,
		"phase":       delivery.Job.Phase,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.provider.HealthCheck(ctx); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":    time.Now().Format(time.RFC3339),
		"provider":     s.provider.Name(),
		"env":          s.config.Runner.Env,
		"runner_label": s.config.Runner.Label,
		"region":       s.config.AWS.Region,
		"stack":        s.config.AWS.StackName,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "store not enabled", nil)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	events := s.history.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "store not enabled", nil)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id", err)
		return
	}

	events := s.history.ForJob(id)
	if len(events) == 0 {
		s.writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id": id,
		"events": events,
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		if apiKey == "" || apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
