// Package server exposes the control surface and the payment webhook
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/configstore"
	"github.com/pixelmint/genroute/internal/degrade"
	"github.com/pixelmint/genroute/internal/idempotency"
	"github.com/pixelmint/genroute/internal/metrics"
	"github.com/pixelmint/genroute/internal/middleware"
	"github.com/pixelmint/genroute/internal/payments"
	"github.com/pixelmint/genroute/internal/quality"
	"github.com/pixelmint/genroute/internal/routing"
	"github.com/pixelmint/genroute/internal/security"
	"github.com/pixelmint/genroute/internal/types"
)

// Config holds HTTP server configuration.
type Config struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// Server wires the control-plane components behind HTTP.
type Server struct {
	router     *routing.Router
	controller *degrade.Controller
	aggregator *metrics.Aggregator
	reconciler *payments.Reconciler
	capture    *payments.CaptureService
	evaluator  *quality.Evaluator
	accessor   *configstore.Accessor
	auth       *security.Authenticator
	validation *middleware.Validation
	logger     *logrus.Logger
	config     *Config

	httpServer *http.Server
}

func NewServer(
	router *routing.Router,
	controller *degrade.Controller,
	aggregator *metrics.Aggregator,
	reconciler *payments.Reconciler,
	capture *payments.CaptureService,
	evaluator *quality.Evaluator,
	accessor *configstore.Accessor,
	auth *security.Authenticator,
	validation *middleware.Validation,
	config *Config,
	logger *logrus.Logger,
) *Server {
	return &Server{
		router:     router,
		controller: controller,
		aggregator: aggregator,
		reconciler: reconciler,
		capture:    capture,
		evaluator:  evaluator,
		accessor:   accessor,
		auth:       auth,
		validation: validation,
		config:     config,
		logger:     logger,
	}
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Routes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	s.logger.WithField("port", s.config.Port).Info("Starting control-plane server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping control-plane server")
	return s.httpServer.Shutdown(ctx)
}

// Routes builds the handler tree. Mutating control endpoints sit behind
// operator auth; the webhook endpoint authenticates by payload signature
// instead.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	if s.validation != nil {
		r.Use(s.validation.Middleware)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	api.HandleFunc("/orders/{order_id}/capture", s.handleCapture).Methods(http.MethodPost)
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/quality", s.handleQuality).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	admin := api.NewRoute().Subrouter()
	admin.Use(s.auth.Middleware())
	admin.HandleFunc("/degrade", s.handleDegrade).Methods(http.MethodPost)
	admin.HandleFunc("/rollback", s.handleRollback).Methods(http.MethodPost)

	r.HandleFunc("/webhooks/payment", s.handlePaymentWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// handleGenerate routes a generation request. Callers get a job reference or
// one stable error class; provider identities and retry counts stay inside.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, err := s.router.Route(r.Context(), &req)
	if err != nil {
		if errors.Is(err, routing.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, "invalid generation request")
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, "generation failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"ref":    job.ProviderRef,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	window := 5 * time.Minute
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid window %q", raw))
			return
		}
		window = parsed
	}

	m, err := s.aggregator.Compute(r.Context(), window)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "metrics computation failed")
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.router.HealthStatus()

	response := map[string]any{
		"providers": health,
		"timestamp": time.Now().Unix(),
	}
	status := "healthy"
	if cfg, err := s.accessor.Snapshot(r.Context()); err == nil {
		response["weights"] = cfg.Weights
		response["degraded"] = cfg.Degraded
		if cfg.Degraded {
			status = "degraded"
			response["degrade_reason"] = cfg.DegradeReason
		}
	}
	response["status"] = status
	s.writeJSON(w, http.StatusOK, response)
}

// handleQuality records a quality score for a generated asset and issues a
// make-good voucher when it misses the configured thresholds.
func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID   string  `json:"job_id"`
		Clip    float64 `json:"clip"`
		Brisque float64 `json:"brisque"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid quality payload")
		return
	}
	voucher, err := s.evaluator.Evaluate(r.Context(), req.JobID, types.QualityScore{Clip: req.Clip, Brisque: req.Brisque})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "quality evaluation failed")
		return
	}
	resp := map[string]any{"job_id": req.JobID, "voucher_issued": voucher != nil}
	if voucher != nil {
		resp["voucher"] = voucher
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCapture captures payment for an order at checkout. The client's
// Idempotency-Key header makes the call safely retryable; without it the
// capture is attempted once only.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	if orderID == "" {
		s.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	idempotencyKey := r.Header.Get("Idempotency-Key")

	result, err := s.capture.Capture(r.Context(), orderID, idempotencyKey)
	if err != nil {
		var rejection *payments.CaptureRejectedError
		switch {
		case errors.Is(err, idempotency.ErrReservationHeld):
			s.writeError(w, http.StatusConflict, "capture already in flight")
		case errors.As(err, &rejection):
			s.writeError(w, http.StatusPaymentRequired, "capture rejected")
		case errors.Is(err, payments.ErrPartialCommit):
			s.writeError(w, http.StatusInternalServerError, "capture recorded but order update incomplete")
		default:
			s.writeError(w, http.StatusBadGateway, "capture failed")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"order_id":   orderID,
		"capture_id": result.ResourceID,
		"status":     result.Status,
	})
}

type commandRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDegrade(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor, _ := security.OperatorFromContext(r.Context())

	err := s.controller.Degrade(r.Context(), actor, req.Reason)
	switch {
	case errors.Is(err, degrade.ErrAlreadyDegraded):
		s.writeError(w, http.StatusConflict, "already degraded")
	case errors.Is(err, degrade.ErrAuditIncomplete):
		s.writeError(w, http.StatusInternalServerError, "degrade applied but audit incomplete")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "degrade failed")
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "degraded"})
	}
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor, _ := security.OperatorFromContext(r.Context())

	err := s.controller.Rollback(r.Context(), actor, req.Reason)
	switch {
	case errors.Is(err, degrade.ErrNotDegraded):
		s.writeError(w, http.StatusConflict, "not degraded")
	case errors.Is(err, degrade.ErrAuditIncomplete):
		s.writeError(w, http.StatusInternalServerError, "rollback applied but audit incomplete")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "rollback failed")
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "normal"})
	}
}

// handlePaymentWebhook ingests payment events. Internal processing failures
// still return a success-shaped body so the upstream does not storm us with
// redeliveries; the event log carries the failure for operator follow-up.
// A bad signature is the exception: the sender is not who it claims to be.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	signature := r.Header.Get("X-Payment-Signature")

	result, err := s.reconciler.Handle(r.Context(), body, signature)
	if err != nil {
		if errors.Is(err, payments.ErrBadSignature) {
			s.writeError(w, http.StatusUnauthorized, "signature verification failed")
			return
		}
		s.logger.WithError(err).Warn("Webhook processing failed internally")
		s.writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"duplicate": result.Duplicate,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
