package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/gateway"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/log"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/metrics"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/store"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

// Submitter accepts evaluations into the pipeline
type Submitter interface {
	Submit(ctx context.Context, req *gateway.Request) (string, error)
	SubmitBatch(ctx context.Context, reqs []*gateway.Request) ([]gateway.BatchResult, error)
}

// EvalReader reads evaluation records
type EvalReader interface {
	GetEvaluation(ctx context.Context, id string) (*types.Evaluation, error)
}

// Canceller requests best-effort cancellation of an evaluation
type Canceller interface {
	Cancel(ctx context.Context, evalID string) error
}

// Check is a named readiness probe
type Check func(ctx context.Context) error

// Server exposes the submission API plus the operational endpoints
// (health, readiness, metrics) on one listener.
type Server struct {
	submitter Submitter
	reader    EvalReader
	canceller Canceller
	checks    map[string]Check
	version   string

	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer creates the HTTP server
func NewServer(submitter Submitter, reader EvalReader, canceller Canceller, checks map[string]Check, version string) *Server {
	s := &Server{
		submitter: submitter,
		reader:    reader,
		canceller: canceller,
		checks:    checks,
		version:   version,
		mux:       http.NewServeMux(),
		logger:    log.WithComponent("api"),
	}

	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("POST /api/v1/evaluations", s.submitHandler)
	s.mux.HandleFunc("POST /api/v1/evaluations/batch", s.batchHandler)
	s.mux.HandleFunc("GET /api/v1/evaluations/{id}", s.getHandler)
	s.mux.HandleFunc("DELETE /api/v1/evaluations/{id}", s.cancelHandler)

	return s
}

// Handler returns the routing mux, exposed for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the server until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", addr).Msg("api server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HealthResponse is the liveness payload
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the readiness payload
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(s.checks))
	ready := true

	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			results[name] = "error: " + err.Error()
			ready = false
		} else {
			results[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, ReadyResponse{
		Status:    state,
		Timestamp: time.Now(),
		Checks:    results,
	})
}

// SubmitRequest is the submission payload
type SubmitRequest struct {
	Source         string `json:"source"`
	Runtime        string `json:"runtime"`
	TimeoutSeconds int    `json:"timeout_s"`
	Priority       string `json:"priority,omitempty"`
}

// SubmitResponse returns the assigned evaluation id
type SubmitResponse struct {
	EvalID string `json:"eval_id"`
}

// BatchItemResponse is the per-item outcome of a batch submission
type BatchItemResponse struct {
	EvalID string `json:"eval_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse carries a client-facing error
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	id, err := s.submitter.Submit(r.Context(), &gateway.Request{
		Source:         req.Source,
		Runtime:        req.Runtime,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       types.Priority(req.Priority),
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{EvalID: id})
}

func (s *Server) batchHandler(w http.ResponseWriter, r *http.Request) {
	var reqs []SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	items := make([]*gateway.Request, 0, len(reqs))
	for _, req := range reqs {
		items = append(items, &gateway.Request{
			Source:         req.Source,
			Runtime:        req.Runtime,
			TimeoutSeconds: req.TimeoutSeconds,
			Priority:       types.Priority(req.Priority),
		})
	}

	results, err := s.submitter.SubmitBatch(r.Context(), items)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	out := make([]BatchItemResponse, 0, len(results))
	for _, res := range results {
		item := BatchItemResponse{EvalID: res.EvalID}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	ev, err := s.reader.GetEvaluation(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "evaluation not found"})
			return
		}
		s.logger.Error().Err(err).Msg("evaluation lookup failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ev, err := s.reader.GetEvaluation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "evaluation not found"})
			return
		}
		s.logger.Error().Err(err).Msg("evaluation lookup failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "lookup failed"})
		return
	}
	if ev.Status.Terminal() {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "evaluation already " + string(ev.Status),
		})
		return
	}

	if err := s.canceller.Cancel(r.Context(), id); err != nil {
		s.logger.Error().Err(err).Str("eval_id", id).Msg("cancellation failed")
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "cancellation failed"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// writeSubmitError maps gateway errors onto HTTP statuses: validation
// problems are the caller's, stream unavailability is ours.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var verr *gateway.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error()})
	case errors.Is(err, gateway.ErrServiceUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "submission unavailable, retry later"})
	default:
		s.logger.Error().Err(err).Msg("submission failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "submission failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
