// Package api exposes the control workflow over HTTP/JSON. Handlers
// translate between wire payloads and orchestrator calls; every domain
// error carries its code through to the response body.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"codeberg.org/mutker/plantqc/internal/audit"
	"codeberg.org/mutker/plantqc/internal/config"
	"codeberg.org/mutker/plantqc/internal/errors"
	"codeberg.org/mutker/plantqc/internal/logger"
	"codeberg.org/mutker/plantqc/internal/safety"
	"codeberg.org/mutker/plantqc/internal/workflow"
)

const (
	defaultSeriesSeconds = 300
	requestTimeout       = 30 * time.Second
)

// Server wraps the HTTP listener around one orchestrator.
type Server struct {
	orch    *workflow.Orchestrator
	store   audit.Store
	cfg     *config.Config
	catalog safety.Catalog
	http    *http.Server
}

func NewServer(cfg *config.Config, orch *workflow.Orchestrator, catalog safety.Catalog, store audit.Store) *Server {
	s := &Server{
		orch:    orch,
		store:   store,
		cfg:     cfg,
		catalog: catalog,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state/current", s.handleStateCurrent)
	mux.HandleFunc("GET /state/series", s.handleStateSeries)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /audit", s.handleAudit)
	mux.HandleFunc("POST /disturb", s.handleDisturb)
	mux.HandleFunc("POST /plan/propose", s.handlePropose)
	mux.HandleFunc("POST /plan/simulate", s.handleSimulate)
	mux.HandleFunc("POST /plan/apply", s.handleApply)
	mux.HandleFunc("POST /plan/reset", s.handleReset)

	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      requestLog(mux),
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
	}

	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	logger.Info().Str("listen", s.cfg.Listen).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.New().Wrap(errors.ErrUnavailable, err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStateCurrent(w http.ResponseWriter, _ *http.Request) {
	current, knobs, err := s.orch.Current()
	if err != nil {
		writeError(w, err)
		return
	}

	state, issue, activePlan := s.orch.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":   current.Timestamp,
		"values":      current.Values,
		"knobs":       knobs,
		"state":       state,
		"issue":       issue,
		"active_plan": activePlan,
	})
}

func (s *Server) handleStateSeries(w http.ResponseWriter, r *http.Request) {
	seconds := defaultSeriesSeconds
	if raw := r.URL.Query().Get("last_seconds"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, errors.New().WithMessage(errors.ErrInvalidArgument,
				"last_seconds must be a positive integer"))
			return
		}
		seconds = parsed
	}

	series := s.orch.RecentSeries(r.Context(), time.Duration(seconds)*time.Second)
	writeJSON(w, http.StatusOK, map[string]any{
		"last_seconds": seconds,
		"count":        len(series),
		"samples":      series,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"targets":  s.cfg.Targets,
		"limits":   s.catalog,
		"knobs":    s.orch.Knobs(),
		"detector": s.cfg.Detector,
		"interval": s.cfg.Interval,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, errors.New().WithMessage(errors.ErrInvalidArgument,
				"limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	entries, err := s.store.Entries(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type disturbRequest struct {
	Type      string  `json:"type"`
	Magnitude float64 `json:"magnitude"`
	DurationS float64 `json:"duration_s"`
}

func (s *Server) handleDisturb(w http.ResponseWriter, r *http.Request) {
	var req disturbRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DurationS <= 0 {
		req.DurationS = 60
	}

	duration := time.Duration(req.DurationS * float64(time.Second))
	if err := s.orch.Disturb(r.Context(), req.Type, req.Magnitude, duration); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"injected":   req.Type,
		"magnitude":  req.Magnitude,
		"duration_s": req.DurationS,
	})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	result, err := s.orch.Propose(r.Context(), force)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plan":        result.Plan,
		"fingerprint": result.Plan.Fingerprint(),
		"notes":       result.Notes,
		"rejected":    result.Rejected,
	})
}

type planIdentity struct {
	PlanID      string `json:"plan_id"`
	Fingerprint string `json:"fingerprint"`
}

func (p planIdentity) validate() error {
	if p.PlanID == "" || p.Fingerprint == "" {
		return errors.New().WithMessage(errors.ErrInvalidArgument,
			"plan_id and fingerprint are required")
	}

	return nil
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req planIdentity
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.orch.Simulate(r.Context(), req.PlanID, req.Fingerprint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req planIdentity
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	receipt, err := s.orch.Apply(r.Context(), req.PlanID, req.Fingerprint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.orch.Reset(r.Context())
	state, issue, _ := s.orch.Status()
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "issue": issue})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New().Wrap(errors.ErrInvalidArgument, err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// statusFor maps domain error codes onto HTTP statuses. Unknown codes
// surface as 500 so programming errors stay visible.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalidArgument, errors.ErrMalformedSample, errors.ErrInvalidDisturbance, errors.ErrUnknownKnob:
		return http.StatusBadRequest
	case errors.ErrNoData:
		return http.StatusNotFound
	case errors.ErrNoIssueDetected, errors.ErrProposalInFlight, errors.ErrPlanMismatch,
		errors.ErrConcurrentApplyReject, errors.ErrInvalidOperation:
		return http.StatusConflict
	case errors.ErrPreconditionNotMet:
		return http.StatusPreconditionFailed
	case errors.ErrOracleUnavailable, errors.ErrOracleMalformedOutput:
		return http.StatusBadGateway
	case errors.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.ErrorWithCode(err).Msg("Request failed")
	}

	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}
