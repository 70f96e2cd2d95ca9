package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Oafish1/cellTRIP/internal/metrics"
	"github.com/Oafish1/cellTRIP/internal/middleware"
	"github.com/Oafish1/cellTRIP/internal/sampler"
	"github.com/Oafish1/cellTRIP/internal/service"
	"github.com/Oafish1/cellTRIP/internal/storage"
	"github.com/Oafish1/cellTRIP/internal/tensor"
)

const maxTransitionBody = 8 << 20

// RateLimit configures the request limiter; zero disables it.
type RateLimit struct {
	RequestsPerSecond int
	Burst             int
}

// Server wires HTTP handlers to the trainer service.
type Server struct {
	trainer   *service.Trainer
	collector *metrics.Collector
	limit     RateLimit
	logger    zerolog.Logger
}

// NewServer constructs a Server instance.
func NewServer(trainer *service.Trainer, collector *metrics.Collector, limit RateLimit, logger zerolog.Logger) *Server {
	return &Server{trainer: trainer, collector: collector, limit: limit, logger: logger}
}

// Routes builds the HTTP router for the trainer service.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Metrics(s.collector))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimiter(s.limit.RequestsPerSecond, s.limit.Burst))
		r.Post("/transitions", s.handleRecord)
		r.Get("/buffer", s.handleStats)
		r.Delete("/buffer", s.handleClear)
		r.Post("/returns", s.handleReturns)
		r.Post("/stage/{tier}", s.handleStage)
	})
	return r
}

type transitionPayload struct {
	Key           string    `json:"key"`
	State         []float32 `json:"state,omitempty"`
	Action        []float32 `json:"action,omitempty"`
	ActionLogProb []float32 `json:"action_log_prob,omitempty"`
	StateValue    []float32 `json:"state_value,omitempty"`
	Reward        float32   `json:"reward"`
	IsTerminal    bool      `json:"is_terminal"`
}

func (p transitionPayload) record() storage.Record {
	return storage.Record{
		Key:           p.Key,
		State:         vector(p.State),
		Action:        vector(p.Action),
		ActionLogProb: vector(p.ActionLogProb),
		StateValue:    vector(p.StateValue),
		Reward:        p.Reward,
		IsTerminal:    p.IsTerminal,
	}
}

func vector(values []float32) *tensor.Tensor {
	if values == nil {
		return nil
	}
	return tensor.Vector(values...)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxTransitionBody)
	defer r.Body.Close()
	var payload struct {
		Transitions []transitionPayload `json:"transitions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid transitions payload")
		return
	}
	if len(payload.Transitions) == 0 {
		s.writeError(w, http.StatusBadRequest, "no transitions provided")
		return
	}
	records := make([]storage.Record, len(payload.Transitions))
	for i, t := range payload.Transitions {
		records[i] = t.record()
	}
	stats, err := s.trainer.Record(r.Context(), records)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trainer.Stats())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	archived, err := s.trainer.Clear(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"archived": archived,
		"run_id":   s.trainer.RunID(),
	})
}

func (s *Server) handleReturns(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload struct {
		Gamma *float32 `json:"gamma"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid returns payload")
		return
	}
	gamma := s.trainer.Config().Gamma
	if payload.Gamma != nil {
		gamma = *payload.Gamma
	}
	if gamma < 0 || gamma > 1 {
		s.writeError(w, http.StatusBadRequest, "gamma must be within [0, 1]")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"gamma":   gamma,
		"returns": s.trainer.Returns(gamma),
	})
}

type stageResponse struct {
	SessionID string    `json:"session_id"`
	Tier      string    `json:"tier"`
	Indices   []int     `json:"indices"`
	Rows      int       `json:"rows"`
	Device    string    `json:"device,omitempty"`
	Rewards   []float32 `json:"rewards"`
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload struct {
		Indices []int `json:"indices"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid stage payload")
		return
	}
	result, err := s.trainer.Stage(r.Context(), chi.URLParam(r, "tier"), payload.Indices)
	if err != nil {
		s.respondError(w, err)
		return
	}
	resp := stageResponse{
		SessionID: result.SessionID,
		Tier:      result.Tier.String(),
		Indices:   result.Indices,
		Rows:      len(result.Indices),
		Rewards:   result.Rewards.Data(),
	}
	if result.Data != nil {
		resp.Device = string(result.Rewards.Device())
	}
	w.Header().Set(middleware.SessionHeader, result.SessionID)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sampler.ErrUnknownTier):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sampler.ErrOutOfOrder), errors.Is(err, storage.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidRecord), errors.Is(err, tensor.ErrIndexOutOfRange):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrEmptyBuffer):
		s.writeError(w, http.StatusPreconditionFailed, err.Error())
	default:
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
