package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/lalalune/babylon-train/internal/config"
	"github.com/lalalune/babylon-train/internal/models"
	"github.com/lalalune/babylon-train/internal/outcome"
	"github.com/lalalune/babylon-train/internal/recorder"
	"github.com/lalalune/babylon-train/internal/registry"
	"github.com/lalalune/babylon-train/internal/store"
	"github.com/lalalune/babylon-train/internal/trainer"
)

type Server struct {
	cfg      config.Config
	store    store.Store
	recorder *recorder.Recorder
	outcomes *outcome.Tracker
	registry *registry.Registry
	orch     *trainer.Orchestrator
}

func New(cfg config.Config, st store.Store, rec *recorder.Recorder, out *outcome.Tracker, reg *registry.Registry, orch *trainer.Orchestrator) *Server {
	return &Server{cfg: cfg, store: st, recorder: rec, outcomes: out, registry: reg, orch: orch}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	// Agent surface: high-volume writes from the world simulation.
	r.Group(func(r chi.Router) {
		r.Use(s.writeAuth)
		r.Post("/agents", s.handleRegisterAgent)
		r.Post("/trajectories", s.handleStartTrajectory)
		r.Post("/trajectories/{id}/steps", s.handleRecordStep)
		r.Post("/trajectories/{id}/finalize", s.handleFinalize)
		r.Put("/windows/{id}/outcome", s.handlePutOutcome)
	})

	r.Get("/trajectories/{id}", s.handleGetTrajectory)
	r.Get("/windows/{id}/outcome", s.handleGetOutcome)
	r.Get("/windows/{id}/stats", s.handleWindowStats)

	// Operator surface.
	r.Route("/training", func(r chi.Router) {
		r.Get("/readiness", s.handleReadiness)
		r.Get("/status", s.handleStatus)
		r.Get("/batches", s.handleListBatches)
		r.Group(func(r chi.Router) {
			r.Use(s.writeAuth)
			r.Post("/run", s.handleRun)
		})
	})
	r.Get("/models/{lineage}/versions", s.handleListVersions)
	r.Group(func(r chi.Router) {
		r.Use(s.writeAuth)
		r.Post("/models/{lineage}/bump-major", s.handleBumpMajor)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type registerAgentRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := s.store.RegisterAgent(r.Context(), req.ID, req.Name); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

type startTrajectoryRequest struct {
	AgentID   string    `json:"agentId"`
	StartTime time.Time `json:"startTime"`
}

func (s *Server) handleStartTrajectory(w http.ResponseWriter, r *http.Request) {
	var req startTrajectoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.StartTime.IsZero() {
		req.StartTime = time.Now().UTC()
	}
	traj, err := s.recorder.StartTrajectory(r.Context(), req.AgentID, req.StartTime)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, traj)
}

func (s *Server) handleRecordStep(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trajectory id")
		return
	}
	var step models.TrajectoryStep
	if err := decodeJSON(w, r, &step); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	traj, err := s.recorder.RecordStep(r.Context(), id, step)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, traj)
}

type finalizeRequest struct {
	FinalReward float64 `json:"finalReward"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trajectory id")
		return
	}
	var req finalizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	traj, err := s.recorder.Finalize(r.Context(), id, req.FinalReward)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, traj)
}

func (s *Server) handleGetTrajectory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trajectory id")
		return
	}
	traj, err := s.store.GetTrajectory(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, traj)
}

func (s *Server) handlePutOutcome(w http.ResponseWriter, r *http.Request) {
	windowID := chi.URLParam(r, "id")
	var out models.WindowOutcome
	if err := decodeJSON(w, r, &out); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out.WindowID = windowID
	if err := s.outcomes.Record(r.Context(), out); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	out, found, err := s.outcomes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "no outcome recorded")
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleWindowStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.WindowStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	readiness, err := s.orch.CheckReadiness(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, readiness)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.GetStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleRun triggers one iteration in the background; monitoring a training
// job can outlive any request timeout. Progress is visible via /training/status.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	go func() {
		_, _ = s.orch.RunIteration(context.Background())
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{"state": trainer.StateScanning})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	batches, err := s.store.ListBatches(r.Context(), s.cfg.LineageID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, batches)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.registry.List(r.Context(), chi.URLParam(r, "lineage"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

func (s *Server) handleBumpMajor(w http.ResponseWriter, r *http.Request) {
	version, err := s.registry.BumpMajor(r.Context(), chi.URLParam(r, "lineage"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"version": version})
}

// writeAuth guards mutating routes with a shared bearer token. An empty
// configured token disables the check for local development.
func (s *Server) writeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, recorder.ErrInvalidAgent):
		return http.StatusBadRequest
	case errors.Is(err, recorder.ErrOutOfOrder):
		return http.StatusBadRequest
	case errors.Is(err, recorder.ErrClosedTrajectory):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
