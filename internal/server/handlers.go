package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/stepflow/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ownerID := chi.URLParam(r, "ownerID")

	snap, err := s.store.GetSnapshot(r.Context(), ownerID)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err))
		return
	}
	if snap == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", ownerID))
		return
	}
	respondOK(w, reqID, snap)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ownerID := chi.URLParam(r, "ownerID")

	ckpts, err := s.store.ListCheckpoints(r.Context(), ownerID)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err))
		return
	}
	respondOK(w, reqID, ckpts)
}

type bestValidationResponse struct {
	Metric string   `json:"metric"`
	Value  *float64 `json:"value"`
}

func (s *Server) handleBestValidation(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ownerID := chi.URLParam(r, "ownerID")

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		respondError(w, reqID, http.StatusBadRequest,
			&model.APIError{Code: model.ErrValidation, Message: "query parameter 'metric' is required"})
		return
	}
	smaller := r.URL.Query().Get("smaller_is_better") != "false"

	best, err := s.store.BestValidation(r.Context(), ownerID, metric, smaller)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err))
		return
	}
	respondOK(w, reqID, bestValidationResponse{Metric: metric, Value: best})
}

func (s *Server) handlePreempt(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ownerID := chi.URLParam(r, "ownerID")

	gate := s.gate(ownerID)
	if gate == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", ownerID))
		return
	}
	gate.Preempt()
	s.logger.Info("preemption requested", "owner_id", ownerID, "request_id", reqID)
	respondOK(w, reqID, map[string]string{"owner_id": ownerID, "state": "preempting"})
}
