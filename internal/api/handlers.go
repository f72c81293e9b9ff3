package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/persistence"
	"github.com/terra-clan/research-engine/internal/session"
	"github.com/terra-clan/research-engine/internal/storage"
	"github.com/terra-clan/research-engine/internal/submit"
)

const maxBodyBytes = 1 << 20

// Response helpers

type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// respondServiceError maps domain errors onto HTTP statuses
func respondServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, persistence.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, storage.ErrParticipantNotFound):
		respondError(w, http.StatusNotFound, "participant_not_found", "participant not found")
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, storage.ErrDuplicateResult):
		respondError(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, submit.ErrOffline):
		respondError(w, http.StatusConflict, "offline", "session has no participant; results are kept locally")
	default:
		slog.Error("request failed", "action", action, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}

// decodeJSON reads a typed body; unknown fields are rejected.
// An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func participantIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "participant id must be a positive integer")
		return 0, false
	}
	return id, true
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.studies.Current() == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "study not loaded")
		return
	}

	report := s.health.CheckAll(r.Context())
	if !report.Healthy {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service not ready")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report := s.health.CheckAll(r.Context())

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, map[string]any{
		"healthy":         report.Healthy,
		"checks":          report.Checks,
		"active_sessions": s.sessions.Count(),
	})
}

// Study

func (s *Server) handleGetStudy(w http.ResponseWriter, r *http.Request) {
	st := s.studies.Current()
	if st == nil {
		respondError(w, http.StatusServiceUnavailable, "study_not_loaded", "study not loaded")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// Participant data

func (s *Server) handleCreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req models.CreateParticipantRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}

	p, err := s.store.CreateParticipant(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "create participant")
		return
	}

	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleSaveDemographic(w http.ResponseWriter, r *http.Request) {
	var req models.SaveDemographicRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	d, err := s.store.SaveDemographic(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "save demographic")
		return
	}

	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleSaveQuestionnaire(w http.ResponseWriter, r *http.Request) {
	var req models.SaveQuestionnaireRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	q, err := s.store.SaveQuestionnaire(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "save questionnaire")
		return
	}

	respondJSON(w, http.StatusOK, q)
}

func (s *Server) handleSaveResults(w http.ResponseWriter, r *http.Request) {
	var req models.SaveResultsRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	resp, err := s.store.SaveResults(r.Context(), req)
	if err != nil {
		respondServiceError(w, err, "save results")
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Admin reads

func (s *Server) handleAdminGetParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := participantIDParam(w, r)
	if !ok {
		return
	}

	p, err := s.store.GetParticipant(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "get participant")
		return
	}
	if p == nil {
		respondError(w, http.StatusNotFound, "participant_not_found", "participant not found")
		return
	}

	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleAdminGetDemographic(w http.ResponseWriter, r *http.Request) {
	id, ok := participantIDParam(w, r)
	if !ok {
		return
	}

	d, err := s.store.GetDemographic(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "get demographic")
		return
	}
	if d == nil {
		respondError(w, http.StatusNotFound, "not_found", "demographic not found")
		return
	}

	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleAdminGetQuestionnaire(w http.ResponseWriter, r *http.Request) {
	id, ok := participantIDParam(w, r)
	if !ok {
		return
	}

	q, err := s.store.GetQuestionnaire(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "get questionnaire")
		return
	}
	if q == nil {
		respondError(w, http.StatusNotFound, "not_found", "questionnaire not found")
		return
	}

	respondJSON(w, http.StatusOK, q)
}

func (s *Server) handleAdminListResults(w http.ResponseWriter, r *http.Request) {
	id, ok := participantIDParam(w, r)
	if !ok {
		return
	}

	results, err := s.store.ListResults(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, "list results")
		return
	}
	if results == nil {
		results = []*models.TrialResult{}
	}

	respondJSON(w, http.StatusOK, results)
}
