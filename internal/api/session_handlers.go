package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/research-engine/internal/session"
	"github.com/terra-clan/research-engine/internal/submit"
)

type createSessionRequest struct {
	ParticipantID *int64 `json:"participant_id"`
}

type itemRequest struct {
	Item string `json:"item"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}

	if req.ParticipantID != nil {
		p, err := s.store.GetParticipant(r.Context(), *req.ParticipantID)
		if err != nil {
			respondServiceError(w, err, "create session")
			return
		}
		if p == nil {
			respondError(w, http.StatusNotFound, "participant_not_found", "participant not found")
			return
		}
	}

	sess, err := s.sessions.Create(req.ParticipantID)
	if err != nil {
		if errors.Is(err, session.ErrStudyNotLoaded) {
			respondError(w, http.StatusServiceUnavailable, "study_not_loaded", "study not loaded")
			return
		}
		respondServiceError(w, err, "create session")
		return
	}

	respondJSON(w, http.StatusCreated, sess.Snapshot())
}

// withSession resolves {id} or answers 404
func (s *Server) withSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err, "get session")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.withSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.Snapshot())
}

// Actions that do not apply (full quota, unknown item, interstitial shown,
// finished session) are no-ops; the response always carries the current state.

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	s.itemAction(w, r, (*session.Session).SelectItem)
}

func (s *Server) handleDeselect(w http.ResponseWriter, r *http.Request) {
	s.itemAction(w, r, (*session.Session).DeselectItem)
}

func (s *Server) itemAction(w http.ResponseWriter, r *http.Request, apply func(*session.Session, string) bool) {
	sess, ok := s.withSession(w, r)
	if !ok {
		return
	}

	var req itemRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Item) == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "item is required")
		return
	}

	apply(sess, req.Item)
	respondJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, (*session.Session).Acknowledge)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, (*session.Session).ForceAdvance)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, (*session.Session).Reset)
}

func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, apply func(*session.Session) bool) {
	sess, ok := s.withSession(w, r)
	if !ok {
		return
	}

	apply(sess)
	respondJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) submissionStatus(sess *session.Session) submit.Status {
	if st, ok := s.recorder.Status(sess.ID()); ok {
		return st
	}

	st := submit.Status{
		SessionID:     sess.ID(),
		ParticipantID: sess.ParticipantID(),
		State:         submit.StateIdle,
		UpdatedAt:     sess.LastActivity(),
	}
	if st.ParticipantID == nil {
		st.State = submit.StateOffline
	}
	return st
}

func (s *Server) handleSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.withSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.submissionStatus(sess))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.withSession(w, r)
	if !ok {
		return
	}

	_, err := s.recorder.Retry(r.Context(), sess.ID())
	switch {
	case err == nil, errors.Is(err, submit.ErrUnknownSession):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Interrupted by a reset, close or timeout; unconfirmed results stay cached
		slog.Info("flush interrupted", "session_id", sess.ID(), "error", err)
	default:
		respondServiceError(w, err, "flush results")
		return
	}

	respondJSON(w, http.StatusOK, s.submissionStatus(sess))
}
