package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"navyk-backend/internal/chat"
	"navyk-backend/internal/middleware"
	"navyk-backend/internal/models"
	"navyk-backend/internal/services"
)

type pipelineRegistry interface {
	Get(ctx context.Context, userID uuid.UUID, coachID string) (*chat.Pipeline, error)
}

type sessionLister interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.ChatSessionSummary, error)
}

type coachCatalog interface {
	Lookup(id string) (services.Coach, error)
	List() []services.Coach
}

// ChatHandler exposes a user's coach conversations. Turns run in the
// background; progress is pushed over the WebSocket hub.
type ChatHandler struct {
	pipelines pipelineRegistry
	sessions  sessionLister
	coaches   coachCatalog
	log       *zap.Logger
}

func NewChatHandler(pipelines pipelineRegistry, sessions sessionLister, coaches coachCatalog, log *zap.Logger) *ChatHandler {
	return &ChatHandler{
		pipelines: pipelines,
		sessions:  sessions,
		coaches:   coaches,
		log:       log,
	}
}

func (h *ChatHandler) ListCoaches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coaches.List())
}

// pipeline resolves the {coachId} pipeline of the caller, writing an error
// response and returning nil when it cannot.
func (h *ChatHandler) pipeline(w http.ResponseWriter, r *http.Request) *chat.Pipeline {
	coachID := chi.URLParam(r, "coachId")
	if _, err := h.coaches.Lookup(coachID); err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Coach not found", r))
		return nil
	}

	p, err := h.pipelines.Get(r.Context(), middleware.GetUserID(r.Context()), coachID)
	if err != nil {
		h.log.Warn("chat pipeline unavailable", zap.String("coach_id", coachID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResp("UNAVAILABLE", "Chat is unavailable right now", r))
		return nil
	}
	return p
}

func transcript(p *chat.Pipeline) models.TranscriptResponse {
	msgs := p.Messages()
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	return models.TranscriptResponse{
		CoachID:   p.CoachID(),
		SessionID: p.SessionID(),
		InFlight:  p.InFlight(),
		Messages:  msgs,
	}
}

func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	p := h.pipeline(w, r)
	if p == nil {
		return
	}
	writeJSON(w, http.StatusOK, transcript(p))
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	p := h.pipeline(w, r)
	if p == nil {
		return
	}

	err := p.Submit(req.Content)
	var admission *chat.AdmissionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, transcript(p))
	case errors.Is(err, chat.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Message is required", r))
	case errors.Is(err, chat.ErrTurnInFlight):
		writeJSON(w, http.StatusConflict, errorResp("TURN_IN_FLIGHT", "Your coach is still answering", r))
	case errors.As(err, &admission):
		w.Header().Set("Retry-After", strconv.Itoa(admission.WaitSeconds))
		writeJSON(w, http.StatusTooManyRequests, errorResp("RATE_LIMITED",
			"You're sending messages too quickly. Please wait "+strconv.Itoa(admission.WaitSeconds)+" seconds.", r))
	default:
		writeJSON(w, http.StatusServiceUnavailable, errorResp("UNAVAILABLE", "Chat is unavailable right now", r))
	}
}

// ResetMessages clears the visible transcript. Persisted sessions are kept
// and the next message starts a new one.
func (h *ChatHandler) ResetMessages(w http.ResponseWriter, r *http.Request) {
	p := h.pipeline(w, r)
	if p == nil {
		return
	}
	p.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := h.sessions.ListByUser(r.Context(), middleware.GetUserID(r.Context()), limit)
	if err != nil {
		h.log.Error("failed to list chat sessions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load sessions", r))
		return
	}
	if sessions == nil {
		sessions = []models.ChatSessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}
