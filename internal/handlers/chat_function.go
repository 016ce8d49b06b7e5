package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"navyk-backend/internal/middleware"
	"navyk-backend/internal/models"
	"navyk-backend/internal/services"
)

type coachStreamer interface {
	Stream(ctx context.Context, coachID string, turns []models.ChatTurn, emit func(string) error) error
}

type allowanceMeter interface {
	Consume(ctx context.Context, userID uuid.UUID) (int, error)
}

// ChatFunctionHandler is the remote chat function: it answers a transcript
// as a coach and streams the reply as server-sent events.
type ChatFunctionHandler struct {
	streamer  coachStreamer
	allowance allowanceMeter
	coaches   coachCatalog
	log       *zap.Logger
}

func NewChatFunctionHandler(streamer coachStreamer, allowance allowanceMeter, coaches coachCatalog, log *zap.Logger) *ChatFunctionHandler {
	return &ChatFunctionHandler{
		streamer:  streamer,
		allowance: allowance,
		coaches:   coaches,
		log:       log,
	}
}

func (h *ChatFunctionHandler) CoachChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatFunctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", err.Error(), r))
		return
	}
	if _, err := h.coaches.Lookup(req.CoachID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("UNKNOWN_COACH", "Unknown coach", r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	log := h.log.With(zap.String("user_id", userID.String()), zap.String("coach_id", req.CoachID))
	if req.SessionID != nil {
		log = log.With(zap.String("session_id", *req.SessionID))
	}

	remaining, err := h.allowance.Consume(r.Context(), userID)
	switch {
	case errors.Is(err, services.ErrAllowanceExhausted):
		writeJSON(w, http.StatusPaymentRequired, errorResp("PAYMENT_REQUIRED", "Monthly coaching allowance used up", r))
		return
	case err != nil:
		log.Warn("allowance check failed, continuing", zap.Error(err))
	case remaining >= 0:
		w.Header().Set("X-Allowance-Remaining", strconv.Itoa(remaining))
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Streaming unsupported", r))
		return
	}

	// Headers go out with the first fragment so that a model failure before
	// any output can still be reported as an error status.
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
	}

	emit := func(fragment string) error {
		start()
		data, err := json.Marshal(models.NewStreamDelta(fragment))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err = h.streamer.Stream(r.Context(), req.CoachID, req.Messages, emit)
	if err != nil {
		if !started {
			log.Error("coach reply failed", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, errorResp("UPSTREAM_ERROR", "Coach is unavailable", r))
			return
		}
		// Mid-stream failure: end the stream without the sentinel.
		log.Warn("coach reply interrupted", zap.Error(err))
		fmt.Fprint(w, ": error\n\n")
		flusher.Flush()
		return
	}

	start()
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
