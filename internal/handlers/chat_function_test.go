package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"navyk-backend/internal/chat"
	"navyk-backend/internal/middleware"
	"navyk-backend/internal/models"
	"navyk-backend/internal/services"
)

type fakeStreamer struct {
	mu        sync.Mutex
	fragments []string
	err       error
	errAfter  int
	gate      chan struct{}
	calls     []streamCall
}

type streamCall struct {
	coachID string
	turns   []models.ChatTurn
}

func (f *fakeStreamer) Stream(ctx context.Context, coachID string, turns []models.ChatTurn, emit func(string) error) error {
	f.mu.Lock()
	f.calls = append(f.calls, streamCall{coachID: coachID, turns: turns})
	fragments, streamErr, errAfter, gate := f.fragments, f.err, f.errAfter, f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for i, fragment := range fragments {
		if streamErr != nil && i == errAfter {
			return streamErr
		}
		if err := emit(fragment); err != nil {
			return err
		}
	}
	return streamErr
}

func (f *fakeStreamer) lastCall() streamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeAllowance struct {
	remaining int
	err       error
}

func (f fakeAllowance) Consume(context.Context, uuid.UUID) (int, error) {
	return f.remaining, f.err
}

func postChatFunction(t *testing.T, h *ChatFunctionHandler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/functions/coach-chat", bytes.NewReader(data))
	req = req.WithContext(middleware.WithUserID(req.Context(), uuid.New()))
	rec := httptest.NewRecorder()
	h.CoachChat(rec, req)
	return rec
}

func validFunctionRequest() models.ChatFunctionRequest {
	sid := uuid.NewString()
	return models.ChatFunctionRequest{
		Messages:  []models.ChatTurn{{Role: models.RoleUser, Content: "Hi"}},
		CoachID:   "career",
		SessionID: &sid,
	}
}

func parseStream(body string) (string, bool) {
	p := chat.NewStreamParser(nil)
	var b strings.Builder
	for _, f := range p.Feed([]byte(body)) {
		b.WriteString(f)
	}
	for _, f := range p.Flush() {
		b.WriteString(f)
	}
	return b.String(), p.Done()
}

func TestCoachChat_StreamsReply(t *testing.T) {
	streamer := &fakeStreamer{fragments: []string{"Hello! ", "How can I help ", "you today?"}}
	h := NewChatFunctionHandler(streamer, fakeAllowance{remaining: 41}, services.NewCoachCatalog(), zap.NewNop())

	rec := postChatFunction(t, h, validFunctionRequest())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "41", rec.Header().Get("X-Allowance-Remaining"))

	text, done := parseStream(rec.Body.String())
	assert.Equal(t, "Hello! How can I help you today?", text)
	assert.True(t, done)

	call := streamer.lastCall()
	assert.Equal(t, "career", call.coachID)
	assert.Equal(t, []models.ChatTurn{{Role: models.RoleUser, Content: "Hi"}}, call.turns)
}

func TestCoachChat_RejectsInvalidRequests(t *testing.T) {
	h := NewChatFunctionHandler(&fakeStreamer{}, fakeAllowance{}, services.NewCoachCatalog(), zap.NewNop())

	noMessages := validFunctionRequest()
	noMessages.Messages = nil
	unknownCoach := validFunctionRequest()
	unknownCoach.CoachID = "astrology"
	assistantLast := validFunctionRequest()
	assistantLast.Messages = append(assistantLast.Messages, models.ChatTurn{Role: models.RoleAssistant, Content: "Hello"})

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"not an object", "nope", "VALIDATION_ERROR"},
		{"no messages", noMessages, "VALIDATION_ERROR"},
		{"assistant last", assistantLast, "VALIDATION_ERROR"},
		{"unknown coach", unknownCoach, "UNKNOWN_COACH"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postChatFunction(t, h, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp models.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestCoachChat_AllowanceExhausted(t *testing.T) {
	streamer := &fakeStreamer{fragments: []string{"never sent"}}
	h := NewChatFunctionHandler(streamer, fakeAllowance{err: services.ErrAllowanceExhausted}, services.NewCoachCatalog(), zap.NewNop())

	rec := postChatFunction(t, h, validFunctionRequest())

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Empty(t, streamer.calls)
}

func TestCoachChat_AllowanceBackendDownStillAnswers(t *testing.T) {
	streamer := &fakeStreamer{fragments: []string{"Still here."}}
	h := NewChatFunctionHandler(streamer, fakeAllowance{err: errors.New("redis down")}, services.NewCoachCatalog(), zap.NewNop())

	rec := postChatFunction(t, h, validFunctionRequest())

	assert.Equal(t, http.StatusOK, rec.Code)
	text, _ := parseStream(rec.Body.String())
	assert.Equal(t, "Still here.", text)
}

func TestCoachChat_UpstreamFailureBeforeOutput(t *testing.T) {
	streamer := &fakeStreamer{err: errors.New("quota exceeded")}
	h := NewChatFunctionHandler(streamer, fakeAllowance{}, services.NewCoachCatalog(), zap.NewNop())

	rec := postChatFunction(t, h, validFunctionRequest())

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestCoachChat_UpstreamFailureMidStreamOmitsSentinel(t *testing.T) {
	streamer := &fakeStreamer{fragments: []string{"Partial ", "answer"}, err: errors.New("connection reset"), errAfter: 1}
	h := NewChatFunctionHandler(streamer, fakeAllowance{}, services.NewCoachCatalog(), zap.NewNop())

	rec := postChatFunction(t, h, validFunctionRequest())

	assert.Equal(t, http.StatusOK, rec.Code)
	text, done := parseStream(rec.Body.String())
	assert.Equal(t, "Partial ", text)
	assert.False(t, done)
}
