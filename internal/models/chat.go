package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatMessage represents a single message in a coach conversation.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession is the persisted (user, coach) conversation record.
type ChatSession struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	CoachID      string          `json:"coach_id"`
	MessagesJSON json.RawMessage `json:"messages"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// storedMessage is the persisted shape. Timestamp stays a string so a
// missing or malformed value can fall back instead of failing the decode.
type storedMessage struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// DecodeChatMessages parses a persisted message list. Missing or unparsable
// timestamps default to now; entries with an unknown role or no content are
// skipped.
func DecodeChatMessages(raw json.RawMessage, now time.Time) ([]ChatMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var stored []storedMessage
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode chat messages: %w", err)
	}

	msgs := make([]ChatMessage, 0, len(stored))
	for _, s := range stored {
		if !s.Role.Valid() || s.Content == "" {
			continue
		}
		ts := now
		if s.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, s.Timestamp); err == nil {
				ts = parsed
			}
		}
		msgs = append(msgs, ChatMessage{Role: s.Role, Content: s.Content, Timestamp: ts})
	}
	return msgs, nil
}

// EncodeChatMessages serializes messages in insertion order.
func EncodeChatMessages(msgs []ChatMessage) (json.RawMessage, error) {
	stored := make([]storedMessage, len(msgs))
	for i, m := range msgs {
		stored[i] = storedMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat messages: %w", err)
	}
	return data, nil
}

// ChatTurn is a message as sent to the remote chat function.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatFunctionRequest is the payload posted to the remote chat function.
type ChatFunctionRequest struct {
	Messages  []ChatTurn `json:"messages"`
	CoachID   string     `json:"coachId"`
	SessionID *string    `json:"sessionId"`
}

// Validate checks the request before it reaches the model.
func (r ChatFunctionRequest) Validate() error {
	if strings.TrimSpace(r.CoachID) == "" {
		return fmt.Errorf("coachId is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser || strings.TrimSpace(last.Content) == "" {
		return fmt.Errorf("last message must be a non-empty user turn")
	}
	for _, m := range r.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("invalid role %q", m.Role)
		}
	}
	return nil
}

// StreamDelta is one `data:` payload of the chat function's event stream.
type StreamDelta struct {
	Choices []StreamChoice `json:"choices"`
}

type StreamChoice struct {
	Delta StreamDeltaContent `json:"delta"`
}

type StreamDeltaContent struct {
	Content *string `json:"content,omitempty"`
}

// NewStreamDelta wraps a text fragment in the event-stream payload shape.
func NewStreamDelta(fragment string) StreamDelta {
	return StreamDelta{Choices: []StreamChoice{{Delta: StreamDeltaContent{Content: &fragment}}}}
}

// SendMessageRequest is the payload for submitting a user turn.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// TranscriptResponse is the visible transcript of a coach conversation.
type TranscriptResponse struct {
	CoachID   string        `json:"coach_id"`
	SessionID *uuid.UUID    `json:"session_id"`
	InFlight  bool          `json:"in_flight"`
	Messages  []ChatMessage `json:"messages"`
}

// ChatSessionSummary describes a persisted session without its messages.
type ChatSessionSummary struct {
	ID        uuid.UUID `json:"id"`
	CoachID   string    `json:"coach_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
