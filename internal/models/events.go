package models

import "github.com/google/uuid"

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EventMessageAppended  = "message_appended"
	EventMessageRetracted = "message_retracted"
	EventNotice           = "notice"
	EventTranscriptReset  = "transcript_reset"
)

type MessageEvent struct {
	CoachID string      `json:"coach_id"`
	Message ChatMessage `json:"message"`
}

type NoticeEvent struct {
	CoachID     string `json:"coach_id"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	WaitSeconds int    `json:"wait_seconds,omitempty"`
}

type ResetEvent struct {
	CoachID string `json:"coach_id"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ChatChannel is the Redis pub/sub channel carrying a user's chat events.
func ChatChannel(userID uuid.UUID) string {
	return "chat_updates:" + userID.String()
}
