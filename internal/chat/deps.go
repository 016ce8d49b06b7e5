package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"navyk-backend/internal/models"
)

// SessionStore persists chat sessions keyed by (user, coach).
type SessionStore interface {
	// FindLatest returns the most recently updated session, or nil if none.
	FindLatest(ctx context.Context, userID uuid.UUID, coachID string) (*models.ChatSession, error)
	Create(ctx context.Context, userID uuid.UUID, coachID string) (uuid.UUID, error)
	UpdateMessages(ctx context.Context, sessionID uuid.UUID, msgs []models.ChatMessage, updatedAt time.Time) error
}

// CredentialProvider yields the bearer credential of the current auth context.
type CredentialProvider interface {
	BearerToken(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) BearerToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns the same credential.
type StaticToken string

func (t StaticToken) BearerToken(context.Context) (string, error) {
	return string(t), nil
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type NoticeKind string

const (
	NoticeAdmissionDenied NoticeKind = "admission_denied"
	NoticeRateLimited     NoticeKind = "rate_limited"
	NoticePaymentRequired NoticeKind = "payment_required"
	NoticeTimeout         NoticeKind = "timeout"
	NoticeFailed          NoticeKind = "failed"
)

// Notice is a user-visible notification raised by the pipeline.
type Notice struct {
	CoachID     string
	Kind        NoticeKind
	Message     string
	WaitSeconds int
}

// Notifier receives user-visible notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Observer is told about every change to the visible transcript.
type Observer interface {
	MessageAppended(ctx context.Context, coachID string, msg models.ChatMessage)
	MessageRetracted(ctx context.Context, coachID string, msg models.ChatMessage)
	TranscriptReset(ctx context.Context, coachID string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notice) {}

type nopObserver struct{}

func (nopObserver) MessageAppended(context.Context, string, models.ChatMessage)  {}
func (nopObserver) MessageRetracted(context.Context, string, models.ChatMessage) {}
func (nopObserver) TranscriptReset(context.Context, string)                      {}
