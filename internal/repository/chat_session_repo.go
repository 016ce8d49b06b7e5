package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"navyk-backend/internal/models"
)

type ChatSessionRepo struct {
	pool *pgxpool.Pool
}

func NewChatSessionRepo(pool *pgxpool.Pool) *ChatSessionRepo {
	return &ChatSessionRepo{pool: pool}
}

// FindLatest returns the most recently updated session for the user and
// coach, or nil when the user has never talked to that coach.
func (r *ChatSessionRepo) FindLatest(ctx context.Context, userID uuid.UUID, coachID string) (*models.ChatSession, error) {
	s := &models.ChatSession{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, coach_id, messages, created_at, updated_at
		FROM chat_sessions
		WHERE user_id = $1 AND coach_id = $2
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID, coachID).Scan(
		&s.ID, &s.UserID, &s.CoachID, &s.MessagesJSON, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find chat session: %w", err)
	}
	return s, nil
}

func (r *ChatSessionRepo) Create(ctx context.Context, userID uuid.UUID, coachID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (user_id, coach_id, messages)
		VALUES ($1, $2, '[]'::jsonb)
		RETURNING id
	`, userID, coachID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create chat session: %w", err)
	}
	return id, nil
}

// UpdateMessages replaces the stored message list of a session.
func (r *ChatSessionRepo) UpdateMessages(ctx context.Context, sessionID uuid.UUID, msgs []models.ChatMessage, updatedAt time.Time) error {
	raw, err := models.EncodeChatMessages(msgs)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE chat_sessions
		SET messages = $2, updated_at = $3
		WHERE id = $1
	`, sessionID, raw, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to update chat session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat session %s not found", sessionID)
	}
	return nil
}

func (r *ChatSessionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.ChatSessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, coach_id, updated_at
		FROM chat_sessions
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ChatSessionSummary
	for rows.Next() {
		var s models.ChatSessionSummary
		if err := rows.Scan(&s.ID, &s.CoachID, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
