package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"navyk-backend/internal/models"
)

const memoryDSN = ":memory:"

// SQLiteChatSessionRepo stores chat sessions in a local SQLite file. It backs
// the terminal client, which runs without Postgres.
type SQLiteChatSessionRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteChatSessionRepo opens (creating if needed) the database at path.
// Pass ":memory:" for a throwaway store.
func NewSQLiteChatSessionRepo(path string) (*SQLiteChatSessionRepo, error) {
	dsn := memoryDSN
	if path != memoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps writes serialized and in-memory databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &SQLiteChatSessionRepo{db: db, now: time.Now}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteChatSessionRepo) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		coach_id TEXT NOT NULL,
		messages TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user_coach ON chat_sessions(user_id, coach_id, updated_at);
	`)
	return err
}

func (r *SQLiteChatSessionRepo) Close() error {
	return r.db.Close()
}

func (r *SQLiteChatSessionRepo) FindLatest(ctx context.Context, userID uuid.UUID, coachID string) (*models.ChatSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, messages, created_at, updated_at
		FROM chat_sessions
		WHERE user_id = ? AND coach_id = ?
		ORDER BY updated_at DESC
		LIMIT 1`, userID.String(), coachID)

	var (
		id                   string
		messages             string
		createdAt, updatedAt int64
	)
	err := row.Scan(&id, &messages, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}

	sessionID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse chat session id: %w", err)
	}

	return &models.ChatSession{
		ID:           sessionID,
		UserID:       userID,
		CoachID:      coachID,
		MessagesJSON: []byte(messages),
		CreatedAt:    time.Unix(0, createdAt).UTC(),
		UpdatedAt:    time.Unix(0, updatedAt).UTC(),
	}, nil
}

func (r *SQLiteChatSessionRepo) Create(ctx context.Context, userID uuid.UUID, coachID string) (uuid.UUID, error) {
	id := uuid.New()
	now := r.now().UnixNano()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, coach_id, messages, created_at, updated_at)
		VALUES (?, ?, ?, '[]', ?, ?)`,
		id.String(), userID.String(), coachID, now, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert chat session: %w", err)
	}
	return id, nil
}

func (r *SQLiteChatSessionRepo) UpdateMessages(ctx context.Context, sessionID uuid.UUID, msgs []models.ChatMessage, updatedAt time.Time) error {
	raw, err := models.EncodeChatMessages(msgs)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE chat_sessions SET messages = ?, updated_at = ? WHERE id = ?`,
		string(raw), updatedAt.UnixNano(), sessionID.String())
	if err != nil {
		return fmt.Errorf("update chat session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("chat session %s not found", sessionID)
	}
	return nil
}

func (r *SQLiteChatSessionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.ChatSessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, coach_id, updated_at
		FROM chat_sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?`, userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ChatSessionSummary
	for rows.Next() {
		var (
			id        string
			s         models.ChatSessionSummary
			updatedAt int64
		)
		if err := rows.Scan(&id, &s.CoachID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse chat session id: %w", err)
		}
		s.UpdatedAt = time.Unix(0, updatedAt).UTC()
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
