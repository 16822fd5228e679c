package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishloha/dispatch/internal/models"
)

// SessionRepository defines conversation session persistence. One session per
// (user, platform); the context payload is stored as JSONB.
type SessionRepository interface {
	Get(ctx context.Context, userID int64, platform models.Platform) (*models.ConversationSession, error)
	Upsert(ctx context.Context, s *models.ConversationSession) error
	Delete(ctx context.Context, userID int64, platform models.Platform) error
}

type sessionRepo struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository instance.
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepo{pool: pool}
}

func (r *sessionRepo) Get(ctx context.Context, userID int64, platform models.Platform) (*models.ConversationSession, error) {
	var (
		s       models.ConversationSession
		rawData []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, platform, current_state, context_data, updated_at, last_activity_at
		FROM conversation_sessions
		WHERE user_id = $1 AND platform = $2`, userID, platform,
	).Scan(&s.UserID, &s.Platform, &s.CurrentState, &rawData, &s.UpdatedAt, &s.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(rawData) > 0 {
		if err := json.Unmarshal(rawData, &s.ContextData); err != nil {
			return nil, err
		}
	}
	if s.ContextData == nil {
		s.ContextData = make(map[string]any)
	}
	return &s, nil
}

func (r *sessionRepo) Upsert(ctx context.Context, s *models.ConversationSession) error {
	data, err := json.Marshal(s.ContextData)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO conversation_sessions (user_id, platform, current_state, context_data, last_activity_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, platform) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			context_data = EXCLUDED.context_data,
			updated_at = NOW(),
			last_activity_at = NOW()
		RETURNING updated_at, last_activity_at`,
		s.UserID, s.Platform, s.CurrentState, data,
	).Scan(&s.UpdatedAt, &s.LastActivityAt)
}

func (r *sessionRepo) Delete(ctx context.Context, userID int64, platform models.Platform) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM conversation_sessions WHERE user_id = $1 AND platform = $2`,
		userID, platform)
	return err
}

var _ SessionRepository = (*sessionRepo)(nil)
