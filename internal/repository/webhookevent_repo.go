package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishloha/dispatch/internal/models"
)

// StaleProcessingAge is how long an inbound event may sit in processing
// before another worker may reclaim it.
const StaleProcessingAge = 120 * time.Second

// WebhookEventRepository is the inbound idempotency ledger. Claim is the
// whole protocol: it either admits a platform message id for processing or
// reports it as a duplicate.
type WebhookEventRepository interface {
	Claim(ctx context.Context, platformMessageID string) (*models.WebhookEvent, bool, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	GetByPlatformMessageID(ctx context.Context, platformMessageID string) (*models.WebhookEvent, error)
}

type webhookEventRepo struct {
	pool *pgxpool.Pool
}

// NewWebhookEventRepository creates a new WebhookEventRepository instance.
func NewWebhookEventRepository(pool *pgxpool.Pool) WebhookEventRepository {
	return &webhookEventRepo{pool: pool}
}

// Claim inserts the event as processing, or reclaims an existing row only
// when it failed or its processing lease went stale. The second return is
// false when the message was already handled (or is actively being handled)
// and must be dropped.
func (r *webhookEventRepo) Claim(ctx context.Context, platformMessageID string) (*models.WebhookEvent, bool, error) {
	var e models.WebhookEvent
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (platform_message_id, status)
		VALUES ($1, 'processing')
		ON CONFLICT (platform_message_id) DO UPDATE SET
			status = 'processing',
			updated_at = NOW()
		WHERE webhook_events.status = 'failed'
		   OR (webhook_events.status = 'processing'
		       AND webhook_events.updated_at < NOW() - $2::interval)
		RETURNING id, platform_message_id, status, created_at, updated_at`,
		platformMessageID, StaleProcessingAge,
	).Scan(&e.ID, &e.PlatformMessageID, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict row exists and is processed or freshly processing.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func (r *webhookEventRepo) MarkProcessed(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events SET status = 'processed', updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

func (r *webhookEventRepo) MarkFailed(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events SET status = 'failed', updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

func (r *webhookEventRepo) GetByPlatformMessageID(ctx context.Context, platformMessageID string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := r.pool.QueryRow(ctx, `
		SELECT id, platform_message_id, status, created_at, updated_at
		FROM webhook_events WHERE platform_message_id = $1`, platformMessageID,
	).Scan(&e.ID, &e.PlatformMessageID, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

var _ WebhookEventRepository = (*webhookEventRepo)(nil)
