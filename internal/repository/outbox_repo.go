package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishloha/dispatch/internal/models"
)

// OutboxRepository defines transactional outbox access. Enqueue runs in the
// caller's transaction; the lease/complete cycle is pool-backed and relies on
// FOR UPDATE SKIP LOCKED so competing workers never double-send a row.
type OutboxRepository interface {
	Enqueue(ctx context.Context, q Querier, msg *models.OutboxMessage) error
	LeaseBatch(ctx context.Context, batchSize int) ([]*models.OutboxMessage, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	ScheduleRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastError string) error
	GetByID(ctx context.Context, id int64) (*models.OutboxMessage, error)
	ListByStatus(ctx context.Context, status models.OutboxStatus, limit int) ([]*models.OutboxMessage, error)
	SummaryByStatus(ctx context.Context) (map[models.OutboxStatus]int, error)
	RetryFailed(ctx context.Context, id int64) (bool, error)
}

type outboxRepo struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository creates a new OutboxRepository instance.
func NewOutboxRepository(pool *pgxpool.Pool) OutboxRepository {
	return &outboxRepo{pool: pool}
}

const outboxColumns = `
	id, platform, recipient_id, message_type, message_content, status,
	retry_count, max_retries, station_id, correlation_id, last_error,
	created_at, processed_at, next_retry_at`

func scanOutbox(row pgx.Row) (*models.OutboxMessage, error) {
	var (
		m       models.OutboxMessage
		content []byte
		lastErr *string
	)
	err := row.Scan(
		&m.ID, &m.Platform, &m.RecipientID, &m.MessageType, &content, &m.Status,
		&m.RetryCount, &m.MaxRetries, &m.StationID, &m.CorrelationID, &lastErr,
		&m.CreatedAt, &m.ProcessedAt, &m.NextRetryAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &m.Content); err != nil {
		return nil, err
	}
	if lastErr != nil {
		m.LastError = *lastErr
	}
	return &m, nil
}

func (r *outboxRepo) Enqueue(ctx context.Context, q Querier, msg *models.OutboxMessage) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return err
	}
	if msg.Status == "" {
		msg.Status = models.OutboxPending
	}
	return q.QueryRow(ctx, `
		INSERT INTO outbox_messages (
			platform, recipient_id, message_type, message_content, status,
			max_retries, station_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		msg.Platform, msg.RecipientID, msg.MessageType, content, msg.Status,
		msg.MaxRetries, msg.StationID, msg.CorrelationID,
	).Scan(&msg.ID, &msg.CreatedAt)
}

// LeaseBatch claims up to batchSize due pending rows and flips them to
// processing in one statement. SKIP LOCKED keeps concurrent workers from
// blocking on each other's claims.
func (r *outboxRepo) LeaseBatch(ctx context.Context, batchSize int) ([]*models.OutboxMessage, error) {
	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox_messages
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages o
		SET status = 'processing'
		FROM due
		WHERE o.id = due.id
		RETURNING
			o.id, o.platform, o.recipient_id, o.message_type, o.message_content, o.status,
			o.retry_count, o.max_retries, o.station_id, o.correlation_id, o.last_error,
			o.created_at, o.processed_at, o.next_retry_at`, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutbox(rows)
}

func collectOutbox(rows pgx.Rows) ([]*models.OutboxMessage, error) {
	var out []*models.OutboxMessage
	for rows.Next() {
		var (
			m       models.OutboxMessage
			content []byte
			lastErr *string
		)
		if err := rows.Scan(
			&m.ID, &m.Platform, &m.RecipientID, &m.MessageType, &content, &m.Status,
			&m.RetryCount, &m.MaxRetries, &m.StationID, &m.CorrelationID, &lastErr,
			&m.CreatedAt, &m.ProcessedAt, &m.NextRetryAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(content, &m.Content); err != nil {
			return nil, err
		}
		if lastErr != nil {
			m.LastError = *lastErr
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *outboxRepo) MarkSent(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', processed_at = NOW(), last_error = ''
		WHERE id = $1`, id)
	return err
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed', processed_at = NOW(), last_error = $2
		WHERE id = $1`, id, lastError)
	return err
}

func (r *outboxRepo) ScheduleRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', retry_count = $2, next_retry_at = $3, last_error = $4
		WHERE id = $1`, id, retryCount, nextRetryAt, lastError)
	return err
}

func (r *outboxRepo) GetByID(ctx context.Context, id int64) (*models.OutboxMessage, error) {
	return scanOutbox(r.pool.QueryRow(ctx,
		`SELECT`+outboxColumns+` FROM outbox_messages WHERE id = $1`, id))
}

func (r *outboxRepo) ListByStatus(ctx context.Context, status models.OutboxStatus, limit int) ([]*models.OutboxMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+outboxColumns+` FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutbox(rows)
}

func (r *outboxRepo) SummaryByStatus(ctx context.Context) (map[models.OutboxStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.OutboxStatus]int)
	for rows.Next() {
		var (
			status models.OutboxStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// RetryFailed requeues a failed row with its retry counter reset. Returns
// false when the row does not exist or is not failed.
func (r *outboxRepo) RetryFailed(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, last_error = ''
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

var _ OutboxRepository = (*outboxRepo)(nil)
