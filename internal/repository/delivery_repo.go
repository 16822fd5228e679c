package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishloha/dispatch/internal/models"
)

// DeliveryRepository defines shipment data access. Locking variants take a
// Querier so they run inside the caller's transaction.
type DeliveryRepository interface {
	Create(ctx context.Context, q Querier, d *models.Delivery) error
	GetByID(ctx context.Context, id int64) (*models.Delivery, error)
	GetByToken(ctx context.Context, token string) (*models.Delivery, error)
	GetByIDForUpdate(ctx context.Context, q Querier, id int64) (*models.Delivery, error)
	GetByTokenForUpdate(ctx context.Context, q Querier, token string) (*models.Delivery, error)
	MarkCaptured(ctx context.Context, q Querier, id, courierID int64, capturedAt time.Time) error
	MarkPendingApproval(ctx context.Context, q Querier, id, requestingCourierID int64) error
	UpdateStatus(ctx context.Context, q Querier, id int64, status models.DeliveryStatus, at time.Time) error
	ListOpen(ctx context.Context, limit int) ([]*models.Delivery, error)
	ListByCourier(ctx context.Context, courierID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error)
	ListBySender(ctx context.Context, senderID int64, limit int) ([]*models.Delivery, error)
	ListByStation(ctx context.Context, stationID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error)
	ListPendingApproval(ctx context.Context, stationID int64, limit int) ([]*models.Delivery, error)
}

type deliveryRepo struct {
	pool *pgxpool.Pool
}

// NewDeliveryRepository creates a new DeliveryRepository instance.
func NewDeliveryRepository(pool *pgxpool.Pool) DeliveryRepository {
	return &deliveryRepo{pool: pool}
}

const deliveryColumns = `
	id, token, sender_id, courier_id, station_id, requesting_courier_id,
	pickup_address, pickup_lat, pickup_lng, pickup_contact_name, pickup_contact_phone,
	dropoff_address, dropoff_lat, dropoff_lng, dropoff_contact_name, dropoff_contact_phone,
	status, fee, notes, created_at, captured_at, delivered_at, cancelled_at`

func scanDelivery(row pgx.Row) (*models.Delivery, error) {
	var d models.Delivery
	err := row.Scan(
		&d.ID, &d.Token, &d.SenderID, &d.CourierID, &d.StationID, &d.RequestingCourierID,
		&d.PickupAddress, &d.PickupLat, &d.PickupLng, &d.PickupContactName, &d.PickupContactPhone,
		&d.DropoffAddress, &d.DropoffLat, &d.DropoffLng, &d.DropoffContactName, &d.DropoffContactPhone,
		&d.Status, &d.Fee, &d.Notes, &d.CreatedAt, &d.CapturedAt, &d.DeliveredAt, &d.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *deliveryRepo) Create(ctx context.Context, q Querier, d *models.Delivery) error {
	query := `
		INSERT INTO deliveries (
			token, sender_id, station_id,
			pickup_address, pickup_lat, pickup_lng, pickup_contact_name, pickup_contact_phone,
			dropoff_address, dropoff_lat, dropoff_lng, dropoff_contact_name, dropoff_contact_phone,
			status, fee, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at`

	return q.QueryRow(ctx, query,
		d.Token, d.SenderID, d.StationID,
		d.PickupAddress, d.PickupLat, d.PickupLng, d.PickupContactName, d.PickupContactPhone,
		d.DropoffAddress, d.DropoffLat, d.DropoffLng, d.DropoffContactName, d.DropoffContactPhone,
		d.Status, d.Fee, d.Notes,
	).Scan(&d.ID, &d.CreatedAt)
}

func (r *deliveryRepo) GetByID(ctx context.Context, id int64) (*models.Delivery, error) {
	return scanDelivery(r.pool.QueryRow(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
}

func (r *deliveryRepo) GetByToken(ctx context.Context, token string) (*models.Delivery, error) {
	return scanDelivery(r.pool.QueryRow(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries WHERE token = $1`, token))
}

// GetByIDForUpdate acquires the delivery row lock inside the caller's
// transaction. Every capture/transition path must come through here.
func (r *deliveryRepo) GetByIDForUpdate(ctx context.Context, q Querier, id int64) (*models.Delivery, error) {
	return scanDelivery(q.QueryRow(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries WHERE id = $1 FOR UPDATE`, id))
}

func (r *deliveryRepo) GetByTokenForUpdate(ctx context.Context, q Querier, token string) (*models.Delivery, error) {
	return scanDelivery(q.QueryRow(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries WHERE token = $1 FOR UPDATE`, token))
}

func (r *deliveryRepo) MarkCaptured(ctx context.Context, q Querier, id, courierID int64, capturedAt time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE deliveries
		SET status = $2, courier_id = $3, captured_at = $4
		WHERE id = $1`,
		id, models.DeliveryCaptured, courierID, capturedAt)
	return err
}

func (r *deliveryRepo) MarkPendingApproval(ctx context.Context, q Querier, id, requestingCourierID int64) error {
	_, err := q.Exec(ctx, `
		UPDATE deliveries
		SET status = $2, requesting_courier_id = $3
		WHERE id = $1`,
		id, models.DeliveryPendingApproval, requestingCourierID)
	return err
}

// UpdateStatus writes the status and stamps the matching timestamp column.
func (r *deliveryRepo) UpdateStatus(ctx context.Context, q Querier, id int64, status models.DeliveryStatus, at time.Time) error {
	var col string
	switch status {
	case models.DeliveryDelivered:
		col = "delivered_at"
	case models.DeliveryCancelled:
		col = "cancelled_at"
	default:
		_, err := q.Exec(ctx,
			`UPDATE deliveries SET status = $2 WHERE id = $1`, id, status)
		return err
	}
	_, err := q.Exec(ctx,
		`UPDATE deliveries SET status = $2, `+col+` = $3 WHERE id = $1`, id, status, at)
	return err
}

func (r *deliveryRepo) ListOpen(ctx context.Context, limit int) ([]*models.Delivery, error) {
	return r.list(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries
		 WHERE status = 'OPEN' ORDER BY created_at LIMIT $1`, limit)
}

func (r *deliveryRepo) ListByCourier(ctx context.Context, courierID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error) {
	return r.list(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries
		 WHERE courier_id = $1 AND status = ANY($2)
		 ORDER BY created_at DESC LIMIT $3`, courierID, statuses, limit)
}

func (r *deliveryRepo) ListBySender(ctx context.Context, senderID int64, limit int) ([]*models.Delivery, error) {
	return r.list(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries
		 WHERE sender_id = $1 ORDER BY created_at DESC LIMIT $2`, senderID, limit)
}

func (r *deliveryRepo) ListByStation(ctx context.Context, stationID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error) {
	return r.list(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries
		 WHERE station_id = $1 AND status = ANY($2)
		 ORDER BY created_at DESC LIMIT $3`, stationID, statuses, limit)
}

func (r *deliveryRepo) ListPendingApproval(ctx context.Context, stationID int64, limit int) ([]*models.Delivery, error) {
	return r.list(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries
		 WHERE station_id = $1 AND status = 'PENDING_APPROVAL'
		 ORDER BY created_at LIMIT $2`, stationID, limit)
}

func (r *deliveryRepo) list(ctx context.Context, query string, args ...any) ([]*models.Delivery, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Delivery
	for rows.Next() {
		var d models.Delivery
		if err := rows.Scan(
			&d.ID, &d.Token, &d.SenderID, &d.CourierID, &d.StationID, &d.RequestingCourierID,
			&d.PickupAddress, &d.PickupLat, &d.PickupLng, &d.PickupContactName, &d.PickupContactPhone,
			&d.DropoffAddress, &d.DropoffLat, &d.DropoffLng, &d.DropoffContactName, &d.DropoffContactPhone,
			&d.Status, &d.Fee, &d.Notes, &d.CreatedAt, &d.CapturedAt, &d.DeliveredAt, &d.CancelledAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

var _ DeliveryRepository = (*deliveryRepo)(nil)
