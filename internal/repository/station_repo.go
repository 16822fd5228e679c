package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
)

// StationRepository defines station, membership, blacklist and audit access.
type StationRepository interface {
	Create(ctx context.Context, station *models.Station) error
	GetByID(ctx context.Context, id int64) (*models.Station, error)
	GetByGroupChatID(ctx context.Context, groupChatID string) (*models.Station, error)
	List(ctx context.Context) ([]*models.Station, error)
	SetGroupChatID(ctx context.Context, stationID int64, groupChatID *string) error

	AddDispatcher(ctx context.Context, d *models.StationDispatcher) error
	RemoveDispatcher(ctx context.Context, stationID, userID int64) error
	IsDispatcher(ctx context.Context, stationID, userID int64) (bool, error)
	ListDispatchers(ctx context.Context, stationID int64) ([]*models.StationDispatcher, error)
	ListDispatchedStations(ctx context.Context, userID int64) ([]*models.Station, error)

	AddOwner(ctx context.Context, o *models.StationOwner) error
	RemoveOwner(ctx context.Context, stationID, userID int64) error
	IsOwner(ctx context.Context, stationID, userID int64) (bool, error)
	ListOwners(ctx context.Context, stationID int64) ([]*models.StationOwner, error)
	CountOwners(ctx context.Context, stationID int64) (int, error)
	ListOwnedStations(ctx context.Context, userID int64) ([]*models.Station, error)

	AddToBlacklist(ctx context.Context, e *models.StationBlacklistEntry) error
	RemoveFromBlacklist(ctx context.Context, stationID, userID int64) error
	IsBlacklisted(ctx context.Context, stationID, userID int64) (bool, error)
	BlacklistedUserIDs(ctx context.Context, stationID int64) (map[int64]bool, error)

	RecordManualCharge(ctx context.Context, q Querier, c *models.ManualCharge) error
	ListManualCharges(ctx context.Context, stationID int64, limit int) ([]*models.ManualCharge, error)

	AppendAudit(ctx context.Context, e *models.AuditLogEntry) error
	ListAudit(ctx context.Context, stationID int64, limit int) ([]*models.AuditLogEntry, error)
}

type stationRepo struct {
	pool *pgxpool.Pool
}

// NewStationRepository creates a new StationRepository instance.
func NewStationRepository(pool *pgxpool.Pool) StationRepository {
	return &stationRepo{pool: pool}
}

func scanStation(row pgx.Row) (*models.Station, error) {
	var s models.Station
	err := row.Scan(&s.ID, &s.Name, &s.GroupChatID, &s.IsActive, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *stationRepo) Create(ctx context.Context, station *models.Station) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO stations (name, group_chat_id, is_active)
		VALUES ($1, $2, TRUE)
		RETURNING id, created_at`,
		station.Name, station.GroupChatID,
	).Scan(&station.ID, &station.CreatedAt)
}

func (r *stationRepo) GetByID(ctx context.Context, id int64) (*models.Station, error) {
	return scanStation(r.pool.QueryRow(ctx, `
		SELECT id, name, group_chat_id, is_active, created_at
		FROM stations WHERE id = $1`, id))
}

func (r *stationRepo) GetByGroupChatID(ctx context.Context, groupChatID string) (*models.Station, error) {
	return scanStation(r.pool.QueryRow(ctx, `
		SELECT id, name, group_chat_id, is_active, created_at
		FROM stations WHERE group_chat_id = $1`, groupChatID))
}

func (r *stationRepo) List(ctx context.Context) ([]*models.Station, error) {
	return r.listStations(ctx, `
		SELECT id, name, group_chat_id, is_active, created_at
		FROM stations WHERE is_active ORDER BY id`)
}

func (r *stationRepo) listStations(ctx context.Context, query string, args ...any) ([]*models.Station, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Station
	for rows.Next() {
		var s models.Station
		if err := rows.Scan(&s.ID, &s.Name, &s.GroupChatID, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// SetGroupChatID links the station to a group chat; nil unlinks. A group
// serves at most one station.
func (r *stationRepo) SetGroupChatID(ctx context.Context, stationID int64, groupChatID *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE stations SET group_chat_id = $2 WHERE id = $1`,
		stationID, groupChatID)
	if isUniqueViolation(err) {
		return apperr.ErrValidation.WithMessage("הקבוצה כבר מקושרת לתחנה אחרת")
	}
	return err
}

func (r *stationRepo) AddDispatcher(ctx context.Context, d *models.StationDispatcher) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO station_dispatchers (station_id, user_id, added_by)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		d.StationID, d.UserID, d.AddedBy,
	).Scan(&d.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrAlreadyMember
	}
	return err
}

func (r *stationRepo) RemoveDispatcher(ctx context.Context, stationID, userID int64) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM station_dispatchers WHERE station_id = $1 AND user_id = $2`,
		stationID, userID)
	return err
}

func (r *stationRepo) IsDispatcher(ctx context.Context, stationID, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM station_dispatchers WHERE station_id = $1 AND user_id = $2)`,
		stationID, userID).Scan(&exists)
	return exists, err
}

func (r *stationRepo) ListDispatchers(ctx context.Context, stationID int64) ([]*models.StationDispatcher, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT station_id, user_id, added_by, created_at
		FROM station_dispatchers WHERE station_id = $1 ORDER BY created_at`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StationDispatcher
	for rows.Next() {
		var d models.StationDispatcher
		if err := rows.Scan(&d.StationID, &d.UserID, &d.AddedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ListDispatchedStations returns the active stations where the user holds
// dispatcher permissions.
func (r *stationRepo) ListDispatchedStations(ctx context.Context, userID int64) ([]*models.Station, error) {
	return r.listStations(ctx, `
		SELECT s.id, s.name, s.group_chat_id, s.is_active, s.created_at
		FROM stations s
		JOIN station_dispatchers d ON d.station_id = s.id
		WHERE d.user_id = $1 AND s.is_active
		ORDER BY s.id`, userID)
}

func (r *stationRepo) AddOwner(ctx context.Context, o *models.StationOwner) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO station_owners (station_id, user_id, added_by)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		o.StationID, o.UserID, o.AddedBy,
	).Scan(&o.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrAlreadyMember
	}
	return err
}

func (r *stationRepo) RemoveOwner(ctx context.Context, stationID, userID int64) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM station_owners WHERE station_id = $1 AND user_id = $2`,
		stationID, userID)
	return err
}

func (r *stationRepo) IsOwner(ctx context.Context, stationID, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM station_owners WHERE station_id = $1 AND user_id = $2)`,
		stationID, userID).Scan(&exists)
	return exists, err
}

func (r *stationRepo) ListOwners(ctx context.Context, stationID int64) ([]*models.StationOwner, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT station_id, user_id, added_by, created_at
		FROM station_owners WHERE station_id = $1 ORDER BY created_at`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StationOwner
	for rows.Next() {
		var o models.StationOwner
		if err := rows.Scan(&o.StationID, &o.UserID, &o.AddedBy, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (r *stationRepo) CountOwners(ctx context.Context, stationID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM station_owners WHERE station_id = $1`, stationID).Scan(&n)
	return n, err
}

func (r *stationRepo) ListOwnedStations(ctx context.Context, userID int64) ([]*models.Station, error) {
	return r.listStations(ctx, `
		SELECT s.id, s.name, s.group_chat_id, s.is_active, s.created_at
		FROM stations s
		JOIN station_owners o ON o.station_id = s.id
		WHERE o.user_id = $1 AND s.is_active
		ORDER BY s.id`, userID)
}

func (r *stationRepo) AddToBlacklist(ctx context.Context, e *models.StationBlacklistEntry) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO station_blacklist (station_id, user_id, added_by, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		e.StationID, e.UserID, e.AddedBy, e.Reason,
	).Scan(&e.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrAlreadyMember
	}
	return err
}

func (r *stationRepo) RemoveFromBlacklist(ctx context.Context, stationID, userID int64) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM station_blacklist WHERE station_id = $1 AND user_id = $2`,
		stationID, userID)
	return err
}

func (r *stationRepo) IsBlacklisted(ctx context.Context, stationID, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM station_blacklist WHERE station_id = $1 AND user_id = $2)`,
		stationID, userID).Scan(&exists)
	return exists, err
}

// BlacklistedUserIDs returns the station's exclusion set for broadcast
// fan-out.
func (r *stationRepo) BlacklistedUserIDs(ctx context.Context, stationID int64) (map[int64]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM station_blacklist WHERE station_id = $1`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// RecordManualCharge writes the charge record inside the caller's
// transaction, beside its ledger entry.
func (r *stationRepo) RecordManualCharge(ctx context.Context, q Querier, c *models.ManualCharge) error {
	return q.QueryRow(ctx, `
		INSERT INTO manual_charges (station_id, courier_id, charged_by, amount, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		c.StationID, c.CourierID, c.ChargedBy, c.Amount, c.Description,
	).Scan(&c.ID, &c.CreatedAt)
}

func (r *stationRepo) ListManualCharges(ctx context.Context, stationID int64, limit int) ([]*models.ManualCharge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, station_id, courier_id, charged_by, amount, description, created_at
		FROM manual_charges
		WHERE station_id = $1
		ORDER BY created_at DESC LIMIT $2`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ManualCharge
	for rows.Next() {
		var c models.ManualCharge
		if err := rows.Scan(&c.ID, &c.StationID, &c.CourierID, &c.ChargedBy,
			&c.Amount, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *stationRepo) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO audit_log (station_id, actor_user_id, action, target_user_id, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		e.StationID, e.ActorUserID, e.Action, e.TargetUserID, details,
	).Scan(&e.ID, &e.CreatedAt)
}

func (r *stationRepo) ListAudit(ctx context.Context, stationID int64, limit int) ([]*models.AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, station_id, actor_user_id, action, target_user_id, details, created_at
		FROM audit_log
		WHERE station_id = $1
		ORDER BY created_at DESC LIMIT $2`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditLogEntry
	for rows.Next() {
		var (
			e       models.AuditLogEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.StationID, &e.ActorUserID, &e.Action,
			&e.TargetUserID, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

var _ StationRepository = (*stationRepo)(nil)
