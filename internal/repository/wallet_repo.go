package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
)

const pgUniqueViolation = "23505"

// WalletRepository defines courier and station wallet data access. The ledger
// is append-only; the unique (owner, delivery, entry_type) index turns a
// replayed debit into ErrDuplicateCharge.
type WalletRepository interface {
	GetCourierWallet(ctx context.Context, courierID int64) (*models.CourierWallet, error)
	GetOrCreateCourierWallet(ctx context.Context, courierID int64) (*models.CourierWallet, error)
	GetCourierWalletForUpdate(ctx context.Context, q Querier, courierID int64) (*models.CourierWallet, error)
	UpdateCourierBalance(ctx context.Context, q Querier, courierID int64, balance decimal.Decimal) error
	InsertLedgerEntry(ctx context.Context, q Querier, entry *models.WalletLedgerEntry) error
	LedgerHistory(ctx context.Context, courierID int64, limit int) ([]*models.WalletLedgerEntry, error)

	GetStationWallet(ctx context.Context, stationID int64) (*models.StationWallet, error)
	GetStationWalletForUpdate(ctx context.Context, q Querier, stationID int64) (*models.StationWallet, error)
	UpdateStationBalance(ctx context.Context, q Querier, stationID int64, balance decimal.Decimal) error
	InsertStationLedgerEntry(ctx context.Context, q Querier, entry *models.StationLedgerEntry) error
	StationLedgerHistory(ctx context.Context, stationID int64, limit int) ([]*models.StationLedgerEntry, error)
	SetCommissionRate(ctx context.Context, stationID int64, rate decimal.Decimal) error
}

type walletRepo struct {
	pool *pgxpool.Pool
}

// NewWalletRepository creates a new WalletRepository instance.
func NewWalletRepository(pool *pgxpool.Pool) WalletRepository {
	return &walletRepo{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func scanCourierWallet(row pgx.Row) (*models.CourierWallet, error) {
	var w models.CourierWallet
	err := row.Scan(&w.CourierID, &w.Balance, &w.CreditLimit, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *walletRepo) GetCourierWallet(ctx context.Context, courierID int64) (*models.CourierWallet, error) {
	return scanCourierWallet(r.pool.QueryRow(ctx, `
		SELECT courier_id, balance, credit_limit, created_at, updated_at
		FROM courier_wallets WHERE courier_id = $1`, courierID))
}

// GetOrCreateCourierWallet creates the wallet with the default credit line on
// first use. Concurrent callers race through ON CONFLICT and both read the
// surviving row.
func (r *walletRepo) GetOrCreateCourierWallet(ctx context.Context, courierID int64) (*models.CourierWallet, error) {
	return scanCourierWallet(r.pool.QueryRow(ctx, `
		INSERT INTO courier_wallets (courier_id, balance, credit_limit)
		VALUES ($1, 0, $2)
		ON CONFLICT (courier_id) DO UPDATE SET updated_at = courier_wallets.updated_at
		RETURNING courier_id, balance, credit_limit, created_at, updated_at`,
		courierID, models.DefaultCreditLimit))
}

func (r *walletRepo) GetCourierWalletForUpdate(ctx context.Context, q Querier, courierID int64) (*models.CourierWallet, error) {
	w, err := scanCourierWallet(q.QueryRow(ctx, `
		SELECT courier_id, balance, credit_limit, created_at, updated_at
		FROM courier_wallets WHERE courier_id = $1 FOR UPDATE`, courierID))
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}
	// First capture for this courier: seed the wallet inside the same
	// transaction so the row lock is held immediately.
	return scanCourierWallet(q.QueryRow(ctx, `
		INSERT INTO courier_wallets (courier_id, balance, credit_limit)
		VALUES ($1, 0, $2)
		ON CONFLICT (courier_id) DO UPDATE SET updated_at = courier_wallets.updated_at
		RETURNING courier_id, balance, credit_limit, created_at, updated_at`,
		courierID, models.DefaultCreditLimit))
}

func (r *walletRepo) UpdateCourierBalance(ctx context.Context, q Querier, courierID int64, balance decimal.Decimal) error {
	_, err := q.Exec(ctx, `
		UPDATE courier_wallets SET balance = $2, updated_at = NOW()
		WHERE courier_id = $1`, courierID, balance)
	return err
}

func (r *walletRepo) InsertLedgerEntry(ctx context.Context, q Querier, entry *models.WalletLedgerEntry) error {
	err := q.QueryRow(ctx, `
		INSERT INTO wallet_ledger (courier_id, delivery_id, entry_type, amount, balance_after, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.CourierID, entry.DeliveryID, entry.EntryType,
		entry.Amount, entry.BalanceAfter, entry.Description,
	).Scan(&entry.ID, &entry.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateCharge
	}
	return err
}

func (r *walletRepo) LedgerHistory(ctx context.Context, courierID int64, limit int) ([]*models.WalletLedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, courier_id, delivery_id, entry_type, amount, balance_after, description, created_at
		FROM wallet_ledger
		WHERE courier_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, courierID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WalletLedgerEntry
	for rows.Next() {
		var e models.WalletLedgerEntry
		if err := rows.Scan(&e.ID, &e.CourierID, &e.DeliveryID, &e.EntryType,
			&e.Amount, &e.BalanceAfter, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanStationWallet(row pgx.Row) (*models.StationWallet, error) {
	var w models.StationWallet
	err := row.Scan(&w.StationID, &w.Balance, &w.CommissionRate, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *walletRepo) GetStationWallet(ctx context.Context, stationID int64) (*models.StationWallet, error) {
	return scanStationWallet(r.pool.QueryRow(ctx, `
		SELECT station_id, balance, commission_rate, created_at, updated_at
		FROM station_wallets WHERE station_id = $1`, stationID))
}

func (r *walletRepo) GetStationWalletForUpdate(ctx context.Context, q Querier, stationID int64) (*models.StationWallet, error) {
	return scanStationWallet(q.QueryRow(ctx, `
		SELECT station_id, balance, commission_rate, created_at, updated_at
		FROM station_wallets WHERE station_id = $1 FOR UPDATE`, stationID))
}

func (r *walletRepo) UpdateStationBalance(ctx context.Context, q Querier, stationID int64, balance decimal.Decimal) error {
	_, err := q.Exec(ctx, `
		UPDATE station_wallets SET balance = $2, updated_at = NOW()
		WHERE station_id = $1`, stationID, balance)
	return err
}

func (r *walletRepo) InsertStationLedgerEntry(ctx context.Context, q Querier, entry *models.StationLedgerEntry) error {
	err := q.QueryRow(ctx, `
		INSERT INTO station_ledger (station_id, delivery_id, entry_type, amount, balance_after, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.StationID, entry.DeliveryID, entry.EntryType,
		entry.Amount, entry.BalanceAfter, entry.Description,
	).Scan(&entry.ID, &entry.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateCharge
	}
	return err
}

func (r *walletRepo) StationLedgerHistory(ctx context.Context, stationID int64, limit int) ([]*models.StationLedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, station_id, delivery_id, entry_type, amount, balance_after, description, created_at
		FROM station_ledger
		WHERE station_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StationLedgerEntry
	for rows.Next() {
		var e models.StationLedgerEntry
		if err := rows.Scan(&e.ID, &e.StationID, &e.DeliveryID, &e.EntryType,
			&e.Amount, &e.BalanceAfter, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *walletRepo) SetCommissionRate(ctx context.Context, stationID int64, rate decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE station_wallets SET commission_rate = $2, updated_at = NOW()
		WHERE station_id = $1`, stationID, rate)
	return err
}

var _ WalletRepository = (*walletRepo)(nil)
