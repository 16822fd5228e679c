// Package service provides business logic for the dispatch platform.
package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/repository"
)

// WalletService defines courier and station wallet operations.
//
// DebitForCapture and CreditStationCommission take a Querier because they are
// steps of the capture transaction; standalone operations manage their own
// transaction.
type WalletService interface {
	GetOrCreate(ctx context.Context, courierID int64) (*models.CourierWallet, error)
	CanCapture(ctx context.Context, courierID int64, fee decimal.Decimal) (bool, string, error)
	DebitForCapture(ctx context.Context, q repository.Querier, courierID, deliveryID int64, fee decimal.Decimal) (*models.WalletLedgerEntry, error)
	Credit(ctx context.Context, courierID int64, deliveryID *int64, amount decimal.Decimal, entryType models.LedgerEntryType, description string) (*models.WalletLedgerEntry, error)
	History(ctx context.Context, courierID int64, limit int) ([]*models.WalletLedgerEntry, error)

	CreditStationCommission(ctx context.Context, q repository.Querier, stationID, deliveryID int64, fee decimal.Decimal) (*models.StationLedgerEntry, error)
	StationBalance(ctx context.Context, stationID int64) (*models.StationWallet, error)
	SetCommissionRate(ctx context.Context, stationID int64, rate decimal.Decimal) error
}

type walletService struct {
	pool       *pgxpool.Pool
	walletRepo repository.WalletRepository
}

// NewWalletService creates a new wallet service.
func NewWalletService(pool *pgxpool.Pool, walletRepo repository.WalletRepository) WalletService {
	return &walletService{pool: pool, walletRepo: walletRepo}
}

func (s *walletService) GetOrCreate(ctx context.Context, courierID int64) (*models.CourierWallet, error) {
	wallet, err := s.walletRepo.GetOrCreateCourierWallet(ctx, courierID)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create wallet: %w", err)
	}
	return wallet, nil
}

// CanCapture is an unlocked preview of the capture credit check, used to warn
// a courier before they commit. The capture transaction re-checks under lock.
func (s *walletService) CanCapture(ctx context.Context, courierID int64, fee decimal.Decimal) (bool, string, error) {
	wallet, err := s.walletRepo.GetCourierWallet(ctx, courierID)
	if err != nil {
		return false, "", fmt.Errorf("failed to read wallet: %w", err)
	}
	balance := decimal.Zero
	limit := models.DefaultCreditLimit
	if wallet != nil {
		balance = wallet.Balance
		limit = wallet.CreditLimit
	}
	if balance.Sub(fee).LessThan(limit) {
		return false, "insufficient_credit", nil
	}
	return true, "", nil
}

// DebitForCapture performs the locked read-modify-write debit of a capture.
// Must run inside the capture transaction: the wallet row is locked, the
// balance is checked against the credit limit, and the ledger row is written
// with balance_after.
func (s *walletService) DebitForCapture(ctx context.Context, q repository.Querier, courierID, deliveryID int64, fee decimal.Decimal) (*models.WalletLedgerEntry, error) {
	wallet, err := s.walletRepo.GetCourierWalletForUpdate(ctx, q, courierID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	newBalance := wallet.Balance.Sub(fee)
	if newBalance.LessThan(wallet.CreditLimit) {
		return nil, apperr.ErrInsufficientCredit.WithDetails(map[string]any{
			"balance":      wallet.Balance.StringFixed(2),
			"credit_limit": wallet.CreditLimit.StringFixed(2),
			"fee":          fee.StringFixed(2),
		})
	}

	if err := s.walletRepo.UpdateCourierBalance(ctx, q, courierID, newBalance); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	entry := &models.WalletLedgerEntry{
		CourierID:    courierID,
		DeliveryID:   &deliveryID,
		EntryType:    models.EntryDeliveryFeeDebit,
		Amount:       fee.Neg(),
		BalanceAfter: newBalance,
		Description:  fmt.Sprintf("חיוב עבור משלוח #%d", deliveryID),
	}
	if err := s.walletRepo.InsertLedgerEntry(ctx, q, entry); err != nil {
		if apperr.Is(err, apperr.ErrDuplicateCharge) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return entry, nil
}

// Credit applies a standalone positive adjustment (refund, bonus, payment) in
// its own transaction.
func (s *walletService) Credit(ctx context.Context, courierID int64, deliveryID *int64, amount decimal.Decimal, entryType models.LedgerEntryType, description string) (*models.WalletLedgerEntry, error) {
	var entry *models.WalletLedgerEntry
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		wallet, err := s.walletRepo.GetCourierWalletForUpdate(ctx, tx, courierID)
		if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}

		newBalance := wallet.Balance.Add(amount)
		if newBalance.LessThan(wallet.CreditLimit) {
			return apperr.ErrInsufficientCredit.WithDetails(map[string]any{
				"balance":      wallet.Balance.StringFixed(2),
				"credit_limit": wallet.CreditLimit.StringFixed(2),
			})
		}
		if err := s.walletRepo.UpdateCourierBalance(ctx, tx, courierID, newBalance); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry = &models.WalletLedgerEntry{
			CourierID:    courierID,
			DeliveryID:   deliveryID,
			EntryType:    entryType,
			Amount:       amount,
			BalanceAfter: newBalance,
			Description:  description,
		}
		return s.walletRepo.InsertLedgerEntry(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *walletService) History(ctx context.Context, courierID int64, limit int) ([]*models.WalletLedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.walletRepo.LedgerHistory(ctx, courierID, limit)
}

// CreditStationCommission credits fee x commission_rate to the station wallet
// inside the capture transaction.
func (s *walletService) CreditStationCommission(ctx context.Context, q repository.Querier, stationID, deliveryID int64, fee decimal.Decimal) (*models.StationLedgerEntry, error) {
	wallet, err := s.walletRepo.GetStationWalletForUpdate(ctx, q, stationID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock station wallet: %w", err)
	}
	if wallet == nil {
		return nil, apperr.ErrWalletNotFound
	}

	commission := fee.Mul(wallet.CommissionRate).Round(2)
	newBalance := wallet.Balance.Add(commission)

	if err := s.walletRepo.UpdateStationBalance(ctx, q, stationID, newBalance); err != nil {
		return nil, fmt.Errorf("failed to update station balance: %w", err)
	}

	entry := &models.StationLedgerEntry{
		StationID:    stationID,
		DeliveryID:   &deliveryID,
		EntryType:    models.EntryCommission,
		Amount:       commission,
		BalanceAfter: newBalance,
		Description:  fmt.Sprintf("עמלה עבור משלוח #%d", deliveryID),
	}
	if err := s.walletRepo.InsertStationLedgerEntry(ctx, q, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *walletService) StationBalance(ctx context.Context, stationID int64) (*models.StationWallet, error) {
	wallet, err := s.walletRepo.GetStationWallet(ctx, stationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read station wallet: %w", err)
	}
	if wallet == nil {
		return nil, apperr.ErrWalletNotFound
	}
	return wallet, nil
}

func (s *walletService) SetCommissionRate(ctx context.Context, stationID int64, rate decimal.Decimal) error {
	if !models.ValidCommissionRate(rate) {
		return apperr.ErrAmountOutOfRange.WithDetails(map[string]any{
			"min": models.MinCommissionRate.String(),
			"max": models.MaxCommissionRate.String(),
		})
	}
	return s.walletRepo.SetCommissionRate(ctx, stationID, rate)
}

var _ WalletService = (*walletService)(nil)
