package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/repository"
	"github.com/mishloha/dispatch/internal/validation"
)

// CollectionReport summarizes a station's commission income.
type CollectionReport struct {
	StationID      int64                        `json:"station_id"`
	Balance        decimal.Decimal              `json:"balance"`
	CommissionRate decimal.Decimal              `json:"commission_rate"`
	Entries        []*models.StationLedgerEntry `json:"entries"`
	Total          decimal.Decimal              `json:"total"`
}

// StationService defines station governance: membership, blacklist, manual
// charges and reporting. Every mutation is audit-logged.
type StationService interface {
	Get(ctx context.Context, stationID int64) (*models.Station, error)
	StationsOwnedBy(ctx context.Context, userID int64) ([]*models.Station, error)
	StationsDispatchedBy(ctx context.Context, userID int64) ([]*models.Station, error)
	ResolveByGroupChat(ctx context.Context, groupChatID string) (*models.Station, error)
	SetGroupChat(ctx context.Context, stationID int64, groupChatID *string, actorID int64) error

	AddDispatcher(ctx context.Context, stationID, userID, actorID int64) error
	RemoveDispatcher(ctx context.Context, stationID, userID, actorID int64) error
	ListDispatchers(ctx context.Context, stationID int64) ([]*models.StationDispatcher, error)
	IsDispatcher(ctx context.Context, stationID, userID int64) (bool, error)

	AddOwner(ctx context.Context, stationID, userID, actorID int64) error
	RemoveOwner(ctx context.Context, stationID, userID, actorID int64) error
	ListOwners(ctx context.Context, stationID int64) ([]*models.StationOwner, error)
	IsOwner(ctx context.Context, stationID, userID int64) (bool, error)

	Blacklist(ctx context.Context, stationID, userID, actorID int64, reason string) error
	Unblacklist(ctx context.Context, stationID, userID, actorID int64) error
	BlacklistedUserIDs(ctx context.Context, stationID int64) (map[int64]bool, error)

	ManualCharge(ctx context.Context, stationID, courierID, actorID int64, amount decimal.Decimal, description string) (*models.ManualCharge, error)
	SetCommissionRate(ctx context.Context, stationID int64, rate decimal.Decimal, actorID int64) error
	CollectionReport(ctx context.Context, stationID int64, limit int) (*CollectionReport, error)
	AuditTrail(ctx context.Context, stationID int64, limit int) ([]*models.AuditLogEntry, error)
}

type stationService struct {
	pool        *pgxpool.Pool
	stationRepo repository.StationRepository
	walletRepo  repository.WalletRepository
	walletSvc   WalletService
	userRepo    repository.UserRepository
	logger      *slog.Logger
}

// NewStationService creates a new station service.
func NewStationService(
	pool *pgxpool.Pool,
	stationRepo repository.StationRepository,
	walletRepo repository.WalletRepository,
	walletSvc WalletService,
	userRepo repository.UserRepository,
	logger *slog.Logger,
) StationService {
	return &stationService{
		pool:        pool,
		stationRepo: stationRepo,
		walletRepo:  walletRepo,
		walletSvc:   walletSvc,
		userRepo:    userRepo,
		logger:      logger,
	}
}

func (s *stationService) Get(ctx context.Context, stationID int64) (*models.Station, error) {
	station, err := s.stationRepo.GetByID(ctx, stationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get station: %w", err)
	}
	if station == nil {
		return nil, apperr.ErrStationNotFound
	}
	return station, nil
}

func (s *stationService) StationsOwnedBy(ctx context.Context, userID int64) ([]*models.Station, error) {
	return s.stationRepo.ListOwnedStations(ctx, userID)
}

func (s *stationService) StationsDispatchedBy(ctx context.Context, userID int64) ([]*models.Station, error) {
	return s.stationRepo.ListDispatchedStations(ctx, userID)
}

func (s *stationService) ResolveByGroupChat(ctx context.Context, groupChatID string) (*models.Station, error) {
	station, err := s.stationRepo.GetByGroupChatID(ctx, groupChatID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve station: %w", err)
	}
	if station == nil {
		return nil, apperr.ErrStationNotFound
	}
	return station, nil
}

// AddDispatcher links an approved courier to the station. Only approved
// couriers qualify.
func (s *stationService) AddDispatcher(ctx context.Context, stationID, userID, actorID int64) error {
	u, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if u == nil {
		return apperr.ErrUserNotFound
	}
	if !u.IsApprovedCourier() {
		return apperr.ErrValidation.WithMessage("רק שליח מאושר יכול לשמש כסדרן")
	}

	if err := s.stationRepo.AddDispatcher(ctx, &models.StationDispatcher{
		StationID: stationID,
		UserID:    userID,
		AddedBy:   actorID,
	}); err != nil {
		return err
	}
	s.audit(ctx, stationID, actorID, "dispatcher_added", &userID, nil)
	return nil
}

func (s *stationService) RemoveDispatcher(ctx context.Context, stationID, userID, actorID int64) error {
	if err := s.stationRepo.RemoveDispatcher(ctx, stationID, userID); err != nil {
		return fmt.Errorf("failed to remove dispatcher: %w", err)
	}
	s.audit(ctx, stationID, actorID, "dispatcher_removed", &userID, nil)
	return nil
}

func (s *stationService) ListDispatchers(ctx context.Context, stationID int64) ([]*models.StationDispatcher, error) {
	return s.stationRepo.ListDispatchers(ctx, stationID)
}

func (s *stationService) IsDispatcher(ctx context.Context, stationID, userID int64) (bool, error) {
	return s.stationRepo.IsDispatcher(ctx, stationID, userID)
}

func (s *stationService) AddOwner(ctx context.Context, stationID, userID, actorID int64) error {
	if err := s.stationRepo.AddOwner(ctx, &models.StationOwner{
		StationID: stationID,
		UserID:    userID,
		AddedBy:   &actorID,
	}); err != nil {
		return err
	}
	s.audit(ctx, stationID, actorID, "owner_added", &userID, nil)
	return nil
}

// RemoveOwner detaches an owner from the station. The last owner cannot be
// removed; an ownerless station would be unmanageable.
func (s *stationService) RemoveOwner(ctx context.Context, stationID, userID, actorID int64) error {
	isOwner, err := s.stationRepo.IsOwner(ctx, stationID, userID)
	if err != nil {
		return fmt.Errorf("failed to check ownership: %w", err)
	}
	if !isOwner {
		return apperr.ErrValidation.WithMessage("המשתמש אינו בעלים של התחנה")
	}

	count, err := s.stationRepo.CountOwners(ctx, stationID)
	if err != nil {
		return fmt.Errorf("failed to count owners: %w", err)
	}
	if count <= 1 {
		return apperr.ErrValidation.WithMessage("לא ניתן להסיר את הבעלים האחרון של התחנה")
	}

	if err := s.stationRepo.RemoveOwner(ctx, stationID, userID); err != nil {
		return fmt.Errorf("failed to remove owner: %w", err)
	}
	s.audit(ctx, stationID, actorID, "owner_removed", &userID, nil)
	return nil
}

func (s *stationService) ListOwners(ctx context.Context, stationID int64) ([]*models.StationOwner, error) {
	return s.stationRepo.ListOwners(ctx, stationID)
}

func (s *stationService) IsOwner(ctx context.Context, stationID, userID int64) (bool, error) {
	return s.stationRepo.IsOwner(ctx, stationID, userID)
}

// SetGroupChat links the station to a group chat, or unlinks it when
// groupChatID is nil. Capture approval requests flow to the group while one
// is linked.
func (s *stationService) SetGroupChat(ctx context.Context, stationID int64, groupChatID *string, actorID int64) error {
	if err := s.stationRepo.SetGroupChatID(ctx, stationID, groupChatID); err != nil {
		return err
	}
	if groupChatID == nil {
		s.audit(ctx, stationID, actorID, "group_chat_unlinked", nil, nil)
	} else {
		s.audit(ctx, stationID, actorID, "group_chat_linked", nil, map[string]any{
			"group_chat_id": *groupChatID,
		})
	}
	return nil
}

func (s *stationService) Blacklist(ctx context.Context, stationID, userID, actorID int64, reason string) error {
	if err := s.stationRepo.AddToBlacklist(ctx, &models.StationBlacklistEntry{
		StationID: stationID,
		UserID:    userID,
		AddedBy:   actorID,
		Reason:    validation.Sanitize(reason),
	}); err != nil {
		return err
	}
	s.audit(ctx, stationID, actorID, "courier_blacklisted", &userID, map[string]any{"reason": reason})
	return nil
}

func (s *stationService) BlacklistedUserIDs(ctx context.Context, stationID int64) (map[int64]bool, error) {
	return s.stationRepo.BlacklistedUserIDs(ctx, stationID)
}

func (s *stationService) Unblacklist(ctx context.Context, stationID, userID, actorID int64) error {
	if err := s.stationRepo.RemoveFromBlacklist(ctx, stationID, userID); err != nil {
		return fmt.Errorf("failed to remove from blacklist: %w", err)
	}
	s.audit(ctx, stationID, actorID, "courier_unblacklisted", &userID, nil)
	return nil
}

// ManualCharge is a dispatcher-initiated wallet adjustment: the courier
// wallet debit, its ledger row and the charge record commit as one unit.
// Negative amounts are credits.
func (s *stationService) ManualCharge(ctx context.Context, stationID, courierID, actorID int64, amount decimal.Decimal, description string) (*models.ManualCharge, error) {
	if !validation.ValidateAmount(amount.Abs()) {
		return nil, apperr.ErrAmountOutOfRange
	}
	description = validation.Sanitize(description)

	charge := &models.ManualCharge{
		StationID:   stationID,
		CourierID:   courierID,
		ChargedBy:   actorID,
		Amount:      amount,
		Description: description,
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		wallet, err := s.walletRepo.GetCourierWalletForUpdate(ctx, tx, courierID)
		if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}

		newBalance := wallet.Balance.Sub(amount)
		if newBalance.LessThan(wallet.CreditLimit) {
			return apperr.ErrInsufficientCredit.WithDetails(map[string]any{
				"balance":      wallet.Balance.StringFixed(2),
				"credit_limit": wallet.CreditLimit.StringFixed(2),
			})
		}
		if err := s.walletRepo.UpdateCourierBalance(ctx, tx, courierID, newBalance); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry := &models.WalletLedgerEntry{
			CourierID:    courierID,
			EntryType:    models.EntryAdjustment,
			Amount:       amount.Neg(),
			BalanceAfter: newBalance,
			Description:  description,
		}
		if err := s.walletRepo.InsertLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}
		return s.stationRepo.RecordManualCharge(ctx, tx, charge)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, stationID, actorID, "manual_charge", &courierID, map[string]any{
		"amount": amount.StringFixed(2),
	})
	s.logger.InfoContext(ctx, "manual charge applied",
		"station_id", stationID, "courier_id", courierID, "amount", amount.StringFixed(2))
	return charge, nil
}

func (s *stationService) SetCommissionRate(ctx context.Context, stationID int64, rate decimal.Decimal, actorID int64) error {
	if err := s.walletSvc.SetCommissionRate(ctx, stationID, rate); err != nil {
		return err
	}
	s.audit(ctx, stationID, actorID, "commission_rate_changed", nil, map[string]any{
		"rate": rate.String(),
	})
	return nil
}

func (s *stationService) CollectionReport(ctx context.Context, stationID int64, limit int) (*CollectionReport, error) {
	wallet, err := s.walletSvc.StationBalance(ctx, stationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.walletRepo.StationLedgerHistory(ctx, stationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read station ledger: %w", err)
	}

	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return &CollectionReport{
		StationID:      stationID,
		Balance:        wallet.Balance,
		CommissionRate: wallet.CommissionRate,
		Entries:        entries,
		Total:          total,
	}, nil
}

func (s *stationService) AuditTrail(ctx context.Context, stationID int64, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.stationRepo.ListAudit(ctx, stationID, limit)
}

// audit records the governance action; failures are logged, never fatal to
// the action itself.
func (s *stationService) audit(ctx context.Context, stationID, actorID int64, action string, targetUserID *int64, details map[string]any) {
	entry := &models.AuditLogEntry{
		StationID:    stationID,
		ActorUserID:  actorID,
		Action:       action,
		TargetUserID: targetUserID,
		Details:      details,
	}
	if err := s.stationRepo.AppendAudit(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to append audit entry",
			"station_id", stationID, "action", action, "error", err)
	}
}

var _ StationService = (*stationService)(nil)
