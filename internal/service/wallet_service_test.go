package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/repository"
)

// MockWalletRepository is a mock implementation of repository.WalletRepository.
type MockWalletRepository struct {
	mock.Mock
}

func (m *MockWalletRepository) GetCourierWallet(ctx context.Context, courierID int64) (*models.CourierWallet, error) {
	args := m.Called(ctx, courierID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CourierWallet), args.Error(1)
}

func (m *MockWalletRepository) GetOrCreateCourierWallet(ctx context.Context, courierID int64) (*models.CourierWallet, error) {
	args := m.Called(ctx, courierID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CourierWallet), args.Error(1)
}

func (m *MockWalletRepository) GetCourierWalletForUpdate(ctx context.Context, q repository.Querier, courierID int64) (*models.CourierWallet, error) {
	args := m.Called(ctx, q, courierID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CourierWallet), args.Error(1)
}

func (m *MockWalletRepository) UpdateCourierBalance(ctx context.Context, q repository.Querier, courierID int64, balance decimal.Decimal) error {
	args := m.Called(ctx, q, courierID, balance)
	return args.Error(0)
}

func (m *MockWalletRepository) InsertLedgerEntry(ctx context.Context, q repository.Querier, entry *models.WalletLedgerEntry) error {
	args := m.Called(ctx, q, entry)
	return args.Error(0)
}

func (m *MockWalletRepository) LedgerHistory(ctx context.Context, courierID int64, limit int) ([]*models.WalletLedgerEntry, error) {
	args := m.Called(ctx, courierID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WalletLedgerEntry), args.Error(1)
}

func (m *MockWalletRepository) GetStationWallet(ctx context.Context, stationID int64) (*models.StationWallet, error) {
	args := m.Called(ctx, stationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StationWallet), args.Error(1)
}

func (m *MockWalletRepository) GetStationWalletForUpdate(ctx context.Context, q repository.Querier, stationID int64) (*models.StationWallet, error) {
	args := m.Called(ctx, q, stationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StationWallet), args.Error(1)
}

func (m *MockWalletRepository) UpdateStationBalance(ctx context.Context, q repository.Querier, stationID int64, balance decimal.Decimal) error {
	args := m.Called(ctx, q, stationID, balance)
	return args.Error(0)
}

func (m *MockWalletRepository) InsertStationLedgerEntry(ctx context.Context, q repository.Querier, entry *models.StationLedgerEntry) error {
	args := m.Called(ctx, q, entry)
	return args.Error(0)
}

func (m *MockWalletRepository) StationLedgerHistory(ctx context.Context, stationID int64, limit int) ([]*models.StationLedgerEntry, error) {
	args := m.Called(ctx, stationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.StationLedgerEntry), args.Error(1)
}

func (m *MockWalletRepository) SetCommissionRate(ctx context.Context, stationID int64, rate decimal.Decimal) error {
	args := m.Called(ctx, stationID, rate)
	return args.Error(0)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCanCapture(t *testing.T) {
	ctx := context.Background()

	t.Run("sufficient credit", func(t *testing.T) {
		repo := new(MockWalletRepository)
		repo.On("GetCourierWallet", ctx, int64(1)).Return(&models.CourierWallet{
			CourierID:   1,
			Balance:     dec("100.00"),
			CreditLimit: models.DefaultCreditLimit,
		}, nil)
		svc := &walletService{walletRepo: repo}

		ok, reason, err := svc.CanCapture(ctx, 1, dec("30.00"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("insufficient credit", func(t *testing.T) {
		repo := new(MockWalletRepository)
		repo.On("GetCourierWallet", ctx, int64(1)).Return(&models.CourierWallet{
			CourierID:   1,
			Balance:     dec("-490.00"),
			CreditLimit: models.DefaultCreditLimit,
		}, nil)
		svc := &walletService{walletRepo: repo}

		ok, reason, err := svc.CanCapture(ctx, 1, dec("30.00"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "insufficient_credit", reason)
	})

	t.Run("no wallet yet uses default limit", func(t *testing.T) {
		repo := new(MockWalletRepository)
		repo.On("GetCourierWallet", ctx, int64(1)).Return(nil, nil)
		svc := &walletService{walletRepo: repo}

		ok, _, err := svc.CanCapture(ctx, 1, dec("400.00"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, _, err = svc.CanCapture(ctx, 1, dec("600.00"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDebitForCapture(t *testing.T) {
	ctx := context.Background()

	t.Run("debits and writes ledger", func(t *testing.T) {
		repo := new(MockWalletRepository)
		repo.On("GetCourierWalletForUpdate", ctx, nil, int64(1)).Return(&models.CourierWallet{
			CourierID:   1,
			Balance:     dec("100.00"),
			CreditLimit: models.DefaultCreditLimit,
		}, nil)
		repo.On("UpdateCourierBalance", ctx, nil, int64(1),
			mock.MatchedBy(func(b decimal.Decimal) bool { return b.Equal(dec("70.00")) })).Return(nil)
		repo.On("InsertLedgerEntry", ctx, nil,
			mock.AnythingOfType("*models.WalletLedgerEntry")).Return(nil)
		svc := &walletService{walletRepo: repo}

		entry, err := svc.DebitForCapture(ctx, nil, 1, 42, dec("30.00"))
		require.NoError(t, err)
		assert.Equal(t, models.EntryDeliveryFeeDebit, entry.EntryType)
		assert.True(t, entry.Amount.Equal(dec("-30.00")))
		assert.True(t, entry.BalanceAfter.Equal(dec("70.00")))
		require.NotNil(t, entry.DeliveryID)
		assert.Equal(t, int64(42), *entry.DeliveryID)
		repo.AssertExpectations(t)
	})

	t.Run("rejects when over the credit line", func(t *testing.T) {
		repo := new(MockWalletRepository)
		repo.On("GetCourierWalletForUpdate", ctx, nil, int64(1)).Return(&models.CourierWallet{
			CourierID:   1,
			Balance:     dec("-480.00"),
			CreditLimit: models.DefaultCreditLimit,
		}, nil)
		svc := &walletService{walletRepo: repo}

		_, err := svc.DebitForCapture(ctx, nil, 1, 42, dec("30.00"))
		assert.True(t, apperr.Is(err, apperr.ErrInsufficientCredit))
		repo.AssertNotCalled(t, "UpdateCourierBalance",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("exact credit line boundary is allowed", func(t *testing.T) {
		repo := new(MockWalletRepository)
		repo.On("GetCourierWalletForUpdate", ctx, nil, int64(1)).Return(&models.CourierWallet{
			CourierID:   1,
			Balance:     dec("-470.00"),
			CreditLimit: models.DefaultCreditLimit,
		}, nil)
		repo.On("UpdateCourierBalance", ctx, nil, int64(1),
			mock.MatchedBy(func(b decimal.Decimal) bool { return b.Equal(dec("-500.00")) })).Return(nil)
		repo.On("InsertLedgerEntry", ctx, nil,
			mock.AnythingOfType("*models.WalletLedgerEntry")).Return(nil)
		svc := &walletService{walletRepo: repo}

		_, err := svc.DebitForCapture(ctx, nil, 1, 42, dec("30.00"))
		require.NoError(t, err)
	})

	t.Run("duplicate charge passes through", func(t *testing.T) {
		repo := new(MockWalletRepository)
		repo.On("GetCourierWalletForUpdate", ctx, nil, int64(1)).Return(&models.CourierWallet{
			CourierID:   1,
			Balance:     dec("100.00"),
			CreditLimit: models.DefaultCreditLimit,
		}, nil)
		repo.On("UpdateCourierBalance", ctx, nil, int64(1), mock.Anything).Return(nil)
		repo.On("InsertLedgerEntry", ctx, nil, mock.Anything).Return(apperr.ErrDuplicateCharge)
		svc := &walletService{walletRepo: repo}

		_, err := svc.DebitForCapture(ctx, nil, 1, 42, dec("30.00"))
		assert.True(t, apperr.Is(err, apperr.ErrDuplicateCharge))
	})
}

func TestCreditStationCommission(t *testing.T) {
	ctx := context.Background()

	repo := new(MockWalletRepository)
	repo.On("GetStationWalletForUpdate", ctx, nil, int64(5)).Return(&models.StationWallet{
		StationID:      5,
		Balance:        dec("50.00"),
		CommissionRate: dec("0.08"),
	}, nil)
	repo.On("UpdateStationBalance", ctx, nil, int64(5),
		mock.MatchedBy(func(b decimal.Decimal) bool { return b.Equal(dec("58.00")) })).Return(nil)
	repo.On("InsertStationLedgerEntry", ctx, nil,
		mock.AnythingOfType("*models.StationLedgerEntry")).Return(nil)
	svc := &walletService{walletRepo: repo}

	entry, err := svc.CreditStationCommission(ctx, nil, 5, 42, dec("100.00"))
	require.NoError(t, err)
	assert.Equal(t, models.EntryCommission, entry.EntryType)
	assert.True(t, entry.Amount.Equal(dec("8.00")))
	repo.AssertExpectations(t)
}

func TestSetCommissionRateBounds(t *testing.T) {
	ctx := context.Background()
	repo := new(MockWalletRepository)
	repo.On("SetCommissionRate", ctx, int64(5),
		mock.MatchedBy(func(r decimal.Decimal) bool { return r.Equal(dec("0.10")) })).Return(nil)
	svc := &walletService{walletRepo: repo}

	require.NoError(t, svc.SetCommissionRate(ctx, 5, dec("0.10")))

	err := svc.SetCommissionRate(ctx, 5, dec("0.05"))
	assert.True(t, apperr.Is(err, apperr.ErrAmountOutOfRange))

	err = svc.SetCommissionRate(ctx, 5, dec("0.13"))
	assert.True(t, apperr.Is(err, apperr.ErrAmountOutOfRange))
}

func TestHistoryClampsLimit(t *testing.T) {
	ctx := context.Background()
	repo := new(MockWalletRepository)
	repo.On("LedgerHistory", ctx, int64(1), 20).Return([]*models.WalletLedgerEntry{}, nil)
	svc := &walletService{walletRepo: repo}

	_, err := svc.History(ctx, 1, 0)
	require.NoError(t, err)
	_, err = svc.History(ctx, 1, 500)
	require.NoError(t, err)
	repo.AssertNumberOfCalls(t, "LedgerHistory", 2)
}
