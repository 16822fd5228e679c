package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
)

type stationMocks struct {
	stations  *MockStationRepository
	wallets   *MockWalletRepository
	walletSvc *MockWalletService
	users     *MockUserRepository
}

func testStationService() (*stationService, *stationMocks) {
	m := &stationMocks{
		stations:  new(MockStationRepository),
		wallets:   new(MockWalletRepository),
		walletSvc: new(MockWalletService),
		users:     new(MockUserRepository),
	}
	svc := &stationService{
		stationRepo: m.stations,
		walletRepo:  m.wallets,
		walletSvc:   m.walletSvc,
		userRepo:    m.users,
		logger:      slog.New(slog.DiscardHandler),
	}
	return svc, m
}

func auditAction(action string) func(*models.AuditLogEntry) bool {
	return func(e *models.AuditLogEntry) bool { return e.Action == action }
}

func TestGetStationNotFound(t *testing.T) {
	ctx := context.Background()
	svc, m := testStationService()
	m.stations.On("GetByID", ctx, int64(99)).Return(nil, nil)

	_, err := svc.Get(ctx, 99)
	assert.True(t, apperr.Is(err, apperr.ErrStationNotFound))
}

func TestAddDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown user", func(t *testing.T) {
		svc, m := testStationService()
		m.users.On("GetByID", ctx, int64(7)).Return(nil, nil)

		err := svc.AddDispatcher(ctx, 5, 7, 1)
		assert.True(t, apperr.Is(err, apperr.ErrUserNotFound))
		m.stations.AssertNotCalled(t, "AddDispatcher", mock.Anything, mock.Anything)
	})

	t.Run("pending courier is refused", func(t *testing.T) {
		svc, m := testStationService()
		pending := models.ApprovalPending
		m.users.On("GetByID", ctx, int64(7)).Return(&models.User{
			ID: 7, Role: models.RoleCourier, ApprovalStatus: &pending,
		}, nil)

		err := svc.AddDispatcher(ctx, 5, 7, 1)
		assert.True(t, apperr.Is(err, apperr.ErrValidation))
		m.stations.AssertNotCalled(t, "AddDispatcher", mock.Anything, mock.Anything)
	})

	t.Run("approved courier is linked and audited", func(t *testing.T) {
		svc, m := testStationService()
		approved := models.ApprovalApproved
		m.users.On("GetByID", ctx, int64(7)).Return(&models.User{
			ID: 7, Role: models.RoleCourier, ApprovalStatus: &approved,
		}, nil)
		m.stations.On("AddDispatcher", ctx, mock.MatchedBy(func(d *models.StationDispatcher) bool {
			return d.StationID == 5 && d.UserID == 7 && d.AddedBy == 1
		})).Return(nil)
		m.stations.On("AppendAudit", ctx,
			mock.MatchedBy(auditAction("dispatcher_added"))).Return(nil)

		require.NoError(t, svc.AddDispatcher(ctx, 5, 7, 1))
		m.stations.AssertExpectations(t)
	})
}

func TestRemoveOwner(t *testing.T) {
	ctx := context.Background()

	t.Run("non-owner", func(t *testing.T) {
		svc, m := testStationService()
		m.stations.On("IsOwner", ctx, int64(5), int64(7)).Return(false, nil)

		err := svc.RemoveOwner(ctx, 5, 7, 1)
		assert.True(t, apperr.Is(err, apperr.ErrValidation))
		m.stations.AssertNotCalled(t, "RemoveOwner",
			mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("last owner cannot be removed", func(t *testing.T) {
		svc, m := testStationService()
		m.stations.On("IsOwner", ctx, int64(5), int64(7)).Return(true, nil)
		m.stations.On("CountOwners", ctx, int64(5)).Return(1, nil)

		err := svc.RemoveOwner(ctx, 5, 7, 1)
		assert.True(t, apperr.Is(err, apperr.ErrValidation))
		m.stations.AssertNotCalled(t, "RemoveOwner",
			mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("removes and audits", func(t *testing.T) {
		svc, m := testStationService()
		m.stations.On("IsOwner", ctx, int64(5), int64(7)).Return(true, nil)
		m.stations.On("CountOwners", ctx, int64(5)).Return(2, nil)
		m.stations.On("RemoveOwner", ctx, int64(5), int64(7)).Return(nil)
		m.stations.On("AppendAudit", ctx,
			mock.MatchedBy(auditAction("owner_removed"))).Return(nil)

		require.NoError(t, svc.RemoveOwner(ctx, 5, 7, 1))
		m.stations.AssertExpectations(t)
	})
}

func TestManualChargeAmountGuard(t *testing.T) {
	ctx := context.Background()
	svc, m := testStationService()

	_, err := svc.ManualCharge(ctx, 5, 7, 1, dec("100001"), "קנס")
	assert.True(t, apperr.Is(err, apperr.ErrAmountOutOfRange))

	_, err = svc.ManualCharge(ctx, 5, 7, 1, dec("10.555"), "קנס")
	assert.True(t, apperr.Is(err, apperr.ErrAmountOutOfRange))

	m.wallets.AssertNotCalled(t, "GetCourierWalletForUpdate",
		mock.Anything, mock.Anything, mock.Anything)
}

func TestCollectionReport(t *testing.T) {
	ctx := context.Background()
	svc, m := testStationService()

	m.walletSvc.On("StationBalance", ctx, int64(5)).Return(&models.StationWallet{
		StationID:      5,
		Balance:        dec("58.00"),
		CommissionRate: dec("0.08"),
	}, nil)
	m.wallets.On("StationLedgerHistory", ctx, int64(5), 50).Return([]*models.StationLedgerEntry{
		{Amount: dec("8.00")},
		{Amount: dec("12.50")},
		{Amount: dec("-2.00")},
	}, nil)

	report, err := svc.CollectionReport(ctx, 5, 0)
	require.NoError(t, err)
	assert.True(t, report.Balance.Equal(dec("58.00")))
	assert.True(t, report.CommissionRate.Equal(dec("0.08")))
	assert.Len(t, report.Entries, 3)
	assert.True(t, report.Total.Equal(dec("18.50")))
}

func TestSetCommissionRateAudited(t *testing.T) {
	ctx := context.Background()

	t.Run("audits the change", func(t *testing.T) {
		svc, m := testStationService()
		m.walletSvc.On("SetCommissionRate", ctx, int64(5),
			mock.MatchedBy(amountEq("0.10"))).Return(nil)
		m.stations.On("AppendAudit", ctx,
			mock.MatchedBy(auditAction("commission_rate_changed"))).Return(nil)

		require.NoError(t, svc.SetCommissionRate(ctx, 5, dec("0.10"), 1))
		m.stations.AssertExpectations(t)
	})

	t.Run("rejected rate is not audited", func(t *testing.T) {
		svc, m := testStationService()
		m.walletSvc.On("SetCommissionRate", ctx, int64(5), mock.Anything).
			Return(apperr.ErrAmountOutOfRange)

		err := svc.SetCommissionRate(ctx, 5, dec("0.20"), 1)
		assert.True(t, apperr.Is(err, apperr.ErrAmountOutOfRange))
		m.stations.AssertNotCalled(t, "AppendAudit", mock.Anything, mock.Anything)
	})
}

func TestBlacklistSanitizesReason(t *testing.T) {
	ctx := context.Background()
	svc, m := testStationService()
	m.stations.On("AddToBlacklist", ctx, mock.MatchedBy(func(e *models.StationBlacklistEntry) bool {
		return e.StationID == 5 && e.UserID == 7 && e.Reason == "לא אמין"
	})).Return(nil)
	m.stations.On("AppendAudit", ctx,
		mock.MatchedBy(auditAction("courier_blacklisted"))).Return(nil)

	require.NoError(t, svc.Blacklist(ctx, 5, 7, 1, "  לא \n אמין "))
	m.stations.AssertExpectations(t)
}

func TestSetGroupChatAudit(t *testing.T) {
	ctx := context.Background()

	t.Run("link", func(t *testing.T) {
		svc, m := testStationService()
		group := "-100500"
		m.stations.On("SetGroupChatID", ctx, int64(5), &group).Return(nil)
		m.stations.On("AppendAudit", ctx, mock.MatchedBy(func(e *models.AuditLogEntry) bool {
			return e.Action == "group_chat_linked" && e.Details["group_chat_id"] == "-100500"
		})).Return(nil)

		require.NoError(t, svc.SetGroupChat(ctx, 5, &group, 1))
		m.stations.AssertExpectations(t)
	})

	t.Run("unlink", func(t *testing.T) {
		svc, m := testStationService()
		m.stations.On("SetGroupChatID", ctx, int64(5), (*string)(nil)).Return(nil)
		m.stations.On("AppendAudit", ctx,
			mock.MatchedBy(auditAction("group_chat_unlinked"))).Return(nil)

		require.NoError(t, svc.SetGroupChat(ctx, 5, nil, 1))
		m.stations.AssertExpectations(t)
	})
}

func TestAuditFailureDoesNotFailAction(t *testing.T) {
	ctx := context.Background()
	svc, m := testStationService()
	m.stations.On("RemoveDispatcher", ctx, int64(5), int64(7)).Return(nil)
	m.stations.On("AppendAudit", ctx, mock.Anything).Return(errors.New("audit insert refused"))

	require.NoError(t, svc.RemoveDispatcher(ctx, 5, 7, 1))
}
