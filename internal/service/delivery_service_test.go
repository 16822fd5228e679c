package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/repository"
)

// MockDeliveryRepository is a mock implementation of repository.DeliveryRepository.
type MockDeliveryRepository struct {
	mock.Mock
}

func (m *MockDeliveryRepository) Create(ctx context.Context, q repository.Querier, d *models.Delivery) error {
	args := m.Called(ctx, q, d)
	return args.Error(0)
}

func (m *MockDeliveryRepository) GetByID(ctx context.Context, id int64) (*models.Delivery, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Delivery), args.Error(1)
}

func (m *MockDeliveryRepository) GetByToken(ctx context.Context, token string) (*models.Delivery, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Delivery), args.Error(1)
}

func (m *MockDeliveryRepository) GetByIDForUpdate(ctx context.Context, q repository.Querier, id int64) (*models.Delivery, error) {
	args := m.Called(ctx, q, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Delivery), args.Error(1)
}

func (m *MockDeliveryRepository) GetByTokenForUpdate(ctx context.Context, q repository.Querier, token string) (*models.Delivery, error) {
	args := m.Called(ctx, q, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Delivery), args.Error(1)
}

func (m *MockDeliveryRepository) MarkCaptured(ctx context.Context, q repository.Querier, id, courierID int64, capturedAt time.Time) error {
	args := m.Called(ctx, q, id, courierID, capturedAt)
	return args.Error(0)
}

func (m *MockDeliveryRepository) MarkPendingApproval(ctx context.Context, q repository.Querier, id, requestingCourierID int64) error {
	args := m.Called(ctx, q, id, requestingCourierID)
	return args.Error(0)
}

func (m *MockDeliveryRepository) UpdateStatus(ctx context.Context, q repository.Querier, id int64, status models.DeliveryStatus, at time.Time) error {
	args := m.Called(ctx, q, id, status, at)
	return args.Error(0)
}

func (m *MockDeliveryRepository) ListOpen(ctx context.Context, limit int) ([]*models.Delivery, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Delivery), args.Error(1)
}

func (m *MockDeliveryRepository) ListByCourier(ctx context.Context, courierID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error) {
	args := m.Called(ctx, courierID, statuses, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Delivery), args.Error(1)
}

func (m *MockDeliveryRepository) ListBySender(ctx context.Context, senderID int64, limit int) ([]*models.Delivery, error) {
	args := m.Called(ctx, senderID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Delivery), args.Error(1)
}

func (m *MockDeliveryRepository) ListByStation(ctx context.Context, stationID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error) {
	args := m.Called(ctx, stationID, statuses, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Delivery), args.Error(1)
}

func (m *MockDeliveryRepository) ListPendingApproval(ctx context.Context, stationID int64, limit int) ([]*models.Delivery, error) {
	args := m.Called(ctx, stationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Delivery), args.Error(1)
}

// MockWalletService is a mock implementation of WalletService.
type MockWalletService struct {
	mock.Mock
}

func (m *MockWalletService) GetOrCreate(ctx context.Context, courierID int64) (*models.CourierWallet, error) {
	args := m.Called(ctx, courierID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CourierWallet), args.Error(1)
}

func (m *MockWalletService) CanCapture(ctx context.Context, courierID int64, fee decimal.Decimal) (bool, string, error) {
	args := m.Called(ctx, courierID, fee)
	return args.Bool(0), args.String(1), args.Error(2)
}

func (m *MockWalletService) DebitForCapture(ctx context.Context, q repository.Querier, courierID, deliveryID int64, fee decimal.Decimal) (*models.WalletLedgerEntry, error) {
	args := m.Called(ctx, q, courierID, deliveryID, fee)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WalletLedgerEntry), args.Error(1)
}

func (m *MockWalletService) Credit(ctx context.Context, courierID int64, deliveryID *int64, amount decimal.Decimal, entryType models.LedgerEntryType, description string) (*models.WalletLedgerEntry, error) {
	args := m.Called(ctx, courierID, deliveryID, amount, entryType, description)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WalletLedgerEntry), args.Error(1)
}

func (m *MockWalletService) History(ctx context.Context, courierID int64, limit int) ([]*models.WalletLedgerEntry, error) {
	args := m.Called(ctx, courierID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WalletLedgerEntry), args.Error(1)
}

func (m *MockWalletService) CreditStationCommission(ctx context.Context, q repository.Querier, stationID, deliveryID int64, fee decimal.Decimal) (*models.StationLedgerEntry, error) {
	args := m.Called(ctx, q, stationID, deliveryID, fee)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StationLedgerEntry), args.Error(1)
}

func (m *MockWalletService) StationBalance(ctx context.Context, stationID int64) (*models.StationWallet, error) {
	args := m.Called(ctx, stationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StationWallet), args.Error(1)
}

func (m *MockWalletService) SetCommissionRate(ctx context.Context, stationID int64, rate decimal.Decimal) error {
	args := m.Called(ctx, stationID, rate)
	return args.Error(0)
}

// MockUserRepository is a mock implementation of repository.UserRepository.
type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserRepository) GetByPlatformChatID(ctx context.Context, platform models.Platform, chatID string) (*models.User, error) {
	args := m.Called(ctx, platform, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserRepository) GetByPhone(ctx context.Context, phone string) (*models.User, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserRepository) Upsert(ctx context.Context, user *models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) UpdateRole(ctx context.Context, id int64, role models.Role) error {
	args := m.Called(ctx, id, role)
	return args.Error(0)
}

func (m *MockUserRepository) UpdateName(ctx context.Context, id int64, name string) error {
	args := m.Called(ctx, id, name)
	return args.Error(0)
}

func (m *MockUserRepository) UpdatePhone(ctx context.Context, id int64, phone string) error {
	args := m.Called(ctx, id, phone)
	return args.Error(0)
}

func (m *MockUserRepository) UpdateCourierProfile(ctx context.Context, user *models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) SetApprovalStatus(ctx context.Context, id int64, status models.ApprovalStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockUserRepository) ListActiveCouriers(ctx context.Context) ([]*models.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.User), args.Error(1)
}

func (m *MockUserRepository) ListAdmins(ctx context.Context) ([]*models.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.User), args.Error(1)
}

// MockOutboxRepository is a mock implementation of repository.OutboxRepository.
type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) Enqueue(ctx context.Context, q repository.Querier, msg *models.OutboxMessage) error {
	args := m.Called(ctx, q, msg)
	return args.Error(0)
}

func (m *MockOutboxRepository) LeaseBatch(ctx context.Context, batchSize int) ([]*models.OutboxMessage, error) {
	args := m.Called(ctx, batchSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.OutboxMessage), args.Error(1)
}

func (m *MockOutboxRepository) MarkSent(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	args := m.Called(ctx, id, lastError)
	return args.Error(0)
}

func (m *MockOutboxRepository) ScheduleRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastError string) error {
	args := m.Called(ctx, id, retryCount, nextRetryAt, lastError)
	return args.Error(0)
}

func (m *MockOutboxRepository) GetByID(ctx context.Context, id int64) (*models.OutboxMessage, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.OutboxMessage), args.Error(1)
}

func (m *MockOutboxRepository) ListByStatus(ctx context.Context, status models.OutboxStatus, limit int) ([]*models.OutboxMessage, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.OutboxMessage), args.Error(1)
}

func (m *MockOutboxRepository) SummaryByStatus(ctx context.Context) (map[models.OutboxStatus]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[models.OutboxStatus]int), args.Error(1)
}

func (m *MockOutboxRepository) RetryFailed(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

// MockStationRepository is a mock implementation of repository.StationRepository.
type MockStationRepository struct {
	mock.Mock
}

func (m *MockStationRepository) Create(ctx context.Context, station *models.Station) error {
	args := m.Called(ctx, station)
	return args.Error(0)
}

func (m *MockStationRepository) GetByID(ctx context.Context, id int64) (*models.Station, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Station), args.Error(1)
}

func (m *MockStationRepository) GetByGroupChatID(ctx context.Context, groupChatID string) (*models.Station, error) {
	args := m.Called(ctx, groupChatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Station), args.Error(1)
}

func (m *MockStationRepository) List(ctx context.Context) ([]*models.Station, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Station), args.Error(1)
}

func (m *MockStationRepository) SetGroupChatID(ctx context.Context, stationID int64, groupChatID *string) error {
	args := m.Called(ctx, stationID, groupChatID)
	return args.Error(0)
}

func (m *MockStationRepository) AddDispatcher(ctx context.Context, d *models.StationDispatcher) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockStationRepository) RemoveDispatcher(ctx context.Context, stationID, userID int64) error {
	args := m.Called(ctx, stationID, userID)
	return args.Error(0)
}

func (m *MockStationRepository) IsDispatcher(ctx context.Context, stationID, userID int64) (bool, error) {
	args := m.Called(ctx, stationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStationRepository) ListDispatchers(ctx context.Context, stationID int64) ([]*models.StationDispatcher, error) {
	args := m.Called(ctx, stationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.StationDispatcher), args.Error(1)
}

func (m *MockStationRepository) ListDispatchedStations(ctx context.Context, userID int64) ([]*models.Station, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Station), args.Error(1)
}

func (m *MockStationRepository) AddOwner(ctx context.Context, o *models.StationOwner) error {
	args := m.Called(ctx, o)
	return args.Error(0)
}

func (m *MockStationRepository) RemoveOwner(ctx context.Context, stationID, userID int64) error {
	args := m.Called(ctx, stationID, userID)
	return args.Error(0)
}

func (m *MockStationRepository) IsOwner(ctx context.Context, stationID, userID int64) (bool, error) {
	args := m.Called(ctx, stationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStationRepository) ListOwners(ctx context.Context, stationID int64) ([]*models.StationOwner, error) {
	args := m.Called(ctx, stationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.StationOwner), args.Error(1)
}

func (m *MockStationRepository) CountOwners(ctx context.Context, stationID int64) (int, error) {
	args := m.Called(ctx, stationID)
	return args.Int(0), args.Error(1)
}

func (m *MockStationRepository) ListOwnedStations(ctx context.Context, userID int64) ([]*models.Station, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Station), args.Error(1)
}

func (m *MockStationRepository) AddToBlacklist(ctx context.Context, e *models.StationBlacklistEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockStationRepository) RemoveFromBlacklist(ctx context.Context, stationID, userID int64) error {
	args := m.Called(ctx, stationID, userID)
	return args.Error(0)
}

func (m *MockStationRepository) IsBlacklisted(ctx context.Context, stationID, userID int64) (bool, error) {
	args := m.Called(ctx, stationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStationRepository) BlacklistedUserIDs(ctx context.Context, stationID int64) (map[int64]bool, error) {
	args := m.Called(ctx, stationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int64]bool), args.Error(1)
}

func (m *MockStationRepository) RecordManualCharge(ctx context.Context, q repository.Querier, c *models.ManualCharge) error {
	args := m.Called(ctx, q, c)
	return args.Error(0)
}

func (m *MockStationRepository) ListManualCharges(ctx context.Context, stationID int64, limit int) ([]*models.ManualCharge, error) {
	args := m.Called(ctx, stationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ManualCharge), args.Error(1)
}

func (m *MockStationRepository) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockStationRepository) ListAudit(ctx context.Context, stationID int64, limit int) ([]*models.AuditLogEntry, error) {
	args := m.Called(ctx, stationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AuditLogEntry), args.Error(1)
}

type deliveryMocks struct {
	deliveries *MockDeliveryRepository
	wallets    *MockWalletService
	stations   *MockStationRepository
	outbox     *MockOutboxRepository
	users      *MockUserRepository
}

func testDeliveryService() (*deliveryService, *deliveryMocks) {
	m := &deliveryMocks{
		deliveries: new(MockDeliveryRepository),
		wallets:    new(MockWalletService),
		stations:   new(MockStationRepository),
		outbox:     new(MockOutboxRepository),
		users:      new(MockUserRepository),
	}
	svc := &deliveryService{
		deliveryRepo: m.deliveries,
		walletSvc:    m.wallets,
		stationRepo:  m.stations,
		outboxRepo:   m.outbox,
		userRepo:     m.users,
		maxRetries:   5,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return svc, m
}

func openDelivery(stationID *int64) *models.Delivery {
	return &models.Delivery{
		ID:             42,
		Token:          "tok-42",
		SenderID:       9,
		StationID:      stationID,
		PickupAddress:  "הרצל 10, תל אביב",
		DropoffAddress: "ביאליק 5, רמת גן",
		Status:         models.DeliveryOpen,
		Fee:            dec("30.00"),
	}
}

func lockReturning(d *models.Delivery, err error) lockDelivery {
	return func(context.Context, pgx.Tx) (*models.Delivery, error) { return d, err }
}

func amountEq(s string) func(decimal.Decimal) bool {
	want := dec(s)
	return func(got decimal.Decimal) bool { return got.Equal(want) }
}

func sentTo(chatID, msgType string) func(*models.OutboxMessage) bool {
	return func(msg *models.OutboxMessage) bool {
		return msg.RecipientID == chatID && msg.MessageType == msgType
	}
}

func TestCaptureInTx(t *testing.T) {
	ctx := context.Background()
	sender := &models.User{ID: 9, Platform: models.PlatformBot, ChatID: "chat-9"}

	t.Run("captures an open shipment", func(t *testing.T) {
		svc, m := testDeliveryService()
		m.wallets.On("DebitForCapture", ctx, nil, int64(7), int64(42),
			mock.MatchedBy(amountEq("30.00"))).Return(&models.WalletLedgerEntry{}, nil)
		m.deliveries.On("MarkCaptured", ctx, nil, int64(42), int64(7),
			mock.AnythingOfType("time.Time")).Return(nil)
		m.users.On("GetByID", ctx, int64(9)).Return(sender, nil)
		m.outbox.On("Enqueue", ctx, nil,
			mock.MatchedBy(sentTo("chat-9", "delivery_captured"))).Return(nil)

		d, err := svc.captureInTx(ctx, nil, 7, nil, lockReturning(openDelivery(nil), nil))
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryCaptured, d.Status)
		require.NotNil(t, d.CourierID)
		assert.Equal(t, int64(7), *d.CourierID)
		assert.NotNil(t, d.CapturedAt)
		m.deliveries.AssertExpectations(t)
		m.wallets.AssertExpectations(t)
		m.outbox.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		svc, _ := testDeliveryService()
		_, err := svc.captureInTx(ctx, nil, 7, nil, lockReturning(nil, nil))
		assert.True(t, apperr.Is(err, apperr.ErrDeliveryNotFound))
	})

	t.Run("already taken", func(t *testing.T) {
		svc, m := testDeliveryService()
		d := openDelivery(nil)
		d.Status = models.DeliveryCaptured

		_, err := svc.captureInTx(ctx, nil, 7, nil, lockReturning(d, nil))
		assert.True(t, apperr.Is(err, apperr.ErrDeliveryNotAvailable))
		m.wallets.AssertNotCalled(t, "DebitForCapture",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("blacklisted courier is refused", func(t *testing.T) {
		svc, m := testDeliveryService()
		stationID := int64(5)
		m.stations.On("IsBlacklisted", ctx, int64(5), int64(7)).Return(true, nil)

		_, err := svc.captureInTx(ctx, nil, 7, nil, lockReturning(openDelivery(&stationID), nil))
		assert.True(t, apperr.Is(err, apperr.ErrCourierBlacklisted))
		m.wallets.AssertNotCalled(t, "DebitForCapture",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("insufficient credit rolls the capture back", func(t *testing.T) {
		svc, m := testDeliveryService()
		m.wallets.On("DebitForCapture", ctx, nil, int64(7), int64(42),
			mock.Anything).Return(nil, apperr.ErrInsufficientCredit)

		_, err := svc.captureInTx(ctx, nil, 7, nil, lockReturning(openDelivery(nil), nil))
		assert.True(t, apperr.Is(err, apperr.ErrInsufficientCredit))
		m.deliveries.AssertNotCalled(t, "MarkCaptured",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("dispatcher capture credits station commission", func(t *testing.T) {
		svc, m := testDeliveryService()
		stationID := int64(5)
		m.stations.On("IsBlacklisted", ctx, int64(5), int64(7)).Return(false, nil)
		m.stations.On("IsDispatcher", ctx, int64(5), int64(7)).Return(true, nil)
		m.wallets.On("DebitForCapture", ctx, nil, int64(7), int64(42),
			mock.MatchedBy(amountEq("30.00"))).Return(&models.WalletLedgerEntry{}, nil)
		m.deliveries.On("MarkCaptured", ctx, nil, int64(42), int64(7),
			mock.AnythingOfType("time.Time")).Return(nil)
		m.wallets.On("CreditStationCommission", ctx, nil, int64(5), int64(42),
			mock.MatchedBy(amountEq("30.00"))).Return(&models.StationLedgerEntry{}, nil)
		m.users.On("GetByID", ctx, int64(9)).Return(sender, nil)
		m.outbox.On("Enqueue", ctx, nil,
			mock.MatchedBy(sentTo("chat-9", "delivery_captured"))).Return(nil)

		d, err := svc.captureInTx(ctx, nil, 7, nil, lockReturning(openDelivery(&stationID), nil))
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryCaptured, d.Status)
		m.wallets.AssertExpectations(t)
	})

	t.Run("non-dispatcher is parked at pending approval", func(t *testing.T) {
		svc, m := testDeliveryService()
		stationID := int64(5)
		groupChat := "-100500"
		m.stations.On("IsBlacklisted", ctx, int64(5), int64(7)).Return(false, nil)
		m.stations.On("IsDispatcher", ctx, int64(5), int64(7)).Return(false, nil)
		m.wallets.On("CanCapture", ctx, int64(7),
			mock.MatchedBy(amountEq("30.00"))).Return(true, "", nil)
		m.deliveries.On("MarkPendingApproval", ctx, nil, int64(42), int64(7)).Return(nil)
		m.stations.On("GetByID", ctx, int64(5)).Return(&models.Station{
			ID: 5, Name: "מרכז", GroupChatID: &groupChat, IsActive: true,
		}, nil)
		m.users.On("GetByID", ctx, int64(7)).Return(&models.User{
			ID: 7, Name: "דני", Platform: models.PlatformBot, ChatID: "chat-7",
		}, nil)
		m.outbox.On("Enqueue", ctx, nil,
			mock.MatchedBy(sentTo("-100500", "capture_request"))).Return(nil)

		d, err := svc.captureInTx(ctx, nil, 7, nil, lockReturning(openDelivery(&stationID), nil))
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryPendingApproval, d.Status)
		require.NotNil(t, d.RequestingCourierID)
		assert.Equal(t, int64(7), *d.RequestingCourierID)
		// No money moves until a dispatcher approves.
		m.wallets.AssertNotCalled(t, "DebitForCapture",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		m.outbox.AssertExpectations(t)
	})

	t.Run("doomed approval request is refused up front", func(t *testing.T) {
		svc, m := testDeliveryService()
		stationID := int64(5)
		m.stations.On("IsBlacklisted", ctx, int64(5), int64(7)).Return(false, nil)
		m.stations.On("IsDispatcher", ctx, int64(5), int64(7)).Return(false, nil)
		m.wallets.On("CanCapture", ctx, int64(7),
			mock.Anything).Return(false, "insufficient_credit", nil)

		_, err := svc.captureInTx(ctx, nil, 7, nil, lockReturning(openDelivery(&stationID), nil))
		assert.True(t, apperr.Is(err, apperr.ErrInsufficientCredit))
		m.deliveries.AssertNotCalled(t, "MarkPendingApproval",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("fee override is applied", func(t *testing.T) {
		svc, m := testDeliveryService()
		override := dec("25.00")
		m.wallets.On("DebitForCapture", ctx, nil, int64(7), int64(42),
			mock.MatchedBy(amountEq("25.00"))).Return(&models.WalletLedgerEntry{}, nil)
		m.deliveries.On("MarkCaptured", ctx, nil, int64(42), int64(7),
			mock.AnythingOfType("time.Time")).Return(nil)
		m.users.On("GetByID", ctx, int64(9)).Return(sender, nil)
		m.outbox.On("Enqueue", ctx, nil, mock.Anything).Return(nil)

		d, err := svc.captureInTx(ctx, nil, 7, &override, lockReturning(openDelivery(nil), nil))
		require.NoError(t, err)
		assert.True(t, d.Fee.Equal(dec("25.00")))
		m.wallets.AssertExpectations(t)
	})

	t.Run("fee override out of range", func(t *testing.T) {
		svc, _ := testDeliveryService()
		override := dec("20000")

		_, err := svc.captureInTx(ctx, nil, 7, &override, lockReturning(openDelivery(nil), nil))
		assert.True(t, apperr.Is(err, apperr.ErrAmountOutOfRange))
	})
}

func TestApproveInTx(t *testing.T) {
	ctx := context.Background()

	t.Run("debits the requesting courier", func(t *testing.T) {
		svc, m := testDeliveryService()
		stationID := int64(5)
		requester := int64(7)
		d := openDelivery(&stationID)
		d.Status = models.DeliveryPendingApproval
		d.RequestingCourierID = &requester

		m.deliveries.On("GetByIDForUpdate", ctx, nil, int64(42)).Return(d, nil)
		m.wallets.On("DebitForCapture", ctx, nil, int64(7), int64(42),
			mock.MatchedBy(amountEq("30.00"))).Return(&models.WalletLedgerEntry{}, nil)
		m.deliveries.On("MarkCaptured", ctx, nil, int64(42), int64(7),
			mock.AnythingOfType("time.Time")).Return(nil)
		m.wallets.On("CreditStationCommission", ctx, nil, int64(5), int64(42),
			mock.MatchedBy(amountEq("30.00"))).Return(&models.StationLedgerEntry{}, nil)
		m.users.On("GetByID", ctx, int64(7)).Return(&models.User{
			ID: 7, Platform: models.PlatformBot, ChatID: "chat-7",
		}, nil)
		m.users.On("GetByID", ctx, int64(9)).Return(&models.User{
			ID: 9, Platform: models.PlatformBot, ChatID: "chat-9",
		}, nil)
		m.outbox.On("Enqueue", ctx, nil,
			mock.MatchedBy(sentTo("chat-7", "capture_approved"))).Return(nil)
		m.outbox.On("Enqueue", ctx, nil,
			mock.MatchedBy(sentTo("chat-9", "delivery_captured"))).Return(nil)

		approved, err := svc.approveInTx(ctx, nil, 42)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryCaptured, approved.Status)
		require.NotNil(t, approved.CourierID)
		assert.Equal(t, int64(7), *approved.CourierID)
		m.wallets.AssertExpectations(t)
		m.outbox.AssertExpectations(t)
	})

	t.Run("only pending shipments can be approved", func(t *testing.T) {
		svc, m := testDeliveryService()
		m.deliveries.On("GetByIDForUpdate", ctx, nil, int64(42)).Return(openDelivery(nil), nil)

		_, err := svc.approveInTx(ctx, nil, 42)
		assert.True(t, apperr.Is(err, apperr.ErrInvalidStateTransition))
		m.wallets.AssertNotCalled(t, "DebitForCapture",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	svc, _ := testDeliveryService()

	valid := CreateDeliveryInput{
		SenderID:       9,
		PickupAddress:  "הרצל 10, תל אביב",
		DropoffAddress: "ביאליק 5, רמת גן",
		Fee:            dec("30.00"),
	}

	t.Run("short address", func(t *testing.T) {
		input := valid
		input.PickupAddress = "אב"
		_, err := svc.Create(ctx, input)
		assert.True(t, apperr.Is(err, apperr.ErrInvalidAddress))
	})

	t.Run("fee above cap", func(t *testing.T) {
		input := valid
		input.Fee = dec("20000")
		_, err := svc.Create(ctx, input)
		assert.True(t, apperr.Is(err, apperr.ErrAmountOutOfRange))
	})

	t.Run("injection shape in notes", func(t *testing.T) {
		input := valid
		input.Notes = "1; DROP TABLE deliveries"
		_, err := svc.Create(ctx, input)
		assert.True(t, apperr.Is(err, apperr.ErrInjectionDetected))
	})
}
