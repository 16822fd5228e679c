package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mishloha/dispatch/internal/correlation"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/pkg/token"
	"github.com/mishloha/dispatch/internal/repository"
	"github.com/mishloha/dispatch/internal/validation"
)

// CreateDeliveryInput carries the fields of a new shipment.
type CreateDeliveryInput struct {
	SenderID  int64
	StationID *int64

	PickupAddress      string
	PickupContactName  string
	PickupContactPhone string

	DropoffAddress      string
	DropoffContactName  string
	DropoffContactPhone string

	Fee   decimal.Decimal
	Notes string
}

// DeliveryService defines the shipment workflow operations.
type DeliveryService interface {
	Create(ctx context.Context, input CreateDeliveryInput) (*models.Delivery, error)
	GetByID(ctx context.Context, id int64) (*models.Delivery, error)
	GetByToken(ctx context.Context, tok string) (*models.Delivery, error)
	ListOpen(ctx context.Context, limit int) ([]*models.Delivery, error)
	ListByCourier(ctx context.Context, courierID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error)
	ListBySender(ctx context.Context, senderID int64, limit int) ([]*models.Delivery, error)
	ListByStation(ctx context.Context, stationID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error)
	ListPendingApproval(ctx context.Context, stationID int64, limit int) ([]*models.Delivery, error)

	Capture(ctx context.Context, deliveryID, courierID int64, feeOverride *decimal.Decimal) (*models.Delivery, error)
	CaptureByToken(ctx context.Context, tok string, courierID int64, feeOverride *decimal.Decimal) (*models.Delivery, error)
	Approve(ctx context.Context, deliveryID, dispatcherID int64) (*models.Delivery, error)
	Reject(ctx context.Context, deliveryID, dispatcherID int64) error
	MarkPickedUp(ctx context.Context, deliveryID, courierID int64) error
	MarkDelivered(ctx context.Context, deliveryID, courierID int64) error
	Cancel(ctx context.Context, deliveryID, actorID int64) error
}

type deliveryService struct {
	pool         *pgxpool.Pool
	deliveryRepo repository.DeliveryRepository
	walletSvc    WalletService
	stationRepo  repository.StationRepository
	outboxRepo   repository.OutboxRepository
	userRepo     repository.UserRepository
	maxRetries   int
	logger       *slog.Logger
}

// NewDeliveryService creates a new delivery service.
func NewDeliveryService(
	pool *pgxpool.Pool,
	deliveryRepo repository.DeliveryRepository,
	walletSvc WalletService,
	stationRepo repository.StationRepository,
	outboxRepo repository.OutboxRepository,
	userRepo repository.UserRepository,
	maxRetries int,
	logger *slog.Logger,
) DeliveryService {
	return &deliveryService{
		pool:         pool,
		deliveryRepo: deliveryRepo,
		walletSvc:    walletSvc,
		stationRepo:  stationRepo,
		outboxRepo:   outboxRepo,
		userRepo:     userRepo,
		maxRetries:   maxRetries,
		logger:       logger,
	}
}

// Create validates the shipment fields, inserts it as OPEN and enqueues the
// courier broadcast in the same transaction.
func (s *deliveryService) Create(ctx context.Context, input CreateDeliveryInput) (*models.Delivery, error) {
	if !validation.ValidateAddress(input.PickupAddress) {
		return nil, apperr.ErrInvalidAddress
	}
	if !validation.ValidateAddress(input.DropoffAddress) {
		return nil, apperr.ErrInvalidAddress
	}
	if !validation.ValidateDeliveryFee(input.Fee) {
		return nil, apperr.ErrAmountOutOfRange
	}
	if safe, pattern := validation.CheckInjection(input.Notes); !safe {
		return nil, apperr.ErrInjectionDetected.WithDetails(map[string]any{"pattern": pattern})
	}

	tok, err := token.NewCaptureToken()
	if err != nil {
		return nil, err
	}

	d := &models.Delivery{
		Token:               tok,
		SenderID:            input.SenderID,
		StationID:           input.StationID,
		PickupAddress:       validation.NormalizeAddress(input.PickupAddress),
		PickupContactName:   validation.Sanitize(input.PickupContactName),
		PickupContactPhone:  input.PickupContactPhone,
		DropoffAddress:      validation.NormalizeAddress(input.DropoffAddress),
		DropoffContactName:  validation.Sanitize(input.DropoffContactName),
		DropoffContactPhone: input.DropoffContactPhone,
		Status:              models.DeliveryOpen,
		Fee:                 input.Fee,
		Notes:               validation.Sanitize(input.Notes),
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.deliveryRepo.Create(ctx, tx, d); err != nil {
			return fmt.Errorf("failed to insert delivery: %w", err)
		}
		return s.enqueue(ctx, tx, models.PlatformBot, models.BroadcastCouriers, "new_delivery", models.MessageContent{
			Text: fmt.Sprintf("<b>משלוח חדש</b>\nמ: %s\nאל: %s\nתשלום: ₪%s",
				d.PickupAddress, d.DropoffAddress, d.Fee.StringFixed(2)),
			Keyboard: [][]models.Button{{
				{Text: "תפוס משלוח", Data: fmt.Sprintf("capture:%s", d.Token)},
			}},
		}, d.StationID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "delivery created",
		"delivery_id", d.ID, "sender_id", d.SenderID, "fee", d.Fee.StringFixed(2))
	return d, nil
}

func (s *deliveryService) GetByID(ctx context.Context, id int64) (*models.Delivery, error) {
	d, err := s.deliveryRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	if d == nil {
		return nil, apperr.ErrDeliveryNotFound
	}
	return d, nil
}

func (s *deliveryService) GetByToken(ctx context.Context, tok string) (*models.Delivery, error) {
	d, err := s.deliveryRepo.GetByToken(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	if d == nil {
		return nil, apperr.ErrDeliveryNotFound
	}
	return d, nil
}

func (s *deliveryService) ListOpen(ctx context.Context, limit int) ([]*models.Delivery, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return s.deliveryRepo.ListOpen(ctx, limit)
}

func (s *deliveryService) ListByCourier(ctx context.Context, courierID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return s.deliveryRepo.ListByCourier(ctx, courierID, statuses, limit)
}

func (s *deliveryService) ListBySender(ctx context.Context, senderID int64, limit int) ([]*models.Delivery, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return s.deliveryRepo.ListBySender(ctx, senderID, limit)
}

func (s *deliveryService) ListByStation(ctx context.Context, stationID int64, statuses []models.DeliveryStatus, limit int) ([]*models.Delivery, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return s.deliveryRepo.ListByStation(ctx, stationID, statuses, limit)
}

func (s *deliveryService) ListPendingApproval(ctx context.Context, stationID int64, limit int) ([]*models.Delivery, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return s.deliveryRepo.ListPendingApproval(ctx, stationID, limit)
}

// Capture atomically claims an OPEN shipment for a courier: delivery and
// wallet rows are locked, the blacklist and credit line are checked, the fee
// is debited with its ledger row, station commission is credited, and the
// sender notification is enqueued. Any failure rolls back the whole unit.
// A station shipment taken by a courier without dispatcher permissions is
// parked at PENDING_APPROVAL instead; a dispatcher rules on it via Approve
// or Reject.
func (s *deliveryService) Capture(ctx context.Context, deliveryID, courierID int64, feeOverride *decimal.Decimal) (*models.Delivery, error) {
	return s.capture(ctx, courierID, feeOverride, func(ctx context.Context, tx pgx.Tx) (*models.Delivery, error) {
		return s.deliveryRepo.GetByIDForUpdate(ctx, tx, deliveryID)
	})
}

// CaptureByToken is the smart-link form of Capture, keyed on the shipment's
// random token.
func (s *deliveryService) CaptureByToken(ctx context.Context, tok string, courierID int64, feeOverride *decimal.Decimal) (*models.Delivery, error) {
	return s.capture(ctx, courierID, feeOverride, func(ctx context.Context, tx pgx.Tx) (*models.Delivery, error) {
		return s.deliveryRepo.GetByTokenForUpdate(ctx, tx, tok)
	})
}

// lockDelivery loads one shipment under FOR UPDATE inside a transaction.
type lockDelivery func(context.Context, pgx.Tx) (*models.Delivery, error)

func (s *deliveryService) capture(ctx context.Context, courierID int64, feeOverride *decimal.Decimal, lock lockDelivery) (*models.Delivery, error) {
	var result *models.Delivery

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		d, err := s.captureInTx(ctx, tx, courierID, feeOverride, lock)
		if err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Status == models.DeliveryPendingApproval {
		s.logger.InfoContext(ctx, "capture routed to dispatcher approval",
			"delivery_id", result.ID, "courier_id", courierID)
	} else {
		s.logger.InfoContext(ctx, "delivery captured",
			"delivery_id", result.ID, "courier_id", courierID, "fee", result.Fee.StringFixed(2))
	}
	return result, nil
}

func (s *deliveryService) captureInTx(ctx context.Context, tx pgx.Tx, courierID int64, feeOverride *decimal.Decimal, lock lockDelivery) (*models.Delivery, error) {
	d, err := lock(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to lock delivery: %w", err)
	}
	if d == nil {
		return nil, apperr.ErrDeliveryNotFound
	}
	if d.Status != models.DeliveryOpen {
		return nil, apperr.ErrDeliveryNotAvailable
	}

	if d.StationID != nil {
		blacklisted, err := s.stationRepo.IsBlacklisted(ctx, *d.StationID, courierID)
		if err != nil {
			return nil, fmt.Errorf("failed to check blacklist: %w", err)
		}
		if blacklisted {
			return nil, apperr.ErrCourierBlacklisted
		}

		isDispatcher, err := s.stationRepo.IsDispatcher(ctx, *d.StationID, courierID)
		if err != nil {
			return nil, fmt.Errorf("failed to check dispatcher: %w", err)
		}
		if !isDispatcher {
			return s.requestApprovalInTx(ctx, tx, d, courierID)
		}
	}

	fee := d.Fee
	if feeOverride != nil {
		if !validation.ValidateDeliveryFee(*feeOverride) {
			return nil, apperr.ErrAmountOutOfRange
		}
		fee = *feeOverride
	}

	if _, err := s.walletSvc.DebitForCapture(ctx, tx, courierID, d.ID, fee); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.deliveryRepo.MarkCaptured(ctx, tx, d.ID, courierID, now); err != nil {
		return nil, fmt.Errorf("failed to mark captured: %w", err)
	}

	if d.StationID != nil {
		if _, err := s.walletSvc.CreditStationCommission(ctx, tx, *d.StationID, d.ID, fee); err != nil {
			return nil, err
		}
	}

	if err := s.notifyUser(ctx, tx, d.SenderID, "delivery_captured",
		fmt.Sprintf("<b>המשלוח שלך נתפס!</b>\nשליח בדרך לאיסוף מ: %s", d.PickupAddress),
		d.StationID); err != nil {
		return nil, err
	}

	d.Status = models.DeliveryCaptured
	d.CourierID = &courierID
	d.CapturedAt = &now
	d.Fee = fee
	return d, nil
}

// requestApprovalInTx parks a station shipment at PENDING_APPROVAL for the
// requesting courier and asks the station's dispatchers to rule. No money
// moves until approval; the credit line is pre-checked so a doomed request
// is refused to the courier immediately.
func (s *deliveryService) requestApprovalInTx(ctx context.Context, tx pgx.Tx, d *models.Delivery, courierID int64) (*models.Delivery, error) {
	ok, _, err := s.walletSvc.CanCapture(ctx, courierID, d.Fee)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrInsufficientCredit
	}

	if err := s.deliveryRepo.MarkPendingApproval(ctx, tx, d.ID, courierID); err != nil {
		return nil, fmt.Errorf("failed to mark pending approval: %w", err)
	}
	if err := s.notifyDispatchers(ctx, tx, d, courierID); err != nil {
		return nil, err
	}

	d.Status = models.DeliveryPendingApproval
	d.RequestingCourierID = &courierID
	return d, nil
}

// notifyDispatchers enqueues the capture request: one message to the station
// group chat when configured, otherwise one per dispatcher. A station with
// no dispatchers keeps the request pending and is only logged; the pending
// queue in the dispatcher menu still surfaces it.
func (s *deliveryService) notifyDispatchers(ctx context.Context, tx pgx.Tx, d *models.Delivery, courierID int64) error {
	station, err := s.stationRepo.GetByID(ctx, *d.StationID)
	if err != nil {
		return fmt.Errorf("failed to load station: %w", err)
	}
	if station == nil {
		return apperr.ErrStationNotFound
	}

	courierName := "שליח"
	if courier, err := s.userRepo.GetByID(ctx, courierID); err != nil {
		return fmt.Errorf("failed to load courier: %w", err)
	} else if courier != nil && courier.Name != "" {
		courierName = courier.Name
	}

	content := models.MessageContent{
		Text: fmt.Sprintf("<b>בקשת תפיסה</b>\n%s מבקש לקחת משלוח אל %s\nתשלום: ₪%s",
			courierName, d.DropoffAddress, d.Fee.StringFixed(2)),
		Keyboard: [][]models.Button{{
			{Text: "אשר", Data: fmt.Sprintf("approve:%d", d.ID)},
			{Text: "דחה", Data: fmt.Sprintf("reject:%d", d.ID)},
		}},
	}

	if station.GroupChatID != nil && *station.GroupChatID != "" {
		return s.enqueue(ctx, tx, models.PlatformBot, *station.GroupChatID, "capture_request", content, d.StationID)
	}

	dispatchers, err := s.stationRepo.ListDispatchers(ctx, *d.StationID)
	if err != nil {
		return fmt.Errorf("failed to list dispatchers: %w", err)
	}
	if len(dispatchers) == 0 {
		s.logger.WarnContext(ctx, "capture request with no dispatchers to notify",
			"station_id", *d.StationID, "delivery_id", d.ID)
		return nil
	}
	for _, dispatcher := range dispatchers {
		u, err := s.userRepo.GetByID(ctx, dispatcher.UserID)
		if err != nil {
			return fmt.Errorf("failed to load dispatcher: %w", err)
		}
		if u == nil {
			continue
		}
		if err := s.enqueue(ctx, tx, u.Platform, u.ChatID, "capture_request", content, d.StationID); err != nil {
			return err
		}
	}
	return nil
}

// Approve moves a station-routed PENDING_APPROVAL shipment to CAPTURED for
// its requesting courier, running the same debit discipline as Capture.
func (s *deliveryService) Approve(ctx context.Context, deliveryID, dispatcherID int64) (*models.Delivery, error) {
	var approved *models.Delivery

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		d, err := s.approveInTx(ctx, tx, deliveryID)
		if err != nil {
			return err
		}
		approved = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "capture approved",
		"delivery_id", approved.ID, "dispatcher_id", dispatcherID)
	return approved, nil
}

func (s *deliveryService) approveInTx(ctx context.Context, tx pgx.Tx, deliveryID int64) (*models.Delivery, error) {
	d, err := s.deliveryRepo.GetByIDForUpdate(ctx, tx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock delivery: %w", err)
	}
	if d == nil {
		return nil, apperr.ErrDeliveryNotFound
	}
	if d.Status != models.DeliveryPendingApproval || d.RequestingCourierID == nil {
		return nil, apperr.ErrInvalidStateTransition
	}
	courierID := *d.RequestingCourierID

	if _, err := s.walletSvc.DebitForCapture(ctx, tx, courierID, d.ID, d.Fee); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.deliveryRepo.MarkCaptured(ctx, tx, d.ID, courierID, now); err != nil {
		return nil, fmt.Errorf("failed to mark captured: %w", err)
	}

	if d.StationID != nil {
		if _, err := s.walletSvc.CreditStationCommission(ctx, tx, *d.StationID, d.ID, d.Fee); err != nil {
			return nil, err
		}
	}

	if err := s.notifyUser(ctx, tx, courierID, "capture_approved",
		"<b>הבקשה אושרה!</b>\nהמשלוח שלך, צא לדרך", d.StationID); err != nil {
		return nil, err
	}
	if err := s.notifyUser(ctx, tx, d.SenderID, "delivery_captured",
		fmt.Sprintf("<b>המשלוח שלך נתפס!</b>\nשליח בדרך לאיסוף מ: %s", d.PickupAddress),
		d.StationID); err != nil {
		return nil, err
	}

	d.Status = models.DeliveryCaptured
	d.CourierID = &courierID
	d.CapturedAt = &now
	return d, nil
}

// Reject cancels a PENDING_APPROVAL shipment and tells the requesting
// courier.
func (s *deliveryService) Reject(ctx context.Context, deliveryID, dispatcherID int64) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		d, err := s.deliveryRepo.GetByIDForUpdate(ctx, tx, deliveryID)
		if err != nil {
			return fmt.Errorf("failed to lock delivery: %w", err)
		}
		if d == nil {
			return apperr.ErrDeliveryNotFound
		}
		if d.Status != models.DeliveryPendingApproval {
			return apperr.ErrInvalidStateTransition
		}

		if err := s.deliveryRepo.UpdateStatus(ctx, tx, d.ID, models.DeliveryCancelled, time.Now()); err != nil {
			return fmt.Errorf("failed to cancel delivery: %w", err)
		}

		if d.RequestingCourierID != nil {
			return s.notifyUser(ctx, tx, *d.RequestingCourierID, "capture_rejected",
				"הבקשה לתפיסת המשלוח נדחתה", d.StationID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "capture rejected",
		"delivery_id", deliveryID, "dispatcher_id", dispatcherID)
	return nil
}

func (s *deliveryService) MarkPickedUp(ctx context.Context, deliveryID, courierID int64) error {
	return s.transition(ctx, deliveryID, courierID, models.DeliveryInProgress, "delivery_picked_up",
		"השליח אסף את המשלוח ונמצא בדרך ליעד")
}

func (s *deliveryService) MarkDelivered(ctx context.Context, deliveryID, courierID int64) error {
	return s.transition(ctx, deliveryID, courierID, models.DeliveryDelivered, "delivery_delivered",
		"<b>המשלוח נמסר!</b>\nתודה שהשתמשת בשירות")
}

// transition performs the courier-authorized status moves (pickup, deliver)
// under row lock and notifies the sender.
func (s *deliveryService) transition(ctx context.Context, deliveryID, courierID int64, next models.DeliveryStatus, msgType, senderText string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		d, err := s.deliveryRepo.GetByIDForUpdate(ctx, tx, deliveryID)
		if err != nil {
			return fmt.Errorf("failed to lock delivery: %w", err)
		}
		if d == nil {
			return apperr.ErrDeliveryNotFound
		}
		if d.CourierID == nil || *d.CourierID != courierID {
			return apperr.ErrInvalidStateTransition
		}
		if !models.CanTransition(d.Status, next) {
			return apperr.ErrInvalidStateTransition.WithDetails(map[string]any{
				"from": string(d.Status),
				"to":   string(next),
			})
		}

		if err := s.deliveryRepo.UpdateStatus(ctx, tx, d.ID, next, time.Now()); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		return s.notifyUser(ctx, tx, d.SenderID, msgType, senderText, d.StationID)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "delivery transitioned",
		"delivery_id", deliveryID, "courier_id", courierID, "status", string(next))
	return nil
}

// Cancel is allowed for OPEN shipments by their sender only. Dispatcher
// cancellation of PENDING_APPROVAL goes through Reject.
func (s *deliveryService) Cancel(ctx context.Context, deliveryID, actorID int64) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		d, err := s.deliveryRepo.GetByIDForUpdate(ctx, tx, deliveryID)
		if err != nil {
			return fmt.Errorf("failed to lock delivery: %w", err)
		}
		if d == nil {
			return apperr.ErrDeliveryNotFound
		}
		if d.Status != models.DeliveryOpen || d.SenderID != actorID {
			return apperr.ErrInvalidStateTransition
		}
		return s.deliveryRepo.UpdateStatus(ctx, tx, d.ID, models.DeliveryCancelled, time.Now())
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "delivery cancelled", "delivery_id", deliveryID, "actor_id", actorID)
	return nil
}

// notifyUser enqueues a text message to a user's chat identity in the
// caller's transaction.
func (s *deliveryService) notifyUser(ctx context.Context, tx pgx.Tx, userID int64, msgType, text string, stationID *int64) error {
	u, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load recipient: %w", err)
	}
	if u == nil {
		s.logger.WarnContext(ctx, "notification recipient missing", "user_id", userID)
		return nil
	}
	return s.enqueue(ctx, tx, u.Platform, u.ChatID, msgType, models.MessageContent{Text: text}, stationID)
}

func (s *deliveryService) enqueue(ctx context.Context, tx pgx.Tx, platform models.Platform, recipient, msgType string, content models.MessageContent, stationID *int64) error {
	msg := &models.OutboxMessage{
		Platform:      platform,
		RecipientID:   recipient,
		MessageType:   msgType,
		Content:       content,
		Status:        models.OutboxPending,
		MaxRetries:    s.maxRetries,
		StationID:     stationID,
		CorrelationID: correlation.FromContext(ctx),
	}
	if err := s.outboxRepo.Enqueue(ctx, tx, msg); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

var _ DeliveryService = (*deliveryService)(nil)
