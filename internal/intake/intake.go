// Package intake processes normalized inbound webhook messages: idempotency
// claim, user upsert, conversation dispatch and transactional reply enqueue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishloha/dispatch/internal/chatio"
	"github.com/mishloha/dispatch/internal/conversation"
	"github.com/mishloha/dispatch/internal/correlation"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/repository"
	"github.com/mishloha/dispatch/internal/validation"
)

// InboundMessage is one normalized webhook message. The handler layer strips
// the platform envelope; this is everything the core needs.
type InboundMessage struct {
	Platform          models.Platform
	PlatformMessageID string
	FromUserID        string // platform-stable identity of who sent/pressed
	GroupChatID       string // set when the message arrived in a group chat
	Phone             string // known real phone, if the platform exposes one
	Name              string
	Text              string
	CallbackData      string
	MediaRef          string
	MediaType         string

	// Verified is set by the handler after source signature verification.
	// Unverified messages are refused outright.
	Verified bool
}

// Service processes normalized inbound messages: dedupe, user upsert,
// dispatch through the conversation engine, and reply enqueue.
type Service interface {
	Process(ctx context.Context, msg InboundMessage) error
}

type intakeService struct {
	pool       *pgxpool.Pool
	events     repository.WebhookEventRepository
	users      repository.UserRepository
	outbox     repository.OutboxRepository
	engine     *conversation.Engine
	callbacks  *chatio.CallbackStore
	maxRetries int
	logger     *slog.Logger
}

// NewService creates the webhook intake service.
func NewService(
	pool *pgxpool.Pool,
	eventRepo repository.WebhookEventRepository,
	userRepo repository.UserRepository,
	outboxRepo repository.OutboxRepository,
	engine *conversation.Engine,
	callbacks *chatio.CallbackStore,
	maxRetries int,
	logger *slog.Logger,
) Service {
	return &intakeService{
		pool:       pool,
		events:     eventRepo,
		users:      userRepo,
		outbox:     outboxRepo,
		engine:     engine,
		callbacks:  callbacks,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Process runs one inbound message end to end. Duplicate message ids
// short-circuit with no side effects.
func (s *intakeService) Process(ctx context.Context, msg InboundMessage) error {
	if !msg.Verified {
		return apperr.ErrValidation.WithMessage("מקור ההודעה לא אומת")
	}
	if msg.PlatformMessageID == "" || msg.FromUserID == "" {
		return apperr.ErrValidation
	}

	event, claimed, err := s.events.Claim(ctx, msg.PlatformMessageID)
	if err != nil {
		return fmt.Errorf("failed to claim webhook event: %w", err)
	}
	if !claimed {
		duplicatesTotal.WithLabelValues(string(msg.Platform)).Inc()
		s.logger.InfoContext(ctx, "duplicate message skipped",
			"platform_message_id", msg.PlatformMessageID)
		return nil
	}

	user, err := s.upsertUser(ctx, msg)
	if err != nil {
		s.markFailed(ctx, event.ID)
		return err
	}

	reply, err := s.dispatch(ctx, user, msg)
	if err != nil {
		s.markFailed(ctx, event.ID)
		return err
	}

	if reply != nil && reply.Text != "" {
		if err := s.enqueueReply(ctx, user, reply); err != nil {
			s.markFailed(ctx, event.ID)
			return err
		}
	}

	if err := s.events.MarkProcessed(ctx, event.ID); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// upsertUser resolves the stable (platform, chat_id) identity and creates or
// refreshes the user row. Bot-platform users without a known phone get the
// deterministic placeholder so the column's uniqueness holds.
func (s *intakeService) upsertUser(ctx context.Context, msg InboundMessage) (*models.User, error) {
	phone := msg.Phone
	if phone != "" {
		normalized, err := validation.NormalizePhone(phone)
		if err == nil {
			phone = normalized
		}
	}
	if phone == "" {
		var err error
		phone, err = validation.PhonePlaceholder(msg.FromUserID)
		if err != nil {
			return nil, fmt.Errorf("failed to derive placeholder phone: %w", err)
		}
	}

	user := &models.User{
		Phone:    phone,
		ChatID:   msg.FromUserID,
		Name:     msg.Name,
		Role:     models.RoleSender,
		Platform: msg.Platform,
	}
	if err := s.users.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// dispatch resolves callback indirection and runs the conversation engine.
// An expired callback token becomes an explicit user-facing message, never a
// raw token fed to the state machine.
func (s *intakeService) dispatch(ctx context.Context, user *models.User, msg InboundMessage) (*conversation.Reply, error) {
	input := conversation.Input{
		Text:        msg.Text,
		MediaRef:    msg.MediaRef,
		GroupChatID: msg.GroupChatID,
	}
	if msg.CallbackData != "" {
		payload, err := s.callbacks.Resolve(ctx, msg.CallbackData)
		if errors.Is(err, chatio.ErrCallbackExpired) {
			return &conversation.Reply{
				Text: "הכפתור הזה כבר לא בתוקף. שלח /start לתפריט מעודכן.",
			}, nil
		}
		if err != nil {
			return nil, err
		}
		input.Callback = payload
	}

	reply, err := s.engine.Handle(ctx, user, input)
	if err != nil {
		return nil, fmt.Errorf("failed to handle message: %w", err)
	}
	return reply, nil
}

func (s *intakeService) enqueueReply(ctx context.Context, user *models.User, reply *conversation.Reply) error {
	recipient := user.ChatID
	if user.Platform == models.PlatformWebChat {
		recipient = user.Phone
	}
	out := &models.OutboxMessage{
		Platform:    user.Platform,
		RecipientID: recipient,
		MessageType: "conversation_reply",
		Content: models.MessageContent{
			Text:     reply.Text,
			Keyboard: reply.Keyboard,
		},
		MaxRetries:    s.maxRetries,
		CorrelationID: correlation.FromContext(ctx),
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.outbox.Enqueue(ctx, tx, out)
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue reply: %w", err)
	}
	return nil
}

func (s *intakeService) markFailed(ctx context.Context, eventID int64) {
	if err := s.events.MarkFailed(ctx, eventID); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark webhook event failed",
			"event_id", eventID, "error", err)
	}
}

var _ Service = (*intakeService)(nil)
