package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishloha/dispatch/internal/correlation"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/repository"
	"github.com/mishloha/dispatch/internal/validation"
)

// NotifyService fans operational notifications out to the platform admins.
// Messages ride the transactional outbox like every other notification, so a
// support request is either fully queued to all admins or not at all.
type NotifyService interface {
	SupportRequest(ctx context.Context, from *models.User, text string) error
	OnboardingSubmitted(ctx context.Context, courier *models.User) error
}

type notifyService struct {
	pool       *pgxpool.Pool
	userRepo   repository.UserRepository
	outboxRepo repository.OutboxRepository
	maxRetries int
	logger     *slog.Logger
}

// NewNotifyService creates a new notify service.
func NewNotifyService(
	pool *pgxpool.Pool,
	userRepo repository.UserRepository,
	outboxRepo repository.OutboxRepository,
	maxRetries int,
	logger *slog.Logger,
) NotifyService {
	return &notifyService{
		pool:       pool,
		userRepo:   userRepo,
		outboxRepo: outboxRepo,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// SupportRequest forwards a user's free-text request to every admin. The
// admin message carries the sender's real phone so support can call back.
func (s *notifyService) SupportRequest(ctx context.Context, from *models.User, text string) error {
	content := models.MessageContent{
		Text: fmt.Sprintf("<b>פניית תמיכה</b>\nמאת: %s\nטלפון: %s\n\n%s",
			validation.SanitizeForHTML(displayName(from)), from.Phone,
			validation.SanitizeForHTML(text)),
	}
	if err := s.fanOutToAdmins(ctx, "support_request", content, from.ID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "support request forwarded", "user_id", from.ID)
	return nil
}

// OnboardingSubmitted tells the admins a courier application awaits review.
func (s *notifyService) OnboardingSubmitted(ctx context.Context, courier *models.User) error {
	category := "-"
	if courier.VehicleCategory != nil && *courier.VehicleCategory != "" {
		category = *courier.VehicleCategory
	}
	content := models.MessageContent{
		Text: fmt.Sprintf("<b>בקשת הצטרפות חדשה</b>\nשם: %s\nטלפון: %s\nכלי רכב: %s",
			validation.SanitizeForHTML(displayName(courier)), courier.Phone,
			validation.SanitizeForHTML(category)),
	}
	if err := s.fanOutToAdmins(ctx, "onboarding_submitted", content, courier.ID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "onboarding submission forwarded", "user_id", courier.ID)
	return nil
}

// fanOutToAdmins enqueues one copy of the message per admin in a single
// transaction. No admins configured is logged, not failed, so the user flow
// that triggered the notification still completes.
func (s *notifyService) fanOutToAdmins(ctx context.Context, msgType string, content models.MessageContent, aboutUserID int64) error {
	admins, err := s.userRepo.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("failed to list admins: %w", err)
	}
	if len(admins) == 0 {
		s.logger.WarnContext(ctx, "no admins to notify",
			"message_type", msgType, "user_id", aboutUserID)
		return nil
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, admin := range admins {
			msg := &models.OutboxMessage{
				Platform:      admin.Platform,
				RecipientID:   admin.ChatID,
				MessageType:   msgType,
				Content:       content,
				Status:        models.OutboxPending,
				MaxRetries:    s.maxRetries,
				CorrelationID: correlation.FromContext(ctx),
			}
			if err := s.outboxRepo.Enqueue(ctx, tx, msg); err != nil {
				return fmt.Errorf("failed to enqueue notification: %w", err)
			}
		}
		return nil
	})
}

func displayName(u *models.User) string {
	if u.FullName != nil && *u.FullName != "" {
		return *u.FullName
	}
	if u.Name != "" {
		return u.Name
	}
	return fmt.Sprintf("משתמש #%d", u.ID)
}

var _ NotifyService = (*notifyService)(nil)
