// Package outbox drains the transactional outbox: a small worker pool leases
// pending rows with SKIP LOCKED, fans out broadcasts, sends through the
// platform adapters and schedules retries with exponential backoff.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mishloha/dispatch/internal/chatio"
	"github.com/mishloha/dispatch/internal/config"
	"github.com/mishloha/dispatch/internal/correlation"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/repository"
	"github.com/mishloha/dispatch/internal/validation"
)

// Worker drains the outbox table.
type Worker struct {
	cfg      config.OutboxConfig
	outbox   repository.OutboxRepository
	users    repository.UserRepository
	stations repository.StationRepository
	senders  map[models.Platform]chatio.Sender
	logger   *slog.Logger

	now func() time.Time
}

// New creates an outbox worker pool.
func New(
	cfg config.OutboxConfig,
	outboxRepo repository.OutboxRepository,
	userRepo repository.UserRepository,
	stationRepo repository.StationRepository,
	bot chatio.Sender,
	webchat chatio.Sender,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		cfg:      cfg,
		outbox:   outboxRepo,
		users:    userRepo,
		stations: stationRepo,
		senders: map[models.Platform]chatio.Sender{
			models.PlatformBot:     bot,
			models.PlatformWebChat: webchat,
		},
		logger: logger,
		now:    time.Now,
	}
}

// Run drains on every tick until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	w.logger.Info("outbox workers started",
		"workers", w.cfg.Workers, "batch_size", w.cfg.BatchSize, "tick", w.cfg.Tick.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox workers stopping")
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// drainOnce leases one batch and processes it across the worker pool.
func (w *Worker) drainOnce(ctx context.Context) {
	batch, err := w.outbox.LeaseBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to lease outbox batch", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	jobs := make(chan *models.OutboxMessage)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				w.process(ctx, msg)
			}
		}()
	}
	for _, msg := range batch {
		jobs <- msg
	}
	close(jobs)
	wg.Wait()
}

// process sends one leased message and records the outcome.
func (w *Worker) process(ctx context.Context, msg *models.OutboxMessage) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeLimit)
	defer cancel()
	if msg.CorrelationID != "" {
		ctx = correlation.WithID(ctx, msg.CorrelationID)
	}

	err := w.deliver(ctx, msg)
	switch {
	case err == nil:
		messagesTotal.WithLabelValues(outcomeSent).Inc()
		if markErr := w.outbox.MarkSent(ctx, msg.ID); markErr != nil {
			w.logger.ErrorContext(ctx, "failed to mark message sent",
				"message_id", msg.ID, "error", markErr)
		}

	case apperr.IsTransient(err):
		retryCount := msg.RetryCount + 1
		if retryCount >= msg.MaxRetries {
			w.fail(ctx, msg, err.Error())
			return
		}
		nextRetry := w.now().Add(w.backoff(retryCount))
		if schedErr := w.outbox.ScheduleRetry(ctx, msg.ID, retryCount, nextRetry, err.Error()); schedErr != nil {
			w.logger.ErrorContext(ctx, "failed to schedule retry",
				"message_id", msg.ID, "error", schedErr)
			return
		}
		messagesTotal.WithLabelValues(outcomeRetried).Inc()
		w.logger.WarnContext(ctx, "message send failed, retry scheduled",
			"message_id", msg.ID, "retry_count", retryCount,
			"next_retry_at", nextRetry.Format(time.RFC3339), "error", err)

	default:
		w.fail(ctx, msg, err.Error())
	}
}

func (w *Worker) fail(ctx context.Context, msg *models.OutboxMessage, lastError string) {
	if err := w.outbox.MarkFailed(ctx, msg.ID, lastError); err != nil {
		w.logger.ErrorContext(ctx, "failed to mark message failed",
			"message_id", msg.ID, "error", err)
		return
	}
	messagesTotal.WithLabelValues(outcomeFailed).Inc()
	w.logger.ErrorContext(ctx, "message moved to dead letters",
		"message_id", msg.ID, "retry_count", msg.RetryCount, "error", lastError)
}

// backoff computes base x 2^retryCount capped at the configured ceiling. The
// shift is guarded so a large retry count cannot overflow the duration.
func (w *Worker) backoff(retryCount int) time.Duration {
	ceiling := time.Duration(w.cfg.MaxBackoffSeconds) * time.Second
	if retryCount > 20 {
		return ceiling
	}
	d := w.cfg.BaseBackoff * (1 << uint(retryCount))
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

// deliver resolves the recipient selector and sends. A broadcast fans out to
// every active approved courier, excluding the station's blacklist and
// unreachable identifiers.
func (w *Worker) deliver(ctx context.Context, msg *models.OutboxMessage) error {
	if msg.RecipientID == models.BroadcastCouriers {
		return w.broadcast(ctx, msg)
	}

	sender, ok := w.senders[msg.Platform]
	if !ok {
		return apperr.ErrValidation.WithMessage("unknown platform " + string(msg.Platform))
	}
	return sender.Send(ctx, msg.RecipientID, msg.Content)
}

func (w *Worker) broadcast(ctx context.Context, msg *models.OutboxMessage) error {
	couriers, err := w.users.ListActiveCouriers(ctx)
	if err != nil {
		return apperr.ErrUpstreamFailure.WithDetails(map[string]any{"error": "courier list unavailable"})
	}

	var excluded map[int64]bool
	if msg.StationID != nil {
		excluded, err = w.stations.BlacklistedUserIDs(ctx, *msg.StationID)
		if err != nil {
			return apperr.ErrUpstreamFailure.WithDetails(map[string]any{"error": "blacklist unavailable"})
		}
	}

	var firstTransient error
	sent := 0
	for _, courier := range couriers {
		if excluded[courier.ID] {
			continue
		}
		recipient, ok := w.recipientFor(courier)
		if !ok {
			continue
		}
		sender, ok := w.senders[courier.Platform]
		if !ok {
			continue
		}

		if err := sender.Send(ctx, recipient, msg.Content); err != nil {
			if apperr.IsTransient(err) && firstTransient == nil {
				firstTransient = err
			}
			w.logger.WarnContext(ctx, "broadcast send failed",
				"message_id", msg.ID, "courier_id", courier.ID, "error", err)
			continue
		}
		sent++
	}

	w.logger.InfoContext(ctx, "broadcast fanned out",
		"message_id", msg.ID, "recipients", sent, "couriers", len(couriers))
	// A transient failure retries the whole broadcast; receivers must
	// tolerate duplicate notifications.
	return firstTransient
}

// recipientFor picks the courier's reachable chat identity: the chat id on
// the bot platform, the real phone on web-chat. Placeholder phones and group
// identifiers are not deliverable.
func (w *Worker) recipientFor(u *models.User) (string, bool) {
	switch u.Platform {
	case models.PlatformBot:
		if u.ChatID == "" || isGroupChatID(u.ChatID) {
			return "", false
		}
		return u.ChatID, true
	case models.PlatformWebChat:
		if u.Phone == "" || validation.IsPlaceholderPhone(u.Phone) {
			return "", false
		}
		return u.Phone, true
	default:
		return "", false
	}
}

func isGroupChatID(chatID string) bool {
	return len(chatID) > 0 && chatID[0] == '-'
}
