package models

import "time"

// OutboxStatus is a durable queue row's processing state.
type OutboxStatus string

// Outbox row states. A row in "processing" holds a short-lived lease.
const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
)

// BroadcastCouriers is the sentinel recipient meaning "fan out to all active
// approved couriers", excluding the shipment station's blacklist and
// placeholder identifiers.
const BroadcastCouriers = "BROADCAST_COURIERS"

// MessageContent is the structured payload of an outbound message. Text is
// HTML; adapters convert to the target platform's markup at the boundary.
type MessageContent struct {
	Text      string     `json:"text"`
	Keyboard  [][]Button `json:"keyboard,omitempty"`
	MediaURL  string     `json:"media_url,omitempty"`
	MediaType string     `json:"media_type,omitempty"`
	Caption   string     `json:"caption,omitempty"`
}

// Button is one keyboard button. Data over the bot platform's 64-byte
// callback cap is stored behind a short token before sending.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
}

// OutboxMessage is a transactional outbox row: written in the same
// transaction as the business change that produced it, drained by workers.
type OutboxMessage struct {
	ID            int64          `json:"id"`
	Platform      Platform       `json:"platform"`
	RecipientID   string         `json:"recipient_id"`
	MessageType   string         `json:"message_type"`
	Content       MessageContent `json:"message_content"`
	Status        OutboxStatus   `json:"status"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	StationID     *int64         `json:"station_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
}

// WebhookEventStatus is the idempotency ledger state of an inbound message.
type WebhookEventStatus string

// Webhook event states. Processing entries older than 120s are stale and
// may be reclaimed.
const (
	WebhookReceived   WebhookEventStatus = "received"
	WebhookProcessing WebhookEventStatus = "processing"
	WebhookProcessed  WebhookEventStatus = "processed"
	WebhookFailed     WebhookEventStatus = "failed"
)

// WebhookEvent deduplicates inbound messages by platform message id.
type WebhookEvent struct {
	ID                int64              `json:"id"`
	PlatformMessageID string             `json:"platform_message_id"`
	Status            WebhookEventStatus `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
