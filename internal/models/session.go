package models

import "time"

// ConversationSession holds the state machine position and flow context for
// one (user, platform) pair. Destroyed only by explicit reset.
type ConversationSession struct {
	UserID         int64          `json:"user_id"`
	Platform       Platform       `json:"platform"`
	CurrentState   string         `json:"current_state"`
	ContextData    map[string]any `json:"context_data"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}
