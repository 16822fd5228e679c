package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Station is a dispatch station: a tenancy unit owning dispatchers, a
// blacklist, a wallet and group settings.
type Station struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	GroupChatID *string   `json:"group_chat_id,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// StationDispatcher links an approved courier to a station with managerial
// permissions. Unique (station_id, user_id).
type StationDispatcher struct {
	StationID int64     `json:"station_id"`
	UserID    int64     `json:"user_id"`
	AddedBy   int64     `json:"added_by"`
	CreatedAt time.Time `json:"created_at"`
}

// StationOwner links an operator to a station. Unique (station_id, user_id).
type StationOwner struct {
	StationID int64     `json:"station_id"`
	UserID    int64     `json:"user_id"`
	AddedBy   *int64    `json:"added_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StationBlacklistEntry excludes a courier from a station's shipments and
// broadcasts. Unique (station_id, user_id).
type StationBlacklistEntry struct {
	StationID int64     `json:"station_id"`
	UserID    int64     `json:"user_id"`
	AddedBy   int64     `json:"added_by"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ManualCharge is a dispatcher-initiated wallet adjustment, recorded beside
// the matching ledger entry.
type ManualCharge struct {
	ID          int64           `json:"id"`
	StationID   int64           `json:"station_id"`
	CourierID   int64           `json:"courier_id"`
	ChargedBy   int64           `json:"charged_by"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditLogEntry records a station governance action.
// Indexed (station_id, created_at DESC).
type AuditLogEntry struct {
	ID           int64          `json:"id"`
	StationID    int64          `json:"station_id"`
	ActorUserID  int64          `json:"actor_user_id"`
	Action       string         `json:"action"`
	TargetUserID *int64         `json:"target_user_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
