// Package models defines the domain entities persisted by the platform.
package models

import "time"

// Platform identifies the chat platform a user converses on.
type Platform string

// Supported chat platforms.
const (
	PlatformBot     Platform = "bot"
	PlatformWebChat Platform = "webchat"
)

// Role is the business role of a user.
type Role string

// User roles. Every role switch in the codebase must handle all of these
// explicitly; there is no generic fallback.
const (
	RoleSender       Role = "SENDER"
	RoleCourier      Role = "COURIER"
	RoleAdmin        Role = "ADMIN"
	RoleStationOwner Role = "STATION_OWNER"
)

// ApprovalStatus is a courier's onboarding approval state.
type ApprovalStatus string

// Courier approval states.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalBlocked  ApprovalStatus = "blocked"
)

// User is one platform identity. IDs are 64-bit to hold Telegram-scale
// identifiers. Users are created lazily on first inbound message and never
// hard-deleted.
type User struct {
	ID       int64    `json:"id"`
	Phone    string   `json:"phone"`
	ChatID   string   `json:"chat_id"`
	Name     string   `json:"name"`
	Role     Role     `json:"role"`
	Platform Platform `json:"platform"`
	IsActive bool     `json:"is_active"`

	// Courier onboarding fields.
	ApprovalStatus  *ApprovalStatus `json:"approval_status,omitempty"`
	FullName        *string         `json:"full_name,omitempty"`
	IDDocumentRef   *string         `json:"id_document_ref,omitempty"`
	SelfieRef       *string         `json:"selfie_ref,omitempty"`
	VehicleDocRef   *string         `json:"vehicle_doc_ref,omitempty"`
	VehicleCategory *string         `json:"vehicle_category,omitempty"`
	ServiceArea     *string         `json:"service_area,omitempty"`
	TermsAcceptedAt *time.Time      `json:"terms_accepted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsApprovedCourier reports whether the user is a courier cleared to take
// deliveries.
func (u *User) IsApprovedCourier() bool {
	return u.Role == RoleCourier && u.ApprovalStatus != nil && *u.ApprovalStatus == ApprovalApproved
}
