package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryStatus is a shipment's lifecycle state.
type DeliveryStatus string

// Delivery lifecycle states. DELIVERED and CANCELLED are terminal.
const (
	DeliveryOpen            DeliveryStatus = "OPEN"
	DeliveryPendingApproval DeliveryStatus = "PENDING_APPROVAL"
	DeliveryCaptured        DeliveryStatus = "CAPTURED"
	DeliveryInProgress      DeliveryStatus = "IN_PROGRESS"
	DeliveryDelivered       DeliveryStatus = "DELIVERED"
	DeliveryCancelled       DeliveryStatus = "CANCELLED"
)

// allowedDeliveryTransitions is the complete edge set of the shipment state
// machine. Any pair outside this set is rejected.
var allowedDeliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryOpen:            {DeliveryPendingApproval, DeliveryCaptured, DeliveryCancelled},
	DeliveryPendingApproval: {DeliveryCaptured, DeliveryCancelled},
	DeliveryCaptured:        {DeliveryInProgress},
	DeliveryInProgress:      {DeliveryDelivered},
}

// CanTransition reports whether the delivery state machine allows old→new.
func CanTransition(old, new DeliveryStatus) bool {
	for _, next := range allowedDeliveryTransitions[old] {
		if next == new {
			return true
		}
	}
	return false
}

// Delivery is a shipment. Token is the URL-safe random identifier used for
// smart-link capture; it is the only identifier ever exposed in links.
type Delivery struct {
	ID                  int64  `json:"id"`
	Token               string `json:"token"`
	SenderID            int64  `json:"sender_id"`
	CourierID           *int64 `json:"courier_id,omitempty"`
	StationID           *int64 `json:"station_id,omitempty"`
	RequestingCourierID *int64 `json:"requesting_courier_id,omitempty"`

	PickupAddress      string   `json:"pickup_address"`
	PickupLat          *float64 `json:"pickup_lat,omitempty"`
	PickupLng          *float64 `json:"pickup_lng,omitempty"`
	PickupContactName  string   `json:"pickup_contact_name"`
	PickupContactPhone string   `json:"pickup_contact_phone"`

	DropoffAddress      string   `json:"dropoff_address"`
	DropoffLat          *float64 `json:"dropoff_lat,omitempty"`
	DropoffLng          *float64 `json:"dropoff_lng,omitempty"`
	DropoffContactName  string   `json:"dropoff_contact_name"`
	DropoffContactPhone string   `json:"dropoff_contact_phone"`

	Status DeliveryStatus  `json:"status"`
	Fee    decimal.Decimal `json:"fee"`
	Notes  string          `json:"notes"`

	CreatedAt   time.Time  `json:"created_at"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}
