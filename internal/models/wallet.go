package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCreditLimit is the credit line granted to a courier wallet created
// on first capture. Negative balance means debt.
var DefaultCreditLimit = decimal.NewFromInt(-500)

// CourierWallet is one per courier. Invariant: after any committed debit,
// Balance >= CreditLimit.
type CourierWallet struct {
	CourierID   int64           `json:"courier_id"`
	Balance     decimal.Decimal `json:"balance"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LedgerEntryType classifies wallet ledger rows.
type LedgerEntryType string

// Ledger entry types.
const (
	EntryDeliveryFeeDebit LedgerEntryType = "delivery_fee_debit"
	EntryPayment          LedgerEntryType = "payment"
	EntryBonus            LedgerEntryType = "bonus"
	EntryRefund           LedgerEntryType = "refund"
	EntryAdjustment       LedgerEntryType = "adjustment"
	EntryCommission       LedgerEntryType = "commission_credit"
)

// WalletLedgerEntry is an immutable, append-only ledger row.
// Unique (courier_id, delivery_id, entry_type) prevents double-debit.
type WalletLedgerEntry struct {
	ID           int64           `json:"id"`
	CourierID    int64           `json:"courier_id"`
	DeliveryID   *int64          `json:"delivery_id,omitempty"`
	EntryType    LedgerEntryType `json:"entry_type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StationWallet accumulates commission income for a station.
// CommissionRate is constrained to [0.06, 0.12] in both code and schema.
type StationWallet struct {
	StationID      int64           `json:"station_id"`
	Balance        decimal.Decimal `json:"balance"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StationLedgerEntry mirrors WalletLedgerEntry for station income.
// Unique (station_id, delivery_id, entry_type).
type StationLedgerEntry struct {
	ID           int64           `json:"id"`
	StationID    int64           `json:"station_id"`
	DeliveryID   *int64          `json:"delivery_id,omitempty"`
	EntryType    LedgerEntryType `json:"entry_type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Commission rate bounds.
var (
	MinCommissionRate = decimal.RequireFromString("0.06")
	MaxCommissionRate = decimal.RequireFromString("0.12")
)

// ValidCommissionRate reports whether the rate is within [0.06, 0.12].
func ValidCommissionRate(rate decimal.Decimal) bool {
	return rate.GreaterThanOrEqual(MinCommissionRate) && rate.LessThanOrEqual(MaxCommissionRate)
}
