package validation

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	addressMinLen = 5
	addressMaxLen = 200
	nameMaxLen    = 100
)

// Common Hebrew address abbreviations expanded during normalization.
var addressAbbreviations = map[string]string{
	"רח'":   "רחוב",
	"רח.":   "רחוב",
	"שד'":   "שדרות",
	"שד.":   "שדרות",
	"ת.ד":   "תא דואר",
	"ק.":    "קומה",
	"st.":   "street",
	"ave.":  "avenue",
	"blvd.": "boulevard",
}

// ValidateAddress reports whether s is a usable street address.
func ValidateAddress(s string) bool {
	clean := Sanitize(s)
	n := len([]rune(clean))
	return n >= addressMinLen && n <= addressMaxLen
}

// NormalizeAddress sanitizes an address and expands common abbreviations.
func NormalizeAddress(s string) string {
	clean := Sanitize(s)
	words := strings.Fields(clean)
	for i, w := range words {
		if full, ok := addressAbbreviations[strings.ToLower(w)]; ok {
			words[i] = full
		}
	}
	return strings.Join(words, " ")
}

// ValidateName reports whether s is a usable display name.
func ValidateName(s string) bool {
	clean := Sanitize(s)
	n := len([]rune(clean))
	return n >= 1 && n <= nameMaxLen
}

var (
	amountMin      = decimal.Zero
	amountMax      = decimal.NewFromInt(100000)
	deliveryFeeMax = decimal.NewFromInt(10000)
)

// ValidateAmount reports whether the amount is within [0, 100000] with at
// most two decimal places.
func ValidateAmount(x decimal.Decimal) bool {
	if x.LessThan(amountMin) || x.GreaterThan(amountMax) {
		return false
	}
	return x.Exponent() >= -2
}

// ValidateDeliveryFee reports whether the amount is a legal shipment fee:
// within [0, 10000] with at most two decimal places.
func ValidateDeliveryFee(x decimal.Decimal) bool {
	return ValidateAmount(x) && !x.GreaterThan(deliveryFeeMax)
}

// ParseAmount parses and validates a user-entered money amount.
func ParseAmount(s string) (decimal.Decimal, bool) {
	x, err := decimal.NewFromString(Sanitize(s))
	if err != nil {
		return decimal.Zero, false
	}
	if !ValidateAmount(x) {
		return decimal.Zero, false
	}
	return x, true
}
