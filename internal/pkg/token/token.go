// Package token provides the random identifiers used across the platform:
// URL-safe capture tokens for smart links, numeric OTP codes, and monotonic
// ULIDs for refresh-token JTIs and broadcast batches.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewCaptureToken returns a URL-safe token built from 16 random bytes.
// Deliveries are always addressed by this token in smart links so sequential
// ids are never exposed.
func NewCaptureToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate capture token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewOTP returns a 6-digit numeric one-time code from a CSPRNG.
func NewOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// NewULID generates a new ULID string.
func NewULID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCallbackToken returns a short token for button-callback indirection.
// Bot-API callback payloads are capped at 64 bytes, so long payloads are
// stored under this token instead.
func NewCallbackToken() (string, error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate callback token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
