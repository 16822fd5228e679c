package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mishloha/dispatch/internal/config"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
)

func testAuthService(t *testing.T) *authService {
	t.Helper()
	return &authService{
		cfg: config.AuthConfig{
			JWTSecret:    "test-secret",
			JWTAlgorithm: "HS256",
			JWTAccessTTL: 480 * time.Minute,
			RefreshTTL:   336 * time.Hour,
		},
	}
}

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims *Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestParseAccessToken(t *testing.T) {
	svc := testAuthService(t)
	now := time.Now()
	stationID := int64(7)

	tok := signToken(t, jwt.SigningMethodHS256, "test-secret", &Claims{
		UserID:    42,
		StationID: &stationID,
		Role:      models.RoleStationOwner,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	claims, err := svc.ParseAccessToken(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, models.RoleStationOwner, claims.Role)
	require.NotNil(t, claims.StationID)
	assert.Equal(t, int64(7), *claims.StationID)
}

func TestParseAccessTokenExpired(t *testing.T) {
	svc := testAuthService(t)
	now := time.Now()

	tok := signToken(t, jwt.SigningMethodHS256, "test-secret", &Claims{
		UserID: 42,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	})

	_, err := svc.ParseAccessToken(tok)
	assert.True(t, apperr.Is(err, apperr.ErrInvalidToken))
}

func TestParseAccessTokenWrongSecret(t *testing.T) {
	svc := testAuthService(t)
	now := time.Now()

	tok := signToken(t, jwt.SigningMethodHS256, "other-secret", &Claims{
		UserID: 42,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	_, err := svc.ParseAccessToken(tok)
	assert.True(t, apperr.Is(err, apperr.ErrInvalidToken))
}

func TestParseAccessTokenAlgorithmMismatch(t *testing.T) {
	svc := testAuthService(t)
	now := time.Now()

	// Signed with HS384 while the service only accepts HS256.
	tok := signToken(t, jwt.SigningMethodHS384, "test-secret", &Claims{
		UserID: 42,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	_, err := svc.ParseAccessToken(tok)
	assert.True(t, apperr.Is(err, apperr.ErrInvalidToken))
}

func TestParseAccessTokenGarbage(t *testing.T) {
	svc := testAuthService(t)
	_, err := svc.ParseAccessToken("not.a.token")
	assert.True(t, apperr.Is(err, apperr.ErrInvalidToken))
}
