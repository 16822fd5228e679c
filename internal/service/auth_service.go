package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mishloha/dispatch/internal/config"
	"github.com/mishloha/dispatch/internal/database"
	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/pkg/token"
	"github.com/mishloha/dispatch/internal/repository"
	"github.com/mishloha/dispatch/internal/validation"
)

// Redis key prefixes of the auth state machine.
const (
	otpKeyPrefix     = "panel_otp:"
	otpSpacingPrefix = "rate:otp:"
	refreshKeyPrefix = "refresh_token:"
)

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Claims is the JWT payload of a collaborator session.
type Claims struct {
	UserID    int64       `json:"user_id"`
	StationID *int64      `json:"station_id,omitempty"`
	Role      models.Role `json:"role"`
	jwt.RegisteredClaims
}

// AuthService defines the collaborator panel authentication flow: phone OTP
// followed by a rotating JWT pair.
type AuthService interface {
	RequestOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, code string) (*TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	ParseAccessToken(tokenString string) (*Claims, error)
}

type authService struct {
	cfg      config.AuthConfig
	redis    *database.Redis
	userRepo repository.UserRepository
	stations repository.StationRepository
	logger   *slog.Logger

	// sendOTP delivers the code out of band. Injectable for tests; the
	// default logs the masked phone only.
	sendOTP func(ctx context.Context, phone, code string) error
}

// NewAuthService creates a new auth service.
func NewAuthService(
	cfg config.AuthConfig,
	redis *database.Redis,
	userRepo repository.UserRepository,
	stations repository.StationRepository,
	logger *slog.Logger,
) AuthService {
	s := &authService{
		cfg:      cfg,
		redis:    redis,
		userRepo: userRepo,
		stations: stations,
		logger:   logger,
	}
	s.sendOTP = s.logOTPDelivery
	return s
}

func (s *authService) logOTPDelivery(ctx context.Context, phone, _ string) error {
	s.logger.InfoContext(ctx, "otp issued", "phone", validation.MaskPhone(phone))
	return nil
}

// RequestOTP generates a 6-digit code for the user behind the phone number,
// stores its bcrypt hash for 5 minutes and enforces minimum request spacing.
func (s *authService) RequestOTP(ctx context.Context, phone string) error {
	normalized, err := validation.NormalizePhone(phone)
	if err != nil {
		return apperr.ErrInvalidPhone
	}

	u, err := s.userRepo.GetByPhone(ctx, normalized)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if u == nil {
		// Indistinguishable from success so the endpoint cannot be used to
		// enumerate registered phones.
		s.logger.InfoContext(ctx, "otp requested for unknown phone",
			"phone", validation.MaskPhone(normalized))
		return nil
	}

	ok, err := s.redis.SetNX(ctx, otpSpacingPrefix+normalized, "1", s.cfg.OTPMinSpacing)
	if err != nil {
		return fmt.Errorf("failed to check otp spacing: %w", err)
	}
	if !ok {
		return apperr.ErrRateLimited
	}

	code, err := token.NewOTP()
	if err != nil {
		return fmt.Errorf("failed to generate otp: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash otp: %w", err)
	}

	key := otpKeyPrefix + strconv.FormatInt(u.ID, 10)
	if err := s.redis.Set(ctx, key, string(hash), s.cfg.OTPTTL); err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}
	return s.sendOTP(ctx, normalized, code)
}

// VerifyOTP consumes the stored code atomically (GETDEL) so a second attempt
// with the same code always fails, then issues the token pair.
func (s *authService) VerifyOTP(ctx context.Context, phone, code string) (*TokenPair, error) {
	normalized, err := validation.NormalizePhone(phone)
	if err != nil {
		return nil, apperr.ErrInvalidPhone
	}

	u, err := s.userRepo.GetByPhone(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if u == nil {
		return nil, apperr.ErrWrongOTP
	}

	key := otpKeyPrefix + strconv.FormatInt(u.ID, 10)
	hash, err := s.redis.GetDel(ctx, key)
	if database.IsNil(err) {
		return nil, apperr.ErrWrongOTP
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read otp: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
		return nil, apperr.ErrWrongOTP
	}

	return s.issuePair(ctx, u)
}

// Refresh rotates the refresh token: the presented token's jti is consumed
// one-shot and a fresh pair is issued. Replaying a consumed token fails.
func (s *authService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return nil, apperr.ErrInvalidToken
	}
	if claims.ID == "" {
		return nil, apperr.ErrInvalidToken
	}

	stored, err := s.redis.GetDel(ctx, refreshKeyPrefix+claims.ID)
	if database.IsNil(err) {
		return nil, apperr.ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}
	if stored != strconv.FormatInt(claims.UserID, 10) {
		return nil, apperr.ErrInvalidToken
	}

	u, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if u == nil || !u.IsActive {
		return nil, apperr.ErrInvalidToken
	}
	return s.issuePair(ctx, u)
}

// ParseAccessToken validates signature and expiry and returns the claims.
func (s *authService) ParseAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, apperr.ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) parse(tokenString string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if !strings.HasPrefix(t.Method.Alg(), "HS") || t.Method.Alg() != s.cfg.JWTAlgorithm {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

func (s *authService) issuePair(ctx context.Context, u *models.User) (*TokenPair, error) {
	var stationID *int64
	stations, err := s.stations.ListOwnedStations(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stations: %w", err)
	}
	if len(stations) > 0 {
		stationID = &stations[0].ID
	}

	now := time.Now()
	method := jwt.GetSigningMethod(s.cfg.JWTAlgorithm)

	access := jwt.NewWithClaims(method, &Claims{
		UserID:    u.ID,
		StationID: stationID,
		Role:      u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTAccessTTL)),
		},
	})
	accessString, err := access.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	jti := token.NewULID()
	refresh := jwt.NewWithClaims(method, &Claims{
		UserID: u.ID,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshTTL)),
		},
	})
	refreshString, err := refresh.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	if err := s.redis.Set(ctx, refreshKeyPrefix+jti,
		strconv.FormatInt(u.ID, 10), s.cfg.RefreshTTL); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessString,
		RefreshToken: refreshString,
		ExpiresIn:    int(s.cfg.JWTAccessTTL.Seconds()),
	}, nil
}

var _ AuthService = (*authService)(nil)
