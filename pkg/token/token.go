// Package token mints and verifies the signed credentials that bind a
// principal to a request: a short-lived access credential validated locally,
// and a long-lived refresh credential that is only honored while its session
// record exists.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"

	audience = "opshub"

	// clockSkew tolerates drift between service hosts.
	clockSkew = 30 * time.Second
)

// Failure reasons at the token boundary. The HTTP layer maps all of them to
// a single AUTHENTICATION_ERROR; the distinction lives in logs only.
var (
	ErrExpired        = errors.New("credential expired")
	ErrInvalid        = errors.New("credential invalid")
	ErrWrongType      = errors.New("credential type mismatch")
	ErrUnknownSession = errors.New("no session for refresh credential")
	ErrInactive       = errors.New("principal inactive")
	ErrBadCredentials = errors.New("invalid credentials")
)

// Claims is the JWT claim set for both credential kinds.
type Claims struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	TokenType string `json:"type"`
	RefreshID string `json:"rid,omitempty"`
	jwt.RegisteredClaims
}

// Directory hydrates principals from the catalog store.
type Directory interface {
	// VerifyCredentials checks username/password and returns the principal.
	VerifyCredentials(ctx context.Context, username, password string) (*Principal, error)
	// GetUser returns the principal by id, or an error if unknown.
	GetUser(ctx context.Context, id string) (*Principal, error)
}

// SessionRecord is the server-side state behind a refresh credential.
type SessionRecord struct {
	UserID    string    `json:"userId"`
	RefreshID string    `json:"refreshId"`
	CreatedAt time.Time `json:"createdAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// Sessions is the revocation set: a refresh credential is usable iff its
// record exists here.
type Sessions interface {
	Save(ctx context.Context, rec SessionRecord, ttl time.Duration) error
	Lookup(ctx context.Context, refreshID string) (*SessionRecord, error)
	Delete(ctx context.Context, refreshID string) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

// Config holds the signing material and lifetimes.
type Config struct {
	AccessSecret   []byte
	RefreshSecret  []byte
	AccessExpires  time.Duration
	RefreshExpires time.Duration
	Issuer         string
}

// Service implements the token lifecycle.
type Service struct {
	cfg      Config
	users    Directory
	sessions Sessions
	log      *zap.Logger
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Principal    *Principal
}

// NewService validates the signing config and builds the service.
// Equal or short secrets are a startup error, not a runtime one.
func NewService(cfg Config, users Directory, sessions Sessions, log *zap.Logger) (*Service, error) {
	if len(cfg.AccessSecret) < 32 || len(cfg.RefreshSecret) < 32 {
		return nil, fmt.Errorf("token secrets must be at least 32 bytes")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}
	if cfg.AccessExpires == 0 {
		cfg.AccessExpires = time.Hour
	}
	if cfg.RefreshExpires == 0 {
		cfg.RefreshExpires = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "opshub-gateway"
	}
	return &Service{cfg: cfg, users: users, sessions: sessions, log: log}, nil
}

// Login checks credentials against the catalog store, mints one access and
// one refresh credential, and records the session keyed by the refresh id.
func (s *Service) Login(ctx context.Context, username, password, clientIP, userAgent string) (*LoginResult, error) {
	principal, err := s.users.VerifyCredentials(ctx, username, password)
	if err != nil {
		// Log the real reason; the caller only ever sees "invalid credentials".
		s.log.Info("login rejected", zap.String("username", username), zap.String("ip", clientIP), zap.Error(err))
		return nil, ErrBadCredentials
	}
	if !principal.IsActive {
		s.log.Info("login rejected: inactive user", zap.String("username", username), zap.String("ip", clientIP))
		return nil, ErrBadCredentials
	}
	principal.Role = NormalizeRole(string(principal.Role))

	access, err := s.mintAccess(principal)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access credential: %w", err)
	}

	refreshID := uuid.NewString()
	refresh, err := s.mintRefresh(principal.ID, refreshID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint refresh credential: %w", err)
	}

	rec := SessionRecord{
		UserID:    principal.ID,
		RefreshID: refreshID,
		CreatedAt: time.Now().UTC(),
		IPAddress: clientIP,
		UserAgent: userAgent,
	}
	if err := s.sessions.Save(ctx, rec, s.cfg.RefreshExpires); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.cfg.AccessExpires.Seconds()),
		Principal:    principal,
	}, nil
}

// Refresh verifies a refresh credential against its session record and
// issues a new access credential. The refresh credential itself is rotated
// only on explicit login.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, int, error) {
	claims, err := s.parse(refreshToken, s.cfg.RefreshSecret)
	if err != nil {
		return "", 0, err
	}
	if claims.TokenType != typeRefresh {
		return "", 0, ErrWrongType
	}

	rec, err := s.sessions.Lookup(ctx, claims.RefreshID)
	if err != nil {
		return "", 0, fmt.Errorf("session lookup failed: %w", err)
	}
	if rec == nil {
		return "", 0, ErrUnknownSession
	}

	principal, err := s.users.GetUser(ctx, claims.Subject)
	if err != nil {
		return "", 0, ErrUnknownSession
	}
	if !principal.IsActive {
		return "", 0, ErrInactive
	}
	principal.Role = NormalizeRole(string(principal.Role))

	access, err := s.mintAccess(principal)
	if err != nil {
		return "", 0, fmt.Errorf("failed to mint access credential: %w", err)
	}
	return access, int(s.cfg.AccessExpires.Seconds()), nil
}

// Verify checks an access credential and re-hydrates the principal.
func (s *Service) Verify(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := s.parse(accessToken, s.cfg.AccessSecret)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != typeAccess {
		return nil, ErrWrongType
	}

	principal, err := s.users.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, ErrInvalid
	}
	if !principal.IsActive {
		return nil, ErrInactive
	}
	principal.Role = NormalizeRole(string(principal.Role))
	return principal, nil
}

// Logout deletes the session behind a refresh credential. Idempotent: a
// second logout with the same token succeeds without effect.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	if refreshToken == "" {
		return s.sessions.DeleteAllForUser(ctx, userID)
	}
	claims, err := s.parse(refreshToken, s.cfg.RefreshSecret)
	if err != nil {
		// An expired or garbled refresh credential still counts as logged out.
		return nil
	}
	return s.sessions.Delete(ctx, claims.RefreshID)
}

func (s *Service) mintAccess(p *Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		Username:  p.Username,
		Role:      string(p.Role),
		TokenType: typeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   p.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessExpires)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.AccessSecret)
}

func (s *Service) mintRefresh(userID, refreshID string) (string, error) {
	now := time.Now()
	claims := Claims{
		TokenType: typeRefresh,
		RefreshID: refreshID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshExpires)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.RefreshSecret)
}

func (s *Service) parse(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !tok.Valid {
		return nil, ErrInvalid
	}
	return claims, nil
}
