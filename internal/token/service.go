package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

var ErrInvalidToken = errors.New("invalid token")

// SessionStore persists refresh sessions so refresh tokens can be rotated and revoked.
type SessionStore interface {
	Save(ctx context.Context, s repo.Session) error
	// Take atomically removes and returns a session.
	Take(ctx context.Context, id string) (*repo.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByAccount(ctx context.Context, accountID string) error
}

type Config struct {
	Issuer         string
	PrivateKeyFile string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
}

// ConfigFromEnv reads token settings; TTLs use time.ParseDuration syntax.
func ConfigFromEnv() Config {
	cfg := Config{
		Issuer:         os.Getenv("JWT_ISSUER"),
		PrivateKeyFile: os.Getenv("JWT_PRIVATE_KEY_FILE"),
		AccessTTL:      15 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "campus-marketplace-auth"
	}
	if d, err := time.ParseDuration(os.Getenv("ACCESS_TOKEN_TTL")); err == nil && d > 0 {
		cfg.AccessTTL = d
	}
	if d, err := time.ParseDuration(os.Getenv("REFRESH_TOKEN_TTL")); err == nil && d > 0 {
		cfg.RefreshTTL = d
	}
	return cfg
}

// LoadKey reads a PEM RSA key from cfg.PrivateKeyFile, or generates a process-local key.
// Generated keys do not survive a restart, so tokens issued before it stop verifying.
func LoadKey(cfg Config) (*rsa.PrivateKey, error) {
	if cfg.PrivateKeyFile == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	pemBytes, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	k, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return k, nil
}

// Service signs and verifies access/refresh tokens.
type Service struct {
	key        *rsa.PrivateKey
	kid        string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	sessions   SessionStore
	now        func() time.Time
}

func NewService(cfg Config, key *rsa.PrivateKey, sessions SessionStore) *Service {
	// kid is the base64 of the first 8 bytes of SHA256 over the public key
	pubBytes, _ := json.Marshal(key.PublicKey)
	h := sha256.Sum256(pubBytes)
	return &Service{
		key:        key,
		kid:        base64.RawURLEncoding.EncodeToString(h[:8]),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		sessions:   sessions,
		now:        time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// JWKS returns a minimal JWKS containing the public key.
func (s *Service) JWKS() map[string]any {
	pub := s.key.PublicKey
	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": s.kid,
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
	return map[string]any{"keys": []any{jwk}}
}

func (s *Service) sign(c Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// IssuePair creates an access token and a refresh token for the account and persists the
// refresh session.
func (s *Service) IssuePair(ctx context.Context, accountID, email string) (*Pair, error) {
	now := s.now()
	access, err := s.sign(Claims{
		Type:  TypeAccess,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	jti := utilities.NewKSUID()
	expiresAt := now.Add(s.refreshTTL)
	refresh, err := s.sign(Claims{
		Type: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	if err := s.sessions.Save(ctx, repo.Session{ID: jti, AccountID: accountID, ExpiresAt: expiresAt, CreatedAt: now}); err != nil {
		return nil, fmt.Errorf("save refresh session: %w", err)
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) parse(raw, typ string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != typ || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseAccess verifies an access token. Refresh tokens are rejected.
func (s *Service) ParseAccess(raw string) (*Claims, error) {
	return s.parse(raw, TypeAccess)
}

// ParseRefresh verifies a refresh token's signature and class. Session state is not checked.
func (s *Service) ParseRefresh(raw string) (*Claims, error) {
	return s.parse(raw, TypeRefresh)
}

// Consume validates a refresh token and removes its stored session in one step, so each
// refresh token can be exchanged once even under concurrent use. It returns the account id.
func (s *Service) Consume(ctx context.Context, raw string) (string, error) {
	claims, err := s.ParseRefresh(raw)
	if err != nil {
		return "", err
	}
	sess, err := s.sessions.Take(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrInvalidToken
		}
		return "", err
	}
	if sess.AccountID != claims.Subject || !s.now().Before(sess.ExpiresAt) {
		return "", ErrInvalidToken
	}
	return sess.AccountID, nil
}

// Revoke removes the session behind a refresh token. Invalid tokens are ignored.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	claims, err := s.ParseRefresh(raw)
	if err != nil {
		return nil
	}
	return s.sessions.Delete(ctx, claims.ID)
}

// RevokeAll removes every refresh session of an account.
func (s *Service) RevokeAll(ctx context.Context, accountID string) error {
	return s.sessions.DeleteByAccount(ctx, accountID)
}
