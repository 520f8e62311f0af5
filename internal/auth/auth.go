package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "smartattend-integrity"

// Claims carries the actor identity inside a bearer token.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id,omitempty"`
	System   bool   `json:"system,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and validates HS256 bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	skew   time.Duration
	now    func() time.Time
}

// TokenOption configures Tokens.
type TokenOption func(*Tokens)

// WithIssuer overrides the token issuer.
func WithIssuer(iss string) TokenOption {
	return func(t *Tokens) {
		if iss = strings.TrimSpace(iss); iss != "" {
			t.issuer = iss
		}
	}
}

// WithTokenClock overrides the time source used for validation.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(t *Tokens) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTokens builds a signer/validator for secret.
func NewTokens(secret string, opts ...TokenOption) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret is not configured")
	}
	t := &Tokens{
		secret: []byte(secret),
		issuer: defaultIssuer,
		skew:   5 * time.Second,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Generate signs a token for actor valid for ttl.
func (t *Tokens) Generate(actor Actor, ttl time.Duration) (string, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return "", errors.New("actor id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := t.now()
	claims := Claims{
		TenantID: actor.TenantID,
		Role:     NormalizeRole(actor.Role),
		DeviceID: actor.DeviceID,
		System:   actor.System,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the token signature and required claims and returns the
// actor it names.
func (t *Tokens) Parse(token string) (Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Actor{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return Actor{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Actor{}, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return Actor{}, ErrInvalidToken
	}
	return Actor{
		TenantID: claims.TenantID,
		ID:       claims.Subject,
		Role:     NormalizeRole(claims.Role),
		DeviceID: claims.DeviceID,
		System:   claims.System,
	}, nil
}

func (t *Tokens) validateClaims(claims *Claims) error {
	if claims.Issuer != t.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.now()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.IssuedAt.Time.After(now.Add(t.skew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
