// Package token issues and verifies the signed handles callers present to
// reach an existing session.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer = "rampart"
	minSecretLen  = 32
	clockSkew     = 5 * time.Second
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims bind a token to one session of one tenant. The subject is the
// session owner.
type Claims struct {
	Tenant    string `json:"tnt"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	name   string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithName sets the iss claim written and required by the issuer.
func WithName(name string) Option {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.name = name
		}
	}
}

// WithTTL sets the default token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer builds an issuer keyed by secret.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLen)
	}
	i := &Issuer{
		name:   defaultIssuer,
		secret: []byte(secret),
		ttl:    time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a token for the given session. A non-positive ttl uses the
// issuer default.
func (i *Issuer) Issue(tenant, sessionID, userID string, ttl time.Duration) (string, time.Time, error) {
	tenant, sessionID, userID = strings.TrimSpace(tenant), strings.TrimSpace(sessionID), strings.TrimSpace(userID)
	if tenant == "" || sessionID == "" || userID == "" {
		return "", time.Time{}, errors.New("tenant, session id and user id are required")
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	now := i.now().UTC()
	expires := now.Add(ttl)
	claims := Claims{
		Tenant:    tenant,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies the signature and the required claims.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer(i.name))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := i.validate(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (i *Issuer) validate(c *Claims) error {
	if strings.TrimSpace(c.Tenant) == "" || strings.TrimSpace(c.SessionID) == "" {
		return errors.New("session binding missing")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("subject missing")
	}
	if c.ExpiresAt == nil || c.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if c.IssuedAt.Time.After(i.now().Add(clockSkew)) {
		return errors.New("token issued in the future")
	}
	if c.ExpiresAt.Time.Before(c.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

type tokenContextKey struct{}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, raw string) context.Context {
	if raw == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, raw)
}

// FromContext returns the bearer token if it was previously attached.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
