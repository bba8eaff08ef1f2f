package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const rememberIssuer = "cofradia"

// ErrInvalidToken indicates the remember ticket failed validation.
var ErrInvalidToken = errors.New("invalid token")

// RememberClaims is the payload of a remember-me ticket. The ticket only pre-fills
// the login form; it never re-authenticates.
type RememberClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// RememberTokens signs and verifies remember-me tickets with HS256.
type RememberTokens struct {
	secret []byte
	now    func() time.Time
}

// NewRememberTokens builds a signer from a shared secret.
func NewRememberTokens(secret string, now func() time.Time) (*RememberTokens, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("auth: remember secret must be at least 16 characters")
	}
	if now == nil {
		now = time.Now
	}
	return &RememberTokens{secret: []byte(secret), now: now}, nil
}

// Issue signs a ticket for acct valid for ttl. It returns the token and its id.
func (rt *RememberTokens) Issue(acct Account, ttl time.Duration) (string, string, time.Time, error) {
	if acct.ID == "" {
		return "", "", time.Time{}, errors.New("account id is required")
	}
	if ttl <= 0 {
		return "", "", time.Time{}, errors.New("ttl must be greater than zero")
	}
	now := rt.now().UTC()
	exp := now.Add(ttl)
	jti := uuid.NewString()
	claims := RememberClaims{
		Email: acct.Email,
		Role:  acct.Role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    rememberIssuer,
			Subject:   acct.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(rt.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, jti, exp, nil
}

// Parse verifies the signature and required claims of a ticket.
func (rt *RememberTokens) Parse(token string) (*RememberClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &RememberClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return rt.secret, nil
	}, jwt.WithTimeFunc(rt.now), jwt.WithIssuer(rememberIssuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*RememberClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := validateClaims(claims, rt.now()); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func validateClaims(claims *RememberClaims, now time.Time) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("token id missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

type ctxKey string

const (
	sessionKey ctxKey = "auth_session"
	clientKey  ctxKey = "auth_client"
)

// ContextWithSession stores the resumed session in the context.
func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, &s)
}

// SessionFromContext extracts the session attached by the HTTP layer.
func SessionFromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return Session{}, false
	}
	v, ok := ctx.Value(sessionKey).(*Session)
	if !ok || v == nil {
		return Session{}, false
	}
	return *v, true
}

// UserIDFromContext extracts the authenticated account id from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	s, ok := SessionFromContext(ctx)
	if !ok || strings.TrimSpace(s.AccountID) == "" {
		return "", false
	}
	return s.AccountID, true
}

// RoleFromContext returns the role of the authenticated session.
func RoleFromContext(ctx context.Context) (string, bool) {
	s, ok := SessionFromContext(ctx)
	if !ok || s.Role == "" {
		return "", false
	}
	return s.Role, true
}

// Client describes the remote peer of a request, used for activity records.
type Client struct {
	IP        string
	UserAgent string
}

// ContextWithClient attaches the remote peer to the context.
func ContextWithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey, c)
}

// ClientFromContext returns the remote peer, or a zero Client.
func ClientFromContext(ctx context.Context) Client {
	if ctx == nil {
		return Client{}
	}
	c, _ := ctx.Value(clientKey).(Client)
	return c
}
