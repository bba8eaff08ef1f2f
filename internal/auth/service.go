package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionTimeout is the fixed idle timeout of a live session.
const SessionTimeout = 900 * time.Second

// ContentPolicy decides access to content items that have no role grants.
type ContentPolicy string

const (
	ContentOpen ContentPolicy = "open"
	ContentDeny ContentPolicy = "deny"
)

// Policy holds the tunable security settings.
type Policy struct {
	MaxLoginAttempts  int
	LockoutTime       time.Duration
	PasswordMinLength int
	CookieLifetime    time.Duration
	ResetTokenTTL     time.Duration
	ContentPolicy     ContentPolicy
}

// DefaultPolicy returns the stock settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxLoginAttempts:  5,
		LockoutTime:       900 * time.Second,
		PasswordMinLength: 8,
		CookieLifetime:    604800 * time.Second,
		ResetTokenTTL:     time.Hour,
		ContentPolicy:     ContentOpen,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	switch {
	case p.MaxLoginAttempts < 1:
		return fmt.Errorf("%w: max login attempts must be positive", ErrInvalidInput)
	case p.LockoutTime <= 0:
		return fmt.Errorf("%w: lockout time must be positive", ErrInvalidInput)
	case p.PasswordMinLength < 1 || p.PasswordMinLength > maxPasswordBytes:
		return fmt.Errorf("%w: password min length must be between 1 and %d", ErrInvalidInput, maxPasswordBytes)
	case p.CookieLifetime <= 0:
		return fmt.Errorf("%w: cookie lifetime must be positive", ErrInvalidInput)
	case p.ResetTokenTTL <= 0:
		return fmt.Errorf("%w: reset token ttl must be positive", ErrInvalidInput)
	}
	switch p.ContentPolicy {
	case ContentOpen, ContentDeny:
	default:
		return fmt.Errorf("%w: unknown content policy %q", ErrInvalidInput, p.ContentPolicy)
	}
	return nil
}

// Metrics receives domain counters. obs provides the Prometheus implementation.
type Metrics interface {
	LoginAttempt(outcome string)
	AccountLocked()
	PasswordReset(stage string)
	PermissionCheck(allowed bool)
	SessionExpired()
}

type nopMetrics struct{}

func (nopMetrics) LoginAttempt(string) {}
func (nopMetrics) AccountLocked() {}
func (nopMetrics) PasswordReset(string) {}
func (nopMetrics) PermissionCheck(bool) {}
func (nopMetrics) SessionExpired() {}

type options struct {
	now      func() time.Time
	policy   Policy
	recorder ActivityRecorder
	metrics  Metrics
	remember *RememberTokens
	baseURL  string
	appName  string
}

// Option configures a manager.
type Option func(*options) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *options) error {
		if fn != nil {
			o.now = fn
		}
		return nil
	}
}

// WithPolicy replaces the default security policy.
func WithPolicy(p Policy) Option {
	return func(o *options) error {
		if err := p.Validate(); err != nil {
			return err
		}
		o.policy = p
		return nil
	}
}

// WithActivityRecorder wires the activity log.
func WithActivityRecorder(r ActivityRecorder) Option {
	return func(o *options) error {
		if r != nil {
			o.recorder = r
		}
		return nil
	}
}

// WithMetrics wires domain counters.
func WithMetrics(m Metrics) Option {
	return func(o *options) error {
		if m != nil {
			o.metrics = m
		}
		return nil
	}
}

// WithRememberTokens enables remember-me tickets on login.
func WithRememberTokens(rt *RememberTokens) Option {
	return func(o *options) error {
		o.remember = rt
		return nil
	}
}

// WithResetLink sets the public base URL and application name used in reset mail.
func WithResetLink(baseURL, appName string) Option {
	return func(o *options) error {
		baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		if baseURL == "" {
			return errors.New("auth: reset base url is required")
		}
		o.baseURL = baseURL
		if strings.TrimSpace(appName) != "" {
			o.appName = strings.TrimSpace(appName)
		}
		return nil
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{
		now:      time.Now,
		policy:   DefaultPolicy(),
		recorder: nopRecorder{},
		metrics:  nopMetrics{},
		baseURL:  "http://localhost:8080",
		appName:  "Cofradia",
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}

func (o options) record(ctx context.Context, action, userID, description string) {
	o.recorder.Record(ctx, Activity{
		Action:      action,
		UserID:      userID,
		Description: description,
		Timestamp:   o.now().UTC(),
	})
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the stored form of a reset token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
