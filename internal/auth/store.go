package auth

import (
	"context"
	"time"
)

// AccountStore persists member accounts.
type AccountStore interface {
	AccountByEmail(ctx context.Context, email string) (Account, error)
	AccountByID(ctx context.Context, id string) (Account, error)
	CreateAccount(ctx context.Context, acct Account) (Account, error)
	// CompareAndSetAttempts writes next only if the stored state still equals
	// expected. It reports false when another writer got there first.
	CompareAndSetAttempts(ctx context.Context, id string, expected, next AttemptState) (bool, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateRole(ctx context.Context, id string, role Role) error
	UpdateNotes(ctx context.Context, id, notes string) error
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) error
	// ListBelowLevel returns accounts whose role level is strictly greater than level.
	ListBelowLevel(ctx context.Context, level int) ([]Account, error)
}

// ResetTokenStore persists password reset tokens.
type ResetTokenStore interface {
	CreateResetToken(ctx context.Context, tok ResetToken) error
	ResetToken(ctx context.Context, tokenHash string) (ResetToken, error)
	DeleteResetToken(ctx context.Context, id string) error
	// ConsumeResetToken marks an unused, unexpired token used and stores the new
	// password hash in a single transaction. It returns ErrNotFound when no
	// such token remains.
	ConsumeResetToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, error)
}

// GrantStore persists content permissions.
type GrantStore interface {
	CreateGrant(ctx context.Context, g Grant) (Grant, error)
	// DeleteGrant removes the matching row and returns ErrNotFound if none matched.
	DeleteGrant(ctx context.Context, contentType string, contentID int64, role *Role, userID string) error
	HasRoleGrant(ctx context.Context, contentType string, contentID int64, role Role) (bool, error)
	HasUserGrant(ctx context.Context, contentType string, contentID int64, userID string) (bool, error)
	// MinGrantedLevel returns the most privileged granted role level; ok is false
	// when the item has no role grants.
	MinGrantedLevel(ctx context.Context, contentType string, contentID int64) (level int, ok bool, err error)
	ListGrants(ctx context.Context, contentType string, contentID int64) ([]Grant, error)
}

// SessionStore keeps server-side sessions and remember-ticket revocations.
type SessionStore interface {
	Save(ctx context.Context, s Session, ttl time.Duration) error
	Find(ctx context.Context, id string) (Session, error)
	// Delete removes the session and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	RevokeRemember(ctx context.Context, jti string, ttl time.Duration) error
	RememberRevoked(ctx context.Context, jti string) (bool, error)
}

// Mailer is the outbound messaging capability.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// ActivityRecorder appends to the activity log. Implementations must not fail the caller.
type ActivityRecorder interface {
	Record(ctx context.Context, a Activity)
}

// StatsReader reports login history for an account.
type StatsReader interface {
	LoginStats(ctx context.Context, userID string) (LoginStats, error)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Activity) {}
