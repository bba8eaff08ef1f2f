package auth

import "time"

// Account is a member row as the auth subsystem sees it.
type Account struct {
	ID           string
	Email        string
	Username     string
	CivilName    string
	Phone        string
	Location     string
	SocialLinks  map[string]string
	Notes        string
	PasswordHash string
	Role         Role
	Attempts     AttemptState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AttemptState is the lockout portion of an account. It is only ever written
// through a compare-and-swap keyed on the previous state.
type AttemptState struct {
	Attempts    int
	Locked      bool
	LastAttempt time.Time
}

// Session is the server-side login state keyed by an opaque id.
type Session struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Role         string    `json:"role"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	RememberID   string    `json:"remember_id,omitempty"`
}

// ResetToken is a persisted password reset request. Only the hash of the token is stored.
type ResetToken struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// Grant is a content permission row. Exactly one of Role or UserID is set.
type Grant struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	ContentID   int64     `json:"content_id"`
	Role        *Role     `json:"-"`
	UserID      string    `json:"user_id,omitempty"`
	GrantedBy   string    `json:"granted_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleName returns the granted role name, or "" for user grants.
func (g Grant) RoleName() string {
	if g.Role == nil {
		return ""
	}
	return g.Role.String()
}

// GrantRequest identifies a grant or revoke target.
type GrantRequest struct {
	ActorID     string
	ContentType string
	ContentID   int64
	Role        string
	UserID      string
}

// Activity actions.
const (
	ActionLogin                  = "login"
	ActionFailedLogin            = "failed_login"
	ActionLogout                 = "logout"
	ActionPasswordResetRequested = "password_reset_requested"
	ActionPasswordChanged        = "password_changed"
	ActionPermissionGranted      = "permission_granted"
	ActionPermissionRevoked      = "permission_revoked"
	ActionUserCreated            = "user_created"
	ActionRoleUpdated            = "role_updated"
	ActionNotesUpdated           = "notes_updated"
	ActionProfileUpdated         = "profile_update"
)

// Activity is an append-only activity log entry.
type Activity struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	UserID      string    `json:"user_id,omitempty"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewUser is the input to CreateUser.
type NewUser struct {
	Username        string
	CivilName       string
	Email           string
	Password        string
	ConfirmPassword string
	Role            string
	Phone           string
	Location        string
	Notes           string
}

// ProfileUpdate holds the self-service profile fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	Email       *string
	Phone       *string
	Location    *string
	SocialLinks map[string]string
}

// LoginStats summarises an account's login history.
type LoginStats struct {
	LastLogin *time.Time `json:"last_login,omitempty"`
	Count     int        `json:"count"`
}

// UserView is an account rendered for a viewer. Hidden fields are only filled
// when the viewer manages the account.
type UserView struct {
	ID          string            `json:"id"`
	Username    string            `json:"username"`
	Email       string            `json:"email"`
	Role        string            `json:"role"`
	Phone       string            `json:"phone,omitempty"`
	Location    string            `json:"location,omitempty"`
	SocialLinks map[string]string `json:"social_links,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`

	CivilName     string      `json:"civil_name,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	LoginAttempts *int        `json:"login_attempts,omitempty"`
	Locked        *bool       `json:"account_locked,omitempty"`
	Stats         *LoginStats `json:"login_stats,omitempty"`
	Hidden        bool        `json:"hidden_fields"`
}
