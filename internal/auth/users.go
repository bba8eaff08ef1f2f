package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"cofradia.org/internal/ids"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
)

// UserManager covers member administration along the role hierarchy.
type UserManager struct {
	accounts AccountStore
	stats    StatsReader
	opts     options
}

// NewUserManager wires a UserManager. stats may be nil.
func NewUserManager(accounts AccountStore, stats StatsReader, opts ...Option) (*UserManager, error) {
	if accounts == nil {
		return nil, errors.New("auth: account store is required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &UserManager{accounts: accounts, stats: stats, opts: o}, nil
}

func (m *UserManager) manager(ctx context.Context, actorID string) (Account, error) {
	actor, err := loadActor(ctx, m.accounts, actorID)
	if err != nil {
		return Account{}, err
	}
	if !CanManageUsers(actor.Role.String()) {
		return Account{}, authorizationError("You do not have permission to manage users.")
	}
	return actor, nil
}

// CreateUser registers a member with a role strictly below the actor's.
func (m *UserManager) CreateUser(ctx context.Context, actorID string, in NewUser) (Account, error) {
	actor, err := m.manager(ctx, actorID)
	if err != nil {
		return Account{}, err
	}
	role, ok := ParseRole(in.Role)
	if !ok {
		return Account{}, validationError(CodeInvalidRole, "Unknown role.")
	}
	if !IsHigher(actor.Role.String(), role.String()) {
		return Account{}, authorizationError("You can only create users with a lower role than your own.")
	}
	username := strings.TrimSpace(in.Username)
	if n := utf8.RuneCountInString(username); n < minUsernameLen || n > maxUsernameLen {
		return Account{}, validationError(CodeInvalidRequest,
			fmt.Sprintf("Username must be between %d and %d characters.", minUsernameLen, maxUsernameLen))
	}
	email := NormalizeEmail(in.Email)
	if !ValidEmail(email) {
		return Account{}, validationError(CodeInvalidEmail, "Invalid email format.")
	}
	if in.Password != in.ConfirmPassword {
		return Account{}, validationError(CodePasswordMismatch, "Passwords do not match.")
	}
	if msg, ok := ValidatePassword(in.Password, m.opts.policy.PasswordMinLength); !ok {
		return Account{}, validationError(CodeWeakPassword, msg)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Account{}, persistenceError(fmt.Errorf("hash password: %w", err))
	}
	now := m.opts.now().UTC()
	acct, err := m.accounts.CreateAccount(ctx, Account{
		ID:           ids.New(),
		Email:        email,
		Username:     username,
		CivilName:    strings.TrimSpace(in.CivilName),
		Phone:        strings.TrimSpace(in.Phone),
		Location:     strings.TrimSpace(in.Location),
		Notes:        strings.TrimSpace(in.Notes),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return Account{}, storeError(err, "User not found.")
	}
	m.opts.record(ctx, ActionUserCreated, actor.ID,
		fmt.Sprintf("Created user %s with role %s", acct.Username, role))
	return acct, nil
}

// UpdateRole moves a member to another role. The actor must outrank both the
// current and the new role.
func (m *UserManager) UpdateRole(ctx context.Context, actorID, targetID, roleName string) error {
	actor, err := m.manager(ctx, actorID)
	if err != nil {
		return err
	}
	role, ok := ParseRole(roleName)
	if !ok {
		return validationError(CodeInvalidRole, "Unknown role.")
	}
	target, err := m.accounts.AccountByID(ctx, targetID)
	if err != nil {
		return storeError(err, "User not found.")
	}
	if !IsHigher(actor.Role.String(), target.Role.String()) || !IsHigher(actor.Role.String(), role.String()) {
		return authorizationError("You can only assign roles below your own to users below you.")
	}
	if target.Role == role {
		return validationError(CodeNoChanges, "The user already has that role.")
	}
	if err := m.accounts.UpdateRole(ctx, target.ID, role); err != nil {
		return storeError(err, "User not found.")
	}
	m.opts.record(ctx, ActionRoleUpdated, actor.ID,
		fmt.Sprintf("Changed role of %s from %s to %s", target.Username, target.Role, role))
	return nil
}

// UpdateNotes replaces the private notes on a lower-ranked member. Any
// outranking member may do this; the management threshold does not apply.
func (m *UserManager) UpdateNotes(ctx context.Context, actorID, targetID, notes string) error {
	actor, err := loadActor(ctx, m.accounts, actorID)
	if err != nil {
		return err
	}
	target, err := m.accounts.AccountByID(ctx, targetID)
	if err != nil {
		return storeError(err, "User not found.")
	}
	if !IsHigher(actor.Role.String(), target.Role.String()) {
		return authorizationError("You can only edit notes of users below you.")
	}
	if err := m.accounts.UpdateNotes(ctx, target.ID, strings.TrimSpace(notes)); err != nil {
		return storeError(err, "User not found.")
	}
	m.opts.record(ctx, ActionNotesUpdated, actor.ID, "Updated notes of "+target.Username)
	return nil
}

// UpdateProfile applies self-service profile changes.
func (m *UserManager) UpdateProfile(ctx context.Context, accountID string, upd ProfileUpdate) error {
	if upd.Email == nil && upd.Phone == nil && upd.Location == nil && upd.SocialLinks == nil {
		return validationError(CodeNoChanges, "No changes to save.")
	}
	if upd.Email != nil {
		email := NormalizeEmail(*upd.Email)
		if !ValidEmail(email) {
			return validationError(CodeInvalidEmail, "Invalid email format.")
		}
		upd.Email = &email
	}
	if upd.Phone != nil {
		v := strings.TrimSpace(*upd.Phone)
		upd.Phone = &v
	}
	if upd.Location != nil {
		v := strings.TrimSpace(*upd.Location)
		upd.Location = &v
	}
	if upd.SocialLinks != nil {
		links := make(map[string]string, len(upd.SocialLinks))
		for k, v := range upd.SocialLinks {
			k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
			if k != "" && v != "" {
				links[k] = v
			}
		}
		upd.SocialLinks = links
	}
	if err := m.accounts.UpdateProfile(ctx, accountID, upd); err != nil {
		return storeError(err, "Account not found.")
	}
	m.opts.record(ctx, ActionProfileUpdated, accountID, "Profile updated")
	return nil
}

// SetPassword is the administrative password set for a lower-ranked member.
func (m *UserManager) SetPassword(ctx context.Context, actorID, targetID, newPassword, confirmPassword string) error {
	actor, err := m.manager(ctx, actorID)
	if err != nil {
		return err
	}
	target, err := m.accounts.AccountByID(ctx, targetID)
	if err != nil {
		return storeError(err, "User not found.")
	}
	if !IsHigher(actor.Role.String(), target.Role.String()) {
		return authorizationError("You can only set passwords of users below you.")
	}
	if newPassword != confirmPassword {
		return validationError(CodePasswordMismatch, "Passwords do not match.")
	}
	if msg, ok := ValidatePassword(newPassword, m.opts.policy.PasswordMinLength); !ok {
		return validationError(CodeWeakPassword, msg)
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return persistenceError(fmt.Errorf("hash password: %w", err))
	}
	if err := m.accounts.UpdatePassword(ctx, target.ID, hash); err != nil {
		return storeError(err, "User not found.")
	}
	m.opts.record(ctx, ActionPasswordChanged, target.ID, "Password set by "+actor.Username)
	return nil
}

// ManageableUsers lists members with roles strictly below the actor's.
func (m *UserManager) ManageableUsers(ctx context.Context, actorID string) ([]Account, error) {
	actor, err := m.manager(ctx, actorID)
	if err != nil {
		return nil, err
	}
	out, err := m.accounts.ListBelowLevel(ctx, actor.Role.Level())
	if err != nil {
		return nil, persistenceError(fmt.Errorf("list users: %w", err))
	}
	return out, nil
}

// ViewUser renders target for viewer. Managers who outrank the target also see
// the hidden fields; the member themself and everyone else get the public view.
func (m *UserManager) ViewUser(ctx context.Context, viewerID, targetID string) (UserView, error) {
	viewer, err := loadActor(ctx, m.accounts, viewerID)
	if err != nil {
		return UserView{}, err
	}
	target, err := m.accounts.AccountByID(ctx, targetID)
	if err != nil {
		return UserView{}, storeError(err, "User not found.")
	}
	view := UserView{
		ID:          target.ID,
		Username:    target.Username,
		Email:       target.Email,
		Role:        target.Role.String(),
		Phone:       target.Phone,
		Location:    target.Location,
		SocialLinks: target.SocialLinks,
		CreatedAt:   target.CreatedAt,
	}
	if viewer.ID == target.ID {
		return view, nil
	}
	if !CanManageUsers(viewer.Role.String()) || !IsHigher(viewer.Role.String(), target.Role.String()) {
		return view, nil
	}
	attempts, locked := target.Attempts.Attempts, target.Attempts.Locked
	view.Hidden = true
	view.CivilName = target.CivilName
	view.Notes = target.Notes
	view.LoginAttempts = &attempts
	view.Locked = &locked
	if m.stats != nil {
		stats, err := m.stats.LoginStats(ctx, target.ID)
		if err != nil {
			return UserView{}, persistenceError(fmt.Errorf("load login stats: %w", err))
		}
		view.Stats = &stats
	}
	return view, nil
}
