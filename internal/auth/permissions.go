package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PermissionManager grants, revokes and resolves per-content access.
type PermissionManager struct {
	accounts AccountStore
	grants   GrantStore
	opts     options
}

// NewPermissionManager wires a PermissionManager.
func NewPermissionManager(accounts AccountStore, grants GrantStore, opts ...Option) (*PermissionManager, error) {
	if accounts == nil || grants == nil {
		return nil, errors.New("auth: account and grant stores are required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PermissionManager{accounts: accounts, grants: grants, opts: o}, nil
}

type grantTarget struct {
	role   *Role
	userID string
	label  string
}

func (m *PermissionManager) authorize(ctx context.Context, req GrantRequest) (Account, grantTarget, error) {
	actor, err := loadActor(ctx, m.accounts, req.ActorID)
	if err != nil {
		return Account{}, grantTarget{}, err
	}
	if !CanManageUsers(actor.Role.String()) {
		return Account{}, grantTarget{}, authorizationError("You do not have permission to manage content access.")
	}
	if strings.TrimSpace(req.ContentType) == "" || req.ContentID <= 0 {
		return Account{}, grantTarget{}, validationError(CodeInvalidRequest, "Content type and id are required.")
	}
	hasRole := strings.TrimSpace(req.Role) != ""
	hasUser := strings.TrimSpace(req.UserID) != ""
	if hasRole == hasUser {
		return Account{}, grantTarget{}, validationError(CodeInvalidRequest, "Specify either a role or a user.")
	}
	if hasRole {
		r, ok := ParseRole(req.Role)
		if !ok {
			return Account{}, grantTarget{}, validationError(CodeInvalidRole, "Unknown role.")
		}
		return actor, grantTarget{role: &r, label: "role " + r.String()}, nil
	}
	userID := strings.TrimSpace(req.UserID)
	return actor, grantTarget{userID: userID, label: "user " + userID}, nil
}

// Grant records a role or user grant on a content item. The actor must meet the
// management threshold.
func (m *PermissionManager) Grant(ctx context.Context, req GrantRequest) (Grant, error) {
	actor, target, err := m.authorize(ctx, req)
	if err != nil {
		return Grant{}, err
	}
	contentType := strings.TrimSpace(req.ContentType)

	var exists bool
	if target.role != nil {
		exists, err = m.grants.HasRoleGrant(ctx, contentType, req.ContentID, *target.role)
	} else {
		if _, err := m.accounts.AccountByID(ctx, target.userID); err != nil {
			return Grant{}, storeError(err, "User not found.")
		}
		exists, err = m.grants.HasUserGrant(ctx, contentType, req.ContentID, target.userID)
	}
	if err != nil {
		return Grant{}, persistenceError(fmt.Errorf("check grant: %w", err))
	}
	if exists {
		return Grant{}, validationError(CodeDuplicate, "This permission already exists.")
	}

	g, err := m.grants.CreateGrant(ctx, Grant{
		ContentType: contentType,
		ContentID:   req.ContentID,
		Role:        target.role,
		UserID:      target.userID,
		GrantedBy:   actor.ID,
		CreatedAt:   m.opts.now().UTC(),
	})
	if errors.Is(err, ErrConflict) {
		return Grant{}, validationError(CodeDuplicate, "This permission already exists.")
	}
	if err != nil {
		return Grant{}, storeError(err, "User not found.")
	}
	m.opts.record(ctx, ActionPermissionGranted, actor.ID,
		fmt.Sprintf("Granted %s #%d to %s", contentType, req.ContentID, target.label))
	return g, nil
}

// Revoke removes a grant. It reports not_found when no grant matched.
func (m *PermissionManager) Revoke(ctx context.Context, req GrantRequest) error {
	actor, target, err := m.authorize(ctx, req)
	if err != nil {
		return err
	}
	contentType := strings.TrimSpace(req.ContentType)
	if err := m.grants.DeleteGrant(ctx, contentType, req.ContentID, target.role, target.userID); err != nil {
		return storeError(err, "Permission not found.")
	}
	m.opts.record(ctx, ActionPermissionRevoked, actor.ID,
		fmt.Sprintf("Revoked %s #%d from %s", contentType, req.ContentID, target.label))
	return nil
}

// CanAccess resolves whether role may see a content item. An explicit grant
// wins; otherwise any role at or above the most privileged granted role is
// allowed. Items without role grants follow the content policy.
func (m *PermissionManager) CanAccess(ctx context.Context, role, contentType string, contentID int64) (bool, error) {
	allowed, err := m.canAccess(ctx, role, contentType, contentID)
	if err != nil {
		return false, err
	}
	m.opts.metrics.PermissionCheck(allowed)
	return allowed, nil
}

func (m *PermissionManager) canAccess(ctx context.Context, role, contentType string, contentID int64) (bool, error) {
	r, ok := ParseRole(role)
	if !ok {
		return false, nil
	}
	contentType = strings.TrimSpace(contentType)
	explicit, err := m.grants.HasRoleGrant(ctx, contentType, contentID, r)
	if err != nil {
		return false, persistenceError(fmt.Errorf("check role grant: %w", err))
	}
	if explicit {
		return true, nil
	}
	level, restricted, err := m.grants.MinGrantedLevel(ctx, contentType, contentID)
	if err != nil {
		return false, persistenceError(fmt.Errorf("load granted levels: %w", err))
	}
	if !restricted {
		return m.opts.policy.ContentPolicy == ContentOpen, nil
	}
	return r.Level() <= level, nil
}

// CanAccountAccess checks explicit user grants before falling back to the role rules.
func (m *PermissionManager) CanAccountAccess(ctx context.Context, acct Account, contentType string, contentID int64) (bool, error) {
	direct, err := m.grants.HasUserGrant(ctx, strings.TrimSpace(contentType), contentID, acct.ID)
	if err != nil {
		return false, persistenceError(fmt.Errorf("check user grant: %w", err))
	}
	if direct {
		m.opts.metrics.PermissionCheck(true)
		return true, nil
	}
	return m.CanAccess(ctx, acct.Role.String(), contentType, contentID)
}

// Grants lists the grants recorded on a content item.
func (m *PermissionManager) Grants(ctx context.Context, contentType string, contentID int64) ([]Grant, error) {
	out, err := m.grants.ListGrants(ctx, strings.TrimSpace(contentType), contentID)
	if err != nil {
		return nil, persistenceError(fmt.Errorf("list grants: %w", err))
	}
	return out, nil
}

// loadActor resolves the acting account. A missing actor is an authorization failure.
func loadActor(ctx context.Context, accounts AccountStore, id string) (Account, error) {
	if strings.TrimSpace(id) == "" {
		return Account{}, authorizationError("You must be logged in to do that.")
	}
	acct, err := accounts.AccountByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Account{}, authorizationError("You must be logged in to do that.")
	}
	if err != nil {
		return Account{}, persistenceError(fmt.Errorf("load actor: %w", err))
	}
	return acct, nil
}
