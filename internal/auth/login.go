package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// casRetries bounds how often Login re-reads an account after losing a
// compare-and-swap on its attempt counter.
const casRetries = 3

// LoginRequest is the input to Login.
type LoginRequest struct {
	Email    string
	Password string
	Remember bool
	// ReturnTo is the path the caller was sent away from, if any.
	ReturnTo string
}

// LoginResult is a successful login.
type LoginResult struct {
	Session         Session
	Account         Account
	Redirect        string
	RememberToken   string
	RememberExpires time.Time
}

// LoginManager authenticates credentials, enforces lockout and owns sessions.
type LoginManager struct {
	accounts AccountStore
	sessions SessionStore
	opts     options
}

// NewLoginManager wires a LoginManager.
func NewLoginManager(accounts AccountStore, sessions SessionStore, opts ...Option) (*LoginManager, error) {
	if accounts == nil || sessions == nil {
		return nil, errors.New("auth: account and session stores are required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &LoginManager{accounts: accounts, sessions: sessions, opts: o}, nil
}

// Policy returns the active security policy.
func (m *LoginManager) Policy() Policy { return m.opts.policy }

// Login evaluates a credential attempt against the per-account lockout state machine.
func (m *LoginManager) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	email := NormalizeEmail(req.Email)
	if !ValidEmail(email) {
		m.opts.metrics.LoginAttempt("invalid_email")
		return LoginResult{}, validationError(CodeInvalidEmail, "Invalid email format.")
	}

	acct, err := m.accounts.AccountByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		m.opts.record(ctx, ActionFailedLogin, "", "Failed login attempt for unknown email")
		m.opts.metrics.LoginAttempt("unknown")
		return LoginResult{}, authenticationError(CodeInvalidCredentials, "Invalid email or password.")
	}
	if err != nil {
		return LoginResult{}, persistenceError(fmt.Errorf("load account: %w", err))
	}

	verifiedHash := ""
	matched := false
	for attempt := 0; ; attempt++ {
		if attempt >= casRetries {
			return LoginResult{}, persistenceError(errors.New("attempt counter contention"))
		}
		if attempt > 0 {
			acct, err = m.accounts.AccountByID(ctx, acct.ID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return LoginResult{}, authenticationError(CodeInvalidCredentials, "Invalid email or password.")
				}
				return LoginResult{}, persistenceError(fmt.Errorf("reload account: %w", err))
			}
		}
		now := m.opts.now()
		state := acct.Attempts

		if state.Locked {
			elapsed := now.Sub(state.LastAttempt)
			if elapsed <= m.opts.policy.LockoutTime {
				return LoginResult{}, m.lockedError(ctx, acct, m.opts.policy.LockoutTime-elapsed)
			}
			unlocked := AttemptState{LastAttempt: state.LastAttempt}
			ok, err := m.accounts.CompareAndSetAttempts(ctx, acct.ID, state, unlocked)
			if err != nil {
				return LoginResult{}, persistenceError(fmt.Errorf("unlock account: %w", err))
			}
			if !ok {
				continue
			}
			state = unlocked
			acct.Attempts = unlocked
		}

		if verifiedHash != acct.PasswordHash {
			matched = VerifyPassword(acct.PasswordHash, req.Password) == nil
			verifiedHash = acct.PasswordHash
		}

		if !matched {
			next := AttemptState{
				Attempts:    state.Attempts + 1,
				Locked:      state.Attempts+1 >= m.opts.policy.MaxLoginAttempts,
				LastAttempt: now,
			}
			ok, err := m.accounts.CompareAndSetAttempts(ctx, acct.ID, state, next)
			if err != nil {
				return LoginResult{}, persistenceError(fmt.Errorf("record failed attempt: %w", err))
			}
			if !ok {
				continue
			}
			m.opts.record(ctx, ActionFailedLogin, acct.ID, "Failed login attempt")
			if next.Locked {
				m.opts.metrics.LoginAttempt("locked_now")
				m.opts.metrics.AccountLocked()
				e := authenticationError(CodeInvalidCredentials, fmt.Sprintf(
					"Too many failed attempts. Your account has been locked for %d minutes.",
					ceilMinutes(m.opts.policy.LockoutTime)))
				e.RetryAfter = m.opts.policy.LockoutTime
				e.attemptsLeft, e.hasAttempts = 0, true
				return LoginResult{}, e
			}
			left := m.opts.policy.MaxLoginAttempts - next.Attempts
			m.opts.metrics.LoginAttempt("invalid_credentials")
			e := authenticationError(CodeInvalidCredentials, fmt.Sprintf(
				"Invalid email or password. %d attempts remaining.", left))
			e.attemptsLeft, e.hasAttempts = left, true
			return LoginResult{}, e
		}

		if state.Attempts != 0 || state.Locked {
			cleared := AttemptState{LastAttempt: state.LastAttempt}
			ok, err := m.accounts.CompareAndSetAttempts(ctx, acct.ID, state, cleared)
			if err != nil {
				return LoginResult{}, persistenceError(fmt.Errorf("reset attempts: %w", err))
			}
			if !ok {
				continue
			}
			acct.Attempts = cleared
		}
		break
	}

	return m.establish(ctx, acct, req)
}

func (m *LoginManager) establish(ctx context.Context, acct Account, req LoginRequest) (LoginResult, error) {
	now := m.opts.now()
	sess := Session{
		ID:           uuid.NewString(),
		AccountID:    acct.ID,
		Role:         acct.Role.String(),
		LastActivity: now,
		CreatedAt:    now,
	}
	res := LoginResult{Account: acct}
	if req.Remember && m.opts.remember != nil {
		token, jti, exp, err := m.opts.remember.Issue(acct, m.opts.policy.CookieLifetime)
		if err != nil {
			return LoginResult{}, persistenceError(fmt.Errorf("issue remember token: %w", err))
		}
		sess.RememberID = jti
		res.RememberToken = token
		res.RememberExpires = exp
	}
	if err := m.sessions.Save(ctx, sess, 2*SessionTimeout); err != nil {
		return LoginResult{}, persistenceError(fmt.Errorf("save session: %w", err))
	}
	res.Session = sess
	res.Redirect = redirectTarget(req.ReturnTo, sess.Role)
	m.opts.record(ctx, ActionLogin, acct.ID, "User logged in")
	m.opts.metrics.LoginAttempt("success")
	return res, nil
}

func (m *LoginManager) lockedError(ctx context.Context, acct Account, remaining time.Duration) *Error {
	m.opts.record(ctx, ActionFailedLogin, acct.ID, "Login attempt on locked account")
	m.opts.metrics.LoginAttempt("locked")
	e := authenticationError(CodeLocked, fmt.Sprintf(
		"Account is locked. Please try again in %d minutes.", ceilMinutes(remaining)))
	e.RetryAfter = remaining
	return e
}

// Logout destroys the session. It is idempotent and logs only when a session existed.
func (m *LoginManager) Logout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	sess, err := m.sessions.Find(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return persistenceError(fmt.Errorf("load session: %w", err))
	}
	return m.destroy(ctx, sess, "User logged out")
}

func (m *LoginManager) destroy(ctx context.Context, sess Session, description string) error {
	existed, err := m.sessions.Delete(ctx, sess.ID)
	if err != nil {
		return persistenceError(fmt.Errorf("delete session: %w", err))
	}
	if !existed {
		return nil
	}
	if sess.RememberID != "" {
		if err := m.sessions.RevokeRemember(ctx, sess.RememberID, m.opts.policy.CookieLifetime); err != nil {
			return persistenceError(fmt.Errorf("revoke remember token: %w", err))
		}
	}
	m.opts.record(ctx, ActionLogout, sess.AccountID, description)
	return nil
}

// Resume is the idle-timeout guard run on every authenticated access. It
// refreshes last activity and re-resolves the account behind the session.
func (m *LoginManager) Resume(ctx context.Context, sessionID string) (Session, Account, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, Account{}, authenticationError(CodeNoSession, "Please log in to continue.")
	}
	sess, err := m.sessions.Find(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, Account{}, authenticationError(CodeNoSession, "Please log in to continue.")
	}
	if err != nil {
		return Session{}, Account{}, persistenceError(fmt.Errorf("load session: %w", err))
	}

	now := m.opts.now()
	if now.Sub(sess.LastActivity) > SessionTimeout {
		if err := m.destroy(ctx, sess, "Session expired"); err != nil {
			return Session{}, Account{}, err
		}
		m.opts.metrics.SessionExpired()
		return Session{}, Account{}, authenticationError(CodeSessionExpired, "Your session has expired. Please log in again.")
	}

	acct, err := m.accounts.AccountByID(ctx, sess.AccountID)
	if errors.Is(err, ErrNotFound) {
		if _, err := m.sessions.Delete(ctx, sess.ID); err != nil {
			return Session{}, Account{}, persistenceError(fmt.Errorf("delete session: %w", err))
		}
		return Session{}, Account{}, authenticationError(CodeNoSession, "Please log in to continue.")
	}
	if err != nil {
		return Session{}, Account{}, persistenceError(fmt.Errorf("load account: %w", err))
	}

	sess.Role = acct.Role.String()
	sess.LastActivity = now
	if err := m.sessions.Save(ctx, sess, 2*SessionTimeout); err != nil {
		return Session{}, Account{}, persistenceError(fmt.Errorf("save session: %w", err))
	}
	return sess, acct, nil
}

// Remembered validates a remember ticket. The claims only pre-fill the login form.
func (m *LoginManager) Remembered(ctx context.Context, token string) (RememberClaims, error) {
	if m.opts.remember == nil {
		return RememberClaims{}, authenticationError(CodeInvalidToken, "Remember me is not enabled.")
	}
	claims, err := m.opts.remember.Parse(token)
	if err != nil {
		return RememberClaims{}, authenticationError(CodeInvalidToken, "Remember token is invalid or expired.")
	}
	revoked, err := m.sessions.RememberRevoked(ctx, claims.ID)
	if err != nil {
		return RememberClaims{}, persistenceError(fmt.Errorf("check revocation: %w", err))
	}
	if revoked {
		return RememberClaims{}, authenticationError(CodeInvalidToken, "Remember token is invalid or expired.")
	}
	return *claims, nil
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

// redirectTarget prefers a same-site relative path, then the role homepage.
func redirectTarget(returnTo, role string) string {
	if SafeReturnPath(returnTo) {
		return returnTo
	}
	return Homepage(role)
}

// SafeReturnPath reports whether p is a relative path on this site.
func SafeReturnPath(p string) bool {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.ContainsAny(p, "\\\r\n") {
		return false
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}
