package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"cofradia.org/internal/ids"
)

const (
	resetTokenBytes = 32
	resetIssuedMsg  = "If an account exists for that email, a password reset link has been sent."
)

var resetMail = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Hello {{.Username}},</p>
<p>We received a request to reset your {{.AppName}} password. Use the link below to choose a new one:</p>
<p><a href="{{.Link}}">Reset password</a></p>
<p>This link expires in {{.Minutes}} minutes. If you did not request a reset, you can ignore this email.</p>
</body>
</html>
`))

// Verification is the result of checking a reset token.
type Verification struct {
	Valid     bool   `json:"valid"`
	AccountID string `json:"-"`
	Reason    string `json:"reason,omitempty"`
}

// ResetManager owns the password-reset token lifecycle and authenticated
// password changes.
type ResetManager struct {
	accounts AccountStore
	tokens   ResetTokenStore
	mailer   Mailer
	opts     options
}

// NewResetManager wires a ResetManager.
func NewResetManager(accounts AccountStore, tokens ResetTokenStore, mailer Mailer, opts ...Option) (*ResetManager, error) {
	if accounts == nil || tokens == nil || mailer == nil {
		return nil, errors.New("auth: account store, token store and mailer are required")
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &ResetManager{accounts: accounts, tokens: tokens, mailer: mailer, opts: o}, nil
}

// Issue creates and mails a reset token. The returned message is identical
// whether or not the address belongs to an account.
func (m *ResetManager) Issue(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return "", validationError(CodeInvalidEmail, "Invalid email format.")
	}
	acct, err := m.accounts.AccountByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		m.opts.metrics.PasswordReset("unknown_email")
		return resetIssuedMsg, nil
	}
	if err != nil {
		return "", persistenceError(fmt.Errorf("load account: %w", err))
	}

	token, err := randomToken(resetTokenBytes)
	if err != nil {
		return "", persistenceError(fmt.Errorf("generate token: %w", err))
	}
	now := m.opts.now().UTC()
	rec := ResetToken{
		ID:        ids.New(),
		AccountID: acct.ID,
		TokenHash: HashToken(token),
		ExpiresAt: now.Add(m.opts.policy.ResetTokenTTL),
		CreatedAt: now,
	}
	if err := m.tokens.CreateResetToken(ctx, rec); err != nil {
		return "", persistenceError(fmt.Errorf("store reset token: %w", err))
	}

	body, err := m.renderMail(acct, token)
	if err == nil {
		err = m.mailer.Send(ctx, acct.Email, m.opts.appName+" password reset", body)
	}
	if err != nil {
		if delErr := m.tokens.DeleteResetToken(ctx, rec.ID); delErr != nil {
			err = errors.Join(err, fmt.Errorf("delete reset token: %w", delErr))
		}
		m.opts.metrics.PasswordReset("delivery_failed")
		return "", &Error{
			Kind:    KindPersistence,
			Code:    CodeDeliveryFailed,
			Message: "We could not send the reset email. Please try again later.",
			Err:     err,
		}
	}

	m.opts.record(ctx, ActionPasswordResetRequested, acct.ID, "Password reset requested")
	m.opts.metrics.PasswordReset("requested")
	return resetIssuedMsg, nil
}

func (m *ResetManager) renderMail(acct Account, token string) (string, error) {
	link := m.opts.baseURL + "/reset-password?token=" + url.QueryEscape(token)
	var buf bytes.Buffer
	err := resetMail.Execute(&buf, map[string]any{
		"Username": acct.Username,
		"AppName":  m.opts.appName,
		"Link":     link,
		"Minutes":  int(m.opts.policy.ResetTokenTTL.Minutes()),
	})
	if err != nil {
		return "", fmt.Errorf("render reset mail: %w", err)
	}
	return buf.String(), nil
}

// Verify checks a token without mutating it. A token is valid only while
// unused and strictly before its expiry.
func (m *ResetManager) Verify(ctx context.Context, token string) (Verification, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Verification{Reason: CodeTokenNotFound}, nil
	}
	rec, err := m.tokens.ResetToken(ctx, HashToken(token))
	if errors.Is(err, ErrNotFound) {
		return Verification{Reason: CodeTokenNotFound}, nil
	}
	if err != nil {
		return Verification{}, persistenceError(fmt.Errorf("load reset token: %w", err))
	}
	if rec.Used {
		return Verification{Reason: CodeTokenUsed}, nil
	}
	if !m.opts.now().Before(rec.ExpiresAt) {
		return Verification{Reason: CodeTokenExpired}, nil
	}
	return Verification{Valid: true, AccountID: rec.AccountID}, nil
}

// Complete sets a new password through a reset token and consumes the token.
func (m *ResetManager) Complete(ctx context.Context, token, newPassword, confirmPassword string) error {
	v, err := m.Verify(ctx, token)
	if err != nil {
		return err
	}
	if !v.Valid {
		m.opts.metrics.PasswordReset("rejected")
		return tokenError(v.Reason)
	}
	if err := m.checkNewPassword(newPassword, confirmPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return persistenceError(fmt.Errorf("hash password: %w", err))
	}
	accountID, err := m.tokens.ConsumeResetToken(ctx, HashToken(strings.TrimSpace(token)), hash, m.opts.now())
	if errors.Is(err, ErrNotFound) {
		m.opts.metrics.PasswordReset("rejected")
		return tokenError(CodeTokenUsed)
	}
	if err != nil {
		return persistenceError(fmt.Errorf("consume reset token: %w", err))
	}
	m.opts.record(ctx, ActionPasswordChanged, accountID, "Password changed via reset link")
	m.opts.metrics.PasswordReset("completed")
	return nil
}

// ChangePassword is the authenticated password change.
func (m *ResetManager) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword, confirmPassword string) error {
	acct, err := m.accounts.AccountByID(ctx, accountID)
	if err != nil {
		return storeError(err, "Account not found.")
	}
	if VerifyPassword(acct.PasswordHash, currentPassword) != nil {
		return authenticationError(CodeInvalidCredentials, "Current password is incorrect.")
	}
	if newPassword != confirmPassword {
		return validationError(CodePasswordMismatch, "New passwords do not match.")
	}
	if newPassword == currentPassword {
		return validationError(CodeSamePassword, "New password must be different from the current password.")
	}
	if msg, ok := ValidatePassword(newPassword, m.opts.policy.PasswordMinLength); !ok {
		return validationError(CodeWeakPassword, msg)
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return persistenceError(fmt.Errorf("hash password: %w", err))
	}
	if err := m.accounts.UpdatePassword(ctx, acct.ID, hash); err != nil {
		return storeError(err, "Account not found.")
	}
	m.opts.record(ctx, ActionPasswordChanged, acct.ID, "Password changed")
	return nil
}

func (m *ResetManager) checkNewPassword(newPassword, confirmPassword string) error {
	if newPassword != confirmPassword {
		return validationError(CodePasswordMismatch, "Passwords do not match.")
	}
	if msg, ok := ValidatePassword(newPassword, m.opts.policy.PasswordMinLength); !ok {
		return validationError(CodeWeakPassword, msg)
	}
	return nil
}

func tokenError(reason string) *Error {
	switch reason {
	case CodeTokenUsed:
		return authenticationError(CodeTokenUsed, "This reset link has already been used.")
	case CodeTokenExpired:
		return authenticationError(CodeTokenExpired, "This reset link has expired. Please request a new one.")
	default:
		return authenticationError(CodeTokenNotFound, "This reset link is invalid.")
	}
}
