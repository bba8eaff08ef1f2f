package auth

import (
	"errors"
	"fmt"
	"time"
)

// Store-level sentinels. Persistence adapters translate driver errors into these.
var (
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrNotFound      = errors.New("auth: not found")
	ErrConflict      = errors.New("auth: conflict")
	ErrUnavailable   = errors.New("auth: store unavailable")
	ErrEmailTaken    = fmt.Errorf("%w: email already in use", ErrConflict)
	ErrUsernameTaken = fmt.Errorf("%w: username already in use", ErrConflict)
)

// Kind classifies an operation failure.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindAuthorization
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Failure codes carried by *Error.
const (
	CodeInvalidEmail          = "invalid_email"
	CodeInvalidCredentials    = "invalid_credentials"
	CodeLocked                = "locked"
	CodePasswordMismatch      = "password_mismatch"
	CodeWeakPassword          = "weak_password"
	CodeSamePassword          = "same_password"
	CodeTokenNotFound         = "not_found"
	CodeTokenUsed             = "already_used"
	CodeTokenExpired          = "expired"
	CodeInsufficientPrivilege = "insufficient_privilege"
	CodeDuplicate             = "duplicate"
	CodeNotFound              = "not_found"
	CodeInvalidRole           = "invalid_role"
	CodeInvalidRequest        = "invalid_request"
	CodeEmailTaken            = "email_taken"
	CodeUsernameTaken         = "username_taken"
	CodeNoChanges             = "no_changes"
	CodeNoSession             = "no_session"
	CodeSessionExpired        = "session_expired"
	CodeDeliveryFailed        = "delivery_failed"
	CodeInvalidToken          = "invalid_token"
	CodeUnavailable           = "unavailable"
)

const retryMessage = "Something went wrong. Please try again."

// Error is the structured outcome of a failed auth operation. Message is safe to
// show to the caller.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// RetryAfter is set for locked accounts.
	RetryAfter time.Duration
	Err        error

	attemptsLeft int
	hasAttempts  bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// AttemptsLeft reports the remaining login attempts when the failure carries them.
func (e *Error) AttemptsLeft() (int, bool) {
	return e.attemptsLeft, e.hasAttempts
}

// AsError extracts *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return 0
}

// CodeOf returns the failure code of err, or "" if err is not an *Error.
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

func validationError(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

func authenticationError(code, msg string) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: msg}
}

func authorizationError(msg string) *Error {
	return &Error{Kind: KindAuthorization, Code: CodeInsufficientPrivilege, Message: msg}
}

func persistenceError(err error) *Error {
	return &Error{Kind: KindPersistence, Code: CodeUnavailable, Message: retryMessage, Err: err}
}

// storeError maps a store failure to the taxonomy. Not-found maps to a validation
// failure with the given message; anything else is a persistence failure.
func storeError(err error, notFoundMsg string) *Error {
	switch {
	case errors.Is(err, ErrNotFound):
		return &Error{Kind: KindValidation, Code: CodeNotFound, Message: notFoundMsg, Err: err}
	case errors.Is(err, ErrEmailTaken):
		return &Error{Kind: KindValidation, Code: CodeEmailTaken, Message: "This email is already in use.", Err: err}
	case errors.Is(err, ErrUsernameTaken):
		return &Error{Kind: KindValidation, Code: CodeUsernameTaken, Message: "This username is already in use.", Err: err}
	default:
		return persistenceError(err)
	}
}
