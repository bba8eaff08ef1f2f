package auth

import (
	"errors"
	"net/mail"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt ignores input past 72 bytes.
const maxPasswordBytes = 72

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// ValidatePassword applies the strength policy: minimum length in bytes and
// at least one ASCII uppercase letter, lowercase letter and digit. The
// returned message is suitable for display.
func ValidatePassword(password string, minLength int) (string, bool) {
	if len(password) < minLength {
		return "Password must be at least " + strconv.Itoa(minLength) + " characters long.", false
	}
	if len(password) > maxPasswordBytes {
		return "Password must be at most " + strconv.Itoa(maxPasswordBytes) + " bytes long.", false
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case 'A' <= r && r <= 'Z':
			upper = true
		case 'a' <= r && r <= 'z':
			lower = true
		case '0' <= r && r <= '9':
			digit = true
		}
	}
	switch {
	case !upper:
		return "Password must contain at least one uppercase letter.", false
	case !lower:
		return "Password must contain at least one lowercase letter.", false
	case !digit:
		return "Password must contain at least one number.", false
	}
	return "", true
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether s is a bare address (no display name).
func ValidEmail(s string) bool {
	if s == "" || len(s) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}
