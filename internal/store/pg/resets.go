package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cofradia.org/internal/auth"
)

func (s *Store) CreateResetToken(ctx context.Context, tok auth.ResetToken) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into password_resets (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.AccountID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return translate(err)
}

func (s *Store) ResetToken(ctx context.Context, tokenHash string) (auth.ResetToken, error) {
	if s.db == nil {
		return auth.ResetToken{}, errNoDB
	}
	var tok auth.ResetToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, used, created_at
		from password_resets
		where token_hash = $1
	`, tokenHash).Scan(&tok.ID, &tok.AccountID, &tok.TokenHash, &tok.ExpiresAt, &tok.Used, &tok.CreatedAt)
	if err != nil {
		return auth.ResetToken{}, translate(err)
	}
	return tok, nil
}

func (s *Store) DeleteResetToken(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from password_resets where id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ConsumeResetToken marks the token used, retires any other outstanding tokens
// of the same account and stores the new password hash in one transaction.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, error) {
	if s.db == nil {
		return "", errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	err = tx.QueryRowContext(ctx, `
		update password_resets
		set used = true, used_at = $2
		where token_hash = $1 and not used and expires_at > $2
		returning user_id
	`, tokenHash, now).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
		update password_resets
		set used = true, used_at = $2
		where user_id = $1 and not used
	`, userID, now); err != nil {
		return "", err
	}

	res, err := tx.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, userID, passwordHash)
	if err != nil {
		return "", err
	}
	if err := expectAffected(res); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return userID, nil
}
