package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"cofradia.org/internal/auth"
)

const accountColumns = `id, role_id, username, civil_name, email, phone, location, social_links, notes,
		password_hash, login_attempts, account_locked, last_attempt_time, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (auth.Account, error) {
	var (
		acct                          auth.Account
		roleID                        int64
		civil, phone, location, notes sql.NullString
		social                        []byte
		lastAttempt                   sql.NullTime
	)
	err := row.Scan(&acct.ID, &roleID, &acct.Username, &civil, &acct.Email, &phone, &location, &social, &notes,
		&acct.PasswordHash, &acct.Attempts.Attempts, &acct.Attempts.Locked, &lastAttempt, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return auth.Account{}, err
	}
	role, ok := auth.RoleFromID(roleID)
	if !ok {
		return auth.Account{}, fmt.Errorf("account %s has unknown role id %d", acct.ID, roleID)
	}
	acct.Role = role
	acct.CivilName, acct.Phone, acct.Location, acct.Notes = civil.String, phone.String, location.String, notes.String
	if lastAttempt.Valid {
		acct.Attempts.LastAttempt = lastAttempt.Time
	}
	if len(social) > 0 {
		if err := json.Unmarshal(social, &acct.SocialLinks); err != nil {
			return auth.Account{}, fmt.Errorf("decode social links: %w", err)
		}
	}
	return acct, nil
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (auth.Account, error) {
	if s.db == nil {
		return auth.Account{}, errNoDB
	}
	acct, err := scanAccount(s.db.QueryRowContext(ctx, `
		select `+accountColumns+`
		from users
		where email = $1
	`, email))
	if err != nil {
		return auth.Account{}, translate(err)
	}
	return acct, nil
}

func (s *Store) AccountByID(ctx context.Context, id string) (auth.Account, error) {
	if s.db == nil {
		return auth.Account{}, errNoDB
	}
	acct, err := scanAccount(s.db.QueryRowContext(ctx, `
		select `+accountColumns+`
		from users
		where id = $1
	`, id))
	if err != nil {
		return auth.Account{}, translate(err)
	}
	return acct, nil
}

func (s *Store) CreateAccount(ctx context.Context, acct auth.Account) (auth.Account, error) {
	if s.db == nil {
		return auth.Account{}, errNoDB
	}
	social, err := marshalLinks(acct.SocialLinks)
	if err != nil {
		return auth.Account{}, err
	}
	created, err := scanAccount(s.db.QueryRowContext(ctx, `
		insert into users (id, role_id, username, civil_name, email, phone, location, social_links, notes, password_hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning `+accountColumns,
		acct.ID, acct.Role.ID(), acct.Username, nullIfEmpty(acct.CivilName), acct.Email,
		nullIfEmpty(acct.Phone), nullIfEmpty(acct.Location), social, nullIfEmpty(acct.Notes), acct.PasswordHash))
	if err != nil {
		return auth.Account{}, translate(err)
	}
	return created, nil
}

// CompareAndSetAttempts is a conditional update keyed on the previous lockout state.
func (s *Store) CompareAndSetAttempts(ctx context.Context, id string, expected, next auth.AttemptState) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set login_attempts = $2, account_locked = $3, last_attempt_time = $4, updated_at = now()
		where id = $1
		  and login_attempts = $5
		  and account_locked = $6
		  and last_attempt_time is not distinct from $7
	`, id, next.Attempts, next.Locked, nullTime(next.LastAttempt),
		expected.Attempts, expected.Locked, nullTime(expected.LastAttempt))
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) UpdateRole(ctx context.Context, id string, role auth.Role) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update users set role_id = $2, updated_at = now() where id = $1`, id, role.ID())
	if err != nil {
		return translate(err)
	}
	return expectAffected(res)
}

func (s *Store) UpdateNotes(ctx context.Context, id, notes string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update users set notes = $2, updated_at = now() where id = $1`, id, nullIfEmpty(notes))
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd auth.ProfileUpdate) error {
	if s.db == nil {
		return errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Email != nil {
		sets = append(sets, fmt.Sprintf("email = $%d", idx))
		args = append(args, *upd.Email)
		idx++
	}
	if upd.Phone != nil {
		sets = append(sets, fmt.Sprintf("phone = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Phone))
		idx++
	}
	if upd.Location != nil {
		sets = append(sets, fmt.Sprintf("location = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Location))
		idx++
	}
	if upd.SocialLinks != nil {
		social, err := marshalLinks(upd.SocialLinks)
		if err != nil {
			return err
		}
		sets = append(sets, fmt.Sprintf("social_links = $%d", idx))
		args = append(args, social)
		idx++
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(sets, ", "), idx)
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translate(err)
	}
	return expectAffected(res)
}

func (s *Store) ListBelowLevel(ctx context.Context, level int) ([]auth.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+prefixed("u.", accountColumns)+`
		from users u
		join roles r on r.id = u.role_id
		where r.level > $1
		order by r.level, u.username
	`, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalLinks(links map[string]string) ([]byte, error) {
	if len(links) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(links)
	if err != nil {
		return nil, fmt.Errorf("marshal social links: %w", err)
	}
	return b, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
