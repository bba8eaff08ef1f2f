package pg

import (
	"context"
	"database/sql"

	"cofradia.org/internal/auth"
	"cofradia.org/internal/ids"
)

func newID() string { return ids.New() }

// AppendActivity writes one activity_log row.
func (s *Store) AppendActivity(ctx context.Context, a auth.Activity) error {
	if s.db == nil {
		return errNoDB
	}
	if a.ID == "" {
		a.ID = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into activity_log (id, action, user_id, ip, user_agent, description, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.Action, nullIfEmpty(a.UserID), a.IP, a.UserAgent, nullIfEmpty(a.Description), a.Timestamp)
	return translate(err)
}

// LoginStats reports the last login time and the number of logins of a user.
func (s *Store) LoginStats(ctx context.Context, userID string) (auth.LoginStats, error) {
	if s.db == nil {
		return auth.LoginStats{}, errNoDB
	}
	var (
		last  sql.NullTime
		stats auth.LoginStats
	)
	err := s.db.QueryRowContext(ctx, `
		select max(created_at), count(*)
		from activity_log
		where user_id = $1 and action = $2
	`, userID, auth.ActionLogin).Scan(&last, &stats.Count)
	if err != nil {
		return auth.LoginStats{}, err
	}
	if last.Valid {
		t := last.Time
		stats.LastLogin = &t
	}
	return stats, nil
}
