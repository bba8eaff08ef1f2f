package pg

import (
	"context"
	"database/sql"
	"fmt"

	"cofradia.org/internal/auth"
)

func roleParam(r *auth.Role) sql.NullInt64 {
	if r == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: r.ID(), Valid: true}
}

func (s *Store) CreateGrant(ctx context.Context, g auth.Grant) (auth.Grant, error) {
	if s.db == nil {
		return auth.Grant{}, errNoDB
	}
	if g.ID == "" {
		g.ID = newID()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into content_permissions (id, content_type, content_id, role_id, user_id, granted_by)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, g.ID, g.ContentType, g.ContentID, roleParam(g.Role), nullIfEmpty(g.UserID), g.GrantedBy).Scan(&g.CreatedAt)
	if err != nil {
		return auth.Grant{}, translate(err)
	}
	return g, nil
}

func (s *Store) DeleteGrant(ctx context.Context, contentType string, contentID int64, role *auth.Role, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	var (
		res sql.Result
		err error
	)
	if role != nil {
		res, err = s.db.ExecContext(ctx, `
			delete from content_permissions
			where content_type = $1 and content_id = $2 and role_id = $3
		`, contentType, contentID, role.ID())
	} else {
		res, err = s.db.ExecContext(ctx, `
			delete from content_permissions
			where content_type = $1 and content_id = $2 and user_id = $3
		`, contentType, contentID, userID)
	}
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) HasRoleGrant(ctx context.Context, contentType string, contentID int64, role auth.Role) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from content_permissions
			where content_type = $1 and content_id = $2 and role_id = $3
		)
	`, contentType, contentID, role.ID()).Scan(&ok)
	return ok, err
}

func (s *Store) HasUserGrant(ctx context.Context, contentType string, contentID int64, userID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from content_permissions
			where content_type = $1 and content_id = $2 and user_id = $3
		)
	`, contentType, contentID, userID).Scan(&ok)
	return ok, err
}

func (s *Store) MinGrantedLevel(ctx context.Context, contentType string, contentID int64) (int, bool, error) {
	if s.db == nil {
		return 0, false, errNoDB
	}
	var level sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		select min(r.level)
		from content_permissions cp
		join roles r on r.id = cp.role_id
		where cp.content_type = $1 and cp.content_id = $2
	`, contentType, contentID).Scan(&level)
	if err != nil {
		return 0, false, err
	}
	if !level.Valid {
		return 0, false, nil
	}
	return int(level.Int64), true, nil
}

func (s *Store) ListGrants(ctx context.Context, contentType string, contentID int64) ([]auth.Grant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, content_type, content_id, role_id, user_id, granted_by, created_at
		from content_permissions
		where content_type = $1 and content_id = $2
		order by created_at, id
	`, contentType, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Grant
	for rows.Next() {
		var (
			g      auth.Grant
			roleID sql.NullInt64
			userID sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.ContentType, &g.ContentID, &roleID, &userID, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		if roleID.Valid {
			r, ok := auth.RoleFromID(roleID.Int64)
			if !ok {
				return nil, fmt.Errorf("grant %s has unknown role id %d", g.ID, roleID.Int64)
			}
			g.Role = &r
		}
		g.UserID = userID.String
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
