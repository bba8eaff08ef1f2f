package pg

import (
	"context"

	"cofradia.org/internal/auth"
)

func (s *Store) ListRoles(ctx context.Context) ([]auth.RoleRecord, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, level, coalesce(description, '')
		from roles
		order by level
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RoleRecord
	for rows.Next() {
		var r auth.RoleRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Level, &r.Description); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
