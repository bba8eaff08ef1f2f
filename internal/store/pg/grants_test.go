package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"cofradia.org/internal/auth"
)

func TestCreateGrant(t *testing.T) {
	store, mock := newMockStore(t)
	role := auth.RoleMaestro
	created := time.Date(2024, 4, 4, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("insert into content_permissions").
		WithArgs("g1", "page", int64(42), int64(5), nil, "boss").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))
	g, err := store.CreateGrant(context.Background(), auth.Grant{ID: "g1", ContentType: "page", ContentID: 42, Role: &role, GrantedBy: "boss"})
	if err != nil {
		t.Fatalf("CreateGrant: %v", err)
	}
	if !g.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v", g.CreatedAt)
	}

	mock.ExpectQuery("insert into content_permissions").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "content_permissions_role_uniq"})
	if _, err := store.CreateGrant(context.Background(), auth.Grant{ContentType: "page", ContentID: 42, Role: &role, GrantedBy: "boss"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectQuery("insert into content_permissions").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if _, err := store.CreateGrant(context.Background(), auth.Grant{ContentType: "page", ContentID: 1, UserID: "ghost", GrantedBy: "boss"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteGrant(t *testing.T) {
	store, mock := newMockStore(t)
	role := auth.RoleAdepto
	mock.ExpectExec("delete from content_permissions\\s+where content_type = \\$1 and content_id = \\$2 and role_id = \\$3").
		WithArgs("page", int64(1), int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.DeleteGrant(context.Background(), "page", 1, &role, ""); err != nil {
		t.Fatalf("DeleteGrant: %v", err)
	}
	mock.ExpectExec("and user_id = \\$3").
		WithArgs("page", int64(1), "u").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.DeleteGrant(context.Background(), "page", 1, nil, "u"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGrantLookups(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("select exists .*role_id = \\$3").
		WithArgs("page", int64(42), int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	if ok, err := store.HasRoleGrant(ctx, "page", 42, auth.RoleMaestro); err != nil || !ok {
		t.Fatalf("HasRoleGrant = %v, %v", ok, err)
	}

	mock.ExpectQuery("select exists .*user_id = \\$3").
		WithArgs("page", int64(42), "u").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if ok, err := store.HasUserGrant(ctx, "page", 42, "u"); err != nil || ok {
		t.Fatalf("HasUserGrant = %v, %v", ok, err)
	}

	mock.ExpectQuery("select min\\(r.level\\)").
		WithArgs("page", int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(int64(4)))
	level, ok, err := store.MinGrantedLevel(ctx, "page", 42)
	if err != nil || !ok || level != 4 {
		t.Fatalf("MinGrantedLevel = %d, %v, %v", level, ok, err)
	}

	mock.ExpectQuery("select min\\(r.level\\)").
		WithArgs("page", int64(43)).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))
	if _, ok, err := store.MinGrantedLevel(ctx, "page", 43); err != nil || ok {
		t.Fatalf("ungranted content should report no minimum, got %v, %v", ok, err)
	}
}

func TestListGrants(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery("from content_permissions\\s+where content_type = \\$1 and content_id = \\$2\\s+order by").
		WithArgs("page", int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "content_type", "content_id", "role_id", "user_id", "granted_by", "created_at"}).
			AddRow("g1", "page", int64(42), int64(5), nil, "boss", now).
			AddRow("g2", "page", int64(42), nil, "u", "boss", now))
	list, err := store.ListGrants(context.Background(), "page", 42)
	if err != nil {
		t.Fatalf("ListGrants: %v", err)
	}
	if len(list) != 2 || list[0].RoleName() != "maestro" || list[1].UserID != "u" || list[1].Role != nil {
		t.Fatalf("unexpected grants %+v", list)
	}
}
