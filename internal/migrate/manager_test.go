package migrate

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_init.up.sql":     {Data: []byte("create table a (id int);\n-- trailing; comment\ncreate table b (id int);\n")},
		"sql/0001_init.down.sql":   {Data: []byte("drop table b; drop table a;")},
		"sql/0002_more.up.sql":     {Data: []byte("alter table a add column name text;")},
		"seeds/0001_roles.sql":     {Data: []byte("insert into roles values (1, 'a;b');")},
		"seeds/README.txt":         {Data: []byte("ignored")},
		"sql/0002_more.down.sql":   {Data: []byte("alter table a drop column name;")},
		"other/0009_skip.up.sql":   {Data: []byte("select 1;")},
		"sql/nested/0003.up.sql":   {Data: []byte("select 3;")},
		"sql/nested/0003.down.sql": {Data: []byte("select 4;")},
	}
}

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	return NewManager(db, testFiles(), "sql", "seeds", WithClock(func() time.Time { return fixedNow })), mock
}

func expectEnsure(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("create table a (x text default 'p;q');\n-- note; here\n\ninsert into a values ('it''s');;")
	want := []string{
		"create table a (x text default 'p;q')",
		"insert into a values ('it''s')",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitStatements = %q", got)
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	mgr, mock := newMockManager(t)
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("alter table a add column name text").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_more.up.sql", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("select 3").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0003.up.sql", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if want := []string{"0002_more.up.sql", "0003.up.sql"}; !reflect.DeepEqual(applied, want) {
		t.Fatalf("applied = %v", applied)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	mgr, mock := newMockManager(t)
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table b").WillReturnError(errors.New("relation exists"))
	mock.ExpectRollback()

	applied, err := mgr.Up(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(applied) != 0 {
		t.Fatalf("nothing should be recorded, got %v", applied)
	}
}

func TestDownRevertsLatest(t *testing.T) {
	mgr, mock := newMockManager(t)
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql").AddRow("0002_more.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("alter table a drop column name").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name = \\$1").
		WithArgs("0002_more.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := mgr.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0002_more.up.sql" {
		t.Fatalf("rolled back %q", name)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	mgr, mock := newMockManager(t)
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	if _, err := mgr.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestSeedSkipsNonSQLFiles(t *testing.T) {
	mgr, mock := newMockManager(t)
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_seeds").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("insert into roles values \\(1, 'a;b'\\)").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("0001_roles.sql", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := mgr.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0001_roles.sql" {
		t.Fatalf("applied = %v", applied)
	}
}

func TestPending(t *testing.T) {
	mgr, mock := newMockManager(t)
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql").AddRow("0003.up.sql"))
	pending, err := mgr.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if want := []string{"0002_more.up.sql"}; !reflect.DeepEqual(pending, want) {
		t.Fatalf("pending = %v", pending)
	}
}
