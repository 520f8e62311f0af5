package migrate

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatementsDollarQuoted(t *testing.T) {
	src := `create function f() returns trigger as $$
begin
	raise exception 'no; never';
end;
$$ language plpgsql;
-- trailing; comment
insert into t values ('a;b', $1);`
	stmts := splitStatements(src)
	var nonEmpty []string
	for _, s := range stmts {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, strings.TrimSpace(s))
		}
	}
	if len(nonEmpty) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(nonEmpty), nonEmpty)
	}
	if !strings.HasSuffix(nonEmpty[0], "language plpgsql;") {
		t.Fatalf("function body split: %q", nonEmpty[0])
	}
	if !strings.Contains(nonEmpty[1], "'a;b'") {
		t.Fatalf("string literal split: %q", nonEmpty[1])
	}
}

func TestDollarTag(t *testing.T) {
	cases := map[string]string{
		"$$ body":    "$$",
		"$fn$ body":  "$fn$",
		"$1, $2":     "",
		"$a1$":       "$a1$",
		"$ unclosed": "",
		"$abc":       "",
	}
	for in, want := range cases {
		if got := dollarTag(in); got != want {
			t.Fatalf("dollarTag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	ups, err := collectSQL(Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	downs, err := collectSQL(Migrations(), ".down.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(downs) != len(ups) {
		t.Fatalf("expected a down migration per up migration, got %d/%d", len(downs), len(ups))
	}
}

func TestUpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	src := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (id int); create index b_idx on b (id);")},
	}
	m := NewManager(db, src, nil)

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPendingListsUnapplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	src := fstest.MapFS{
		"0001_a.up.sql": {Data: []byte("create table a (id int);")},
		"0002_b.up.sql": {Data: []byte("create table b (id int);")},
		"0003_c.up.sql": {Data: []byte("create table c (id int);")},
	}
	m := NewManager(db, src, nil)

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0002_b.up.sql"))

	pending, err := m.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0] != "0001_a.up.sql" || pending[1] != "0003_c.up.sql" {
		t.Fatalf("unexpected pending: %v", pending)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	src := fstest.MapFS{
		"0002_b.up.sql": {Data: []byte("create table b (id int);")},
	}
	m := NewManager(db, src, nil)

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0002_b.up.sql"))

	err = m.Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing down migration") {
		t.Fatalf("expected missing down error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRollsBackLast(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	src := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
	}
	m := NewManager(db, src, nil, WithMigrationsTable("mig"), WithSeedsTable("sd"))

	mock.ExpectExec("create table if not exists mig").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists sd").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from mig order by").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from mig where name").
		WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Down(context.Background()); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
