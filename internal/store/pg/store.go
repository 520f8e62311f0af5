// Package pg implements the drift, attendance and escalation stores on
// PostgreSQL. Ledger tables are insert-only; the schema's triggers reject
// UPDATE and DELETE on them.
package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"smartattend.org/internal/ledger"
)

const (
	pgErrUniqueViolation = "23505"
	pgErrRaiseException  = "P0001"
)

// Store is the PostgreSQL backend for all three ledgers.
type Store struct {
	db *sql.DB
}

// Open connects with the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// DriftLedger implements clock.Ledger.
type DriftLedger struct{ db *sql.DB }

// AttendanceStore implements attendance.Store.
type AttendanceStore struct{ db *sql.DB }

// EscalationStore implements escalation.Store.
type EscalationStore struct{ db *sql.DB }

func (s *Store) Drift() *DriftLedger { return &DriftLedger{db: s.db} }

func (s *Store) Attendance() *AttendanceStore { return &AttendanceStore{db: s.db} }

func (s *Store) Escalation() *EscalationStore { return &EscalationStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// classify maps the immutability trigger's exception to ledger.ErrImmutable.
func classify(err error) error {
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrRaiseException && strings.Contains(pgErr.Message, "immutable") {
		return fmt.Errorf("%w: %s", ledger.ErrImmutable, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// where accumulates positional predicates.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) in(column string, values []string) {
	marks := make([]string, len(values))
	for i, v := range values {
		w.args = append(w.args, v)
		marks[i] = "$" + strconv.Itoa(len(w.args))
	}
	w.clauses = append(w.clauses, column+" in ("+strings.Join(marks, ",")+")")
}

// limit appends a limit placeholder for n.
func (w *where) limit(n int) string {
	w.args = append(w.args, n)
	return " limit $" + strconv.Itoa(len(w.args))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " where " + strings.Join(w.clauses, " and ")
}
