package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repo is the persistent store surface. The zero tx means statements run
// directly on DB; Tx returns a copy bound to a transaction.
type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

var (
	ErrNotFound   = errors.New("not found")
	ErrStaleWrite = errors.New("service was modified concurrently; reload and retry")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx binds the repo to tx.
func (r Repo) Tx(tx *sql.Tx) Repo {
	r.tx = tx
	return r
}

func (r Repo) conn() DBTX {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
