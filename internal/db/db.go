package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dirName  = ".custodia"
	fileName = "custodia.db"
)

type Config struct {
	Workspace string

	// BusyTimeout bounds how long a writer waits for the lock held by
	// another process. Zero means five seconds.
	BusyTimeout time.Duration
}

// EnsureWorkspace creates the .custodia directory and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the workspace database. Transactions begin IMMEDIATE so the
// conflict re-check and the assignment write run under one write lock.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", DSN(Path(cfg.Workspace), cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

// DSN builds the modernc sqlite connection string for path.
func DSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file of a workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), dirName, fileName)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
