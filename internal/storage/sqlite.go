// Package storage opens the shared SQLite database backing the episodic
// store and the strategy repository.
//
// The pool is shared across the logger, retriever, reconciler, repository,
// and optimizer. Callers acquire a connection per statement through
// database/sql and must never hold one across an external network call.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the SQLite database at path with WAL mode
// and the pragmas the concurrent writers rely on. ":memory:" is accepted
// for tests.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		path = expanded
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling pragmas: %w", err)
	}

	if path == ":memory:" {
		// An in-memory database exists per connection; cap the pool so
		// every statement sees the same schema.
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}
	return nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
