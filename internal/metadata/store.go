// Package metadata persists the bundle assignment of every grouped file so
// packaging pipelines and other tooling can look it up later.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/simplebundler/internal/bundle"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Lookup for paths without an assignment.
var ErrNotFound = errors.New("no bundle assignment")

// Record is a stored assignment
type Record struct {
	bundle.Assignment
	UpdatedAt time.Time
}

// Store is a SQLite-backed metadata sink. Paths are stored slash-separated.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing metadata db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS assignments (
  path TEXT PRIMARY KEY,
  bundle TEXT NOT NULL,
  variant TEXT NOT NULL DEFAULT '',
  addressable_path TEXT NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_bundle ON assignments(bundle, variant);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Assign upserts the assignment for a.Path
func (s *Store) Assign(ctx context.Context, a bundle.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO assignments(path, bundle, variant, addressable_path, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
  bundle = excluded.bundle,
  variant = excluded.variant,
  addressable_path = excluded.addressable_path,
  updated_at_unix_ms = excluded.updated_at_unix_ms`,
		storedPath(a.Path), a.Bundle, a.Variant, a.AddressablePath, s.now().UnixMilli())
	return err
}

// Lookup returns the assignment recorded for path
func (s *Store) Lookup(ctx context.Context, path string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT path, bundle, variant, addressable_path, updated_at_unix_ms
FROM assignments WHERE path = ?`, storedPath(path))

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return rec, err
}

// storedPath is the key a file is recorded under: cleaned and slash-separated.
func storedPath(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// List returns the assignments of a bundle ordered by path. An empty name
// lists every assignment.
func (s *Store) List(ctx context.Context, bundleName string) ([]Record, error) {
	query := `SELECT path, bundle, variant, addressable_path, updated_at_unix_ms FROM assignments`
	var args []any
	if bundleName != "" {
		query += ` WHERE bundle = ?`
		args = append(args, bundleName)
	}
	query += ` ORDER BY bundle, variant, path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Prune removes assignments whose path no longer exists on disk and returns
// how many were removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	records, err := s.List(ctx, "")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range records {
		if _, err := os.Stat(filepath.FromSlash(rec.Path)); err == nil || !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM assignments WHERE path = ?`, rec.Path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec Record
		ms  int64
	)
	if err := row.Scan(&rec.Path, &rec.Bundle, &rec.Variant, &rec.AddressablePath, &ms); err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.UnixMilli(ms)
	return &rec, nil
}
