// Package settings stores save locations keyed by file extension.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DefaultKey is used when no extension entry matches.
const DefaultKey = "default"

var ErrNotFound = errors.New("setting not found")

type Store struct {
	db *sql.DB
}

// Open opens or creates the settings database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS save_locations (
		key TEXT PRIMARY KEY,
		path TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating settings table: %v", err)
	}
	return &Store{db: db}, nil
}

// DefaultPath is the settings database under the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pullstream", "settings.db"), nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(key), "."))
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM save_locations WHERE key = ?`, normalizeKey(key)).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) Put(ctx context.Context, key, path string) error {
	key = normalizeKey(key)
	if key == "" {
		return errors.New("empty settings key")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO save_locations (key, path) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET path = excluded.path`, key, path)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM save_locations WHERE key = ?`, normalizeKey(key))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// All returns every entry, keyed by extension.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, path FROM save_locations ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make(map[string]string)
	for rows.Next() {
		var key, path string
		if err := rows.Scan(&key, &path); err != nil {
			return nil, err
		}
		entries[key] = path
	}
	return entries, rows.Err()
}

// SaveLocation looks up the extension of fileName, then the default entry.
func (s *Store) SaveLocation(ctx context.Context, fileName string) (string, error) {
	if ext := filepath.Ext(fileName); ext != "" {
		path, err := s.Get(ctx, ext)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return s.Get(ctx, DefaultKey)
}

func (s *Store) Close() error {
	return s.db.Close()
}
