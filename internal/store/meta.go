package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetMeta stores a key/value pair in project_meta.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO project_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta reads a project_meta value. Missing keys return an empty string.
func (s *Store) GetMeta(key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM project_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value.String, nil
}
