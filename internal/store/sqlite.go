// Package store persists the pairing record in a small SQLite key-value table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// RecordKey is the key the pairing record is stored under.
const RecordKey = "deviceData"

// ErrNoRecord is returned by Load when no device is paired.
var ErrNoRecord = errors.New("store: no paired device")

// Record is the persisted pairing record.
type Record struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	ServiceUUID        string    `json:"service_uuid"`
	CharacteristicUUID string    `json:"characteristic_uuid"`
	AlertDistance      float64   `json:"alert_distance"` // meters; closer counts as with you
	PairedAt           time.Time `json:"paired_at"`
}

// SQLiteStore implements pairing record persistence using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs the schema migration.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save stores rec, replacing any previous record.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("store: record has no peripheral id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		RecordKey, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: save record: %w", err)
	}
	return nil
}

// Load returns the stored record or ErrNoRecord.
func (s *SQLiteStore) Load(ctx context.Context) (Record, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", RecordKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: load record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return Record{}, fmt.Errorf("store: decode record: %w", err)
	}
	return rec, nil
}

// Delete forgets the paired device. It returns ErrNoRecord if none was stored.
func (s *SQLiteStore) Delete(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", RecordKey)
	if err != nil {
		return fmt.Errorf("store: delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNoRecord
	}
	return nil
}
