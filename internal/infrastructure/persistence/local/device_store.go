// Package local implements the on-device side of progression storage: an
// in-memory LocalBackend for guests and an optional SQLite mirror that
// survives restarts and holds lesson checkpoints.
package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/progression"
	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// DeviceStore is a small SQLite database on the device.
type DeviceStore struct {
	db *sqlx.DB
}

// OpenDeviceStore opens (or creates) the database at path. ":memory:" keeps
// everything in memory.
func OpenDeviceStore(path string) (*DeviceStore, error) {
	if path == "" {
		path = filepath.Join("data", "device.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("connect to device store: %w", err)
	}

	// SQLite has a single writer; an in-memory database also lives on one
	// connection only.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &DeviceStore{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DeviceStore) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS progress (
			user_id    TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS applied_keys (
			user_id    TEXT NOT NULL,
			key        TEXT NOT NULL,
			applied_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, key),
			FOREIGN KEY (user_id) REFERENCES progress(user_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			user_id    TEXT NOT NULL,
			lesson_id  TEXT NOT NULL,
			data       BLOB NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, lesson_id)
		);`,
	}
	for _, q := range tables {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("create device table: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *DeviceStore) Close() error {
	return s.db.Close()
}

type progressRow struct {
	UserID    string    `db:"user_id"`
	Data      string    `db:"data"`
	UpdatedAt time.Time `db:"updated_at"`
}

// LoadProgress returns the stored record and its applied idempotency keys.
func (s *DeviceStore) LoadProgress(ctx context.Context, id shared.UserID) (*progression.UserProgress, []string, error) {
	var row progressRow
	err := s.db.GetContext(ctx, &row, `SELECT user_id, data, updated_at FROM progress WHERE user_id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, shared.ErrRecordNotFound
	}
	if err != nil {
		return nil, nil, storeError("LoadProgress", err)
	}

	var p progression.UserProgress
	if err := json.Unmarshal([]byte(row.Data), &p); err != nil {
		return nil, nil, shared.WrapError("device", "LoadProgress", shared.ErrInvalidState, "decode progress", err)
	}

	var keys []string
	if err := s.db.SelectContext(ctx, &keys, `SELECT key FROM applied_keys WHERE user_id = ? ORDER BY applied_at`, id.String()); err != nil {
		return nil, nil, storeError("LoadProgress", err)
	}
	return &p, keys, nil
}

// SaveProgress writes the whole record.
func (s *DeviceStore) SaveProgress(ctx context.Context, p *progression.UserProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return shared.WrapError("device", "SaveProgress", shared.ErrInvalidState, "encode progress", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO progress (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p.UserID.String(), string(data), time.Now().UTC())
	if err != nil {
		return storeError("SaveProgress", err)
	}
	return nil
}

// CommitProgress records the key and writes the record in one transaction.
// It returns false without writing when the key was already applied.
func (s *DeviceStore) CommitProgress(ctx context.Context, p *progression.UserProgress, key string, at time.Time) (bool, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return false, shared.WrapError("device", "CommitProgress", shared.ErrInvalidState, "encode progress", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, storeError("CommitProgress", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO progress (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p.UserID.String(), string(data), at.UTC()); err != nil {
		return false, storeError("CommitProgress", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_keys (user_id, key, applied_at) VALUES (?, ?, ?)`,
		p.UserID.String(), key, at.UTC())
	if err != nil {
		return false, storeError("CommitProgress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, storeError("CommitProgress", err)
	}
	return true, nil
}

// DeleteProgress removes a record with its keys and checkpoints.
func (s *DeviceStore) DeleteProgress(ctx context.Context, id shared.UserID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE user_id = ?`, id.String()); err != nil {
		return storeError("DeleteProgress", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE user_id = ?`, id.String()); err != nil {
		return storeError("DeleteProgress", err)
	}
	return nil
}

// PurgeKeysBefore drops idempotency keys older than the cutoff. Task keys
// carry their day, so old ones can never collide again.
func (s *DeviceStore) PurgeKeysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM applied_keys WHERE applied_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, storeError("PurgeKeysBefore", err)
	}
	return res.RowsAffected()
}

// ─────────────────────────────────────────────────────────────────────────────
// Lesson checkpoints (progression.CheckpointStore)
// ─────────────────────────────────────────────────────────────────────────────

// SaveCheckpoint stores an unfinished lesson.
func (s *DeviceStore) SaveCheckpoint(ctx context.Context, userID shared.UserID, lessonID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (user_id, lesson_id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, lesson_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		userID.String(), lessonID, data, time.Now().UTC())
	if err != nil {
		return storeError("SaveCheckpoint", err)
	}
	return nil
}

// LoadCheckpoint returns a stored lesson.
func (s *DeviceStore) LoadCheckpoint(ctx context.Context, userID shared.UserID, lessonID string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data,
		`SELECT data FROM checkpoints WHERE user_id = ? AND lesson_id = ?`, userID.String(), lessonID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.NewDomainError("device", "LoadCheckpoint", shared.ErrNotFound, "checkpoint not found")
	}
	if err != nil {
		return nil, storeError("LoadCheckpoint", err)
	}
	return data, nil
}

// DeleteCheckpoint removes a stored lesson.
func (s *DeviceStore) DeleteCheckpoint(ctx context.Context, userID shared.UserID, lessonID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE user_id = ? AND lesson_id = ?`, userID.String(), lessonID)
	if err != nil {
		return storeError("DeleteCheckpoint", err)
	}
	return nil
}

func storeError(op string, err error) error {
	return shared.WrapError("device", op, shared.ErrServiceUnavailable, "device store", err)
}

var _ progression.CheckpointStore = (*DeviceStore)(nil)
