package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Keys persisted by the agent. The web shell and the tracker both read and
// write through this table, so the names are part of the wire contract.
const (
	KeyUserNik                  = "userNik"
	KeyDeviceID                 = "deviceId"
	KeySessionToken             = "sessionToken"
	KeySessionCookies           = "sessionCookies"
	KeyLocationTrackingActive   = "locationTrackingActive"
	KeyWasLocationTracking      = "wasLocationTracking"
	KeyLastLocationUpdate       = "lastLocationUpdate"
	KeyLastLocation             = "lastLocation"
	KeyLastBackgroundUpdate     = "lastBackgroundUpdate"
	KeyBackgroundTrackingActive = "backgroundTrackingEnabled"
)

// Store wraps the SQLite credential/state database.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the key/value table exists.
func (s *Store) InitSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS agent_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Get returns the stored value for key, or "" when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("store not initialized")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set stores or replaces the value for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agent_state (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// Identity returns the persisted user NIK and device id. Either may be empty
// when the web login has not announced credentials yet.
func (s *Store) Identity(ctx context.Context) (nik, deviceID string, err error) {
	nik, err = s.Get(ctx, KeyUserNik)
	if err != nil {
		return "", "", err
	}
	deviceID, err = s.Get(ctx, KeyDeviceID)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(nik), strings.TrimSpace(deviceID), nil
}

// SetIdentity persists the announced credentials. An empty deviceID keeps the
// existing (or generated) device id.
func (s *Store) SetIdentity(ctx context.Context, nik, deviceID string) error {
	if err := s.Set(ctx, KeyUserNik, strings.TrimSpace(nik)); err != nil {
		return err
	}
	if deviceID = strings.TrimSpace(deviceID); deviceID != "" {
		return s.Set(ctx, KeyDeviceID, deviceID)
	}
	return nil
}

// EnsureDeviceID returns the stable per-install device id, generating and
// persisting one on first run.
func (s *Store) EnsureDeviceID(ctx context.Context, platform string) (string, error) {
	id, err := s.Get(ctx, KeyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	id = fmt.Sprintf("RN_%s_%d_%s", platform, time.Now().UnixMilli(), suffix)
	if err := s.Set(ctx, KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Clear wipes identity and tracking state on logout.
func (s *Store) Clear(ctx context.Context) error {
	return s.Delete(ctx,
		KeyUserNik,
		KeyDeviceID,
		KeyLocationTrackingActive,
		KeyLastLocationUpdate,
		KeySessionToken,
	)
}

// SetJSON marshals v and stores it under key.
func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

// GetJSON unmarshals the stored value into v. Returns false when absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}
