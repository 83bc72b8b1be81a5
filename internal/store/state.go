package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Keys of the persisted agent state.
const (
	KeyDeviceID      = "device_id"
	KeyAccountID     = "account_id"
	KeyAuthToken     = "auth_token"
	KeyAccountStatus = "account_status"
	KeyPausedByUser  = "paused_by_user"
	KeyInitialized   = "initialized"
	KeyHeartbeatInfo = "heartbeat_info"
	KeyLastPing      = "last_successful_ping"
)

// GetString returns the stored value and whether the key exists.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: get %s: %w", ErrReadFailed, key, err)
	}
	return value, true, nil
}

// SetString upserts a value.
func (s *Store) SetString(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_state(key, value, updated_at) VALUES(?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrWriteFailed, key, err)
	}
	return nil
}

// DeleteKey removes a key; missing keys are not an error.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrWriteFailed, key, err)
	}
	return nil
}

func (s *Store) GetBool(ctx context.Context, key string) (bool, error) {
	raw, ok, err := s.GetString(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: parse %s: %w", ErrReadFailed, key, err)
	}
	return v, nil
}

func (s *Store) SetBool(ctx context.Context, key string, v bool) error {
	return s.SetString(ctx, key, strconv.FormatBool(v))
}

// GetTime returns the stored instant; ok is false when the key is absent.
func (s *Store) GetTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := s.GetString(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: parse %s: %w", ErrReadFailed, key, err)
	}
	return ts, true, nil
}

func (s *Store) SetTime(ctx context.Context, key string, ts time.Time) error {
	return s.SetString(ctx, key, ts.UTC().Format(time.RFC3339Nano))
}

// GetJSON decodes the stored document into v.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.GetString(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %w", ErrReadFailed, key, err)
	}
	return true, nil
}

func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrWriteFailed, key, err)
	}
	return s.SetString(ctx, key, string(raw))
}
