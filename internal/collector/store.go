package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
)

// ErrTokenRevoked is returned for a token an operator revoked.
var ErrTokenRevoked = errors.New("token revoked")

// Store contains all collector-side persistence logic.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init applies schema migrations for the collector database.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			info TEXT,
			registered_at TIMESTAMP,
			last_ping_at TIMESTAMP,
			last_ping_gap INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			issued_at TIMESTAMP NOT NULL,
			FOREIGN KEY(device_id) REFERENCES devices(device_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS received_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_received_events_device ON received_events(device_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply collector schema: %w", err)
		}
	}
	return nil
}

// EnsureDevice returns the device, creating it with a fresh account id on first sight.
func (s *Store) EnsureDevice(ctx context.Context, deviceID string) (Device, error) {
	dev, err := s.GetDevice(ctx, deviceID)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Device{}, err
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO devices(device_id, account_id, active, created_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(device_id) DO NOTHING`,
		deviceID, "acct_"+uuid.NewString(), now,
	); err != nil {
		return Device{}, fmt.Errorf("insert device: %w", err)
	}
	return s.GetDevice(ctx, deviceID)
}

// GetDevice returns sql.ErrNoRows for unknown devices.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, account_id, active, info, registered_at, last_ping_at, last_ping_gap, created_at
		 FROM devices WHERE device_id = ?`, deviceID)
	dev, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, err
		}
		return Device{}, fmt.Errorf("get device: %w", err)
	}
	return dev, nil
}

// ListDevices returns every known device, newest first.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, account_id, active, info, registered_at, last_ping_at, last_ping_gap, created_at
		 FROM devices ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var devices []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(sc scanner) (Device, error) {
	var (
		dev        Device
		active     int
		info       sql.NullString
		registered sql.NullTime
		lastPing   sql.NullTime
	)
	if err := sc.Scan(&dev.DeviceID, &dev.AccountID, &active, &info, &registered, &lastPing, &dev.LastPingGap, &dev.CreatedAt); err != nil {
		return Device{}, err
	}
	dev.Active = active == 1
	if info.Valid && info.String != "" {
		dev.Info = json.RawMessage(info.String)
	}
	if registered.Valid {
		dev.RegisteredAt = &registered.Time
	}
	if lastPing.Valid {
		dev.LastPingAt = &lastPing.Time
	}
	return dev, nil
}

// SetDeviceActive flips the activation flag. Unknown devices yield sql.ErrNoRows.
func (s *Store) SetDeviceActive(ctx context.Context, deviceID string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET active = ? WHERE device_id = ?`, flag, deviceID)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RegisterDevice stores the latest registration payload.
func (s *Store) RegisterDevice(ctx context.Context, deviceID string, info json.RawMessage) error {
	if _, err := s.EnsureDevice(ctx, deviceID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE devices SET info = ?, registered_at = ? WHERE device_id = ?`,
		string(info), time.Now().UTC(), deviceID,
	); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

// RecordPing notes a liveness probe and the gap the device reported.
func (s *Store) RecordPing(ctx context.Context, deviceID string, gapSeconds int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_ping_at = ?, last_ping_gap = ? WHERE device_id = ?`,
		time.Now().UTC(), gapSeconds, deviceID,
	); err != nil {
		return fmt.Errorf("record ping: %w", err)
	}
	return nil
}

// IssueToken creates a new access token for the device.
func (s *Store) IssueToken(ctx context.Context, dev Device) (Token, error) {
	tok := Token{
		Token:     uuid.NewString(),
		DeviceID:  dev.DeviceID,
		AccountID: dev.AccountID,
		IssuedAt:  time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens(token, device_id, account_id, issued_at) VALUES (?, ?, ?, ?)`,
		tok.Token, tok.DeviceID, tok.AccountID, tok.IssuedAt,
	); err != nil {
		return Token{}, fmt.Errorf("insert token: %w", err)
	}
	return tok, nil
}

// ValidateToken resolves a bearer token. Unknown tokens yield sql.ErrNoRows,
// revoked ones ErrTokenRevoked.
func (s *Store) ValidateToken(ctx context.Context, token string) (Token, error) {
	var (
		tok     Token
		revoked int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, device_id, account_id, revoked, issued_at FROM tokens WHERE token = ?`, token,
	).Scan(&tok.Token, &tok.DeviceID, &tok.AccountID, &revoked, &tok.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, err
		}
		return Token{}, fmt.Errorf("validate token: %w", err)
	}
	tok.Revoked = revoked == 1
	if tok.Revoked {
		return tok, ErrTokenRevoked
	}
	return tok, nil
}

// RevokeTokens revokes every token of a device and returns how many were live.
func (s *Store) RevokeTokens(ctx context.Context, deviceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET revoked = 1 WHERE device_id = ? AND revoked = 0`, deviceID)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AppendBatch stores one POST /events body atomically and returns its batch id.
func (s *Store) AppendBatch(ctx context.Context, payloads []events.Payload) (string, error) {
	batchID := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO received_events(batch_id, event_id, device_id, type, data, recorded_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range payloads {
		if _, err := stmt.ExecContext(ctx, batchID, p.ID, p.DeviceID, string(p.Type), string(p.Data), p.RecordedAt, now); err != nil {
			return "", fmt.Errorf("insert event %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit batch: %w", err)
	}
	return batchID, nil
}

// ListEvents returns received events in arrival order, optionally filtered by device.
func (s *Store) ListEvents(ctx context.Context, deviceID string, limit int) ([]ReceivedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT seq, batch_id, event_id, device_id, type, data, recorded_at, received_at FROM received_events`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []ReceivedEvent
	for rows.Next() {
		var (
			ev   ReceivedEvent
			data string
		)
		if err := rows.Scan(&ev.Seq, &ev.BatchID, &ev.EventID, &ev.DeviceID, &ev.Type, &data, &ev.RecordedAt, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountBatches returns how many POST /events bodies were stored.
func (s *Store) CountBatches(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT batch_id) FROM received_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return n, nil
}
