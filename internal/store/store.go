// Package store persists buffered telemetry in two sqlite tables, one per
// bucket, together with the small amount of agent state that survives restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
)

var (
	// ErrReadFailed wraps every failed query.
	ErrReadFailed = errors.New("store read failed")
	// ErrWriteFailed wraps every failed insert, delete or move.
	ErrWriteFailed = errors.New("store write failed")
)

// Store encapsulates access to the agent's SQLite database. Event operations
// on both buckets share one mutex, so a bucket move is serialized with every
// insert, fetch and delete.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore constructs the data access object.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init applies the event and state schema.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{}
	for _, b := range events.Buckets {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`, b.Table()))
	}
	stmts = append(stmts, `CREATE TABLE IF NOT EXISTS agent_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply agent schema: %w", err)
		}
	}
	return nil
}

// Bucket returns an accessor bound to a single bucket.
func (s *Store) Bucket(b events.Bucket) *BucketStore {
	return &BucketStore{store: s, bucket: b}
}

// Insert appends events to the bucket inside a single transaction.
func (s *Store) Insert(ctx context.Context, b events.Bucket, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin insert: %w", ErrWriteFailed, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s(event_id, type, data, recorded_at) VALUES(?, ?, ?, ?)`, b.Table()))
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %w", ErrWriteFailed, err)
	}
	defer stmt.Close()
	for _, ev := range evs {
		if _, err := stmt.ExecContext(ctx, ev.ID, string(ev.Type), string(ev.Data), ev.RecordedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("%w: insert event %s: %w", ErrWriteFailed, ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit insert: %w", ErrWriteFailed, err)
	}
	return nil
}

// Fetch returns up to max events from the bucket, oldest first.
func (s *Store) Fetch(ctx context.Context, b events.Bucket, max int) ([]events.Event, error) {
	if max <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT row_id, event_id, type, data, recorded_at FROM %s ORDER BY row_id ASC LIMIT ?`, b.Table()), max)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch events: %w", ErrReadFailed, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev       events.Event
			typ      string
			data     string
			recorded string
		)
		if err := rows.Scan(&ev.RowID, &ev.ID, &typ, &data, &recorded); err != nil {
			return nil, fmt.Errorf("%w: scan event: %w", ErrReadFailed, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, recorded)
		if err != nil {
			return nil, fmt.Errorf("%w: parse recorded_at for %s: %w", ErrReadFailed, ev.ID, err)
		}
		ev.Type = events.Type(typ)
		ev.Data = json.RawMessage(data)
		ev.RecordedAt = ts
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iter events: %w", ErrReadFailed, err)
	}
	return out, nil
}

// Delete removes exactly the given events, identified by their row ids.
func (s *Store) Delete(ctx context.Context, b events.Bucket, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(evs))
	args := make([]any, len(evs))
	for i, ev := range evs {
		placeholders[i] = "?"
		args[i] = ev.RowID
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE row_id IN (%s)`, b.Table(), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: delete events: %w", ErrWriteFailed, err)
	}
	return nil
}

// MoveAll copies every event of from into to, preserving order, then clears
// from. Both steps commit together or not at all.
func (s *Store) MoveAll(ctx context.Context, from, to events.Bucket) (int64, error) {
	if from == to {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin move: %w", ErrWriteFailed, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s(event_id, type, data, recorded_at)
		 SELECT event_id, type, data, recorded_at FROM %s ORDER BY row_id ASC`, to.Table(), from.Table()))
	if err != nil {
		return 0, fmt.Errorf("%w: copy %s to %s: %w", ErrWriteFailed, from, to, err)
	}
	moved, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, from.Table())); err != nil {
		return 0, fmt.Errorf("%w: clear %s: %w", ErrWriteFailed, from, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit move: %w", ErrWriteFailed, err)
	}
	return moved, nil
}

// Count returns the number of events buffered in the bucket.
func (s *Store) Count(ctx context.Context, b events.Bucket) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, b.Table())).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count events: %w", ErrReadFailed, err)
	}
	return n, nil
}

// BucketStore is the per-bucket view handed to pipelines.
type BucketStore struct {
	store  *Store
	bucket events.Bucket
}

func (b *BucketStore) Name() events.Bucket { return b.bucket }

func (b *BucketStore) Insert(ctx context.Context, evs []events.Event) error {
	return b.store.Insert(ctx, b.bucket, evs)
}

func (b *BucketStore) Fetch(ctx context.Context, max int) ([]events.Event, error) {
	return b.store.Fetch(ctx, b.bucket, max)
}

func (b *BucketStore) Delete(ctx context.Context, evs []events.Event) error {
	return b.store.Delete(ctx, b.bucket, evs)
}

func (b *BucketStore) Count(ctx context.Context) (int, error) {
	return b.store.Count(ctx, b.bucket)
}
