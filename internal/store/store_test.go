package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/sqliteutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewStore(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func makeEvents(prefix string, n int) []events.Event {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]events.Event, n)
	for i := range out {
		out[i] = events.Event{
			ID:         fmt.Sprintf("%s%d", prefix, i+1),
			Type:       events.TypeActivityChange,
			Data:       json.RawMessage(`{"value":"walk"}`),
			RecordedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func ids(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func TestInsertFetchDeleteOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	online := s.Bucket(events.BucketOnline)

	require.NoError(t, online.Insert(ctx, makeEvents("e", 5)))

	batch, err := online.Fetch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids(batch))
	assert.JSONEq(t, `{"value":"walk"}`, string(batch[0].Data))
	assert.True(t, batch[1].RecordedAt.Equal(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)))

	require.NoError(t, online.Delete(ctx, batch))
	rest, err := online.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e4", "e5"}, ids(rest))

	// deleting already deleted rows is a no-op
	require.NoError(t, online.Delete(ctx, batch))
	n, err := online.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBucketsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Insert(ctx, events.BucketOnline, makeEvents("on", 2)))
	require.NoError(t, s.Insert(ctx, events.BucketOffline, makeEvents("off", 3)))

	offline, err := s.Fetch(ctx, events.BucketOffline, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"off1", "off2", "off3"}, ids(offline))

	online, err := s.Fetch(ctx, events.BucketOnline, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"on1", "on2"}, ids(online))
}

func TestMoveAllAppendsAfterExistingAndClearsSource(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Insert(ctx, events.BucketOffline, makeEvents("old", 1)))
	require.NoError(t, s.Insert(ctx, events.BucketOnline, makeEvents("on", 3)))

	moved, err := s.MoveAll(ctx, events.BucketOnline, events.BucketOffline)
	require.NoError(t, err)
	assert.EqualValues(t, 3, moved)

	online, err := s.Count(ctx, events.BucketOnline)
	require.NoError(t, err)
	assert.Zero(t, online)

	offline, err := s.Fetch(ctx, events.BucketOffline, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old1", "on1", "on2", "on3"}, ids(offline))

	moved, err = s.MoveAll(ctx, events.BucketOnline, events.BucketOffline)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestMoveAllIsAtomicWithConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Insert(ctx, events.BucketOnline, makeEvents(fmt.Sprintf("w%d-", i), 5)))
		}(i)
		go func() {
			defer wg.Done()
			_, err := s.MoveAll(ctx, events.BucketOnline, events.BucketOffline)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err := s.MoveAll(ctx, events.BucketOnline, events.BucketOffline)
	require.NoError(t, err)

	online, err := s.Count(ctx, events.BucketOnline)
	require.NoError(t, err)
	offline, err := s.Count(ctx, events.BucketOffline)
	require.NoError(t, err)
	assert.Zero(t, online)
	assert.Equal(t, 100, offline)
}

func TestFailuresAreTyped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.db.Close())

	_, err := s.Fetch(ctx, events.BucketOnline, 1)
	require.ErrorIs(t, err, ErrReadFailed)
	err = s.Insert(ctx, events.BucketOnline, makeEvents("e", 1))
	require.ErrorIs(t, err, ErrWriteFailed)
	_, err = s.MoveAll(ctx, events.BucketOnline, events.BucketOffline)
	require.ErrorIs(t, err, ErrWriteFailed)
}

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetString(ctx, KeyAuthToken)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetString(ctx, KeyAuthToken, "t1"))
	require.NoError(t, s.SetString(ctx, KeyAuthToken, "t2"))
	tok, ok, err := s.GetString(ctx, KeyAuthToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "t2", tok)

	require.NoError(t, s.DeleteKey(ctx, KeyAuthToken))
	_, ok, err = s.GetString(ctx, KeyAuthToken)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetBool(ctx, KeyPausedByUser, true))
	paused, err := s.GetBool(ctx, KeyPausedByUser)
	require.NoError(t, err)
	assert.True(t, paused)

	ping := time.Date(2024, 2, 3, 4, 5, 6, 7, time.UTC)
	require.NoError(t, s.SetTime(ctx, KeyLastPing, ping))
	got, ok, err := s.GetTime(ctx, KeyLastPing)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(ping))

	type info struct {
		A int `json:"a"`
	}
	require.NoError(t, s.SetJSON(ctx, KeyHeartbeatInfo, info{A: 7}))
	var decoded info
	ok, err = s.GetJSON(ctx, KeyHeartbeatInfo, &decoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, decoded.A)
}
