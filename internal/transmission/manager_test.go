package transmission

import (
	"context"
	"errors"
	"testing"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/logging"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/store"
)

// bucketSender fails sends for one bucket's pipeline only.
type bucketSender struct {
	online, offline *recordingSender
}

func newManager(s *store.Store, senders bucketSender, r Reachability, batch int) *Manager {
	online := newPipeline(s, events.BucketOnline, senders.online, r, batch)
	offline := newPipeline(s, events.BucketOffline, senders.offline, r, batch)
	return NewManager(online, offline, clock.NewMock(), logging.Discard())
}

func TestCycleDrainsOnlineBeforeOffline(t *testing.T) {
	ctx := context.Background()
	s := newEventStore(t)
	seed(t, s, events.BucketOnline, "on", 3)
	seed(t, s, events.BucketOffline, "off", 2)
	senders := bucketSender{online: &recordingSender{}, offline: &recordingSender{}}
	m := newManager(s, senders, reachable(), 2)

	sum, err := m.ExecuteDrainCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Online.Events)
	assert.Equal(t, 2, sum.Offline.Events)
	assert.Equal(t, [][]string{{"on1", "on2"}, {"on3"}}, senders.online.sentIDs())
	assert.Len(t, senders.offline.sentIDs(), 1)
	assert.Equal(t, PhaseSuccess, m.State().Phase)
}

func TestCycleWithEmptyOnlineStillDrainsOffline(t *testing.T) {
	s := newEventStore(t)
	seed(t, s, events.BucketOffline, "off", 1)
	senders := bucketSender{online: &recordingSender{}, offline: &recordingSender{}}
	m := newManager(s, senders, reachable(), 10)

	sum, err := m.ExecuteDrainCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Online.Events)
	assert.Equal(t, 1, sum.Offline.Events)
}

func TestCycleWithNothingAnywhereSucceeds(t *testing.T) {
	s := newEventStore(t)
	senders := bucketSender{online: &recordingSender{}, offline: &recordingSender{}}
	m := newManager(s, senders, reachable(), 10)

	_, err := m.ExecuteDrainCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, senders.online.sentIDs())
	assert.Empty(t, senders.offline.sentIDs())
}

func TestOnlineFailureHaltsCycle(t *testing.T) {
	ctx := context.Background()
	s := newEventStore(t)
	seed(t, s, events.BucketOnline, "on", 1)
	seed(t, s, events.BucketOffline, "off", 1)
	boom := errors.New("collector 500")
	senders := bucketSender{online: &recordingSender{err: boom}, offline: &recordingSender{}}
	m := newManager(s, senders, reachable(), 10)

	_, err := m.ExecuteDrainCycle(ctx)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, senders.offline.sentIDs())
	assert.Equal(t, PhaseFailure, m.State().Phase)

	n, _ := s.Count(ctx, events.BucketOffline)
	assert.Equal(t, 1, n)
}

func TestDisconnectHaltsCycle(t *testing.T) {
	s := newEventStore(t)
	seed(t, s, events.BucketOffline, "off", 1)
	r := reachable()
	r.ok.Store(false)
	senders := bucketSender{online: &recordingSender{}, offline: &recordingSender{}}
	m := newManager(s, senders, r, 10)

	_, err := m.ExecuteDrainCycle(context.Background())
	require.ErrorIs(t, err, ErrNetworkDisconnected)
	assert.Empty(t, senders.offline.sentIDs())
}
