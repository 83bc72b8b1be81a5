package transmission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/sync/singleflight"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
)

// CycleSummary is the outcome of one drain cycle over both buckets.
type CycleSummary struct {
	Online      Summary   `json:"online"`
	Offline     Summary   `json:"offline"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Manager runs the online pipeline to completion and only then the offline one.
type Manager struct {
	online  *Pipeline
	offline *Pipeline
	clock   clock.Clock
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	state RunState
}

// NewManager wires the two bucket pipelines.
func NewManager(online, offline *Pipeline, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		online:  online,
		offline: offline,
		clock:   clk,
		logger:  logger.With("component", "transmission.manager"),
		state:   RunState{Phase: PhaseIdle},
	}
}

// State returns the last recorded cycle state.
func (m *Manager) State() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ExecuteDrainCycle drains online then offline. An empty bucket counts as a
// clean completion; any other failure halts the cycle before the next bucket.
// Concurrent calls share one cycle.
func (m *Manager) ExecuteDrainCycle(ctx context.Context) (CycleSummary, error) {
	v, err, _ := m.group.Do("cycle", func() (any, error) {
		return m.cycle(ctx)
	})
	sum, _ := v.(CycleSummary)
	return sum, err
}

func (m *Manager) cycle(ctx context.Context) (CycleSummary, error) {
	sum := CycleSummary{StartedAt: m.clock.Now()}
	m.setState(PhaseExecuting, "")

	online, err := drainOnce(ctx, m.online)
	sum.Online = online
	if err != nil {
		return m.fail(sum, fmt.Errorf("drain online: %w", err))
	}
	offline, err := drainOnce(ctx, m.offline)
	sum.Offline = offline
	if err != nil {
		return m.fail(sum, fmt.Errorf("drain offline: %w", err))
	}

	sum.CompletedAt = m.clock.Now()
	m.setState(PhaseSuccess, "")
	if online.Events+offline.Events > 0 {
		m.logger.Info("drain cycle completed", "online_events", online.Events, "offline_events", offline.Events)
	}
	return sum, nil
}

// DrainBucket drains one bucket as a leg of an externally orchestrated
// cycle. The online leg opens the cycle state and the offline leg closes it;
// a failure on either leg ends it.
func (m *Manager) DrainBucket(ctx context.Context, bucket events.Bucket) (Summary, error) {
	p := m.online
	if bucket == events.BucketOffline {
		p = m.offline
	} else {
		m.setState(PhaseExecuting, "")
	}
	sum, err := drainOnce(ctx, p)
	if err != nil {
		err = fmt.Errorf("drain %s: %w", bucket, err)
		m.setState(PhaseFailure, err.Error())
		return sum, err
	}
	if bucket == events.BucketOffline {
		m.setState(PhaseSuccess, "")
	}
	return sum, nil
}

// drainOnce executes p and folds ErrNothingToSend into success.
func drainOnce(ctx context.Context, p *Pipeline) (Summary, error) {
	sum, err := p.Execute(ctx)
	if errors.Is(err, ErrNothingToSend) {
		return sum, nil
	}
	return sum, err
}

func (m *Manager) fail(sum CycleSummary, err error) (CycleSummary, error) {
	sum.CompletedAt = m.clock.Now()
	m.setState(PhaseFailure, err.Error())
	m.logger.Warn("drain cycle failed", "error", err)
	return sum, err
}

func (m *Manager) setState(phase Phase, reason string) {
	m.mu.Lock()
	m.state = RunState{Phase: phase, Reason: reason, At: m.clock.Now()}
	m.mu.Unlock()
}
