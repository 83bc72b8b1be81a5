package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/bus"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/store"
)

// Pinger issues the liveness request.
type Pinger interface {
	Ping(ctx context.Context, sinceLastPing time.Duration) error
}

// StateStore persists the last successful ping and the heartbeat info.
type StateStore interface {
	GetTime(ctx context.Context, key string) (time.Time, bool, error)
	SetTime(ctx context.Context, key string, ts time.Time) error
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// Monitor runs the periodic probe and broadcasts status changes.
type Monitor struct {
	pinger Pinger
	state  StateStore
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	info        Info
	status      Status
	lastPing    time.Time
	hasLastPing bool
	startedAt   time.Time
	interval    time.Duration
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	reschedule  chan struct{}

	changes *bus.Topic[Status]
}

// NewMonitor builds a stopped monitor using info until persisted or
// registered values replace it.
func NewMonitor(pinger Pinger, state StateStore, clk clock.Clock, info Info, logger *slog.Logger) *Monitor {
	return &Monitor{
		pinger:    pinger,
		state:     state,
		clock:     clk,
		logger:    logger.With("component", "heartbeat"),
		info:      info,
		status:    StatusUnknown,
		startedAt: clk.Now(),
		changes:   bus.NewTopic[Status](),
	}
}

// Load restores persisted heartbeat info and the last successful ping.
func (m *Monitor) Load(ctx context.Context) error {
	var info Info
	ok, err := m.state.GetJSON(ctx, store.KeyHeartbeatInfo, &info)
	if err != nil {
		return err
	}
	last, hasLast, err := m.state.GetTime(ctx, store.KeyLastPing)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if ok {
		m.info = info
	}
	m.lastPing, m.hasLastPing = last, hasLast
	m.mu.Unlock()
	return nil
}

// SetInfo replaces the cadence, persists it and reschedules a running probe loop.
func (m *Monitor) SetInfo(ctx context.Context, info Info) error {
	if err := m.state.SetJSON(ctx, store.KeyHeartbeatInfo, info); err != nil {
		return err
	}
	m.mu.Lock()
	m.info = info
	if m.status == StatusReconnect || m.status == StatusUnknown {
		m.interval = info.PingInterval
	} else {
		m.interval = info.RetryInterval
	}
	resched := m.reschedule
	m.mu.Unlock()
	if resched != nil {
		select {
		case resched <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Monitor) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Reachable reports whether uploads should be attempted.
func (m *Monitor) Reachable() bool {
	return m.Status() != StatusDisconnect
}

// LastSuccessfulPing returns the most recent successful probe time.
func (m *Monitor) LastSuccessfulPing() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPing, m.hasLastPing
}

// PreviousSessionOffline applies the session gap check against the loaded state.
func (m *Monitor) PreviousSessionOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PreviousSessionOffline(m.clock.Now(), m.lastPing, m.hasLastPing, m.info.DisconnectInterval)
}

// Interval is the delay before the next probe.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Subscribe registers fn for status changes.
func (m *Monitor) Subscribe(fn func(Status)) (unsubscribe func()) {
	return m.changes.Subscribe(fn)
}

// Ping runs one probe, applies the resulting transition and returns the new status.
func (m *Monitor) Ping(ctx context.Context) Status {
	m.mu.Lock()
	base := m.startedAt
	if m.hasLastPing {
		base = m.lastPing
	}
	info := m.info
	m.mu.Unlock()

	err := m.pinger.Ping(ctx, m.clock.Now().Sub(base))
	if err != nil && ctx.Err() != nil {
		return m.Status()
	}
	now := m.clock.Now()

	var next Status
	m.mu.Lock()
	if err == nil {
		m.lastPing, m.hasLastPing = now, true
		m.interval = info.PingInterval
		next = StatusReconnect
	} else {
		m.interval = info.RetryInterval
		if now.Sub(base) >= info.DisconnectInterval {
			next = StatusDisconnect
		} else {
			next = StatusPingFail
		}
	}
	prev := m.status
	m.status = next
	m.mu.Unlock()

	if err == nil {
		if perr := m.state.SetTime(ctx, store.KeyLastPing, now); perr != nil {
			m.logger.Error("persist last ping failed", "error", perr)
		}
		m.logger.Debug("heartbeat ping succeeded")
	} else {
		m.logger.Warn("heartbeat ping failed", "status", next, "since_last_success", now.Sub(base), "error", err)
	}
	if next != prev {
		m.logger.Info("connectivity status changed", "from", prev, "to", next)
		m.changes.Publish(next)
	}
	return next
}

// Start launches the probe loop: one probe immediately, then one per interval.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.reschedule = make(chan struct{}, 1)
	done, resched := m.done, m.reschedule
	m.mu.Unlock()

	go m.loop(ctx, done, resched)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}, resched chan struct{}) {
	defer close(done)
	m.logger.Info("heartbeat loop started")
	m.Ping(ctx)

	current := m.nextInterval()
	ticker := m.clock.Ticker(current)
	defer func() { ticker.Stop() }()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat loop stopped")
			return
		case <-resched:
		case <-ticker.C:
			m.Ping(ctx)
		}
		if next := m.nextInterval(); next != current {
			ticker.Stop()
			current = next
			ticker = m.clock.Ticker(current)
			m.logger.Debug("heartbeat rescheduled", "interval", current)
		}
	}
}

func (m *Monitor) nextInterval() time.Duration {
	if d := m.Interval(); d > 0 {
		return d
	}
	return DefaultInfo().PingInterval
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.reschedule = nil
	m.mu.Unlock()
	cancel()
	<-done
}

// Close stops the loop and releases subscribers.
func (m *Monitor) Close() {
	m.Stop()
	m.changes.Close()
}
