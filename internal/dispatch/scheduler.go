// Package dispatch decides when drain cycles run: after a debounced burst of
// new data and then periodically until the buckets are drained, or only on
// explicit request in manual mode.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/time/rate"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/heartbeat"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/transmission"
)

// ErrThrottled is returned by DispatchNow when called again within the throttle window.
var ErrThrottled = errors.New("dispatch throttled")

// Mode selects how cycles are triggered.
type Mode string

const (
	ModeTimer  Mode = "timer"
	ModeManual Mode = "manual"
)

// ParseMode validates a configured dispatch type.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeTimer, ModeManual:
		return Mode(raw), nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q", raw)
}

// Cycler runs one drain cycle over both buckets.
type Cycler interface {
	ExecuteDrainCycle(ctx context.Context) (transmission.CycleSummary, error)
}

// Options configures a Scheduler.
type Options struct {
	Mode      Mode
	Frequency time.Duration
	Debounce  time.Duration
	Tolerance time.Duration
	Throttle  time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Scheduler owns the debounce and periodic timers. Every restart bumps a
// generation counter; completions and ticks from an older generation are ignored.
type Scheduler struct {
	cycler    Cycler
	clock     clock.Clock
	logger    *slog.Logger
	frequency time.Duration
	debounce  time.Duration
	tolerance time.Duration
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	mode       Mode
	connected  bool
	paused     bool
	running    bool
	pending    bool
	closed     bool
	generation uint64
	debounceT  *clock.Timer
	periodicT  *clock.Timer
	lastResult string
}

// New builds a scheduler in the configured mode. Nothing runs until data
// arrives or DispatchNow is called.
func New(cycler Cycler, opts Options) *Scheduler {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	limit := rate.Inf
	if opts.Throttle > 0 {
		limit = rate.Every(opts.Throttle)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeTimer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cycler:    cycler,
		clock:     clk,
		logger:    opts.Logger.With("component", "dispatch"),
		frequency: opts.Frequency,
		debounce:  opts.Debounce,
		tolerance: opts.Tolerance,
		limiter:   rate.NewLimiter(limit, 1),
		ctx:       ctx,
		cancel:    cancel,
		mode:      mode,
		connected: true,
	}
}

// Mode returns the active dispatch mode.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Running reports whether the periodic schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OnDataAvailable (re)arms the debounce timer in timer mode. Data signalled
// while a schedule is running is remembered so a successful cycle does not
// stop before picking it up.
func (s *Scheduler) OnDataAvailable(bucket events.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.paused || s.mode != ModeTimer || !s.connected {
		return
	}
	s.logger.Debug("data available", "bucket", bucket)
	if s.running {
		s.pending = true
		return
	}
	s.armDebounceLocked()
}

// OnConnectivity stops every timer on disconnect. Reconnecting does not
// restart on its own; the next data signal does.
func (s *Scheduler) OnConnectivity(status heartbeat.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == heartbeat.StatusDisconnect {
		s.connected = false
		s.stopLocked("heartbeat disconnect")
		return
	}
	s.connected = true
}

// SetMode switches between timer and manual dispatch at runtime.
func (s *Scheduler) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.mode == mode {
		return
	}
	s.stopLocked("mode change")
	s.mode = mode
	s.logger.Info("dispatch mode changed", "mode", mode)
	if mode == ModeTimer && s.connected && !s.paused {
		s.armDebounceLocked()
	}
}

// Pause stops every timer and ignores data signals until Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.stopLocked("paused")
}

// Resume accepts data signals again. In timer mode a debounced cycle is armed
// so data buffered while paused gets picked up.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.paused {
		return
	}
	s.paused = false
	if s.mode == ModeTimer && s.connected {
		s.armDebounceLocked()
	}
}

// DispatchNow runs a cycle immediately in either mode, at most once per throttle window.
func (s *Scheduler) DispatchNow(ctx context.Context) (transmission.CycleSummary, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transmission.CycleSummary{}, errors.New("dispatch scheduler stopped")
	}
	if !s.limiter.Allow() {
		return transmission.CycleSummary{}, ErrThrottled
	}
	s.logger.Info("manual dispatch")
	return s.cycler.ExecuteDrainCycle(ctx)
}

// Stop tears the scheduler down and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopLocked("shutdown")
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) armDebounceLocked() {
	if s.debounceT != nil {
		s.debounceT.Stop()
	}
	gen := s.generation
	s.debounceT = s.clock.AfterFunc(s.debounce, func() { s.debounceFired(gen) })
}

func (s *Scheduler) debounceFired(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.closed || s.paused || s.mode != ModeTimer || !s.connected {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.debounceT = nil
	s.generation++
	s.running = true
	gen = s.generation
	s.logger.Debug("dispatch started")
	s.startCycleLocked(gen)
	s.mu.Unlock()
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || !s.running || s.closed {
		return
	}
	s.periodicT = nil
	s.startCycleLocked(gen)
}

func (s *Scheduler) startCycleLocked(gen uint64) {
	s.pending = false
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.cycler.ExecuteDrainCycle(s.ctx)
		s.cycleDone(gen, err)
	}()
}

// cycleDone stops the schedule once everything is drained and otherwise
// arms the next periodic tick. Data signalled during a successful cycle gets
// one more cycle after the debounce delay.
func (s *Scheduler) cycleDone(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || !s.running || s.closed {
		s.logger.Debug("ignoring stale cycle completion")
		return
	}
	if err == nil && s.pending {
		s.lastResult = "pending"
		s.logger.Debug("data arrived during cycle, dispatching again", "in", s.debounce)
		s.periodicT = s.clock.AfterFunc(s.debounce, func() { s.tick(gen) })
		return
	}
	if err == nil {
		s.lastResult = "drained"
		s.stopLocked("drained")
		return
	}
	s.lastResult = err.Error()
	delay := s.frequency + s.jitter()
	s.logger.Debug("next dispatch scheduled", "in", delay, "error", err)
	s.periodicT = s.clock.AfterFunc(delay, func() { s.tick(gen) })
}

func (s *Scheduler) stopLocked(reason string) {
	if s.debounceT != nil {
		s.debounceT.Stop()
		s.debounceT = nil
	}
	if s.periodicT != nil {
		s.periodicT.Stop()
		s.periodicT = nil
	}
	if s.running {
		s.logger.Debug("dispatch stopped", "reason", reason)
	}
	s.running = false
	s.pending = false
	s.generation++
}

func (s *Scheduler) jitter() time.Duration {
	if s.tolerance <= 0 {
		return 0
	}
	return rand.N(s.tolerance)
}

// LastResult describes how the most recent scheduled cycle ended.
func (s *Scheduler) LastResult() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}
