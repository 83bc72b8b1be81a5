// Package transmission drains buffered events to the collector: one pipeline
// per bucket, and a manager that always finishes the online bucket before it
// touches the offline one.
package transmission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/bus"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
)

var (
	// ErrNetworkDisconnected short-circuits a drain while the heartbeat reports a disconnect.
	ErrNetworkDisconnected = errors.New("network disconnected")
	// ErrNothingToSend ends a drain that found an empty bucket.
	ErrNothingToSend = errors.New("nothing to send")
)

// Phase is the coarse state of a pipeline run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseExecuting Phase = "executing"
	PhaseSuccess   Phase = "success"
	PhaseFailure   Phase = "failure"
)

// RunState is kept in memory for single-flight bookkeeping and status reporting.
type RunState struct {
	Phase  Phase     `json:"phase"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

// Reachability tells the pipeline whether uploads are worth attempting.
type Reachability interface {
	Reachable() bool
}

// BucketStore is the per-bucket view of the event store.
type BucketStore interface {
	Name() events.Bucket
	Fetch(ctx context.Context, max int) ([]events.Event, error)
	Delete(ctx context.Context, evs []events.Event) error
}

// Sender posts one batch of payloads.
type Sender interface {
	SendEvents(ctx context.Context, payloads []events.Payload) error
}

// Mapper converts a batch into the payloads actually posted.
type Mapper func(batch []events.Event, deviceID string, now time.Time, newID func() string) ([]events.Payload, error)

// MapOnline sends every event as its own payload. A stored event with an
// unknown type or undecodable data fails the whole batch.
func MapOnline(batch []events.Event, deviceID string, _ time.Time, _ func() string) ([]events.Payload, error) {
	out := make([]events.Payload, len(batch))
	for i, ev := range batch {
		if !ev.Type.Valid() {
			return nil, fmt.Errorf("map event %s: unknown type %q", ev.ID, ev.Type)
		}
		if !json.Valid(ev.Data) {
			return nil, fmt.Errorf("map event %s: invalid data", ev.ID)
		}
		out[i] = events.NewPayload(ev, deviceID)
	}
	return out, nil
}

// MapOffline wraps the whole batch into a single device-reconnected event so
// the collector can mark the gap in the device timeline.
func MapOffline(batch []events.Event, deviceID string, now time.Time, newID func() string) ([]events.Payload, error) {
	inner, err := MapOnline(batch, deviceID, now, newID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]any{"events": inner})
	if err != nil {
		return nil, fmt.Errorf("encode reconnect envelope: %w", err)
	}
	return []events.Payload{{
		ID:         newID(),
		Type:       events.TypeDeviceReconnected,
		Data:       data,
		RecordedAt: events.FormatTime(now),
		DeviceID:   deviceID,
	}}, nil
}

// Summary reports what one drain sent.
type Summary struct {
	Bucket  events.Bucket `json:"bucket"`
	Batches int           `json:"batches"`
	Events  int           `json:"events"`
}

// Drained is published once per drain that reached the end of its bucket.
type Drained struct {
	Bucket events.Bucket
	Events int
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Store     BucketStore
	Sender    Sender
	Reach     Reachability
	Mapper    Mapper
	BatchSize int
	DeviceID  string
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Pipeline drains one bucket: reachability, read, map, send, delete, repeat.
type Pipeline struct {
	store     BucketStore
	sender    Sender
	reach     Reachability
	mapper    Mapper
	batchSize int
	deviceID  string
	clock     clock.Clock
	newID     func() string
	logger    *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	state   RunState
	drained *bus.Topic[Drained]
}

// NewPipeline builds an idle pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	mapper := opts.Mapper
	if mapper == nil {
		mapper = MapOnline
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Pipeline{
		store:     opts.Store,
		sender:    opts.Sender,
		reach:     opts.Reach,
		mapper:    mapper,
		batchSize: batch,
		deviceID:  opts.DeviceID,
		clock:     clk,
		newID:     uuid.NewString,
		logger:    opts.Logger.With("component", "transmission", "bucket", opts.Store.Name()),
		state:     RunState{Phase: PhaseIdle},
		drained:   bus.NewTopic[Drained](),
	}
}

func (p *Pipeline) Bucket() events.Bucket { return p.store.Name() }

// State returns the last recorded run state.
func (p *Pipeline) State() RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Subscribe registers fn for drained signals.
func (p *Pipeline) Subscribe(fn func(Drained)) (unsubscribe func()) {
	return p.drained.Subscribe(fn)
}

// Execute drains the bucket. A trigger arriving while a drain is executing
// joins it and receives its outcome. ErrNothingToSend is returned only when
// the very first read found the bucket empty.
func (p *Pipeline) Execute(ctx context.Context) (Summary, error) {
	v, err, _ := p.group.Do("drain", func() (any, error) {
		return p.run(ctx)
	})
	sum, _ := v.(Summary)
	return sum, err
}

func (p *Pipeline) run(ctx context.Context) (Summary, error) {
	sum := Summary{Bucket: p.store.Name()}
	p.setState(PhaseExecuting, "")
	for {
		sent, err := p.drainBatch(ctx)
		if err != nil {
			if errors.Is(err, ErrNothingToSend) {
				p.finish(sum)
				if sum.Batches == 0 {
					p.setState(PhaseFailure, err.Error())
					return sum, err
				}
				return sum, nil
			}
			p.setState(PhaseFailure, err.Error())
			p.logger.Warn("drain failed", "batches", sum.Batches, "events", sum.Events, "error", err)
			return sum, err
		}
		sum.Batches++
		sum.Events += sent
		if sent < p.batchSize {
			p.finish(sum)
			return sum, nil
		}
	}
}

func (p *Pipeline) finish(sum Summary) {
	if sum.Batches > 0 {
		p.setState(PhaseSuccess, "")
		p.logger.Info("bucket drained", "batches", sum.Batches, "events", sum.Events)
	}
	p.drained.Publish(Drained{Bucket: sum.Bucket, Events: sum.Events})
}

// drainBatch runs the five stages once and returns how many events were sent.
func (p *Pipeline) drainBatch(ctx context.Context) (int, error) {
	if p.reach != nil && !p.reach.Reachable() {
		return 0, ErrNetworkDisconnected
	}

	batch, err := p.store.Fetch(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("read batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, ErrNothingToSend
	}

	payloads, err := p.mapper(batch, p.deviceID, p.clock.Now(), p.newID)
	if err != nil {
		return 0, fmt.Errorf("map batch: %w", err)
	}

	if err := p.sender.SendEvents(ctx, payloads); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}

	if err := p.store.Delete(ctx, batch); err != nil {
		return 0, fmt.Errorf("delete sent batch: %w", err)
	}
	p.logger.Debug("batch sent", "events", len(batch), "payloads", len(payloads))
	return len(batch), nil
}

func (p *Pipeline) setState(phase Phase, reason string) {
	p.mu.Lock()
	p.state = RunState{Phase: phase, Reason: reason, At: p.clock.Now()}
	p.mu.Unlock()
}

// Close releases subscribers.
func (p *Pipeline) Close() {
	p.drained.Close()
}
