// Package collection turns raw capture samples into events and writes them
// into whichever bucket is active for the current connectivity state.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/bus"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/heartbeat"
)

// ErrNoEvents is returned when every sample of a submission was malformed.
var ErrNoEvents = errors.New("no valid samples in submission")

// Store is the subset of the event store the pipeline writes through.
type Store interface {
	Insert(ctx context.Context, b events.Bucket, evs []events.Event) error
	MoveAll(ctx context.Context, from, to events.Bucket) (int64, error)
	Count(ctx context.Context, b events.Bucket) (int, error)
}

// DataAvailable announces that a bucket received events.
type DataAvailable struct {
	Bucket events.Bucket
	Count  int
}

// Result summarizes one submission.
type Result struct {
	Bucket   events.Bucket `json:"bucket"`
	Accepted int           `json:"accepted"`
	Dropped  int           `json:"dropped"`
}

// Pipeline is the collection lane. Its operations run one at a time, in call order.
type Pipeline struct {
	store  Store
	logger *slog.Logger
	newID  func() string

	mu      sync.Mutex
	active  events.Bucket
	dropped int64

	available *bus.Topic[DataAvailable]
}

// New builds the pipeline. When the previous session ended offline, every
// buffered online event is moved to the offline bucket before the pipeline
// accepts any write.
func New(ctx context.Context, store Store, previousSessionOffline bool, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{
		store:     store,
		logger:    logger.With("component", "collection"),
		newID:     uuid.NewString,
		active:    events.BucketOnline,
		available: bus.NewTopic[DataAvailable](),
	}
	if previousSessionOffline {
		moved, err := store.MoveAll(ctx, events.BucketOnline, events.BucketOffline)
		if err != nil {
			return nil, fmt.Errorf("reclassify previous session: %w", err)
		}
		p.logger.Info("previous session ended offline, reclassified buffered events", "moved", moved)
	}
	return p, nil
}

// Subscribe registers fn for data-available signals.
func (p *Pipeline) Subscribe(fn func(DataAvailable)) (unsubscribe func()) {
	return p.available.Subscribe(fn)
}

// Active returns the bucket new samples are written to.
func (p *Pipeline) Active() events.Bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Dropped is the number of malformed samples discarded since start.
func (p *Pipeline) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Submit maps samples and writes them to the active bucket.
func (p *Pipeline) Submit(ctx context.Context, samples []events.Sample) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submit(ctx, samples, p.active)
}

// SubmitTo maps samples and writes them to an explicit bucket.
func (p *Pipeline) SubmitTo(ctx context.Context, samples []events.Sample, bucket events.Bucket) (Result, error) {
	if !bucket.Valid() {
		return Result{}, fmt.Errorf("unknown bucket %q", bucket)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submit(ctx, samples, bucket)
}

func (p *Pipeline) submit(ctx context.Context, samples []events.Sample, bucket events.Bucket) (Result, error) {
	res := Result{Bucket: bucket}
	if len(samples) == 0 {
		return res, nil
	}
	evs := make([]events.Event, 0, len(samples))
	for i, s := range samples {
		ev, err := events.Map(s, p.newID())
		if err != nil {
			res.Dropped++
			p.logger.Warn("dropping malformed sample", "index", i, "kind", s.Kind, "error", err)
			continue
		}
		evs = append(evs, ev)
	}
	p.dropped += int64(res.Dropped)
	if len(evs) == 0 {
		return res, ErrNoEvents
	}
	if err := p.store.Insert(ctx, bucket, evs); err != nil {
		return res, fmt.Errorf("store samples: %w", err)
	}
	res.Accepted = len(evs)
	p.logger.Debug("samples stored", "bucket", bucket, "accepted", res.Accepted, "dropped", res.Dropped)
	p.available.Publish(DataAvailable{Bucket: bucket, Count: res.Accepted})
	return res, nil
}

// HandleConnectivity switches the active bucket. A disconnect routes new
// writes offline and reclassifies buffered online events; any other status
// routes writes online again and re-announces offline data awaiting upload.
func (p *Pipeline) HandleConnectivity(ctx context.Context, status heartbeat.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status == heartbeat.StatusDisconnect {
		p.active = events.BucketOffline
		moved, err := p.store.MoveAll(ctx, events.BucketOnline, events.BucketOffline)
		if err != nil {
			return fmt.Errorf("reclassify online events: %w", err)
		}
		p.logger.Info("collection switched offline", "moved", moved)
		return nil
	}

	wasOffline := p.active == events.BucketOffline
	p.active = events.BucketOnline
	if !wasOffline {
		return nil
	}
	p.logger.Info("collection switched online", "status", status)
	pending, err := p.store.Count(ctx, events.BucketOffline)
	if err != nil {
		return fmt.Errorf("count offline events: %w", err)
	}
	if pending > 0 {
		p.available.Publish(DataAvailable{Bucket: events.BucketOffline, Count: pending})
	}
	return nil
}

// Close releases subscribers.
func (p *Pipeline) Close() {
	p.available.Close()
}
