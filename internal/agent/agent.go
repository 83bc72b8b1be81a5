// Package agent wires the collection, transmission, heartbeat and dispatch
// components into one running telemetry agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/api"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/auth"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/bus"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/collection"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/config"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/dispatch"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/heartbeat"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/store"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/transmission"
)

// Version is reported to the collector on registration.
const Version = "0.1.0"

// ErrTrackingPaused is returned while the user has paused tracking.
var ErrTrackingPaused = errors.New("tracking paused")

// Options carries the collaborators the agent cannot build itself.
type Options struct {
	Config     config.Config
	Store      *store.Store
	Clock      clock.Clock
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Orchestrate, when set, replaces the in-process drain cycle with another
	// runner built around the manager, such as a Temporal orchestrator.
	Orchestrate func(manager *transmission.Manager, deviceID string) dispatch.Cycler
}

// Agent is the composition root. Every component is constructed once in New
// and reached only through the references held here.
type Agent struct {
	cfg      config.Config
	deviceID string
	store    *store.Store
	clock    clock.Clock
	logger   *slog.Logger

	client     *api.Client
	auth       *auth.Manager
	monitor    *heartbeat.Monitor
	collection *collection.Pipeline
	online     *transmission.Pipeline
	offline    *transmission.Pipeline
	manager    *transmission.Manager
	scheduler  *dispatch.Scheduler

	ctx          context.Context
	cancel       context.CancelFunc
	connectivity *bus.Topic[heartbeat.Status]
	unsubscribe  []func()

	mu      sync.Mutex
	paused  bool
	running bool
	closed  bool
	drained map[events.Bucket]int
}

// New restores persisted state and builds every component. Services stay
// stopped until Initialize or ResumeTracking.
func New(ctx context.Context, opts Options) (*Agent, error) {
	cfg := opts.Config
	st := opts.Store
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	deviceID, err := resolveDeviceID(ctx, st, cfg.Agent.DeviceID)
	if err != nil {
		return nil, err
	}
	logger = logger.With("device_id", deviceID)

	client := api.NewClient(api.Options{
		Host:           cfg.Network.Host,
		HeartbeatHost:  cfg.Network.HeartbeatHost,
		PublishableKey: cfg.Agent.PublishableKey,
		Timezone:       cfg.Agent.Timezone,
		Timeout:        cfg.Network.Timeout,
		RetryCount:     cfg.Network.RetryCount,
		RetryDelays:    cfg.Network.RetryDelays,
		Gzip:           cfg.Network.Gzip,
		HTTPClient:     opts.HTTPClient,
		Clock:          clk,
		Logger:         logger,
	})
	authManager, err := auth.NewManager(ctx, deviceID, client, st, logger)
	if err != nil {
		return nil, err
	}
	client.SetTokenSource(authManager)

	monitor := heartbeat.NewMonitor(client.Pinger(deviceID), st, clk, heartbeat.Info{
		PingInterval:       cfg.Heartbeat.PingInterval,
		RetryCount:         cfg.Heartbeat.RetryCount,
		RetryInterval:      cfg.Heartbeat.RetryInterval,
		DisconnectInterval: cfg.Heartbeat.DisconnectInterval,
	}, logger)
	if err := monitor.Load(ctx); err != nil {
		return nil, fmt.Errorf("load heartbeat state: %w", err)
	}

	coll, err := collection.New(ctx, st, monitor.PreviousSessionOffline(), logger)
	if err != nil {
		return nil, err
	}

	online := transmission.NewPipeline(transmission.PipelineOptions{
		Store:     st.Bucket(events.BucketOnline),
		Sender:    client,
		Reach:     monitor,
		Mapper:    transmission.MapOnline,
		BatchSize: cfg.Transmission.BatchSize,
		DeviceID:  deviceID,
		Clock:     clk,
		Logger:    logger,
	})
	offline := transmission.NewPipeline(transmission.PipelineOptions{
		Store:     st.Bucket(events.BucketOffline),
		Sender:    client,
		Reach:     monitor,
		Mapper:    transmission.MapOffline,
		BatchSize: cfg.Transmission.BatchSize,
		DeviceID:  deviceID,
		Clock:     clk,
		Logger:    logger,
	})
	manager := transmission.NewManager(online, offline, clk, logger)

	var cycler dispatch.Cycler = manager
	if opts.Orchestrate != nil {
		cycler = opts.Orchestrate(manager, deviceID)
	}
	mode, err := dispatch.ParseMode(cfg.Dispatch.Type)
	if err != nil {
		return nil, err
	}
	scheduler := dispatch.New(cycler, dispatch.Options{
		Mode:      mode,
		Frequency: cfg.Dispatch.Frequency,
		Debounce:  cfg.Dispatch.Debounce,
		Tolerance: cfg.Dispatch.Tolerance,
		Throttle:  cfg.Dispatch.Throttle,
		Clock:     clk,
		Logger:    logger,
	})
	scheduler.Pause()

	paused, err := st.GetBool(ctx, store.KeyPausedByUser)
	if err != nil {
		return nil, fmt.Errorf("load paused flag: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:          cfg,
		deviceID:     deviceID,
		store:        st,
		clock:        clk,
		logger:       logger.With("component", "agent"),
		client:       client,
		auth:         authManager,
		monitor:      monitor,
		collection:   coll,
		online:       online,
		offline:      offline,
		manager:      manager,
		scheduler:    scheduler,
		ctx:          runCtx,
		cancel:       cancel,
		connectivity: bus.NewTopic[heartbeat.Status](),
		paused:       paused,
		drained:      make(map[events.Bucket]int, len(events.Buckets)),
	}
	a.unsubscribe = append(a.unsubscribe,
		monitor.Subscribe(a.handleConnectivity),
		coll.Subscribe(func(d collection.DataAvailable) { scheduler.OnDataAvailable(d.Bucket) }),
		authManager.Subscribe(a.handleAccountStatus),
		online.Subscribe(a.recordDrained),
		offline.Subscribe(a.recordDrained),
	)
	return a, nil
}

func resolveDeviceID(ctx context.Context, st *store.Store, configured string) (string, error) {
	if configured != "" {
		if err := st.SetString(ctx, store.KeyDeviceID, configured); err != nil {
			return "", fmt.Errorf("persist device id: %w", err)
		}
		return configured, nil
	}
	id, ok, err := st.GetString(ctx, store.KeyDeviceID)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := st.SetString(ctx, store.KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// DeviceID is the identifier sent with every event.
func (a *Agent) DeviceID() string { return a.deviceID }

// Manager exposes the transmission manager, e.g. to register a Temporal worker.
func (a *Agent) Manager() *transmission.Manager { return a.manager }

// Initialize authorizes the device, registers it and applies the heartbeat
// cadence returned by the collector, then starts services unless the user
// paused tracking. A device that completed initialization in an earlier run
// starts offline-first when the collector cannot be reached.
func (a *Agent) Initialize(ctx context.Context) error {
	err := a.initialize(ctx)
	if err == nil {
		if serr := a.store.SetBool(ctx, store.KeyInitialized, true); serr != nil {
			a.logger.Error("persist initialized flag failed", "error", serr)
		}
		a.startServices()
		return nil
	}
	if errors.Is(err, auth.ErrInactive) {
		a.logger.Warn("initialization skipped, account inactive")
		return err
	}
	initialized, gerr := a.store.GetBool(ctx, store.KeyInitialized)
	if gerr != nil {
		return errors.Join(err, gerr)
	}
	if !initialized {
		a.logger.Error("initialization failed", "error", err)
		return err
	}
	a.logger.Warn("initialization failed, starting with persisted state", "error", err)
	a.startServices()
	return nil
}

func (a *Agent) initialize(ctx context.Context) error {
	if !a.auth.Active() {
		return auth.ErrInactive
	}
	if err := a.auth.Authorize(ctx); err != nil {
		return err
	}
	info, err := a.client.RegisterDevice(ctx, a.deviceInfo())
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if err := a.monitor.SetInfo(ctx, info); err != nil {
		return fmt.Errorf("apply heartbeat info: %w", err)
	}
	a.logger.Info("agent initialized", "ping_interval", info.PingInterval, "disconnect_interval", info.DisconnectInterval)
	return nil
}

func (a *Agent) deviceInfo() api.DeviceInfo {
	return api.DeviceInfo{
		DeviceID:       a.deviceID,
		Timezone:       a.cfg.Agent.Timezone,
		OSName:         runtime.GOOS,
		OSVersion:      runtime.Version(),
		DeviceHardware: runtime.GOARCH,
		AppPackageName: a.cfg.Agent.AppPackage,
		AppVersion:     a.cfg.Agent.AppVersion,
		SDKVersion:     Version,
		RecordedAt:     events.FormatTime(a.clock.Now()),
		AccountID:      a.auth.AccountID(),
	}
}

// ResumeTracking lifts a user pause and an account deactivation, then runs
// initialization again.
func (a *Agent) ResumeTracking(ctx context.Context) error {
	if err := a.store.SetBool(ctx, store.KeyPausedByUser, false); err != nil {
		return fmt.Errorf("persist paused flag: %w", err)
	}
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
	a.auth.Reactivate(ctx)
	a.logger.Info("tracking resumed")
	return a.Initialize(ctx)
}

// PauseTracking stops every background service until ResumeTracking.
func (a *Agent) PauseTracking(ctx context.Context) error {
	if err := a.store.SetBool(ctx, store.KeyPausedByUser, true); err != nil {
		return fmt.Errorf("persist paused flag: %w", err)
	}
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
	a.stopServices("paused by user")
	return nil
}

// startServices is a no-op while paused, inactive, closed or already running.
func (a *Agent) startServices() {
	a.mu.Lock()
	if a.running || a.paused || a.closed || !a.auth.Active() {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	if a.cfg.Heartbeat.Enabled {
		a.monitor.Start(a.ctx)
	}
	a.scheduler.Resume()
	a.logger.Info("services started")
}

func (a *Agent) stopServices(reason string) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.scheduler.Pause()
	a.monitor.Stop()
	a.logger.Info("services stopped", "reason", reason)
}

func (a *Agent) handleConnectivity(status heartbeat.Status) {
	// The scheduler must see the reconnect before collection re-announces
	// offline data, otherwise that signal is dropped.
	a.scheduler.OnConnectivity(status)
	if err := a.collection.HandleConnectivity(a.ctx, status); err != nil {
		a.logger.Error("switch collection bucket failed", "status", status, "error", err)
	}
	a.connectivity.Publish(status)
}

func (a *Agent) handleAccountStatus(status auth.AccountStatus) {
	if status == auth.StatusInactive {
		a.stopServices("account inactive")
	}
}

// Submit stores raw samples in the active bucket.
func (a *Agent) Submit(ctx context.Context, samples []events.Sample) (collection.Result, error) {
	if err := a.acceptingWork(); err != nil {
		return collection.Result{}, err
	}
	return a.collection.Submit(ctx, samples)
}

// OnConnectivityChanged registers fn for heartbeat status changes.
func (a *Agent) OnConnectivityChanged(fn func(heartbeat.Status)) (unsubscribe func()) {
	return a.connectivity.Subscribe(fn)
}

// DispatchNow runs a drain cycle immediately, subject to the dispatch throttle.
func (a *Agent) DispatchNow(ctx context.Context) (transmission.CycleSummary, error) {
	if err := a.acceptingWork(); err != nil {
		return transmission.CycleSummary{}, err
	}
	return a.scheduler.DispatchNow(ctx)
}

// SetDispatchMode switches between timer and manual dispatch.
func (a *Agent) SetDispatchMode(mode dispatch.Mode) {
	a.scheduler.SetMode(mode)
}

func (a *Agent) acceptingWork() error {
	a.mu.Lock()
	paused := a.paused
	a.mu.Unlock()
	if paused {
		return ErrTrackingPaused
	}
	if !a.auth.Active() {
		return auth.ErrInactive
	}
	return nil
}

func (a *Agent) recordDrained(d transmission.Drained) {
	if d.Events == 0 {
		return
	}
	a.mu.Lock()
	a.drained[d.Bucket] += d.Events
	a.mu.Unlock()
}

// Status is a point-in-time view of the agent.
type Status struct {
	DeviceID        string                                  `json:"device_id"`
	AccountID       string                                  `json:"account_id,omitempty"`
	AccountStatus   auth.AccountStatus                      `json:"account_status"`
	Paused          bool                                    `json:"paused"`
	Running         bool                                    `json:"running"`
	Connectivity    heartbeat.Status                        `json:"connectivity"`
	LastPing        *time.Time                              `json:"last_successful_ping,omitempty"`
	Heartbeat       heartbeat.Info                          `json:"heartbeat"`
	ActiveBucket    events.Bucket                           `json:"active_bucket"`
	DroppedSamples  int64                                   `json:"dropped_samples"`
	DispatchMode    dispatch.Mode                           `json:"dispatch_mode"`
	DispatchRunning bool                                    `json:"dispatch_running"`
	LastDispatch    string                                  `json:"last_dispatch,omitempty"`
	Cycle           transmission.RunState                   `json:"cycle"`
	Pipelines       map[events.Bucket]transmission.RunState `json:"pipelines"`
	DrainedEvents   map[events.Bucket]int                   `json:"drained_events"`
}

// Status reports the current state of every component.
func (a *Agent) Status() Status {
	a.mu.Lock()
	paused, running := a.paused, a.running
	drained := maps.Clone(a.drained)
	a.mu.Unlock()

	st := Status{
		DeviceID:        a.deviceID,
		AccountID:       a.auth.AccountID(),
		AccountStatus:   a.auth.Status(),
		Paused:          paused,
		Running:         running,
		Connectivity:    a.monitor.Status(),
		Heartbeat:       a.monitor.Info(),
		ActiveBucket:    a.collection.Active(),
		DroppedSamples:  a.collection.Dropped(),
		DispatchMode:    a.scheduler.Mode(),
		DispatchRunning: a.scheduler.Running(),
		LastDispatch:    a.scheduler.LastResult(),
		Cycle:           a.manager.State(),
		Pipelines: map[events.Bucket]transmission.RunState{
			events.BucketOnline:  a.online.State(),
			events.BucketOffline: a.offline.State(),
		},
		DrainedEvents: drained,
	}
	if last, ok := a.monitor.LastSuccessfulPing(); ok {
		st.LastPing = &last
	}
	return st
}

// BucketCounts returns the number of buffered events per bucket.
func (a *Agent) BucketCounts(ctx context.Context) (map[events.Bucket]int, error) {
	counts := make(map[events.Bucket]int, len(events.Buckets))
	for _, b := range events.Buckets {
		n, err := a.store.Count(ctx, b)
		if err != nil {
			return nil, err
		}
		counts[b] = n
	}
	return counts, nil
}

// Close stops every service and releases subscribers. In-flight drains are
// allowed to finish.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.stopServices("shutdown")
	a.scheduler.Stop()
	a.monitor.Close()
	for _, fn := range a.unsubscribe {
		fn()
	}
	a.cancel()
	a.collection.Close()
	a.online.Close()
	a.offline.Close()
	a.auth.Close()
	a.connectivity.Close()
	a.logger.Info("agent closed")
}
