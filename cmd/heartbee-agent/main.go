package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"golang.org/x/sync/errgroup"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/agent"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/config"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/dispatch"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/logging"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/sqliteutil"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/store"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/transmission"
)

func main() {
	var (
		configPath     = pflag.StringP("config", "c", "", "path to a YAML config file")
		envFile        = pflag.String("env-file", ".env", "optional .env file with HEARTBEE_* overrides")
		dbPath         = pflag.String("db", "", "path to the agent sqlite database file")
		listen         = pflag.String("listen", "", "HTTP listen address for the control API")
		host           = pflag.String("host", "", "collector base URL")
		deviceID       = pflag.String("device-id", "", "device identifier, generated when empty")
		publishableKey = pflag.String("publishable-key", "", "publishable key used to authenticate")
		dispatchType   = pflag.String("dispatch", "", "dispatch type: timer or manual")
		orchestrator   = pflag.String("orchestrator", "", "drain orchestrator: local or temporal")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	overrides := map[string]*string{
		"db":              &cfg.Agent.DBPath,
		"listen":          &cfg.Agent.Listen,
		"host":            &cfg.Network.Host,
		"device-id":       &cfg.Agent.DeviceID,
		"publishable-key": &cfg.Agent.PublishableKey,
		"dispatch":        &cfg.Dispatch.Type,
		"orchestrator":    &cfg.Transmission.Orchestrator,
	}
	values := map[string]*string{
		"db":              dbPath,
		"listen":          listen,
		"host":            host,
		"device-id":       deviceID,
		"publishable-key": publishableKey,
		"dispatch":        dispatchType,
		"orchestrator":    orchestrator,
	}
	prevHost := cfg.Network.Host
	for name, dst := range overrides {
		if pflag.CommandLine.Changed(name) {
			*dst = *values[name]
		}
	}
	if cfg.Network.HeartbeatHost == prevHost {
		cfg.Network.HeartbeatHost = cfg.Network.Host
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Format: cfg.Log.Format, Level: cfg.Log.Level})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := sqliteutil.Open(cfg.Agent.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.NewStore(db)
	if err := st.Init(ctx); err != nil {
		return err
	}

	opts := agent.Options{Config: cfg, Store: st, Logger: logger}

	var temporalClient client.Client
	if cfg.Transmission.Orchestrator == config.OrchestratorTemporal {
		temporalClient, err = client.Dial(client.Options{
			HostPort:  cfg.Transmission.Temporal.HostPort,
			Namespace: cfg.Transmission.Temporal.Namespace,
			Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
		})
		if err != nil {
			return fmt.Errorf("dial temporal: %w", err)
		}
		defer temporalClient.Close()
		opts.Orchestrate = func(m *transmission.Manager, deviceID string) dispatch.Cycler {
			return transmission.NewTemporalOrchestrator(temporalClient, cfg.Transmission.Temporal.TaskQueue, deviceID, logger)
		}
	}

	a, err := agent.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}
	defer a.Close()

	if temporalClient != nil {
		w := transmission.RegisterDrainWorker(temporalClient, cfg.Transmission.Temporal.TaskQueue, a.Manager(), logger)
		if err := w.Start(); err != nil {
			return fmt.Errorf("start drain worker: %w", err)
		}
		defer w.Stop()
		logger.Info("temporal drain worker started", "task_queue", cfg.Transmission.Temporal.TaskQueue)
	}

	// A failed first initialization is not fatal: the control API stays up so
	// tracking can be resumed once the collector is reachable.
	if err := a.Initialize(ctx); err != nil {
		logger.Warn("agent not started", "error", err)
	}

	serverLogger := logger.With("component", "agent.http")
	server := &http.Server{
		Addr:    cfg.Agent.Listen,
		Handler: agent.NewServer(a, logger).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		serverLogger.Info("control API listening", "addr", cfg.Agent.Listen, "db", cfg.Agent.DBPath, "device_id", a.DeviceID())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			serverLogger.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}
