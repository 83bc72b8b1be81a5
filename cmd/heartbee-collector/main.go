package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/collector"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/heartbeat"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/logging"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/sqliteutil"
)

func main() {
	defaults := heartbeat.DefaultInfo()
	var (
		dbPath         = pflag.String("db", "collector.db", "path to the collector sqlite database file")
		addr           = pflag.String("addr", ":8091", "HTTP listen address for the collector API")
		publishableKey = pflag.String("publishable-key", "", "publishable key accepted by /auth/v1/authenticate (empty accepts any)")
		pingInterval   = pflag.Duration("ping-interval", defaults.PingInterval, "ping interval handed to devices on registration")
		retryCount     = pflag.Int("retry-count", defaults.RetryCount, "heartbeat retry count handed to devices")
		retryInterval  = pflag.Duration("retry-interval", defaults.RetryInterval, "ping retry interval handed to devices")
		disconnect     = pflag.Duration("disconnect-interval", defaults.DisconnectInterval, "silence after which devices consider themselves offline")
	)
	pflag.Parse()

	ctx := context.Background()
	logger := logging.New(logging.Options{})

	db, err := sqliteutil.Open(*dbPath)
	if err != nil {
		logger.Error("open collector db failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := collector.NewStore(db)
	if err := store.Init(ctx); err != nil {
		logger.Error("init collector schema failed", "error", err)
		os.Exit(1)
	}

	serverLogger := logger.With("component", "collector.http")
	server := &http.Server{
		Addr: *addr,
		Handler: collector.NewServer(store, collector.Options{
			PublishableKey: *publishableKey,
			Heartbeat: heartbeat.Info{
				PingInterval:       *pingInterval,
				RetryCount:         *retryCount,
				RetryInterval:      *retryInterval,
				DisconnectInterval: *disconnect,
			},
			Logger: logger,
		}).Router(),
	}

	go func() {
		serverLogger.Info("collector API listening", "addr", *addr, "db", *dbPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Error("collector server error", "error", err)
		}
	}()

	waitForShutdown(serverLogger, server)
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
