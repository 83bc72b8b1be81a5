// Command heartbee-bench measures how a collector copes with event uploads.
// It authenticates once as a device and then replays the same POST /events
// body at a fixed rate.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	vegeta "github.com/tsenart/vegeta/v12/lib"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/api"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/logging"
)

func main() {
	var (
		host           = pflag.String("host", "http://localhost:8091", "collector base URL")
		publishableKey = pflag.String("publishable-key", "", "publishable key used to authenticate")
		deviceID       = pflag.String("device-id", "", "device identifier, random when empty")
		rate           = pflag.Int("rate", 50, "requests per second")
		duration       = pflag.Duration("duration", 10*time.Second, "attack duration")
		batch          = pflag.Int("batch", 50, "events per request")
		compress       = pflag.Bool("gzip", false, "gzip request bodies")
		timeout        = pflag.Duration("timeout", 10*time.Second, "per-request timeout")
	)
	pflag.Parse()

	logger := logging.New(logging.Options{}).With("component", "bench")
	if *deviceID == "" {
		*deviceID = "bench-" + uuid.NewString()
	}

	client := api.NewClient(api.Options{
		Host:           *host,
		PublishableKey: *publishableKey,
		Timezone:       "UTC",
		Timeout:        *timeout,
		Logger:         logger,
	})
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	creds, err := client.Authenticate(ctx, *deviceID)
	cancel()
	if err != nil {
		logger.Error("authenticate failed", "error", err)
		os.Exit(1)
	}

	body, err := eventsBody(*deviceID, *batch, *compress)
	if err != nil {
		logger.Error("build request body failed", "error", err)
		os.Exit(1)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Timezone", "UTC")
	header.Set("Authorization", "token "+creds.Token)
	if *compress {
		header.Set("Content-Encoding", "gzip")
	}

	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodPost,
		URL:    strings.TrimRight(*host, "/") + "/events",
		Body:   body,
		Header: header,
	})
	attacker := vegeta.NewAttacker(vegeta.Timeout(*timeout))
	pace := vegeta.Rate{Freq: *rate, Per: time.Second}

	logger.Info("attack started", "device_id", *deviceID, "rate", *rate, "duration", *duration, "batch", *batch, "gzip", *compress)
	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, pace, *duration, "heartbee-events") {
		metrics.Add(res)
	}
	metrics.Close()

	logger.Info("attack finished",
		"requests", metrics.Requests,
		"success", metrics.Success,
		"throughput", metrics.Throughput,
		"p50", metrics.Latencies.P50,
		"p95", metrics.Latencies.P95,
		"p99", metrics.Latencies.P99,
		"status_codes", metrics.StatusCodes,
	)
	if err := vegeta.NewTextReporter(&metrics).Report(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "write report: %v\n", err)
	}
	if metrics.Success < 1 {
		os.Exit(2)
	}
}

// eventsBody builds one upload of n activity events the way the agent would.
func eventsBody(deviceID string, n int, compress bool) ([]byte, error) {
	now := time.Now()
	payloads := make([]events.Payload, 0, n)
	for i := 0; i < n; i++ {
		ev, err := events.Map(events.Sample{
			Kind:       events.KindActivity,
			RecordedAt: now.Add(time.Duration(i) * time.Second),
			Activity:   "walk",
		}, uuid.NewString())
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, events.NewPayload(ev, deviceID))
	}
	raw, err := json.Marshal(payloads)
	if err != nil {
		return nil, err
	}
	if !compress {
		return raw, nil
	}
	return api.Gzip(raw)
}
