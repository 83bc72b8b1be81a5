// Package api is the agent's HTTP client for the remote collector. Every call
// goes through a single request loop that applies the endpoint's retry table
// and the re-authentication and deactivation rules.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/facebookgo/clock"
	"github.com/klauspost/compress/gzip"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/auth"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/heartbeat"
)

// TokenSource supplies and refreshes the bearer token and reacts to deactivation.
type TokenSource interface {
	Token() string
	Reauthorize(ctx context.Context, stale string) (string, error)
	Deactivate(ctx context.Context)
}

// Options configures a Client.
type Options struct {
	Host           string
	HeartbeatHost  string
	PublishableKey string
	Timezone       string
	Timeout        time.Duration
	RetryCount     int
	RetryDelays    []time.Duration
	Gzip           bool
	HTTPClient     *http.Client
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Client captures the HTTP calls the agent issues toward the collector.
type Client struct {
	httpClient     *http.Client
	host           string
	heartbeatHost  string
	publishableKey string
	timezone       string
	retryCount     int
	retryDelays    []time.Duration
	gzip           bool
	clock          clock.Clock
	logger         *slog.Logger
	tokens         TokenSource
}

// NewClient configures a client with sane defaults.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeatHost := opts.HeartbeatHost
	if heartbeatHost == "" {
		heartbeatHost = opts.Host
	}
	return &Client{
		httpClient:     httpClient,
		host:           strings.TrimRight(opts.Host, "/"),
		heartbeatHost:  strings.TrimRight(heartbeatHost, "/"),
		publishableKey: opts.PublishableKey,
		timezone:       opts.Timezone,
		retryCount:     opts.RetryCount,
		retryDelays:    append([]time.Duration(nil), opts.RetryDelays...),
		gzip:           opts.Gzip,
		clock:          clk,
		logger:         logger.With("component", "api"),
	}
}

// SetTokenSource wires the auth manager once it exists. It must be called
// before any token-authenticated request.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// Authenticate logs the device in with the publishable key.
func (c *Client) Authenticate(ctx context.Context, deviceID string) (auth.Credentials, error) {
	body := map[string]string{"device_id": deviceID, "scope": "generation"}
	raw, err := c.do(ctx, c.endpointAuthenticate(), body, nil)
	if err != nil {
		return auth.Credentials{}, err
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		AccountID   string `json:"account_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return auth.Credentials{}, fmt.Errorf("decode authenticate response: %w", err)
	}
	return auth.Credentials{Token: resp.AccessToken, AccountID: resp.AccountID}, nil
}

// DeviceInfo is the registration payload.
type DeviceInfo struct {
	DeviceID       string `json:"device_id"`
	Timezone       string `json:"timezone"`
	OSName         string `json:"os_name"`
	OSVersion      string `json:"os_version"`
	DeviceHardware string `json:"device_hardware"`
	AppPackageName string `json:"app_package_name"`
	AppVersion     string `json:"app_version"`
	SDKVersion     string `json:"sdk_version"`
	RecordedAt     string `json:"recorded_at"`
	AccountID      string `json:"account_id,omitempty"`
}

// RegisterDevice announces the device and returns the heartbeat cadence the
// collector wants this device to use.
func (c *Client) RegisterDevice(ctx context.Context, info DeviceInfo) (heartbeat.Info, error) {
	raw, err := c.do(ctx, c.endpointRegister(), info, nil)
	if err != nil {
		return heartbeat.Info{}, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return heartbeat.DefaultInfo(), nil
	}
	var hb heartbeat.Info
	if err := json.Unmarshal(raw, &hb); err != nil {
		return heartbeat.Info{}, fmt.Errorf("decode heartbeat info: %w", err)
	}
	return hb, nil
}

// SendEvents posts one batch of payloads.
func (c *Client) SendEvents(ctx context.Context, payloads []events.Payload) error {
	_, err := c.do(ctx, c.endpointEvents(), payloads, nil)
	return err
}

// Pinger binds the liveness probe to a device id.
func (c *Client) Pinger(deviceID string) *DevicePinger {
	return &DevicePinger{client: c, deviceID: deviceID}
}

// DevicePinger implements heartbeat.Pinger.
type DevicePinger struct {
	client   *Client
	deviceID string
}

func (p *DevicePinger) Ping(ctx context.Context, sinceLastPing time.Duration) error {
	header := http.Header{}
	header.Set("Time_Since_Last_Ping", strconv.FormatInt(int64(sinceLastPing/time.Second), 10))
	_, err := p.client.do(ctx, p.client.endpointPing(url.PathEscape(p.deviceID)), nil, header)
	return err
}

// do runs the request loop: transport failures are retried per the endpoint's
// table, a 401 triggers one re-authentication and retry, a 403 deactivates the
// account, and every other status is returned to the caller unretried.
func (c *Client) do(ctx context.Context, ep Endpoint, body any, extra http.Header) ([]byte, error) {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", ep.Name, err)
		}
		payload = raw
	}

	var (
		attempt  int
		reauthed bool
	)
	for {
		token := ""
		if ep.auth == authToken {
			if c.tokens == nil {
				return nil, fmt.Errorf("%s: no token source configured", ep.Name)
			}
			token = c.tokens.Token()
			if token == "" {
				refreshed, err := c.tokens.Reauthorize(ctx, "")
				if err != nil {
					return nil, fmt.Errorf("%s: authorize: %w", ep.Name, err)
				}
				token = refreshed
			}
		}

		status, respBody, err := c.send(ctx, ep, payload, token, extra)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrTransport, ep.Name, err)
			}
			if attempt >= ep.maxRetries {
				return nil, fmt.Errorf("%w: %s: %w", ErrTransport, ep.Name, err)
			}
			delay := ep.delay(attempt)
			attempt++
			c.logger.Warn("request failed, retrying", "endpoint", ep.Name, "attempt", attempt, "delay", delay, "error", err)
			if err := c.wait(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrTransport, ep.Name, err)
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			return respBody, nil
		case status == http.StatusUnauthorized && ep.auth == authToken && !reauthed:
			reauthed = true
			c.logger.Info("token rejected, re-authenticating", "endpoint", ep.Name)
			if _, err := c.tokens.Reauthorize(ctx, token); err != nil {
				return nil, fmt.Errorf("%s: re-authenticate: %w", ep.Name, err)
			}
			continue
		case status == http.StatusForbidden:
			c.logger.Warn("collector refused device, deactivating", "endpoint", ep.Name)
			if c.tokens != nil {
				c.tokens.Deactivate(ctx)
			}
		}
		return nil, &StatusError{Endpoint: ep.Name, StatusCode: status, Body: truncate(respBody, 256)}
	}
}

func (c *Client) send(ctx context.Context, ep Endpoint, payload []byte, token string, extra http.Header) (int, []byte, error) {
	base := c.host
	if ep.heartbeat {
		base = c.heartbeatHost
	}

	var body io.Reader
	encoding := ""
	if payload != nil {
		if ep.compress {
			compressed, err := Gzip(payload)
			if err != nil {
				return 0, nil, fmt.Errorf("compress %s body: %w", ep.Name, err)
			}
			body = bytes.NewReader(compressed)
			encoding = "gzip"
		} else {
			body = bytes.NewReader(payload)
		}
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, base+ep.Path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if c.timezone != "" {
		req.Header.Set("Timezone", c.timezone)
	}
	switch ep.auth {
	case authPublishableKey:
		req.Header.Set("Authorization", "token "+c.publishableKey)
	case authToken:
		req.Header.Set("Authorization", "token "+token)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", ep.Name, err)
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// Gzip compresses an events body for Content-Encoding: gzip.
func Gzip(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncate shortens an error body to at most n bytes without splitting a rune.
func truncate(raw []byte, n int) string {
	s := strings.TrimSpace(string(raw))
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
