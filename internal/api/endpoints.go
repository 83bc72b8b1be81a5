package api

import (
	"net/http"
	"time"
)

type authScheme int

const (
	authNone authScheme = iota
	authPublishableKey
	authToken
)

// Endpoint describes one collector route and its retry policy.
type Endpoint struct {
	Name        string
	Method      string
	Path        string
	heartbeat   bool
	auth        authScheme
	compress    bool
	maxRetries  int
	retryDelays []time.Duration
}

// delay returns the wait before retry number attempt (zero based). The last
// delay repeats when the table is shorter than the retry count.
func (e Endpoint) delay(attempt int) time.Duration {
	if len(e.retryDelays) == 0 {
		return 0
	}
	if attempt >= len(e.retryDelays) {
		return e.retryDelays[len(e.retryDelays)-1]
	}
	return e.retryDelays[attempt]
}

func (c *Client) endpointAuthenticate() Endpoint {
	return Endpoint{
		Name:        "authenticate",
		Method:      http.MethodPost,
		Path:        "/auth/v1/authenticate",
		auth:        authPublishableKey,
		maxRetries:  c.retryCount,
		retryDelays: c.retryDelays,
	}
}

func (c *Client) endpointRegister() Endpoint {
	return Endpoint{
		Name:        "register",
		Method:      http.MethodPost,
		Path:        "/heartbeat/v1/register",
		heartbeat:   true,
		auth:        authToken,
		maxRetries:  c.retryCount,
		retryDelays: c.retryDelays,
	}
}

func (c *Client) endpointEvents() Endpoint {
	return Endpoint{
		Name:        "events",
		Method:      http.MethodPost,
		Path:        "/events",
		auth:        authToken,
		compress:    c.gzip,
		maxRetries:  c.retryCount,
		retryDelays: c.retryDelays,
	}
}

// The liveness probe never retries; the monitor's own cadence covers that.
func (c *Client) endpointPing(deviceID string) Endpoint {
	return Endpoint{
		Name:      "ping",
		Method:    http.MethodHead,
		Path:      "/heartbeat/v1/ping/" + deviceID,
		heartbeat: true,
		auth:      authToken,
	}
}
