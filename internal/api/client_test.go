package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/events"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/logging"
)

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	next        []string
	reauths     int
	deactivated int
}

func (f *fakeTokens) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) Reauthorize(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauths++
	if len(f.next) > 0 {
		f.token, f.next = f.next[0], f.next[1:]
	}
	return f.token, nil
}

func (f *fakeTokens) Deactivate(context.Context) {
	f.mu.Lock()
	f.deactivated++
	f.mu.Unlock()
}

func newTestClient(t *testing.T, url string, tokens *fakeTokens, opts Options) *Client {
	t.Helper()
	opts.Host = url
	if opts.PublishableKey == "" {
		opts.PublishableKey = "pk_test"
	}
	if opts.Timezone == "" {
		opts.Timezone = "Europe/Berlin"
	}
	if opts.RetryDelays == nil {
		opts.RetryDelays = []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	}
	opts.Logger = logging.Discard()
	c := NewClient(opts)
	if tokens != nil {
		c.SetTokenSource(tokens)
	}
	return c
}

func samplePayloads() []events.Payload {
	return []events.Payload{{
		ID:         "e1",
		Type:       events.TypeActivityChange,
		Data:       json.RawMessage(`{"value":"walk"}`),
		RecordedAt: "2024-01-01T00:00:00.000Z",
		DeviceID:   "dev-1",
	}}
}

func hangUp(w http.ResponseWriter) {
	conn, _, err := w.(http.Hijacker).Hijack()
	if err == nil {
		conn.Close()
	}
}

func TestSendEventsHeadersAndBody(t *testing.T) {
	var got []events.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "token t1", r.Header.Get("Authorization"))
		assert.Equal(t, "Europe/Berlin", r.Header.Get("Timezone"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{token: "t1"}, Options{RetryCount: 3})
	require.NoError(t, c.SendEvents(context.Background(), samplePayloads()))
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "dev-1", got[0].DeviceID)
}

func TestSendEventsGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		raw, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"device_id":"dev-1"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{token: "t1"}, Options{Gzip: true})
	require.NoError(t, c.SendEvents(context.Background(), samplePayloads()))
}

func TestUnauthorizedReauthenticatesOnce(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") == "token fresh" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale", next: []string{"fresh"}}
	c := newTestClient(t, srv.URL, tokens, Options{RetryCount: 3})
	require.NoError(t, c.SendEvents(context.Background(), samplePayloads()))
	assert.Equal(t, []string{"token stale", "token fresh"}, seen)
	assert.Equal(t, 1, tokens.reauths)
}

func TestSecondUnauthorizedIsTerminal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "a", next: []string{"b", "c"}}
	c := newTestClient(t, srv.URL, tokens, Options{RetryCount: 3})
	err := c.SendEvents(context.Background(), samplePayloads())
	require.ErrorIs(t, err, ErrUnauthorized)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.EqualValues(t, 2, requests.Load())
	assert.Equal(t, 1, tokens.reauths)
}

func TestForbiddenDeactivatesWithoutRetry(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "t1"}
	c := newTestClient(t, srv.URL, tokens, Options{RetryCount: 3})
	err := c.SendEvents(context.Background(), samplePayloads())
	require.ErrorIs(t, err, ErrForbidden)
	assert.EqualValues(t, 1, requests.Load())
	assert.Equal(t, 1, tokens.deactivated)
}

func TestServerAndClientErrorsAreNotRetried(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   error
	}{
		{http.StatusInternalServerError, ErrServer},
		{http.StatusServiceUnavailable, ErrServer},
		{http.StatusBadRequest, ErrClient},
		{http.StatusNotFound, ErrClient},
	} {
		var requests atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			http.Error(w, "nope", tc.status)
		}))
		c := newTestClient(t, srv.URL, &fakeTokens{token: "t1"}, Options{RetryCount: 3})
		err := c.SendEvents(context.Background(), samplePayloads())
		require.ErrorIs(t, err, tc.want, "status %d", tc.status)
		assert.EqualValues(t, 1, requests.Load(), "status %d", tc.status)
		srv.Close()
	}
}

func TestErrorBodyIsTrimmedOnRuneBoundary(t *testing.T) {
	body := "a" + strings.Repeat("é", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, &fakeTokens{token: "t1"}, Options{})

	err := c.SendEvents(context.Background(), samplePayloads())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.True(t, utf8.ValidString(statusErr.Body))
	assert.Len(t, statusErr.Body, 255)
	assert.True(t, strings.HasPrefix(body, statusErr.Body))
}

func TestTransportErrorsRetryThenSucceed(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			hangUp(w)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{token: "t1"}, Options{RetryCount: 3})
	require.NoError(t, c.SendEvents(context.Background(), samplePayloads()))
	assert.EqualValues(t, 3, requests.Load())
}

func TestTransportErrorsExhaustRetries(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		hangUp(w)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{token: "t1"}, Options{RetryCount: 2})
	err := c.SendEvents(context.Background(), samplePayloads())
	require.ErrorIs(t, err, ErrTransport)
	assert.EqualValues(t, 3, requests.Load())
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hangUp(w)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{token: "t1"}, Options{RetryCount: 3, RetryDelays: []time.Duration{time.Hour}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.SendEvents(ctx, samplePayloads())
	require.ErrorIs(t, err, ErrTransport)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPingDoesNotRetry(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, &fakeTokens{token: "t1"}, Options{RetryCount: 3, RetryDelays: []time.Duration{time.Hour}})
	start := time.Now()
	err := c.Pinger("dev-1").Ping(context.Background(), time.Minute)
	require.ErrorIs(t, err, ErrTransport)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPingHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/heartbeat/v1/ping/dev-1", r.URL.Path)
		assert.Equal(t, "42", r.Header.Get("Time_Since_Last_Ping"))
		assert.Equal(t, "token t1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{token: "t1"}, Options{})
	require.NoError(t, c.Pinger("dev-1").Ping(context.Background(), 42*time.Second+300*time.Millisecond))
}

func TestAuthenticateUsesPublishableKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/authenticate", r.URL.Path)
		assert.Equal(t, "token pk_test", r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"device_id": "dev-1", "scope": "generation"}, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","account_id":"acct"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, Options{})
	creds, err := c.Authenticate(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "tok", creds.Token)
	assert.Equal(t, "acct", creds.AccountID)
}

func TestRegisterDeviceDecodesHeartbeatInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/heartbeat/v1/register", r.URL.Path)
		var info DeviceInfo
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&info))
		assert.Equal(t, "dev-1", info.DeviceID)
		_, _ = w.Write([]byte(`{"ping_interval":30,"retry_interval":5,"disconnect_interval":90}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeTokens{token: "t1"}, Options{})
	info, err := c.RegisterDevice(context.Background(), DeviceInfo{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, info.PingInterval)
	assert.Equal(t, 5*time.Second, info.RetryInterval)
	assert.Equal(t, 90*time.Second, info.DisconnectInterval)
	assert.Equal(t, 2, info.RetryCount)
}

func TestMissingTokenAuthorizesFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token first", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := &fakeTokens{next: []string{"first"}}
	c := newTestClient(t, srv.URL, tokens, Options{})
	require.NoError(t, c.SendEvents(context.Background(), samplePayloads()))
	assert.Equal(t, 1, tokens.reauths)
}
