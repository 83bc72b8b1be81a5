package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/dispatch"
	"github.com/ami-zou/HeartBee-AngelHackSF2018/internal/logging"
)

func request(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func TestControlAPI(t *testing.T) {
	r := newRemote(t)
	st, _ := openStore(t, filepath.Join(t.TempDir(), "agent.db"))
	a := newTestAgent(t, testConfig(r.ts.URL), st, clock.NewMock())
	require.NoError(t, a.Initialize(t.Context()))

	ts := httptest.NewServer(NewServer(a, logging.Discard()).Router())
	t.Cleanup(ts.Close)

	status, _ := request(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, status)

	samples := `{"samples":[
		{"kind":"activity","recorded_at":"2024-05-01T10:00:00Z","activity":"run"},
		{"kind":"location","recorded_at":"2024-05-01T10:00:01Z","location":{"latitude":52.5,"longitude":13.4}},
		{"kind":"activity","recorded_at":"2024-05-01T10:00:02Z","activity":"teleport"}
	]}`
	status, raw := request(t, http.MethodPost, ts.URL+"/agent/samples", samples)
	require.Equal(t, http.StatusAccepted, status, string(raw))
	assert.JSONEq(t, `{"bucket":"online","accepted":2,"dropped":1}`, string(raw))

	status, raw = request(t, http.MethodPost, ts.URL+"/agent/samples",
		`{"samples":[{"kind":"health","recorded_at":"2024-05-01T10:00:00Z","health":"nope"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status, string(raw))

	status, _ = request(t, http.MethodPost, ts.URL+"/agent/samples", `{"samples":[]}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, raw = request(t, http.MethodGet, ts.URL+"/agent/buckets", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"online":2,"offline":0}`, string(raw))

	status, raw = request(t, http.MethodPost, ts.URL+"/agent/dispatch", "")
	require.Equal(t, http.StatusOK, status, string(raw))
	var summary struct {
		Online struct {
			Events int `json:"events"`
		} `json:"online"`
	}
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, 2, summary.Online.Events)
	assert.Len(t, r.received(t), 2)

	status, _ = request(t, http.MethodPut, ts.URL+"/agent/dispatch/mode", `{"mode":"cron"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = request(t, http.MethodPut, ts.URL+"/agent/dispatch/mode", `{"mode":"timer"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, dispatch.ModeTimer, a.Status().DispatchMode)

	status, _ = request(t, http.MethodPost, ts.URL+"/agent/tracking/pause", "")
	require.Equal(t, http.StatusOK, status)
	status, raw = request(t, http.MethodPost, ts.URL+"/agent/samples",
		`{"samples":[{"kind":"activity","recorded_at":"2024-05-01T10:00:00Z","activity":"walk"}]}`)
	assert.Equal(t, http.StatusConflict, status, string(raw))

	status, raw = request(t, http.MethodPost, ts.URL+"/agent/tracking/resume", "")
	require.Equal(t, http.StatusOK, status, string(raw))
	var st2 Status
	require.NoError(t, json.Unmarshal(raw, &st2))
	assert.False(t, st2.Paused)
	assert.True(t, st2.Running)
	assert.Equal(t, "dev-1", st2.DeviceID)

	status, raw = request(t, http.MethodGet, ts.URL+"/agent/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), `"device_id": "dev-1"`)
}
