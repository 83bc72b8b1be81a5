// Package heartbeat probes collector liveness and derives the agent's
// connectivity status from the probe history.
package heartbeat

import (
	"encoding/json"
	"time"
)

// Status is the connectivity state derived from heartbeat probes.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusPingFail   Status = "ping_fail"
	StatusDisconnect Status = "disconnect"
	StatusReconnect  Status = "reconnect"
)

// Info holds the probe cadence and disconnect threshold. The collector sends
// it on device registration; it is persisted between runs.
type Info struct {
	PingInterval       time.Duration
	RetryCount         int
	RetryInterval      time.Duration
	DisconnectInterval time.Duration
}

// DefaultInfo is used until the collector provides its own values.
func DefaultInfo() Info {
	return Info{
		PingInterval:       180 * time.Second,
		RetryCount:         2,
		RetryInterval:      60 * time.Second,
		DisconnectInterval: 600 * time.Second,
	}
}

// infoJSON is the wire form: every interval in whole seconds.
type infoJSON struct {
	PingInterval       *float64 `json:"ping_interval,omitempty"`
	RetryCount         *int     `json:"retry_count,omitempty"`
	RetryInterval      *float64 `json:"retry_interval,omitempty"`
	DisconnectInterval *float64 `json:"disconnect_interval,omitempty"`
}

func (i Info) MarshalJSON() ([]byte, error) {
	ping := i.PingInterval.Seconds()
	retry := i.RetryInterval.Seconds()
	disconnect := i.DisconnectInterval.Seconds()
	count := i.RetryCount
	return json.Marshal(infoJSON{
		PingInterval:       &ping,
		RetryCount:         &count,
		RetryInterval:      &retry,
		DisconnectInterval: &disconnect,
	})
}

// UnmarshalJSON fills absent or non-positive fields from DefaultInfo.
func (i *Info) UnmarshalJSON(data []byte) error {
	var raw infoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := DefaultInfo()
	if raw.PingInterval != nil && *raw.PingInterval > 0 {
		out.PingInterval = seconds(*raw.PingInterval)
	}
	if raw.RetryCount != nil && *raw.RetryCount >= 0 {
		out.RetryCount = *raw.RetryCount
	}
	if raw.RetryInterval != nil && *raw.RetryInterval > 0 {
		out.RetryInterval = seconds(*raw.RetryInterval)
	}
	if raw.DisconnectInterval != nil && *raw.DisconnectInterval > 0 {
		out.DisconnectInterval = seconds(*raw.DisconnectInterval)
	}
	*i = out
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// PreviousSessionOffline reports whether the gap since the last successful
// ping reached the disconnect threshold. Without any recorded ping the
// previous session is treated as online.
func PreviousSessionOffline(now, lastPing time.Time, hasLastPing bool, disconnect time.Duration) bool {
	if !hasLastPing {
		return false
	}
	return now.Sub(lastPing) >= disconnect
}
