package collector

import (
	"encoding/json"
	"time"
)

// Device is a device known to the collector.
type Device struct {
	DeviceID     string          `json:"device_id"`
	AccountID    string          `json:"account_id"`
	Active       bool            `json:"active"`
	Info         json.RawMessage `json:"info,omitempty"`
	RegisteredAt *time.Time      `json:"registered_at,omitempty"`
	LastPingAt   *time.Time      `json:"last_ping_at,omitempty"`
	LastPingGap  int64           `json:"last_ping_gap_seconds"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Token is an access token issued by the authenticate endpoint.
type Token struct {
	Token     string    `json:"token"`
	DeviceID  string    `json:"device_id"`
	AccountID string    `json:"account_id"`
	Revoked   bool      `json:"revoked"`
	IssuedAt  time.Time `json:"issued_at"`
}

// ReceivedEvent is one event payload as it arrived on POST /events.
type ReceivedEvent struct {
	Seq        int64           `json:"seq"`
	BatchID    string          `json:"batch_id"`
	EventID    string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	RecordedAt string          `json:"recorded_at"`
	ReceivedAt time.Time       `json:"received_at"`
}
