// Package events defines the canonical event record buffered on the device,
// the storage buckets it lives in and the JSON payload sent to the collector.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of telemetry an event carries.
type Type string

const (
	TypeLocationChange    Type = "location.change"
	TypeActivityChange    Type = "activity.change"
	TypeHealthChange      Type = "health.change"
	TypeDeviceReconnected Type = "device.reconnected"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeLocationChange, TypeActivityChange, TypeHealthChange, TypeDeviceReconnected:
		return true
	}
	return false
}

// Bucket is a named partition of buffered events.
type Bucket string

const (
	BucketOnline  Bucket = "online"
	BucketOffline Bucket = "offline"
)

// Buckets lists every bucket in drain order.
var Buckets = []Bucket{BucketOnline, BucketOffline}

// Valid reports whether b names a known bucket.
func (b Bucket) Valid() bool {
	return b == BucketOnline || b == BucketOffline
}

// Table returns the sqlite table backing the bucket.
func (b Bucket) Table() string {
	if b == BucketOffline {
		return "eventOffline"
	}
	return "eventOnline"
}

// Event is an immutable telemetry record. RowID is assigned by the store and
// is only meaningful for events read back from it.
type Event struct {
	RowID      int64           `json:"-"`
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Data       json.RawMessage `json:"data"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Payload is the wire form of an event posted to the collector.
type Payload struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Data       json.RawMessage `json:"data"`
	RecordedAt string          `json:"recorded_at"`
	DeviceID   string          `json:"device_id"`
}

// NewPayload converts a stored event into its wire form.
func NewPayload(e Event, deviceID string) Payload {
	return Payload{
		ID:         e.ID,
		Type:       e.Type,
		Data:       e.Data,
		RecordedAt: FormatTime(e.RecordedAt),
		DeviceID:   deviceID,
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t as ISO-8601 in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime accepts the millisecond layout as well as plain RFC 3339.
func ParseTime(raw string) (time.Time, error) {
	if ts, err := time.Parse(timeLayout, raw); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
