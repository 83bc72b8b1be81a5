package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// SampleKind tags the capability a raw sample came from.
type SampleKind string

const (
	KindLocation SampleKind = "location"
	KindActivity SampleKind = "activity"
	KindHealth   SampleKind = "health"
	KindRaw      SampleKind = "raw"
)

// ErrMalformedSample wraps every reason a sample cannot be mapped.
var ErrMalformedSample = errors.New("malformed sample")

// Sample is a raw reading handed over by a capture service. Exactly one of the
// kind-specific fields is expected to be set, matching Kind.
type Sample struct {
	Kind       SampleKind      `json:"kind"`
	RecordedAt time.Time       `json:"recorded_at"`
	Location   *Location       `json:"location,omitempty"`
	Activity   string          `json:"activity,omitempty"`
	Health     string          `json:"health,omitempty"`
	Type       Type            `json:"type,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Location is a single GPS fix.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Altitude  float64 `json:"altitude"`
	Bearing   float64 `json:"bearing"`
}

var activities = map[string]bool{
	"stop": true, "walk": true, "run": true, "cycle": true, "drive": true, "moving": true,
}

var healthValues = map[string]bool{
	"tracking.paused": true, "tracking.resumed": true,
	"sdk.killed": true, "sdk.restarted": true,
	"gps.lost": true, "gps.found": true,
	"location.disabled": true, "location.enabled": true,
	"location.permission_denied": true, "location.permission_granted": true,
	"activity.permission_denied": true, "activity.permission_granted": true,
	"airplane_mode.on": true, "airplane_mode.off": true,
	"battery.low": true, "battery.back_to_normal": true,
	"battery.charging": true, "battery.discharging": true,
	"device.switched_off": true, "device.switched_on": true,
}

type geoJSON struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

type locationData struct {
	Location   geoJSON `json:"location"`
	Speed      float64 `json:"speed"`
	Altitude   float64 `json:"altitude"`
	Bearing    float64 `json:"bearing"`
	RecordedAt string  `json:"recorded_at"`
}

type valueData struct {
	Value string `json:"value"`
}

// Map converts a raw sample into a canonical event with the given id. It has
// no side effects; every failure wraps ErrMalformedSample.
func Map(s Sample, id string) (Event, error) {
	if strings.TrimSpace(id) == "" {
		return Event{}, fmt.Errorf("%w: empty id", ErrMalformedSample)
	}
	if s.RecordedAt.IsZero() {
		return Event{}, fmt.Errorf("%w: recorded_at required", ErrMalformedSample)
	}

	var (
		typ  Type
		data any
	)
	switch s.Kind {
	case KindLocation:
		loc := s.Location
		if loc == nil {
			return Event{}, fmt.Errorf("%w: location missing", ErrMalformedSample)
		}
		if !validCoordinate(loc.Latitude, 90) || !validCoordinate(loc.Longitude, 180) {
			return Event{}, fmt.Errorf("%w: coordinates out of range", ErrMalformedSample)
		}
		typ = TypeLocationChange
		data = locationData{
			Location:   geoJSON{Type: "Point", Coordinates: []float64{loc.Longitude, loc.Latitude}},
			Speed:      loc.Speed,
			Altitude:   loc.Altitude,
			Bearing:    loc.Bearing,
			RecordedAt: FormatTime(s.RecordedAt),
		}
	case KindActivity:
		if !activities[s.Activity] {
			return Event{}, fmt.Errorf("%w: unsupported activity %q", ErrMalformedSample, s.Activity)
		}
		typ = TypeActivityChange
		data = valueData{Value: s.Activity}
	case KindHealth:
		if !healthValues[s.Health] {
			return Event{}, fmt.Errorf("%w: unknown health value %q", ErrMalformedSample, s.Health)
		}
		typ = TypeHealthChange
		data = valueData{Value: s.Health}
	case KindRaw:
		if !s.Type.Valid() || s.Type == TypeDeviceReconnected {
			return Event{}, fmt.Errorf("%w: unsupported type %q", ErrMalformedSample, s.Type)
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(s.Data, &obj); err != nil || obj == nil {
			return Event{}, fmt.Errorf("%w: data must be a JSON object", ErrMalformedSample)
		}
		return Event{ID: id, Type: s.Type, Data: append(json.RawMessage(nil), s.Data...), RecordedAt: s.RecordedAt.UTC()}, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedSample, s.Kind)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedSample, err)
	}
	return Event{ID: id, Type: typ, Data: raw, RecordedAt: s.RecordedAt.UTC()}, nil
}

func validCoordinate(v, limit float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) <= limit
}
