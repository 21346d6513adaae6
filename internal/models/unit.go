package models

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Real is a value decoded from a PLC REAL. Non-finite values are kept as-is
// and serialized as the strings "NaN", "+Inf" and "-Inf".
type Real float64

// MarshalJSON implements json.Marshaler
func (r Real) MarshalJSON() ([]byte, error) {
	f := float64(r)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Real) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*r = Real(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = Real(f)
	return nil
}

// Unit status values, in precedence order
const (
	StatusTrip    = "TRIP"
	StatusRunning = "RUNNING"
	StatusReady   = "READY"
	StatusUnknown = "UNKNOWN"
)

// UnitReading is one decoded snapshot of a pump
type UnitReading struct {
	UnitID           int       `json:"unit_id"`
	Timestamp        time.Time `json:"timestamp"`
	Ready            bool      `json:"ready"`
	Running          bool      `json:"running"`
	Tripped          bool      `json:"tripped"`
	Pressure         Real      `json:"pressure"`
	PressureSetpoint Real      `json:"pressure_setpoint"`
	Speed            Real      `json:"speed"`
	SystemAlarm      bool      `json:"system_alarm"`
}

// Status derives the display state: TRIP > RUNNING > READY > UNKNOWN
func (r UnitReading) Status() string {
	switch {
	case r.Tripped:
		return StatusTrip
	case r.Running:
		return StatusRunning
	case r.Ready:
		return StatusReady
	}
	return StatusUnknown
}

// TripEvent is the durable record of a trip. ClearTimestamp is nil while the trip is open.
type TripEvent struct {
	EventID         string     `json:"event_id"`
	UnitID          int        `json:"unit_id"`
	OnsetTimestamp  time.Time  `json:"onset_timestamp"`
	ClearTimestamp  *time.Time `json:"clear_timestamp"`
	PressureAtOnset Real       `json:"pressure_at_onset"`
	SpeedAtOnset    Real       `json:"speed_at_onset"`
}

// Open reports whether the trip has not been cleared yet
func (e TripEvent) Open() bool {
	return e.ClearTimestamp == nil
}

// Duration returns how long the trip lasted, or has lasted until now if still open
func (e TripEvent) Duration(now time.Time) time.Duration {
	end := now
	if e.ClearTimestamp != nil {
		end = *e.ClearTimestamp
	}
	if end.Before(e.OnsetTimestamp) {
		return 0
	}
	return end.Sub(e.OnsetTimestamp)
}

// Clone returns a deep copy so callers never share the clear timestamp pointer
func (e TripEvent) Clone() TripEvent {
	if e.ClearTimestamp != nil {
		ts := *e.ClearTimestamp
		e.ClearTimestamp = &ts
	}
	return e
}

// UnitState is the last reading of a unit plus its open trip, if any
type UnitState struct {
	UnitID   int         `json:"unit_id"`
	UnitName string      `json:"unit_name,omitempty"`
	Status   string      `json:"status"`
	Reading  UnitReading `json:"reading"`
	OpenTrip *TripEvent  `json:"open_trip,omitempty"`
}

// EventKind identifies a domain event
type EventKind string

const (
	// TripOpened fires on a not tripped -> tripped edge
	TripOpened EventKind = "trip_opened"
	// TripCleared fires on a tripped -> not tripped edge with an open trip
	TripCleared EventKind = "trip_cleared"
	// AlarmRaised fires when the system alarm bit rises
	AlarmRaised EventKind = "alarm_raised"
	// AlarmCleared fires when the system alarm bit falls
	AlarmCleared EventKind = "alarm_cleared"
)

// IsTrip reports whether the kind carries a TripEvent
func (k EventKind) IsTrip() bool {
	return k == TripOpened || k == TripCleared
}

// DomainEvent is an edge detected by the tracker
type DomainEvent struct {
	Kind      EventKind  `json:"kind"`
	UnitID    int        `json:"unit_id"`
	Timestamp time.Time  `json:"timestamp"`
	Trip      *TripEvent `json:"trip,omitempty"`
}

// LinkStatus describes the PLC session as seen by the polling loop
type LinkStatus struct {
	Connected           bool      `json:"connected"`
	Stale               bool      `json:"stale"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	Since               time.Time `json:"since"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// Health bands used by reports
const (
	BandGood     = "good"
	BandWarning  = "warning"
	BandCritical = "critical"
)

// HealthScore is computed on request from a window of trip events
type HealthScore struct {
	UnitID          int           `json:"unit_id"`
	UnitName        string        `json:"unit_name,omitempty"`
	Score           float64       `json:"health_score"`
	Band            string        `json:"band"`
	TripCount       int           `json:"trip_count"`
	Downtime        time.Duration `json:"-"`
	DowntimeSeconds float64       `json:"downtime_seconds"`
	Window          time.Duration `json:"-"`
	WindowSeconds   float64       `json:"window_seconds"`
	LastTrip        *time.Time    `json:"last_trip"`
	ComputedAt      time.Time     `json:"computed_at"`
}

// BandFor maps a score to its report band
func BandFor(score float64) string {
	switch {
	case score >= 80:
		return BandGood
	case score >= 50:
		return BandWarning
	}
	return BandCritical
}
