// Package tracker holds the last known state of every pump and turns
// changes of the trip and system alarm flags into domain events.
//
// A Tracker is owned by the polling loop and is not safe for concurrent use.
// Other goroutines only ever see the copies returned by Snapshot.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/pkg/logger"
)

// SystemUnitID is the unit id carried by system alarm events
const SystemUnitID = 0

var (
	// ErrUnknownUnit rejects a reading whose unit id is outside 1..unitCount
	ErrUnknownUnit = errors.New("tracker: unknown unit")
	// ErrOutOfOrder rejects a reading not newer than the previous one for the unit
	ErrOutOfOrder = errors.New("tracker: reading out of order")
	// ErrAnomaly describes a clear edge without an open trip. It is logged, never returned.
	ErrAnomaly = errors.New("tracker: trip cleared without an open event")
	// ErrClockSkew describes a clear observed at or before its onset. It is logged, never returned.
	ErrClockSkew = errors.New("tracker: trip cleared before its onset")
)

type unitEntry struct {
	last     models.UnitReading
	seeded   bool
	live     bool
	openTrip *models.TripEvent
}

// Option configures a Tracker
type Option func(*Tracker)

// WithIDGenerator replaces the UUID generator used for event ids
func WithIDGenerator(fn func() string) Option {
	return func(t *Tracker) { t.newID = fn }
}

// WithUnitNames attaches display names to snapshots
func WithUnitNames(fn func(unitID int) string) Option {
	return func(t *Tracker) { t.unitName = fn }
}

// WithAnomalyHook is called after an anomaly has been logged
func WithAnomalyHook(fn func(unitID int)) Option {
	return func(t *Tracker) { t.onAnomaly = fn }
}

// Tracker is the state table and edge detector
type Tracker struct {
	unitCount int
	units     map[int]*unitEntry

	alarmSeeded bool
	alarm       bool
	alarmAt     time.Time

	anomalies int

	newID     func() string
	unitName  func(int) string
	onAnomaly func(int)
}

// New creates a tracker for units 1..unitCount
func New(unitCount int, opts ...Option) *Tracker {
	t := &Tracker{
		unitCount: unitCount,
		units:     make(map[int]*unitEntry, unitCount),
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore reattaches trips that were still open when the process stopped.
// The unit is treated as last seen tripped, so the first live clear closes
// the persisted record. Restored state is exempt from the ordering check.
func (t *Tracker) Restore(open []models.TripEvent) error {
	for _, ev := range open {
		if !ev.Open() {
			continue
		}
		if !t.known(ev.UnitID) {
			return fmt.Errorf("%w: %d (restoring %s)", ErrUnknownUnit, ev.UnitID, ev.EventID)
		}

		entry := t.entry(ev.UnitID)
		if entry.openTrip != nil {
			if !ev.OnsetTimestamp.After(entry.openTrip.OnsetTimestamp) {
				logger.Warnf("Ignoring older open trip %s for unit %d", ev.EventID, ev.UnitID)
				continue
			}
			logger.Warnf("Unit %d had more than one open trip, keeping %s", ev.UnitID, ev.EventID)
		}

		trip := ev.Clone()
		entry.openTrip = &trip
		entry.seeded = true
		entry.last = models.UnitReading{UnitID: ev.UnitID, Timestamp: ev.OnsetTimestamp, Tripped: true}
	}
	return nil
}

// Observe folds one reading into the unit state and returns the edges it caused.
// The first reading of a unit only seeds its state.
func (t *Tracker) Observe(reading models.UnitReading) ([]models.DomainEvent, error) {
	if !t.known(reading.UnitID) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, reading.UnitID)
	}

	entry := t.entry(reading.UnitID)
	if entry.live && !reading.Timestamp.After(entry.last.Timestamp) {
		return nil, fmt.Errorf("%w: unit %d at %s, last %s", ErrOutOfOrder,
			reading.UnitID, reading.Timestamp.Format(time.RFC3339Nano), entry.last.Timestamp.Format(time.RFC3339Nano))
	}

	var events []models.DomainEvent

	if entry.seeded {
		switch {
		case !entry.last.Tripped && reading.Tripped:
			events = append(events, t.openTrip(entry, reading))
		case entry.last.Tripped && !reading.Tripped:
			if ev, ok := t.clearTrip(entry, reading); ok {
				events = append(events, ev)
			}
		}
	}

	if ev, ok := t.observeAlarm(reading); ok {
		events = append(events, ev)
	}

	entry.last = reading
	entry.seeded = true
	entry.live = true
	return events, nil
}

func (t *Tracker) openTrip(entry *unitEntry, reading models.UnitReading) models.DomainEvent {
	trip := models.TripEvent{
		EventID:         t.newID(),
		UnitID:          reading.UnitID,
		OnsetTimestamp:  reading.Timestamp,
		PressureAtOnset: reading.Pressure,
		SpeedAtOnset:    reading.Speed,
	}
	entry.openTrip = &trip

	emitted := trip.Clone()
	return models.DomainEvent{
		Kind:      models.TripOpened,
		UnitID:    reading.UnitID,
		Timestamp: reading.Timestamp,
		Trip:      &emitted,
	}
}

func (t *Tracker) clearTrip(entry *unitEntry, reading models.UnitReading) (models.DomainEvent, bool) {
	if entry.openTrip == nil {
		t.anomalies++
		logger.Warnf("%v: unit %d at %s", ErrAnomaly, reading.UnitID, reading.Timestamp.Format(time.RFC3339))
		if t.onAnomaly != nil {
			t.onAnomaly(reading.UnitID)
		}
		return models.DomainEvent{}, false
	}

	clearedAt := reading.Timestamp
	if onset := entry.openTrip.OnsetTimestamp; !clearedAt.After(onset) {
		t.anomalies++
		logger.Warnf("%v: unit %d trip %s, onset %s, clear %s", ErrClockSkew, reading.UnitID,
			entry.openTrip.EventID, onset.Format(time.RFC3339Nano), clearedAt.Format(time.RFC3339Nano))
		if t.onAnomaly != nil {
			t.onAnomaly(reading.UnitID)
		}
		clearedAt = onset.Add(time.Nanosecond)
	}
	entry.openTrip.ClearTimestamp = &clearedAt
	emitted := entry.openTrip.Clone()
	entry.openTrip = nil

	return models.DomainEvent{
		Kind:      models.TripCleared,
		UnitID:    reading.UnitID,
		Timestamp: reading.Timestamp,
		Trip:      &emitted,
	}, true
}

// observeAlarm tracks the shared system alarm bit. Every unit carries the
// same value, so only the first change in a cycle produces an event.
func (t *Tracker) observeAlarm(reading models.UnitReading) (models.DomainEvent, bool) {
	if !t.alarmSeeded {
		t.alarmSeeded = true
		t.alarm = reading.SystemAlarm
		t.alarmAt = reading.Timestamp
		return models.DomainEvent{}, false
	}
	if reading.Timestamp.Before(t.alarmAt) {
		return models.DomainEvent{}, false
	}
	t.alarmAt = reading.Timestamp

	if reading.SystemAlarm == t.alarm {
		return models.DomainEvent{}, false
	}
	t.alarm = reading.SystemAlarm

	kind := models.AlarmCleared
	if reading.SystemAlarm {
		kind = models.AlarmRaised
	}
	return models.DomainEvent{Kind: kind, UnitID: SystemUnitID, Timestamp: reading.Timestamp}, true
}

// Snapshot returns copies of every unit that has produced a live reading, ordered by unit id
func (t *Tracker) Snapshot() []models.UnitState {
	states := make([]models.UnitState, 0, len(t.units))
	for id, entry := range t.units {
		if !entry.live {
			continue
		}
		state := models.UnitState{
			UnitID:  id,
			Status:  entry.last.Status(),
			Reading: entry.last,
		}
		if t.unitName != nil {
			state.UnitName = t.unitName(id)
		}
		if entry.openTrip != nil {
			trip := entry.openTrip.Clone()
			state.OpenTrip = &trip
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UnitID < states[j].UnitID })
	return states
}

// Observed reports whether a live reading has been seen for the unit
func (t *Tracker) Observed(unitID int) bool {
	entry, ok := t.units[unitID]
	return ok && entry.live
}

// OpenTrip returns a copy of the unit's open trip, if any
func (t *Tracker) OpenTrip(unitID int) (models.TripEvent, bool) {
	entry, ok := t.units[unitID]
	if !ok || entry.openTrip == nil {
		return models.TripEvent{}, false
	}
	return entry.openTrip.Clone(), true
}

// Anomalies returns how many clear edges arrived without an open trip
func (t *Tracker) Anomalies() int {
	return t.anomalies
}

func (t *Tracker) known(unitID int) bool {
	return unitID >= 1 && unitID <= t.unitCount
}

func (t *Tracker) entry(unitID int) *unitEntry {
	entry, ok := t.units[unitID]
	if !ok {
		entry = &unitEntry{}
		t.units[unitID] = entry
	}
	return entry
}
