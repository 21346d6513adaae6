// Package health derives a bounded health score per pump from its trip history.
package health

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/internal/store"
)

// ErrNoData means the unit was never observed live and has no stored trips
var ErrNoData = errors.New("health: no data for unit")

// Curve names accepted in configuration
const (
	CurveExponential = "exponential"
	CurveLinear      = "linear"
)

// Curve maps a trip count and cumulative downtime to a score in [0,100].
// Implementations must not increase when either input grows.
type Curve interface {
	Score(trips int, downtime time.Duration) float64
}

// ExponentialCurve decays with both inputs:
// 100 * exp(-trips/TripScale) * exp(-downtime/DowntimeScale)
type ExponentialCurve struct {
	TripScale     float64
	DowntimeScale time.Duration
}

// Score implements Curve
func (c ExponentialCurve) Score(trips int, downtime time.Duration) float64 {
	s := 100.0
	if c.TripScale > 0 {
		s *= math.Exp(-float64(trips) / c.TripScale)
	}
	if c.DowntimeScale > 0 {
		s *= math.Exp(-downtime.Seconds() / c.DowntimeScale.Seconds())
	}
	return s
}

// LinearCurve removes PerTrip points for every trip and PerHour points for every hour down
type LinearCurve struct {
	PerTrip float64
	PerHour float64
}

// Score implements Curve
func (c LinearCurve) Score(trips int, downtime time.Duration) float64 {
	return 100 - c.PerTrip*float64(trips) - c.PerHour*downtime.Hours()
}

// NewCurve builds a named curve
func NewCurve(name string, tripScale float64, downtimeScale time.Duration) (Curve, error) {
	switch name {
	case "", CurveExponential:
		return ExponentialCurve{TripScale: tripScale, DowntimeScale: downtimeScale}, nil
	case CurveLinear:
		// Reaches zero at tripScale trips or downtimeScale of downtime.
		var c LinearCurve
		if tripScale > 0 {
			c.PerTrip = 100 / tripScale
		}
		if downtimeScale > 0 {
			c.PerHour = 100 / downtimeScale.Hours()
		}
		return c, nil
	}
	return nil, fmt.Errorf("health: unknown curve %q", name)
}

// EventSource is the read side of the event store
type EventSource interface {
	Query(ctx context.Context, f store.Filter) iter.Seq2[models.TripEvent, error]
	HasEvents(ctx context.Context, unitID int) (bool, error)
}

// Observer reports whether live readings were seen for a unit
type Observer interface {
	Observed(unitID int) bool
}

// Scorer computes health scores. It only reads from the store and is safe for concurrent use.
type Scorer struct {
	events    EventSource
	observer  Observer
	curve     Curve
	unitCount int
	unitName  func(int) string
	now       func() time.Time
}

// NewScorer creates a scorer for units 1..unitCount
func NewScorer(events EventSource, observer Observer, curve Curve, unitCount int, unitName func(int) string) *Scorer {
	if curve == nil {
		curve = ExponentialCurve{TripScale: 20, DowntimeScale: 24 * time.Hour}
	}
	return &Scorer{
		events:    events,
		observer:  observer,
		curve:     curve,
		unitCount: unitCount,
		unitName:  unitName,
		now:       time.Now,
	}
}

// Score computes the health of one unit over the lookback window ending now.
// Trips are counted by onset inside the window; downtime is the part of every
// trip that overlaps it, with open trips running until now.
func (s *Scorer) Score(ctx context.Context, unitID int, lookback time.Duration) (models.HealthScore, error) {
	if lookback <= 0 {
		return models.HealthScore{}, fmt.Errorf("health: lookback must be positive, got %s", lookback)
	}

	now := s.now()
	start := now.Add(-lookback)

	seen, err := s.seen(ctx, unitID)
	if err != nil {
		return models.HealthScore{}, err
	}
	if !seen {
		return models.HealthScore{}, fmt.Errorf("%w: %d", ErrNoData, unitID)
	}

	var (
		trips    int
		downtime time.Duration
		lastTrip *time.Time
	)
	for ev, err := range s.events.Query(ctx, store.Filter{UnitID: &unitID, To: &now}) {
		if err != nil {
			return models.HealthScore{}, err
		}

		end := now
		if ev.ClearTimestamp != nil && ev.ClearTimestamp.Before(now) {
			end = *ev.ClearTimestamp
		}
		if !end.After(start) {
			continue
		}

		if !ev.OnsetTimestamp.Before(start) {
			trips++
			onset := ev.OnsetTimestamp
			lastTrip = &onset
		}
		from := ev.OnsetTimestamp
		if from.Before(start) {
			from = start
		}
		downtime += end.Sub(from)
	}

	score := clamp(s.curve.Score(trips, downtime))
	result := models.HealthScore{
		UnitID:          unitID,
		Score:           score,
		Band:            models.BandFor(score),
		TripCount:       trips,
		Downtime:        downtime,
		DowntimeSeconds: downtime.Seconds(),
		Window:          lookback,
		WindowSeconds:   lookback.Seconds(),
		LastTrip:        lastTrip,
		ComputedAt:      now,
	}
	if s.unitName != nil {
		result.UnitName = s.unitName(unitID)
	}
	return result, nil
}

// ScoreAll scores every configured unit, skipping units without data
func (s *Scorer) ScoreAll(ctx context.Context, lookback time.Duration) ([]models.HealthScore, error) {
	scores := make([]models.HealthScore, 0, s.unitCount)
	for unitID := 1; unitID <= s.unitCount; unitID++ {
		score, err := s.Score(ctx, unitID, lookback)
		if errors.Is(err, ErrNoData) {
			continue
		}
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	return scores, nil
}

func (s *Scorer) seen(ctx context.Context, unitID int) (bool, error) {
	if unitID < 1 || unitID > s.unitCount {
		return false, nil
	}
	if s.observer != nil && s.observer.Observed(unitID) {
		return true, nil
	}
	return s.events.HasEvents(ctx, unitID)
}

// clamp bounds the score to [0,100] and keeps one decimal
func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		v = 100
	}
	return math.Round(v*10) / 10
}
