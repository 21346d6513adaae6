package health

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/internal/store"
)

var now = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

type observed map[int]bool

func (o observed) Observed(unitID int) bool { return o[unitID] }

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addTrip(t *testing.T, s *store.SQLiteStore, id string, unit int, onsetAgo, length time.Duration) {
	t.Helper()
	ev := models.TripEvent{EventID: id, UnitID: unit, OnsetTimestamp: now.Add(-onsetAgo)}
	if length > 0 {
		c := ev.OnsetTimestamp.Add(length)
		ev.ClearTimestamp = &c
	}
	require.NoError(t, s.Append(context.Background(), ev))
}

func newScorer(s *store.SQLiteStore, obs Observer, curve Curve) *Scorer {
	sc := NewScorer(s, obs, curve, 3, func(id int) string { return map[int]string{1: "LINE 7 MIXER"}[id] })
	sc.now = func() time.Time { return now }
	return sc
}

func TestNeverObservedIsNoData(t *testing.T) {
	sc := newScorer(newStore(t), observed{}, nil)

	_, err := sc.Score(context.Background(), 2, 24*time.Hour)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = sc.Score(context.Background(), 9, 24*time.Hour)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestObservedWithoutTripsIsPerfect(t *testing.T) {
	sc := newScorer(newStore(t), observed{1: true}, nil)

	score, err := sc.Score(context.Background(), 1, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 100.0, score.Score)
	assert.Equal(t, models.BandGood, score.Band)
	assert.Zero(t, score.TripCount)
	assert.Nil(t, score.LastTrip)
	assert.Equal(t, "LINE 7 MIXER", score.UnitName)
}

func TestStoredTripsCountAsObserved(t *testing.T) {
	s := newStore(t)
	// Trip far outside the window: the unit was seen, just not recently.
	addTrip(t, s, "old", 2, 30*24*time.Hour, time.Minute)

	score, err := newScorer(s, observed{}, nil).Score(context.Background(), 2, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 100.0, score.Score)
	assert.Zero(t, score.TripCount)
}

func TestWindowOverlap(t *testing.T) {
	s := newStore(t)
	// Starts before the window and ends 30 minutes into it.
	addTrip(t, s, "straddle", 1, 24*time.Hour+30*time.Minute, time.Hour)
	// Inside the window.
	addTrip(t, s, "inside", 1, 5*time.Hour, 10*time.Minute)
	// Still open for the last 20 minutes.
	addTrip(t, s, "open", 1, 20*time.Minute, 0)
	// Other unit.
	addTrip(t, s, "other", 2, time.Hour, time.Hour)

	score, err := newScorer(s, observed{1: true}, nil).Score(context.Background(), 1, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, score.TripCount)
	assert.Equal(t, 60*time.Minute, score.Downtime)
	assert.Equal(t, 3600.0, score.DowntimeSeconds)
	require.NotNil(t, score.LastTrip)
	assert.True(t, score.LastTrip.Equal(now.Add(-20*time.Minute)))
	assert.Less(t, score.Score, 100.0)
	assert.Equal(t, now, score.ComputedAt)
}

func TestScoreDecreasesMonotonically(t *testing.T) {
	s := newStore(t)
	sc := newScorer(s, observed{1: true}, nil)
	ctx := context.Background()

	prev, err := sc.Score(ctx, 1, 24*time.Hour)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		addTrip(t, s, string(rune('a'+i)), 1, time.Duration(i+1)*time.Hour, 5*time.Minute)
		next, err := sc.Score(ctx, 1, 24*time.Hour)
		require.NoError(t, err)
		assert.Less(t, next.Score, prev.Score)
		prev = next
	}

	again, err := sc.Score(ctx, 1, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, prev, again, "identical input gives identical output")
}

func TestCurves(t *testing.T) {
	exp := ExponentialCurve{TripScale: 20, DowntimeScale: 24 * time.Hour}
	assert.Equal(t, 100.0, exp.Score(0, 0))
	assert.InDelta(t, 100/2.718281828, exp.Score(20, 0), 0.01)
	assert.Greater(t, exp.Score(1, time.Minute), exp.Score(1, time.Hour))
	assert.Greater(t, exp.Score(1, time.Hour), exp.Score(2, time.Hour))

	lin := LinearCurve{PerTrip: 5}
	assert.Equal(t, 100.0, lin.Score(0, time.Hour))
	assert.Equal(t, 50.0, lin.Score(10, 0))
	assert.Equal(t, 0.0, clamp(lin.Score(30, 0)))

	_, err := NewCurve("cubic", 20, time.Hour)
	assert.Error(t, err)
	c, err := NewCurve(CurveLinear, 0, 0)
	require.NoError(t, err)
	assert.IsType(t, LinearCurve{}, c)
}

func TestLinearCurveFromScalesCountsDowntime(t *testing.T) {
	c, err := NewCurve(CurveLinear, 20, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, LinearCurve{PerTrip: 5, PerHour: 100.0 / 24}, c)

	assert.Equal(t, 95.0, c.Score(1, 0))
	assert.Less(t, c.Score(1, time.Hour), c.Score(1, 0))
	assert.Less(t, c.Score(1, 6*time.Hour), c.Score(1, time.Hour))
	assert.InDelta(t, 0.0, c.Score(0, 24*time.Hour), 1e-9)
}

func TestLinearCurveBands(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 5; i++ {
		addTrip(t, s, string(rune('a'+i)), 1, time.Duration(i+1)*time.Hour, time.Minute)
	}
	sc := newScorer(s, observed{1: true}, LinearCurve{PerTrip: 5})

	score, err := sc.Score(context.Background(), 1, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 75.0, score.Score)
	assert.Equal(t, models.BandWarning, score.Band)
}

func TestScoreAllSkipsUnknownUnits(t *testing.T) {
	s := newStore(t)
	addTrip(t, s, "x", 3, time.Hour, time.Minute)

	scores, err := newScorer(s, observed{1: true}, nil).ScoreAll(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, 1, scores[0].UnitID)
	assert.Equal(t, 3, scores[1].UnitID)
	assert.Equal(t, 1, scores[1].TripCount)
}

func TestInvalidLookback(t *testing.T) {
	_, err := newScorer(newStore(t), observed{1: true}, nil).Score(context.Background(), 1, 0)
	assert.Error(t, err)
}
