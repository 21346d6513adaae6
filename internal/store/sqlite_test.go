package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/models"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openTemp(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func trip(id string, unit int, onsetMin int) models.TripEvent {
	return models.TripEvent{
		EventID:         id,
		UnitID:          unit,
		OnsetTimestamp:  base.Add(time.Duration(onsetMin) * time.Minute),
		PressureAtOnset: 0,
		SpeedAtOnset:    1180.5,
	}
}

func cleared(ev models.TripEvent, after time.Duration) models.TripEvent {
	ts := ev.OnsetTimestamp.Add(after)
	ev.ClearTimestamp = &ts
	return ev
}

func ptr[T any](v T) *T { return &v }

func TestAppendAndQueryOrdered(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	// Appended out of onset order on purpose.
	for _, ev := range []models.TripEvent{trip("c", 1, 30), trip("a", 1, 10), trip("b", 2, 20), trip("d", 1, 20)} {
		require.NoError(t, s.Append(ctx, ev))
	}

	all, err := Collect(s.Query(ctx, Filter{}))
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"a", "b", "d", "c"}, ids(all))

	unit1, err := Collect(s.Query(ctx, ForUnit(1)))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d", "c"}, ids(unit1))
	for i := 1; i < len(unit1); i++ {
		assert.True(t, unit1[i].OnsetTimestamp.After(unit1[i-1].OnsetTimestamp))
	}
}

func TestFiltersCompose(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(ctx, trip(fmt.Sprintf("e%d", i), 1+i%2, i*10)))
	}

	from := base.Add(10 * time.Minute)
	to := base.Add(40 * time.Minute)

	got, err := Collect(s.Query(ctx, Filter{UnitID: ptr(2), From: &from, To: &to}))
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3"}, ids(got))

	got, err = Collect(s.Query(ctx, Filter{From: &from, To: &to}))
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, ids(got), "bounds are inclusive")

	got, err = Collect(s.Query(ctx, Filter{UnitID: ptr(9)}))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClearUpdateAndDurabilityAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	opened := trip("p1", 1, 0)
	require.NoError(t, s.Append(ctx, opened))
	require.NoError(t, s.Append(ctx, cleared(opened, 90*time.Second)))
	require.NoError(t, s.Append(ctx, trip("p2", 2, 5)))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := Collect(reopened.Query(ctx, Filter{}))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "p1", got[0].EventID)
	assert.True(t, got[0].OnsetTimestamp.Equal(opened.OnsetTimestamp))
	require.NotNil(t, got[0].ClearTimestamp)
	assert.True(t, got[0].ClearTimestamp.Equal(opened.OnsetTimestamp.Add(90*time.Second)))
	assert.Equal(t, models.Real(1180.5), got[0].SpeedAtOnset)
	assert.Nil(t, got[1].ClearTimestamp)

	open, err := reopened.OpenEvents(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p2", open[0].EventID)
}

func TestAppendIsIdempotent(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	ev := cleared(trip("x", 1, 0), time.Minute)
	require.NoError(t, s.Append(ctx, ev))
	require.NoError(t, s.Append(ctx, ev))
	// A late replay of the open record does not reopen the trip.
	require.NoError(t, s.Append(ctx, trip("x", 1, 0)))

	got, err := Collect(s.Query(ctx, Filter{}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].ClearTimestamp)
}

func TestAppendRejectsInvalidEvents(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Append(ctx, models.TripEvent{UnitID: 1, OnsetTimestamp: base}), ErrInvalidEvent)
	assert.ErrorIs(t, s.Append(ctx, models.TripEvent{EventID: "z", UnitID: 1}), ErrInvalidEvent)

	bad := trip("y", 1, 0)
	bad.ClearTimestamp = &bad.OnsetTimestamp
	assert.ErrorIs(t, s.Append(ctx, bad), ErrInvalidEvent)
}

func TestNonFiniteValuesRoundTrip(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	ev := trip("nan", 1, 0)
	ev.PressureAtOnset = models.Real(math.NaN())
	ev.SpeedAtOnset = models.Real(math.Inf(1))
	require.NoError(t, s.Append(ctx, ev))

	got, err := Collect(s.Query(ctx, Filter{}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, math.IsNaN(float64(got[0].PressureAtOnset)))
	assert.True(t, math.IsInf(float64(got[0].SpeedAtOnset), 1))
}

func TestQueryIsLazyAndRestartable(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, trip(fmt.Sprintf("r%d", i), 1, i)))
	}

	seq := s.Query(ctx, Filter{})

	var firstTwo []string
	for ev, err := range seq {
		require.NoError(t, err)
		firstTwo = append(firstTwo, ev.EventID)
		if len(firstTwo) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"r0", "r1"}, firstTwo)

	// Events appended after the sequence was created are seen on the next range.
	require.NoError(t, s.Append(ctx, trip("r5", 1, 5)))
	all, err := Collect(seq)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestConcurrentAppends(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for unit := 1; unit <= 4; unit++ {
		wg.Add(1)
		go func(unit int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ev := trip(fmt.Sprintf("u%d-%d", unit, i), unit, i)
				assert.NoError(t, s.Append(ctx, ev))
				assert.NoError(t, s.Append(ctx, cleared(ev, 30*time.Second)))
			}
		}(unit)
	}
	wg.Wait()

	all, err := Collect(s.Query(ctx, Filter{}))
	require.NoError(t, err)
	require.Len(t, all, 40)
	for _, ev := range all {
		require.NotNil(t, ev.ClearTimestamp, ev.EventID)
		assert.Equal(t, 30*time.Second, ev.ClearTimestamp.Sub(ev.OnsetTimestamp))
		assert.Equal(t, models.Real(1180.5), ev.SpeedAtOnset)
	}
}

func TestHasEvents(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, trip("h", 2, 0)))

	ok, err := s.HasEvents(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasEvents(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func ids(events []models.TripEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventID)
	}
	return out
}
