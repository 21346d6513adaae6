package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/models"
)

var errDiskFull = errors.New("disk full")

// flakyAppender fails while failing is set, then records appends in order
type flakyAppender struct {
	mu       sync.Mutex
	failing  bool
	failNext int
	calls    int
	saved    []models.TripEvent
}

func (f *flakyAppender) Append(_ context.Context, ev models.TripEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if ev.EventID == "" {
		return ErrInvalidEvent
	}
	if f.failing {
		return errDiskFull
	}
	if f.failNext > 0 {
		f.failNext--
		return errDiskFull
	}
	f.saved = append(f.saved, ev)
	return nil
}

func (f *flakyAppender) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyAppender) savedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ids(f.saved)
}

func (f *flakyAppender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastWriter(a Appender, retries uint64) *Writer {
	w := NewWriter(a, WriterConfig{QueueSize: 4, RetryInterval: 10 * time.Millisecond}, nil)
	w.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), retries)
	}
	return w
}

func startWriter(t *testing.T, w *Writer) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	return done
}

func TestWriterPreservesOrder(t *testing.T) {
	a := &flakyAppender{}
	w := fastWriter(a, 3)
	done := startWriter(t, w)

	var want []string
	for i := 0; i < 20; i++ {
		ev := trip(fmt.Sprintf("o%02d", i), 1, i)
		want = append(want, ev.EventID)
		require.NoError(t, w.Enqueue(ev))
	}

	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, <-done)

	assert.Equal(t, want, a.savedIDs())
	assert.Zero(t, w.Pending())
	assert.Equal(t, int64(20), w.Stats().Appended)
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	a := &flakyAppender{failNext: 2}
	w := fastWriter(a, 5)
	done := startWriter(t, w)

	opened := trip("t1", 1, 0)
	require.NoError(t, w.Enqueue(opened))
	require.NoError(t, w.Enqueue(cleared(opened, time.Minute)))

	require.Eventually(t, func() bool { return w.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, <-done)

	saved := a.savedIDs()
	assert.Equal(t, []string{"t1", "t1"}, saved)
	stats := w.Stats()
	assert.Equal(t, int64(2), stats.Failures)
	assert.Zero(t, stats.Exhausted)
}

func TestWriterEscalatesAndKeepsEvent(t *testing.T) {
	a := &flakyAppender{failing: true}
	w := fastWriter(a, 1)
	done := startWriter(t, w)

	require.NoError(t, w.Enqueue(trip("held", 2, 0)))
	require.NoError(t, w.Enqueue(trip("behind", 2, 1)))

	require.Eventually(t, func() bool { return w.Stats().Exhausted >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, w.Pending(), "nothing is dropped while the store is down")

	a.setFailing(false)
	require.Eventually(t, func() bool { return w.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"held", "behind"}, a.savedIDs())

	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, <-done)
}

func TestWriterDropsInvalidWithoutRetry(t *testing.T) {
	a := &flakyAppender{}
	w := fastWriter(a, 5)
	done := startWriter(t, w)

	require.NoError(t, w.Enqueue(models.TripEvent{UnitID: 1}))
	require.NoError(t, w.Enqueue(trip("ok", 1, 0)))

	require.Eventually(t, func() bool { return w.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, <-done)

	assert.Equal(t, []string{"ok"}, a.savedIDs())
	assert.Equal(t, 2, a.callCount())
	assert.Equal(t, int64(1), w.Stats().Rejected)
}

func TestCloseFlushesWithoutRun(t *testing.T) {
	a := &flakyAppender{}
	w := fastWriter(a, 3)

	require.NoError(t, w.Enqueue(trip("a", 1, 0)))
	require.NoError(t, w.Enqueue(trip("b", 1, 1)))
	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, []string{"a", "b"}, a.savedIDs())
	assert.ErrorIs(t, w.Enqueue(trip("late", 1, 2)), ErrClosed)
	assert.NoError(t, w.Close(context.Background()), "second close is a no-op")
}

func TestCloseReportsUnsavedEvents(t *testing.T) {
	a := &flakyAppender{failing: true}
	w := fastWriter(a, 2)

	require.NoError(t, w.Enqueue(trip("lost-1", 1, 0)))
	require.NoError(t, w.Enqueue(trip("lost-2", 1, 1)))

	err := w.Close(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Contains(t, err.Error(), "2 trip events")
	assert.Equal(t, 2, w.Pending())
}

func TestWriterAgainstSQLite(t *testing.T) {
	s, _ := openTemp(t)
	w := NewWriter(s, WriterConfig{}, nil)
	done := startWriter(t, w)

	opened := trip("real", 3, 0)
	require.NoError(t, w.Enqueue(opened))
	require.NoError(t, w.Enqueue(cleared(opened, 45*time.Second)))
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, <-done)

	got, err := Collect(s.Query(context.Background(), ForUnit(3)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].ClearTimestamp)
	assert.Equal(t, 45*time.Second, got[0].ClearTimestamp.Sub(got[0].OnsetTimestamp))
}
