package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/internal/models"
)

func newTestMirror(t *testing.T, maxTrips int64) (*Mirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := newMirror(client, config.RedisConfig{Prefix: "test", MaxTrips: maxTrips}, nil)
	return m, mr
}

var at = time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)

func TestWriteSnapshot(t *testing.T) {
	m, mr := newTestMirror(t, 10)
	ctx := context.Background()
	require.NoError(t, m.Ping(ctx))

	units := []models.UnitState{
		{UnitID: 1, UnitName: "LINE 7 MIXER", Status: models.StatusRunning,
			Reading: models.UnitReading{UnitID: 1, Timestamp: at, Ready: true, Running: true, Pressure: 45.25, Speed: 1200}},
		{UnitID: 2, UnitName: "LINE 7 AHU/SYRUP ROOM", Status: models.StatusTrip,
			Reading:  models.UnitReading{UnitID: 2, Timestamp: at, Tripped: true},
			OpenTrip: &models.TripEvent{EventID: "abc", UnitID: 2, OnsetTimestamp: at}},
	}
	require.NoError(t, m.WriteSnapshot(ctx, units, models.LinkStatus{Connected: true, Since: at}))

	assert.Equal(t, "RUNNING", mr.HGet("test:unit:1", "status"))
	assert.Equal(t, "45.25", mr.HGet("test:unit:1", "pressure"))
	assert.Equal(t, "1", mr.HGet("test:unit:1", "running"))
	assert.Equal(t, "LINE 7 MIXER", mr.HGet("test:unit:1", "name"))
	assert.Equal(t, "abc", mr.HGet("test:unit:2", "open_trip"))
	assert.Equal(t, "1", mr.HGet("test:status", "connected"))
	assert.Equal(t, "0", mr.HGet("test:status", "stale"))
	assert.Equal(t, int64(1), m.Stats().Written)
}

func TestWriteEventCapsTripLog(t *testing.T) {
	m, mr := newTestMirror(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ts := at.Add(time.Duration(i) * time.Minute)
		ev := models.DomainEvent{Kind: models.TripOpened, UnitID: 1, Timestamp: ts,
			Trip: &models.TripEvent{EventID: fmt.Sprintf("t%d", i), UnitID: 1, OnsetTimestamp: ts}}
		require.NoError(t, m.WriteEvent(ctx, ev))
	}

	members, err := mr.ZMembers("test:trips")
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Contains(t, members[2], `"event_id":"t4"`)

	count, err := mr.Get("test:unit:1:trips")
	require.NoError(t, err)
	assert.Equal(t, "5", count)
}

func TestAlarmEventUpdatesStatus(t *testing.T) {
	m, mr := newTestMirror(t, 10)
	require.NoError(t, m.WriteEvent(context.Background(), models.DomainEvent{Kind: models.AlarmRaised, Timestamp: at}))

	assert.Equal(t, "1", mr.HGet("test:status", "system_alarm"))
	assert.False(t, mr.Exists("test:trips"))
}

func TestBreakerOpensWhenRedisIsDown(t *testing.T) {
	m, mr := newTestMirror(t, 10)
	mr.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, m.WriteSnapshot(ctx, nil, models.LinkStatus{}))
	}
	err := m.WriteSnapshot(ctx, nil, models.LinkStatus{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, "open", m.Stats().Breaker)
	assert.Equal(t, int64(4), m.Stats().Failed)
}

func TestHandlersNeverBlock(t *testing.T) {
	m, _ := newTestMirror(t, 10)

	done := make(chan struct{})
	go func() {
		for i := 0; i < jobBuffer*3; i++ {
			m.HandleSnapshot(nil, models.LinkStatus{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler blocked without a running mirror")
	}
	assert.Equal(t, int64(jobBuffer*2), m.Stats().Skipped)
}

func TestRunDrainsQueue(t *testing.T) {
	m, mr := newTestMirror(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.HandleEvent(models.DomainEvent{Kind: models.TripOpened, UnitID: 2, Timestamp: at,
		Trip: &models.TripEvent{EventID: "run", UnitID: 2, OnsetTimestamp: at}})

	require.Eventually(t, func() bool { return mr.Exists("test:trips") }, time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
