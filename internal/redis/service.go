// Package redis mirrors the live pump state into Redis for external dashboards.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/pkg/logger"
	"github.com/rufus800/challawa-np/pkg/utils"
)

const (
	jobBuffer    = 64
	writeTimeout = 2 * time.Second
)

// ErrMirrorBusy means a write was skipped because the mirror queue was full
var ErrMirrorBusy = errors.New("redis: mirror queue full")

type job struct {
	units  []models.UnitState
	status *models.LinkStatus
	event  *models.DomainEvent
}

// MirrorStats are exposed on the debug endpoint
type MirrorStats struct {
	Written int64  `json:"written"`
	Failed  int64  `json:"failed"`
	Skipped int64  `json:"skipped"`
	Breaker string `json:"breaker"`
}

// Mirror writes snapshots and trip events to Redis on its own goroutine.
// The polling loop only hands work over; Redis outages trip a circuit breaker
// and never slow the loop down.
type Mirror struct {
	client   *redis.Client
	prefix   string
	maxTrips int64
	breaker  *gobreaker.CircuitBreaker
	metrics  *metrics.Collector
	jobs     chan job

	written atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

// NewMirror creates a mirror for the configured server. Nothing is dialed yet.
func NewMirror(cfg config.RedisConfig, m *metrics.Collector) *Mirror {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newMirror(client, cfg, m)
}

func newMirror(client *redis.Client, cfg config.RedisConfig, m *metrics.Collector) *Mirror {
	maxTrips := cfg.MaxTrips
	if maxTrips <= 0 {
		maxTrips = 1000
	}
	return &Mirror{
		client:   client,
		prefix:   cfg.Prefix,
		maxTrips: maxTrips,
		metrics:  m,
		jobs:     make(chan job, jobBuffer),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "redis-mirror",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warnf("Circuit breaker %s: %s -> %s", name, from, to)
			},
		}),
	}
}

// Ping checks the connection
func (m *Mirror) Ping(ctx context.Context) error {
	result, err := m.client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	logger.Infof("Redis mirror connected. Response: %s", result)
	return nil
}

// HandleSnapshot queues a snapshot write without blocking
func (m *Mirror) HandleSnapshot(units []models.UnitState, status models.LinkStatus) {
	m.offer(job{units: units, status: &status})
}

// HandleEvent queues a domain event write without blocking
func (m *Mirror) HandleEvent(ev models.DomainEvent) {
	m.offer(job{event: &ev})
}

func (m *Mirror) offer(j job) {
	select {
	case m.jobs <- j:
	default:
		m.skipped.Add(1)
		if j.event != nil {
			logger.Warnf("%v, %s for unit %d not mirrored", ErrMirrorBusy, j.event.Kind, j.event.UnitID)
		}
	}
}

// Run drains queued writes until ctx is canceled, then closes the client
func (m *Mirror) Run(ctx context.Context) error {
	defer m.client.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-m.jobs:
			var err error
			if j.event != nil {
				err = m.WriteEvent(ctx, *j.event)
			} else {
				err = m.WriteSnapshot(ctx, j.units, *j.status)
			}
			if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && ctx.Err() == nil {
				logger.Errorf("Redis mirror write failed: %v", err)
			}
		}
	}
}

// WriteSnapshot stores every unit and the link status in one pipeline
func (m *Mirror) WriteSnapshot(ctx context.Context, units []models.UnitState, status models.LinkStatus) error {
	return m.execute(ctx, func(ctx context.Context, pipe redis.Pipeliner) {
		for _, u := range units {
			fields := map[string]interface{}{
				"name":      u.UnitName,
				"status":    u.Status,
				"ready":     u.Reading.Ready,
				"running":   u.Reading.Running,
				"tripped":   u.Reading.Tripped,
				"pressure":  utils.FormatFloat(float64(u.Reading.Pressure), 3),
				"setpoint":  utils.FormatFloat(float64(u.Reading.PressureSetpoint), 3),
				"speed":     utils.FormatFloat(float64(u.Reading.Speed), 1),
				"timestamp": u.Reading.Timestamp.UnixMilli(),
				"open_trip": "",
			}
			if u.OpenTrip != nil {
				fields["open_trip"] = u.OpenTrip.EventID
			}
			pipe.HSet(ctx, m.unitKey(u.UnitID), fields)
		}

		pipe.HSet(ctx, m.key("status"), map[string]interface{}{
			"connected":  status.Connected,
			"stale":      status.Stale,
			"last_error": status.LastError,
			"since":      status.Since.UnixMilli(),
			"updated_at": time.Now().UnixMilli(),
		})
	})
}

// WriteEvent appends a domain event to the capped trip log and bumps counters
func (m *Mirror) WriteEvent(ctx context.Context, ev models.DomainEvent) error {
	member, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}

	return m.execute(ctx, func(ctx context.Context, pipe redis.Pipeliner) {
		switch ev.Kind {
		case models.AlarmRaised, models.AlarmCleared:
			pipe.HSet(ctx, m.key("status"), "system_alarm", ev.Kind == models.AlarmRaised)
			return
		case models.TripOpened:
			pipe.Incr(ctx, m.unitKey(ev.UnitID)+":trips")
		}

		key := m.key("trips")
		pipe.ZAdd(ctx, key, &redis.Z{
			Score:  float64(ev.Timestamp.UnixMilli()),
			Member: string(member),
		})
		pipe.ZRemRangeByRank(ctx, key, 0, -(m.maxTrips + 1))
	})
}

// Stats returns the mirror counters
func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{
		Written: m.written.Load(),
		Failed:  m.failed.Load(),
		Skipped: m.skipped.Load(),
		Breaker: m.breaker.State().String(),
	}
}

func (m *Mirror) execute(ctx context.Context, fill func(context.Context, redis.Pipeliner)) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			fill(ctx, pipe)
			return nil
		})
		return nil, err
	})
	if err != nil {
		m.failed.Add(1)
		m.metrics.MirrorFailure()
		return err
	}
	m.written.Add(1)
	return nil
}

func (m *Mirror) key(name string) string {
	return m.prefix + ":" + name
}

func (m *Mirror) unitKey(unitID int) string {
	return m.prefix + ":unit:" + strconv.Itoa(unitID)
}
