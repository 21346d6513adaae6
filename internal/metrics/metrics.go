// Package metrics exposes the monitor's Prometheus instruments.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "challawa"

// Error kinds recorded by PollError
const (
	KindConnect     = "connect"
	KindRead        = "read"
	KindDecode      = "decode"
	KindUnknownUnit = "unknown_unit"
	KindOutOfOrder  = "out_of_order"
)

// Collector groups every instrument
type Collector struct {
	pollCycles     prometheus.Counter
	pollErrors     *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	plcConnected   prometheus.Gauge
	tripsOpened    *prometheus.CounterVec
	tripsCleared   *prometheus.CounterVec
	alarms         *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	subscribers    prometheus.Gauge
	hubDropped     prometheus.Counter
	hubDisconnects prometheus.Counter
	storeQueue     prometheus.Gauge
	storeFailures  prometheus.Counter
	storeCritical  prometheus.Counter
	mirrorFailures prometheus.Counter
	forwardFailure prometheus.Counter
}

// New registers the instruments on reg
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		pollCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_cycles_total",
			Help: "Completed poll cycles.",
		}),
		pollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_errors_total",
			Help: "Poll cycle failures by kind.",
		}, []string{"kind"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_cycle_seconds",
			Help:    "Duration of a poll cycle from read to broadcast.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		plcConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "plc_connected",
			Help: "1 while the PLC session is up.",
		}),
		tripsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trips_opened_total",
			Help: "Trip onsets detected.",
		}, []string{"unit"}),
		tripsCleared: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trips_cleared_total",
			Help: "Trip clears detected.",
		}, []string{"unit"}),
		alarms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "system_alarm_transitions_total",
			Help: "System alarm edges.",
		}, []string{"kind"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trip_anomalies_total",
			Help: "Trip clears seen without an open trip.",
		}, []string{"unit"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hub_subscribers",
			Help: "Live subscribers.",
		}),
		hubDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "hub_dropped_messages_total",
			Help: "Snapshots dropped for slow subscribers.",
		}),
		hubDisconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "hub_slow_consumer_disconnects_total",
			Help: "Subscribers disconnected because an event could not be queued.",
		}),
		storeQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_queue_depth",
			Help: "Trip events waiting to be persisted.",
		}),
		storeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_append_failures_total",
			Help: "Failed append attempts.",
		}),
		storeCritical: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_retry_exhausted_total",
			Help: "Appends that exhausted the retry budget.",
		}),
		mirrorFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "redis_mirror_failures_total",
			Help: "Failed or rejected Redis mirror writes.",
		}),
		forwardFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mqtt_forward_failures_total",
			Help: "Events that could not be published to MQTT.",
		}),
	}
}

func unitLabel(unitID int) string {
	return strconv.Itoa(unitID)
}

// CycleCompleted records a successful poll cycle
func (c *Collector) CycleCompleted(d time.Duration) {
	if c == nil {
		return
	}
	c.pollCycles.Inc()
	c.cycleDuration.Observe(d.Seconds())
}

// PollError records a contained cycle failure
func (c *Collector) PollError(kind string) {
	if c == nil {
		return
	}
	c.pollErrors.WithLabelValues(kind).Inc()
}

// SetConnected tracks the session state
func (c *Collector) SetConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.plcConnected.Set(1)
	} else {
		c.plcConnected.Set(0)
	}
}

// TripOpened counts a trip onset
func (c *Collector) TripOpened(unitID int) {
	if c == nil {
		return
	}
	c.tripsOpened.WithLabelValues(unitLabel(unitID)).Inc()
}

// TripCleared counts a trip clear
func (c *Collector) TripCleared(unitID int) {
	if c == nil {
		return
	}
	c.tripsCleared.WithLabelValues(unitLabel(unitID)).Inc()
}

// AlarmTransition counts a system alarm edge
func (c *Collector) AlarmTransition(kind string) {
	if c == nil {
		return
	}
	c.alarms.WithLabelValues(kind).Inc()
}

// Anomaly counts a clear without an open trip
func (c *Collector) Anomaly(unitID int) {
	if c == nil {
		return
	}
	c.anomalies.WithLabelValues(unitLabel(unitID)).Inc()
}

// SetSubscribers tracks the hub population
func (c *Collector) SetSubscribers(n int) {
	if c == nil {
		return
	}
	c.subscribers.Set(float64(n))
}

// SnapshotDropped counts a dropped snapshot
func (c *Collector) SnapshotDropped() {
	if c == nil {
		return
	}
	c.hubDropped.Inc()
}

// SlowConsumer counts a subscriber disconnected on a full queue
func (c *Collector) SlowConsumer() {
	if c == nil {
		return
	}
	c.hubDisconnects.Inc()
}

// SetStoreQueue tracks the pending append count
func (c *Collector) SetStoreQueue(n int) {
	if c == nil {
		return
	}
	c.storeQueue.Set(float64(n))
}

// StoreFailure counts one failed append attempt
func (c *Collector) StoreFailure() {
	if c == nil {
		return
	}
	c.storeFailures.Inc()
}

// StoreExhausted counts an append that ran out of retries
func (c *Collector) StoreExhausted() {
	if c == nil {
		return
	}
	c.storeCritical.Inc()
}

// MirrorFailure counts a failed Redis write
func (c *Collector) MirrorFailure() {
	if c == nil {
		return
	}
	c.mirrorFailures.Inc()
}

// ForwardFailure counts a failed MQTT publish
func (c *Collector) ForwardFailure() {
	if c == nil {
		return
	}
	c.forwardFailure.Inc()
}
