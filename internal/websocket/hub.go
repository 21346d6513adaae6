// Package websocket fans live pump state out to subscribers and serves it over WebSocket.
package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/pkg/logger"
)

var (
	// ErrSlowConsumer ends a subscription whose queue cannot take a trip event
	ErrSlowConsumer = errors.New("websocket: slow consumer")
	// ErrHubClosed is returned by Subscribe after shutdown and ends open subscriptions
	ErrHubClosed = errors.New("websocket: hub closed")
)

// HubConfig tunes the hub
type HubConfig struct {
	// QueueSize is the outbound queue capacity of each subscriber
	QueueSize int
	// MinSnapshotInterval rate-limits snapshot fan-out. Events and status are never limited.
	MinSnapshotInterval time.Duration
}

// HubStats are exposed on the debug endpoint
type HubStats struct {
	Subscribers      int   `json:"subscribers"`
	TotalSubscribers int64 `json:"total_subscribers"`
	Published        int64 `json:"published"`
	Dropped          int64 `json:"dropped"`
	SlowConsumers    int64 `json:"slow_consumers"`
	Throttled        int64 `json:"throttled"`
}

// Hub distributes snapshots and events to every subscriber without ever
// blocking the publisher.
type Hub struct {
	cfg     HubConfig
	metrics *metrics.Collector
	now     func() time.Time

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	stateMu        sync.Mutex
	latest         []models.UnitState
	status         *models.LinkStatus
	lastSnapshotAt time.Time

	totalSubs atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64
	slow      atomic.Int64
	throttled atomic.Int64
}

// NewHub creates a hub
func NewHub(cfg HubConfig, m *metrics.Collector) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Hub{
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		subs:    make(map[string]*Subscription),
	}
}

// Run logs statistics until ctx is canceled, then closes every subscription
func (h *Hub) Run(ctx context.Context) error {
	logger.Info("Starting WebSocket hub")

	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return nil
		case <-statsTicker.C:
			s := h.Stats()
			logger.Infof("WebSocket stats: %d subscribers, %d published, %d dropped, %d slow consumers",
				s.Subscribers, s.Published, s.Dropped, s.SlowConsumers)
		}
	}
}

// Subscribe registers a subscriber. Its queue starts with a welcome message
// and, once a poll cycle has completed, the latest snapshot.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	sub := newSubscription(uuid.New().String(), h.cfg.QueueSize, h.now)
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.totalSubs.Add(1)
	h.metrics.SetSubscribers(count)
	logger.Infof("Subscriber %s connected. Total: %d", sub.id, count)

	sub.offer(NewWelcomeMessage(sub.id, h.now()))
	h.Resync(sub)
	return sub, nil
}

// Unsubscribe removes a subscriber. Calling it twice is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub, nil)
}

// Resync queues the latest snapshot for one subscriber
func (h *Hub) Resync(sub *Subscription) {
	h.stateMu.Lock()
	units := h.latest
	status := h.status
	h.stateMu.Unlock()

	if units == nil && status == nil {
		return
	}
	h.deliver(sub, NewSnapshotMessage(units, status, h.now()))
}

// Reply queues a direct answer to one subscriber
func (h *Hub) Reply(sub *Subscription, msg models.Message) {
	h.deliver(sub, msg)
}

// PublishSnapshot records the states of one poll cycle and fans them out,
// at most once per MinSnapshotInterval.
func (h *Hub) PublishSnapshot(units []models.UnitState) {
	now := h.now()

	h.stateMu.Lock()
	h.latest = units
	status := h.status
	throttled := h.cfg.MinSnapshotInterval > 0 && !h.lastSnapshotAt.IsZero() &&
		now.Sub(h.lastSnapshotAt) < h.cfg.MinSnapshotInterval
	if !throttled {
		h.lastSnapshotAt = now
	}
	h.stateMu.Unlock()

	if throttled {
		h.throttled.Add(1)
		return
	}
	h.broadcast(NewSnapshotMessage(units, status, now))
}

// PublishEvent fans out a trip or alarm transition
func (h *Hub) PublishEvent(ev models.DomainEvent) {
	h.broadcast(NewEventMessage(ev, h.now()))
}

// PublishStatus records and fans out a change of the PLC link
func (h *Hub) PublishStatus(status models.LinkStatus) {
	h.stateMu.Lock()
	s := status
	h.status = &s
	h.stateMu.Unlock()

	h.broadcast(NewStatusMessage(status, h.now()))
}

// PublishHealth fans out health scores
func (h *Hub) PublishHealth(scores []models.HealthScore) {
	h.broadcast(NewHealthMessage(scores, h.now()))
}

// Shutdown closes every subscription with ErrHubClosed and refuses new ones
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	logger.Infof("Closing %d WebSocket subscribers", len(subs))
	for _, sub := range subs {
		sub.close(ErrHubClosed)
	}
	h.metrics.SetSubscribers(0)
}

// ClientCount returns the number of subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns the hub counters
func (h *Hub) Stats() HubStats {
	return HubStats{
		Subscribers:      h.ClientCount(),
		TotalSubscribers: h.totalSubs.Load(),
		Published:        h.published.Load(),
		Dropped:          h.dropped.Load(),
		SlowConsumers:    h.slow.Load(),
		Throttled:        h.throttled.Load(),
	}
}

func (h *Hub) broadcast(msg models.Message) {
	h.published.Add(1)

	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.deliver(sub, msg)
	}
}

func (h *Hub) deliver(sub *Subscription, msg models.Message) {
	dropped, err := sub.offer(msg)
	if dropped {
		h.dropped.Add(1)
		h.metrics.SnapshotDropped()
	}
	if errors.Is(err, ErrSlowConsumer) {
		h.slow.Add(1)
		h.metrics.SlowConsumer()
		logger.Warnf("Disconnecting subscriber %s: %d messages queued and a %s message did not fit",
			sub.id, sub.Len(), msg.Type)
		h.remove(sub, ErrSlowConsumer)
	}
}

func (h *Hub) remove(sub *Subscription, reason error) {
	h.mu.Lock()
	_, ok := h.subs[sub.id]
	delete(h.subs, sub.id)
	count := len(h.subs)
	h.mu.Unlock()

	sub.close(reason)
	if ok {
		h.metrics.SetSubscribers(count)
		logger.Infof("Subscriber %s disconnected. Total: %d", sub.id, count)
	}
}
