package plc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/internal/tracker"
	"github.com/rufus800/challawa-np/pkg/logger"
	"github.com/rufus800/challawa-np/pkg/utils"
)

// EventSink receives trip records for durable storage. Enqueue must not block on I/O.
type EventSink interface {
	Enqueue(ev models.TripEvent) error
}

// Publisher fans live state out to subscribers. Calls must not block.
type Publisher interface {
	PublishSnapshot(units []models.UnitState)
	PublishEvent(ev models.DomainEvent)
	PublishStatus(status models.LinkStatus)
}

// EventHandler is called on the polling goroutine for every domain event
type EventHandler func(ev models.DomainEvent)

// SnapshotHandler is called on the polling goroutine after every successful cycle
type SnapshotHandler func(units []models.UnitState, status models.LinkStatus)

// ServiceStats are the loop counters exposed on the debug endpoint
type ServiceStats struct {
	Cycles        int64         `json:"cycles"`
	ReadErrors    int64         `json:"read_errors"`
	DecodeErrors  int64         `json:"decode_errors"`
	ConnectErrors int64         `json:"connect_errors"`
	UnknownUnits  int64         `json:"unknown_units"`
	OutOfOrder    int64         `json:"out_of_order"`
	Anomalies     int64         `json:"anomalies"`
	LastCycle     time.Duration `json:"last_cycle_ns"`
	LastCycleAt   time.Time     `json:"last_cycle_at"`
	Session       ClientStats   `json:"session"`
}

// Service is the polling loop. It owns the session and the tracker; every read
// and every state transition happens on the goroutine that calls Run.
type Service struct {
	cfg     *config.Config
	session Session
	layout  Layout
	tracker *tracker.Tracker
	events  EventSink
	hub     Publisher
	metrics *metrics.Collector

	now        func() time.Time
	newBackOff func() backoff.BackOff

	handlersLock     sync.RWMutex
	eventHandlers    []EventHandler
	snapshotHandlers []SnapshotHandler

	mutex    sync.RWMutex
	status   models.LinkStatus
	snapshot []models.UnitState
	observed map[int]bool
	running  bool

	// loop-owned
	decodeFailures int

	stats struct {
		cycles        atomic.Int64
		readErrors    atomic.Int64
		decodeErrors  atomic.Int64
		connectErrors atomic.Int64
		unknownUnits  atomic.Int64
		outOfOrder    atomic.Int64
		anomalies     atomic.Int64
		lastCycle     atomic.Int64
		lastCycleAt   atomic.Int64
	}
}

// NewService wires the polling loop. events and hub may be nil.
func NewService(cfg *config.Config, session Session, tr *tracker.Tracker, events EventSink, hub Publisher, m *metrics.Collector) *Service {
	s := &Service{
		cfg:      cfg,
		session:  session,
		layout:   LayoutFromConfig(cfg.PLC.Layout),
		tracker:  tr,
		events:   events,
		hub:      hub,
		metrics:  m,
		now:      time.Now,
		observed: make(map[int]bool),
		status:   models.LinkStatus{Since: time.Now()},
	}
	s.newBackOff = s.defaultBackOff
	return s
}

func (s *Service) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.PLC.ReconnectMin
	b.MaxInterval = s.cfg.PLC.ReconnectMax
	b.MaxElapsedTime = 0
	return b
}

// RegisterEventHandler adds a handler for domain events
func (s *Service) RegisterEventHandler(handler EventHandler) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// RegisterSnapshotHandler adds a handler for cycle snapshots
func (s *Service) RegisterSnapshotHandler(handler SnapshotHandler) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.snapshotHandlers = append(s.snapshotHandlers, handler)
}

// Run polls the controller every poll interval until ctx is canceled.
// The session is closed before Run returns.
func (s *Service) Run(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return errors.New("plc: service already running")
	}
	s.running = true
	s.mutex.Unlock()

	defer func() {
		if err := s.session.Close(); err != nil {
			logger.Error("Error closing PLC session", err)
		}
		s.mutex.Lock()
		s.running = false
		s.mutex.Unlock()
		logger.Info("PLC polling stopped")
	}()

	logger.Infof("Polling DB%d on %s every %s for %d units",
		s.cfg.DBNumber, s.cfg.PLCAddress, s.cfg.PollInterval(), s.cfg.UnitCount)

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		if !s.session.Valid() {
			if err := s.reconnect(ctx); err != nil {
				return nil
			}
		}

		s.runCycle(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// reconnect retries Connect with capped exponential backoff until it succeeds
// or ctx is canceled. Held state is flagged stale meanwhile.
func (s *Service) reconnect(ctx context.Context) error {
	op := func() error {
		err := s.session.Connect(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.stats.connectErrors.Add(1)
		s.metrics.PollError(metrics.KindConnect)
		s.markDisconnected(err)
		logger.Warnf("PLC connection failed, retrying in %s: %v", wait.Round(time.Millisecond), err)
	}

	return backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify)
}

// runCycle reads, decodes and folds one block. Errors never escape the cycle.
func (s *Service) runCycle(ctx context.Context) {
	started := time.Now()

	raw, err := s.session.ReadBlock(ctx, s.cfg.DBNumber, s.cfg.PLC.BlockOffset, s.cfg.ReadLength())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.stats.readErrors.Add(1)
		s.metrics.PollError(metrics.KindRead)
		s.markDisconnected(err)
		logger.Errorf("PLC read failed: %v", err)
		return
	}

	at := s.now()
	readings, err := s.layout.Decode(raw, s.cfg.UnitCount, at)
	if err != nil {
		s.decodeFailed(err)
		return
	}
	s.decodeFailures = 0
	s.markConnected(at)

	for _, reading := range readings {
		events, err := s.tracker.Observe(reading)
		switch {
		case errors.Is(err, tracker.ErrUnknownUnit):
			s.stats.unknownUnits.Add(1)
			s.metrics.PollError(metrics.KindUnknownUnit)
			logger.Warnf("Rejected reading: %v", err)
			continue
		case errors.Is(err, tracker.ErrOutOfOrder):
			s.stats.outOfOrder.Add(1)
			s.metrics.PollError(metrics.KindOutOfOrder)
			logger.Warnf("Rejected reading: %v", err)
			continue
		case err != nil:
			logger.Errorf("Unexpected tracker error for unit %d: %v", reading.UnitID, err)
			continue
		}

		s.mutex.Lock()
		s.observed[reading.UnitID] = true
		s.mutex.Unlock()

		for _, ev := range events {
			s.dispatch(ev)
		}
	}
	s.stats.anomalies.Store(int64(s.tracker.Anomalies()))

	snapshot := s.tracker.Snapshot()
	s.mutex.Lock()
	s.snapshot = snapshot
	status := s.status
	s.mutex.Unlock()

	if s.hub != nil {
		s.hub.PublishSnapshot(snapshot)
	}
	s.handlersLock.RLock()
	handlers := s.snapshotHandlers
	s.handlersLock.RUnlock()
	for _, handler := range handlers {
		handler(snapshot, status)
	}

	elapsed := time.Since(started)
	s.stats.cycles.Add(1)
	s.stats.lastCycle.Store(int64(elapsed))
	s.stats.lastCycleAt.Store(at.UnixNano())
	s.metrics.CycleCompleted(elapsed)

	if elapsed > s.cfg.PollInterval() {
		logger.Warnf("Poll cycle took %s, longer than the %s interval", elapsed, s.cfg.PollInterval())
	}
}

// decodeFailed drops the cycle. Repeated failures usually mean a desynchronized
// session, so the session is recycled after MaxDecodeErrors in a row.
func (s *Service) decodeFailed(err error) {
	s.stats.decodeErrors.Add(1)
	s.metrics.PollError(metrics.KindDecode)
	s.decodeFailures++
	logger.Errorf("Discarding PLC block: %v", err)

	limit := s.cfg.PLC.MaxDecodeErrors
	if limit > 0 && s.decodeFailures >= limit {
		logger.Warnf("%d consecutive decode errors, reconnecting", s.decodeFailures)
		s.decodeFailures = 0
		if cerr := s.session.Close(); cerr != nil {
			logger.Error("Error closing PLC session", cerr)
		}
		s.markDisconnected(err)
	}
}

func (s *Service) dispatch(ev models.DomainEvent) {
	switch ev.Kind {
	case models.TripOpened:
		s.metrics.TripOpened(ev.UnitID)
		logger.Warnf("TRIP on unit %d (%s) at %s, pressure %s bar, speed %s rpm",
			ev.UnitID, s.cfg.UnitName(ev.UnitID), ev.Timestamp.Format(time.RFC3339),
			utils.FormatFloat(float64(ev.Trip.PressureAtOnset), 2), utils.FormatFloat(float64(ev.Trip.SpeedAtOnset), 1))
	case models.TripCleared:
		s.metrics.TripCleared(ev.UnitID)
		logger.Infof("Trip cleared on unit %d (%s) after %s",
			ev.UnitID, s.cfg.UnitName(ev.UnitID), ev.Trip.Duration(ev.Timestamp).Round(time.Second))
	default:
		s.metrics.AlarmTransition(string(ev.Kind))
		logger.Warnf("System alarm %s at %s", ev.Kind, ev.Timestamp.Format(time.RFC3339))
	}

	if ev.Kind.IsTrip() && ev.Trip != nil && s.events != nil {
		if err := s.events.Enqueue(*ev.Trip); err != nil {
			logger.Critical("Trip event could not be queued for storage", err)
		}
	}

	if s.hub != nil {
		s.hub.PublishEvent(ev)
	}

	s.handlersLock.RLock()
	handlers := s.eventHandlers
	s.handlersLock.RUnlock()
	for _, handler := range handlers {
		handler(ev)
	}
}

func (s *Service) markConnected(at time.Time) {
	s.mutex.Lock()
	changed := !s.status.Connected
	if changed {
		if s.status.ConsecutiveFailures > 0 {
			logger.Infof("PLC communication restored after %d failures", s.status.ConsecutiveFailures)
		}
		s.status = models.LinkStatus{Connected: true, Since: at}
	}
	s.status.LastSuccess = at
	status := s.status
	s.mutex.Unlock()

	if changed {
		s.metrics.SetConnected(true)
		if s.hub != nil {
			s.hub.PublishStatus(status)
		}
	}
}

func (s *Service) markDisconnected(err error) {
	s.mutex.Lock()
	prev := s.status
	next := prev
	next.Connected = false
	next.Stale = len(s.snapshot) > 0
	next.ConsecutiveFailures++
	if err != nil {
		next.LastError = err.Error()
	}
	if prev.Connected || prev.Stale != next.Stale {
		next.Since = s.now()
	}
	s.status = next
	s.mutex.Unlock()

	if prev.Connected != next.Connected || prev.Stale != next.Stale || prev.LastError != next.LastError {
		s.metrics.SetConnected(false)
		if s.hub != nil {
			s.hub.PublishStatus(next)
		}
	}
	if prev.Connected {
		logger.Warnf("PLC link lost, holding last known state: %v", err)
	}
}

// Status returns the current link status
func (s *Service) Status() models.LinkStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}

// Snapshot returns the unit states of the last successful cycle
func (s *Service) Snapshot() []models.UnitState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]models.UnitState, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

// Observed reports whether a live reading was ever accepted for the unit
func (s *Service) Observed(unitID int) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.observed[unitID]
}

// IsRunning reports whether Run is active
func (s *Service) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// Stats returns the loop counters
func (s *Service) Stats() ServiceStats {
	stats := ServiceStats{
		Cycles:        s.stats.cycles.Load(),
		ReadErrors:    s.stats.readErrors.Load(),
		DecodeErrors:  s.stats.decodeErrors.Load(),
		ConnectErrors: s.stats.connectErrors.Load(),
		UnknownUnits:  s.stats.unknownUnits.Load(),
		OutOfOrder:    s.stats.outOfOrder.Load(),
		Anomalies:     s.stats.anomalies.Load(),
		LastCycle:     time.Duration(s.stats.lastCycle.Load()),
	}
	if ns := s.stats.lastCycleAt.Load(); ns > 0 {
		stats.LastCycleAt = time.Unix(0, ns)
	}
	if c, ok := s.session.(interface{ Stats() ClientStats }); ok {
		stats.Session = c.Stats()
	}
	return stats
}
