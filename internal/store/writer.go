package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/pkg/logger"
)

// Appender is the durable side of the writer
type Appender interface {
	Append(ctx context.Context, ev models.TripEvent) error
}

// WriterConfig tunes retries
type WriterConfig struct {
	// QueueSize is the backlog above which the writer warns. Events are never refused for space.
	QueueSize int
	// RetryBudget bounds the retries of one append before it is escalated
	RetryBudget time.Duration
	// RetryInterval is the pause after an escalation before the same event is tried again
	RetryInterval time.Duration
}

// WriterStats are exposed on the debug endpoint
type WriterStats struct {
	Pending   int   `json:"pending"`
	Appended  int64 `json:"appended"`
	Failures  int64 `json:"failures"`
	Exhausted int64 `json:"exhausted"`
	Rejected  int64 `json:"rejected"`
}

// Writer persists trip events on a single goroutine, in the order they were enqueued.
// An open and its later clear therefore always reach the store in that order.
type Writer struct {
	store   Appender
	cfg     WriterConfig
	metrics *metrics.Collector

	mu      sync.Mutex
	pending []models.TripEvent
	closed  bool

	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool

	appended  atomic.Int64
	failures  atomic.Int64
	exhausted atomic.Int64
	rejected  atomic.Int64

	newBackOff func() backoff.BackOff
}

// NewWriter creates a writer. Call Run to start it and Close to flush it.
func NewWriter(store Appender, cfg WriterConfig, m *metrics.Collector) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}

	w := &Writer{
		store:   store,
		cfg:     cfg,
		metrics: m,
		pending: make([]models.TripEvent, 0, 16),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.newBackOff = w.defaultBackOff
	return w
}

func (w *Writer) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = w.cfg.RetryBudget
	return b
}

// Enqueue hands an event to the writer without waiting for disk I/O
func (w *Writer) Enqueue(ev models.TripEvent) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.pending = append(w.pending, ev.Clone())
	n := len(w.pending)
	w.mu.Unlock()

	w.metrics.SetStoreQueue(n)
	if n == w.cfg.QueueSize+1 {
		logger.Warnf("Trip event backlog above %d, the store is falling behind", w.cfg.QueueSize)
	}

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run appends queued events until ctx is canceled or Close is called
func (w *Writer) Run(ctx context.Context) error {
	w.started.Store(true)
	defer close(w.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		ev, ok := w.head()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-w.notify:
				continue
			}
		}

		err := w.appendWithRetry(ctx, ev)
		switch {
		case err == nil:
			w.pop()
		case ctx.Err() != nil:
			// Close drains what is left.
			return nil
		case errors.Is(err, ErrInvalidEvent):
			w.rejected.Add(1)
			logger.Error("Dropping trip event the store refuses", err)
			w.pop()
		default:
			w.escalate(ev, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.RetryInterval):
			}
		}
	}
}

// Close stops accepting events, waits for Run to return and flushes the backlog
// within ctx. Events still unsaved when ctx expires are logged in full.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stop)
	w.mu.Unlock()

	if w.started.Load() {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		ev, ok := w.head()
		if !ok {
			return nil
		}
		err := w.appendWithRetry(ctx, ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidEvent):
			w.rejected.Add(1)
			logger.Error("Dropping trip event the store refuses", err)
		default:
			left := w.Pending()
			w.escalate(ev, err)
			w.logUnsaved()
			return fmt.Errorf("store: %d trip events not persisted: %w", left, err)
		}
		w.pop()
	}
}

// Pending returns the backlog size
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Stats returns the writer counters
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Pending:   w.Pending(),
		Appended:  w.appended.Load(),
		Failures:  w.failures.Load(),
		Exhausted: w.exhausted.Load(),
		Rejected:  w.rejected.Load(),
	}
}

func (w *Writer) appendWithRetry(ctx context.Context, ev models.TripEvent) error {
	op := func() error {
		err := w.store.Append(ctx, ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidEvent) {
			return backoff.Permanent(err)
		}
		w.failures.Add(1)
		w.metrics.StoreFailure()
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warnf("Append of trip %s failed, retrying in %s: %v", ev.EventID, wait, err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(w.newBackOff(), ctx), notify); err != nil {
		return err
	}
	w.appended.Add(1)
	return nil
}

func (w *Writer) escalate(ev models.TripEvent, err error) {
	w.exhausted.Add(1)
	w.metrics.StoreExhausted()
	logger.Critical(fmt.Sprintf("Event store unavailable, trip %s for unit %d is held in memory", ev.EventID, ev.UnitID), err)
}

func (w *Writer) logUnsaved() {
	w.mu.Lock()
	unsaved := append([]models.TripEvent(nil), w.pending...)
	w.mu.Unlock()

	for _, ev := range unsaved {
		raw, _ := json.Marshal(ev)
		logger.Critical("Unsaved trip event: "+string(raw), nil)
	}
}

func (w *Writer) head() (models.TripEvent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return models.TripEvent{}, false
	}
	return w.pending[0], true
}

func (w *Writer) pop() {
	w.mu.Lock()
	w.pending[0] = models.TripEvent{}
	w.pending = w.pending[1:]
	n := len(w.pending)
	w.mu.Unlock()
	w.metrics.SetStoreQueue(n)
}
