package websocket

import (
	"sync"
	"time"

	"github.com/rufus800/challawa-np/internal/models"
)

// Subscription is one subscriber's bounded outbound queue.
//
// When the queue is full a new message evicts the oldest queued message that is
// not a trip or alarm event, and the subscriber later receives a single dropped
// marker with the number of messages it lost. Events are never evicted: an
// event that finds the queue full of events ends the subscription with
// ErrSlowConsumer, and any other message is discarded and counted instead.
type Subscription struct {
	id       string
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	queue   []models.Message
	dropped int
	closed  bool
	err     error

	wake chan struct{}
	done chan struct{}
	out  chan models.Message
}

func newSubscription(id string, capacity int, now func() time.Time) *Subscription {
	s := &Subscription{
		id:       id,
		capacity: capacity,
		now:      now,
		queue:    make([]models.Message, 0, capacity),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan models.Message),
	}
	go s.pump()
	return s
}

// ID returns the subscriber id
func (s *Subscription) ID() string {
	return s.id
}

// C delivers queued messages in order. It is closed when the subscription ends.
func (s *Subscription) C() <-chan models.Message {
	return s.out
}

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended, nil after a normal unsubscribe
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the number of queued messages
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// offer queues msg without blocking. It returns ErrSlowConsumer when an event
// does not fit, and reports whether an older message was dropped.
func (s *Subscription) offer(msg models.Message) (dropped bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, nil
	}

	if len(s.queue) < s.capacity {
		s.queue = append(s.queue, msg)
		s.signal()
		return false, nil
	}

	for i, queued := range s.queue {
		if queued.Priority() {
			continue
		}
		copy(s.queue[i:], s.queue[i+1:])
		s.queue[len(s.queue)-1] = msg
		s.dropped++
		s.signal()
		return true, nil
	}

	// Only events are queued.
	if msg.Priority() {
		return false, ErrSlowConsumer
	}
	s.dropped++
	s.signal()
	return true, nil
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) close(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	s.queue = nil
	close(s.done)
	return true
}

// next blocks until a message is available or the subscription ends
func (s *Subscription) next() (models.Message, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return models.Message{}, false
		}
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return NewDroppedMessage(n, s.now()), true
		}
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = models.Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return models.Message{}, false
		}
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		msg, ok := s.next()
		if !ok {
			return
		}
		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
