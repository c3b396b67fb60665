package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultVisibility is how long a delivery stays invisible before it is
	// considered lost and redelivered.
	DefaultVisibility = 5 * time.Minute
	// DefaultMaxReceive is the redelivery bound before a message moves to
	// the dead-letter list.
	DefaultMaxReceive = 5
)

// MemoryQueue is an in-memory Queue used for unit tests and local runs.
// It reproduces broker semantics: at-least-once delivery, visibility
// timeout, redelivery counting and dead-lettering. Time is driven by the
// injected clock so tests can expire deliveries deterministically.
type MemoryQueue struct {
	clock      clockwork.Clock
	visibility time.Duration
	maxReceive int

	mu       sync.Mutex
	nextID   int64
	ready    []*memEntry
	inflight map[int64]*memEntry
	dead     []Message
	closed   bool
	notify   chan struct{}
}

type memEntry struct {
	id       int64
	msg      Message
	receives int
	deadline time.Time
	settled  bool
}

// MemoryOption adjusts a memory queue.
type MemoryOption func(*MemoryQueue)

// WithClock injects a test clock.
func WithClock(clock clockwork.Clock) MemoryOption {
	return func(q *MemoryQueue) { q.clock = clock }
}

// WithVisibility overrides the visibility timeout.
func WithVisibility(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.visibility = d }
}

// WithMaxReceive overrides the dead-letter bound.
func WithMaxReceive(n int) MemoryOption {
	return func(q *MemoryQueue) { q.maxReceive = n }
}

// NewMemoryQueue builds an empty queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		clock:      clockwork.NewRealClock(),
		visibility: DefaultVisibility,
		maxReceive: DefaultMaxReceive,
		inflight:   make(map[int64]*memEntry),
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Send(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.nextID++
	if msg.ID == "" {
		msg.ID = "mem-" + strconv.FormatInt(q.nextID, 10)
	}
	q.ready = append(q.ready, &memEntry{id: q.nextID, msg: msg})
	q.wake()
	return nil
}

// Receive blocks until a message is available or the context is done.
func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.reclaimExpiredLocked()

		if len(q.ready) > 0 {
			e := q.ready[0]
			q.ready = q.ready[1:]
			e.receives++
			e.settled = false
			e.deadline = q.clock.Now().Add(q.visibility)
			q.inflight[e.id] = e
			rc := e.receives
			d := &Delivery{
				Message:      e.msg,
				ReceiveCount: rc,
				ack:          func() { q.settle(e, rc, true) },
				nack:         func() { q.settle(e, rc, false) },
			}
			q.mu.Unlock()
			return d, nil
		}

		// Nothing ready: wait for a send, a settlement or the earliest
		// inflight expiry.
		var timer <-chan time.Time
		if next, ok := q.earliestDeadlineLocked(); ok {
			timer = q.clock.After(next.Sub(q.clock.Now()))
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer:
		}
	}
}

// DeadLetters returns messages that exhausted their redelivery budget.
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.dead...)
}

// Len returns the number of immediately deliverable messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimExpiredLocked()
	return len(q.ready)
}

// Close rejects further sends and unblocks receivers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// settle resolves one delivery. A stale handle, one whose message was
// already reclaimed and redelivered, is ignored.
func (q *MemoryQueue) settle(e *memEntry, receiveCount int, ack bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.settled || e.receives != receiveCount {
		return
	}
	e.settled = true
	delete(q.inflight, e.id)
	if ack {
		return
	}
	if e.receives >= q.maxReceive {
		q.dead = append(q.dead, e.msg)
	} else {
		q.ready = append(q.ready, e)
	}
	q.wake()
}

// reclaimExpiredLocked redelivers inflight messages whose visibility
// timeout passed. Exhausted messages go to the dead-letter list.
func (q *MemoryQueue) reclaimExpiredLocked() {
	now := q.clock.Now()
	for id, e := range q.inflight {
		if e.deadline.After(now) {
			continue
		}
		delete(q.inflight, id)
		e.settled = true
		if e.receives >= q.maxReceive {
			q.dead = append(q.dead, e.msg)
		} else {
			q.ready = append(q.ready, e)
		}
	}
}

func (q *MemoryQueue) earliestDeadlineLocked() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, e := range q.inflight {
		if !found || e.deadline.Before(earliest) {
			earliest, found = e.deadline, true
		}
	}
	return earliest, found
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
