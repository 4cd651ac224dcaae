// Package events provides the in-memory, correlation-id-keyed
// publish/subscribe bus that carries pipeline progress to SSE consumers.
package events

import (
	"sync"
	"time"

	"github.com/choruslabs/chorus-gateway/internal/metrics"
)

// Event is one progress notification for a request. Heartbeats carry an
// empty Name; consumers must tolerate both shapes.
type Event struct {
	CorrelationID string      `json:"correlation_id"`
	Name          string      `json:"name,omitempty"`
	Payload       interface{} `json:"payload,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// IsHeartbeat reports whether the event is an injected keep-alive.
func (e Event) IsHeartbeat() bool {
	return e.Name == ""
}

// Config holds the bus tunables.
type Config struct {
	// QueueSize bounds the per-correlation buffer and each subscriber
	// channel. When full, the oldest entry is evicted; Publish never blocks.
	QueueSize int
	// HeartbeatInterval is how often an empty-name event is injected into
	// every open subscription.
	HeartbeatInterval time.Duration
	// Retention is how long a released queue is kept for late subscribers
	// before its buffer is torn down.
	Retention time.Duration
}

// DefaultConfig returns the default bus tunables.
func DefaultConfig() Config {
	return Config{
		QueueSize:         1000,
		HeartbeatInterval: 15 * time.Second,
		Retention:         5 * time.Minute,
	}
}

// Bus fans events out per correlation id. Each subscriber holds its own
// cursor over the same buffered history: a slow subscriber only loses its
// own oldest events, never the publisher's progress.
type Bus struct {
	mu     sync.Mutex
	queues map[string]*queue
	cfg    Config
}

// NewBus creates an empty bus.
func NewBus(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Bus{queues: make(map[string]*queue), cfg: cfg}
}

type queue struct {
	mu     sync.Mutex
	buf    []Event
	cap    int
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Publish appends an event to the correlation id's buffer and fans it out.
// It never blocks: a full buffer or subscriber channel evicts its oldest
// entry to make room.
func (b *Bus) Publish(correlationID, name string, payload interface{}) {
	e := Event{
		CorrelationID: correlationID,
		Name:          name,
		Payload:       payload,
		Timestamp:     time.Now(),
	}

	q := b.queueFor(correlationID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
	}
	q.buf = append(q.buf, e)
	metrics.EventsPublished.Inc()

	for _, s := range q.subs {
		s.send(e)
	}
}

// Subscribe returns a channel of events for the correlation id, starting
// with a replay of everything already buffered, plus a cancel function.
// Each call gets an independent cursor; subscribing never blocks Publish.
func (b *Bus) Subscribe(correlationID string) (<-chan Event, func()) {
	q := b.queueFor(correlationID)

	q.mu.Lock()
	s := &subscriber{
		ch:   make(chan Event, b.cfg.QueueSize),
		done: make(chan struct{}),
	}
	for _, e := range q.buf {
		s.send(e)
	}
	id := q.nextID
	q.nextID++
	if q.subs == nil {
		q.subs = make(map[int]*subscriber)
	}
	q.subs[id] = s
	q.mu.Unlock()

	go b.heartbeat(correlationID, q, s)

	// Membership in q.subs decides who closes the channels: Close removes
	// every subscriber before closing them, so a later cancel finds nothing
	// to tear down. This also makes cancel idempotent.
	cancel := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.subs[id]; !ok {
			return
		}
		delete(q.subs, id)
		close(s.done)
		close(s.ch)
	}
	return s.ch, cancel
}

// Close tears down the queue for a correlation id, disconnecting all of
// its subscribers and releasing the buffered events.
func (b *Bus) Close(correlationID string) {
	b.mu.Lock()
	q, ok := b.queues[correlationID]
	delete(b.queues, correlationID)
	b.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	q.closed = true
	for id, s := range q.subs {
		delete(q.subs, id)
		close(s.done)
		close(s.ch)
	}
	q.buf = nil
	q.mu.Unlock()
}

// Release schedules queue teardown after the retention window. Requests
// whose clients never open an event stream, or disconnect before the
// terminal frame, would otherwise keep their buffer alive forever; a stream
// that does observe the terminal event still closes the queue immediately.
func (b *Bus) Release(correlationID string) {
	time.AfterFunc(b.cfg.Retention, func() { b.Close(correlationID) })
}

// Buffered returns how many events are currently held for a correlation id.
func (b *Bus) Buffered(correlationID string) int {
	b.mu.Lock()
	q, ok := b.queues[correlationID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (b *Bus) queueFor(correlationID string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[correlationID]
	if !ok {
		q = &queue{cap: b.cfg.QueueSize, subs: make(map[int]*subscriber)}
		b.queues[correlationID] = q
	}
	return q
}

// heartbeat injects a bare keep-alive event into one subscription until it
// is cancelled. Heartbeats bypass the shared buffer: they are per-cursor.
func (b *Bus) heartbeat(correlationID string, q *queue, s *subscriber) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			q.mu.Lock()
			select {
			case <-s.done:
			default:
				s.send(Event{CorrelationID: correlationID, Timestamp: time.Now()})
			}
			q.mu.Unlock()
		}
	}
}

// send delivers without blocking, evicting the subscriber's own oldest
// event when its channel is full. Callers hold the queue lock.
func (s *subscriber) send(e Event) {
	select {
	case s.ch <- e:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}
