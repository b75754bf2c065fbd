// Package eventhub implements an in-process, multi-channel publish/subscribe
// bus with bounded per-subscriber queues and a heartbeat-driven eviction
// sweep for stale subscribers.
//
// It is the in-memory analogue of the teacher's internal/mail router: named
// addresses there become named channels here, and the retention/pruning
// arithmetic that router applies to persisted announce logs becomes the
// drop-oldest queue policy applied to each subscriber's in-memory buffer.
package eventhub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default tuning, matching spec.md §4.2/§5.
const (
	DefaultQueueSize        = 64
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultAckDeadline       = 10 * time.Second
)

const pingEventType = "_ping"

// Event is one published message: a channel, a type discriminator, and a
// JSON-compatible payload.
type Event struct {
	Channel string
	Type    string
	Payload map[string]any
}

// Hub is a process-wide pub/sub singleton. Constructed once at start-up,
// shut down once at process exit (see SPEC_FULL.md "Global state").
type Hub struct {
	mu                sync.Mutex
	subs              map[string]map[string]*Subscription // channel -> id -> sub
	queueSize         int
	heartbeatInterval time.Duration
	ackDeadline       time.Duration
	stop              chan struct{}
	stopped           bool
	wg                sync.WaitGroup
}

// New constructs a Hub with the default heartbeat/queue tuning and starts
// its background heartbeat sweep.
func New() *Hub {
	h := &Hub{
		subs:              make(map[string]map[string]*Subscription),
		queueSize:         DefaultQueueSize,
		heartbeatInterval: DefaultHeartbeatInterval,
		ackDeadline:       DefaultAckDeadline,
		stop:              make(chan struct{}),
	}
	h.wg.Add(1)
	go h.heartbeatLoop()
	return h
}

// Close stops the heartbeat loop and closes every live subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.stop)
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, chanSubs := range h.subs {
		for _, sub := range chanSubs {
			sub.closeLocked()
		}
	}
	h.subs = make(map[string]map[string]*Subscription)
}

// Subscribe registers a new subscriber on channel and returns its handle.
func (h *Hub) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		id:      uuid.New().String(),
		channel: channel,
		hub:     h,
		queue:   make(chan Event, h.queueSize),
		closed:  make(chan struct{}),
		lastAck: time.Now(),
	}

	h.mu.Lock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[string]*Subscription)
	}
	h.subs[channel][sub.id] = sub
	h.mu.Unlock()

	return sub
}

// Publish delivers payload on channel to every live subscriber. Slow
// subscribers never block the publisher: a full queue drops its oldest
// entry to make room for the new one.
func (h *Hub) Publish(channel, eventType string, payload map[string]any) {
	h.mu.Lock()
	chanSubs := h.subs[channel]
	targets := make([]*Subscription, 0, len(chanSubs))
	for _, sub := range chanSubs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	ev := Event{Channel: channel, Type: eventType, Payload: payload}
	for _, sub := range targets {
		sub.enqueue(ev)
	}
}

// closeSub removes sub from the hub's bookkeeping. Called by Subscription.Close.
func (h *Hub) closeSub(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if chanSubs, ok := h.subs[sub.channel]; ok {
		delete(chanSubs, sub.id)
		if len(chanSubs) == 0 {
			delete(h.subs, sub.channel)
		}
	}
}

// heartbeatLoop periodically pings every live subscription and evicts any
// that fail to acknowledge within the ack deadline.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.pingAll()
		}
	}
}

func (h *Hub) pingAll() {
	h.mu.Lock()
	var all []*Subscription
	for _, chanSubs := range h.subs {
		for _, sub := range chanSubs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sentAt := sub.markPingSent()
		sub.enqueue(Event{Channel: sub.channel, Type: pingEventType})
		deadline := sentAt.Add(h.ackDeadline)
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		time.AfterFunc(wait, func() {
			if !sub.ackedSince(sentAt) {
				sub.Close()
			}
		})
	}
}

// Subscription is one subscriber's handle on a channel.
type Subscription struct {
	id      string
	channel string
	hub     *Hub
	queue   chan Event
	closed  chan struct{}

	mu         sync.Mutex
	closedOnce sync.Once
	isClosed   bool
	pingSentAt time.Time
	lastAck    time.Time
}

// ID returns the subscription's opaque identifier.
func (s *Subscription) ID() string { return s.id }

// Recv blocks until the next non-heartbeat event is available, the
// subscription is closed, or ctx is cancelled. Heartbeat pings are
// acknowledged and consumed internally; callers never see them.
func (s *Subscription) Recv(ctx context.Context) (Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-s.closed:
			return Event{}, false
		case ev, ok := <-s.queue:
			if !ok {
				return Event{}, false
			}
			if ev.Type == pingEventType {
				s.ack()
				continue
			}
			return ev, true
		}
	}
}

// Close unregisters the subscription from its hub and releases its queue.
func (s *Subscription) Close() {
	s.closedOnce.Do(func() {
		s.mu.Lock()
		s.isClosed = true
		s.mu.Unlock()
		close(s.closed)
		s.hub.closeSub(s)
	})
}

func (s *Subscription) closeLocked() {
	s.Close()
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.queue <- ev:
		return
	default:
	}
	// Drop-oldest: make room, then retry once.
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- ev:
	default:
	}
}

func (s *Subscription) markPingSent() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingSentAt = time.Now()
	return s.pingSentAt
}

func (s *Subscription) ack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAck = time.Now()
}

func (s *Subscription) ackedSince(sentAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return true // already gone; nothing more to evict
	}
	return !s.lastAck.Before(sentAt)
}
