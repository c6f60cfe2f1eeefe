package relay

import (
	"sync"

	"github.com/askexperts/market/event"
)

// EOSEMarker is sent on Subscription.EOSE once a relay has reported
// "end of stored events" for this subscription, per spec.md §4.2. Live
// events may still follow.
type EOSEMarker struct {
	Relay string
}

// subscription is the internal, per-relay-connection delivery target a
// Subscription registers with every conn it spans.
type subscription struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	events   chan *event.Event
	eose     chan EOSEMarker
	eoseSent map[string]struct{}
}

func newSubscription() *subscription {
	return &subscription{
		seen:     make(map[string]struct{}),
		events:   make(chan *event.Event, 256),
		eose:     make(chan EOSEMarker, 16),
		eoseSent: make(map[string]struct{}),
	}
}

func (s *subscription) deliver(relayURL string, ev *event.Event) {
	s.mu.Lock()
	if _, dup := s.seen[ev.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[ev.ID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.events <- ev:
	default:
		// Slow consumer: drop rather than block the relay's read
		// loop. The caller is expected to drain Events promptly;
		// this only protects liveness of the connection.
		log.Warnf("subscription: dropping event %s, consumer too slow", ev.ID)
	}
}

func (s *subscription) deliverEOSE(relayURL string) {
	s.mu.Lock()
	if _, dup := s.eoseSent[relayURL]; dup {
		s.mu.Unlock()
		return
	}
	s.eoseSent[relayURL] = struct{}{}
	s.mu.Unlock()

	select {
	case s.eose <- EOSEMarker{Relay: relayURL}:
	default:
	}
}

// Subscription is the caller-facing handle returned by Pool.Subscribe.
// Deduplication by event id is performed across every relay the
// subscription spans, per spec.md §4.2.
type Subscription struct {
	Events <-chan *event.Event
	EOSE   <-chan EOSEMarker

	pool    *Pool
	inner   *subscription
	id      string
	relays  []string
	closeMu sync.Once
}

// Close releases every relay connection this subscription referenced, per
// spec.md §4.2 ("closing a subscription releases all relay connections").
// Idempotent.
func (s *Subscription) Close() {
	s.closeMu.Do(func() {
		s.pool.closeSubscription(s)
	})
}
