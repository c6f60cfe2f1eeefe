// Package relay implements the Relay Transport of spec.md §4.2: fan-out
// publish to N relays, multiplex-subscribe with deduplication, and
// point-in-time query, all over a plain websocket wire protocol. Every
// relay is independent; a publish that succeeds on at least one relay is
// treated as a delivery (spec.md §4.2, §7 RelayPublishPartial).
package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askexperts/market/event"
)

// DefaultPublishDeadline, DefaultQueryDeadline and DefaultWaitForDeadline
// are the spec.md §5 defaults for publish(), query() and waitFor().
const (
	DefaultPublishDeadline = 5 * time.Second
	DefaultQueryDeadline   = 5 * time.Second
	DefaultWaitForDeadline = 30 * time.Second
)

// Pool is a shared, reference-counted set of relay connections. A single
// Pool is typically shared by every session within a process, per
// spec.md §5's shared-resource policy.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*conn
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[string]*conn)}
}

func (p *Pool) getConn(url string) (*conn, error) {
	p.mu.Lock()
	c, ok := p.conns[url]
	if ok {
		c.addRef()
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	newC, err := dial(url)
	if err != nil {
		return nil, err
	}
	newC.start()

	p.mu.Lock()
	if existing, raced := p.conns[url]; raced {
		p.mu.Unlock()
		newC.closeLocked()
		existing.addRef()
		return existing, nil
	}
	newC.addRef()
	p.conns[url] = newC
	p.mu.Unlock()

	return newC, nil
}

func (p *Pool) dropConn(url string, c *conn) {
	c.mu.Lock()
	refs := c.refs
	c.mu.Unlock()

	p.mu.Lock()
	if p.conns[url] == c && refs <= 0 {
		delete(p.conns, url)
	}
	p.mu.Unlock()
}

// Publish fans out ev to relays and returns the set of relays that
// acknowledged it within deadline. Per-relay failures are independent and
// are logged rather than propagated, per spec.md §4.2/§7.
func (p *Pool) Publish(ctx context.Context, ev *event.Event, relays []string, deadline time.Duration) map[string]bool {
	if deadline <= 0 {
		deadline = DefaultPublishDeadline
	}

	type result struct {
		url string
		ok  bool
	}
	results := make(chan result, len(relays))

	var wg sync.WaitGroup
	for _, url := range relays {
		url := url
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.getConn(url)
			if err != nil {
				log.Debugf("relay %s: dial failed: %v", url, err)
				results <- result{url, false}
				return
			}
			defer func() {
				c.release()
				p.dropConn(url, c)
			}()

			ok, err := c.publish(ev, deadline)
			if err != nil {
				log.Debugf("relay %s: publish failed: %v", url, err)
			}
			results <- result{url, ok}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	succeeded := make(map[string]bool)
	for r := range results {
		if r.ok {
			succeeded[r.url] = true
		}
	}

	if len(succeeded) == 0 {
		log.Warnf("relay: publish of %s succeeded on zero relays", ev.ID)
	} else if len(succeeded) < len(relays) {
		log.Debugf("relay: publish of %s succeeded on %d/%d relays",
			ev.ID, len(succeeded), len(relays))
	}

	return succeeded
}

// Subscribe opens a multiplexed subscription against every filter on
// every relay, deduplicating by event id across all of them. The returned
// Subscription must be Closed to release the underlying connections.
func (p *Pool) Subscribe(filters []Filter, relays []string) *Subscription {
	inner := newSubscription()
	subID := uuid.NewString()

	sub := &Subscription{
		Events: inner.events,
		EOSE:   inner.eose,
		pool:   p,
		inner:  inner,
		id:     subID,
		relays: make([]string, 0, len(relays)),
	}

	for _, url := range relays {
		c, err := p.getConn(url)
		if err != nil {
			log.Debugf("relay %s: dial failed: %v", url, err)
			continue
		}
		if err := c.req(subID, filters, inner); err != nil {
			log.Debugf("relay %s: REQ failed: %v", url, err)
			c.release()
			p.dropConn(url, c)
			continue
		}
		sub.relays = append(sub.relays, url)
	}

	return sub
}

func (p *Pool) closeSubscription(sub *Subscription) {
	for _, url := range sub.relays {
		p.mu.Lock()
		c, ok := p.conns[url]
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := c.closeSub(sub.id); err != nil {
			log.Debugf("relay %s: CLOSE failed: %v", url, err)
		}
		c.release()
		p.dropConn(url, c)
	}
}

// Query performs a point-in-time request: open a subscription, collect
// events until every relay has reported EOSE or deadline elapses, then
// return them sorted by creation time descending, per spec.md §4.2.
func (p *Pool) Query(ctx context.Context, filter Filter, relays []string, deadline time.Duration) []*event.Event {
	if deadline <= 0 {
		deadline = DefaultQueryDeadline
	}

	sub := p.Subscribe([]Filter{filter}, relays)
	defer sub.Close()

	var events []*event.Event
	pending := make(map[string]struct{}, len(sub.relays))
	for _, url := range sub.relays {
		pending[url] = struct{}{}
	}

	timeout := time.After(deadline)
	timedOut := false
waitLoop:
	for len(pending) > 0 && !timedOut {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				break waitLoop
			}
			events = append(events, ev)
		case marker := <-sub.EOSE:
			delete(pending, marker.Relay)
		case <-timeout:
			timedOut = true
		case <-ctx.Done():
			timedOut = true
		}
	}

	// Drain any events that arrived concurrently with the final EOSE,
	// without blocking further once the wire goes quiet.
	drain := time.After(50 * time.Millisecond)
drainLoop:
	for {
		select {
		case ev := <-sub.Events:
			events = append(events, ev)
		case <-drain:
			break drainLoop
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events
}

// WaitFor returns the first event matching filter across relays, or nil
// if deadline elapses first, per spec.md §4.2.
func (p *Pool) WaitFor(ctx context.Context, filter Filter, relays []string, deadline time.Duration) *event.Event {
	if deadline <= 0 {
		deadline = DefaultWaitForDeadline
	}

	sub := p.Subscribe([]Filter{filter}, relays)
	defer sub.Close()

	select {
	case ev := <-sub.Events:
		return ev
	case <-time.After(deadline):
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Close tears down every connection currently held by the pool,
// regardless of reference count. Intended for process shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.closeLocked()
	}
}
