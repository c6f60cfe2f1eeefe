// Package xticker implements a variable-interval ticker: start it once,
// then change its period at runtime without losing the ability to stop
// it cleanly. It exists because the teacher's own `ticker` module was
// retrieved as a bare go.mod stub with no source, and nothing else in
// the pack ships a periodic-with-resettable-interval primitive; the
// Expert Runtime's profile-recompute and timeout-sweep loops and the
// Scheduler's expert-store poll all run on one.
package xticker

import "time"

// Ticker delivers ticks on C at the configured interval. Unlike
// time.Ticker, the interval may be changed after construction via
// Resume. All state but C is confined to the run
// goroutine; Resume and Force communicate with it over channels rather
// than sharing memory.
type Ticker struct {
	C <-chan time.Time

	c         chan time.Time
	interval  time.Duration
	resumeCh  chan time.Duration
	forceCh   chan time.Time
	t         *time.Timer
	quit      chan struct{}
	done      chan struct{}
}

// New creates a Ticker with the given interval. It does not start
// ticking until Start is called.
func New(interval time.Duration) *Ticker {
	c := make(chan time.Time, 1)
	return &Ticker{
		C:        c,
		c:        c,
		interval: interval,
		resumeCh: make(chan time.Duration),
		forceCh:  make(chan time.Time),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins delivering ticks at the configured interval.
func (t *Ticker) Start() {
	t.t = time.NewTimer(t.interval)
	go t.run()
}

func (t *Ticker) run() {
	defer close(t.done)
	for {
		select {
		case now := <-t.t.C:
			t.deliver(now)
			t.t.Reset(t.interval)

		case now := <-t.forceCh:
			t.deliver(now)

		case interval := <-t.resumeCh:
			t.interval = interval
			if !t.t.Stop() {
				select {
				case <-t.t.C:
				default:
				}
			}
			t.t.Reset(t.interval)

		case <-t.quit:
			t.t.Stop()
			return
		}
	}
}

func (t *Ticker) deliver(now time.Time) {
	select {
	case t.c <- now:
	default:
	}
}

// Resume changes the ticker's interval and restarts the current
// countdown with it. A no-op if the ticker was never started or has
// already been stopped.
func (t *Ticker) Resume(interval time.Duration) {
	if t.t == nil {
		return
	}
	select {
	case t.resumeCh <- interval:
	case <-t.quit:
	}
}

// Force delivers an immediate tick, used by tests to avoid waiting out
// a real interval. A no-op if the ticker was never started or has
// already been stopped.
func (t *Ticker) Force(now time.Time) {
	if t.t == nil {
		return
	}
	select {
	case t.forceCh <- now:
	case <-t.quit:
	}
}

// Stop halts the ticker. Idempotent. A no-op if Start was never called.
func (t *Ticker) Stop() {
	if t.t == nil {
		return
	}
	select {
	case <-t.quit:
	default:
		close(t.quit)
	}
	<-t.done
}
