package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-errors/errors"
	"github.com/gorilla/websocket"

	"github.com/askexperts/market/event"
)

// conn is a single relay's websocket connection, reference-counted across
// the subscriptions and in-flight publishes that use it. Its lifecycle
// idiom (atomic started/shutdown, wg+quit, single read goroutine,
// mutex-guarded writes)
// mirrors the teacher's peer.go connection handling.
type conn struct {
	url string

	started  int32
	shutdown int32

	ws *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	refs     int
	subs     map[string]*subscription
	pendingOK map[string]chan bool

	wg   sync.WaitGroup
	quit chan struct{}
}

func dial(url string) (*conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	c := &conn{
		url:       url,
		ws:        ws,
		subs:      make(map[string]*subscription),
		pendingOK: make(map[string]chan bool),
		quit:      make(chan struct{}),
	}
	return c, nil
}

func (c *conn) start() {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return
	}
	c.wg.Add(1)
	go c.readLoop()
}

func (c *conn) readLoop() {
	defer c.wg.Done()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			log.Debugf("relay %s: read error: %v", c.url, err)
			c.shutdownOnce()
			return
		}

		label, payload, err := decodeFrame(raw)
		if err != nil {
			log.Debugf("relay %s: malformed frame: %v", c.url, err)
			continue
		}

		switch label {
		case labelEvent:
			var m eventMsg
			if payload == nil || json.Unmarshal(payload, &m) != nil || m.Event == nil {
				continue
			}
			if !event.ValidateEvent(m.Event) {
				continue
			}
			c.dispatch(m.SubID, m.Event)

		case labelEOSE:
			var m eoseMsg
			if payload == nil || json.Unmarshal(payload, &m) != nil {
				continue
			}
			c.dispatchEOSE(m.SubID)

		case labelOK:
			var m okMsg
			if payload == nil || json.Unmarshal(payload, &m) != nil {
				continue
			}
			c.resolveOK(m.EventID, m.Ok)

		default:
			// Unrecognized frame labels are ignored so the wire
			// format can evolve, per spec.md §6.
		}
	}
}

func (c *conn) dispatch(subID string, ev *event.Event) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.deliver(c.url, ev)
}

func (c *conn) dispatchEOSE(subID string) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.deliverEOSE(c.url)
}

func (c *conn) resolveOK(eventID string, ok bool) {
	c.mu.Lock()
	ch, found := c.pendingOK[eventID]
	if found {
		delete(c.pendingOK, eventID)
	}
	c.mu.Unlock()
	if found {
		ch <- ok
	}
}

// publish writes ev and waits up to deadline for an OK acknowledgement.
func (c *conn) publish(ev *event.Event, deadline time.Duration) (bool, error) {
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.pendingOK[ev.ID] = ch
	c.mu.Unlock()

	frame, err := encodeFrame(labelEvent, eventMsg{Event: ev})
	if err != nil {
		return false, err
	}
	if err := c.write(frame); err != nil {
		c.mu.Lock()
		delete(c.pendingOK, ev.ID)
		c.mu.Unlock()
		return false, err
	}

	select {
	case ok := <-ch:
		return ok, nil
	case <-time.After(deadline):
		c.mu.Lock()
		delete(c.pendingOK, ev.ID)
		c.mu.Unlock()
		return false, errors.New("relay: publish deadline exceeded")
	case <-c.quit:
		return false, errors.New("relay: connection closed")
	}
}

func (c *conn) req(subID string, filters []Filter, sub *subscription) error {
	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()

	frame, err := encodeFrame(labelReq, reqMsg{SubID: subID, Filters: filters})
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *conn) closeSub(subID string) error {
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()

	frame, err := encodeFrame(labelClose, closeMsg{SubID: subID})
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if atomic.LoadInt32(&c.shutdown) == 1 {
		return errors.New("relay: connection closed")
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) addRef() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// release decrements the reference count and closes the connection once
// it reaches zero, as spec.md §4.2 requires ("connections are
// reference-counted and closed when no subscription references them").
func (c *conn) release() {
	c.mu.Lock()
	c.refs--
	shouldClose := c.refs <= 0
	c.mu.Unlock()
	if shouldClose {
		c.closeLocked()
	}
}

// shutdownOnce flips the shutdown flag, unblocks anyone waiting on quit,
// and closes the socket. It must only be called this way from inside
// readLoop itself: readLoop's own wg.Done is deferred until it returns,
// so waiting on wg here would deadlock against itself.
func (c *conn) shutdownOnce() {
	if !atomic.CompareAndSwapInt32(&c.shutdown, 0, 1) {
		return
	}
	close(c.quit)
	c.ws.Close()
}

// closeLocked is the external closer used by release and Pool.Close: it
// triggers the same shutdown and then waits for readLoop to exit.
func (c *conn) closeLocked() {
	c.shutdownOnce()
	c.wg.Wait()
}
