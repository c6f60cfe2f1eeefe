package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a worker-side connection to a Scheduler, used by the
// worker process (spec.md §4.6's "workers connect to the scheduler and
// declare which experts they run") to advertise capacity and receive
// assignments.
type Client struct {
	ws       *websocket.Conn
	workerID string

	writeMu sync.Mutex

	// Messages delivers every scheduler -> worker message in arrival
	// order. It is closed when the underlying connection drops.
	Messages chan ClientMessage

	shutdown int32
	done     chan struct{}
	wg       sync.WaitGroup
}

// ClientMessage is one decoded scheduler -> worker message; exactly one
// of Job, Stop, or Restart is non-nil, selected by Type.
type ClientMessage struct {
	Type    MessageType
	Job     *JobPayload
	Stop    *StopPayload
	Restart *RestartPayload
}

// Dial connects to a scheduler listening at addr. workerID identifies
// this worker across reconnects; an empty string generates a random one
// for this Client.
func Dial(addr, workerID string) (*Client, error) {
	if workerID == "" {
		workerID = uuid.NewString()
	}
	ws, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	c := &Client{
		ws:       ws,
		workerID: workerID,
		Messages: make(chan ClientMessage, 16),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.Messages)
	defer c.ws.Close()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			log.Debugf("scheduler: client read error: %v", err)
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			log.Debugf("scheduler: client malformed message: %v", err)
			continue
		}

		switch env.Type {
		case TypeJob:
			var p JobPayload
			if unmarshalPayload(env.Payload, &p) != nil {
				continue
			}
			c.deliver(ClientMessage{Type: TypeJob, Job: &p})
		case TypeNoJob:
			c.deliver(ClientMessage{Type: TypeNoJob})
		case TypeStop:
			var p StopPayload
			if unmarshalPayload(env.Payload, &p) != nil {
				continue
			}
			c.deliver(ClientMessage{Type: TypeStop, Stop: &p})
		case TypeRestart:
			var p RestartPayload
			if unmarshalPayload(env.Payload, &p) != nil {
				continue
			}
			c.deliver(ClientMessage{Type: TypeRestart, Restart: &p})
		default:
			// Unrecognized types are ignored per spec.md §4.6.
		}
	}
}

func (c *Client) deliver(m ClientMessage) {
	select {
	case c.Messages <- m:
	case <-c.done:
	}
}

func (c *Client) send(typ MessageType, payload interface{}) error {
	frame, err := encodeMessage(typ, payload)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

// SendExperts declares the full set of experts this worker currently
// runs, used on initial connect and reconnect to resynchronize the
// scheduler's view.
func (c *Client) SendExperts(pubkeys []string) error {
	return c.send(TypeExperts, ExpertsPayload{WorkerID: c.workerID, Experts: pubkeys})
}

// SendNeedJob advertises spare capacity for one more expert.
func (c *Client) SendNeedJob() error {
	return c.send(TypeNeedJob, NeedJobPayload{WorkerID: c.workerID})
}

// SendStarted acknowledges that pubkey is now running.
func (c *Client) SendStarted(pubkey string) error {
	return c.send(TypeStarted, StartedPayload{WorkerID: c.workerID, ExpertPubkey: pubkey})
}

// SendStopped reports that pubkey has wound down.
func (c *Client) SendStopped(pubkey string) error {
	return c.send(TypeStopped, StoppedPayload{WorkerID: c.workerID, ExpertPubkey: pubkey})
}

// Close shuts down the client connection. Idempotent.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.shutdown, 0, 1) {
		return nil
	}
	close(c.done)
	err := c.ws.Close()
	c.wg.Wait()
	return err
}
