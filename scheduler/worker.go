package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// workerConn is one worker's websocket connection. Its lifecycle idiom
// (atomic started/shutdown, single read goroutine, mutex-guarded write)
// mirrors relay.conn; unlike relay.conn it has no reference counting
// since exactly one Scheduler owns it.
type workerConn struct {
	ws *websocket.Conn

	started  int32
	shutdown int32

	writeMu sync.Mutex

	sched *Scheduler

	// id is learned from the first identifying message the worker
	// sends (experts or need_job both carry workerId); empty until
	// then.
	id string

	wg sync.WaitGroup
}

func newWorkerConn(sched *Scheduler, ws *websocket.Conn) *workerConn {
	return &workerConn{ws: ws, sched: sched}
}

func (c *workerConn) start() {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return
	}
	c.wg.Add(1)
	go c.readLoop()
}

func (c *workerConn) readLoop() {
	defer c.wg.Done()
	defer c.sched.enqueue(cmdWorkerDisconnected{conn: c})
	defer c.close()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			log.Debugf("scheduler: worker %s: read error: %v", c.id, err)
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			log.Debugf("scheduler: malformed worker message: %v", err)
			continue
		}
		c.sched.enqueue(cmdWorkerMessage{conn: c, env: env})
	}
}

func (c *workerConn) send(typ MessageType, payload interface{}) {
	frame, err := encodeMessage(typ, payload)
	if err != nil {
		log.Errorf("scheduler: encode %s: %v", typ, err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if atomic.LoadInt32(&c.shutdown) == 1 {
		return
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Debugf("scheduler: worker %s: write error: %v", c.id, err)
	}
}

func (c *workerConn) close() {
	if !atomic.CompareAndSwapInt32(&c.shutdown, 0, 1) {
		return
	}
	c.ws.Close()
}
