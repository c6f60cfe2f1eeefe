// Package scheduler implements the Expert Scheduler of spec.md §4.6: a
// control-plane process that accepts worker connections over a
// WebSocket, assigns queued experts to workers with spare capacity in
// deterministic pubkey order, and reacts to worker loss and expert
// configuration changes. All mutable scheduler state is owned by a
// single event-loop goroutine, the teacher's htlcswitch.Switch pattern
// (linkControl's command channel generalized to worker/job commands).
package scheduler

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/askexperts/market/internal/xticker"
)

// DefaultPendingJobTimer and DefaultPollInterval are spec.md §5's
// default for pending_job_timer and this package's store-refresh
// cadence (not itself named by the spec, but needed to discover newly
// queued experts and configuration edits without a push interface from
// the external store).
const (
	DefaultPendingJobTimer = 30 * time.Second
	DefaultPollInterval    = 5 * time.Second
)

// ExpertState is one of spec.md §4.6's tracked lifecycle states.
type ExpertState string

const (
	StateQueued   ExpertState = "queued"
	StateStarting ExpertState = "starting"
	StateStarted  ExpertState = "started"
	StateStopping ExpertState = "stopping"
	StateStopped  ExpertState = "stopped"
)

type expertEntry struct {
	record         *ExpertRecord
	sentSnapshot   *ExpertRecord
	state          ExpertState
	worker         string
	pendingRestart bool
}

type workerEntry struct {
	conn         *workerConn
	assigned     map[string]struct{}
	lastActivity time.Time
	needsJob     bool
	ready        bool
}

// Config configures a Scheduler.
type Config struct {
	// ListenAddr is the TCP address to accept worker connections on,
	// e.g. ":7000" or "127.0.0.1:0" for an ephemeral port in tests.
	ListenAddr string

	// Store resolves the current expert population and their
	// configuration, per spec.md §4.6 ("for each expert in its
	// database").
	Store ExpertStore

	// PendingJobTimer bounds how long a worker may hold an
	// unacknowledged job. Zero uses DefaultPendingJobTimer.
	PendingJobTimer time.Duration

	// PollInterval governs how often Store is re-queried for newly
	// queued experts and configuration edits. Zero uses
	// DefaultPollInterval.
	PollInterval time.Duration
}

// Scheduler is one running control-plane process instance.
type Scheduler struct {
	cfg Config

	experts map[string]*expertEntry
	workers map[string]*workerEntry

	cmds chan interface{}

	pollTicker *xticker.Ticker
	metrics    *metricsSet

	ln      net.Listener
	httpSrv *http.Server
	addr    string

	started  int32
	shutdown int32
	wg       sync.WaitGroup
	quit     chan struct{}
}

// NewScheduler builds a Scheduler from cfg. Call Start to begin serving.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.PendingJobTimer <= 0 {
		cfg.PendingJobTimer = DefaultPendingJobTimer
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Scheduler{
		cfg:        cfg,
		experts:    make(map[string]*expertEntry),
		workers:    make(map[string]*workerEntry),
		cmds:       make(chan interface{}, 64),
		pollTicker: xticker.New(cfg.PollInterval),
		metrics:    newMetricsSet(),
		quit:       make(chan struct{}),
	}
}

// Addr returns the address the scheduler is listening on. Only valid
// after Start returns successfully.
func (s *Scheduler) Addr() string { return s.addr }

// Start begins accepting worker connections and running the event loop.
// Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	s.ln = ln
	s.addr = ln.Addr().String()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("scheduler: upgrade failed: %v", err)
			return
		}
		wc := newWorkerConn(s, ws)
		wc.start()
	})
	mux.Handle("/metrics", s.metrics.handler())

	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("scheduler: http serve: %v", err)
		}
	}()

	s.pollTicker.Start()

	s.wg.Add(1)
	go s.eventLoop()

	log.Infof("scheduler: listening on %s", s.addr)
	return nil
}

// Stop tears down the listener and event loop. Idempotent.
func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}
	close(s.quit)
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	s.pollTicker.Stop()
	s.wg.Wait()
	log.Infof("scheduler: stopped")
	return nil
}

// RequestStop asks the worker currently running pubKeyHex to wind it
// down, without reassigning it elsewhere.
func (s *Scheduler) RequestStop(pubKeyHex string) {
	s.enqueue(cmdRequestStop{pubKeyHex: pubKeyHex})
}

func (s *Scheduler) enqueue(cmd interface{}) {
	select {
	case s.cmds <- cmd:
	case <-s.quit:
	}
}

type cmdWorkerMessage struct {
	conn *workerConn
	env  *envelope
}

type cmdWorkerDisconnected struct {
	conn *workerConn
}

type cmdPendingTimeout struct {
	pubKeyHex string
	workerID  string
}

type cmdRequestStop struct {
	pubKeyHex string
}

func (s *Scheduler) eventLoop() {
	defer s.wg.Done()

	s.refreshStore()

	for {
		select {
		case cmd := <-s.cmds:
			switch c := cmd.(type) {
			case cmdWorkerMessage:
				s.handleWorkerMessage(c.conn, c.env)
			case cmdWorkerDisconnected:
				s.handleWorkerDisconnected(c.conn)
			case cmdPendingTimeout:
				s.handlePendingTimeout(c.pubKeyHex, c.workerID)
			case cmdRequestStop:
				s.handleRequestStop(c.pubKeyHex)
			}
		case <-s.pollTicker.C:
			s.refreshStore()
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) refreshStore() {
	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	records, err := s.cfg.Store.ListExperts(ctx)
	if err != nil {
		log.Warnf("scheduler: list experts: %v", err)
		return
	}

	for _, rec := range records {
		entry, exists := s.experts[rec.PubKeyHex]
		if !exists {
			s.experts[rec.PubKeyHex] = &expertEntry{record: rec, state: StateQueued}
			continue
		}
		entry.record = rec

		configChanged := entry.sentSnapshot != nil && !entry.sentSnapshot.sameConfig(rec)
		switch entry.state {
		case StateStarted:
			if configChanged {
				s.emitRestart(rec.PubKeyHex, entry)
			}
		case StateStopping:
			if configChanged {
				entry.pendingRestart = true
			}
		}
	}

	s.dispatchPending()
}

func (s *Scheduler) emitRestart(pubKeyHex string, entry *expertEntry) {
	w, ok := s.workers[entry.worker]
	if !ok {
		entry.state = StateQueued
		entry.worker = ""
		return
	}
	entry.state = StateStopping
	entry.sentSnapshot = entry.record
	entry.pendingRestart = true
	w.conn.send(TypeRestart, RestartPayload{
		ExpertPubkey: pubKeyHex,
		Expert:       entry.record,
		NWCString:    entry.record.WalletNWC,
	})
	s.metrics.restarts.Inc()
}

func (s *Scheduler) handleRequestStop(pubKeyHex string) {
	entry, ok := s.experts[pubKeyHex]
	if !ok || entry.state != StateStarted {
		return
	}
	w, ok := s.workers[entry.worker]
	if !ok {
		entry.state = StateQueued
		entry.worker = ""
		return
	}
	entry.state = StateStopping
	w.conn.send(TypeStop, StopPayload{ExpertPubkey: pubKeyHex})
}

func (s *Scheduler) handleWorkerMessage(conn *workerConn, env *envelope) {
	switch env.Type {
	case TypeExperts:
		var p ExpertsPayload
		if unmarshalPayload(env.Payload, &p) != nil {
			return
		}
		s.handleExperts(conn, &p)
	case TypeNeedJob:
		var p NeedJobPayload
		if unmarshalPayload(env.Payload, &p) != nil {
			return
		}
		s.handleNeedJob(conn, &p)
	case TypeStarted:
		var p StartedPayload
		if unmarshalPayload(env.Payload, &p) != nil {
			return
		}
		s.handleStarted(conn, &p)
	case TypeStopped:
		var p StoppedPayload
		if unmarshalPayload(env.Payload, &p) != nil {
			return
		}
		s.handleStopped(conn, &p)
	default:
		// Unrecognized types are ignored per spec.md §4.6, allowing
		// the wire protocol to evolve.
	}
}

func (s *Scheduler) registerWorker(conn *workerConn, workerID string) *workerEntry {
	if workerID == "" {
		workerID = uuid.NewString()
	}
	conn.id = workerID

	w, ok := s.workers[workerID]
	if !ok {
		w = &workerEntry{conn: conn, assigned: make(map[string]struct{}), ready: true}
		s.workers[workerID] = w
		s.metrics.workers.Set(float64(len(s.workers)))
		return w
	}
	w.conn = conn
	return w
}

func (s *Scheduler) handleExperts(conn *workerConn, p *ExpertsPayload) {
	w := s.registerWorker(conn, p.WorkerID)
	w.ready = true
	w.lastActivity = time.Now()

	for _, pk := range p.Experts {
		entry, ok := s.experts[pk]
		if !ok {
			entry = &expertEntry{record: &ExpertRecord{PubKeyHex: pk}, state: StateStarted, worker: p.WorkerID}
			s.experts[pk] = entry
			w.assigned[pk] = struct{}{}
			continue
		}

		switch entry.state {
		case StateQueued, StateStopped:
			// Stale scheduler state: the worker already runs this
			// expert (e.g. reconnect racing a requeue); adopt the
			// declaration per spec.md §4.6's worker-loss recovery.
			entry.state = StateStarted
			entry.worker = p.WorkerID
			entry.sentSnapshot = entry.record
			w.assigned[pk] = struct{}{}
		case StateStarting, StateStarted:
			entry.worker = p.WorkerID
			w.assigned[pk] = struct{}{}
		}
	}

	s.dispatchPending()
}

func (s *Scheduler) handleNeedJob(conn *workerConn, p *NeedJobPayload) {
	w := s.registerWorker(conn, p.WorkerID)
	w.needsJob = true
	w.lastActivity = time.Now()
	s.dispatchPending()
}

func (s *Scheduler) handleStarted(conn *workerConn, p *StartedPayload) {
	w := s.registerWorker(conn, p.WorkerID)
	entry, ok := s.experts[p.ExpertPubkey]
	if !ok || entry.worker != p.WorkerID {
		return
	}
	entry.state = StateStarted
	w.assigned[p.ExpertPubkey] = struct{}{}
}

func (s *Scheduler) handleStopped(conn *workerConn, p *StoppedPayload) {
	w := s.registerWorker(conn, p.WorkerID)
	entry, ok := s.experts[p.ExpertPubkey]
	if !ok || entry.worker != p.WorkerID {
		return
	}
	delete(w.assigned, p.ExpertPubkey)

	if entry.pendingRestart {
		entry.pendingRestart = false
		s.startOn(p.WorkerID, w, p.ExpertPubkey, entry)
		return
	}

	if entry.state == StateStopping {
		// A stop asked for by RequestStop: the expert stays down.
		entry.state = StateStopped
		entry.worker = ""
		return
	}

	entry.state = StateQueued
	entry.worker = ""
	s.dispatchPending()
}

func (s *Scheduler) handleWorkerDisconnected(conn *workerConn) {
	workerID := conn.id
	if workerID == "" {
		return
	}
	w, ok := s.workers[workerID]
	if !ok || w.conn != conn {
		return
	}

	for pk := range w.assigned {
		if entry, ok := s.experts[pk]; ok {
			entry.state = StateQueued
			entry.worker = ""
		}
	}

	delete(s.workers, workerID)
	s.metrics.workers.Set(float64(len(s.workers)))
	s.metrics.workerLoss.Inc()
	s.dispatchPending()
}

func (s *Scheduler) dispatchPending() {
	for workerID, w := range s.workers {
		if !w.needsJob || !w.ready {
			continue
		}
		pk, entry := s.nextQueued()
		if entry == nil {
			w.conn.send(TypeNoJob, NoJobPayload{})
			continue
		}
		s.startOn(workerID, w, pk, entry)
		w.needsJob = false
	}
}

// nextQueued selects the queued expert with the lexicographically
// smallest pubkey, per spec.md §4.6's deterministic assignment order.
func (s *Scheduler) nextQueued() (string, *expertEntry) {
	var keys []string
	for pk, e := range s.experts {
		if e.state == StateQueued {
			keys = append(keys, pk)
		}
	}
	if len(keys) == 0 {
		return "", nil
	}
	sort.Strings(keys)
	pk := keys[0]
	return pk, s.experts[pk]
}

func (s *Scheduler) startOn(workerID string, w *workerEntry, pk string, entry *expertEntry) {
	entry.state = StateStarting
	entry.worker = workerID
	entry.sentSnapshot = entry.record
	w.assigned[pk] = struct{}{}

	w.conn.send(TypeJob, JobPayload{ExpertPubkey: pk, Expert: entry.record, NWCString: entry.record.WalletNWC})
	s.metrics.assignments.Inc()

	pending := s.cfg.PendingJobTimer
	time.AfterFunc(pending, func() {
		s.enqueue(cmdPendingTimeout{pubKeyHex: pk, workerID: workerID})
	})
}

func (s *Scheduler) handlePendingTimeout(pubKeyHex, workerID string) {
	entry, ok := s.experts[pubKeyHex]
	if !ok || entry.state != StateStarting || entry.worker != workerID {
		return
	}
	entry.state = StateQueued
	entry.worker = ""

	if w, ok := s.workers[workerID]; ok {
		delete(w.assigned, pubKeyHex)
		w.ready = false
	}

	s.metrics.timeouts.Inc()
	s.dispatchPending()
}
