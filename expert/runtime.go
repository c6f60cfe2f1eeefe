// Package expert implements the Expert Runtime of spec.md §4.5: a
// long-running process instance for one expert identity that publishes
// (and periodically republishes) its ExpertProfile, subscribes to
// matching Asks and addressed Prompts/Proofs, and runs the server side
// of the Protocol Engine for each. Its lifecycle idiom (atomic
// started/shutdown, wg+quit, a single dispatch goroutine reading off a
// subscription channel) mirrors the teacher's peer.go connection
// handling.
package expert

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-errors/errors"

	"github.com/askexperts/market/event"
	"github.com/askexperts/market/internal/xticker"
	"github.com/askexperts/market/payment"
	"github.com/askexperts/market/protocol"
	"github.com/askexperts/market/relay"
)

// DefaultRecomputeInterval is spec.md §4.5's "coarse interval" at which
// pricing/profile are recomputed (and republished only on change).
const DefaultRecomputeInterval = 60 * time.Second

// DefaultSweepInterval governs how often the expert engine's per-prompt
// sessions are checked for having overstayed awaiting_proof.
const DefaultSweepInterval = 5 * time.Second

// ProfileFunc computes the expert's current public metadata. It may
// depend on time-varying quantities (e.g. a pricing oracle); the
// Runtime calls it on RecomputeInterval and republishes only if the
// result differs from the last published value.
type ProfileFunc func() protocol.ProfileWire

// Config configures one Expert Runtime instance.
type Config struct {
	PrivateKey         *btcec.PrivateKey
	Wallet             payment.Wallet
	PaymentConcurrency int

	DiscoveryRelays []string
	PromptRelays    []string
	Hashtags        []string
	Formats         []string
	Methods         []string
	Stream          bool

	Capabilities      protocol.ExpertCapabilities
	Profile           ProfileFunc
	RecomputeInterval time.Duration
}

// Runtime is one running expert process instance.
type Runtime struct {
	cfg    Config
	pubHex string

	pool   *relay.Pool
	engine *protocol.ExpertEngine

	recomputeTicker *xticker.Ticker
	sweepTicker     *xticker.Ticker

	mu          sync.Mutex
	lastProfile string

	started  int32
	shutdown int32
	wg       sync.WaitGroup
	quit     chan struct{}
	sub      *relay.Subscription
}

// NewRuntime builds a Runtime from cfg. Call Start to begin operating.
func NewRuntime(cfg Config) *Runtime {
	interval := cfg.RecomputeInterval
	if interval <= 0 {
		interval = DefaultRecomputeInterval
	}
	return &Runtime{
		cfg:             cfg,
		pubHex:          event.PubKeyHex(cfg.PrivateKey),
		pool:            relay.NewPool(),
		recomputeTicker: xticker.New(interval),
		sweepTicker:     xticker.New(DefaultSweepInterval),
		quit:            make(chan struct{}),
	}
}

// PubKeyHex returns this expert's stable public key, hex-encoded.
func (r *Runtime) PubKeyHex() string { return r.pubHex }

// RecomputeNow forces an immediate profile recompute/republish instead
// of waiting for the next RecomputeInterval tick, for callers (e.g. a
// SIGHUP profile reload) that need the change reflected right away.
// A no-op before Start or after Stop.
func (r *Runtime) RecomputeNow() {
	r.recomputeTicker.Force(time.Now())
}

// Start publishes the initial ExpertProfile, opens the discovery and
// addressed subscriptions, and begins the dispatch and recompute
// loops. Idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return nil
	}

	coordinator := payment.NewCoordinator(r.cfg.Wallet, r.cfg.PaymentConcurrency)
	r.engine = protocol.NewExpertEngine(r.cfg.PrivateKey, r.pool, coordinator, r.cfg.Capabilities, r.cfg.PromptRelays)

	if r.cfg.Profile != nil {
		if err := r.publishProfile(ctx, r.cfg.Profile()); err != nil {
			log.Warnf("expert %s: initial profile publish failed: %v", r.pubHex, err)
		}
	}

	r.sub = r.pool.Subscribe([]relay.Filter{
		{
			Kinds: []event.Kind{event.KindAsk},
			Tags:  map[string][]string{"t": r.cfg.Hashtags},
		},
		{
			Kinds: []event.Kind{event.KindPrompt, event.KindProof},
			Tags:  map[string][]string{"p": {r.pubHex}},
		},
	}, union(r.cfg.DiscoveryRelays, r.cfg.PromptRelays))

	r.recomputeTicker.Start()
	r.sweepTicker.Start()

	r.wg.Add(1)
	go r.dispatchLoop(ctx)
	r.wg.Add(1)
	go r.recomputeLoop(ctx)

	log.Infof("expert %s: started", r.pubHex)
	return nil
}

// Stop tears down every subscription and background loop. Idempotent.
func (r *Runtime) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.shutdown, 0, 1) {
		return nil
	}
	close(r.quit)
	if r.sub != nil {
		r.sub.Close()
	}
	r.recomputeTicker.Stop()
	r.sweepTicker.Stop()
	r.wg.Wait()
	r.pool.Close()
	log.Infof("expert %s: stopped", r.pubHex)
	return nil
}

func (r *Runtime) dispatchLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case ev, ok := <-r.sub.Events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		case <-r.sweepTicker.C:
			r.engine.SweepTimeouts(time.Now())
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) handle(ctx context.Context, ev *event.Event) {
	switch ev.Kind {
	case event.KindAsk:
		go func() {
			if err := r.engine.HandleAsk(ctx, ev); err != nil {
				log.Debugf("expert %s: handleAsk %s: %v", r.pubHex, ev.ID, err)
			}
		}()
	case event.KindPrompt:
		if !ev.AddressedTo(r.pubHex) {
			return
		}
		go func() {
			if err := r.engine.HandlePrompt(ctx, ev); err != nil {
				log.Debugf("expert %s: handlePrompt %s: %v", r.pubHex, ev.ID, err)
			}
		}()
	case event.KindProof:
		if !ev.AddressedTo(r.pubHex) {
			return
		}
		go func() {
			if err := r.engine.HandleProof(ctx, ev); err != nil {
				log.Debugf("expert %s: handleProof %s: %v", r.pubHex, ev.ID, err)
			}
		}()
	}
}

func (r *Runtime) recomputeLoop(ctx context.Context) {
	defer r.wg.Done()
	if r.cfg.Profile == nil {
		return
	}
	for {
		select {
		case <-r.recomputeTicker.C:
			profile := r.cfg.Profile()
			if err := r.publishProfile(ctx, profile); err != nil {
				log.Warnf("expert %s: profile republish failed: %v", r.pubHex, err)
			}
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) publishProfile(ctx context.Context, profile protocol.ProfileWire) error {
	content, err := json.Marshal(profile)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	r.mu.Lock()
	unchanged := r.lastProfile == string(content)
	r.mu.Unlock()
	if unchanged {
		return nil
	}

	tags := make([]event.Tag, 0, len(r.cfg.Hashtags)+len(r.cfg.Formats)+len(r.cfg.Methods)+2)
	for _, h := range r.cfg.Hashtags {
		tags = append(tags, event.TTag(h))
	}
	for _, f := range r.cfg.Formats {
		tags = append(tags, event.Tag{"format", f})
	}
	for _, m := range r.cfg.Methods {
		tags = append(tags, event.Tag{"method", m})
	}
	tags = append(tags, append(event.Tag{"relays"}, r.cfg.PromptRelays...))

	ev, err := event.CreateEvent(event.KindExpertProfile, string(content), tags, r.cfg.PrivateKey)
	if err != nil {
		return err
	}

	relays := union(r.cfg.DiscoveryRelays, r.cfg.PromptRelays)
	succeeded := r.pool.Publish(ctx, ev, relays, relay.DefaultPublishDeadline)
	if len(succeeded) == 0 {
		return errors.New("expert: profile publish succeeded on zero relays")
	}

	r.mu.Lock()
	r.lastProfile = string(content)
	r.mu.Unlock()
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
