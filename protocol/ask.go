package protocol

import (
	"context"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-errors/errors"

	"github.com/askexperts/market/event"
	"github.com/askexperts/market/relay"
)

// FindExpertsOptions configures Phase 1 (Ask) and the Phase 2 (Bid)
// collection window, per spec.md §4.3.
type FindExpertsOptions struct {
	DiscoveryRelays []string
	Formats         []string
	Methods         []string
	Stream          bool

	// BidWindow is how long to keep collecting after the first bid
	// arrives. Zero uses DefaultBidWindow.
	BidWindow time.Duration

	// HardDeadline bounds total collection time regardless of bid
	// arrival. Zero uses DefaultBidHardDeadline.
	HardDeadline time.Duration
}

// FindExperts runs spec.md §4.3 Phases 1-2: publish an Ask to
// discovery relays under a fresh session key, then accumulate Bids
// addressed to that session key for a bounded window. The session key
// is not returned; it is destroyed (scoped to this call) once
// collection ends, per spec.md §3's session key lifecycle.
func FindExperts(ctx context.Context, pool *relay.Pool, summary string, hashtags []string, opts FindExpertsOptions) ([]*Bid, error) {
	if len(opts.DiscoveryRelays) == 0 {
		return nil, errors.New("protocol: findExperts requires at least one discovery relay")
	}

	sessionPriv, err := event.GenerateKey()
	if err != nil {
		return nil, err
	}
	sessionPubHex := event.PubKeyHex(sessionPriv)

	tags := make([]event.Tag, 0, len(hashtags)+len(opts.Formats)+len(opts.Methods)+2)
	for _, h := range hashtags {
		tags = append(tags, event.TTag(h))
	}
	for _, f := range opts.Formats {
		tags = append(tags, event.Tag{"format", f})
	}
	for _, m := range opts.Methods {
		tags = append(tags, event.Tag{"method", m})
	}
	tags = append(tags, event.Tag{"stream", boolString(opts.Stream)})
	tags = append(tags, append(event.Tag{"relays"}, opts.DiscoveryRelays...))

	ask, err := event.CreateEvent(event.KindAsk, summary, tags, sessionPriv)
	if err != nil {
		return nil, err
	}

	succeeded := pool.Publish(ctx, ask, opts.DiscoveryRelays, relay.DefaultPublishDeadline)
	if len(succeeded) == 0 {
		return nil, ErrRelayPublishEmpty
	}
	log.Debugf("protocol: ask %s published to %d/%d relays", ask.ID, len(succeeded), len(opts.DiscoveryRelays))

	sub := pool.Subscribe([]relay.Filter{{
		Kinds: []event.Kind{event.KindBid},
		Tags:  map[string][]string{"p": {sessionPubHex}},
	}}, opts.DiscoveryRelays)
	defer sub.Close()

	bidWindow := opts.BidWindow
	if bidWindow <= 0 {
		bidWindow = DefaultBidWindow
	}
	hardDeadline := opts.HardDeadline
	if hardDeadline <= 0 {
		hardDeadline = DefaultBidHardDeadline
	}

	type key struct {
		expert string
		bidID  string
	}
	seen := make(map[key]struct{})
	var bids []*Bid

	hardTimer := time.NewTimer(hardDeadline)
	defer hardTimer.Stop()
	var windowTimer *time.Timer
	var windowC <-chan time.Time

collectLoop:
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				break collectLoop
			}
			bid, err := parseBid(ev, sessionPriv)
			if err != nil {
				log.Debugf("protocol: dropping bid %s: %v", ev.ID, err)
				continue
			}
			k := key{bid.ExpertPubKey, bid.BidID}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			bids = append(bids, bid)

			if windowTimer == nil {
				windowTimer = time.NewTimer(bidWindow)
				windowC = windowTimer.C
				defer windowTimer.Stop()
			}
		case <-windowC:
			break collectLoop
		case <-hardTimer.C:
			break collectLoop
		case <-ctx.Done():
			break collectLoop
		}
	}

	return bids, nil
}

func parseBid(ev *event.Event, sessionPriv *btcec.PrivateKey) (*Bid, error) {
	plaintext, err := event.DecryptHex(ev.Content, ev.PubKey, sessionPriv)
	if err != nil {
		return nil, err
	}
	var payload BidPayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, errors.WrapPrefix(err, "protocol: malformed bid payload", 0)
	}
	askID, _ := ev.FirstTagValue("e")
	return &Bid{
		ExpertPubKey: payload.ExpertPubKey,
		BidID:        ev.ID,
		AskID:        askID,
		Payload:      &payload,
	}, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
