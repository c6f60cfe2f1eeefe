package protocol

import (
	"context"
	"encoding/json"

	"github.com/go-errors/errors"

	"github.com/askexperts/market/event"
	"github.com/askexperts/market/relay"
)

// ParseAsk extracts an AskView from a raw A1 event.
func ParseAsk(ev *event.Event) *AskView {
	relays := ev.TagValues("relays")
	return &AskView{
		ID:            ev.ID,
		SessionPubKey: ev.PubKey,
		Summary:       ev.Content,
		Hashtags:      ev.TagValues("t"),
		Formats:       ev.TagValues("format"),
		Methods:       ev.TagValues("method"),
		Stream:        firstBool(ev.TagValues("stream")),
		Relays:        relays,
	}
}

func firstBool(vals []string) bool {
	return len(vals) > 0 && vals[0] == "true"
}

// HandleAsk runs spec.md §4.3 Phase 2 on the expert side: it invokes
// onAsk, and if a bid is produced, constructs, encrypts, and publishes
// it as a single A2 event whose content is the ciphertext of the A3
// BidPayload (spec.md §9 Open Question 1). The outer event is signed by
// a fresh, single-use bid key rather than the expert's stable key, so a
// third party observing the discovery relay learns nothing about the
// expert's identity; only the session-key holder can decrypt the
// payload and recover expertPubKey.
func HandleAsk(ctx context.Context, expertPub string, ask *event.Event, pool *relay.Pool, cb OnAskFunc) error {
	if cb == nil {
		cb = DefaultRefuseAsk
	}

	view := ParseAsk(ask)
	bid, ok := cb(view)
	if !ok || bid == nil {
		return nil
	}

	payload := BidPayload{
		Offer:        bid.Offer,
		PromptRelays: bid.PromptRelays,
		Formats:      bid.Formats,
		Methods:      bid.Methods,
		Stream:       bid.Stream,
		ExpertPubKey: expertPub,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	sessionPub, err := event.ParsePubKey(view.SessionPubKey)
	if err != nil {
		return errors.WrapPrefix(err, "protocol: malformed session pubkey on ask", 0)
	}

	bidKey, err := event.GenerateKey()
	if err != nil {
		return err
	}

	ciphertext, err := event.Encrypt(string(plaintext), sessionPub, bidKey)
	if err != nil {
		return err
	}

	tags := []event.Tag{
		event.PTag(view.SessionPubKey),
		event.ETag(ask.ID),
	}
	bidEv, err := event.CreateEvent(event.KindBid, ciphertext, tags, bidKey)
	if err != nil {
		return err
	}

	relays := view.Relays
	if len(relays) == 0 {
		return errors.New("protocol: ask carries no relays tag to reply on")
	}
	succeeded := pool.Publish(ctx, bidEv, relays, relay.DefaultPublishDeadline)
	if len(succeeded) == 0 {
		return ErrRelayPublishEmpty
	}
	log.Debugf("protocol: bid %s published for ask %s on %d/%d relays",
		bidEv.ID, ask.ID, len(succeeded), len(relays))
	return nil
}
