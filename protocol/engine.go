package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-errors/errors"

	"github.com/askexperts/market/event"
	"github.com/askexperts/market/payment"
	"github.com/askexperts/market/relay"
)

// expertSession tracks one Prompt through the state machine of
// spec.md §4.3. A session is created on the first Prompt event for a
// given identifier and discarded once it reaches a terminal state.
type expertSession struct {
	mu sync.Mutex

	state        PromptState
	promptPub    *btcec.PublicKey
	promptPubHex string
	paymentHash  [32]byte
	view         *PromptView
	quote        *Quote
	createdAt    time.Time
}

// ExpertEngine runs the expert side of spec.md §4.3 Phases 2, 4 and 5:
// bidding on Asks, quoting Prompts via the Payment Coordinator, and
// verifying Proofs before releasing a Reply stream.
type ExpertEngine struct {
	priv         *btcec.PrivateKey
	pubHex       string
	pool         *relay.Pool
	coordinator  *payment.Coordinator
	caps         ExpertCapabilities
	promptRelays []string

	awaitingProofGrace time.Duration

	mu       sync.Mutex
	sessions map[string]*expertSession
}

// NewExpertEngine builds an ExpertEngine for one expert identity.
func NewExpertEngine(priv *btcec.PrivateKey, pool *relay.Pool, coordinator *payment.Coordinator,
	caps ExpertCapabilities, promptRelays []string) *ExpertEngine {

	return &ExpertEngine{
		priv:               priv,
		pubHex:             event.PubKeyHex(priv),
		pool:               pool,
		coordinator:        coordinator,
		caps:               caps,
		promptRelays:       promptRelays,
		awaitingProofGrace: DefaultAwaitingProofGrace,
		sessions:           make(map[string]*expertSession),
	}
}

// HandleAsk runs Phase 2 for one incoming Ask event.
func (e *ExpertEngine) HandleAsk(ctx context.Context, ask *event.Event) error {
	return HandleAsk(ctx, e.pubHex, ask, e.pool, e.caps.onAsk())
}

// HandlePrompt runs Phase 4 for one incoming Prompt event: decrypt,
// price via onPromptPrice, issue an invoice via the Payment Coordinator,
// and publish the Quote. Only the first Prompt event for a given
// identifier starts a session; later duplicates are ignored.
func (e *ExpertEngine) HandlePrompt(ctx context.Context, promptEv *event.Event) error {
	e.mu.Lock()
	if _, exists := e.sessions[promptEv.ID]; exists {
		e.mu.Unlock()
		return nil
	}
	sess := &expertSession{state: StateAwaitingQuoteRequest, createdAt: time.Now()}
	e.sessions[promptEv.ID] = sess
	e.mu.Unlock()

	promptPub, err := event.ParsePubKey(promptEv.PubKey)
	if err != nil {
		e.failSession(promptEv.ID, sess)
		return errors.WrapPrefix(err, "protocol: malformed prompt author key", 0)
	}

	plaintext, err := event.Decrypt(promptEv.Content, promptPub, e.priv)
	if err != nil {
		e.failSession(promptEv.ID, sess)
		return err
	}
	var wire promptWire
	if err := json.Unmarshal([]byte(plaintext), &wire); err != nil {
		e.failSession(promptEv.ID, sess)
		return errors.WrapPrefix(err, "protocol: malformed prompt content", 0)
	}

	view := &PromptView{ID: promptEv.ID, PromptPubKey: promptEv.PubKey, Format: wire.Format, Content: wire.Content}

	sess.mu.Lock()
	sess.promptPub = promptPub
	sess.promptPubHex = promptEv.PubKey
	sess.view = view
	sess.mu.Unlock()

	if e.caps.OnPromptPrice == nil {
		e.failSession(promptEv.ID, sess)
		return errors.New("protocol: expert engine requires OnPromptPrice")
	}
	price, err := e.caps.OnPromptPrice(view)
	if err != nil {
		e.failSession(promptEv.ID, sess)
		return errors.WrapPrefix(err, "protocol: onPromptPrice failed", 0)
	}

	inv, err := e.coordinator.MakeInvoice(ctx, price.AmountSats, price.Description, price.ExpirySecs)
	if err != nil {
		e.failSession(promptEv.ID, sess)
		return err
	}

	quote := &Quote{
		PromptID: promptEv.ID,
		Invoices: []Invoice{{Method: "lightning", Unit: "sat", Amount: price.AmountSats, Payload: inv.Invoice}},
	}

	sess.mu.Lock()
	sess.paymentHash = inv.PaymentHash
	sess.quote = quote
	sess.state = StateQuoted
	sess.mu.Unlock()

	content, err := json.Marshal(quote)
	if err != nil {
		e.failSession(promptEv.ID, sess)
		return errors.Wrap(err, 0)
	}
	ciphertext, err := event.Encrypt(string(content), promptPub, e.priv)
	if err != nil {
		e.failSession(promptEv.ID, sess)
		return err
	}
	quoteEv, err := event.CreateEvent(event.KindQuote, ciphertext,
		[]event.Tag{event.PTag(promptEv.PubKey), event.ETag(promptEv.ID)}, e.priv)
	if err != nil {
		e.failSession(promptEv.ID, sess)
		return err
	}
	if succ := e.pool.Publish(ctx, quoteEv, e.promptRelays, relay.DefaultPublishDeadline); len(succ) == 0 {
		e.failSession(promptEv.ID, sess)
		return ErrRelayPublishEmpty
	}

	sess.mu.Lock()
	sess.state = StateAwaitingProof
	sess.mu.Unlock()
	return nil
}

// HandleProof runs Phase 5 for one incoming Proof event: verify the
// preimage against the invoice via the Payment Coordinator and, only on
// success, invoke onPromptPaid and publish the resulting Reply stream.
// A rejected proof publishes nothing, per spec.md §8 scenario 2.
func (e *ExpertEngine) HandleProof(ctx context.Context, proofEv *event.Event) error {
	promptID, ok := proofEv.FirstTagValue("e")
	if !ok {
		return errors.New("protocol: proof missing prompt reference")
	}

	e.mu.Lock()
	sess, exists := e.sessions[promptID]
	e.mu.Unlock()
	if !exists {
		return nil
	}

	sess.mu.Lock()
	if sess.state != StateAwaitingProof {
		sess.mu.Unlock()
		return nil
	}
	sess.state = StateVerifyingPayment
	promptPub := sess.promptPub
	paymentHash := sess.paymentHash
	view := sess.view
	quote := sess.quote
	sess.mu.Unlock()

	plaintext, err := event.Decrypt(proofEv.Content, promptPub, e.priv)
	if err != nil {
		e.failSession(promptID, sess)
		return err
	}
	var proof Proof
	if err := json.Unmarshal([]byte(plaintext), &proof); err != nil {
		e.failSession(promptID, sess)
		return errors.WrapPrefix(err, "protocol: malformed proof", 0)
	}
	preimage, err := hexToPreimage(proof.Preimage)
	if err != nil {
		e.failSession(promptID, sess)
		return err
	}

	if err := e.coordinator.VerifyPayment(ctx, payment.VerifyOptions{PaymentHash: paymentHash, Preimage: preimage}); err != nil {
		e.failSession(promptID, sess)
		log.Warnf("protocol: proof for prompt %s rejected: %v", promptID, err)
		return nil
	}

	sess.mu.Lock()
	sess.state = StateAnswering
	sess.mu.Unlock()

	if e.caps.OnPromptPaid == nil {
		e.failSession(promptID, sess)
		return errors.New("protocol: expert engine requires OnPromptPaid")
	}
	stream, err := e.caps.OnPromptPaid(view, quote)
	if err != nil {
		e.failSession(promptID, sess)
		return errors.WrapPrefix(err, "protocol: onPromptPaid failed", 0)
	}

	e.streamReplies(ctx, promptID, sess, stream)
	return nil
}

func (e *ExpertEngine) streamReplies(ctx context.Context, promptID string, sess *expertSession, stream ReplyStream) {
	for chunk := range stream {
		content, err := json.Marshal(chunk)
		if err != nil {
			log.Errorf("protocol: marshal reply chunk for prompt %s: %v", promptID, err)
			continue
		}
		ciphertext, err := event.Encrypt(string(content), sess.promptPub, e.priv)
		if err != nil {
			log.Errorf("protocol: encrypt reply chunk for prompt %s: %v", promptID, err)
			continue
		}
		replyEv, err := event.CreateEvent(event.KindReply, ciphertext,
			[]event.Tag{event.PTag(sess.promptPubHex), event.ETag(promptID)}, e.priv)
		if err != nil {
			log.Errorf("protocol: create reply event for prompt %s: %v", promptID, err)
			continue
		}
		if succ := e.pool.Publish(ctx, replyEv, e.promptRelays, relay.DefaultPublishDeadline); len(succ) == 0 {
			log.Warnf("protocol: reply %s for prompt %s published on zero relays", replyEv.ID, promptID)
		}
		if chunk.Done || chunk.Error != "" {
			break
		}
	}

	e.mu.Lock()
	sess.mu.Lock()
	sess.state = StateDone
	sess.mu.Unlock()
	delete(e.sessions, promptID)
	e.mu.Unlock()
}

func (e *ExpertEngine) failSession(promptID string, sess *expertSession) {
	sess.mu.Lock()
	sess.state = StateError
	sess.mu.Unlock()

	e.mu.Lock()
	delete(e.sessions, promptID)
	e.mu.Unlock()
}

// SweepTimeouts moves any session that has sat in awaiting_proof longer
// than the engine's grace period into the terminal timeout state,
// freeing its slot. Intended to be called periodically by the Expert
// Runtime's event loop.
func (e *ExpertEngine) SweepTimeouts(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, sess := range e.sessions {
		sess.mu.Lock()
		expired := sess.state == StateAwaitingProof && now.Sub(sess.createdAt) > e.awaitingProofGrace
		if expired {
			sess.state = StateTimeout
		}
		sess.mu.Unlock()

		if expired {
			delete(e.sessions, id)
		}
	}
}
