package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-errors/errors"

	"github.com/askexperts/market/event"
	"github.com/askexperts/market/relay"
)

// AskExpertOptions configures spec.md §4.3 Phases 3-5, the client side
// of a single question against one expert.
type AskExpertOptions struct {
	ExpertPubKey string
	PromptRelays []string
	Format       string
	Content      string

	Capabilities ClientCapabilities

	PromptToQuote     time.Duration
	ProofToFirstReply time.Duration
	InterReplyGap     time.Duration
}

// AskExpertResult is the outcome of one askExpert call, per spec.md §7's
// "partial success is the norm" contract: a timeout or refusal is a
// populated Status, not necessarily a returned error.
type AskExpertResult struct {
	Content    string
	AmountPaid uint64
	Status     string // "content" | "timeout" | "error" | "refused"
	Err        error
}

// AskExpert runs Phases 3-5 against a single expert: publish a Prompt
// under a fresh prompt key, await a Quote, pay it, publish a Proof, and
// collect the resulting Reply stream. The prompt key is scoped to this
// call and not returned, per spec.md §3's prompt key lifecycle.
func AskExpert(ctx context.Context, pool *relay.Pool, opts AskExpertOptions) *AskExpertResult {
	if len(opts.PromptRelays) == 0 {
		return &AskExpertResult{Status: "error", Err: errors.New("protocol: askExpert requires at least one prompt relay")}
	}

	expertPub, err := event.ParsePubKey(opts.ExpertPubKey)
	if err != nil {
		return &AskExpertResult{Status: "error", Err: err}
	}

	promptKey, err := event.GenerateKey()
	if err != nil {
		return &AskExpertResult{Status: "error", Err: err}
	}

	promptContent, err := json.Marshal(promptWire{Format: opts.Format, Content: opts.Content})
	if err != nil {
		return &AskExpertResult{Status: "error", Err: errors.Wrap(err, 0)}
	}
	ciphertext, err := event.Encrypt(string(promptContent), expertPub, promptKey)
	if err != nil {
		return &AskExpertResult{Status: "error", Err: err}
	}

	promptEv, err := event.CreateEvent(event.KindPrompt, ciphertext,
		[]event.Tag{event.PTag(opts.ExpertPubKey)}, promptKey)
	if err != nil {
		return &AskExpertResult{Status: "error", Err: err}
	}

	succeeded := pool.Publish(ctx, promptEv, opts.PromptRelays, relay.DefaultPublishDeadline)
	if len(succeeded) == 0 {
		return &AskExpertResult{Status: "error", Err: ErrRelayPublishEmpty}
	}

	sub := pool.Subscribe([]relay.Filter{{
		Authors: []string{opts.ExpertPubKey},
		Kinds:   []event.Kind{event.KindQuote, event.KindReply},
		Tags:    map[string][]string{"e": {promptEv.ID}},
	}}, opts.PromptRelays)
	defer sub.Close()

	promptToQuote := opts.PromptToQuote
	if promptToQuote <= 0 {
		promptToQuote = DefaultPromptToQuote
	}

	var quote *Quote
	quoteDeadline := time.NewTimer(promptToQuote)
	defer quoteDeadline.Stop()
waitQuote:
	for quote == nil {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return &AskExpertResult{Status: "timeout"}
			}
			if ev.Kind != event.KindQuote {
				continue
			}
			q, err := decryptQuote(ev, opts.ExpertPubKey, promptKey)
			if err != nil {
				log.Debugf("protocol: dropping quote %s: %v", ev.ID, err)
				continue
			}
			if q.PromptID != promptEv.ID {
				continue
			}
			quote = q
			break waitQuote
		case <-quoteDeadline.C:
			return &AskExpertResult{Status: "timeout"}
		case <-ctx.Done():
			return &AskExpertResult{Status: "error", Err: ErrCancelled}
		}
	}

	promptView := &PromptView{ID: promptEv.ID, PromptPubKey: event.PubKeyHex(promptKey), Format: opts.Format, Content: opts.Content}

	if !opts.Capabilities.onQuote()(quote, promptView) {
		return &AskExpertResult{Status: "refused"}
	}

	if opts.Capabilities.OnPay == nil {
		return &AskExpertResult{Status: "error", Err: errors.New("protocol: askExpert requires OnPay")}
	}
	preimageHex, err := opts.Capabilities.OnPay(quote, promptView)
	if err != nil {
		return &AskExpertResult{Status: "error", Err: errors.WrapPrefix(err, "protocol: payment failed", 0)}
	}

	proofContent, err := json.Marshal(Proof{Method: "lightning", Preimage: preimageHex})
	if err != nil {
		return &AskExpertResult{Status: "error", Err: errors.Wrap(err, 0)}
	}
	proofCiphertext, err := event.Encrypt(string(proofContent), expertPub, promptKey)
	if err != nil {
		return &AskExpertResult{Status: "error", Err: err}
	}
	proofEv, err := event.CreateEvent(event.KindProof, proofCiphertext,
		[]event.Tag{event.PTag(opts.ExpertPubKey), event.ETag(promptEv.ID)}, promptKey)
	if err != nil {
		return &AskExpertResult{Status: "error", Err: err}
	}
	if succ := pool.Publish(ctx, proofEv, opts.PromptRelays, relay.DefaultPublishDeadline); len(succ) == 0 {
		return &AskExpertResult{Status: "error", Err: ErrRelayPublishEmpty}
	}

	var amount uint64
	for _, inv := range quote.Invoices {
		if inv.Method == "lightning" {
			amount = inv.Amount
			break
		}
	}

	return collectReplies(ctx, sub, opts.ExpertPubKey, promptKey, promptEv.ID, amount, opts)
}

// promptWire is the JSON shape of a B1 Prompt's decrypted content.
type promptWire struct {
	Format  string `json:"format"`
	Content string `json:"content"`
}

func decryptQuote(ev *event.Event, expertPubHex string, promptKey *btcec.PrivateKey) (*Quote, error) {
	if ev.PubKey != expertPubHex {
		return nil, errors.New("protocol: quote not authored by expert")
	}
	plaintext, err := event.DecryptHex(ev.Content, ev.PubKey, promptKey)
	if err != nil {
		return nil, err
	}
	var q Quote
	if err := json.Unmarshal([]byte(plaintext), &q); err != nil {
		return nil, errors.WrapPrefix(err, "protocol: malformed quote", 0)
	}
	return &q, nil
}

func collectReplies(ctx context.Context, sub *relay.Subscription, expertPubHex string, promptKey *btcec.PrivateKey, promptID string, amountPaid uint64, opts AskExpertOptions) *AskExpertResult {
	proofToFirst := opts.ProofToFirstReply
	if proofToFirst <= 0 {
		proofToFirst = DefaultProofToFirstReply
	}
	interReplyGap := opts.InterReplyGap
	if interReplyGap <= 0 {
		interReplyGap = DefaultInterReplyGap
	}

	chunks := make(map[int]string)
	var maxDone = -1
	gotAny := false

	deadline := time.NewTimer(proofToFirst)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return &AskExpertResult{Status: "timeout", AmountPaid: amountPaid}
			}
			if ev.Kind != event.KindReply || ev.PubKey != expertPubHex {
				continue
			}
			ref, _ := ev.FirstTagValue("e")
			if ref != promptID {
				continue
			}
			plaintext, err := event.DecryptHex(ev.Content, ev.PubKey, promptKey)
			if err != nil {
				log.Debugf("protocol: dropping reply %s: %v", ev.ID, err)
				continue
			}
			var chunk ReplyChunk
			if err := json.Unmarshal([]byte(plaintext), &chunk); err != nil {
				log.Debugf("protocol: malformed reply %s: %v", ev.ID, err)
				continue
			}
			if chunk.Error != "" {
				return &AskExpertResult{Status: "error", Err: errors.New(chunk.Error), AmountPaid: amountPaid}
			}
			if _, dup := chunks[chunk.Index]; !dup {
				chunks[chunk.Index] = chunk.Content
			}
			gotAny = true
			if chunk.Done {
				maxDone = chunk.Index
			}
			if maxDone >= 0 && allPresent(chunks, maxDone+1) {
				return &AskExpertResult{Status: "content", Content: joinChunks(chunks, maxDone+1), AmountPaid: amountPaid}
			}

			deadline.Stop()
			deadline.Reset(interReplyGap)
		case <-deadline.C:
			if gotAny {
				return &AskExpertResult{Status: "timeout", Content: joinChunks(chunks, len(chunks)), AmountPaid: amountPaid}
			}
			return &AskExpertResult{Status: "timeout", AmountPaid: amountPaid}
		case <-ctx.Done():
			return &AskExpertResult{Status: "error", Err: ErrCancelled, AmountPaid: amountPaid}
		}
	}
}

func allPresent(chunks map[int]string, n int) bool {
	for i := 0; i < n; i++ {
		if _, ok := chunks[i]; !ok {
			return false
		}
	}
	return true
}

func joinChunks(chunks map[int]string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(chunks[i])
	}
	return b.String()
}

// hexToPreimage decodes a 32-byte hex preimage, used by both client and
// expert sides of Phase 5.
func hexToPreimage(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, errors.Wrap(err, 0)
	}
	if len(b) != 32 {
		return out, errors.New("protocol: preimage must be 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}
