package protocol_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/askexperts/market/event"
	"github.com/askexperts/market/payment"
	"github.com/askexperts/market/protocol"
	"github.com/askexperts/market/relay"
)

// testWallet simulates a single shared Lightning backend: MakeInvoice
// picks the preimage (as a real receiving node would) and derives the
// payment hash from it; PayInvoice "pays" by looking the preimage back
// up and marking the invoice settled, standing in for what a real
// payer/payee round trip over the network would accomplish.
type testWallet struct {
	mu        sync.Mutex
	preimages map[string][32]byte
	settled   map[[32]byte]bool
}

func newTestWallet() *testWallet {
	return &testWallet{preimages: make(map[string][32]byte), settled: make(map[[32]byte]bool)}
}

func (w *testWallet) MakeInvoice(ctx context.Context, amountMsat uint64, description string,
	descriptionHash []byte, expiry time.Duration) (string, [32]byte, error) {

	preimage := sha256.Sum256([]byte(description + ":preimage"))
	hash := sha256.Sum256(preimage[:])
	invoiceStr := "lnbc-test-" + description

	w.mu.Lock()
	w.preimages[invoiceStr] = preimage
	w.mu.Unlock()

	return invoiceStr, hash, nil
}

func (w *testWallet) PayInvoice(ctx context.Context, invoice string, amountMsat uint64) ([32]byte, error) {
	w.mu.Lock()
	preimage, ok := w.preimages[invoice]
	w.mu.Unlock()
	if !ok {
		return [32]byte{}, payment.ErrInvoiceNotFound
	}

	hash := sha256.Sum256(preimage[:])
	w.mu.Lock()
	w.settled[hash] = true
	w.mu.Unlock()
	return preimage, nil
}

func (w *testWallet) LookupInvoice(ctx context.Context, paymentHash [32]byte) (*payment.InvoiceStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.settled[paymentHash] {
		return &payment.InvoiceStatus{}, nil
	}
	return &payment.InvoiceStatus{SettledAt: time.Unix(1_700_000_000, 0)}, nil
}

// pumpExpert drives an ExpertEngine against a subscription spanning both
// Ask (discovery) and Prompt/Proof (addressed) traffic, standing in for
// the Expert Runtime's dispatch loop (package expert) for test purposes.
func pumpExpert(ctx context.Context, engine *protocol.ExpertEngine, sub *relay.Subscription, expertPubHex string, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			switch ev.Kind {
			case event.KindAsk:
				go engine.HandleAsk(ctx, ev)
			case event.KindPrompt:
				if ev.AddressedTo(expertPubHex) {
					go engine.HandlePrompt(ctx, ev)
				}
			case event.KindProof:
				if ev.AddressedTo(expertPubHex) {
					go engine.HandleProof(ctx, ev)
				}
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func TestHappyPathTextAnswer(t *testing.T) {
	relayServer := newFakeRelay()
	defer relayServer.close()

	pool := relay.NewPool()
	defer pool.Close()

	expertPriv, err := event.GenerateKey()
	require.NoError(t, err)
	expertPubHex := event.PubKeyHex(expertPriv)

	wallet := newTestWallet()
	coord := payment.NewCoordinator(wallet, 5)

	caps := protocol.ExpertCapabilities{
		OnAsk: func(ask *protocol.AskView) (*protocol.ExpertBid, bool) {
			return &protocol.ExpertBid{
				Offer:        "I can help",
				PromptRelays: []string{relayServer.url},
				Formats:      []string{"text"},
				Methods:      []string{"lightning"},
			}, true
		},
		OnPromptPrice: func(prompt *protocol.PromptView) (*protocol.ExpertPrice, error) {
			return &protocol.ExpertPrice{AmountSats: 50, Description: "answer", ExpirySecs: 600}, nil
		},
		OnPromptPaid: func(prompt *protocol.PromptView, quote *protocol.Quote) (protocol.ReplyStream, error) {
			out := make(chan protocol.ReplyChunk, 3)
			go func() {
				defer close(out)
				out <- protocol.ReplyChunk{Index: 0, Content: "Channels close "}
				out <- protocol.ReplyChunk{Index: 1, Content: "either cooperatively "}
				out <- protocol.ReplyChunk{Index: 2, Content: "or unilaterally.", Done: true}
			}()
			return out, nil
		},
	}
	engine := protocol.NewExpertEngine(expertPriv, pool, coord, caps, []string{relayServer.url})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expertSub := pool.Subscribe([]relay.Filter{
		{Kinds: []event.Kind{event.KindAsk}},
		{Kinds: []event.Kind{event.KindPrompt, event.KindProof}, Tags: map[string][]string{"p": {expertPubHex}}},
	}, []string{relayServer.url})
	defer expertSub.Close()

	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go pumpExpert(ctx, engine, expertSub, expertPubHex, pumpDone)

	bids, err := protocol.FindExperts(ctx, pool, "Tell me about lightning", []string{"bitcoin", "lightning"},
		protocol.FindExpertsOptions{
			DiscoveryRelays: []string{relayServer.url},
			BidWindow:       500 * time.Millisecond,
			HardDeadline:    2 * time.Second,
		})
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Equal(t, expertPubHex, bids[0].ExpertPubKey)

	result := protocol.AskExpert(ctx, pool, protocol.AskExpertOptions{
		ExpertPubKey: expertPubHex,
		PromptRelays: bids[0].Payload.PromptRelays,
		Format:       "text",
		Content:      "how do channels close?",
		Capabilities: protocol.ClientCapabilities{
			OnPay: func(quote *protocol.Quote, prompt *protocol.PromptView) (string, error) {
				require.Len(t, quote.Invoices, 1)
				inv := quote.Invoices[0]
				preimage, err := wallet.PayInvoice(context.Background(), inv.Payload, inv.Amount*1000)
				if err != nil {
					return "", err
				}
				return hex.EncodeToString(preimage[:]), nil
			},
		},
	})

	require.Equal(t, "content", result.Status, "unexpected result: %+v", result)
	require.Equal(t, "Channels close either cooperatively or unilaterally.", result.Content)
	require.Equal(t, uint64(50), result.AmountPaid)
}

func TestPreimageMismatchRefused(t *testing.T) {
	relayServer := newFakeRelay()
	defer relayServer.close()

	pool := relay.NewPool()
	defer pool.Close()

	expertPriv, err := event.GenerateKey()
	require.NoError(t, err)
	expertPubHex := event.PubKeyHex(expertPriv)

	coord := payment.NewCoordinator(newTestWallet(), 5)

	replied := false
	caps := protocol.ExpertCapabilities{
		OnAsk: func(ask *protocol.AskView) (*protocol.ExpertBid, bool) {
			return &protocol.ExpertBid{Offer: "ok", PromptRelays: []string{relayServer.url}}, true
		},
		OnPromptPrice: func(prompt *protocol.PromptView) (*protocol.ExpertPrice, error) {
			return &protocol.ExpertPrice{AmountSats: 10, Description: "x", ExpirySecs: 600}, nil
		},
		OnPromptPaid: func(prompt *protocol.PromptView, quote *protocol.Quote) (protocol.ReplyStream, error) {
			replied = true
			out := make(chan protocol.ReplyChunk, 1)
			out <- protocol.ReplyChunk{Index: 0, Content: "should not happen", Done: true}
			close(out)
			return out, nil
		},
	}
	engine := protocol.NewExpertEngine(expertPriv, pool, coord, caps, []string{relayServer.url})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	expertSub := pool.Subscribe([]relay.Filter{
		{Kinds: []event.Kind{event.KindAsk}},
		{Kinds: []event.Kind{event.KindPrompt, event.KindProof}, Tags: map[string][]string{"p": {expertPubHex}}},
	}, []string{relayServer.url})
	defer expertSub.Close()

	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go pumpExpert(ctx, engine, expertSub, expertPubHex, pumpDone)

	bids, err := protocol.FindExperts(ctx, pool, "x", []string{"t"}, protocol.FindExpertsOptions{
		DiscoveryRelays: []string{relayServer.url},
		BidWindow:       300 * time.Millisecond,
		HardDeadline:    1 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, bids, 1)

	randomPreimage := sha256.Sum256([]byte("not the right preimage"))
	result := protocol.AskExpert(ctx, pool, protocol.AskExpertOptions{
		ExpertPubKey:      expertPubHex,
		PromptRelays:      bids[0].Payload.PromptRelays,
		Content:           "q",
		ProofToFirstReply: time.Second,
		Capabilities: protocol.ClientCapabilities{
			OnPay: func(quote *protocol.Quote, prompt *protocol.PromptView) (string, error) {
				return hex.EncodeToString(randomPreimage[:]), nil
			},
		},
	})

	require.Equal(t, "timeout", result.Status)
	require.False(t, replied, "expert must not have invoked onPromptPaid for a mismatched preimage")
}
