package expert_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/askexperts/market/event"
	"github.com/askexperts/market/expert"
	"github.com/askexperts/market/payment"
	"github.com/askexperts/market/protocol"
	"github.com/askexperts/market/relay"
)

// testWallet mirrors the protocol package's own test double: MakeInvoice
// picks the preimage and derives the payment hash from it, PayInvoice
// looks the preimage back up by invoice string.
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

func TestRuntimePublishesInitialProfile(t *testing.T) {
	relayServer := newFakeRelay()
	defer relayServer.close()

	priv, err := event.GenerateKey()
	require.NoError(t, err)
	pubHex := event.PubKeyHex(priv)

	rt := expert.NewRuntime(expert.Config{
		PrivateKey:      priv,
		Wallet:          newTestWallet(),
		DiscoveryRelays: []string{relayServer.url},
		PromptRelays:    []string{relayServer.url},
		Hashtags:        []string{"bitcoin"},
		Formats:         []string{"text"},
		Methods:         []string{"lightning"},
		Capabilities: protocol.ExpertCapabilities{
			OnPromptPrice: func(*protocol.PromptView) (*protocol.ExpertPrice, error) {
				return &protocol.ExpertPrice{AmountSats: 1, Description: "x", ExpirySecs: 60}, nil
			},
			OnPromptPaid: func(*protocol.PromptView, *protocol.Quote) (protocol.ReplyStream, error) {
				out := make(chan protocol.ReplyChunk)
				close(out)
				return out, nil
			},
		},
		Profile: func() protocol.ProfileWire {
			return protocol.ProfileWire{Nickname: "bolt", Description: "lightning expert"}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	pool := relay.NewPool()
	defer pool.Close()

	profiles, err := protocol.FetchExperts(ctx, pool, []string{pubHex}, []string{relayServer.url})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	require.Equal(t, "bolt", profiles[0].Nickname)
	require.Contains(t, profiles[0].Hashtags, "bitcoin")
}

func TestRuntimeRepublishesProfileOnlyOnChange(t *testing.T) {
	relayServer := newFakeRelay()
	defer relayServer.close()

	priv, err := event.GenerateKey()
	require.NoError(t, err)

	nickname := "bolt-v1"
	var mu sync.Mutex
	rt := expert.NewRuntime(expert.Config{
		PrivateKey:        priv,
		Wallet:            newTestWallet(),
		DiscoveryRelays:   []string{relayServer.url},
		PromptRelays:      []string{relayServer.url},
		RecomputeInterval: 24 * time.Hour,
		Capabilities: protocol.ExpertCapabilities{
			OnPromptPrice: func(*protocol.PromptView) (*protocol.ExpertPrice, error) {
				return &protocol.ExpertPrice{AmountSats: 1, ExpirySecs: 60}, nil
			},
			OnPromptPaid: func(*protocol.PromptView, *protocol.Quote) (protocol.ReplyStream, error) {
				out := make(chan protocol.ReplyChunk)
				close(out)
				return out, nil
			},
		},
		Profile: func() protocol.ProfileWire {
			mu.Lock()
			defer mu.Unlock()
			return protocol.ProfileWire{Nickname: nickname}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	relayServer.mu.Lock()
	initialCount := len(relayServer.stored)
	relayServer.mu.Unlock()
	require.Equal(t, 1, initialCount)

	mu.Lock()
	nickname = "bolt-v1" // unchanged
	mu.Unlock()
	// a forced recompute with an unchanged profile must not republish;
	// count must still reflect only the initial publish.
	rt.RecomputeNow()
	time.Sleep(50 * time.Millisecond)
	relayServer.mu.Lock()
	unchangedCount := len(relayServer.stored)
	relayServer.mu.Unlock()
	require.Equal(t, 1, unchangedCount)

	// a forced recompute after the profile changed republishes it.
	mu.Lock()
	nickname = "bolt-v2"
	mu.Unlock()
	rt.RecomputeNow()
	require.Eventually(t, func() bool {
		relayServer.mu.Lock()
		defer relayServer.mu.Unlock()
		return len(relayServer.stored) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

// There is no pump helper here: Runtime owns its own dispatch loop, unlike
// the protocol package's bare-engine tests which drive pumpExpert manually.

func TestRuntimeHappyPathTextAnswer(t *testing.T) {
	relayServer := newFakeRelay()
	defer relayServer.close()

	priv, err := event.GenerateKey()
	require.NoError(t, err)
	expertPubHex := event.PubKeyHex(priv)

	wallet := newTestWallet()

	rt := expert.NewRuntime(expert.Config{
		PrivateKey:      priv,
		Wallet:          wallet,
		DiscoveryRelays: []string{relayServer.url},
		PromptRelays:    []string{relayServer.url},
		Hashtags:        []string{"bitcoin"},
		Formats:         []string{"text"},
		Methods:         []string{"lightning"},
		Capabilities: protocol.ExpertCapabilities{
			OnAsk: func(ask *protocol.AskView) (*protocol.ExpertBid, bool) {
				return &protocol.ExpertBid{
					Offer:        "I can help",
					PromptRelays: []string{relayServer.url},
					Formats:      []string{"text"},
					Methods:      []string{"lightning"},
				}, true
			},
			OnPromptPrice: func(*protocol.PromptView) (*protocol.ExpertPrice, error) {
				return &protocol.ExpertPrice{AmountSats: 50, Description: "answer", ExpirySecs: 600}, nil
			},
			OnPromptPaid: func(prompt *protocol.PromptView, quote *protocol.Quote) (protocol.ReplyStream, error) {
				out := make(chan protocol.ReplyChunk, 2)
				go func() {
					defer close(out)
					out <- protocol.ReplyChunk{Index: 0, Content: "42"}
					out <- protocol.ReplyChunk{Index: 1, Content: " is the answer.", Done: true}
				}()
				return out, nil
			},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	pool := relay.NewPool()
	defer pool.Close()

	bids, err := protocol.FindExperts(ctx, pool, "what is the answer?", []string{"bitcoin"},
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
		Content:      "what is the answer?",
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
	require.Equal(t, "42 is the answer.", result.Content)
	require.Equal(t, uint64(50), result.AmountPaid)
}
