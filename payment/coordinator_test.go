package payment

import (
	"context"
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeWallet is an in-memory Wallet used purely to drive the
// Coordinator's dispatch and verification logic under test.
type fakeWallet struct {
	mu         sync.Mutex
	settled    map[[32]byte]bool
	payDelay   time.Duration
	inFlight   int32
	maxInFlight int32
	payOrder   []string
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{settled: make(map[[32]byte]bool)}
}

func (w *fakeWallet) MakeInvoice(ctx context.Context, amountMsat uint64, description string,
	descriptionHash []byte, expiry time.Duration) (string, [32]byte, error) {

	hash := sha256.Sum256([]byte(description))
	return "lnbc-fake-" + description, hash, nil
}

func (w *fakeWallet) PayInvoice(ctx context.Context, invoice string, amountMsat uint64) ([32]byte, error) {
	cur := atomic.AddInt32(&w.inFlight, 1)
	defer atomic.AddInt32(&w.inFlight, -1)

	for {
		old := atomic.LoadInt32(&w.maxInFlight)
		if cur <= old || atomic.CompareAndSwapInt32(&w.maxInFlight, old, cur) {
			break
		}
	}

	if w.payDelay > 0 {
		time.Sleep(w.payDelay)
	}

	w.mu.Lock()
	w.payOrder = append(w.payOrder, invoice)
	w.mu.Unlock()

	preimage := sha256.Sum256([]byte(invoice))
	hash := sha256.Sum256(preimage[:])
	w.mu.Lock()
	w.settled[hash] = true
	w.mu.Unlock()
	return preimage, nil
}

func (w *fakeWallet) LookupInvoice(ctx context.Context, paymentHash [32]byte) (*InvoiceStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.settled[paymentHash] {
		return &InvoiceStatus{}, nil
	}
	return &InvoiceStatus{SettledAt: time.Unix(1_700_000_000, 0)}, nil
}

func TestPayInvoiceBoundsConcurrency(t *testing.T) {
	wallet := newFakeWallet()
	wallet.payDelay = 50 * time.Millisecond
	coord := NewCoordinator(wallet, 2)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := coord.PayInvoice(context.Background(), "invoice-"+string(rune('a'+n)), 1000)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, int(atomic.LoadInt32(&wallet.maxInFlight)), 2)
	require.Len(t, wallet.payOrder, 5)
}

func TestPayInvoiceFIFOUnderSaturation(t *testing.T) {
	wallet := newFakeWallet()
	wallet.payDelay = 30 * time.Millisecond
	coord := NewCoordinator(wallet, 1)

	var completionOrder []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Stagger submission so acquisition order is deterministic.
			time.Sleep(time.Duration(n) * 5 * time.Millisecond)
			_, err := coord.PayInvoice(context.Background(), "seq", 1000)
			require.NoError(t, err)
			mu.Lock()
			completionOrder = append(completionOrder, n)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3}, completionOrder)
}

func TestVerifyPaymentPreimageMismatchFailsFast(t *testing.T) {
	wallet := newFakeWallet()
	coord := NewCoordinator(wallet, 5)

	var hash [32]byte
	var wrongPreimage [32]byte
	copy(hash[:], []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	copy(wrongPreimage[:], []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))

	err := coord.VerifyPayment(context.Background(), VerifyOptions{
		PaymentHash: hash,
		Preimage:    wrongPreimage,
	})
	require.ErrorIs(t, err, ErrPreimageMismatch)
}

func TestVerifyPaymentSucceedsAfterRetry(t *testing.T) {
	wallet := newFakeWallet()
	coord := NewCoordinator(wallet, 5)

	var preimage [32]byte
	copy(preimage[:], []byte("ccccccccccccccccccccccccccccccc"))
	hash := sha256.Sum256(preimage[:])

	go func() {
		time.Sleep(600 * time.Millisecond)
		wallet.mu.Lock()
		wallet.settled[hash] = true
		wallet.mu.Unlock()
	}()

	err := coord.VerifyPayment(context.Background(), VerifyOptions{
		PaymentHash: hash,
		Preimage:    preimage,
	})
	require.NoError(t, err)
}

func TestVerifyPaymentExhaustsRetriesAndFails(t *testing.T) {
	wallet := newFakeWallet()
	coord := NewCoordinator(wallet, 5)

	var preimage [32]byte
	copy(preimage[:], []byte("ddddddddddddddddddddddddddddddd"))
	hash := sha256.Sum256(preimage[:])

	err := coord.VerifyPayment(context.Background(), VerifyOptions{
		PaymentHash: hash,
		Preimage:    preimage,
	})
	require.ErrorIs(t, err, ErrInvoiceUnsettled)
}
