// Package payment implements the Payment Coordinator of spec.md §4.4:
// invoice issuance, a bounded-concurrency payment dispatcher, and
// preimage/settlement verification that gates expert execution.
package payment

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/go-errors/errors"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the spec.md §4.4 default for N, the number of
// payInvoice calls allowed in flight at once.
const DefaultConcurrency = 5

// verifyRetryBackoff implements the spec.md §9 Open Question 2 decision:
// verifyPayment tolerates InvoiceUnsettled with a bounded retry, up to 3
// retries after the first lookup, each wait twice the one before.
var verifyRetryBackoff = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// Invoice is the result of MakeInvoice: the wire string and the hash a
// preimage must satisfy.
type Invoice struct {
	Invoice     string
	PaymentHash [32]byte
}

// Coordinator is shared across every expert backed by the same wallet,
// per spec.md §5's shared-resource policy: "the in-flight-payment
// semaphore is its mutex."
type Coordinator struct {
	wallet Wallet
	sem    *semaphore.Weighted
}

// NewCoordinator creates a Coordinator bounding concurrent payInvoice
// calls to concurrency (DefaultConcurrency if <= 0).
func NewCoordinator(wallet Wallet, concurrency int) *Coordinator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Coordinator{
		wallet: wallet,
		sem:    semaphore.NewWeighted(int64(concurrency)),
	}
}

// MakeInvoice issues an invoice for amountSats satoshis, per spec.md
// §4.4's makeInvoice(amountSats, description, expirySecs?).
func (c *Coordinator) MakeInvoice(ctx context.Context, amountSats uint64,
	description string, expirySecs int) (*Invoice, error) {

	expiry := time.Duration(expirySecs) * time.Second

	invoiceStr, paymentHash, err := c.wallet.MakeInvoice(
		ctx, amountSats*1000, description, nil, expiry,
	)
	if err != nil {
		return nil, errors.WrapPrefix(err, "payment: make invoice", 0)
	}

	return &Invoice{Invoice: invoiceStr, PaymentHash: paymentHash}, nil
}

// PayInvoice pays invoice, waiting in FIFO order for a slot if the
// coordinator's concurrency cap (spec.md §4.4, testable property in §8)
// is currently saturated. amountMsat is only consulted for amountless
// invoices.
func (c *Coordinator) PayInvoice(ctx context.Context, invoice string, amountMsat uint64) ([32]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return [32]byte{}, errors.WrapPrefix(err, "payment: acquire slot", 0)
	}
	defer c.sem.Release(1)

	preimage, err := c.wallet.PayInvoice(ctx, invoice, amountMsat)
	if err != nil {
		return [32]byte{}, errors.WrapPrefix(err, "payment: pay invoice", 0)
	}
	return preimage, nil
}

// VerifyOptions bundles VerifyPayment's inputs: the PaymentHash the
// claimed Preimage must hash to, and that Preimage. Only the payment-hash
// form is accepted; there is no field for an invoice string, and none is
// decoded here.
type VerifyOptions struct {
	PaymentHash [32]byte
	Preimage    [32]byte
}

// VerifyPayment checks, per spec.md §4.4: (a) hash(preimage) equals the
// invoice's payment hash — a local cryptographic check, no network —
// and, only if (a) passes, (b) that the wallet backend records the
// invoice settled. (b) is retried up to 3 times with backoff on
// InvoiceUnsettled before becoming fatal (§9 Open Question 2).
//
// Ordering matters: the caller (the expert-side state machine) must not
// invoke its answer generator until this returns nil, per spec.md §5's
// atomicity guarantee.
func (c *Coordinator) VerifyPayment(ctx context.Context, opts VerifyOptions) error {
	if sha256.Sum256(opts.Preimage[:]) != opts.PaymentHash {
		return ErrPreimageMismatch
	}

	var lastErr error
	for attempt := 0; attempt <= len(verifyRetryBackoff); attempt++ {
		status, err := c.wallet.LookupInvoice(ctx, opts.PaymentHash)
		if err != nil {
			lastErr = errors.WrapPrefix(err, "payment: lookup invoice", 0)
		} else if status == nil {
			return ErrInvoiceNotFound
		} else if status.Settled() {
			return nil
		} else {
			lastErr = ErrInvoiceUnsettled
		}

		if attempt == len(verifyRetryBackoff) {
			break
		}

		select {
		case <-time.After(verifyRetryBackoff[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = ErrInvoiceUnsettled
	}
	return lastErr
}
