package protocol

import "github.com/go-errors/errors"

// The Protocol Engine's failure taxonomy, per spec.md §7. Each phase
// surfaces one of these rather than a bare wrapped error so callers can
// discriminate with errors.Is.
var (
	// ErrRelayPublishEmpty means publish() succeeded on zero relays;
	// fatal for that send.
	ErrRelayPublishEmpty = errors.New("protocol: publish succeeded on zero relays")

	// ErrProtocolTimeout means a phase deadline elapsed before the
	// expected event arrived.
	ErrProtocolTimeout = errors.New("protocol: timeout")

	// ErrInvalidProof means the proof's preimage did not hash to the
	// quote's payment hash, or settlement could not be confirmed.
	ErrInvalidProof = errors.New("protocol: invalid proof")

	// ErrQuoteRefused means the caller's onQuote callback declined the
	// quote; no Proof is sent.
	ErrQuoteRefused = errors.New("protocol: quote refused")

	// ErrPaymentFailed means onPay (or the underlying payInvoice) could
	// not settle the quote's invoice.
	ErrPaymentFailed = errors.New("protocol: payment failed")

	// ErrBudgetExceeded means a client-side pre-check rejected an
	// expert before any prompt was sent.
	ErrBudgetExceeded = errors.New("protocol: budget exceeded")

	// ErrCancelled means the caller's context was cancelled.
	ErrCancelled = errors.New("protocol: cancelled")

	// ErrNoBid means the caller's onAsk declined to bid.
	ErrNoBid = errors.New("protocol: no bid")
)
