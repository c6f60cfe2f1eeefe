package payment

import "github.com/go-errors/errors"

// The Payment Coordinator's failure taxonomy, per spec.md §4.4. Each is a
// distinct sentinel so callers can discriminate with errors.Is, following
// the teacher's htlcswitch package convention of exported ErrXxx values.
var (
	// ErrInvoiceParse is returned when an invoice string fails to parse.
	ErrInvoiceParse = errors.New("payment: malformed invoice")

	// ErrPaymentNetwork is a transient wallet-bridge failure; the caller
	// may retry payInvoice.
	ErrPaymentNetwork = errors.New("payment: transient network error")

	// ErrInvoiceNotFound means the wallet backend has no record of the
	// invoice; fatal for the proof being verified.
	ErrInvoiceNotFound = errors.New("payment: invoice not found")

	// ErrInvoiceUnsettled means the wallet has a record but it has not
	// settled; transient during the retry grace window, fatal after.
	ErrInvoiceUnsettled = errors.New("payment: invoice not settled")

	// ErrPreimageMismatch means hash(preimage) != invoice.payment_hash;
	// always fatal, never retried.
	ErrPreimageMismatch = errors.New("payment: preimage does not match payment hash")
)
