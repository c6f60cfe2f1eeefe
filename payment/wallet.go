package payment

import (
	"context"
	"time"
)

// Wallet is the three-operation external collaborator spec.md §6 defines:
// a standard Lightning wallet-connect implementation is the expected
// backing, but the Payment Coordinator depends on nothing beyond this
// interface.
type Wallet interface {
	// MakeInvoice creates an invoice for amountMsat, described either by
	// description or by descriptionHash (mutually exclusive; pass "" /
	// nil for the one not used). expiry of 0 means the wallet's default.
	MakeInvoice(ctx context.Context, amountMsat uint64, description string,
		descriptionHash []byte, expiry time.Duration) (invoice string, paymentHash [32]byte, err error)

	// PayInvoice pays invoice (optionally overriding its amount for
	// amountless invoices, which this marketplace never issues but a
	// Wallet implementation may still support) and returns the
	// preimage released on settlement.
	PayInvoice(ctx context.Context, invoice string, amountMsat uint64) (preimage [32]byte, err error)

	// LookupInvoice returns the current status of the invoice paying to
	// paymentHash, or nil if the wallet has no record of it.
	LookupInvoice(ctx context.Context, paymentHash [32]byte) (*InvoiceStatus, error)
}

// InvoiceStatus is what LookupInvoice reports about a wallet's local
// invoice record.
type InvoiceStatus struct {
	// SettledAt is the zero time if the invoice has not settled.
	SettledAt time.Time
}

// Settled reports whether the invoice has been paid, per spec.md §4.4
// ("a non-zero settlement time").
func (s *InvoiceStatus) Settled() bool {
	return s != nil && !s.SettledAt.IsZero()
}
