package protocol

// Capability functions follow spec.md §9's "dynamic callback objects
// with optional fields" strategy: a polymorphic capability set per
// side, with absent callbacks represented by a typed default rather
// than nil-checks sprinkled through the engine.

// OnAskFunc answers spec.md §4.3 Phase 2: given an incoming Ask, either
// produce an ExpertBid or decline by returning ok=false.
type OnAskFunc func(ask *AskView) (bid *ExpertBid, ok bool)

// OnPromptPriceFunc answers Phase 4: compute the price for an incoming
// Prompt.
type OnPromptPriceFunc func(prompt *PromptView) (*ExpertPrice, error)

// OnPromptPaidFunc answers Phase 5 on the expert side: the payment has
// been verified, produce the answer as a ReplyStream.
type OnPromptPaidFunc func(prompt *PromptView, quote *Quote) (ReplyStream, error)

// OnQuoteFunc answers Phase 5 on the client side: accept or refuse an
// incoming Quote.
type OnQuoteFunc func(quote *Quote, prompt *PromptView) bool

// OnPayFunc answers Phase 5 on the client side: settle (one of) the
// quote's invoices and return the preimage, hex-encoded, that proves it.
type OnPayFunc func(quote *Quote, prompt *PromptView) (preimageHex string, err error)

// DefaultRefuseAsk never bids; the default-refuse sentinel for OnAskFunc.
func DefaultRefuseAsk(_ *AskView) (*ExpertBid, bool) { return nil, false }

// DefaultAcceptQuote always accepts; the default-allow sentinel for
// OnQuoteFunc, useful for callers that pre-filtered by budget upstream.
func DefaultAcceptQuote(_ *Quote, _ *PromptView) bool { return true }

// ExpertCapabilities bundles the expert-side callback set an
// ExpertEngine is configured with. Zero-value fields fall back to
// DefaultRefuseAsk; OnPromptPrice and OnPromptPaid have no sensible
// default and MUST be supplied.
type ExpertCapabilities struct {
	OnAsk         OnAskFunc
	OnPromptPrice OnPromptPriceFunc
	OnPromptPaid  OnPromptPaidFunc
}

func (c ExpertCapabilities) onAsk() OnAskFunc {
	if c.OnAsk == nil {
		return DefaultRefuseAsk
	}
	return c.OnAsk
}

// ClientCapabilities bundles the client-side callback set AskExpert is
// configured with. A zero-value OnQuote falls back to
// DefaultAcceptQuote; OnPay has no sensible default and MUST be
// supplied.
type ClientCapabilities struct {
	OnQuote OnQuoteFunc
	OnPay   OnPayFunc
}

func (c ClientCapabilities) onQuote() OnQuoteFunc {
	if c.OnQuote == nil {
		return DefaultAcceptQuote
	}
	return c.OnQuote
}
