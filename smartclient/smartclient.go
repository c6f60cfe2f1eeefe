// Package smartclient implements the optional Smart Client of spec.md
// §4.7: a thin orchestration layer over the package protocol's
// findExperts/askExpert primitives that turns a natural-language
// question and a budget into a set of per-expert answers. Selection and
// budget allocation are policy decisions deliberately kept out of the
// Protocol Engine, following the same "dynamic capability object"
// strategy protocol.ClientCapabilities uses for its own callbacks.
package smartclient

import (
	"context"
	"encoding/hex"
	"sort"
	"time"

	"github.com/go-errors/errors"

	"github.com/askexperts/market/payment"
	"github.com/askexperts/market/protocol"
	"github.com/askexperts/market/relay"
)

// Summarizer turns a user's natural-language question into the public
// Ask summary and discovery hashtags published to the network, per
// spec.md §4.7's "anonymized public summary". It is an external
// collaborator (an LLM call) — this package defines the seam, not an
// implementation.
type Summarizer interface {
	Summarize(ctx context.Context, question string) (summary string, hashtags []string, err error)
}

// Selector picks up to k bids worth pursuing out of everything
// findExperts collected, given the user's original question for
// relevance scoring. It is the policy hook spec.md §9 Open Question 3
// leaves undefined ("LLM-scored match between the user's requirements
// and each bid's offer").
type Selector interface {
	Select(ctx context.Context, question string, budgetSats uint64, k int, bids []*protocol.Bid) []*protocol.Bid
}

// FirstKUnderBudget is the trivial default Selector: it takes the first
// k bids, in the order findExperts returned them, with no scoring. It
// exists so this package is usable standalone without an LLM backend;
// production callers are expected to supply a Selector backed by one.
type FirstKUnderBudget struct{}

func (FirstKUnderBudget) Select(ctx context.Context, question string, budgetSats uint64, k int, bids []*protocol.Bid) []*protocol.Bid {
	if k <= 0 || k >= len(bids) {
		return bids
	}
	return bids[:k]
}

// Config configures a Client.
type Config struct {
	Pool *relay.Pool

	DiscoveryRelays []string
	Hashtags        []string
	Formats         []string
	Methods         []string

	Summarizer Summarizer
	Selector   Selector

	// MaxExperts bounds how many bids are pursued after selection
	// (spec.md §4.7's "up to K experts"). Zero means no cap beyond
	// whatever the Selector itself returns.
	MaxExperts int

	Wallet             payment.Wallet
	PaymentConcurrency int

	FindExpertsOpts FindOverrides
}

// FindOverrides lets a caller tune the underlying FindExperts call
// without reaching into the protocol package directly.
type FindOverrides struct {
	BidWindow    time.Duration
	HardDeadline time.Duration
}

// Client runs the Smart Client orchestration described by spec.md §4.7.
type Client struct {
	cfg         Config
	coordinator *payment.Coordinator
}

// New builds a Client. Wallet and Pool are required.
func New(cfg Config) (*Client, error) {
	if cfg.Pool == nil {
		return nil, errors.New("smartclient: Pool is required")
	}
	if cfg.Wallet == nil {
		return nil, errors.New("smartclient: Wallet is required")
	}
	if cfg.Selector == nil {
		cfg.Selector = FirstKUnderBudget{}
	}
	return &Client{
		cfg:         cfg,
		coordinator: payment.NewCoordinator(cfg.Wallet, cfg.PaymentConcurrency),
	}, nil
}

// ExpertResult is one expert's outcome, matching spec.md §4.7's "return
// the collected answers with per-expert status".
type ExpertResult struct {
	ExpertPubKey string
	Offer        string
	Status       string // "content" | "timeout" | "error" | "refused"
	Content      string
	AmountPaid   uint64
	Err          error
}

// Ask runs the full flow: summarize, findExperts, select, askExpert
// each selected bid concurrently with a per-expert share of budgetSats,
// and collect results.
func (c *Client) Ask(ctx context.Context, question string, budgetSats uint64) ([]*ExpertResult, error) {
	summary, hashtags, err := c.summarize(ctx, question)
	if err != nil {
		return nil, errors.WrapPrefix(err, "smartclient: summarize", 0)
	}
	if len(hashtags) == 0 {
		hashtags = c.cfg.Hashtags
	}

	bids, err := protocol.FindExperts(ctx, c.cfg.Pool, summary, hashtags, protocol.FindExpertsOptions{
		DiscoveryRelays: c.cfg.DiscoveryRelays,
		Formats:         c.cfg.Formats,
		Methods:         c.cfg.Methods,
		BidWindow:       c.cfg.FindExpertsOpts.BidWindow,
		HardDeadline:    c.cfg.FindExpertsOpts.HardDeadline,
	})
	if err != nil {
		return nil, errors.WrapPrefix(err, "smartclient: find experts", 0)
	}
	if len(bids) == 0 {
		return nil, nil
	}

	selected := c.cfg.Selector.Select(ctx, question, budgetSats, c.cfg.MaxExperts, bids)
	if len(selected) == 0 {
		return nil, nil
	}

	perExpertBudget := budgetSats / uint64(len(selected))

	results := make([]*ExpertResult, len(selected))
	done := make(chan struct{}, len(selected))
	for i, bid := range selected {
		i, bid := i, bid
		go func() {
			defer func() { done <- struct{}{} }()
			results[i] = c.askOne(ctx, bid, question, perExpertBudget)
		}()
	}
	for range selected {
		<-done
	}

	return results, nil
}

func (c *Client) summarize(ctx context.Context, question string) (string, []string, error) {
	if c.cfg.Summarizer == nil {
		return question, nil, nil
	}
	return c.cfg.Summarizer.Summarize(ctx, question)
}

func (c *Client) askOne(ctx context.Context, bid *protocol.Bid, question string, budgetSats uint64) *ExpertResult {
	if bid.Payload == nil || len(bid.Payload.PromptRelays) == 0 {
		return &ExpertResult{ExpertPubKey: bid.ExpertPubKey, Status: "error", Err: errors.New("smartclient: bid has no prompt relays")}
	}

	res := protocol.AskExpert(ctx, c.cfg.Pool, protocol.AskExpertOptions{
		ExpertPubKey: bid.ExpertPubKey,
		PromptRelays: bid.Payload.PromptRelays,
		Format:       firstOr(bid.Payload.Formats, "text"),
		Content:      question,
		Capabilities: protocol.ClientCapabilities{
			OnQuote: c.budgetGate(budgetSats),
			OnPay:   c.payQuote,
		},
	})

	return &ExpertResult{
		ExpertPubKey: bid.ExpertPubKey,
		Offer:        bid.Payload.Offer,
		Status:       res.Status,
		Content:      res.Content,
		AmountPaid:   res.AmountPaid,
		Err:          res.Err,
	}
}

func (c *Client) budgetGate(budgetSats uint64) protocol.OnQuoteFunc {
	return func(quote *protocol.Quote, prompt *protocol.PromptView) bool {
		for _, inv := range quote.Invoices {
			if inv.Unit == "sat" && inv.Amount <= budgetSats {
				return true
			}
		}
		return len(quote.Invoices) > 0 && quote.Invoices[0].Amount <= budgetSats
	}
}

func (c *Client) payQuote(quote *protocol.Quote, prompt *protocol.PromptView) (string, error) {
	if len(quote.Invoices) == 0 {
		return "", errors.New("smartclient: quote has no invoices")
	}
	inv := cheapestLightning(quote.Invoices)
	preimage, err := c.coordinator.PayInvoice(context.Background(), inv.Payload, inv.Amount*1000)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(preimage[:]), nil
}

func cheapestLightning(invoices []protocol.Invoice) protocol.Invoice {
	sorted := make([]protocol.Invoice, len(invoices))
	copy(sorted, invoices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount < sorted[j].Amount })
	for _, inv := range sorted {
		if inv.Method == "lightning" {
			return inv
		}
	}
	return sorted[0]
}

func firstOr(vals []string, fallback string) string {
	if len(vals) == 0 {
		return fallback
	}
	return vals[0]
}
