// Package protocol implements the five-phase Ask/Bid/Prompt/Quote/Proof/
// Reply state machine of spec.md §4.3: it owns ephemeral key generation,
// the encryption binding between phases, and reply streaming, on both
// the client and expert sides.
package protocol

import "time"

// Default phase timeouts, per spec.md §5.
const (
	DefaultBidWindow          = 5 * time.Second
	DefaultBidHardDeadline    = 15 * time.Second
	DefaultPromptToQuote      = 30 * time.Second
	DefaultProofToFirstReply  = 60 * time.Second
	DefaultInterReplyGap      = 30 * time.Second
	DefaultAwaitingProofGrace = 60 * time.Second
)

// AskView is the parsed, read-only form of an A1 Ask event, as seen by
// an expert's onAsk callback.
type AskView struct {
	ID            string
	SessionPubKey string
	Summary       string
	Hashtags      []string
	Formats       []string
	Methods       []string
	Stream        bool
	Relays        []string
}

// ExpertBid is what an expert's onAsk callback returns to signal it
// wants to bid, per spec.md §4.3 Phase 2.
type ExpertBid struct {
	Offer        string
	PromptRelays []string
	Formats      []string
	Methods      []string
	Stream       bool
}

// BidPayload is the inner, session-key-encrypted content of a Bid (A3),
// per spec.md §3. It is never published standalone.
type BidPayload struct {
	Offer         string   `json:"offer"`
	PromptRelays  []string `json:"prompt_relays"`
	Formats       []string `json:"formats"`
	Methods       []string `json:"methods"`
	Stream        bool     `json:"stream"`
	ExpertPubKey  string   `json:"expert_pubkey"`
}

// Bid is the client-accumulated, decrypted view of one expert's bid.
type Bid struct {
	ExpertPubKey string
	BidID        string
	AskID        string
	Payload      *BidPayload
}

// PromptView is the parsed, read-only form of a decrypted B1 Prompt
// event, as seen by an expert's onPromptPrice / onPromptPaid callbacks.
type PromptView struct {
	ID            string
	PromptPubKey  string
	Format        string
	Content       string
}

// ExpertPrice is what onPromptPrice returns: the amount to charge and
// its human-readable justification, per spec.md §4.3 Phase 4.
type ExpertPrice struct {
	AmountSats  uint64
	Description string
	ExpirySecs  int
}

// Invoice is one method-specific payment instrument offered in a Quote,
// per spec.md §3.
type Invoice struct {
	Method  string `json:"method"`
	Unit    string `json:"unit"`
	Amount  uint64 `json:"amount"`
	Payload string `json:"payload"`
}

// Quote is the content of a B2 event: the invoice list for one Prompt.
type Quote struct {
	PromptID string    `json:"prompt_id"`
	Invoices []Invoice `json:"invoices"`
}

// Proof is the content of a B3 event.
type Proof struct {
	Method   string `json:"method"`
	Preimage string `json:"preimage"`
}

// ReplyChunk is one chunk of a B4 event.
type ReplyChunk struct {
	Index   int    `json:"index"`
	Format  string `json:"format,omitempty"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// ReplyStream is how onPromptPaid hands the answer back to the expert
// engine: a finite, non-restartable sequence of chunks, one logical
// answer per channel, closed by the producer when exhausted. The last
// value sent MUST have Done true or Error set.
type ReplyStream <-chan ReplyChunk
