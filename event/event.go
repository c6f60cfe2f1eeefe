// Package event implements the signed, typed, tagged message that is the
// wire unit for every phase of the Ask/Bid/Prompt/Quote/Proof/Reply
// protocol, plus the authenticated encryption bound to a (sender,
// recipient) key pair that every phase but Ask and ExpertProfile relies on.
package event

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-errors/errors"
)

// Kind is the unsigned integer namespace that distinguishes the events of
// the protocol. The numbering follows the existing deployment's range
// (20174..20180) for the session-scoped events, plus a distinguished
// replaceable kind for the long-lived ExpertProfile, as required by
// spec.md §6.
type Kind uint32

const (
	// KindAsk is the client's public discovery broadcast (A1).
	KindAsk Kind = 20174

	// KindBid is the expert's outer, session-key-encrypted envelope (A2).
	KindBid Kind = 20175

	// KindBidPayload is the inner payload decrypted from a Bid (A3). It
	// is never published on its own; it exists only as the plaintext a
	// Bid's content decrypts to. The constant is retained so callers can
	// tag locally-reconstructed BidPayload values consistently.
	KindBidPayload Kind = 20176

	// KindPrompt is the client's encrypted question (B1).
	KindPrompt Kind = 20177

	// KindQuote is the expert's encrypted invoice list (B2).
	KindQuote Kind = 20178

	// KindProof is the client's encrypted payment preimage (B3).
	KindProof Kind = 20179

	// KindReply is an expert's encrypted answer chunk (B4).
	KindReply Kind = 20180

	// KindExpertProfile is the long-lived, periodically-republished
	// expert metadata event (E0).
	KindExpertProfile Kind = 10007
)

// Tag is a single tag tuple: the first element is the tag name, the
// remainder are its values. Insertion order is preserved end to end, as
// required for deterministic serialization.
type Tag []string

// Name returns the tag's name, or "" if the tag is empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's first value, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// PTag builds an addressing tag naming the intended recipient of an
// encrypted event, per spec.md §6.
func PTag(recipientPubHex string) Tag {
	return Tag{"p", recipientPubHex}
}

// ETag builds a reference tag to a prior event by id.
func ETag(eventIDHex string) Tag {
	return Tag{"e", eventIDHex}
}

// TTag builds a hashtag tag.
func TTag(hashtag string) Tag {
	return Tag{"t", hashtag}
}

// Event is the canonical wire unit of the protocol.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// canonicalBytes returns the canonical array-form serialization that is
// hashed to produce the event id. Field order and types are fixed: any
// change to this shape changes every event id computed from it.
func canonicalBytes(pubKeyHex string, createdAt int64, kind Kind, tags []Tag, content string) []byte {
	rawTags := make([][]string, len(tags))
	for i, t := range tags {
		rawTags[i] = []string(t)
	}
	arr := []interface{}{
		0,
		pubKeyHex,
		createdAt,
		uint32(kind),
		rawTags,
		content,
	}
	b, err := json.Marshal(arr)
	if err != nil {
		// json.Marshal only fails on unsupported types, none of
		// which appear above.
		panic(err)
	}
	return b
}

// ComputeID returns the hex content-hash id for the given fields.
func ComputeID(pubKeyHex string, createdAt int64, kind Kind, tags []Tag, content string) string {
	h := chainhash.HashB(canonicalBytes(pubKeyHex, createdAt, kind, tags, content))
	return hex.EncodeToString(h)
}

// CreateEvent fills in creation time, identifier, and signature, as
// spec.md §4.1 requires. Tags are kept in the order supplied.
func CreateEvent(kind Kind, content string, tags []Tag, priv *btcec.PrivateKey) (*Event, error) {
	if priv == nil {
		return nil, errors.New("event: nil private key")
	}
	if tags == nil {
		tags = []Tag{}
	}

	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	createdAt := time.Now().Unix()
	id := ComputeID(pubHex, createdAt, kind, tags, content)

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	sig := ecdsa.Sign(priv, idBytes)

	return &Event{
		ID:        id,
		PubKey:    pubHex,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       hex.EncodeToString(sig.Serialize()),
	}, nil
}

// ValidateEvent checks structural validity (id matches the canonical
// hash of the event's fields) and that the signature verifies against the
// author public key, per spec.md §4.1.
func ValidateEvent(e *Event) bool {
	if e == nil {
		return false
	}
	wantID := ComputeID(e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content)
	if wantID != e.ID {
		return false
	}

	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return false
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(idBytes, pub)
}

// TagValues returns all values (tag[1:]) for tags named name, in order.
func (e *Event) TagValues(name string) []string {
	var out []string
	for _, t := range e.Tags {
		if t.Name() == name {
			out = append(out, t[1:]...)
		}
	}
	return out
}

// FirstTagValue returns the first value of the first tag named name, or
// "" and false if none exists.
func (e *Event) FirstTagValue(name string) (string, bool) {
	for _, t := range e.Tags {
		if t.Name() == name && len(t) > 1 {
			return t[1], true
		}
	}
	return "", false
}

// AddressedTo reports whether the event carries a "p" tag naming pubHex.
func (e *Event) AddressedTo(pubHex string) bool {
	for _, v := range e.TagValues("p") {
		if v == pubHex {
			return true
		}
	}
	return false
}

// GenerateKey creates a fresh secp256k1 key pair, used for session keys,
// prompt keys, and expert stable keys alike.
func GenerateKey() (*btcec.PrivateKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return priv, nil
}

// PubKeyHex returns the hex-encoded compressed public key for priv.
func PubKeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

// ParsePubKey parses a hex-encoded compressed public key.
func ParsePubKey(pubHex string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return pub, nil
}

// randomHex is used by callers (e.g. subscription ids) that need an
// opaque identifier unrelated to any key material.
func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// RandomID returns a random 16-byte id as 32 hex characters, for local
// correlation rather than for any protocol event.
func RandomID() string {
	return randomHex(16)
}
