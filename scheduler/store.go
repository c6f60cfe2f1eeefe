package scheduler

import "context"

// ExpertRecord is the configuration snapshot the scheduler hands a
// worker in a job/restart message, and the basis for the scheduler's
// change-detection in spec.md §4.6 ("different model, different system
// prompt, different wallet").
type ExpertRecord struct {
	PubKeyHex    string `json:"pubKeyHex"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
	WalletNWC    string `json:"walletNwc"`
}

// sameConfig reports whether two records would produce identical worker
// behavior, i.e. a restart is unnecessary.
func (r *ExpertRecord) sameConfig(other *ExpertRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Model == other.Model &&
		r.SystemPrompt == other.SystemPrompt &&
		r.WalletNWC == other.WalletNWC
}

// ExpertStore is the scheduler's seam onto the externally-owned expert
// table (spec.md's Non-goals name "local embedded key-value storage of
// wallets/experts/users" as an external collaborator; the scheduler
// never touches it directly). ListExperts is polled on PollInterval to
// discover newly queued experts and configuration changes to running
// ones.
type ExpertStore interface {
	ListExperts(ctx context.Context) ([]*ExpertRecord, error)
}

// MemoryExpertStore is a mutation-friendly ExpertStore used by tests and
// standalone deployments that don't need a real backing table; the
// second ExpertStore implementation is whatever production datastore a
// caller wires in (out of this package's scope per spec.md §1).
type MemoryExpertStore struct {
	records map[string]*ExpertRecord
	order   []string
}

// NewMemoryExpertStore creates an empty store.
func NewMemoryExpertStore() *MemoryExpertStore {
	return &MemoryExpertStore{records: make(map[string]*ExpertRecord)}
}

// Put inserts or replaces the record for rec.PubKeyHex.
func (s *MemoryExpertStore) Put(rec *ExpertRecord) {
	if _, exists := s.records[rec.PubKeyHex]; !exists {
		s.order = append(s.order, rec.PubKeyHex)
	}
	s.records[rec.PubKeyHex] = rec
}

// Remove deletes the record for pubKeyHex, if present.
func (s *MemoryExpertStore) Remove(pubKeyHex string) {
	delete(s.records, pubKeyHex)
	for i, k := range s.order {
		if k == pubKeyHex {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ListExperts implements ExpertStore.
func (s *MemoryExpertStore) ListExperts(ctx context.Context) ([]*ExpertRecord, error) {
	out := make([]*ExpertRecord, 0, len(s.order))
	for _, k := range s.order {
		if rec, ok := s.records[k]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
