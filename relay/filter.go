package relay

import "github.com/askexperts/market/event"

// Filter selects a subset of events for subscribe/query/waitFor, per
// spec.md §4.2. A zero-value field is "don't filter on this".
type Filter struct {
	// Authors, if non-empty, restricts to events authored by one of
	// these hex public keys.
	Authors []string

	// Kinds, if non-empty, restricts to one of these kinds.
	Kinds []event.Kind

	// Tags restricts to events carrying at least one of the listed
	// values for each named tag (e.g. {"p": {pubHex}, "t": {"bitcoin"}}
	// requires both a matching "p" tag and a matching "t" tag).
	Tags map[string][]string

	// Since and Until bound the event's CreatedAt, inclusive. Zero
	// means unbounded in that direction.
	Since int64
	Until int64

	// Limit caps the number of events a relay should return for a
	// point-in-time Query; it is advisory for Subscribe.
	Limit int
}

// Matches reports whether ev satisfies every populated field of f.
func (f Filter) Matches(ev *event.Event) bool {
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && ev.CreatedAt > f.Until {
		return false
	}
	for tagName, wanted := range f.Tags {
		if len(wanted) == 0 {
			continue
		}
		got := ev.TagValues(tagName)
		if !anyOverlap(got, wanted) {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsKind(haystack []event.Kind, needle event.Kind) bool {
	for _, k := range haystack {
		if k == needle {
			return true
		}
	}
	return false
}

func anyOverlap(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}
