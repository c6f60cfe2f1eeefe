package protocol

import (
	"context"
	"encoding/json"

	"github.com/go-errors/errors"

	"github.com/askexperts/market/event"
	"github.com/askexperts/market/relay"
)

// ExpertProfileInfo is the parsed content of an E0 ExpertProfile event,
// per spec.md §3.
type ExpertProfileInfo struct {
	PubKey       string   `json:"-"`
	Nickname     string   `json:"nickname"`
	Description  string   `json:"description"`
	Picture      string   `json:"picture"`
	Hashtags     []string `json:"-"`
	Formats      []string `json:"-"`
	Methods      []string `json:"-"`
	PromptRelays []string `json:"-"`
}

// ProfileWire is the JSON shape of an ExpertProfile's content field.
type ProfileWire struct {
	Nickname    string `json:"nickname"`
	Description string `json:"description"`
	Picture     string `json:"picture"`
}

// FetchExperts resolves a set of stable expert public keys to their most
// recently published ExpertProfile, per spec.md §6's public API surface.
func FetchExperts(ctx context.Context, pool *relay.Pool, pubkeys []string, relays []string) ([]*ExpertProfileInfo, error) {
	if len(relays) == 0 {
		return nil, errors.New("protocol: fetchExperts requires at least one relay")
	}

	evs := pool.Query(ctx, relay.Filter{
		Authors: pubkeys,
		Kinds:   []event.Kind{event.KindExpertProfile},
	}, relays, relay.DefaultQueryDeadline)

	latest := make(map[string]*event.Event)
	for _, ev := range evs {
		cur, ok := latest[ev.PubKey]
		if !ok || ev.CreatedAt > cur.CreatedAt {
			latest[ev.PubKey] = ev
		}
	}

	out := make([]*ExpertProfileInfo, 0, len(latest))
	for _, ev := range latest {
		var wire ProfileWire
		if err := json.Unmarshal([]byte(ev.Content), &wire); err != nil {
			log.Debugf("protocol: dropping malformed profile %s: %v", ev.ID, err)
			continue
		}
		out = append(out, &ExpertProfileInfo{
			PubKey:       ev.PubKey,
			Nickname:     wire.Nickname,
			Description:  wire.Description,
			Picture:      wire.Picture,
			Hashtags:     ev.TagValues("t"),
			Formats:      ev.TagValues("format"),
			Methods:      ev.TagValues("method"),
			PromptRelays: ev.TagValues("relays"),
		})
	}
	return out, nil
}
