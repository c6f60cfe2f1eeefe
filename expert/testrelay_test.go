package expert_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/askexperts/market/event"
)

// fakeRelay is the same in-process relay double used by the protocol
// package's own tests: just enough of the ["LABEL", payload] wire
// protocol to drive a Runtime end to end without a real network.
type fakeRelay struct {
	srv *httptest.Server
	url string

	mu      sync.Mutex
	stored  []*event.Event
	clients map[*websocket.Conn]map[string][]testFilter
}

type testFilter struct {
	Authors []string
	Kinds   []event.Kind
	Tags    map[string][]string
}

func newFakeRelay() *fakeRelay {
	r := &fakeRelay{clients: make(map[*websocket.Conn]map[string][]testFilter)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.handleConn(ws)
	})
	r.srv = httptest.NewServer(mux)
	r.url = "ws" + strings.TrimPrefix(r.srv.URL, "http")
	return r
}

func (r *fakeRelay) close() {
	r.srv.Close()
}

func (r *fakeRelay) handleConn(ws *websocket.Conn) {
	r.mu.Lock()
	r.clients[ws] = make(map[string][]testFilter)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, ws)
		r.mu.Unlock()
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		label, payload, err := decodeTestFrame(raw)
		if err != nil {
			continue
		}
		switch label {
		case "EVENT":
			var m struct {
				SubID string       `json:"sub_id,omitempty"`
				Event *event.Event `json:"event"`
			}
			if jsonUnmarshal(payload, &m) != nil || m.Event == nil {
				continue
			}
			r.mu.Lock()
			r.stored = append(r.stored, m.Event)
			targets := make(map[*websocket.Conn]map[string][]testFilter, len(r.clients))
			for c, subs := range r.clients {
				targets[c] = subs
			}
			r.mu.Unlock()

			for c, subs := range targets {
				for subID, filters := range subs {
					if matchesAny(filters, m.Event) {
						writeTestFrame(c, "EVENT", map[string]interface{}{"sub_id": subID, "event": m.Event})
					}
				}
			}
			writeTestFrame(ws, "OK", map[string]interface{}{"event_id": m.Event.ID, "ok": true})

		case "REQ":
			var m struct {
				SubID   string       `json:"sub_id"`
				Filters []testFilter `json:"filters"`
			}
			if jsonUnmarshal(payload, &m) != nil {
				continue
			}
			r.mu.Lock()
			r.clients[ws][m.SubID] = m.Filters
			stored := append([]*event.Event(nil), r.stored...)
			r.mu.Unlock()

			for _, ev := range stored {
				if matchesAny(m.Filters, ev) {
					writeTestFrame(ws, "EVENT", map[string]interface{}{"sub_id": m.SubID, "event": ev})
				}
			}
			writeTestFrame(ws, "EOSE", map[string]interface{}{"sub_id": m.SubID})

		case "CLOSE":
			var m struct {
				SubID string `json:"sub_id"`
			}
			if jsonUnmarshal(payload, &m) != nil {
				continue
			}
			r.mu.Lock()
			delete(r.clients[ws], m.SubID)
			r.mu.Unlock()
		}
	}
}

func matchesAny(filters []testFilter, ev *event.Event) bool {
	for _, f := range filters {
		if f.matches(ev) {
			return true
		}
	}
	return false
}

func (f testFilter) matches(ev *event.Event) bool {
	if len(f.Authors) > 0 {
		found := false
		for _, a := range f.Authors {
			if a == ev.PubKey {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for name, wanted := range f.Tags {
		if len(wanted) == 0 {
			continue
		}
		got := ev.TagValues(name)
		overlap := false
		for _, g := range got {
			for _, w := range wanted {
				if g == w {
					overlap = true
				}
			}
		}
		if !overlap {
			return false
		}
	}
	return true
}
