package realtime

import (
	"sort"
	"sync"
	"time"
)

// Hub is the connection registry: every active client by id and by party.
// Readers get copies, so a broadcast never iterates a map that is being edited.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	parties map[string]map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		parties: make(map[string]map[string]*Client),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.id] = c
	members, ok := h.parties[c.partyID]
	if !ok {
		members = make(map[string]*Client)
		h.parties[c.partyID] = members
	}
	members[c.id] = c
}

// Unregister removes c and reports whether it was still registered.
// Only the first call for a client returns true.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	delete(h.clients, c.id)
	if members, ok := h.parties[c.partyID]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.parties, c.partyID)
		}
	}
	return true
}

func (h *Hub) Get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Party returns a snapshot of the party's clients.
func (h *Hub) Party(partyID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.parties[partyID]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Users returns the distinct users connected locally to a party.
func (h *Hub) Users(partyID string) []string {
	seen := make(map[string]struct{})
	for _, c := range h.Party(partyID) {
		seen[c.user.ID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Parties() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.parties))
	for id := range h.parties {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stale returns clients whose last traffic is older than cutoff.
func (h *Hub) Stale(cutoff time.Time) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	for _, c := range h.clients {
		if c.LastHeartbeat().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
