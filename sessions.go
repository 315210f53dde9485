package main

import (
	"sync"

	"github.com/google/uuid"
)

// sessionRegistry binds wire-level sessions to their server-assigned player
// identifiers. Identifiers are 128-bit random values and are never reused
// within the server's lifetime.
type sessionRegistry struct {
	mu      sync.Mutex
	players map[*Client]string
	clients map[string]*Client
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		players: make(map[*Client]string),
		clients: make(map[string]*Client),
	}
}

// register assigns and returns a fresh player identifier for the session. The
// capacity check and the insert happen under the same lock so concurrent
// connects cannot overshoot the limit. A limit of zero or less disables it.
func (r *sessionRegistry) register(client *Client, limit int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.players) >= limit {
		return "", false
	}
	playerID := uuid.NewString()
	r.players[client] = playerID
	r.clients[playerID] = client
	return playerID, true
}

// unregister removes the mapping and reports the identifier that was freed.
// Unregistering an unknown session is a no-op, since the transport close event
// can race with server-initiated cleanup.
func (r *sessionRegistry) unregister(client *Client) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	playerID, ok := r.players[client]
	if !ok {
		return "", false
	}
	delete(r.players, client)
	delete(r.clients, playerID)
	return playerID, true
}

// lookup returns the session currently bound to the player identifier.
func (r *sessionRegistry) lookup(playerID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[playerID]
	return client, ok
}

// size reports how many sessions are registered.
func (r *sessionRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}
