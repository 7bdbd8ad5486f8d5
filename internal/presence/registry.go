// Package presence tracks who is live: which connection currently speaks for
// each user, and which connections have joined each topic room.
package presence

import "sync"

// Registry maps a user to the connection considered authoritative for that
// user. The last registration wins.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]string // user id -> connection id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[int64]string)}
}

// Register records connID as the live connection for userID, replacing any
// earlier connection so that a reconnect needs no explicit logout.
func (r *Registry) Register(userID int64, connID string) {
	r.mu.Lock()
	r.byUser[userID] = connID
	r.mu.Unlock()
}

// Unregister removes the mapping only when it still points at connID. A late
// disconnect of an older connection must not evict a newer one. It reports
// whether an entry was removed.
func (r *Registry) Unregister(userID int64, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byUser[userID]
	if !ok || current != connID {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// Lookup returns the live connection for userID, if any.
func (r *Registry) Lookup(userID int64) (string, bool) {
	r.mu.RLock()
	connID, ok := r.byUser[userID]
	r.mu.RUnlock()
	return connID, ok
}

// Len returns the number of users with a live connection.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
