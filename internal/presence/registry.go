// Package presence tracks which user profile is bound to each live connection.
//
// The Registry only holds state. Callers that mutate it are responsible for
// fanning the change out to connected clients afterwards.
package presence

import (
	"sync"

	"securechat/internal/protocol"
)

// fallbackNameLength is how many characters of the connection id are used in
// a synthesized display name.
const fallbackNameLength = 6

// Registry maps connection identities to user profiles in insertion order.
type Registry struct {
	mu       sync.RWMutex
	profiles map[protocol.ConnectionID]protocol.UserProfile
	order    []protocol.ConnectionID
}

func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[protocol.ConnectionID]protocol.UserProfile),
	}
}

// Authenticate binds creds to the connection. A second call on the same
// connection replaces the profile and keeps its list position.
func (r *Registry) Authenticate(id protocol.ConnectionID, creds protocol.Credentials) protocol.UserProfile {
	profile := protocol.UserProfile{
		SocketID: id,
		UserID:   creds.ID,
		Name:     creds.Name,
		Email:    creds.Email,
	}
	r.put(profile)
	return profile
}

// Fallback registers a synthesized profile for a connection that never
// authenticated. It reports false and leaves the registry untouched when the
// connection already has a profile.
func (r *Registry) Fallback(id protocol.ConnectionID) (protocol.UserProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.profiles[id]; ok {
		return existing, false
	}

	profile := FallbackProfile(id)
	r.profiles[id] = profile
	r.order = append(r.order, id)
	return profile, true
}

// FallbackProfile builds the profile used for unauthenticated connections.
func FallbackProfile(id protocol.ConnectionID) protocol.UserProfile {
	short := id
	if len(short) > fallbackNameLength {
		short = short[:fallbackNameLength]
	}
	return protocol.UserProfile{
		SocketID: id,
		UserID:   protocol.UserID(id),
		Name:     "User-" + short,
	}
}

func (r *Registry) put(profile protocol.UserProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[profile.SocketID]; !ok {
		r.order = append(r.order, profile.SocketID)
	}
	r.profiles[profile.SocketID] = profile
}

// Remove deletes and returns the profile bound to id.
func (r *Registry) Remove(id protocol.ConnectionID) (protocol.UserProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.profiles[id]
	if !ok {
		return protocol.UserProfile{}, false
	}
	delete(r.profiles, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return profile, true
}

// Get returns the profile bound to id.
func (r *Registry) Get(id protocol.ConnectionID) (protocol.UserProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[id]
	return profile, ok
}

func (r *Registry) Has(id protocol.ConnectionID) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns a snapshot of every live profile. Order is for display only.
func (r *Registry) List() []protocol.UserProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.UserProfile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.profiles[id])
	}
	return out
}
