package session

import "sync"

// Registry maps account keys to the current live Session. It is the single
// source of truth for "the session for account X": the inbound callback and
// the reply path re-read it per use instead of caching the Session object, so
// a hard-reconnect swap is visible to every reader.
//
// Writers are the supervisor (repair swap) and the coordinator (stop).
type Registry struct {
	mu      sync.RWMutex
	current map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{current: make(map[string]*Session)}
}

// Install makes s the account's current session.
func (r *Registry) Install(accountKey string, s *Session) {
	r.mu.Lock()
	r.current[accountKey] = s
	r.mu.Unlock()
}

// Current returns the account's current session, or nil.
func (r *Registry) Current(accountKey string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[accountKey]
}

// Remove drops the account's entry and returns what was installed, if
// anything.
func (r *Registry) Remove(accountKey string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.current[accountKey]
	delete(r.current, accountKey)
	return s
}
