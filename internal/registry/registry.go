// Package registry holds the only mutable state shared between sessions:
// per-speaker guard entries and the speaker profile table.
package registry

import "sync"

// Registry is an atomic check-and-set guard map. A guard key (speaker id,
// or speaker id + ":segment") is held by exactly one token at a time; no
// segment may start while a prior entry for its speaker exists.
type Registry struct {
	mu     sync.Mutex
	guards map[string]string
}

func New() *Registry {
	return &Registry{guards: make(map[string]string)}
}

// TryAcquire claims key for token. A key already held — even by the same
// token — is not reacquired; the holder of record wins.
func (r *Registry) TryAcquire(key, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.guards[key]; held {
		return false
	}
	r.guards[key] = token
	return true
}

// Release clears key only when token still holds it, so a stale releaser
// cannot free a guard reacquired by a newer segment.
func (r *Registry) Release(key, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.guards[key] != token {
		return false
	}
	delete(r.guards, key)
	return true
}

// Held reports whether any token currently holds key.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.guards[key]
	return held
}
