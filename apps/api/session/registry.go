// Package session holds the id → handle registries shared by the local and
// remote session managers.
package session

import (
	"errors"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

var ErrNotFound = errors.New("session not found")

// Registry maps caller-chosen session ids to live handles of one kind.
//
// The mutex only guards map access. Building a handle (spawning a process,
// dialing a host, waiting on MFA) runs outside the lock, so a slow create never
// blocks lookups of other sessions. Concurrent creates of the same id share a
// single build through singleflight.
type Registry[H io.Closer] struct {
	mu       sync.Mutex
	sessions map[string]H
	inflight singleflight.Group
}

func NewRegistry[H io.Closer]() *Registry[H] {
	return &Registry[H]{
		sessions: make(map[string]H),
	}
}

// Create registers the handle returned by build under id. If id is already
// registered it returns nil without calling build. A failed build leaves
// nothing registered.
func (r *Registry[H]) Create(id string, build func() (H, error)) error {
	if r.Contains(id) {
		return nil
	}

	_, err, _ := r.inflight.Do(id, func() (any, error) {
		// A build for this id may have completed between the check above and
		// joining the flight.
		if r.Contains(id) {
			return nil, nil
		}

		h, err := build()
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.sessions[id] = h
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

// Contains reports whether id is registered.
func (r *Registry[H]) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Lookup returns the handle registered under id.
func (r *Registry[H]) Lookup(id string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[id]
	return h, ok
}

// Remove unregisters id and returns its handle. Tearing the handle down is
// the caller's job; new lookups fail as soon as Remove returns.
func (r *Registry[H]) Remove(id string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return h, ok
}

// RemoveIf unregisters id only if match accepts the handle currently stored
// under it. Workers use it to drop their own entry once they end without
// touching a newer session that reused the id.
func (r *Registry[H]) RemoveIf(id string, match func(H) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[id]
	if !ok || !match(h) {
		return false
	}
	delete(r.sessions, id)
	return true
}

// IDs returns the registered ids in sorted order.
func (r *Registry[H]) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll unregisters every session and closes it. Used on shutdown.
func (r *Registry[H]) CloseAll() {
	r.mu.Lock()
	handles := make([]H, 0, len(r.sessions))
	for id, h := range r.sessions {
		handles = append(handles, h)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
}
