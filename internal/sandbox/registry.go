package sandbox

import (
	"sort"
	"sync"
	"time"
)

// Handle is a registered, possibly-live sandbox. It is owned by the
// Registry and is not durable across process restarts.
type Handle struct {
	ID        string
	ProjectID string
	Conn      Conn
	CreatedAt time.Time

	// ReplacedID is the id this handle substituted, if any
	ReplacedID string

	mu        sync.Mutex
	expiresAt time.Time
}

// ExpiresAt returns the expiry time (thread-safe)
func (h *Handle) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

// SetExpiresAt sets the expiry time (thread-safe)
func (h *Handle) SetExpiresAt(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expiresAt = t
}

// Expired reports whether the handle is past its expiry at now
func (h *Handle) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt())
}

// HandleInfo is a snapshot of a handle for listing
type HandleInfo struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ReplacedID string    `json:"replaced_id,omitempty"`
}

// Info returns a snapshot of the handle
func (h *Handle) Info() HandleInfo {
	return HandleInfo{
		ID:         h.ID,
		ProjectID:  h.ProjectID,
		CreatedAt:  h.CreatedAt,
		ExpiresAt:  h.ExpiresAt(),
		ReplacedID: h.ReplacedID,
	}
}

// Registry tracks live sandbox handles, at most one per id
type Registry struct {
	handles map[string]*Handle
	mu      sync.RWMutex
}

// NewRegistry creates a new sandbox registry
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
	}
}

// Register adds a handle, replacing any previous handle with the same id
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.ID] = h
}

// Unregister removes a handle and returns it, or nil if it was not
// registered. Only the caller that receives the handle owns its teardown.
func (r *Registry) Unregister(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil
	}
	delete(r.handles, id)
	return h
}

// unregisterIf removes id only if it still maps to h
func (r *Registry) unregisterIf(id string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[id] != h {
		return false
	}
	delete(r.handles, id)
	return true
}

// Get returns a handle by id, or nil
func (r *Registry) Get(id string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[id]
}

// Count returns the number of registered handles
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// All returns all registered handles, oldest first
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Expired returns the handles past their expiry at now
func (r *Registry) Expired(now time.Time) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Handle
	for _, h := range r.handles {
		if h.Expired(now) {
			result = append(result, h)
		}
	}
	return result
}
