package engine

import "sync"

// Registry is the arena of live session handles, indexed by worker id.
// A session is registered on claim and removed on terminal transition, so
// liveness is an explicit query rather than inferred from map membership.
// Persisted worker state carries everything needed to survive a restart;
// the registry only tracks what is running in this process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	reserved int // claim slots granted but not yet holding a session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its worker id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.WorkerID] = s
}

// Get returns the live session for a worker, if any.
func (r *Registry) Get(workerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[workerID]
	return s, ok
}

// Remove deregisters a worker's session. Removing an absent id is a no-op.
func (r *Registry) Remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workerID)
}

// Reserve atomically grants up to want execution slots under limit,
// counting live sessions and outstanding reservations together. Claimers
// that read capacity and spawned separately could together overshoot the
// cap; holding a reservation across the claim-and-spawn window cannot.
func (r *Registry) Reserve(limit, want int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	free := limit - len(r.sessions) - r.reserved
	if free <= 0 {
		return 0
	}
	if want > free {
		want = free
	}
	r.reserved += want
	return want
}

// Release returns reserved slots, whether spent on a session or unused.
func (r *Registry) Release(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved -= n
	if r.reserved < 0 {
		r.reserved = 0
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the worker ids of all live sessions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
