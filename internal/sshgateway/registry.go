package sshgateway

import "sync"

// sessionRegistry counts live gateway sockets per caller identity and
// enforces the per-caller cap. Register happens before the session loop
// starts; release exactly once when the socket closes.
type sessionRegistry struct {
	mu     sync.Mutex
	counts map[uint]int
	limit  int
}

func newSessionRegistry(limit int) *sessionRegistry {
	return &sessionRegistry{
		counts: make(map[uint]int),
		limit:  limit,
	}
}

// acquire registers a new socket for the caller. It returns false when the
// caller is at or above the cap.
func (r *sessionRegistry) acquire(callerID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && r.counts[callerID] >= r.limit {
		return false
	}
	r.counts[callerID]++
	return true
}

// release deregisters one socket for the caller.
func (r *sessionRegistry) release(callerID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.counts[callerID]; n <= 1 {
		delete(r.counts, callerID)
	} else {
		r.counts[callerID] = n - 1
	}
}

// active returns the number of registered sockets for the caller.
func (r *sessionRegistry) active(callerID uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[callerID]
}
