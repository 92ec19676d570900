package mcp

import "sync"

// WatchRegistry maps execution IDs to the MCP session that triggered them.
type WatchRegistry struct {
	mu      sync.RWMutex
	watches map[string]string // executionID → sessionID
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watches: make(map[string]string)}
}

// Watch associates an execution with a session.
func (r *WatchRegistry) Watch(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches[executionID] = sessionID
}

// SessionFor returns the session watching the execution, if any.
func (r *WatchRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.watches[executionID]
	return sid, ok
}

// Forget drops the watch on one execution.
func (r *WatchRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches, executionID)
}

// RemoveSession deletes every watch held by the given session.
// Called when a session disconnects.
func (r *WatchRegistry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.watches {
		if sid == sessionID {
			delete(r.watches, eid)
		}
	}
}

// Len returns the number of watched executions.
func (r *WatchRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watches)
}
