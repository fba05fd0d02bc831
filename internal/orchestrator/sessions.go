package orchestrator

import (
	"sync"

	"botwave/internal/control"
	"botwave/internal/scheduler"
	"botwave/internal/syncengine"
)

// SessionTable tracks the live *control.Session for each connected client,
// keyed by client id. control.Server's Registry only carries the lighter
// registry.ClientSession; this table is the orchestrator-side complement
// that lets fan-out (scheduler) and sync (syncengine) reach a session's
// SendCommand/SendBestEffort methods.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*control.Session
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]*control.Session)}
}

// Put registers sess under its client id, intended as control.Server's
// OnSessionStart hook.
func (t *SessionTable) Put(sess *control.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sess.ClientSession.ClientID] = sess
}

// Delete removes sess's entry, intended as control.Server's OnSessionEnd
// hook.
func (t *SessionTable) Delete(sess *control.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sess.ClientSession.ClientID)
}

// Get returns the live session for clientID, if any.
func (t *SessionTable) Get(clientID string) (*control.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[clientID]
	return s, ok
}

// SessionFor adapts Get to scheduler.Scheduler's SessionFor field shape.
func (t *SessionTable) SessionFor(clientID string) (scheduler.SessionLike, bool) {
	s, ok := t.Get(clientID)
	if !ok {
		return nil, false
	}
	return s, true
}

// Link returns clientID's session wrapped as a syncengine.ClientLink.
func (t *SessionTable) Link(clientID string) (syncengine.ClientLink, bool) {
	s, ok := t.Get(clientID)
	if !ok {
		return nil, false
	}
	return SessionLink{Session: s}, true
}
