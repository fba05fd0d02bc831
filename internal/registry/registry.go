package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"botwave/internal/errs"
)

// ConnectHook is invoked after a session is inserted or removed. Registered
// by the Handler Runner to fire onconnect/ondisconnect without the Registry
// importing the handler package.
type ConnectHook func(s *ClientSession)

// Registry is the in-memory client_id -> ClientSession map. Membership
// mutations are serialized by mu; read-only scans may run concurrently with
// each other (but not with a mutation, per the RWMutex).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession

	onConnect    []ConnectHook
	onDisconnect []ConnectHook
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*ClientSession)}
}

// OnConnect registers a hook fired after Insert.
func (r *Registry) OnConnect(h ConnectHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = append(r.onConnect, h)
}

// OnDisconnect registers a hook fired after Remove.
func (r *Registry) OnDisconnect(h ConnectHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = append(r.onDisconnect, h)
}

// Insert adds s to the registry, evicting and closing any prior session
// with the same ClientID.
func (r *Registry) Insert(s *ClientSession) {
	r.mu.Lock()
	prior, existed := r.sessions[s.ClientID]
	r.sessions[s.ClientID] = s
	hooks := append([]ConnectHook{}, r.onConnect...)
	r.mu.Unlock()

	if existed && prior != s {
		_ = prior.Transport.Close()
	}
	for _, h := range hooks {
		h(s)
	}
}

// Remove deletes the session named id, if present, and fires disconnect
// hooks. Returns false if no such session existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	hooks := append([]ConnectHook{}, r.onDisconnect...)
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, h := range hooks {
		h(s)
	}
	return true
}

// Get returns the session named id.
func (r *Registry) Get(id string) (*ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns a stable copy of all currently registered sessions,
// ordered by ClientID, for read-only scans (target resolution, the queue
// availability check, the shutdown KICK).
func (r *Registry) Snapshot() []*ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Resolve expands a target spec: the literal "all", a client_id, a
// bare hostname (first match wins), or a comma-separated list of any of
// these. Unknown targets are reported in the returned missing slice so the
// caller can log and skip them; the operation proceeds on the resolved
// subset.
func (r *Registry) Resolve(spec string) (resolved []*ClientSession, missing []string) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	if spec == "all" {
		return r.Snapshot(), nil
	}

	seen := make(map[string]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if s, ok := r.Get(part); ok {
			if !seen[s.ClientID] {
				seen[s.ClientID] = true
				resolved = append(resolved, s)
			}
			continue
		}
		if s, ok := r.findByHostname(part); ok {
			if !seen[s.ClientID] {
				seen[s.ClientID] = true
				resolved = append(resolved, s)
			}
			continue
		}
		missing = append(missing, part)
	}
	return resolved, missing
}

func (r *Registry) findByHostname(hostname string) (*ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Hostname == hostname {
			return s, true
		}
	}
	return nil, false
}

// ErrUnknownTarget wraps errs.ErrNotFound for a missing target name.
func ErrUnknownTarget(name string) error {
	return fmt.Errorf("%w: target %q", errs.ErrNotFound, name)
}
