// Package registry implements the server-side fleet directory: active
// client sessions, their metadata, and target-spec resolution.
package registry

import (
	"io"
	"sync"
	"time"
)

// MachineInfo is the descriptor reported by a client at REGISTER time.
type MachineInfo struct {
	Hostname string
	Machine  string
	System   string
	Release  string
}

// Transport is the minimal surface a control channel exposes to the
// registry and the rest of the control plane: one write at a time (callers
// must serialize), and a way to tear the connection down.
type Transport interface {
	io.Closer
	WriteFrame(line string) error
}

// ClientSession is the server-side record of one connected client.
type ClientSession struct {
	mu sync.Mutex

	ClientID      string
	Hostname      string
	Machine       MachineInfo
	ProtoVersion  string
	ConnectedAt   time.Time
	lastSeen      time.Time
	Authenticated bool
	uploading     bool
	Transport     Transport
}

// Touch records a liveness observation (a PONG, or any received frame).
func (s *ClientSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// LastSeen returns the last liveness observation time.
func (s *ClientSession) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SetUploading toggles the legacy upload-in-progress flag, which suppresses
// keep-alive pings on this session while true.
func (s *ClientSession) SetUploading(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploading = v
}

// Uploading reports whether a bulk transfer is in progress on this session.
func (s *ClientSession) Uploading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploading
}

// Send serializes writes to the session's transport; only one writer may be
// in flight at a time.
func (s *ClientSession) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Transport.WriteFrame(line)
}
