// Package transmitter defines the interface a client runtime drives to
// control the attached FM transmitter backend. The backend itself
// (hardware modulation, SSTV/Morse generation, ALSA capture) is an external
// collaborator and out of scope; this package only names the seam.
package transmitter

// Status reports whether the backend is currently modulating and whether
// it is doing so from a live capture source rather than a file.
type Status struct {
	IsPlaying      bool
	IsLiveStreaming bool
}

// Backend is the external collaborator interface: given broadcast
// parameters it starts and later stops FM modulation, and reports status.
// Implementations must only be driven from the owning process's main
// thread — callers other than
// the main-thread trampoline in clientrt must never call these directly.
type Backend interface {
	Start(freq float64, ps, rt, pi string, loop bool, audioSource string) error
	Stop() error
	GetStatus() Status
}

// Noop is a Backend that does nothing; useful for dry runs and tests.
type Noop struct {
	playing bool
}

func (n *Noop) Start(freq float64, ps, rt, pi string, loop bool, audioSource string) error {
	n.playing = true
	return nil
}

func (n *Noop) Stop() error {
	n.playing = false
	return nil
}

func (n *Noop) GetStatus() Status {
	return Status{IsPlaying: n.playing}
}
