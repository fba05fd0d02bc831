// Package scheduler computes synchronized start times and fans out START
// commands across the resolved target fleet.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"botwave/internal/protocol"
	"botwave/internal/registry"
)

// errNoSession is reported when a resolved target has no live control
// channel (registered but not yet fully connected, or racing a disconnect).
var errNoSession = errors.New("no live control-channel session")

// PerClientSlot is the fixed pre-roll budget per additional client.
const PerClientSlot = 20 * time.Second

// Params mirrors BroadcastParameters.
type Params struct {
	Filename string
	Freq     float64
	PS       string
	RT       string
	PI       string
	Loop     bool
	WaitStart bool
}

// SessionLike is the minimal per-client surface the scheduler needs: a
// best-effort command send. control.Session satisfies this
// directly; the narrow interface avoids an import cycle with control.
type SessionLike interface {
	SendBestEffort(f protocol.Frame) error
}

// Scheduler issues coordinated broadcast starts across a target fleet.
type Scheduler struct {
	Registry *registry.Registry
	Log      *slog.Logger

	// OnStart fires after commands are dispatched, the local "onstart"
	// lifecycle hook point, wired by the Handler Runner.
	OnStart func()

	// SessionFor fetches the live Session for a ClientSession's ID; control
	// channel sessions aren't stored directly in the registry (it holds
	// *registry.ClientSession), so the orchestrator supplies a lookup.
	SessionFor func(clientID string) (SessionLike, bool)

	now func() time.Time // overridable for tests
}

// New returns a Scheduler wired to reg.
func New(reg *registry.Registry, log *slog.Logger, sessionFor func(string) (SessionLike, bool)) *Scheduler {
	return &Scheduler{Registry: reg, Log: log, SessionFor: sessionFor, now: time.Now}
}

// StartResult reports per-target outcomes of one Start call.
type StartResult struct {
	StartAt float64
	Sent    []string
	Failed  map[string]error
	Missing []string
}

// Start resolves target, computes start_at, and issues START to every
// resolved client. A failure sending to one client never blocks or
// alters the outcome for any other.
func (s *Scheduler) Start(ctx context.Context, target string, p Params) StartResult {
	targets, missing := s.Registry.Resolve(target)
	result := StartResult{Failed: make(map[string]error), Missing: missing}

	if len(missing) > 0 {
		s.Log.Error("unknown target in broadcast request", "missing", missing)
	}
	if len(targets) == 0 {
		s.Log.Error("broadcast target resolved to zero clients", "target", target)
		return result
	}

	startAt := 0.0
	if p.WaitStart && len(targets) > 1 {
		startAt = float64(s.now().UTC().Unix()) + PerClientSlot.Seconds()*float64(len(targets)-1)
	}
	result.StartAt = startAt

	frame := protocol.Frame{
		Verb: protocol.VerbStart,
		Keyword: map[string]string{
			"filename": p.Filename,
			"freq":     formatFloat(p.Freq),
			"ps":       p.PS,
			"rt":       p.RT,
			"pi":       p.PI,
			"loop":     formatBool(p.Loop),
			"start_at": formatFloat(startAt),
		},
	}

	for _, cs := range targets {
		sess, ok := s.SessionFor(cs.ClientID)
		if !ok {
			result.Failed[cs.ClientID] = errNoSession
			s.Log.Error("no live session for target", "client_id", cs.ClientID)
			continue
		}
		if err := sess.SendBestEffort(frame); err != nil {
			result.Failed[cs.ClientID] = err
			s.Log.Error("failed to send START", "client_id", cs.ClientID, "err", err)
			continue
		}
		result.Sent = append(result.Sent, cs.ClientID)
	}

	if s.OnStart != nil {
		s.OnStart()
	}
	return result
}
