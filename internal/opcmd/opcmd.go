// Package opcmd implements the single interactive command dispatcher that
// services operator input regardless of where it originates: the
// server's own stdin console, lifecycle handler scripts, and authenticated
// remote-shell frames all feed lines into the same Dispatcher.Dispatch.
package opcmd

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"botwave/internal/orchestrator"
	"botwave/internal/queue"
	"botwave/internal/registry"
	"botwave/internal/scheduler"
	"botwave/internal/syncengine"
)

// Dispatcher parses operator command lines and drives the Broadcast
// Scheduler, Sync Engine, and Queue Engine.
type Dispatcher struct {
	Scheduler *scheduler.Scheduler
	Sync      *syncengine.Engine
	Queue     *queue.State
	Registry  *registry.Registry
	Sessions  *orchestrator.SessionTable
	Log       *slog.Logger
}

// New returns a Dispatcher wired to the given components.
func New(sched *scheduler.Scheduler, sync *syncengine.Engine, q *queue.State, reg *registry.Registry, sessions *orchestrator.SessionTable, log *slog.Logger) *Dispatcher {
	return &Dispatcher{Scheduler: sched, Sync: sync, Queue: q, Registry: reg, Sessions: sessions, Log: log}
}

// Dispatch parses and executes one operator command line. Blank lines and
// "#"-prefixed comments are ignored so handler files can carry comments.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "" || strings.HasPrefix(line, "#"):
		return
	case strings.HasPrefix(line, "start "):
		d.dispatchStart(ctx, line)
	case strings.HasPrefix(line, "sync "):
		d.dispatchSync(ctx, line)
	case strings.HasPrefix(line, "+"):
		d.dispatchAdd(ctx, strings.TrimPrefix(line, "+"))
	case strings.HasPrefix(line, "-"):
		d.dispatchRemove(strings.TrimPrefix(line, "-"))
	case strings.HasPrefix(line, "*"):
		d.dispatchShow()
	case strings.HasPrefix(line, "!"):
		d.dispatchToggle(ctx, strings.TrimPrefix(line, "!"))
	case strings.HasPrefix(line, "?"):
		d.help()
	default:
		d.Log.Warn("unknown operator command", "line", line)
	}
}

func (d *Dispatcher) help() {
	d.Log.Info("operator commands: start <target> <filename> <freq> <loop> [ps] [rt] [pi] [wait]; " +
		"sync <path>/ <client> | sync <targets> <path>/ | sync <targets> <client>; " +
		"+files (add) | -files (remove, -* clears) | * (show) | !targets,freq,loop,ps,rt,pi (toggle play) | ? (help)")
}

// dispatchStart implements the Broadcast Scheduler's operator surface:
// "start all song.wav 90.0 false".
func (d *Dispatcher) dispatchStart(ctx context.Context, line string) {
	fields := strings.Fields(line)[1:]
	if len(fields) < 4 {
		d.Log.Error("usage: start <target> <filename> <freq> <loop> [ps] [rt] [pi] [wait]")
		return
	}
	target, filename := fields[0], fields[1]
	freq, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		d.Log.Error("start: invalid freq", "value", fields[2], "err", err)
		return
	}
	loop, err := strconv.ParseBool(fields[3])
	if err != nil {
		d.Log.Error("start: invalid loop", "value", fields[3], "err", err)
		return
	}
	p := scheduler.Params{Filename: filename, Freq: freq, Loop: loop}
	rest := fields[4:]
	if len(rest) > 0 {
		p.PS = rest[0]
	}
	if len(rest) > 1 {
		p.RT = rest[1]
	}
	if len(rest) > 2 {
		p.PI = rest[2]
	}
	if len(rest) > 3 && rest[3] == "wait" {
		p.WaitStart = true
	}

	// A manual start while the queue is playing pauses the queue, so its
	// auto-advance does not compete with this broadcast.
	if !d.Queue.Paused() {
		d.Queue.Pause()
		d.Log.Info("queue: paused by manual start")
	}

	result := d.Scheduler.Start(ctx, target, p)
	d.Log.Info("start dispatched", "target", target, "filename", filename, "start_at", result.StartAt,
		"sent", result.Sent, "failed", len(result.Failed), "missing", result.Missing)
}

// dispatchSync implements the Sync Engine's three directions, disambiguated
// by which argument (if either) carries a trailing "/".
func (d *Dispatcher) dispatchSync(ctx context.Context, line string) {
	fields := strings.Fields(strings.TrimPrefix(line, "sync "))
	if len(fields) != 2 {
		d.Log.Error("usage: sync <path>/ <client> | sync <targets> <path>/ | sync <targets> <client>")
		return
	}
	a, b := fields[0], fields[1]

	switch {
	case strings.HasSuffix(a, "/"):
		destDir := strings.TrimSuffix(a, "/")
		src, ok := d.Sessions.Link(b)
		if !ok {
			d.Log.Error("sync: no live session for source client", "client_id", b)
			return
		}
		if err := d.Sync.ClientToFolder(ctx, destDir, src); err != nil {
			d.Log.Error("sync client->folder failed", "err", err)
			return
		}
		d.Log.Info("sync client->folder complete", "dest", destDir, "client_id", b)

	case strings.HasSuffix(b, "/"):
		srcDir := strings.TrimSuffix(b, "/")
		targets := d.linksFor(a)
		if len(targets) == 0 {
			d.Log.Error("sync: no live targets", "target", a)
			return
		}
		if err := d.Sync.FolderToClients(ctx, srcDir, targets); err != nil {
			d.Log.Error("sync folder->clients failed", "err", err)
			return
		}
		d.Log.Info("sync folder->clients complete", "src", srcDir, "targets", len(targets))

	default:
		targets := d.linksFor(a)
		if len(targets) == 0 {
			d.Log.Error("sync: no live targets", "target", a)
			return
		}
		src, ok := d.Sessions.Link(b)
		if !ok {
			d.Log.Error("sync: no live session for source client", "client_id", b)
			return
		}
		if err := d.Sync.ClientToClients(ctx, src, targets); err != nil {
			d.Log.Error("sync client->clients failed", "err", err)
			return
		}
		d.Log.Info("sync client->clients complete", "client_id", b, "targets", len(targets))
	}
}

// linksFor resolves a target spec against the registry and adapts every
// live session into a syncengine.ClientLink, logging (and skipping) any
// resolved client with no live session.
func (d *Dispatcher) linksFor(spec string) []syncengine.ClientLink {
	targets, missing := d.Registry.Resolve(spec)
	if len(missing) > 0 {
		d.Log.Error("sync: unknown target", "missing", missing)
	}
	links := make([]syncengine.ClientLink, 0, len(targets))
	for _, cs := range targets {
		link, ok := d.Sessions.Link(cs.ClientID)
		if !ok {
			d.Log.Error("sync: no live session for target", "client_id", cs.ClientID)
			continue
		}
		links = append(links, link)
	}
	return links
}

// dispatchAdd implements the "+" queue command: comma-separated names,
// "*" wildcard expanded against the fleet's file-list intersection, and a
// trailing "!" that bypasses the availability check entirely.
func (d *Dispatcher) dispatchAdd(ctx context.Context, arg string) {
	forced := strings.HasSuffix(arg, "!")
	if forced {
		arg = strings.TrimSuffix(arg, "!")
	}

	var available []string
	if !forced {
		available = d.availableFiles(ctx)
	}
	names := queue.ExpandNames(arg, available)
	if len(names) == 0 {
		d.Log.Error("queue add: no filenames given")
		return
	}
	if !forced {
		if missing := queue.Gaps(names, available); len(missing) > 0 {
			d.Log.Error("queue add rejected: missing on one or more clients", "missing", missing)
			return
		}
	}
	d.Queue.Add(names)
	d.Log.Info("queue: added", "files", names)
}

// dispatchRemove implements the "-" queue command; "-*" clears the queue.
func (d *Dispatcher) dispatchRemove(arg string) {
	if arg == "*" {
		d.Queue.Remove([]string{"*"})
		d.Log.Info("queue: cleared")
		return
	}
	names := queue.ExpandNames(arg, nil)
	d.Queue.Remove(names)
	d.Log.Info("queue: removed", "files", names)
}

// dispatchShow implements the "*" queue command.
func (d *Dispatcher) dispatchShow() {
	snap := d.Queue.Show()
	files := make([]string, len(snap.Items))
	for i, it := range snap.Items {
		files[i] = it.Filename
	}
	d.Log.Info("queue state", "files", files, "paused", snap.Paused, "params", snap.Params, "cursors", snap.Cursors)
}

// dispatchToggle implements the "!" queue command: flip paused, optionally
// adopting new defaults and, if the queue is unpaused as a result, kicking
// off the first item on the given targets right away (toggling a queue to
// "playing" is how a queue-driven broadcast actually starts).
func (d *Dispatcher) dispatchToggle(ctx context.Context, arg string) {
	var params *scheduler.Params
	var targets string
	if arg != "" {
		fields := strings.Split(arg, ",")
		targets = strings.TrimSpace(fields[0])
		p := scheduler.Params{}
		if len(fields) > 1 {
			if freq, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64); err == nil {
				p.Freq = freq
			}
		}
		if len(fields) > 2 {
			if loop, err := strconv.ParseBool(strings.TrimSpace(fields[2])); err == nil {
				p.Loop = loop
			}
		}
		if len(fields) > 3 {
			p.PS = strings.TrimSpace(fields[3])
		}
		if len(fields) > 4 {
			p.RT = strings.TrimSpace(fields[4])
		}
		if len(fields) > 5 {
			p.PI = strings.TrimSpace(fields[5])
		}
		params = &p
	}

	ok, paused := d.Queue.TogglePlay(params)
	if !ok {
		d.Log.Error("queue toggle: queue is empty")
		return
	}
	d.Log.Info("queue: toggled", "paused", paused)
	if paused || targets == "" {
		return
	}

	snap := d.Queue.Show()
	if len(snap.Items) == 0 {
		return
	}
	startParams := snap.Params
	startParams.Filename = snap.Items[0].Filename
	result := d.Scheduler.Start(ctx, targets, startParams)
	d.Log.Info("queue: initial start dispatched", "target", targets, "filename", startParams.Filename, "sent", result.Sent)
}

// availableFiles calls LIST_FILES on every connected client and returns the
// intersection of their file lists, used by the non-forced "+" add path.
func (d *Dispatcher) availableFiles(ctx context.Context) []string {
	sessions := d.Registry.Snapshot()
	perClient := make(map[string][]string, len(sessions))
	for _, cs := range sessions {
		link, ok := d.Sessions.Link(cs.ClientID)
		if !ok {
			continue
		}
		files, err := link.ListFiles(ctx)
		if err != nil {
			d.Log.Error("queue: list files failed", "client_id", cs.ClientID, "err", err)
			continue
		}
		perClient[cs.ClientID] = files
	}
	return queue.Intersect(perClient)
}
