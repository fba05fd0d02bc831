package orchestrator

import (
	"context"
	"log/slog"
	"strconv"

	"botwave/internal/audit"
	"botwave/internal/control"
	"botwave/internal/handlers"
	"botwave/internal/protocol"
	"botwave/internal/queue"
)

// Dispatcher implements control.Dispatcher: it is the seam that turns a
// client-initiated frame which is neither a keep-alive pong nor a
// correlated OK/ERROR into fleet-level behavior — today, solely
// BROADCAST_ENDED driving queue auto-advance.
type Dispatcher struct {
	Queue    *queue.State
	Handlers *handlers.Runner
	Audit    *audit.Store
	Log      *slog.Logger

	// Ops is the operator command dispatcher (opcmd.Dispatcher.Dispatch);
	// lifecycle handler lines are fed into it, same as interactive input.
	// Declared as handlers.Dispatch rather than importing opcmd directly,
	// since opcmd itself depends on this package's SessionTable/SessionLink.
	Ops handlers.Dispatch
}

// NewDispatcher returns a Dispatcher wired to the given queue, handler
// runner, and audit trail. Audit may be nil to disable the trail entirely.
// Ops is set separately once the operator command dispatcher exists (it is
// constructed after this Dispatcher, to close the wiring loop).
func NewDispatcher(q *queue.State, h *handlers.Runner, a *audit.Store, log *slog.Logger) *Dispatcher {
	return &Dispatcher{Queue: q, Handlers: h, Audit: a, Log: log}
}

// Dispatch handles one unsolicited frame from sess.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *control.Session, f protocol.Frame) {
	switch f.Verb {
	case protocol.VerbBroadcastEnded:
		d.onBroadcastEnded(ctx, sess, f)
	default:
		d.Log.Warn("unhandled client-initiated frame", "client_id", sess.ClientSession.ClientID, "verb", f.Verb)
	}
}

func (d *Dispatcher) onBroadcastEnded(ctx context.Context, sess *control.Session, f protocol.Frame) {
	clientID := sess.ClientSession.ClientID
	if d.Audit != nil {
		d.Audit.Record(clientID, audit.KindBroadcastEnd, f.Get("filename"))
	}

	if d.Queue.Paused() {
		// Broadcast wasn't driven by the queue (manual start/live, or the
		// queue is already paused) — no auto-advance.
		d.fireHandlers(ctx, "onstop")
		return
	}

	filename, ok := d.Queue.Advance(clientID)
	d.fireHandlers(ctx, "onstop")
	if !ok {
		return
	}

	params := d.Queue.Params()
	link := SessionLink{Session: sess}
	req := protocol.Frame{
		Verb: protocol.VerbStart,
		Keyword: map[string]string{
			"filename": filename,
			"freq":     formatFloat(params.Freq),
			"ps":       params.PS,
			"rt":       params.RT,
			"pi":       params.PI,
			"loop":     formatBool(params.Loop),
			"start_at": "0",
		},
	}
	if err := link.Session.SendBestEffort(req); err != nil {
		d.Log.Error("auto-advance START failed", "client_id", clientID, "err", err)
		return
	}
	if d.Audit != nil {
		d.Audit.Record(clientID, audit.KindBroadcast, filename)
	}
	d.fireHandlers(ctx, "onstart")
}

// fireHandlers runs event's lifecycle scripts, feeding each surviving line
// into Ops (falling back to a no-op when Ops is unset, e.g. in tests that
// don't exercise handler-triggered commands).
func (d *Dispatcher) fireHandlers(ctx context.Context, event string) {
	if d.Handlers == nil {
		return
	}
	ops := d.Ops
	if ops == nil {
		ops = func(context.Context, string) {}
	}
	d.Handlers.Fire(ctx, event, ops)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
