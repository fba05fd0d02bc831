package control

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"botwave/internal/errs"
	"botwave/internal/protocol"
	"botwave/internal/registry"
)

// Dispatcher is implemented by whatever owns command semantics (the server
// orchestrator); the control package only knows about frames and sessions,
// not about queues, sync, or scheduling.
type Dispatcher interface {
	// Dispatch handles one client-initiated frame that isn't a keep-alive
	// pong and isn't a correlated OK/ERROR response.
	Dispatch(ctx context.Context, sess *Session, f protocol.Frame)
}

// Session is the per-client control-channel actor: it owns the transport,
// the pending-response table, and the keep-alive timer, exactly the shape
// described in the design notes ("session actor") and grounded on the
// teacher's per-connection isolation in internal/ws/handler.go.
type Session struct {
	*registry.ClientSession
	ch      *Channel
	pending *pendingTable
	log     *slog.Logger

	missedPongs atomic.Int32
	closed      atomic.Bool
	onClose     func(*Session)

	limiter *rate.Limiter
}

// CommandRateLimit bounds sustained inbound command throughput per session
// (commands/sec); CommandBurst allows short spikes above that rate. Guards
// against one misbehaving or compromised client monopolizing the worker
// pool with a command flood.
const (
	CommandRateLimit = 20
	CommandBurst     = 40
)

// KeepAliveInterval is the PING cadence.
const KeepAliveInterval = 30 * time.Second

// DefaultResponseTimeout is the default response wait.
const DefaultResponseTimeout = 30 * time.Second

// FileListingTimeout bounds LIST_FILES response waits.
const FileListingTimeout = 30 * time.Second

// NewSession wraps a handshaken ClientSession into a running Session actor.
func NewSession(cs *registry.ClientSession, ch *Channel, log *slog.Logger) *Session {
	return &Session{
		ClientSession: cs,
		ch:            ch,
		pending:       newPendingTable(),
		log:           log,
		limiter:       rate.NewLimiter(rate.Limit(CommandRateLimit), CommandBurst),
	}
}

// Run drives the read loop until the transport fails or ctx is canceled.
// Every inbound frame is either: a PONG (keep-alive ack), an OK/ERROR
// response, or handed to the dispatcher. onClose is invoked exactly once
// when the session ends.
func (s *Session) Run(ctx context.Context, dispatcher Dispatcher, onClose func(*Session)) {
	s.onClose = onClose
	defer s.close()

	type readResult struct {
		f   protocol.Frame
		err error
	}
	frames := make(chan readResult, 1)
	go func() {
		for {
			f, err := s.ch.ReadFrame()
			frames <- readResult{f, err}
			if err != nil && !errors.Is(err, errs.ErrInvalidSyntax) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-frames:
			if r.err != nil {
				if errors.Is(r.err, errs.ErrInvalidSyntax) {
					_ = s.ch.WriteFrame(protocol.Build(protocol.Frame{
						Verb:    protocol.VerbError,
						Keyword: map[string]string{"message": r.err.Error()},
					}))
					continue
				}
				s.log.Warn("control channel closed", "client_id", s.ClientID, "err", r.err)
				return
			}
			s.Touch()
			s.handleFrame(ctx, dispatcher, r.f)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, dispatcher Dispatcher, f protocol.Frame) {
	switch f.Verb {
	case protocol.VerbPong:
		s.missedPongs.Store(0)
	case protocol.VerbOK, protocol.VerbError:
		s.pending.resolve(f)
	default:
		if !s.limiter.Allow() {
			_ = s.ch.WriteFrame(protocol.Build(protocol.Frame{
				Verb:    protocol.VerbError,
				Keyword: map[string]string{"message": "rate limit exceeded"},
			}))
			return
		}
		if dispatcher != nil {
			dispatcher.Dispatch(ctx, s, f)
		}
	}
}

// RunKeepAlive sends PING every KeepAliveInterval and closes the session
// after two consecutive missed PONGs. Pings are suppressed while the
// session's legacy uploading flag is set, to avoid interleaving with a bulk
// transfer on the same channel.
func (s *Session) RunKeepAlive(ctx context.Context) {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Uploading() {
				continue
			}
			if s.missedPongs.Load() >= 2 {
				s.log.Warn("keep-alive timeout", "client_id", s.ClientID)
				s.close()
				return
			}
			s.missedPongs.Add(1)
			if err := s.ch.WriteFrame(protocol.Build(protocol.Frame{Verb: protocol.VerbPing})); err != nil {
				s.close()
				return
			}
		}
	}
}

// SendCommand sends a command and waits (FIFO-correlated) for the single
// OK/ERROR response, honoring timeout.
func (s *Session) SendCommand(f protocol.Frame, timeout time.Duration) (protocol.Frame, error) {
	waiter := s.pending.awaitFIFO()
	if err := s.Send(protocol.Build(f)); err != nil {
		return protocol.Frame{}, err
	}
	return wait(waiter, timeout)
}

// SendKeyed sends a command whose response is correlated by key instead of
// FIFO order.
func (s *Session) SendKeyed(f protocol.Frame, key string, timeout time.Duration) (protocol.Frame, error) {
	waiter := s.pending.awaitKeyed(key)
	if err := s.Send(protocol.Build(f)); err != nil {
		return protocol.Frame{}, err
	}
	return wait(waiter, timeout)
}

// SendBestEffort writes a command without waiting for any response.
func (s *Session) SendBestEffort(f protocol.Frame) error {
	return s.Send(protocol.Build(f))
}

func (s *Session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.ch.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
}
