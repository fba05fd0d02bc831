package control

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"botwave/internal/protocol"
	"botwave/internal/registry"
)

type recordingDispatcher struct {
	frames []protocol.Frame
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, sess *Session, f protocol.Frame) {
	d.frames = append(d.frames, f)
}

func newTestSession(t *testing.T) (*Session, *bufio.ReadWriter) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	ch := NewChannel(serverConn)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cs := &registry.ClientSession{ClientID: "pi1_10.0.0.5", Transport: ch}
	sess := NewSession(cs, ch, log)

	peer := bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn))
	return sess, peer
}

func TestSessionDispatchesUnknownVerb(t *testing.T) {
	sess, peer := newTestSession(t)
	disp := &recordingDispatcher{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx, disp, func(*Session) {})

	peer.WriteString("LIST_FILES\n")
	peer.Flush()

	deadline := time.After(time.Second)
	for {
		sess.pending.mu.Lock()
		n := len(disp.frames)
		sess.pending.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher never received frame")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if disp.frames[0].Verb != protocol.VerbListFiles {
		t.Fatalf("unexpected dispatched frame: %+v", disp.frames[0])
	}
}

func TestSessionRateLimitRejectsFlood(t *testing.T) {
	sess, peer := newTestSession(t)
	disp := &recordingDispatcher{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx, disp, func(*Session) {})

	for i := 0; i < CommandBurst+10; i++ {
		peer.WriteString("LIST_FILES\n")
	}
	peer.Flush()

	sawError := false
	for {
		line, err := readLineWithTimeout(peer.Reader, time.Second)
		if err != nil {
			break
		}
		f, perr := protocol.Parse(line)
		if perr == nil && f.Verb == protocol.VerbError {
			sawError = true
			break
		}
	}
	if !sawError {
		t.Fatal("expected at least one rate-limit ERROR reply under a command flood")
	}
}

func readLineWithTimeout(r *bufio.Reader, timeout time.Duration) (string, error) {
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		done <- result{line, err}
	}()
	select {
	case res := <-done:
		return res.line, res.err
	case <-time.After(timeout):
		return "", context.DeadlineExceeded
	}
}

func TestSessionPongResetsMissedCount(t *testing.T) {
	sess, peer := newTestSession(t)
	disp := &recordingDispatcher{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx, disp, func(*Session) {})

	sess.missedPongs.Store(2)
	peer.WriteString("PONG\n")
	peer.Flush()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sess.missedPongs.Load() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected missedPongs reset to 0 after PONG")
}
