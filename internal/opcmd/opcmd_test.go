package opcmd

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"botwave/internal/control"
	"botwave/internal/orchestrator"
	"botwave/internal/protocol"
	"botwave/internal/queue"
	"botwave/internal/registry"
	"botwave/internal/scheduler"
	"botwave/internal/syncengine"
	"botwave/internal/transfer"
)

// testClient wires one fake client: a *control.Session on the server side,
// plumbed through a net.Pipe, with an autoResponder goroutine servicing
// whatever the server side asks of it.
type testClient struct {
	sess *control.Session
	w    *bufio.Writer
	r    *bufio.Reader
}

type testHarness struct {
	d        *Dispatcher
	reg      *registry.Registry
	sessions *orchestrator.SessionTable
	queue    *queue.State
	tokens   *transfer.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	reg := registry.New()
	sessions := orchestrator.NewSessionTable()
	q := queue.New(scheduler.Params{Freq: 90.0, Loop: false})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New(reg, log, sessions.SessionFor)

	tokens := transfer.NewStore()
	svc := transfer.NewService(tokens, t.TempDir(), log)
	eng := syncengine.New(tokens, svc, "https://127.0.0.1:9921", log)

	return &testHarness{
		d:        New(sched, eng, q, reg, sessions, log),
		reg:      reg,
		sessions: sessions,
		queue:    q,
		tokens:   tokens,
	}
}

// connect registers a fake client with both the registry (target
// resolution) and the session table (live-session lookup), mirroring what
// control.Server's OnSessionStart/registry.Insert do for a real connection.
func (h *testHarness) connect(clientID string, files []string, uploadDestDir string) *testClient {
	tc := newTestClient(clientID, files, h.tokens, uploadDestDir)
	h.reg.Insert(tc.sess.ClientSession)
	h.sessions.Put(tc.sess)
	return tc
}

func newTestClient(clientID string, files []string, tokens *transfer.Store, uploadDestDir string) *testClient {
	serverConn, clientConn := net.Pipe()
	ch := control.NewChannel(serverConn)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cs := &registry.ClientSession{ClientID: clientID, Transport: ch}
	sess := control.NewSession(cs, ch, log)

	tc := &testClient{
		sess: sess,
		w:    bufio.NewWriter(clientConn),
		r:    bufio.NewReader(clientConn),
	}

	go sess.Run(context.Background(), noopDispatcher{}, func(*control.Session) {})
	go tc.autoRespond(files, tokens, uploadDestDir)
	return tc
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, *control.Session, protocol.Frame) {}

// autoRespond plays the role of a real client: LIST_FILES gets a "files"
// reply, UPLOAD_TOKEN consumes the real token to learn the temp filename
// the engine minted and writes it under uploadDestDir (so WaitStable
// observes a genuinely finished upload instead of timing out), everything
// else is OK'd.
func (tc *testClient) autoRespond(files []string, tokens *transfer.Store, uploadDestDir string) {
	for {
		line, err := tc.r.ReadString('\n')
		if err != nil {
			return
		}
		f, err := protocol.Parse(line)
		if err != nil {
			continue
		}
		switch f.Verb {
		case protocol.VerbListFiles:
			tc.w.WriteString(protocol.Build(protocol.Frame{
				Verb:    protocol.VerbOK,
				Keyword: map[string]string{"files": strings.Join(files, ",")},
			}))
			tc.w.Flush()
		case protocol.VerbUploadToken:
			if tokens != nil && uploadDestDir != "" {
				if tok, ok := tokens.Consume(f.Get("token"), transfer.KindUpload); ok {
					_ = os.WriteFile(filepath.Join(uploadDestDir, tok.Filename), []byte("wav-bytes"), 0o644)
				}
			}
			tc.w.WriteString(protocol.Build(protocol.Frame{Verb: protocol.VerbOK}))
			tc.w.Flush()
		default:
			tc.w.WriteString(protocol.Build(protocol.Frame{Verb: protocol.VerbOK}))
			tc.w.Flush()
		}
	}
}

func readFrame(t *testing.T, tc *testClient, timeout time.Duration) protocol.Frame {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := tc.r.ReadString('\n')
		done <- result{line, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("read: %v", res.err)
		}
		f, err := protocol.Parse(res.line)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return f
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

func TestDispatchStartSendsStartFrame(t *testing.T) {
	h := newTestHarness(t)
	tc := h.connect("pi1_10.0.0.5", nil, "")

	h.d.Dispatch(context.Background(), "start all song.wav 90.0 false")

	f := readFrame(t, tc, 2*time.Second)
	if f.Verb != protocol.VerbStart || f.Get("filename") != "song.wav" || f.Get("freq") != "90" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDispatchStartInvalidFreqSendsNothing(t *testing.T) {
	h := newTestHarness(t)
	tc := h.connect("pi1", nil, "")

	h.d.Dispatch(context.Background(), "start all song.wav notanumber false")

	done := make(chan struct{})
	go func() {
		tc.r.ReadString('\n')
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("expected no frame to be sent for an invalid start command")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchAddForcedBypassesAvailabilityCheck(t *testing.T) {
	h := newTestHarness(t)

	h.d.Dispatch(context.Background(), "+only_on_one.wav!")

	snap := h.queue.Show()
	if len(snap.Items) != 1 || snap.Items[0].Filename != "only_on_one.wav" {
		t.Fatalf("expected forced add to succeed, got %+v", snap.Items)
	}
}

func TestDispatchAddRejectsMissingFiles(t *testing.T) {
	h := newTestHarness(t)
	h.connect("pi1", []string{"a.wav"}, "")

	h.d.Dispatch(context.Background(), "+a.wav,b.wav")

	snap := h.queue.Show()
	if len(snap.Items) != 0 {
		t.Fatalf("expected add to be rejected (b.wav missing), got %+v", snap.Items)
	}
}

func TestDispatchAddAcceptsIntersection(t *testing.T) {
	h := newTestHarness(t)
	h.connect("pi1", []string{"a.wav", "b.wav"}, "")
	h.connect("pi2", []string{"a.wav"}, "")

	h.d.Dispatch(context.Background(), "+a.wav")

	snap := h.queue.Show()
	if len(snap.Items) != 1 || snap.Items[0].Filename != "a.wav" {
		t.Fatalf("expected a.wav to be added, got %+v", snap.Items)
	}
}

func TestDispatchRemoveWildcardClears(t *testing.T) {
	h := newTestHarness(t)
	h.queue.Add([]string{"a.wav", "b.wav"})

	h.d.Dispatch(context.Background(), "-*")

	if len(h.queue.Show().Items) != 0 {
		t.Fatalf("expected queue cleared")
	}
}

func TestDispatchToggleStartsQueueHead(t *testing.T) {
	h := newTestHarness(t)
	tc := h.connect("pi1", nil, "")
	h.queue.Add([]string{"first.wav", "second.wav"})

	h.d.Dispatch(context.Background(), "!all,100.0,true")

	if h.queue.Paused() {
		t.Fatal("expected queue to be unpaused")
	}
	f := readFrame(t, tc, 2*time.Second)
	if f.Verb != protocol.VerbStart || f.Get("filename") != "first.wav" || f.Get("freq") != "100" {
		t.Fatalf("unexpected start frame: %+v", f)
	}
}

func TestDispatchToggleWithoutTargetsDoesNotStart(t *testing.T) {
	h := newTestHarness(t)
	h.queue.Add([]string{"a.wav"})

	h.d.Dispatch(context.Background(), "!")

	if h.queue.Paused() {
		t.Fatal("expected queue to be unpaused even without targets")
	}
}

func TestDispatchSyncClientToFolder(t *testing.T) {
	h := newTestHarness(t)
	destDir := t.TempDir()
	h.connect("pi1", []string{"a.wav"}, destDir)

	h.d.Dispatch(context.Background(), "sync "+destDir+"/ pi1")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(destDir, "a.wav")); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected a.wav to land in %s", destDir)
}

func TestDispatchSyncFolderToClients(t *testing.T) {
	h := newTestHarness(t)
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "a.wav"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tc := h.connect("pi1", nil, "")

	h.d.Dispatch(context.Background(), "sync pi1 "+srcDir+"/")

	// The target first gets a REMOVE_FILE, then a DOWNLOAD_TOKEN.
	f1 := readFrame(t, tc, 2*time.Second)
	if f1.Verb != protocol.VerbRemoveFile {
		t.Fatalf("expected REMOVE_FILE first, got %+v", f1)
	}
	f2 := readFrame(t, tc, 2*time.Second)
	if f2.Verb != protocol.VerbDownloadToken {
		t.Fatalf("expected DOWNLOAD_TOKEN, got %+v", f2)
	}
}

func TestDispatchSyncUnknownTargetLogsError(t *testing.T) {
	h := newTestHarness(t)
	h.d.Dispatch(context.Background(), "sync nosuchclient song.wav")
}

func TestDispatchShowDoesNotPanicOnEmptyQueue(t *testing.T) {
	h := newTestHarness(t)
	h.d.Dispatch(context.Background(), "*")
}

func TestDispatchIgnoresBlankAndComment(t *testing.T) {
	h := newTestHarness(t)
	h.d.Dispatch(context.Background(), "")
	h.d.Dispatch(context.Background(), "# a comment")
}
