package remoteshell

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"botwave/internal/logging"
)

func newTestServer(t *testing.T, passkey string, dispatch Dispatch) (*httptest.Server, *logging.Hub) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := logging.NewHub(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(passkey, dispatch, hub, log)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAuthSuccessThenDispatch(t *testing.T) {
	var got []string
	srv, _ := newTestServer(t, "secret", func(ctx context.Context, line string) {
		got = append(got, line)
	})
	conn := dial(t, srv)

	if err := conn.WriteJSON(authFrame{Type: "auth", Passkey: "secret"}); err != nil {
		t.Fatal(err)
	}
	var reply authReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "auth_ok" {
		t.Fatalf("expected auth_ok, got %q", reply.Type)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("start all a.wav")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(got) != 1 || got[0] != "start all a.wav" {
		t.Fatalf("expected dispatch of command, got %v", got)
	}
}

func TestAuthFailureWrongPasskey(t *testing.T) {
	srv, _ := newTestServer(t, "secret", func(context.Context, string) {})
	conn := dial(t, srv)

	if err := conn.WriteJSON(authFrame{Type: "auth", Passkey: "wrong"}); err != nil {
		t.Fatal(err)
	}
	var reply authReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "auth_failed" {
		t.Fatalf("expected auth_failed, got %q", reply.Type)
	}
}

func TestDenylistBlocksExitAndShellEscape(t *testing.T) {
	var got []string
	srv, _ := newTestServer(t, "", func(ctx context.Context, line string) {
		got = append(got, line)
	})
	conn := dial(t, srv)

	if err := conn.WriteJSON(authFrame{Type: "auth", Passkey: ""}); err != nil {
		t.Fatal(err)
	}
	var reply authReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte("exit"))
	_ = conn.WriteMessage(websocket.TextMessage, []byte("cat /etc/passwd < foo"))
	_ = conn.WriteMessage(websocket.TextMessage, []byte("status"))
	time.Sleep(50 * time.Millisecond)

	if len(got) != 1 || got[0] != "status" {
		t.Fatalf("expected only non-denied command dispatched, got %v", got)
	}
}

func TestNoAuthPasskeyConfiguredAcceptsEmpty(t *testing.T) {
	srv, hub := newTestServer(t, "", func(context.Context, string) {})
	conn := dial(t, srv)
	if err := conn.WriteJSON(authFrame{Type: "auth"}); err != nil {
		t.Fatal(err)
	}
	var reply authReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "auth_ok" {
		t.Fatalf("expected auth_ok when no passkey is configured, got %q", reply.Type)
	}
	_ = hub
}

func TestMalformedAuthFrameRejected(t *testing.T) {
	srv, _ := newTestServer(t, "secret", func(context.Context, string) {})
	conn := dial(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	var reply authReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "auth_failed" {
		t.Fatalf("expected auth_failed for malformed frame, got %q", reply.Type)
	}
}
