// Package remoteshell implements the authenticated WebSocket remote-shell
// port: a JSON auth handshake followed by plain-text command frames
// fed into the same dispatcher as interactive input, subject to a denylist.
package remoteshell

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"botwave/internal/logging"
)

// AuthTimeout bounds how long the server waits for the first auth frame.
const AuthTimeout = 5 * time.Second

// Denylist blocks commands that could kill the server or escape to a host
// shell.
var Denylist = []string{"exit", "<"}

// Dispatch feeds one command line into the shared dispatcher.
type Dispatch func(ctx context.Context, line string)

type authFrame struct {
	Type    string `json:"type"`
	Passkey string `json:"passkey"`
}

type authReply struct {
	Type string `json:"type"`
}

// Handler upgrades and services remote-shell connections.
type Handler struct {
	Passkey  string
	Dispatch Dispatch
	Hub      *logging.Hub
	Log      *slog.Logger

	upgrader websocket.Upgrader
}

// NewHandler returns a Handler that authenticates against passkey and feeds
// commands into dispatch.
func NewHandler(passkey string, dispatch Dispatch, hub *logging.Hub, log *slog.Logger) *Handler {
	return &Handler{
		Passkey:  passkey,
		Dispatch: dispatch,
		Hub:      hub,
		Log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Error("remote-shell upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	if !h.authenticate(conn) {
		return
	}

	sink := &wsSink{conn: conn}
	subID := h.Hub.Subscribe(sink)
	defer h.Hub.Unsubscribe(subID)

	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		line := strings.TrimSpace(string(data))
		if line == "" || isDenied(line) {
			continue
		}
		h.Dispatch(ctx, line)
	}
}

func (h *Handler) authenticate(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var af authFrame
	if err := json.Unmarshal(data, &af); err != nil || af.Type != "auth" {
		_ = conn.WriteJSON(authReply{Type: "auth_failed"})
		return false
	}
	if h.Passkey != "" && af.Passkey != h.Passkey {
		_ = conn.WriteJSON(authReply{Type: "auth_failed"})
		return false
	}
	return conn.WriteJSON(authReply{Type: "auth_ok"}) == nil
}

// isDenied reports whether line contains a denylisted command or shell
// escape sequence.
func isDenied(line string) bool {
	lower := strings.ToLower(line)
	for _, bad := range Denylist {
		if strings.Contains(lower, bad) {
			return true
		}
	}
	return false
}

// wsSink adapts a websocket connection to logging.Sink, fanning log lines to
// the remote operator's terminal.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteLine(line string) {
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(line))
}
