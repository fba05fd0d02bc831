package control

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"

	"botwave/internal/registry"
)

// Server accepts control-channel connections and drives each through the
// handshake FSM before handing it off to the registry and a Session actor.
type Server struct {
	Listener   net.Listener
	Registry   *registry.Registry
	Handshake  HandshakeConfig
	Dispatcher Dispatcher
	Log        *slog.Logger

	// OnSessionStart/OnSessionEnd let the orchestrator track live Session
	// actors (keyed by client id) outside of control, e.g. for the
	// scheduler's fan-out lookup and the sync engine's ClientLink
	// resolution. Both are optional.
	OnSessionStart func(*Session)
	OnSessionEnd   func(*Session)
}

// NewTLSListener binds addr and wraps it with tlsConfig, exactly as the
// teacher's Server.Run wraps its websocket listener with a self-signed
// tls.Config (server.go / tls.go).
func NewTLSListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	return tls.Listen("tcp", addr, tlsConfig)
}

// Serve accepts connections until ctx is canceled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Listener.Close()
	}()

	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	ch := NewChannel(conn)
	remoteIP := hostOf(conn.RemoteAddr().String())

	cs, err := runHandshake(ch, remoteIP, s.Handshake)
	if err != nil {
		s.Log.Info("handshake failed", "remote", remoteIP, "err", err)
		_ = conn.Close()
		return
	}

	sess := NewSession(cs, ch, s.Log)
	s.Registry.Insert(cs)
	s.Log.Info("client connected", "client_id", cs.ClientID, "hostname", cs.Hostname)
	if s.OnSessionStart != nil {
		s.OnSessionStart(sess)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sess.RunKeepAlive(sessCtx)

	sess.Run(sessCtx, s.Dispatcher, func(*Session) {
		s.Registry.Remove(cs.ClientID)
		s.Log.Info("client disconnected", "client_id", cs.ClientID)
		if s.OnSessionEnd != nil {
			s.OnSessionEnd(sess)
		}
	})
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
