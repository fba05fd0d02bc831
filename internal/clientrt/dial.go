package clientrt

import (
	"crypto/tls"
	"fmt"
	"time"

	"botwave/internal/control"
	"botwave/internal/errs"
	"botwave/internal/protocol"
)

// HandshakeTimeout bounds the client's wait for each handshake reply.
const HandshakeTimeout = 5 * time.Second

// DialParams carries the identity and credentials a client presents during
// REGISTER/AUTH/VER.
type DialParams struct {
	Hostname      string
	Machine       string
	System        string
	Release       string
	Passkey       string
	ClientVersion string
}

// Dial opens a TLS control channel to addr and runs the client side of the
// three-phase handshake, returning the server-assigned client id.
func Dial(addr string, tlsConfig *tls.Config, p DialParams) (*control.Channel, string, error) {
	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	ch := control.NewChannel(conn)

	if err := ch.WriteFrame(protocol.Build(protocol.Frame{
		Verb: protocol.VerbRegister,
		Keyword: map[string]string{
			"hostname": p.Hostname, "machine": p.Machine, "system": p.System, "release": p.Release,
		},
	})); err != nil {
		ch.Close()
		return nil, "", err
	}

	if p.Passkey != "" {
		if err := ch.WriteFrame(protocol.Build(protocol.Frame{Verb: protocol.VerbAuth, Positional: []string{p.Passkey}})); err != nil {
			ch.Close()
			return nil, "", err
		}
	}

	if err := ch.WriteFrame(protocol.Build(protocol.Frame{Verb: protocol.VerbVer, Positional: []string{p.ClientVersion}})); err != nil {
		ch.Close()
		return nil, "", err
	}

	reply, err := readWithTimeout(ch, HandshakeTimeout)
	if err != nil {
		ch.Close()
		return nil, "", err
	}

	switch reply.Verb {
	case protocol.VerbRegisterOK:
		return ch, reply.Get("client_id"), nil
	case protocol.VerbAuthFailed:
		ch.Close()
		return nil, "", errs.ErrAuthFailed
	case protocol.VerbVersionMismatch:
		ch.Close()
		return nil, "", fmt.Errorf("%w: server=%s client=%s", errs.ErrVersionMismatch, reply.Get("server_version"), reply.Get("client_version"))
	default:
		ch.Close()
		return nil, "", fmt.Errorf("unexpected handshake reply %q", reply.Verb)
	}
}

func readWithTimeout(ch *control.Channel, timeout time.Duration) (protocol.Frame, error) {
	type result struct {
		f   protocol.Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := ch.ReadFrame()
		done <- result{f, err}
	}()
	select {
	case r := <-done:
		return r.f, r.err
	case <-time.After(timeout):
		return protocol.Frame{}, fmt.Errorf("%w: handshake reply", errs.ErrTimeout)
	}
}
