package control

import (
	"errors"
	"fmt"
	"time"

	"botwave/internal/errs"
	"botwave/internal/protocol"
	"botwave/internal/registry"
)

func isInvalidSyntax(err error) bool {
	return errors.Is(err, errs.ErrInvalidSyntax)
}

// HandshakeConfig carries the server-side parameters needed to run the
// REGISTER -> AUTH -> VER state machine.
type HandshakeConfig struct {
	Passkey       string // empty disables the AUTH phase
	ServerVersion string
	Timeout       time.Duration // registration handshake timeout
	ClientIDOf    func(hostname, remoteIP string) string
}

// handshakeState names the states of the server-side FSM.
type handshakeState int

const (
	stateAwaitRegister handshakeState = iota
	stateAwaitAuth
	stateAwaitVer
)

// runHandshake drives the FSM to completion, returning a
// populated ClientSession on success. On failure it sends the terminal
// response itself and returns a non-nil error; the caller should close the
// connection.
func runHandshake(ch *Channel, remoteIP string, cfg HandshakeConfig) (*registry.ClientSession, error) {
	state := stateAwaitRegister
	if cfg.Passkey == "" {
		// No passkey configured: REGISTER transitions straight to AwaitVer.
	}

	var machine registry.MachineInfo
	deadline := time.Now().Add(cfg.Timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: registration handshake", errs.ErrTimeout)
		}
		f, err := readWithDeadline(ch, remaining)
		if err != nil {
			if isInvalidSyntax(err) {
				_ = ch.WriteFrame(protocol.Build(protocol.Frame{
					Verb:    protocol.VerbError,
					Keyword: map[string]string{"message": err.Error()},
				}))
				continue
			}
			return nil, err
		}

		switch state {
		case stateAwaitRegister:
			if f.Verb != protocol.VerbRegister {
				continue
			}
			machine = registry.MachineInfo{
				Hostname: f.Get("hostname"),
				Machine:  f.Get("machine"),
				System:   f.Get("system"),
				Release:  f.Get("release"),
			}
			if cfg.Passkey != "" {
				state = stateAwaitAuth
			} else {
				state = stateAwaitVer
			}

		case stateAwaitAuth:
			if f.Verb != protocol.VerbAuth {
				continue
			}
			if len(f.Positional) == 0 || f.Positional[0] != cfg.Passkey {
				_ = ch.WriteFrame(protocol.Build(protocol.Frame{Verb: protocol.VerbAuthFailed}))
				return nil, errs.ErrAuthFailed
			}
			state = stateAwaitVer

		case stateAwaitVer:
			if f.Verb != protocol.VerbVer {
				continue
			}
			clientVersion := ""
			if len(f.Positional) > 0 {
				clientVersion = f.Positional[0]
			}
			if !Compatible(clientVersion, cfg.ServerVersion) {
				_ = ch.WriteFrame(protocol.Build(protocol.Frame{
					Verb: protocol.VerbVersionMismatch,
					Keyword: map[string]string{
						"server_version": cfg.ServerVersion,
						"client_version": clientVersion,
					},
				}))
				return nil, errs.ErrVersionMismatch
			}

			clientID := machine.Hostname + "_" + remoteIP
			if cfg.ClientIDOf != nil {
				clientID = cfg.ClientIDOf(machine.Hostname, remoteIP)
			}
			session := &registry.ClientSession{
				ClientID:      clientID,
				Hostname:      machine.Hostname,
				Machine:       machine,
				ProtoVersion:  clientVersion,
				ConnectedAt:   time.Now(),
				Authenticated: cfg.Passkey != "",
				Transport:     ch,
			}
			session.Touch()
			if err := ch.WriteFrame(protocol.Build(protocol.Frame{
				Verb: protocol.VerbRegisterOK,
				Keyword: map[string]string{
					"client_id":      clientID,
					"server_version": cfg.ServerVersion,
				},
			})); err != nil {
				return nil, err
			}
			return session, nil
		}
	}
}

// readWithDeadline reads one frame, returning any read or syntax error to
// the caller (runHandshake replies ERROR and keeps reading on a syntax
// error), or a timeout error once timeout elapses.
func readWithDeadline(ch *Channel, timeout time.Duration) (protocol.Frame, error) {
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
		if r.err != nil {
			return protocol.Frame{}, r.err
		}
		return r.f, nil
	case <-time.After(timeout):
		return protocol.Frame{}, fmt.Errorf("%w: registration handshake", errs.ErrTimeout)
	}
}
