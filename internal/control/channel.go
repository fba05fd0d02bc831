// Package control implements the per-client control channel: the TLS
// transport, the REGISTER/AUTH/VER handshake state machine, keep-alive
// ping/pong, and response correlation for commands in flight.
package control

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"botwave/internal/errs"
	"botwave/internal/protocol"
)

// Channel wraps one net.Conn (a TLS connection in production, anything that
// implements net.Conn in tests) with line framing and serialized writes. It
// satisfies registry.Transport.
type Channel struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

// NewChannel wraps conn for line-oriented frame I/O.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn, r: bufio.NewReaderSize(conn, 4096)}
}

// WriteFrame writes a single already-newline-terminated (or not) line,
// appending a trailing LF if missing. Writes are serialized so concurrent
// callers never interleave a frame.
func (c *Channel) WriteFrame(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	_, err := c.conn.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	return nil
}

// ReadFrame blocks for the next newline-terminated frame and parses it.
func (c *Channel) ReadFrame() (protocol.Frame, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if line == "" {
			return protocol.Frame{}, fmt.Errorf("%w: %v", errs.ErrTransport, err)
		}
		// Fall through: a final unterminated line at EOF is still parsed,
		// mirroring bufio.Scanner's handling of a missing trailing newline.
	}
	if len(line) > protocol.MaxLineLength {
		return protocol.Frame{}, fmt.Errorf("%w: line too long", errs.ErrInvalidSyntax)
	}
	return protocol.Parse(line)
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
