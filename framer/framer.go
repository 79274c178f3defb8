// Package framer implements the length-prefixed DNS-over-TCP wire framing
// from RFC 1035 §4.2.2 on top of a socketio.Socket.
package framer

import (
	"encoding/binary"
	"errors"

	"github.com/relaydns/dot-forwarder/socketio"
)

// ErrMessageTooLarge is returned by Send when the message does not fit in
// the 16-bit length prefix.
var ErrMessageTooLarge = errors.New("framer: message too large for a 2-byte length prefix")

// ErrEmptyMessage is returned by Send for a zero-length message, which RFC
// 1035 framing cannot distinguish from "nothing to send".
var ErrEmptyMessage = errors.New("framer: message must not be empty")

const maxMessageLen = 65535

// Framer is a stateless DNSFramer bound to one socketio.Socket. It carries
// no state of its own across calls and does not buffer partial messages.
type Framer struct {
	sock *socketio.Socket
}

// New binds a Framer to sock.
func New(sock *socketio.Socket) *Framer {
	return &Framer{sock: sock}
}

// Send prepends a 2-byte big-endian length prefix to msg and writes the
// concatenation via the underlying BoundedSocket.
func (f *Framer) Send(msg []byte) error {
	if len(msg) == 0 {
		return ErrEmptyMessage
	}
	if len(msg) > maxMessageLen {
		return ErrMessageTooLarge
	}
	framed := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(framed, uint16(len(msg)))
	copy(framed[2:], msg)
	return f.sock.Send(framed)
}

// Recv reads exactly one framed DNS message: a 2-byte big-endian length
// field followed by that many bytes. Any error from the underlying Recv
// propagates unchanged; there is no framing-level retry.
func (f *Framer) Recv() ([]byte, error) {
	prefix, err := f.sock.Recv(2)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(prefix)
	if length == 0 {
		return nil, ErrEmptyMessage
	}
	return f.sock.Recv(int(length))
}
