// Package socketio wraps an established stream or datagram socket with
// deadline-enforced send/recv primitives. It is the lowest layer of the
// forwarding core: the framer and the forwarder only ever see a Socket,
// never a raw net.Conn (the pool dials the raw net.Conn and wraps it).
package socketio

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// These are vars, not consts, so tests can shrink them instead of waiting
// out the real-world default values.
var (
	// SendTotalTimeout bounds the wall-clock time a Send may take to push
	// every byte out, regardless of how many partial writes that takes.
	SendTotalTimeout = 5 * time.Second
	// RecvReadTimeout is the poll interval used while waiting for more
	// bytes to arrive; it subdivides RecvTotalTimeout so a stalled peer
	// is noticed promptly rather than all at once at the deadline.
	RecvReadTimeout = 500 * time.Millisecond
	// RecvTotalTimeout bounds the wall-clock time a Recv may take to
	// accumulate the requested number of bytes.
	RecvTotalTimeout = 5 * time.Second
)

// Sentinel errors, one per spec.md §7 BoundedSocket error kind.
var (
	ErrWriteTimeout     = errors.New("socketio: write timeout")
	ErrReadTimeout      = errors.New("socketio: read timeout")
	ErrConnectionClosed = errors.New("socketio: connection closed by peer")
)

// TransportError wraps an I/O error surfaced by the underlying socket that
// is neither a timeout nor an orderly close.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("socketio: transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error  { return e.Err }

var nextID int64

// Socket is a BoundedSocket: an established net.Conn (plain TCP, UDP, or
// TLS) with total-deadline send/recv semantics layered on top.
type Socket struct {
	conn net.Conn
	id   string
}

// New wraps conn. conn must already be connected (and, for TLS, already
// handshaken by the caller if peer verification is required before any
// bytes are exchanged).
func New(conn net.Conn) *Socket {
	return &Socket{
		conn: conn,
		id:   fmt.Sprintf("sock#%d", atomic.AddInt64(&nextID, 1)),
	}
}

// ID returns an opaque identifier suitable for log correlation.
func (s *Socket) ID() string { return s.id }

// Close closes the underlying connection.
func (s *Socket) Close() error { return s.conn.Close() }

// Send writes every byte of data, looping over partial writes, failing
// with ErrWriteTimeout if the total elapsed time exceeds SendTotalTimeout.
func (s *Socket) Send(data []byte) error {
	deadline := time.Now().Add(SendTotalTimeout)
	total := 0
	for total < len(data) {
		if time.Now().After(deadline) {
			return ErrWriteTimeout
		}
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return &TransportError{err}
		}
		n, err := s.conn.Write(data[total:])
		total += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return ErrWriteTimeout
			}
			return &TransportError{err}
		}
	}
	return nil
}

// SendTo writes a single datagram to addr. It is a straight pass-through,
// used only by the UDP listener.
func (s *Socket) SendTo(data []byte, addr net.Addr) error {
	pc, ok := s.conn.(net.PacketConn)
	if !ok {
		return &TransportError{fmt.Errorf("socketio: %T is not a packet connection", s.conn)}
	}
	_, err := pc.WriteTo(data, addr)
	if err != nil {
		return &TransportError{err}
	}
	return nil
}

// Recv reads until exactly n bytes have been accumulated, failing with
// ErrReadTimeout if RecvTotalTimeout elapses first, or ErrConnectionClosed
// if the peer half-closes before n bytes arrive.
//
// With a TLS-wrapped conn, decrypted application data may already be
// buffered inside the TLS engine even when the underlying descriptor
// reports nothing readable. Each step sets a short read deadline and then
// calls Read; Go's tls.Conn.Read drains that buffer before touching the
// network, so buffered plaintext is returned at once (no OS-level
// readiness polling is done, as the original gevent implementation had
// to) and only an empty buffer waits on the deadline.
func (s *Socket) Recv(n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	totalDeadline := time.Now().Add(RecvTotalTimeout)
	for total < n {
		if time.Now().After(totalDeadline) {
			return nil, ErrReadTimeout
		}
		stepDeadline := time.Now().Add(RecvReadTimeout)
		if stepDeadline.After(totalDeadline) {
			stepDeadline = totalDeadline
		}
		if err := s.conn.SetReadDeadline(stepDeadline); err != nil {
			if isClosed(err) {
				return nil, ErrConnectionClosed
			}
			return nil, &TransportError{err}
		}
		read, err := s.conn.Read(buf[total:])
		total += read
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Poll interval elapsed with no data; keep waiting until
				// the total deadline is exhausted.
				continue
			}
			if isClosed(err) {
				return nil, ErrConnectionClosed
			}
			return nil, &TransportError{err}
		}
		if read == 0 {
			return nil, ErrConnectionClosed
		}
	}
	return buf, nil
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// IsTLS reports whether conn is a TLS stream, for callers that need to
// branch on transport.
func IsTLS(conn net.Conn) bool {
	_, ok := conn.(*tls.Conn)
	return ok
}
