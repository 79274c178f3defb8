// Package listener implements the two client-facing front ends from
// spec.md §4.5: a TCP stream listener (one request/reply per accepted
// connection) and a UDP datagram listener, both driving the same shared
// Forwarder.
//
// Grounded on original_source/.../gevent_tcp.py and gevent_udp.py for the
// per-connection/per-datagram dispatch shape, and the teacher's
// server/server.go Run / proxy/server.go RunWithHandle for the Go
// errgroup-coordinated accept loop.
package listener

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/relaydns/dot-forwarder/forward"
	"github.com/relaydns/dot-forwarder/framer"
	"github.com/relaydns/dot-forwarder/socketio"
)

// TCP accepts DNS-over-TCP client connections and serves each on its own
// goroutine, with exactly one request/reply exchange per connection before
// closing — pipelined TCP DNS is a non-goal per spec.md §9.
type TCP struct {
	Addr      string
	Forwarder *forward.Forwarder
}

// Run listens on Addr and serves until ctx is canceled, at which point it
// stops accepting new connections and returns nil. In-flight handlers are
// not forcibly terminated.
func (l *TCP) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Infof("tcp: listening on %s", l.Addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handle(conn)
	}
}

func (l *TCP) handle(conn net.Conn) {
	defer conn.Close()
	fr := framer.New(socketio.New(conn))

	req, err := fr.Recv()
	if err != nil {
		log.Debugf("tcp: error reading request from %s: %v", conn.RemoteAddr(), err)
		return
	}
	log.Debugf("tcp: request received from %s", conn.RemoteAddr())

	reply := l.Forwarder.Forward(forward.TCP, req)

	if err := fr.Send(reply); err != nil {
		log.Warnf("tcp: error writing reply to %s: %v", conn.RemoteAddr(), err)
	}
}
