package listener

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/relaydns/dot-forwarder/forward"
	"github.com/relaydns/dot-forwarder/socketio"
)

const maxDatagramSize = 65535

// UDP serves one DNS query per datagram, with no length framing. Every
// datagram is forwarded on its own goroutine so one slow upstream cannot
// head-of-line-block other clients.
type UDP struct {
	Addr      string
	Forwarder *forward.Forwarder
}

// Run listens on Addr and serves until ctx is canceled.
func (l *UDP) Run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", l.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	conn, _ := pc.(net.Conn)
	var sock *socketio.Socket
	if conn != nil {
		sock = socketio.New(conn)
	}

	log.Infof("udp: listening on %s", l.Addr)
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		data := append([]byte(nil), buf[:n]...)
		go l.handle(pc, sock, addr, data)
	}
}

func (l *UDP) handle(pc net.PacketConn, sock *socketio.Socket, addr net.Addr, data []byte) {
	log.Debugf("udp: request received from %s", addr)
	reply := l.Forwarder.Forward(forward.UDP, data)

	var err error
	if sock != nil {
		err = sock.SendTo(reply, addr)
	} else {
		_, err = pc.WriteTo(reply, addr)
	}
	if err != nil {
		log.Warnf("udp: error writing reply to %s: %v", addr, err)
	}
}
