package framer

import (
	"net"
	"testing"

	"github.com/relaydns/dot-forwarder/socketio"
)

// FuzzRoundTrip is adapted from the teacher's
// proxy/internal/specialized/fuzz harness: instead of fuzzing the evicted
// cache (gone, caching is a non-goal), it fuzzes the one round-trip
// property the framer must uphold for any message within the RFC 1035
// length-prefix range.
func FuzzRoundTrip(f *testing.F) {
	f.Add([]byte{0x00})
	f.Add([]byte("\x00\x01\x02\x03"))
	f.Add(make([]byte, 512))

	f.Fuzz(func(t *testing.T, msg []byte) {
		if len(msg) == 0 || len(msg) > maxMessageLen {
			t.Skip()
		}
		l, r := net.Pipe()
		defer l.Close()
		defer r.Close()
		lf := New(socketio.New(l))
		rf := New(socketio.New(r))

		errc := make(chan error, 1)
		go func() { errc <- lf.Send(msg) }()

		got, err := rf.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if err := <-errc; err != nil {
			t.Fatalf("Send: %v", err)
		}
		if string(got) != string(msg) {
			t.Fatalf("round trip: got %x want %x", got, msg)
		}
	})
}
