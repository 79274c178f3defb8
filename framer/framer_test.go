package framer

import (
	"net"
	"testing"
	"testing/quick"

	"github.com/relaydns/dot-forwarder/socketio"
)

func pipe() (*Framer, *Framer, func()) {
	l, r := net.Pipe()
	lf := New(socketio.New(l))
	rf := New(socketio.New(r))
	return lf, rf, func() { l.Close(); r.Close() }
}

func TestSendRecvRoundTrip(t *testing.T) {
	lf, rf, closeBoth := pipe()
	defer closeBoth()

	want := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	errc := make(chan error, 1)
	go func() { errc <- lf.Send(want) }()

	got, err := rf.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("round trip: got %x want %x", got, want)
	}
}

func TestSendEmptyMessage(t *testing.T) {
	lf, _, closeBoth := pipe()
	defer closeBoth()
	if err := lf.Send(nil); err != ErrEmptyMessage {
		t.Fatalf("Send(nil): got %v want %v", err, ErrEmptyMessage)
	}
}

func TestSendOversizeMessage(t *testing.T) {
	lf, _, closeBoth := pipe()
	defer closeBoth()
	if err := lf.Send(make([]byte, maxMessageLen+1)); err != ErrMessageTooLarge {
		t.Fatalf("Send(oversize): got %v want %v", err, ErrMessageTooLarge)
	}
}

// TestRoundTripProperty checks spec.md §8's framer invariant for a spread
// of random message sizes: for every send(m) followed by recv() on the
// peer, the received bytes equal m.
func TestRoundTripProperty(t *testing.T) {
	f := func(seed []byte) bool {
		if len(seed) == 0 || len(seed) > maxMessageLen {
			return true
		}
		lf, rf, closeBoth := pipe()
		defer closeBoth()

		errc := make(chan error, 1)
		go func() { errc <- lf.Send(seed) }()
		got, err := rf.Recv()
		if err != nil || string(got) != string(seed) {
			return false
		}
		return <-errc == nil
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}
