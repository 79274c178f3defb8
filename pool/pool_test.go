package pool

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func addrs(n int) []UpstreamAddress {
	out := make([]UpstreamAddress, n)
	for i := range out {
		out[i] = UpstreamAddress{IP: "127.0.0.1", Port: 8000 + i, ServerName: "upstream"}
	}
	return out
}

func TestCheckoutReusesIdleConnectionLIFO(t *testing.T) {
	p, err := New(addrs(1), WithCapacity(2))
	if err != nil {
		t.Fatal(err)
	}
	var dials int
	p.SetDial(func(a UpstreamAddress) (net.Conn, error) {
		dials++
		l, _ := net.Pipe()
		return l, nil
	})

	c1, err := p.Checkout()
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	p.Return(c1)

	c2, err := p.Checkout()
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if c2 != c1 {
		t.Fatalf("expected idle reuse, got a different connection")
	}
	if dials != 1 {
		t.Fatalf("expected exactly 1 dial, got %d", dials)
	}
}

func TestCheckoutBlocksWhenExhausted(t *testing.T) {
	p, err := New(addrs(1), WithCapacity(1))
	if err != nil {
		t.Fatal(err)
	}
	p.SetDial(func(a UpstreamAddress) (net.Conn, error) {
		l, _ := net.Pipe()
		return l, nil
	})

	c1, err := p.Checkout()
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c2, err := p.Checkout()
		if err != nil {
			t.Errorf("second Checkout: %v", err)
		}
		_ = c2
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Checkout returned before a permit was released")
	case <-time.After(50 * time.Millisecond):
	}

	p.Return(c1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Checkout did not unblock after Return")
	}
}

func TestDialFailureBlacklistsAndReleasesPermit(t *testing.T) {
	p, err := New(addrs(1), WithCapacity(3))
	if err != nil {
		t.Fatal(err)
	}
	wantErr := errors.New("connection refused")
	p.SetDial(func(a UpstreamAddress) (net.Conn, error) { return nil, wantErr })

	_, err = p.Checkout()
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("Checkout: got %v, want a *DialError", err)
	}
	if p.BlacklistCount() != 1 {
		t.Fatalf("BlacklistCount: got %d want 1", p.BlacklistCount())
	}
	if got := p.Stats().PermitsFree; got != 3 {
		t.Fatalf("permit leaked on dial failure: PermitsFree got %d want 3", got)
	}
}

func TestNoUpstreamsAvailableReleasesPermit(t *testing.T) {
	p, err := New(addrs(1), WithCapacity(2))
	if err != nil {
		t.Fatal(err)
	}
	wantErr := errors.New("connection refused")
	p.SetDial(func(a UpstreamAddress) (net.Conn, error) { return nil, wantErr })

	// First checkout blacklists the only address.
	if _, err := p.Checkout(); err == nil {
		t.Fatal("expected first checkout to fail")
	}
	// Second checkout: no addresses left to dial.
	_, err = p.Checkout()
	if !errors.Is(err, ErrNoUpstreamsAvailable) {
		t.Fatalf("Checkout: got %v want ErrNoUpstreamsAvailable", err)
	}
	if got := p.Stats().PermitsFree; got != 2 {
		t.Fatalf("permit leaked on NoUpstreamsAvailable: PermitsFree got %d want 2", got)
	}
}

func TestBlacklistExpiry(t *testing.T) {
	p, err := New(addrs(1), WithCapacity(2))
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	fail := true
	p.SetDial(func(a UpstreamAddress) (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("refused")
		}
		l, _ := net.Pipe()
		return l, nil
	})

	if _, err := p.Checkout(); err == nil {
		t.Fatal("expected first checkout to fail and blacklist the address")
	}
	if _, err := p.Checkout(); !errors.Is(err, ErrNoUpstreamsAvailable) {
		t.Fatalf("expected NoUpstreamsAvailable while still blacklisted, got %v", err)
	}

	// Simulate the blacklist window elapsing by forcing the clock math:
	// push the entry's expiry into the past via a second dial fix-up
	// combined with a short real sleep would make the test slow, so
	// directly drain the blacklist the way expiry would.
	mu.Lock()
	fail = false
	mu.Unlock()
	p.blMu.Lock()
	p.blacklist.PopExpired(time.Now().Add(BlacklistWindow + time.Second).UnixNano())
	p.blMu.Unlock()

	c, err := p.Checkout()
	if err != nil {
		t.Fatalf("Checkout after expiry: %v", err)
	}
	if c == nil {
		t.Fatal("expected a connection after blacklist expiry")
	}
}
