package stats

import (
	"testing"
	"time"

	"github.com/relaydns/dot-forwarder/forward"
)

func TestPostDoesNotBlockWhenFull(t *testing.T) {
	s := New()
	// Fill the queue without a consumer draining it.
	for i := 0; i < QueueSize; i++ {
		s.Post(forward.StatsEvent{Transport: forward.TCP, ResponseTime: time.Millisecond})
	}
	done := make(chan struct{})
	go func() {
		s.Post(forward.StatsEvent{Transport: forward.TCP, ResponseTime: time.Millisecond})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post blocked on a full queue")
	}
}

func TestRecordAccumulatesPerTransport(t *testing.T) {
	s := New()
	s.record(forward.StatsEvent{Transport: forward.TCP, ResponseTime: 10 * time.Millisecond})
	s.record(forward.StatsEvent{Transport: forward.TCP, ResponseTime: 20 * time.Millisecond})
	s.record(forward.StatsEvent{Transport: forward.UDP, ResponseTime: 5 * time.Millisecond})

	s.mu.Lock()
	tcp := s.byTransport[forward.TCP]
	udp := s.byTransport[forward.UDP]
	s.mu.Unlock()

	if tcp.count != 2 || tcp.intervalCount != 2 {
		t.Fatalf("tcp counters: %+v", tcp)
	}
	if udp.count != 1 {
		t.Fatalf("udp counters: %+v", udp)
	}
	if tcp.intervalResponseTime != 30*time.Millisecond {
		t.Fatalf("tcp interval response time: got %v want 30ms", tcp.intervalResponseTime)
	}
}

func TestReportResetsIntervalCounters(t *testing.T) {
	s := New()
	s.record(forward.StatsEvent{Transport: forward.UDP, ResponseTime: 10 * time.Millisecond})
	s.report()

	s.mu.Lock()
	udp := s.byTransport[forward.UDP]
	s.mu.Unlock()

	if udp.intervalCount != 0 || udp.intervalResponseTime != 0 {
		t.Fatalf("expected interval counters reset, got %+v", udp)
	}
	if udp.count != 1 {
		t.Fatalf("cumulative count should survive a report, got %d", udp.count)
	}
}
