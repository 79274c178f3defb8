// Package forward implements the per-request forwarding state machine
// from spec.md §4.4: validate, checkout, send/recv, retry up to
// PROXY_REQUEST_TRIES times, and fall back to SERVFAIL.
//
// Grounded on original_source/.../request_handler.py
// (RequestHandler.proxy_request) for the algorithm and the teacher's
// proxy/server.go retry loop for the Go control-flow idiom.
package forward

import (
	"encoding/binary"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"

	"github.com/relaydns/dot-forwarder/framer"
	"github.com/relaydns/dot-forwarder/pool"
)

// MaxAttempts is PROXY_REQUEST_TRIES from spec.md §4.4.
const MaxAttempts = 3

// Transport tags which listener produced a request, for stats.
type Transport string

const (
	TCP Transport = "TCP"
	UDP Transport = "UDP"
)

// StatsEvent is posted once per completed request.
type StatsEvent struct {
	Transport    Transport
	ResponseTime time.Duration
}

// StatsSink receives StatsEvents. Implementations must not block; see
// the stats package.
type StatsSink interface {
	Post(StatsEvent)
}

// Forwarder turns one client request into one client reply, using a
// shared Pool to reach upstream.
type Forwarder struct {
	pool  *pool.Pool
	stats StatsSink
}

// New constructs a Forwarder. stats may be nil.
func New(p *pool.Pool, stats StatsSink) *Forwarder {
	return &Forwarder{pool: p, stats: stats}
}

// Forward runs the full algorithm from spec.md §4.4 and returns the bytes
// to send back to the client. It never returns an error: every failure
// mode resolves into a well-formed DNS reply.
func (f *Forwarder) Forward(transport Transport, requestBytes []byte) []byte {
	start := time.Now()

	query := new(dns.Msg)
	if err := query.Unpack(requestBytes); err != nil {
		log.Debugf("forward: malformed request (%v), replying SERVFAIL without contacting upstream", err)
		reply := servfailForRaw()
		f.postStats(transport, start)
		return reply
	}

	reply, ok := f.attempt(query, requestBytes)
	if !ok {
		log.Warnf("forward: exhausted %d attempts for %q, replying SERVFAIL", MaxAttempts, question(query))
		reply = servfailForQuery(query)
	} else if resp := new(dns.Msg); resp.Unpack(reply) != nil {
		log.Warnf("forward: malformed reply from upstream for %q, replying SERVFAIL", question(query))
		reply = servfailForQuery(query)
	}

	f.postStats(transport, start)
	return reply
}

// attempt loops up to MaxAttempts times, checking out a pooled connection
// and exchanging the framed request/reply. Every transport-level failure
// is retryable and consumes one attempt.
func (f *Forwarder) attempt(query *dns.Msg, requestBytes []byte) ([]byte, bool) {
	for i := 0; i < MaxAttempts; i++ {
		conn, err := f.pool.Checkout()
		if err != nil {
			log.Debugf("forward: checkout attempt %d/%d failed: %v", i+1, MaxAttempts, err)
			continue
		}

		fr := framer.New(conn.Socket())
		if err := fr.Send(requestBytes); err != nil {
			log.Debugf("forward: send to upstream failed, discarding connection: %v", err)
			f.pool.Discard(conn)
			continue
		}

		reply, err := fr.Recv()
		if err != nil {
			log.Debugf("forward: recv from upstream failed, discarding connection: %v", err)
			f.pool.Discard(conn)
			continue
		}

		f.pool.Return(conn)
		return reply, true
	}
	return nil, false
}

func (f *Forwarder) postStats(transport Transport, start time.Time) {
	if f.stats == nil {
		return
	}
	f.stats.Post(StatsEvent{Transport: transport, ResponseTime: time.Since(start)})
}

func question(query *dns.Msg) string {
	if len(query.Question) == 0 {
		return ""
	}
	return query.Question[0].String()
}

// servfailForQuery builds a SERVFAIL reply matching query's id and
// question, via miekg/dns's own rcode plumbing.
func servfailForQuery(query *dns.Msg) []byte {
	m := new(dns.Msg)
	m.SetRcode(query, dns.RcodeServerFailure)
	buf, err := m.Pack()
	if err != nil {
		log.Errorf("forward: failed to pack SERVFAIL reply: %v", err)
		return minimalServfail(query.Id)
	}
	return buf
}

// servfailForRaw builds a SERVFAIL reply when the request itself could
// not be decoded. A message that fails to Unpack leaves no trustworthy
// id behind it, so this always replies with id 0 rather than reading
// bytes off a header that was never validated as one.
func servfailForRaw() []byte {
	return minimalServfail(0)
}

func minimalServfail(id uint16) []byte {
	m := new(dns.Msg)
	m.Id = id
	m.Response = true
	m.Rcode = dns.RcodeServerFailure
	buf, err := m.Pack()
	if err != nil {
		// Packing a bare header-only message should never fail; if it
		// somehow does, hand back a literal 12-byte SERVFAIL header
		// rather than nothing, so the client always gets a reply.
		log.Errorf("forward: failed to pack minimal SERVFAIL: %v", err)
		header := make([]byte, 12)
		binary.BigEndian.PutUint16(header[0:2], id)
		header[2] = 0x80 // QR=1
		header[3] = byte(dns.RcodeServerFailure)
		return header
	}
	return buf
}
