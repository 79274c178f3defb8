package pool

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// UpstreamAddress identifies one DNS-over-TLS upstream: the IP/port to
// dial and the certificate name to verify the peer against. It is
// immutable and comparable, so it can be used as a map key.
type UpstreamAddress struct {
	IP         string
	Port       int
	ServerName string
}

func (a UpstreamAddress) String() string {
	return fmt.Sprintf("%s:%d:%s", a.IP, a.Port, a.ServerName)
}

func (a UpstreamAddress) dialAddr() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// ParseUpstreamAddress parses the "<ip>:<port>:<cn>" syntax used by the
// -n/--nameserver flag and the NAMESERVERS environment variable.
func ParseUpstreamAddress(s string) (UpstreamAddress, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return UpstreamAddress{}, fmt.Errorf("pool: invalid nameserver %q, want <ip>:<port>:<cn>", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return UpstreamAddress{}, fmt.Errorf("pool: invalid nameserver port in %q", s)
	}
	if parts[0] == "" || parts[2] == "" {
		return UpstreamAddress{}, fmt.Errorf("pool: invalid nameserver %q, want <ip>:<port>:<cn>", s)
	}
	return UpstreamAddress{IP: parts[0], Port: port, ServerName: parts[2]}, nil
}
