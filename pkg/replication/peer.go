package replication

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Peer is a configured peer directory server, DNS-resolved once at config
// load time (§4.4) rather than per connection attempt.
type Peer struct {
	// Host is the original configured host[:port], kept for logging.
	Host string
	Addr netip.AddrPort
}

func (p Peer) String() string { return p.Host }

// ResolvePeers resolves each entry of hosts (host or host:port, port
// defaulting to defaultPort) into a Peer, preferring the v4 address when a
// host resolves to both families, grounded on the teacher's
// netip.AddrPort-centric config parsing (pkg/atlas/config.go).
func ResolvePeers(hosts []string, defaultPort uint16) ([]Peer, error) {
	peers := make([]Peer, 0, len(hosts))
	for _, h := range hosts {
		p, err := resolvePeer(h, defaultPort)
		if err != nil {
			return nil, fmt.Errorf("resolve peer %q: %w", h, err)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func resolvePeer(host string, defaultPort uint16) (Peer, error) {
	hostname := host
	port := defaultPort
	if h, portStr, err := net.SplitHostPort(host); err == nil {
		hostname = h
		v, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Peer{}, fmt.Errorf("invalid port: %w", err)
		}
		port = uint16(v)
	}

	if addr, err := netip.ParseAddr(hostname); err == nil {
		return Peer{Host: host, Addr: netip.AddrPortFrom(addr, port)}, nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), hostname)
	if err != nil {
		return Peer{}, err
	}
	if len(ips) == 0 {
		return Peer{}, fmt.Errorf("no addresses found")
	}

	var chosen netip.Addr
	var found bool
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip.IP); ok {
			a = a.Unmap()
			if a.Is4() {
				chosen, found = a, true
				break
			}
			if !found {
				chosen = a
				found = true
			}
		}
	}
	if !found {
		return Peer{}, fmt.Errorf("no usable addresses found")
	}
	return Peer{Host: host, Addr: netip.AddrPortFrom(chosen, port)}, nil
}
