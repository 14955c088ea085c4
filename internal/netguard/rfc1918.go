// Package netguard implements the hard RFC-1918 admissibility check used
// both at configuration-validation time (refusing to bind a public address)
// and at connection time (closing sockets from non-private peers).
//
// Allowed ranges (spec.md §4.5):
//
//	10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16, 127.0.0.0/8, ::1
//
// Everything else is forbidden, including link-local (169.254/16) and
// multicast. There is exactly one predicate; both the bind-time check and
// the per-connection check call it, so the two can never drift apart.
package netguard

import "net"

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("netguard: invalid built-in CIDR " + c + ": " + err.Error())
		}
		nets = append(nets, n)
	}
	return nets
}

// IsAllowed reports whether ip falls within the RFC-1918 private space,
// loopback, or IPv6 ::1.
func IsAllowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.Equal(net.IPv6loopback) {
		return true
	}
	for _, n := range privateBlocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsAllowedHost resolves a literal IP or "host:port"/bare-host string and
// reports whether it is admissible. Hostnames that are not literal IPs are
// rejected — the bridge only ever binds and accepts literal addresses, so a
// DNS name here is always a misconfiguration, never a thing to resolve.
func IsAllowedHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return IsAllowed(ip)
}

// IsAllowedCIDR reports whether every address representable by cidr lies
// within the allowed space (the network address and the broadcast address
// both must pass — a CIDR that straddles the boundary is rejected outright).
func IsAllowedCIDR(cidr string) bool {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	if !IsAllowed(ip) {
		return false
	}
	// Check the broadcast address too, to catch CIDRs that partially
	// overlap an allowed block.
	broadcast := make(net.IP, len(ipnet.IP))
	for i := range ipnet.IP {
		broadcast[i] = ipnet.IP[i] | ^ipnet.Mask[i]
	}
	return IsAllowed(broadcast)
}
