// Package sockfactory implements the Socket Factory (spec §4.1): it opens
// the raw/packet sockets a scan needs and hands callers a narrow, read-only
// borrow of them, the way the teacher's internal/netio splits a portable
// PacketConn interface from its //go:build linux implementation.
package sockfactory

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Kind identifies one of the socket kinds the table in spec §4.1 names.
type Kind string

const (
	KindICMPv4 Kind = "icmpv4"
	KindICMPv6 Kind = "icmpv6"
	KindTCPv4  Kind = "tcpv4"
	KindTCPv6  Kind = "tcpv6"
	KindUDPv4  Kind = "udpv4"
	KindUDPv6  Kind = "udpv6"
	KindARPv4  Kind = "arpv4"
	KindARPv6  Kind = "arpv6" // reuses the ICMPv6 raw socket for Neighbor Discovery
)

// Needs tells Open which socket kinds a scan requires, derived by the
// Orchestrator from the configured probe.Selector. Kept as a plain struct
// here (instead of importing the probe package's bitset type) so
// sockfactory and probe never need to import each other.
type Needs struct {
	ICMP bool
	TCP  bool
	ARP  bool
}

// DefaultTCPPorts is the built-in TCP destination-port list (spec §3),
// chosen to maximise response probability from typical hosts.
var DefaultTCPPorts = []uint16{80, 137, 587, 3128, 8081}

// TCPFlag selects the flag the Probe Emitter sets on its TCP probes.
type TCPFlag uint8

const (
	TCPFlagSYN TCPFlag = iota
	TCPFlagACK
)

// SocketError identifies the first socket kind that failed to open, per
// spec §4.1's contract ("a specific error identifying the first failing
// socket kind").
type SocketError struct {
	Kind Kind
	Err  error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("open %s socket: %v", e.Kind, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// ErrSocketLost is the sentinel the Emitter escalates when a send fails
// because the underlying fd itself is gone (spec §4.2 "Failure" — every
// other per-packet send error is logged and swallowed).
var ErrSocketLost = errors.New("sockfactory: socket lost")

// Sockets is the narrow, read-only borrow the Probe Emitter and Reply
// Sniffer receive from the Orchestrator-owned ScannerContext — mirroring
// the teacher's RawConner-style narrow interfaces handed to collaborators
// that must not control the socket's lifetime.
type Sockets interface {
	// SendRawIPv4 writes packet to dst on the socket for kind: a full IPv4
	// packet including its header on the IP_HDRINCL TCP socket, or the bare
	// ICMP message on the ICMPv4 socket (the kernel adds the IP header).
	SendRawIPv4(kind Kind, dst netip.Addr, packet []byte) error
	// SendRawIPv6 writes a fully-built ICMPv6/TCP payload to dst; IPv6 raw
	// sockets never include the caller's own IP header, per RFC 3542.
	SendRawIPv6(kind Kind, dst netip.Addr, payload []byte) error
	// SendLinkLayer writes a complete Ethernet frame out ifIndex on the
	// AF_PACKET socket for kind (ARPv4 only).
	SendLinkLayer(kind Kind, ifIndex int, frame []byte) error
	// Interface returns the interface the ARP/link-layer socket is bound
	// to, so the Emitter can fill in its own hardware/source address.
	Interface() *net.Interface
	// SourceAddrs returns the first IPv4 and first IPv6 unicast address
	// bound to the scan's interface (the zero Addr for a family with
	// none), resolved once at Open time. The Orchestrator hands them to
	// the Emitter as the source address for TCP and ARP/ND probes; the
	// same address is used for every target (no per-target route lookup).
	SourceAddrs() (v4, v6 netip.Addr)
	// TCPFlag reports the flag configured for this scan's TCP probes.
	TCPFlag() TCPFlag
	// TCPPorts returns the configured TCP destination port list.
	TCPPorts() []uint16
}

// sourceAddrsFromInterface picks the first usable IPv4 and IPv6 unicast
// address bound to iface, the way malbeclabs-doublezero's local.go walks
// net.Interface.Addrs() to resolve a local address. Either return value
// may be the zero Addr if iface carries no address of that family.
func sourceAddrsFromInterface(iface *net.Interface) (v4, v6 netip.Addr) {
	if iface == nil {
		return netip.Addr{}, netip.Addr{}
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, netip.Addr{}
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		switch {
		case addr.Is4() && !v4.IsValid():
			v4 = addr
		case addr.Is6() && !v6.IsValid():
			v6 = addr
		}
	}
	return v4, v6
}
