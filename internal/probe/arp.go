package probe

import (
	"encoding/binary"
	"net/netip"

	"github.com/dantte-lp/hostscan/internal/sockfactory"
)

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// buildARPRequest builds a raw Ethernet frame carrying an ARP request
// (spec §4.2 "ARP"): ethertype 0x0806, opcode 1, sender hardware/protocol
// addresses filled in, target hardware address left zero.
func buildARPRequest(srcMAC [6]byte, srcIP, dstIP [4]byte) []byte {
	frame := make([]byte, 14+28)

	copy(frame[0:6], broadcastMAC[:])
	copy(frame[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], 0x0806) // ARP ethertype

	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:2], 1)      // HTYPE: Ethernet
	binary.BigEndian.PutUint16(arp[2:4], 0x0800) // PTYPE: IPv4
	arp[4] = 6                                   // HLEN
	arp[5] = 4                                   // PLEN
	binary.BigEndian.PutUint16(arp[6:8], 1)      // OPER: request
	copy(arp[8:14], srcMAC[:])
	copy(arp[14:18], srcIP[:])
	// arp[18:24] target hardware address: left zero (unknown, being resolved)
	copy(arp[24:28], dstIP[:])

	return frame
}

// buildNeighborSolicitation builds an ICMPv6 Neighbor Solicitation (type
// 135) targeting dst — the IPv6 ARP-equivalent path spec §3 names as
// "ARPv6" (the ICMPv6 Neighbor-Discovery socket) and §4.1's socket table
// pairs with the ARP method, not ICMP.
func buildNeighborSolicitation(src, dst netip.Addr) []byte {
	ns := make([]byte, 24)
	ns[0] = 135 // Neighbor Solicitation
	ns[1] = 0   // code
	// bytes 2:4 checksum, filled below
	// bytes 4:8 reserved, left zero
	copy(ns[8:24], dst.As16()[:])

	sum := icmpv6Checksum(src.As16(), dst.As16(), ns)
	binary.BigEndian.PutUint16(ns[2:4], sum)
	return ns
}

// EmitARP sends the ARP/ND solicitation for t (spec §4.2 "ARP"): an ARP
// request frame for an IPv4 target, an ICMPv6 Neighbor Solicitation for an
// IPv6 one — both gated by the single ARP selector bit, per spec §3's
// "ARPv6" (the ICMPv6 ND socket reused for this method) and the glossary's
// "Method: ... ARP/ND solicitation".
func (e *Emitter) EmitARP(t netip.Addr) error {
	if e.capReached() {
		return nil
	}
	e.pace()
	e.incProbesSent("arp")

	if t.Is4() || t.Is4In6() {
		iface := e.Sockets.Interface()
		var srcMAC [6]byte
		copy(srcMAC[:], iface.HardwareAddr)

		frame := buildARPRequest(srcMAC, e.SourceV4.As4(), t.Unmap().As4())
		return e.send(e.Sockets.SendLinkLayer(sockfactory.KindARPv4, iface.Index, frame))
	}

	ns := buildNeighborSolicitation(e.SourceV6, t)
	return e.send(e.Sockets.SendRawIPv6(sockfactory.KindICMPv6, t, ns))
}
