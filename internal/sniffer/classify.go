package sniffer

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/dantte-lp/hostscan/internal/target"
)

// Classify implements spec §4.3's "Classification" step as a pure
// function (no sockets, fully unit-testable with gopacket.NewPacket
// fixtures), mirroring the pure-function style of the teacher's
// bfd/fsm.go transition table. It decodes data with linkType — the value
// queried from the capture handle at open time — rather than a hardcoded
// byte offset, resolving the "offset ambiguity" open question by letting
// gopacket's own link-type-aware decoders find the L3 header.
func Classify(data []byte, linkType layers.LinkType) (ip string, ok bool) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	if ip4 := packet.Layer(layers.LayerTypeIPv4); ip4 != nil {
		hdr := ip4.(*layers.IPv4)
		return target.Canonical(addrFromIP(hdr.SrcIP)), true
	}
	if ip6 := packet.Layer(layers.LayerTypeIPv6); ip6 != nil {
		hdr := ip6.(*layers.IPv6)
		return target.Canonical(addrFromIP(hdr.SrcIP)), true
	}
	if arp := packet.Layer(layers.LayerTypeARP); arp != nil {
		hdr := arp.(*layers.ARP)
		if hdr.Operation != layers.ARPReply {
			return "", false
		}
		return target.Canonical(addrFromIP(hdr.SourceProtAddress)), true
	}

	return "", false
}

func addrFromIP(b []byte) netip.Addr {
	addr, ok := netip.AddrFromSlice(b)
	if !ok {
		return netip.Addr{}
	}
	return addr
}
