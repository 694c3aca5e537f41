package probe

import (
	"math/rand/v2"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/dantte-lp/hostscan/internal/sockfactory"
)

// buildEchoV4 builds an ICMPv4 echo request with a random identifier and
// sequence (spec §4.2 "ICMP"), the same "unpredictable wire values via
// math/rand/v2" rationale the teacher applies to ephemeral port selection
// in rawsock_linux.go's SourcePortAllocator.
func buildEchoV4() ([]byte, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   randUint16(),
			Seq:  randUint16(),
			Data: []byte("hostscan"),
		},
	}
	return msg.Marshal(nil)
}

// buildEchoV6 builds an ICMPv6 echo request. The checksum field is left
// zero; golang.org/x/net/icmp's v6 marshal path expects the kernel (via
// IPV6_CHECKSUM) or the caller to fill it in — the raw ICMPv6 socket the
// teacher's Linux build targets computes it automatically for SOCK_RAW
// IPPROTO_ICMPV6, matching ping(8)'s own behaviour.
func buildEchoV6() ([]byte, error) {
	msg := icmp.Message{
		Type: ipv6.ICMPTypeEchoRequest,
		Code: 0,
		Body: &icmp.Echo{
			ID:   randUint16(),
			Seq:  randUint16(),
			Data: []byte("hostscan"),
		},
	}
	return msg.Marshal(nil)
}

func randUint16() int {
	//nolint:gosec // wire-value unpredictability, not cryptographic use.
	return int(uint16(rand.IntN(1 << 16)))
}

// EmitICMP sends an ICMP echo request to t, per spec §4.2 "ICMP": an IPv4
// echo for an IPv4 target, an ICMPv6 echo for an IPv6 one. The IPv6
// ARP-equivalent (Neighbor Solicitation) is a distinct method gated by
// the ARP selector bit, not this one — see EmitARP.
func (e *Emitter) EmitICMP(t netip.Addr) error {
	if e.capReached() {
		return nil
	}
	e.pace()
	e.incProbesSent("icmp")

	if t.Is4() || t.Is4In6() {
		payload, err := buildEchoV4()
		if err != nil {
			e.logDebug("build ICMPv4 echo", err)
			return nil
		}
		return e.send(e.Sockets.SendRawIPv4(sockfactory.KindICMPv4, t.Unmap(), payload))
	}

	payload, err := buildEchoV6()
	if err != nil {
		e.logDebug("build ICMPv6 echo", err)
		return nil
	}
	return e.send(e.Sockets.SendRawIPv6(sockfactory.KindICMPv6, t, payload))
}
