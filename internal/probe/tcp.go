package probe

import (
	"encoding/binary"
	"math/rand/v2"
	"net/netip"

	"github.com/dantte-lp/hostscan/internal/sockfactory"
)

const (
	tcpHeaderLen = 20
	ipv4HeaderLen = 20

	tcpFlagSYN = 0x02
	tcpFlagACK = 0x10
)

// buildTCPSegment builds a bare TCP header (no options, no payload) with
// the requested flag, source/destination ports, and a pseudo-random
// sequence number (spec §4.2 "TCP").
func buildTCPSegment(srcPort, dstPort uint16, flag sockfactory.TCPFlag) []byte {
	seg := make([]byte, tcpHeaderLen)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	//nolint:gosec // wire-value unpredictability, not cryptographic use.
	binary.BigEndian.PutUint32(seg[4:8], rand.Uint32())
	binary.BigEndian.PutUint32(seg[8:12], 0) // ack number
	seg[12] = tcpHeaderLen / 4 << 4          // data offset, no options
	switch flag {
	case sockfactory.TCPFlagSYN:
		seg[13] = tcpFlagSYN
	case sockfactory.TCPFlagACK:
		seg[13] = tcpFlagACK
	}
	binary.BigEndian.PutUint16(seg[14:16], 64240) // window
	// seg[16:18] checksum, filled by caller
	// seg[18:20] urgent pointer, left zero
	return seg
}

// buildIPv4Header builds a bare IPv4 header for IP_HDRINCL delivery, total
// length set to the header plus the TCP segment that follows it.
func buildIPv4Header(src, dst [4]byte, payloadLen int) []byte {
	h := make([]byte, ipv4HeaderLen)
	h[0] = 0x45 // version 4, IHL 5
	h[1] = 0    // TOS
	binary.BigEndian.PutUint16(h[2:4], uint16(ipv4HeaderLen+payloadLen))
	//nolint:gosec // wire-value unpredictability, not cryptographic use.
	binary.BigEndian.PutUint16(h[4:6], uint16(rand.IntN(1<<16))) // identification
	h[6], h[7] = 0x40, 0x00                                      // don't fragment
	h[8] = 64                                                    // TTL
	h[9] = 6                                                     // protocol: TCP
	// h[10:12] checksum left zero; the kernel fills the IPv4 header
	// checksum for IP_HDRINCL sends on Linux.
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	return h
}

// tcpMethodLabel renders flag as the scanmetrics method label.
func tcpMethodLabel(flag sockfactory.TCPFlag) string {
	if flag == sockfactory.TCPFlagACK {
		return "tcp_ack"
	}
	return "tcp_syn"
}

// EmitTCP sends a TCP probe with the configured flag to every port in the
// configured port list (spec §4.2 "TCP").
func (e *Emitter) EmitTCP(t netip.Addr) error {
	for _, port := range e.Sockets.TCPPorts() {
		if e.capReached() {
			return nil
		}
		e.pace()

		if err := e.emitTCPOne(t, port); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) emitTCPOne(t netip.Addr, dstPort uint16) error {
	flag := e.Sockets.TCPFlag()
	e.incProbesSent(tcpMethodLabel(flag))

	if t.Is4() || t.Is4In6() {
		dst := t.Unmap()
		seg := buildTCPSegment(e.SourcePort, dstPort, flag)
		src := e.SourceV4.As4()
		sum := tcpChecksumV4(src, dst.As4(), seg)
		binary.BigEndian.PutUint16(seg[16:18], sum)

		packet := append(buildIPv4Header(src, dst.As4(), len(seg)), seg...)
		return e.send(e.Sockets.SendRawIPv4(sockfactory.KindTCPv4, dst, packet))
	}

	seg := buildTCPSegment(e.SourcePort, dstPort, flag)
	sum := tcpChecksumV6(e.SourceV6.As16(), t.As16(), seg)
	binary.BigEndian.PutUint16(seg[16:18], sum)
	return e.send(e.Sockets.SendRawIPv6(sockfactory.KindTCPv6, t, seg))
}
