package probe

import "encoding/binary"

// checksum16 computes the standard Internet one's-complement checksum
// (RFC 1071) over buf, the same one-pass 16-bit-word summation the pim
// package's Checksum(buf.Bytes()) helper uses before patching the result
// back into the header with binary.BigEndian.PutUint16.
func checksum16(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// tcpChecksumV4 computes the TCP checksum over an IPv4 pseudo-header plus
// the TCP segment, per RFC 793 §3.1.
func tcpChecksumV4(src, dst [4]byte, segment []byte) uint16 {
	pseudo := make([]byte, 12+len(segment))
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[8] = 0
	pseudo[9] = 6 // IPPROTO_TCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))
	copy(pseudo[12:], segment)
	return checksum16(pseudo)
}

// tcpChecksumV6 computes the TCP checksum over an IPv6 pseudo-header plus
// the TCP segment, per RFC 2460 §8.1.
func tcpChecksumV6(src, dst [16]byte, segment []byte) uint16 {
	return pseudoHeaderChecksumV6(src, dst, 6, segment)
}

// icmpv6Checksum computes the ICMPv6 checksum over an IPv6 pseudo-header
// plus the ICMPv6 message, per RFC 4443 §2.3. The hand-built Neighbor
// Solicitation fills in its own checksum with it instead of leaving the
// field zero for the raw ICMPv6 socket to compute, as the echo request
// built by buildEchoV6 does.
func icmpv6Checksum(src, dst [16]byte, message []byte) uint16 {
	return pseudoHeaderChecksumV6(src, dst, 58, message) // 58 = IPPROTO_ICMPV6
}

func pseudoHeaderChecksumV6(src, dst [16]byte, nextHeader byte, payload []byte) uint16 {
	pseudo := make([]byte, 40+len(payload))
	copy(pseudo[0:16], src[:])
	copy(pseudo[16:32], dst[:])
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(payload)))
	pseudo[39] = nextHeader
	copy(pseudo[40:], payload)
	return checksum16(pseudo)
}
