package sniffer_test

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"go.uber.org/goleak"

	"github.com/dantte-lp/hostscan/internal/sniffer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func serialize(t *testing.T, layersIn ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, layersIn...); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func ethernetFrame(ethType layers.EthernetType) layers.Ethernet {
	return layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02},
		DstMAC:       net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x01},
		EthernetType: ethType,
	}
}

// TestClassifyIPv4EchoReply covers the v4 half of spec scenario S1.
func TestClassifyIPv4EchoReply(t *testing.T) {
	eth := ethernetFrame(layers.EthernetTypeIPv4)
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.9").To4(),
	}
	icmp := layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0)}
	data := serialize(t, &eth, &ip, &icmp)

	ip4, ok := sniffer.Classify(data, layers.LinkTypeEthernet)
	if !ok {
		t.Fatal("Classify() ok = false, want true")
	}
	if got, want := ip4, "10.0.0.1"; got != want {
		t.Fatalf("Classify() ip = %q, want %q", got, want)
	}
}

// TestClassifyIPv6EchoReply covers spec scenario S5 (ICMPv6 echo reply,
// type 129).
func TestClassifyIPv6EchoReply(t *testing.T) {
	eth := ethernetFrame(layers.EthernetTypeIPv6)
	ip := layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::9"),
	}
	icmp := layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoReply, 0)}
	icmp.SetNetworkLayerForChecksum(&ip)
	data := serialize(t, &eth, &ip, &icmp)

	ip6, ok := sniffer.Classify(data, layers.LinkTypeEthernet)
	if !ok {
		t.Fatal("Classify() ok = false, want true")
	}
	if got, want := ip6, "2001:db8::1"; got != want {
		t.Fatalf("Classify() ip = %q, want %q", got, want)
	}
}

// TestClassifyARPReplyMatches covers the ARP-reply branch; an ARP request
// (opcode 1) must not be classified as a match.
func TestClassifyARPReplyMatches(t *testing.T) {
	eth := ethernetFrame(layers.EthernetTypeARP)
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   []byte{0x02, 0x42, 0xac, 0x11, 0x00, 0x02},
		SourceProtAddress: net.ParseIP("10.0.0.1").To4(),
		DstHwAddress:      []byte{0x02, 0x42, 0xac, 0x11, 0x00, 0x01},
		DstProtAddress:    net.ParseIP("10.0.0.9").To4(),
	}
	data := serialize(t, &eth, &arp)

	ip, ok := sniffer.Classify(data, layers.LinkTypeEthernet)
	if !ok {
		t.Fatal("Classify() ok = false, want true")
	}
	if got, want := ip, "10.0.0.1"; got != want {
		t.Fatalf("Classify() ip = %q, want %q", got, want)
	}
}

func TestClassifyARPRequestIsIgnored(t *testing.T) {
	eth := ethernetFrame(layers.EthernetTypeARP)
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x02, 0x42, 0xac, 0x11, 0x00, 0x02},
		SourceProtAddress: net.ParseIP("10.0.0.9").To4(),
		DstHwAddress:      []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		DstProtAddress:    net.ParseIP("10.0.0.1").To4(),
	}
	data := serialize(t, &eth, &arp)

	if _, ok := sniffer.Classify(data, layers.LinkTypeEthernet); ok {
		t.Fatal("Classify() ok = true for an ARP request, want false")
	}
}
