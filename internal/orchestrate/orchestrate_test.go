package orchestrate_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"go.uber.org/goleak"

	"github.com/dantte-lp/hostscan/internal/orchestrate"
	"github.com/dantte-lp/hostscan/internal/probe"
	"github.com/dantte-lp/hostscan/internal/queue"
	"github.com/dantte-lp/hostscan/internal/restrict"
	"github.com/dantte-lp/hostscan/internal/sniffer"
	"github.com/dantte-lp/hostscan/internal/sockfactory"
	"github.com/dantte-lp/hostscan/internal/target"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHandle delivers one canned packet on its first read (simulating a
// reply captured the instant the capture loop is entered, per spec §8
// property 4), then times out on every subsequent read until Close.
type fakeHandle struct {
	mu       sync.Mutex
	packets  [][]byte
	idx      int
	closed   bool
}

func (h *fakeHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (h *fakeHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, gopacket.CaptureInfo{}, pcap.NextErrorNoMorePackets
	}
	if h.idx < len(h.packets) {
		data := h.packets[h.idx]
		h.idx++
		return data, gopacket.CaptureInfo{}, nil
	}
	return nil, gopacket.CaptureInfo{}, pcap.NextErrorTimeoutExpired
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func icmpEchoReplyFrom(t *testing.T, src string) []byte {
	t.Helper()
	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02},
		DstMAC:       net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x01},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP("10.0.0.9").To4(),
	}
	icmp := layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0)}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &icmp); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

type fakeSockets struct {
	mu            sync.Mutex
	sent          []netip.Addr
	linkLayerSent int
	sourceV4      netip.Addr
	sourceV6      netip.Addr
	tcpPorts      []uint16
}

func (f *fakeSockets) SendRawIPv4(_ sockfactory.Kind, dst netip.Addr, _ []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, dst)
	f.mu.Unlock()
	return nil
}
func (f *fakeSockets) SendRawIPv6(_ sockfactory.Kind, dst netip.Addr, _ []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, dst)
	f.mu.Unlock()
	return nil
}
func (f *fakeSockets) SendLinkLayer(sockfactory.Kind, int, []byte) error {
	f.mu.Lock()
	f.linkLayerSent++
	f.mu.Unlock()
	return nil
}
func (f *fakeSockets) Interface() *net.Interface {
	return &net.Interface{Index: 2, HardwareAddr: net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02}}
}
func (f *fakeSockets) TCPFlag() sockfactory.TCPFlag { return sockfactory.TCPFlagSYN }
func (f *fakeSockets) TCPPorts() []uint16           { return f.tcpPorts }
func (f *fakeSockets) SourceAddrs() (netip.Addr, netip.Addr) {
	return f.sourceV4, f.sourceV6
}

func noSleep(time.Duration) {}

func newTestScanner(t *testing.T, handle sniffer.Handle, sockets sockfactory.Sockets, sel probe.Selector) (*orchestrate.Scanner, *queue.Memory) {
	t.Helper()
	q := queue.NewMemory()
	targets := target.NewSet([]target.Target{
		{Addr: netip.MustParseAddr("10.0.0.1")},
	})

	return &orchestrate.Scanner{
		Targets:      targets,
		Selector:     sel,
		Restrictions: restrict.New(0, 0),
		Queue:        q,
		SourcePort:   54321,
		Interface:    "lo",
		BreakGrace:   50 * time.Millisecond,
		Sleep:        noSleep,
		OpenSockets: func(string, sockfactory.Needs, sockfactory.TCPFlag, []uint16) (sockfactory.Sockets, func() error, error) {
			return sockets, func() error { return nil }, nil
		},
		OpenCapture: func(string, string) (sniffer.Handle, error) { return handle, nil },
	}, q
}

// TestBarrierDeliversImmediateReply is spec §8 property 4: a reply
// captured the instant the sniffer enters its loop is still classified
// and observed, because probing only starts after the barrier signal.
func TestBarrierDeliversImmediateReply(t *testing.T) {
	handle := &fakeHandle{packets: [][]byte{icmpEchoReplyFrom(t, "10.0.0.1")}}
	sockets := &fakeSockets{}
	scanner, q := newTestScanner(t, handle, sockets, probe.Selector(0).Set(probe.ICMP))

	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got, want := q.Hosts(), []string{"10.0.0.1"}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("Hosts() = %v, want %v", got, want)
	}
	if got := q.Finishes(); got != 1 {
		t.Fatalf("Finishes() = %d, want 1", got)
	}
}

// TestConsiderAliveSkipsProbing is spec scenario S4.
func TestConsiderAliveSkipsProbing(t *testing.T) {
	handle := &fakeHandle{}
	sockets := &fakeSockets{}
	scanner, q := newTestScanner(t, handle, sockets, probe.Selector(0).Set(probe.ConsiderAlive))

	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := sockets.sent; len(got) != 0 {
		t.Fatalf("sent %d probes under CONSIDER_ALIVE, want 0", len(got))
	}
	if got, want := q.Hosts(), []string{"10.0.0.1"}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("Hosts() = %v, want %v", got, want)
	}
	if got := q.Finishes(); got != 1 {
		t.Fatalf("Finishes() = %d, want 1", got)
	}
}

// TestInitFailureStillPublishesFinish is spec scenario S6 / property 5.
func TestInitFailureStillPublishesFinish(t *testing.T) {
	q := queue.NewMemory()
	targets := target.NewSet([]target.Target{{Addr: netip.MustParseAddr("10.0.0.1")}})
	boom := errors.New("raw socket open failed")

	scanner := &orchestrate.Scanner{
		Targets:      targets,
		Selector:     probe.Selector(0).Set(probe.ICMP),
		Restrictions: restrict.New(0, 0),
		Queue:        q,
		Interface:    "lo",
		Sleep:        noSleep,
		OpenSockets: func(string, sockfactory.Needs, sockfactory.TCPFlag, []uint16) (sockfactory.Sockets, func() error, error) {
			return nil, nil, boom
		},
		OpenCapture: func(string, string) (sniffer.Handle, error) {
			t.Fatal("OpenCapture should not be called when socket open fails")
			return nil, nil
		},
	}

	err := scanner.Run(context.Background())
	if !errors.Is(err, orchestrate.ErrSetupFailed) {
		t.Fatalf("Run() error = %v, want wrapping ErrSetupFailed", err)
	}
	if got := len(q.Hosts()); got != 0 {
		t.Fatalf("published %d hosts on init failure, want 0", got)
	}
	if got := q.Finishes(); got != 1 {
		t.Fatalf("Finishes() = %d, want 1 (guaranteed postcondition)", got)
	}
}

// TestDeadHostStatusPublished is spec scenario S1 (partial): a target that
// never replies is counted dead, and the auxiliary DEADHOST status is
// published alongside the finish signal.
func TestDeadHostStatusPublished(t *testing.T) {
	handle := &fakeHandle{} // no packets: the target never "replies"
	sockets := &fakeSockets{}
	scanner, q := newTestScanner(t, handle, sockets, probe.Selector(0).Set(probe.ICMP))

	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	statuses := q.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("Statuses() = %v, want exactly 1 DEADHOST message", statuses)
	}
	if want := queue.FormatDeadHost(1); statuses[0] != want {
		t.Fatalf("Statuses()[0] = %q, want %q", statuses[0], want)
	}
}

type fakeOrchestrateMetrics struct {
	mu              sync.Mutex
	probesSent      map[string]int
	repliesObserved int
}

func (m *fakeOrchestrateMetrics) IncProbesSent(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.probesSent == nil {
		m.probesSent = make(map[string]int)
	}
	m.probesSent[method]++
}

func (m *fakeOrchestrateMetrics) IncRepliesObserved() {
	m.mu.Lock()
	m.repliesObserved++
	m.mu.Unlock()
}

// TestMetricsWiredToEmitterAndObserver is SPEC_FULL.md's scanmetrics
// wiring: a Scanner with Metrics configured must increment both the
// per-method probe counter (from the Emitter) and the reply-observed
// counter (from the Sniffer's matches), not just the end-of-scan gauges
// cmd/hostscan sets after Run returns.
func TestMetricsWiredToEmitterAndObserver(t *testing.T) {
	handle := &fakeHandle{packets: [][]byte{icmpEchoReplyFrom(t, "10.0.0.1")}}
	sockets := &fakeSockets{}
	scanner, q := newTestScanner(t, handle, sockets, probe.Selector(0).Set(probe.ICMP))
	metrics := &fakeOrchestrateMetrics{}
	scanner.Metrics = metrics

	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got, want := q.Hosts(), []string{"10.0.0.1"}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("Hosts() = %v, want %v", got, want)
	}
	if got := metrics.probesSent["icmp"]; got < 1 {
		t.Fatalf("probesSent[icmp] = %d, want >= 1", got)
	}
	if got := metrics.repliesObserved; got != 1 {
		t.Fatalf("repliesObserved = %d, want 1", got)
	}
}

// TestRunResolvesSourceAddrsForTCPAndARP guards against the gap where
// Scanner.SourceV4/SourceV6 are left at their zero value: EmitTCP and
// EmitARP call netip.Addr.As4(), which panics on a zero Addr. Like every
// newTestScanner caller, this test does not set SourceV4/SourceV6 on the
// Scanner itself; unlike the others, it probes with TCP and ARP, so Run
// must resolve them from the opened sockets'
// SourceAddrs() before probing, the way a real scan resolves them from the
// bound interface.
func TestRunResolvesSourceAddrsForTCPAndARP(t *testing.T) {
	handle := &fakeHandle{}
	sockets := &fakeSockets{
		sourceV4: netip.MustParseAddr("10.0.0.9"),
		sourceV6: netip.MustParseAddr("2001:db8::9"),
		tcpPorts: []uint16{80},
	}
	sel := probe.Selector(0).Set(probe.TCPSYN).Set(probe.ARP)
	scanner, _ := newTestScanner(t, handle, sockets, sel)

	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(sockets.sent); got != 1 {
		t.Fatalf("TCP packets sent = %d, want 1", got)
	}
	if got, want := sockets.sent[0], netip.MustParseAddr("10.0.0.1"); got != want {
		t.Fatalf("TCP packet dst = %s, want %s", got, want)
	}
	if got := sockets.linkLayerSent; got != 1 {
		t.Fatalf("ARP frames sent = %d, want 1", got)
	}
	if got, want := scanner.SourceV4, netip.MustParseAddr("10.0.0.9"); got != want {
		t.Fatalf("Scanner.SourceV4 = %s, want %s (resolved from sockets.SourceAddrs)", got, want)
	}
}

// TestConsiderAliveIncrementsRepliesObserved covers the CONSIDER_ALIVE
// path, which bypasses the Emitter and Sniffer entirely but still must
// report through the same Metrics.IncRepliesObserved counter as a probed
// reply, since every target is marked alive via the same Restriction
// Manager call.
func TestConsiderAliveIncrementsRepliesObserved(t *testing.T) {
	handle := &fakeHandle{}
	sockets := &fakeSockets{}
	scanner, _ := newTestScanner(t, handle, sockets, probe.Selector(0).Set(probe.ConsiderAlive))
	metrics := &fakeOrchestrateMetrics{}
	scanner.Metrics = metrics

	if err := scanner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := metrics.repliesObserved; got != 1 {
		t.Fatalf("repliesObserved = %d, want 1", got)
	}
}
