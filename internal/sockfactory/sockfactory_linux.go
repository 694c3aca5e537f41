//go:build linux

package sockfactory

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

// ScannerContext owns the scan's socket descriptors for its lifetime (spec
// §3 "Scanner context" / §4.1). It is created by Open and torn down by
// Close, following the teacher's open-everything-or-close-everything
// pattern in rawsock_linux.go's setSocketOpts family.
type ScannerContext struct {
	mu    sync.Mutex
	fds   map[Kind]int
	iface *net.Interface

	sourceV4 netip.Addr
	sourceV6 netip.Addr

	tcpFlag  TCPFlag
	tcpPorts []uint16
}

var _ Sockets = (*ScannerContext)(nil)

// Open opens exactly the sockets needs requires, in the table order of
// spec §4.1, and closes everything opened so far the instant one
// unix.Socket call fails (spec §4.1's "no sockets remain open" on init
// failure).
func Open(ifaceName string, needs Needs, tcpFlag TCPFlag, tcpPorts []uint16) (*ScannerContext, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, &SocketError{Kind: KindARPv4, Err: fmt.Errorf("resolve interface %q: %w", ifaceName, err)}
	}

	if len(tcpPorts) == 0 {
		tcpPorts = DefaultTCPPorts
	}

	sourceV4, sourceV6 := sourceAddrsFromInterface(iface)

	sc := &ScannerContext{
		fds:      make(map[Kind]int),
		iface:    iface,
		sourceV4: sourceV4,
		sourceV6: sourceV6,
		tcpFlag:  tcpFlag,
		tcpPorts: tcpPorts,
	}

	opens := buildOpenPlan(needs)
	for _, step := range opens {
		fd, err := step.open(iface)
		if err != nil {
			sc.closeAll()
			return nil, &SocketError{Kind: step.kind, Err: err}
		}
		sc.fds[step.kind] = fd
	}

	return sc, nil
}

type openStep struct {
	kind Kind
	open func(iface *net.Interface) (int, error)
}

// buildOpenPlan returns the sockets to open, in the table order of spec
// §4.1: ICMP, then TCP_ACK/SYN (which also opens the UDP route-selection
// sockets), then ARP.
func buildOpenPlan(needs Needs) []openStep {
	var plan []openStep
	if needs.ICMP {
		plan = append(plan,
			openStep{KindICMPv4, func(*net.Interface) (int, error) { return openRawIPv4(unix.IPPROTO_ICMP) }},
			openStep{KindICMPv6, func(*net.Interface) (int, error) { return openRawIPv6(unix.IPPROTO_ICMPV6) }},
		)
	}
	if needs.TCP {
		plan = append(plan,
			openStep{KindTCPv4, func(*net.Interface) (int, error) { return openRawIPv4HdrIncl(unix.IPPROTO_TCP) }},
			openStep{KindTCPv6, func(*net.Interface) (int, error) { return openRawIPv6(unix.IPPROTO_TCP) }},
			openStep{KindUDPv4, func(*net.Interface) (int, error) { return openDgram(unix.AF_INET) }},
			openStep{KindUDPv6, func(*net.Interface) (int, error) { return openDgram(unix.AF_INET6) }},
		)
	}
	if needs.ARP {
		plan = append(plan,
			openStep{KindARPv4, func(iface *net.Interface) (int, error) { return openARPv4(iface) }},
		)
		// ARPv6 reuses the ICMPv6 raw socket (Neighbor Discovery), opened
		// above when ICMP is requested; if ICMP wasn't requested but ARP
		// was, we still need it for the v6 ND path.
		if !needs.ICMP {
			plan = append(plan, openStep{KindICMPv6, func(*net.Interface) (int, error) { return openRawIPv6(unix.IPPROTO_ICMPV6) }})
		}
	}
	return plan
}

func openRawIPv4(proto int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, proto)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_INET, SOCK_RAW, %d): %w", proto, err)
	}
	return fd, nil
}

// openRawIPv4HdrIncl opens a raw IPv4 socket with IP_HDRINCL set, since
// the TCP Emitter builds its own IP header (spec §4.2 "TCP").
func openRawIPv4HdrIncl(proto int) (int, error) {
	fd, err := openRawIPv4(proto)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set IP_HDRINCL: %w", err)
	}
	return fd, nil
}

func openRawIPv6(proto int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, proto)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_INET6, SOCK_RAW, %d): %w", proto, err)
	}
	return fd, nil
}

func openDgram(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("socket(%d, SOCK_DGRAM, UDP): %w", family, err)
	}
	return fd, nil
}

func openARPv4(iface *net.Interface) (int, error) {
	// htons(ETH_P_ARP): AF_PACKET sockets bind to a protocol in network
	// byte order.
	proto := int(htons(unix.ETH_P_ARP))
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, proto)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_PACKET, SOCK_RAW, ETH_P_ARP): %w", err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: uint16(htons(unix.ETH_P_ARP)),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind AF_PACKET to %s: %w", iface.Name, err)
	}
	return fd, nil
}

func htons(v int) uint16 {
	return uint16(v<<8&0xff00 | v>>8&0x00ff)
}

// SendRawIPv4 implements Sockets.
func (sc *ScannerContext) SendRawIPv4(kind Kind, dst netip.Addr, packet []byte) error {
	fd, ok := sc.lookupFD(kind)
	if !ok {
		return fmt.Errorf("sendto kind %s: %w", kind, ErrSocketLost)
	}
	addr := &unix.SockaddrInet4{Addr: dst.As4()}
	if err := unix.Sendto(fd, packet, 0, addr); err != nil {
		return fmt.Errorf("sendto %s via %s: %w", dst, kind, err)
	}
	return nil
}

// SendRawIPv6 implements Sockets.
func (sc *ScannerContext) SendRawIPv6(kind Kind, dst netip.Addr, payload []byte) error {
	fd, ok := sc.lookupFD(kind)
	if !ok {
		return fmt.Errorf("sendto kind %s: %w", kind, ErrSocketLost)
	}
	addr := &unix.SockaddrInet6{Addr: dst.As16()}
	if sc.iface != nil {
		addr.ZoneId = uint32(sc.iface.Index)
	}
	if err := unix.Sendto(fd, payload, 0, addr); err != nil {
		return fmt.Errorf("sendto %s via %s: %w", dst, kind, err)
	}
	return nil
}

// SendLinkLayer implements Sockets.
func (sc *ScannerContext) SendLinkLayer(kind Kind, ifIndex int, frame []byte) error {
	fd, ok := sc.lookupFD(kind)
	if !ok {
		return fmt.Errorf("sendto kind %s: %w", kind, ErrSocketLost)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ARP),
		Ifindex:  ifIndex,
		Halen:    6,
	}
	if err := unix.Sendto(fd, frame, 0, addr); err != nil {
		return fmt.Errorf("sendto link-layer via %s: %w", kind, err)
	}
	return nil
}

func (sc *ScannerContext) lookupFD(kind Kind) (int, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	fd, ok := sc.fds[kind]
	return fd, ok
}

// Interface implements Sockets.
func (sc *ScannerContext) Interface() *net.Interface { return sc.iface }

// SourceAddrs implements Sockets.
func (sc *ScannerContext) SourceAddrs() (v4, v6 netip.Addr) { return sc.sourceV4, sc.sourceV6 }

// TCPFlag implements Sockets.
func (sc *ScannerContext) TCPFlag() TCPFlag { return sc.tcpFlag }

// TCPPorts implements Sockets.
func (sc *ScannerContext) TCPPorts() []uint16 { return sc.tcpPorts }

// Close closes every socket this context opened. Safe to call once;
// subsequent calls are a no-op. Errors from individual closes are joined
// so teardown (spec §9 "Cleanup ordering") can log them without losing any.
func (sc *ScannerContext) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closeAllLocked()
}

func (sc *ScannerContext) closeAll() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.closeAllLocked()
}

func (sc *ScannerContext) closeAllLocked() error {
	var errs []error
	for kind, fd := range sc.fds {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close %s socket: %w", kind, err))
		}
		delete(sc.fds, kind)
	}
	return errors.Join(errs...)
}
