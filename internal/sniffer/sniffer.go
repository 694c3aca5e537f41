// Package sniffer implements the Reply Sniffer (spec §4.3): a live pcap
// capture loop that classifies replies and hands matches to the
// Restriction Manager. Grounded on malbeclabs-doublezero's pcap usage
// (github.com/gopacket/gopacket, .../layers, .../pcap), generalized from
// offline-file replay to a live capture handle, and on the teacher's
// netio.Receiver/Demuxer split — a narrow interface decouples the capture
// loop from what consumes a match.
package sniffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	"github.com/dantte-lp/hostscan/internal/queue"
	"github.com/dantte-lp/hostscan/internal/target"
)

const (
	snapLen        = 1500
	promiscuous    = false
	pollTimeout    = 100 * time.Millisecond
	breakGracePeriod = 2 * time.Second
)

// BuildFilter renders the BPF expression from spec §4.3, substituting
// filterPort for FILTER_PORT — the source port the TCP probes originate
// from, and therefore the port replies are destined to.
func BuildFilter(filterPort uint16) string {
	return fmt.Sprintf(
		"(ip6 or ip or arp) and (ip6[40]=129 or icmp[icmptype]=icmp-echoreply or dst port %d or arp[6:2]=2)",
		filterPort,
	)
}

// Handle is the narrow slice of *pcap.Handle the capture loop needs — a
// *pcap.Handle satisfies it directly; tests substitute a fake to exercise
// the Orchestrator's state machine without a real capture device.
type Handle interface {
	LinkType() layers.LinkType
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

// Open opens a live capture handle on iface and installs filter, following
// spec §4.3's parameters exactly (1500 snaplen, promiscuous off, 100ms
// poll timeout).
func Open(iface string, filter string) (*pcap.Handle, error) {
	handle, err := pcap.OpenLive(iface, snapLen, promiscuous, pollTimeout)
	if err != nil {
		return nil, fmt.Errorf("open capture on %s: %w", iface, err)
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set BPF filter: %w", err)
	}
	return handle, nil
}

// Observer is the narrow interface the Sniffer reports matches to —
// satisfied directly by *restrict.Restrictions, the same decoupling the
// teacher's netio.Demuxer gives its Receiver.
type Observer interface {
	ObserveIfNew(ctx context.Context, ip string, targets *target.Set, q queue.Queue) (bool, error)
}

// Sniffer runs the capture loop in its own goroutine (spec §5).
type Sniffer struct {
	Handle   Handle
	Targets  *target.Set
	Observer Observer
	Queue    queue.Queue
	Logger   *slog.Logger

	// Ready is invoked exactly once, the instant the capture loop is
	// entered — the Orchestrator's startup-barrier signal (spec §4.5
	// "SNIFFER_STARTING").
	Ready func()
}

// Run executes the capture loop until ctx is cancelled or the handle is
// closed by Break. It signals Ready before reading the first packet.
func (s *Sniffer) Run(ctx context.Context) error {
	linkType := s.Handle.LinkType()

	if s.Ready != nil {
		s.Ready()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		data, _, err := s.Handle.ReadPacketData()
		switch {
		case err == nil:
			// fall through to classify
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, pcap.NextErrorNoMorePackets), errors.Is(err, pcap.NextErrorReadError):
			return nil
		default:
			s.logDebug("capture read failed", err)
			continue
		}

		ip, ok := Classify(data, linkType)
		if !ok {
			continue
		}
		if _, err := s.Observer.ObserveIfNew(ctx, ip, s.Targets, s.Queue); err != nil {
			s.logDebug("observe failed", err)
		}
	}
}

// Break requests the capture loop stop, per spec §4.3 "Shutdown":
// handle.Close() unblocks a concurrent ReadPacketData. The caller (the
// Orchestrator) is responsible for the bounded-wait fallback described in
// spec §5 Cancellation — Break itself is best-effort and non-blocking.
func (s *Sniffer) Break() {
	s.Handle.Close()
}

// BreakGracePeriod is how long the Orchestrator should wait for the
// capture goroutine to exit after Break before giving up and logging a
// stuck-sniffer warning (see DESIGN.md's Open Question resolution).
func BreakGracePeriod() time.Duration { return breakGracePeriod }

func (s *Sniffer) logDebug(msg string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Debug(msg, slog.String("error", err.Error()))
}
