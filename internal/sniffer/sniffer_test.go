package sniffer_test

import (
	"testing"

	"github.com/dantte-lp/hostscan/internal/restrict"
	"github.com/dantte-lp/hostscan/internal/sniffer"
)

func TestBuildFilterSubstitutesPort(t *testing.T) {
	got := sniffer.BuildFilter(54321)
	want := "(ip6 or ip or arp) and (ip6[40]=129 or icmp[icmptype]=icmp-echoreply or dst port 54321 or arp[6:2]=2)"
	if got != want {
		t.Fatalf("BuildFilter(54321) = %q, want %q", got, want)
	}
}

// TestRestrictionsSatisfiesObserver is a compile-time check that
// *restrict.Restrictions can be used directly as a sniffer.Observer,
// without an adapter — the decoupling the teacher's netio.Demuxer gives
// its Receiver.
func TestRestrictionsSatisfiesObserver(t *testing.T) {
	var _ sniffer.Observer = restrict.New(0, 0)
}
