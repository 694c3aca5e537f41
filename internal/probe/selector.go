// Package probe implements the Probe Emitter (spec §4.2): one Emit<Method>
// operation per alive-test method, plus the bitset selector and checksum
// helpers the methods share.
package probe

import (
	"fmt"
	"strings"
)

// Kind is one bit of the alive-test selector (spec §3).
type Kind uint8

const (
	ICMP Kind = 1 << iota
	TCPACK
	TCPSYN
	ARP
	ConsiderAlive
)

func (k Kind) String() string {
	switch k {
	case ICMP:
		return "icmp"
	case TCPACK:
		return "tcp_ack"
	case TCPSYN:
		return "tcp_syn"
	case ARP:
		return "arp"
	case ConsiderAlive:
		return "consider_alive"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Selector is a bitset over Kind, mirroring the teacher's small
// bitset-flavored enums (e.g. bfd.SessionType).
type Selector uint8

// Has reports whether every bit in k is set.
func (s Selector) Has(k Kind) bool { return Selector(k)&s == Selector(k) }

// Set returns a copy of s with k's bit set.
func (s Selector) Set(k Kind) Selector { return s | Selector(k) }

// ParseSelector parses a comma-separated list of method names (the
// scanconfig "alive_tests" value, e.g. "icmp,tcp_syn,arp") into a Selector.
func ParseSelector(list string) (Selector, error) {
	var s Selector
	for _, field := range strings.Split(list, ",") {
		name := strings.TrimSpace(field)
		if name == "" {
			continue
		}
		switch name {
		case "icmp":
			s = s.Set(ICMP)
		case "tcp_ack":
			s = s.Set(TCPACK)
		case "tcp_syn":
			s = s.Set(TCPSYN)
		case "arp":
			s = s.Set(ARP)
		case "consider_alive":
			s = s.Set(ConsiderAlive)
		default:
			return 0, fmt.Errorf("probe: unknown alive-test method %q", name)
		}
	}
	return s, nil
}
