// Package target implements the target-set data model (spec §3): an
// immutable mapping from canonical IP string to target descriptor, built
// once at scan start and never mutated by the core afterward.
package target

import (
	"net/netip"
	"strings"
)

// Target is one host in the input list: the original address plus an
// opaque owner-supplied handle carried through unchanged by the core
// (spec §3: "descriptor carrying the original address bytes and any
// owner-supplied handle").
type Target struct {
	Addr   netip.Addr
	Handle any
}

// Set is the target-set data model of spec §3. The key set is immutable
// after NewSet returns; descriptors are never mutated by the core.
type Set struct {
	byIP  map[string]Target
	order []string
}

// NewSet builds a Set from targets, keyed by Canonical(t.Addr). A
// duplicate canonical key keeps its first-seen position in All/Keys but
// takes the later descriptor, matching "mapping" semantics for the key
// set while still surfacing the most recent owner handle.
func NewSet(targets []Target) *Set {
	s := &Set{byIP: make(map[string]Target, len(targets))}
	for _, t := range targets {
		ip := Canonical(t.Addr)
		if _, exists := s.byIP[ip]; !exists {
			s.order = append(s.order, ip)
		}
		s.byIP[ip] = t
	}
	return s
}

// Canonical renders addr as spec §3's canonical IP string: IPv4-mapped
// IPv6 addresses (the form the target list uses for v4 hosts, per spec
// §6) unwrap to plain dotted form; everything else uses netip's own
// (already lowercase) string form. Case-normalised per spec §3.
func Canonical(addr netip.Addr) string {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return strings.ToLower(addr.String())
}

// Contains reports whether ip (a canonical IP string) names a target.
func (s *Set) Contains(ip string) bool {
	_, ok := s.byIP[ip]
	return ok
}

// Len returns the number of distinct targets in the set.
func (s *Set) Len() int { return len(s.order) }

// All returns every target descriptor, in first-seen order.
func (s *Set) All() []Target {
	out := make([]Target, 0, len(s.order))
	for _, ip := range s.order {
		out = append(out, s.byIP[ip])
	}
	return out
}

// Keys returns every canonical IP string key, in first-seen order. Used
// by the Restriction Manager's dead-count accounting (spec §4.5/§8
// property 6), which must walk every target exactly once.
func (s *Set) Keys() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Lookup returns the descriptor for ip and whether it was found.
func (s *Set) Lookup(ip string) (Target, bool) {
	t, ok := s.byIP[ip]
	return t, ok
}
