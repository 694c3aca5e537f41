// Package restrict implements the Restriction Manager (spec §4.4): the
// single authority tracking alive-host count, gating publication
// (max_scan_hosts) and emission (max_alive_hosts), and emitting the finish
// signal at the right moment.
package restrict

import (
	"context"
	"sync/atomic"

	"github.com/dantte-lp/hostscan/internal/queue"
	"github.com/dantte-lp/hostscan/internal/target"
)

// infinite stands in for "no cap configured" (spec §3: both caps default
// to effective infinity).
const infinite = ^uint64(0)

// Restrictions is the quota authority described in spec §3/§4.4.
//
// Concurrency: ObserveIfNew must only ever be called from the Sniffer
// goroutine (spec §5 — alive/suppressed sets and the counters are private
// to that goroutine during the scan). AliveCapReached and ScanCapReached
// may be called from any goroutine; they are single-writer latches read
// with relaxed atomic loads, per spec §9's Design Notes.
type Restrictions struct {
	maxScanHosts  uint64
	maxAliveHosts uint64

	aliveCount uint64 // sniffer-goroutine-only; no atomic needed

	scanCapReached  atomic.Bool
	aliveCapReached atomic.Bool

	alive      map[string]struct{}
	suppressed map[string]struct{}
}

// New builds a Restrictions with the given caps. A zero value for either
// cap means "uncapped" (spec §3's "effective infinity"). If maxAliveHosts
// is nonzero and smaller than maxScanHosts, it is raised to match —
// the alive cap can never be tighter than the scan cap would allow it to
// matter (spec §3 invariant).
func New(maxScanHosts, maxAliveHosts uint64) *Restrictions {
	scanCap := maxScanHosts
	if scanCap == 0 {
		scanCap = infinite
	}
	aliveCap := maxAliveHosts
	if aliveCap == 0 {
		aliveCap = infinite
	}
	if maxScanHosts != 0 && aliveCap < scanCap {
		aliveCap = scanCap
	}

	return &Restrictions{
		maxScanHosts:  scanCap,
		maxAliveHosts: aliveCap,
		alive:         make(map[string]struct{}),
		suppressed:    make(map[string]struct{}),
	}
}

// ObserveIfNew performs the Sniffer's atomic dedup-and-match step (spec
// §4.3 step 2): insert ip into the alive set, and if that insertion was
// new AND ip names a target, hand it to observe. Returns whether an
// observe call happened, so callers (and tests) can verify property 1
// (deduplication).
func (r *Restrictions) ObserveIfNew(ctx context.Context, ip string, targets *target.Set, q queue.Queue) (bool, error) {
	if _, already := r.alive[ip]; already {
		return false, nil
	}
	r.alive[ip] = struct{}{}

	if !targets.Contains(ip) {
		return false, nil
	}

	return true, r.observe(ctx, ip, q)
}

// observe implements the four-step effect sequence of spec §4.4, in order.
func (r *Restrictions) observe(ctx context.Context, ip string, q queue.Queue) error {
	// Snapshot once: steps 2 and 3 both consult "was the cap already
	// reached before this call", and step 3 is the only place that can
	// flip it — reading scanCapReached twice would race against our own
	// write below.
	alreadyCapped := r.scanCapReached.Load()

	r.aliveCount++

	if !alreadyCapped {
		if err := q.PublishHost(ctx, ip); err != nil {
			return err
		}
	} else {
		r.suppressed[ip] = struct{}{}
	}

	if !alreadyCapped && r.aliveCount == r.maxScanHosts {
		r.scanCapReached.Store(true)
		if err := q.PublishFinish(ctx); err != nil {
			return err
		}
	}

	if r.aliveCount == r.maxAliveHosts {
		r.aliveCapReached.Store(true)
	}

	return nil
}

// AliveCapReached reports whether max_alive_hosts has been reached. The
// Probe Emitter polls this before every send; a delayed stop after the
// cap is crossed is acceptable (spec §4.4 Concurrency note).
func (r *Restrictions) AliveCapReached() bool {
	return r.aliveCapReached.Load()
}

// ScanCapReached reports whether max_scan_hosts has been reached.
func (r *Restrictions) ScanCapReached() bool {
	return r.scanCapReached.Load()
}

// AliveCount returns the number of distinct targets observed alive so far.
// Only meaningful to call from the Sniffer goroutine while the scan is
// running, or from any goroutine after the Sniffer has joined.
func (r *Restrictions) AliveCount() uint64 {
	return r.aliveCount
}

// Snapshot returns copies of the alive and suppressed sets. Intended to be
// called from the Orchestrator only after the Sniffer goroutine has been
// joined (spec §5: "main reads them only during DONE after join").
func (r *Restrictions) Snapshot() (alive, suppressed map[string]struct{}) {
	alive = make(map[string]struct{}, len(r.alive))
	for k := range r.alive {
		alive[k] = struct{}{}
	}
	suppressed = make(map[string]struct{}, len(r.suppressed))
	for k := range r.suppressed {
		suppressed[k] = struct{}{}
	}
	return alive, suppressed
}

// DeadCount implements spec §4.5/§8 property 6: the number of targets not
// in (alive \ suppressed) — i.e. every target that is either unprobed or
// alive-but-suppressed counts as dead for downstream progress reporting.
func DeadCount(targets *target.Set, alive, suppressed map[string]struct{}) int {
	dead := 0
	for _, ip := range targets.Keys() {
		_, isAlive := alive[ip]
		_, isSuppressed := suppressed[ip]
		if !isAlive || isSuppressed {
			dead++
		}
	}
	return dead
}
