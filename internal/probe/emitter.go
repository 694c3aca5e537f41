package probe

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/hostscan/internal/restrict"
	"github.com/dantte-lp/hostscan/internal/sockfactory"
)

// Metrics is the narrow slice of scanmetrics.Collector the Emitter needs
// — a probe-counter increment, labeled by method. Kept as an interface so
// probe never has to import scanmetrics's full registration surface.
type Metrics interface {
	IncProbesSent(method string)
}

// ErrSocketLost is returned by Emit* when the underlying socket fd is gone
// — spec §4.2's one fatal Emitter condition. Every other per-packet send
// error is logged at debug and swallowed.
var ErrSocketLost = sockfactory.ErrSocketLost

// defaultBurst and defaultBurstTimeout are the recommended pacing defaults
// from spec §4.2.
const (
	defaultBurst        = 100
	defaultBurstTimeout = 100 * time.Millisecond
)

// Emitter implements the Probe Emitter (spec §4.2). It borrows the
// Orchestrator-owned sockets and restriction manager rather than owning
// them, matching the teacher's narrow-interface collaborator style.
type Emitter struct {
	Sockets      sockfactory.Sockets
	Restrictions *restrict.Restrictions
	Logger       *slog.Logger
	// Metrics is optional; when set, every emitted probe increments its
	// per-method counter.
	Metrics Metrics

	SourceV4   netip.Addr
	SourceV6   netip.Addr
	SourcePort uint16

	// Burst and BurstTimeout default to defaultBurst/defaultBurstTimeout
	// when zero; tests shrink them the way the teacher's BFDConfig fields
	// are overridden for fast test runs.
	Burst        int
	BurstTimeout time.Duration
	// Sleep is overridable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)

	burstCount int
}

func (e *Emitter) capReached() bool {
	return e.Restrictions != nil && e.Restrictions.AliveCapReached()
}

// incProbesSent records one probe transmission attempt under method, if
// a Metrics collector was configured.
func (e *Emitter) incProbesSent(method string) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.IncProbesSent(method)
}

// ResetBurst zeroes the burst counter. Callers that reuse one Emitter
// across multiple method passes (the Orchestrator's probe() loop) must
// call this between passes — spec §4.2 "Pacing applies inside a single
// method pass only", so the counter may not carry over from, say, TCP
// into ICMP.
func (e *Emitter) ResetBurst() {
	e.burstCount = 0
}

// pace implements spec §4.2's "Pacing": every Burst emissions, sleep
// BurstTimeout. Applies within a single method pass only — callers must
// call ResetBurst between passes, matching the original's per-method
// counter.
func (e *Emitter) pace() {
	burst := e.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	timeout := e.BurstTimeout
	if timeout <= 0 {
		timeout = defaultBurstTimeout
	}

	e.burstCount++
	if e.burstCount%burst != 0 {
		return
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(timeout)
}

// send implements spec §4.2's "Failure": every per-packet error is logged
// at debug and swallowed, except a lost-socket error, which is escalated.
func (e *Emitter) send(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sockfactory.ErrSocketLost) {
		return err
	}
	e.logDebug("probe send failed", err)
	return nil
}

func (e *Emitter) logDebug(msg string, err error) {
	if e.Logger == nil {
		return
	}
	e.Logger.Debug(msg, slog.String("error", err.Error()))
}
