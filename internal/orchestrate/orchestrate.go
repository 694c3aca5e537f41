// Package orchestrate implements the Scan Orchestrator (spec §4.5): it
// initialises the Socket Factory, Probe Emitter, Reply Sniffer, and
// Restriction Manager, enforces the startup barrier, drives the method
// sequence, waits for drain, tears the system down deterministically, and
// reports summary counts.
//
// The state machine mirrors the teacher's fsm.go in spirit — a small
// typed enum with a String() method — even though these transitions are
// linear rather than table-driven.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/hostscan/internal/probe"
	"github.com/dantte-lp/hostscan/internal/queue"
	"github.com/dantte-lp/hostscan/internal/restrict"
	"github.com/dantte-lp/hostscan/internal/sniffer"
	"github.com/dantte-lp/hostscan/internal/sockfactory"
	"github.com/dantte-lp/hostscan/internal/target"
)

// Metrics is the narrow slice of scanmetrics.Collector the Orchestrator
// needs beyond what cmd/hostscan already wires post-Run (ObserveScanDuration,
// IncSetupFailures, SetSummary) — the per-reply counter incremented as the
// scan runs, not just summarized at the end.
type Metrics interface {
	probe.Metrics
	IncRepliesObserved()
}

// State is one node of the spec §4.5 state machine.
type State int

const (
	StateInit State = iota
	StateSnifferStarting
	StateProbing
	StateDraining
	StateStopping
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSnifferStarting:
		return "SNIFFER_STARTING"
	case StateProbing:
		return "PROBING"
	case StateDraining:
		return "DRAINING"
	case StateStopping:
		return "STOPPING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Defaults per spec §4.5/§9.
const (
	DefaultSettleInterval = 2 * time.Second
	DefaultDrainTimeout   = 10 * time.Second
)

// SocketOpener abstracts sockfactory.Open so tests can substitute a fake
// without real raw-socket privilege.
type SocketOpener func(iface string, needs sockfactory.Needs, flag sockfactory.TCPFlag, ports []uint16) (sockfactory.Sockets, func() error, error)

// CaptureOpener abstracts sniffer.Open so tests can substitute a fake
// capture device without a live interface.
type CaptureOpener func(iface string, filter string) (sniffer.Handle, error)

// LiveSocketOpener wires SocketOpener to the real sockfactory.Open.
func LiveSocketOpener(iface string, needs sockfactory.Needs, flag sockfactory.TCPFlag, ports []uint16) (sockfactory.Sockets, func() error, error) {
	sc, err := sockfactory.Open(iface, needs, flag, ports)
	if err != nil {
		return nil, nil, err
	}
	return sc, sc.Close, nil
}

// LiveCaptureOpener wires CaptureOpener to the real sniffer.Open.
func LiveCaptureOpener(iface string, filter string) (sniffer.Handle, error) {
	return sniffer.Open(iface, filter)
}

// Scanner drives one run of the state machine (spec §4.5). Every field
// mirroring the spec's "global singletons" (§9) is instead a Scanner
// field, constructed fresh per Run call, so multiple scans can run in the
// same process without interference.
type Scanner struct {
	Targets      *target.Set
	Selector     probe.Selector
	Restrictions *restrict.Restrictions
	Queue        queue.Queue
	Logger       *slog.Logger
	// Metrics is optional; when set, probe and reply counters are
	// incremented as the scan runs.
	Metrics Metrics

	Interface string
	TCPFlag   sockfactory.TCPFlag
	TCPPorts  []uint16
	// SourceV4 and SourceV6 are the Emitter's probe source addresses. If
	// left at the zero Addr, Run resolves them from the opened sockets'
	// SourceAddrs() (the bound interface's own address) before probing;
	// set explicitly only to override that resolution.
	SourceV4   netip.Addr
	SourceV6   netip.Addr
	SourcePort uint16

	Burst        int
	BurstTimeout time.Duration

	SettleInterval time.Duration
	DrainTimeout   time.Duration
	BreakGrace     time.Duration

	OpenSockets SocketOpener
	OpenCapture CaptureOpener
	// Sleep is overridable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)

	mu    sync.Mutex
	state State
}

// State reports the Scanner's current position in the state machine, for
// observability (spec §4.5's design note on exposing it as a gauge).
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scanner) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ErrSetupFailed wraps socket/capture open failures (spec §7 "Setup
// failure").
var ErrSetupFailed = errors.New("orchestrate: setup failed")

// Run executes one full scan: INIT → ... → DONE, or an early exit on
// setup failure, always ending with exactly one finish signal published
// (spec §8 property 5 / §7's guaranteed postcondition).
func (s *Scanner) Run(ctx context.Context) error {
	s.setState(StateInit)
	s.applyDefaults()

	var finishOnce sync.Once
	publishFinish := func() {
		finishOnce.Do(func() {
			// The Restriction Manager already published the finish signal
			// when the scan cap was reached; do not publish a second one.
			if s.Restrictions != nil && s.Restrictions.ScanCapReached() {
				return
			}
			if err := s.Queue.PublishFinish(ctx); err != nil {
				s.logError("publish finish signal failed", err)
			}
		})
	}
	defer publishFinish()

	needs := needsFromSelector(s.Selector)

	sockets, closeSockets, err := s.OpenSockets(s.Interface, needs, s.TCPFlag, s.TCPPorts)
	if err != nil {
		s.logError("open sockets failed", err)
		return fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}
	defer func() {
		if closeSockets == nil {
			return
		}
		if err := closeSockets(); err != nil {
			s.logError("close sockets failed", err)
		}
	}()

	// Resolve the probe source addresses from the bound interface unless
	// the caller already supplied one — without this, EmitTCP/EmitARP
	// would call netip.Addr.As4()/As16() on a zero Addr and panic on the
	// first IPv4 probe of a real scan.
	ifaceV4, ifaceV6 := sockets.SourceAddrs()
	if !s.SourceV4.IsValid() {
		s.SourceV4 = ifaceV4
	}
	if !s.SourceV6.IsValid() {
		s.SourceV6 = ifaceV6
	}

	filter := sniffer.BuildFilter(s.SourcePort)
	handle, err := s.OpenCapture(s.Interface, filter)
	if err != nil {
		s.logError("open capture failed", err)
		return fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	s.setState(StateSnifferStarting)
	snf := &sniffer.Sniffer{
		Handle:   handle,
		Targets:  s.Targets,
		Observer: s.observer(),
		Queue:    s.Queue,
		Logger:   s.Logger,
	}

	var barrierMu sync.Mutex
	barrierCond := sync.NewCond(&barrierMu)
	ready := false
	snf.Ready = func() {
		barrierMu.Lock()
		ready = true
		barrierCond.Signal()
		barrierMu.Unlock()
	}

	sniffCtx, cancelSniff := context.WithCancel(ctx)
	defer cancelSniff()
	done := make(chan error, 1)
	go func() { done <- snf.Run(sniffCtx) }()

	barrierMu.Lock()
	for !ready {
		barrierCond.Wait()
	}
	barrierMu.Unlock()

	s.sleep(s.SettleInterval)

	s.setState(StateProbing)
	s.probe(ctx, sockets)

	s.setState(StateDraining)
	s.sleep(s.DrainTimeout)

	s.setState(StateStopping)
	snf.Break()
	cancelSniff()
	s.awaitSniffer(done)

	s.setState(StateDone)
	s.publishSummary(ctx)

	return nil
}

func (s *Scanner) applyDefaults() {
	if s.SettleInterval == 0 {
		s.SettleInterval = DefaultSettleInterval
	}
	if s.DrainTimeout == 0 {
		s.DrainTimeout = DefaultDrainTimeout
	}
	if s.BreakGrace == 0 {
		s.BreakGrace = sniffer.BreakGracePeriod()
	}
	if s.Sleep == nil {
		s.Sleep = time.Sleep
	}
}

func (s *Scanner) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	s.Sleep(d)
}

// awaitSniffer waits up to BreakGrace for the sniffer goroutine to exit;
// if it doesn't, it logs and proceeds with teardown anyway (spec §9
// Design Notes: Go cannot force-kill a goroutine, so a stuck sniffer is a
// documented trade-off, not a hang).
func (s *Scanner) awaitSniffer(done <-chan error) {
	select {
	case err := <-done:
		if err != nil {
			s.logError("sniffer exited with error", err)
		}
	case <-time.After(s.BreakGrace):
		s.logWarn("sniffer did not exit within grace period; proceeding with teardown")
	}
}

// probe implements spec §4.5's PROBING state: CONSIDER_ALIVE bypasses
// probing entirely; otherwise TCP, then ICMP, then ARP, in that fixed
// order, each checking the alive cap before every target.
func (s *Scanner) probe(ctx context.Context, sockets sockfactory.Sockets) {
	observer := s.observer()

	if s.Selector.Has(probe.ConsiderAlive) {
		for _, t := range s.Targets.All() {
			ip := target.Canonical(t.Addr)
			if _, err := observer.ObserveIfNew(ctx, ip, s.Targets, s.Queue); err != nil {
				s.logError("observe failed", err)
			}
		}
		return
	}

	emitter := &probe.Emitter{
		Sockets:      sockets,
		Restrictions: s.Restrictions,
		Logger:       s.Logger,
		Metrics:      s.Metrics,
		SourceV4:     s.SourceV4,
		SourceV6:     s.SourceV6,
		SourcePort:   s.SourcePort,
		Burst:        s.Burst,
		BurstTimeout: s.BurstTimeout,
	}

	type method struct {
		enabled bool
		emit    func(netip.Addr) error
	}
	methods := []method{
		{s.Selector.Has(probe.TCPSYN) || s.Selector.Has(probe.TCPACK), emitter.EmitTCP},
		{s.Selector.Has(probe.ICMP), emitter.EmitICMP},
		{s.Selector.Has(probe.ARP), emitter.EmitARP},
	}

	for _, m := range methods {
		if !m.enabled {
			continue
		}
		// Burst pacing applies inside a single method pass only (spec
		// §4.2) — reset before each method's target loop so TCP, ICMP,
		// and ARP each start their own burst count from zero.
		emitter.ResetBurst()
		for _, t := range s.Targets.All() {
			if s.Restrictions.AliveCapReached() {
				return
			}
			if err := m.emit(t.Addr); err != nil {
				if errors.Is(err, probe.ErrSocketLost) {
					s.logError("socket lost, aborting remaining probes", err)
					return
				}
				s.logDebug("probe emission failed", err)
			}
		}
	}
}

// publishSummary implements spec §4.5's DONE state.
func (s *Scanner) publishSummary(ctx context.Context) {
	alive, suppressed := s.Restrictions.Snapshot()
	deadCount := restrict.DeadCount(s.Targets, alive, suppressed)

	if s.Restrictions.AliveCapReached() {
		notProbed := s.Targets.Len() - len(alive)
		msg := fmt.Sprintf("%d targets not probed: alive cap reached", notProbed)
		if err := s.Queue.PublishStatus(ctx, queue.FormatErrMsg(msg)); err != nil {
			s.logError("publish alive-cap advisory failed", err)
		}
	}

	if err := s.Queue.PublishStatus(ctx, queue.FormatDeadHost(deadCount)); err != nil {
		s.logError("publish dead count failed", err)
	}
}

// observer returns the sniffer.Observer the capture loop reports matches
// to: s.Restrictions directly, or a wrapper that also increments the
// reply-observed counter when s.Metrics is configured.
func (s *Scanner) observer() sniffer.Observer {
	if s.Metrics == nil {
		return s.Restrictions
	}
	return &metricsObserver{restrictions: s.Restrictions, metrics: s.Metrics}
}

// metricsObserver wraps *restrict.Restrictions so every accepted reply
// (spec §4.3 step 2: newly inserted AND in the target set) also
// increments scanmetrics' RepliesObserved counter, without teaching
// restrict.Restrictions anything about Prometheus.
type metricsObserver struct {
	restrictions *restrict.Restrictions
	metrics      Metrics
}

func (o *metricsObserver) ObserveIfNew(ctx context.Context, ip string, targets *target.Set, q queue.Queue) (bool, error) {
	observed, err := o.restrictions.ObserveIfNew(ctx, ip, targets, q)
	if observed {
		o.metrics.IncRepliesObserved()
	}
	return observed, err
}

func needsFromSelector(sel probe.Selector) sockfactory.Needs {
	return sockfactory.Needs{
		ICMP: sel.Has(probe.ICMP) || sel.Has(probe.ARP), // ARPv6 reuses the ICMPv6 socket
		TCP:  sel.Has(probe.TCPSYN) || sel.Has(probe.TCPACK),
		ARP:  sel.Has(probe.ARP),
	}
}

func (s *Scanner) logError(msg string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Error(msg, slog.String("error", err.Error()))
}

func (s *Scanner) logWarn(msg string) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warn(msg)
}

func (s *Scanner) logDebug(msg string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.Debug(msg, slog.String("error", err.Error()))
}
