// hostscan is a development/ops harness that runs the host-liveness
// discovery engine directly from the command line. It is not the
// production CLI wrapper the engine is designed to be embedded in --
// that surface (argument parsing, preference lookup, the vulnerability
// scanner's own UX) is out of scope; this binary exists so the engine is
// runnable end-to-end while developing it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/hostscan/internal/orchestrate"
	"github.com/dantte-lp/hostscan/internal/probe"
	"github.com/dantte-lp/hostscan/internal/queue"
	"github.com/dantte-lp/hostscan/internal/restrict"
	"github.com/dantte-lp/hostscan/internal/scanconfig"
	"github.com/dantte-lp/hostscan/internal/scanmetrics"
	"github.com/dantte-lp/hostscan/internal/sockfactory"
	"github.com/dantte-lp/hostscan/internal/target"
	appversion "github.com/dantte-lp/hostscan/internal/version"
)

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build timestamp, set at build time via ldflags.
var BuildDate = "unknown"

var (
	configPath string
	targetsCSV string
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hostscan",
		Short: "Run the host-liveness discovery engine",
		Long:  "hostscan drives the Socket Factory, Probe Emitter, Reply Sniffer, and Restriction Manager against a target list, publishing responsive hosts to a queue.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runScan()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")
	root.PersistentFlags().StringVar(&targetsCSV, "targets", "", "comma-separated list of target IP addresses (harness input; the production caller supplies an already-resolved target set)")

	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print hostscan build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("hostscan %s\n", appversion.Version)
			fmt.Printf("  commit:  %s\n", appversion.GitCommit)
			fmt.Printf("  built:   %s\n", appversion.BuildDate)
		},
	}
}

func runScan() error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(scanconfig.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("hostscan starting",
		slog.String("version", appversion.Version),
		slog.String("interface", cfg.Scan.Interface),
		slog.String("metrics_addr", cfg.Metrics.Addr))

	selector, err := probe.ParseSelector(cfg.Scan.AliveTests)
	if err != nil {
		return fmt.Errorf("parse alive_tests: %w", err)
	}

	targets, err := resolveTargets(targetsCSV)
	if err != nil {
		return fmt.Errorf("resolve targets: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := scanmetrics.NewCollector(reg)

	q := newQueue(cfg)

	scanner := &orchestrate.Scanner{
		Targets:      targets,
		Selector:     selector,
		Restrictions: restrict.New(cfg.Scan.MaxScanHosts, cfg.Scan.MaxAliveHosts),
		Queue:        q,
		Logger:       logger,
		Metrics:      collector,
		Interface:    cfg.Scan.Interface,
		TCPFlag:      tcpFlag(selector),
		TCPPorts:     tcpPorts(cfg.Scan.PortRange),
		SourcePort:   cfg.Scan.SourcePort,
		OpenSockets:  orchestrate.LiveSocketOpener,
		OpenCapture:  orchestrate.LiveCaptureOpener,
	}

	return runServers(cfg, scanner, collector, reg, logger)
}

// runServers wires the metrics HTTP endpoint and the scan run together
// through an errgroup with a signal-aware context, in the teacher's
// cmd/gobfd/main.go style.
func runServers(
	cfg *scanconfig.Config,
	scanner *orchestrate.Scanner,
	collector *scanmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path))
		return listenAndServe(metricsSrv)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	g.Go(func() error {
		defer stop()
		start := time.Now()
		err := scanner.Run(gCtx)
		collector.ObserveScanDuration(time.Since(start))
		if err != nil {
			collector.IncSetupFailures()
			return fmt.Errorf("run scan: %w", err)
		}

		alive, suppressed := scanner.Restrictions.Snapshot()
		dead := restrict.DeadCount(scanner.Targets, alive, suppressed)
		collector.SetSummary(len(alive), len(suppressed), dead)

		logger.Info("scan complete",
			slog.Int("alive", len(alive)),
			slog.Int("suppressed", len(suppressed)),
			slog.Int("dead", dead))
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return shutdownServer(metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func listenAndServe(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func shutdownServer(srv *http.Server) error {
	notifyStopping(slog.Default())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

func newMetricsServer(cfg scanconfig.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// notifyReady sends READY=1 to systemd.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd, if configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

func loadConfig(path string) (*scanconfig.Config, error) {
	if path != "" {
		cfg, err := scanconfig.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return scanconfig.DefaultConfig(), nil
}

func newLogger(cfg scanconfig.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// newQueue builds the downstream Queue. The production persistence layer
// addressed by db_address/ov_maindbid is an external collaborator (out of
// scope, per Non-goals), so this harness always runs against the
// in-memory double.
func newQueue(_ *scanconfig.Config) queue.Queue {
	return queue.NewMemory()
}

// resolveTargets parses the harness's --targets flag into a target.Set.
// Production callers construct a target.Set directly; this function exists
// only because the harness has no other way to obtain one.
func resolveTargets(csv string) (*target.Set, error) {
	if csv == "" {
		return target.NewSet(nil), nil
	}

	parts := strings.Split(csv, ",")
	targets := make([]target.Target, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("parse target %q: %w", p, err)
		}
		targets = append(targets, target.Target{Addr: addr})
	}
	return target.NewSet(targets), nil
}

// tcpFlag derives the TCP probe's wire flag from the alive-test selector
// (spec §3 "Scanner context"): TCP_ACK selects ACK probes, anything else
// (including plain TCP_SYN) defaults to SYN, matching
// sockfactory.TCPFlagSYN's zero value.
func tcpFlag(sel probe.Selector) sockfactory.TCPFlag {
	if sel.Has(probe.TCPACK) {
		return sockfactory.TCPFlagACK
	}
	return sockfactory.TCPFlagSYN
}

// tcpPorts parses the scan.port_range configuration value into the port
// list the Probe Emitter cycles through, falling back to
// sockfactory.DefaultTCPPorts when unset (see spec §9 "TCP port list
// fallback").
func tcpPorts(portRange string) []uint16 {
	if portRange == "" {
		return nil
	}

	parts := strings.Split(portRange, ",")
	ports := make([]uint16, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var port uint16
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			continue
		}
		ports = append(ports, port)
	}
	return ports
}
