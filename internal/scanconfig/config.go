// Package scanconfig loads hostscan configuration using koanf/v2, mirroring
// the teacher's internal/config: defaults, then a YAML file, then
// environment overrides, merged in that order, then validated.
package scanconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete hostscan configuration (spec §6 "External
// Interfaces" / "Configuration").
type Config struct {
	Queue   QueueConfig   `koanf:"queue"`
	Scan    ScanConfig    `koanf:"scan"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// QueueConfig holds the downstream-queue connection keys named in spec §6.
type QueueConfig struct {
	DBAddress string `koanf:"db_address"`
	OvMainDBID string `koanf:"ov_maindbid"`
}

// ScanConfig holds the engine-tuning keys named in spec §3/§6.
type ScanConfig struct {
	Interface     string `koanf:"interface"`
	MaxScanHosts  uint64 `koanf:"max_scan_hosts"`
	MaxAliveHosts uint64 `koanf:"max_alive_hosts"`
	// PortRange is the fallback TCP port list (spec §9 "TCP port list
	// fallback"), comma-separated; empty means use the built-in list.
	PortRange string `koanf:"port_range"`
	// AliveTests is the comma-separated alive-test selector (spec §3),
	// e.g. "icmp,tcp_syn,arp".
	AliveTests string `koanf:"alive_tests"`
	SourcePort uint16 `koanf:"source_port"`
}

// LogConfig mirrors the teacher's LogConfig exactly.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig mirrors the teacher's MetricsConfig exactly.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// DefaultConfig returns a Config populated with sensible defaults,
// matching spec §3/§4.2's own recommended defaults where one exists.
func DefaultConfig() *Config {
	return &Config{
		Scan: ScanConfig{
			Interface:  "eth0",
			AliveTests: "icmp,tcp_syn,arp",
			SourcePort: 54321,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
	}
}

// envPrefix mirrors the teacher's GOBFD_ prefix convention, renamed for
// this module.
const envPrefix = "HOSTSCAN_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (HOSTSCAN_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms HOSTSCAN_SCAN_MAX_SCAN_HOSTS -> scan.max_scan_hosts.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"scan.interface":   defaults.Scan.Interface,
		"scan.alive_tests": defaults.Scan.AliveTests,
		"scan.source_port": defaults.Scan.SourcePort,
		"log.level":        defaults.Log.Level,
		"log.format":       defaults.Log.Format,
		"metrics.addr":     defaults.Metrics.Addr,
		"metrics.path":     defaults.Metrics.Path,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrEmptyInterface  = errors.New("scan.interface must not be empty")
	ErrEmptyAliveTests = errors.New("scan.alive_tests must not be empty")
	ErrAliveCapTooLow  = errors.New("scan.max_alive_hosts must not be less than scan.max_scan_hosts when both are set")
)

// Validate checks the configuration for logical errors (spec §7 "Setup
// failure" begins here, before sockets are ever opened).
func Validate(cfg *Config) error {
	if cfg.Scan.Interface == "" {
		return ErrEmptyInterface
	}
	if cfg.Scan.AliveTests == "" {
		return ErrEmptyAliveTests
	}
	if cfg.Scan.MaxScanHosts != 0 && cfg.Scan.MaxAliveHosts != 0 && cfg.Scan.MaxAliveHosts < cfg.Scan.MaxScanHosts {
		// restrict.New would raise the cap to match (spec §3's invariant),
		// but Validate rejects the combination so an operator typo
		// surfaces as a load error instead of being silently corrected.
		return fmt.Errorf("%w (scan_hosts=%d alive_hosts=%d)", ErrAliveCapTooLow, cfg.Scan.MaxScanHosts, cfg.Scan.MaxAliveHosts)
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level, unchanged from the teacher's internal/config.ParseLogLevel.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
