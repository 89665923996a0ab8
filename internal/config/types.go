// Package config provides configuration loading for hydraresolve using
// Viper. Configuration is loaded from YAML files with automatic
// environment variable binding.
//
// Environment variables use the HYDRARESOLVE_ prefix and
// underscore-separated keys:
//   - HYDRARESOLVE_RESOLVER_BUCKETS -> resolver.buckets
//   - HYDRARESOLVE_RESOLVER_FORWARDERS -> resolver.forwarders (comma-separated)
//   - HYDRARESOLVE_LOGGING_LEVEL -> logging.level
package config

import (
	"os"
	"strings"
	"time"
)

// ForwardPolicy controls how the resolver uses configured forwarders
// (spec.md §4.3 "Forwarders").
type ForwardPolicy int

const (
	// ForwardNone disables forwarding; the resolver always walks the
	// delegation chain itself.
	ForwardNone ForwardPolicy = iota
	// ForwardFirst tries forwarders first and falls back to iterative
	// resolution if they fail.
	ForwardFirst
	// ForwardOnly never falls back; a forwarder failure is the fetch's
	// failure.
	ForwardOnly
)

// String returns the config-file spelling of the policy.
func (p ForwardPolicy) String() string {
	switch p {
	case ForwardFirst:
		return "first"
	case ForwardOnly:
		return "only"
	default:
		return "none"
	}
}

func parseForwardPolicy(raw string) ForwardPolicy {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "first":
		return ForwardFirst
	case "only":
		return ForwardOnly
	default:
		return ForwardNone
	}
}

// ResolverConfig holds the iterative resolver's own tunables
// (spec.md §2, §4.3, §5, §6).
type ResolverConfig struct {
	Buckets          int           `yaml:"buckets"         mapstructure:"buckets"`
	Forwarders       []string      `yaml:"forwarders"      mapstructure:"forwarders"`
	ForwardPolicyRaw string        `yaml:"forward_policy"  mapstructure:"forward_policy"`
	ForwardPolicy    ForwardPolicy `yaml:"-"               mapstructure:"-"`
	Lifetime         time.Duration `yaml:"-"               mapstructure:"-"`
	LifetimeRaw      string        `yaml:"lifetime"        mapstructure:"lifetime"`
	UDPPortsLow      int           `yaml:"udp_ports_low"   mapstructure:"udp_ports_low"`
	UDPPortsHigh     int           `yaml:"udp_ports_high"  mapstructure:"udp_ports_high"`
	EDNSUDPSize      int           `yaml:"edns_udp_size"   mapstructure:"edns_udp_size"`
	HintsFile        string        `yaml:"hints_file"      mapstructure:"hints_file"`
	StubZones        []string      `yaml:"stub_zones"      mapstructure:"stub_zones"`
}

// ADBConfig holds Address Database tunables (spec.md §5 "Lame-marking").
type ADBConfig struct {
	LameTTLRaw string        `yaml:"lame_ttl" mapstructure:"lame_ttl"`
	LameTTL    time.Duration `yaml:"-"        mapstructure:"-"`
}

// CacheConfig holds response-cache tunables (spec.md §4.6).
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
}

// LoggingConfig contains logging settings, kept from the teacher
// unchanged.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// Config is the root configuration structure.
type Config struct {
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	ADB      ADBConfig      `yaml:"adb"      mapstructure:"adb"`
	Cache    CacheConfig    `yaml:"cache"    mapstructure:"cache"`
	Logging  LoggingConfig  `yaml:"logging"  mapstructure:"logging"`
}

// ResolveConfigPath determines the config file path from flag or
// environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("HYDRARESOLVE_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable
// overrides. This is the main entry point for loading configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (HYDRARESOLVE_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
