// Package config provides configuration loading and validation for
// hydraresolve.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/resolve/main.go)
//  2. Environment variables (HYDRARESOLVE_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from HYDRARESOLVE_CATEGORY_SETTING
// format, e.g., HYDRARESOLVE_RESOLVER_BUCKETS maps to resolver.buckets in
// YAML.
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding. Uses HYDRARESOLVE_ prefix:
	// HYDRARESOLVE_RESOLVER_BUCKETS -> resolver.buckets
	v.SetEnvPrefix("HYDRARESOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Resolver defaults (spec.md §2, §5, §6)
	v.SetDefault("resolver.buckets", 16)
	v.SetDefault("resolver.forwarders", []string{})
	v.SetDefault("resolver.forward_policy", "none")
	v.SetDefault("resolver.lifetime", "90s")
	v.SetDefault("resolver.udp_ports_low", 5353)
	v.SetDefault("resolver.udp_ports_high", 5399)
	v.SetDefault("resolver.edns_udp_size", 2048)
	v.SetDefault("resolver.hints_file", "")
	v.SetDefault("resolver.stub_zones", []string{})

	// Address Database defaults (spec.md §5 "Lame-marking")
	v.SetDefault("adb.lame_ttl", "600s")

	// Cache defaults (spec.md §4.6)
	v.SetDefault("cache.max_entries", 100000)

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadResolverConfig(v, cfg)
	loadADBConfig(v, cfg)
	loadCacheConfig(v, cfg)
	loadLoggingConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadResolverConfig(v *viper.Viper, cfg *Config) {
	cfg.Resolver.Buckets = v.GetInt("resolver.buckets")
	cfg.Resolver.Forwarders = getStringSliceOrSplit(v, "resolver.forwarders")
	cfg.Resolver.ForwardPolicyRaw = v.GetString("resolver.forward_policy")
	cfg.Resolver.ForwardPolicy = parseForwardPolicy(cfg.Resolver.ForwardPolicyRaw)
	cfg.Resolver.LifetimeRaw = v.GetString("resolver.lifetime")
	cfg.Resolver.UDPPortsLow = v.GetInt("resolver.udp_ports_low")
	cfg.Resolver.UDPPortsHigh = v.GetInt("resolver.udp_ports_high")
	cfg.Resolver.EDNSUDPSize = v.GetInt("resolver.edns_udp_size")
	cfg.Resolver.HintsFile = v.GetString("resolver.hints_file")
	cfg.Resolver.StubZones = getStringSliceOrSplit(v, "resolver.stub_zones")
}

func loadADBConfig(v *viper.Viper, cfg *Config) {
	cfg.ADB.LameTTLRaw = v.GetString("adb.lame_ttl")
}

func loadCacheConfig(v *viper.Viper, cfg *Config) {
	cfg.Cache.MaxEntries = v.GetInt("cache.max_entries")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

// getStringSliceOrSplit handles both slice and comma-separated string values.
func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	if slice := v.GetStringSlice(key); len(slice) > 0 {
		result := make([]string, 0, len(slice))
		for _, s := range slice {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		return result
	}
	if s := v.GetString(key); s != "" {
		parts := strings.Split(s, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return nil
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Resolver.Buckets <= 0 {
		cfg.Resolver.Buckets = 16
	}

	lifetime, err := time.ParseDuration(cfg.Resolver.LifetimeRaw)
	if err != nil || lifetime <= 0 {
		lifetime = 90 * time.Second
	}
	cfg.Resolver.Lifetime = lifetime

	if cfg.Resolver.UDPPortsLow <= 0 || cfg.Resolver.UDPPortsHigh <= 0 {
		cfg.Resolver.UDPPortsLow, cfg.Resolver.UDPPortsHigh = 5353, 5399
	}
	if cfg.Resolver.UDPPortsLow > cfg.Resolver.UDPPortsHigh {
		return errors.New("resolver.udp_ports_low must be <= resolver.udp_ports_high")
	}
	if cfg.Resolver.UDPPortsLow <= 0 || cfg.Resolver.UDPPortsHigh > 65535 {
		return errors.New("resolver.udp_ports_low/high must be within 1..65535")
	}

	if cfg.Resolver.EDNSUDPSize <= 0 {
		cfg.Resolver.EDNSUDPSize = 2048
	}

	if cfg.Resolver.ForwardPolicy != ForwardNone && len(cfg.Resolver.Forwarders) == 0 {
		return errors.New("resolver.forward_policy requires at least one resolver.forwarders entry")
	}

	lameTTL, err := time.ParseDuration(cfg.ADB.LameTTLRaw)
	if err != nil || lameTTL <= 0 {
		lameTTL = 600 * time.Second
	}
	cfg.ADB.LameTTL = lameTTL

	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 100000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	return nil
}
