package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the invalidation rule table
// once every source is loaded.
type Config struct {
	Server ServerConfig          `koanf:"server"`
	Rules  map[string]RuleConfig `koanf:"rules"`

	InlineRules map[string]RuleConfig `koanf:"-"`

	// RuleSources records which files contributed rule definitions once the
	// loader resolves the configured sources.
	RuleSources []string `koanf:"-"`
	// SkippedRules captures duplicate or otherwise invalid rule definitions
	// the loader intentionally disabled, so operators can surface them in
	// health checks without re-parsing raw files.
	SkippedRules []RuleSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen       ListenConfig       `koanf:"listen"`
	Logging      LoggingConfig      `koanf:"logging"`
	Rules        RulesConfig        `koanf:"rules"`
	Cache        CacheConfig        `koanf:"cache"`
	Invalidation InvalidationConfig `koanf:"invalidation"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RulesConfig announces how invalidation rule documents are sourced.
type RulesConfig struct {
	RulesFolder string `koanf:"rulesFolder"`
	RulesFile   string `koanf:"rulesFile"`
}

// CacheConfig configures the three cache tiers.
type CacheConfig struct {
	DefaultTTL string           `koanf:"defaultTTL"`
	Memory     MemoryTierConfig `koanf:"memory"`
	Badger     BadgerTierConfig `koanf:"badger"`
	Redis      RedisTierConfig  `koanf:"redis"`
}

// MemoryTierConfig caps the process-local L1 tier.
type MemoryTierConfig struct {
	MaxEntries int `koanf:"maxEntries"`
}

// BadgerTierConfig configures the persisted L2 tier.
type BadgerTierConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Path           string  `koanf:"path"`
	SyncWrites     bool    `koanf:"syncWrites"`
	GCInterval     string  `koanf:"gcInterval"`
	GCDiscardRatio float64 `koanf:"gcDiscardRatio"`
}

// RedisTierConfig configures the shared L3 tier.
type RedisTierConfig struct {
	Enabled  bool           `koanf:"enabled"`
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

// RedisTLSConfig controls TLS for the shared tier connection.
type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// InvalidationConfig tunes the engine's timing knobs.
type InvalidationConfig struct {
	DebounceDelay string `koanf:"debounceDelay"`
	SweepInterval string `koanf:"sweepInterval"`
}

// RuleConfig declares the impact of one write operation: the cached root
// queries and entity types it can stale.
type RuleConfig struct {
	Description string   `koanf:"description"`
	Queries     []string `koanf:"queries"`
	Types       []string `koanf:"types"`
	// TenantSpecific defaults to true when unset; tenant-scoped keys stay
	// isolated unless a rule explicitly opts out.
	TenantSpecific *bool `koanf:"tenantSpecific"`
	// When is an optional CEL guard over {operation, params}.
	When string `koanf:"when"`
}

// IsTenantSpecific resolves the tri-state flag with its safe default.
func (c RuleConfig) IsTenantSpecific() bool {
	if c.TenantSpecific == nil {
		return true
	}
	return *c.TenantSpecific
}

// RuleSkip describes a rule definition the loader intentionally ignored
// because it violated invariants (for example duplicate names across files).
type RuleSkip struct {
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// DefaultTTL resolves the configured default entry TTL.
func (c CacheConfig) GetDefaultTTL() time.Duration {
	d, err := time.ParseDuration(c.DefaultTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// GetGCInterval resolves the badger value-log GC interval.
func (c BadgerTierConfig) GetGCInterval() time.Duration {
	d, err := time.ParseDuration(c.GCInterval)
	if err != nil || d < 0 {
		return 5 * time.Minute
	}
	return d
}

// GetDebounceDelay resolves the batched-invalidation quiet period.
func (c InvalidationConfig) GetDebounceDelay() time.Duration {
	d, err := time.ParseDuration(c.DebounceDelay)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// GetSweepInterval resolves the periodic expiry sweep interval.
func (c InvalidationConfig) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Rules.RulesFolder != "" && c.Server.Rules.RulesFile != "" {
		return errors.New("config: rulesFolder and rulesFile are mutually exclusive")
	}
	if c.Server.Cache.DefaultTTL != "" {
		if _, err := time.ParseDuration(c.Server.Cache.DefaultTTL); err != nil {
			return fmt.Errorf("config: cache.defaultTTL invalid: %w", err)
		}
	}
	if c.Server.Cache.Memory.MaxEntries < 0 {
		return fmt.Errorf("config: cache.memory.maxEntries invalid: %d", c.Server.Cache.Memory.MaxEntries)
	}
	if c.Server.Cache.Badger.Enabled && strings.TrimSpace(c.Server.Cache.Badger.Path) == "" {
		return errors.New("config: cache.badger.path required when badger tier enabled")
	}
	if c.Server.Cache.Badger.GCInterval != "" {
		if _, err := time.ParseDuration(c.Server.Cache.Badger.GCInterval); err != nil {
			return fmt.Errorf("config: cache.badger.gcInterval invalid: %w", err)
		}
	}
	if c.Server.Cache.Redis.Enabled && strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
		return errors.New("config: cache.redis.address required when redis tier enabled")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"invalidation.debounceDelay", c.Server.Invalidation.DebounceDelay},
		{"invalidation.sweepInterval", c.Server.Invalidation.SweepInterval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("config: %s invalid: %w", field.name, err)
		}
	}
	for name, rule := range c.Rules {
		if err := validateRule(name, rule); err != nil {
			return err
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design
// defaults: memory-only caching, 100 ms debounce, five minute sweep.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: CacheConfig{
				DefaultTTL: "5m",
				Memory: MemoryTierConfig{
					MaxEntries: 10000,
				},
				Badger: BadgerTierConfig{
					Path:           "./data/cache",
					SyncWrites:     true,
					GCInterval:     "5m",
					GCDiscardRatio: 0.5,
				},
			},
			Invalidation: InvalidationConfig{
				DebounceDelay: "100ms",
				SweepInterval: "5m",
			},
		},
	}
}

func validateRule(name string, rule RuleConfig) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("config: rule name empty")
	}
	for i, query := range rule.Queries {
		if strings.TrimSpace(query) == "" {
			return fmt.Errorf("config: rule %q queries[%d] empty", name, i)
		}
	}
	for i, typeName := range rule.Types {
		if strings.TrimSpace(typeName) == "" {
			return fmt.Errorf("config: rule %q types[%d] empty", name, i)
		}
	}
	return nil
}
