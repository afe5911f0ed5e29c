// Package config loads daemon configuration from defaults, an optional
// YAML file, and STATEFOLD_* environment variables, in ascending
// precedence.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/blockberries/statefold/types"
)

// Config is the full daemon configuration.
type Config struct {
	Chain Chain `mapstructure:"chain"`
	Sync  Sync  `mapstructure:"sync"`
	Store Store `mapstructure:"store"`
	Log   Log   `mapstructure:"log"`
}

// Chain configures the upstream chain data source.
type Chain struct {
	// Endpoint is the gRPC address of the chain service.
	Endpoint string `mapstructure:"endpoint"`
	// GenesisHash anchors the ancestry index, hex encoded. Usually the
	// application's deployment block rather than block zero.
	GenesisHash string `mapstructure:"genesis_hash"`
	// GenesisNumber is the height of the anchor block.
	GenesisNumber uint64 `mapstructure:"genesis_number"`
}

// Sync configures the fold and retry behavior.
type Sync struct {
	ConfirmationDepth uint64        `mapstructure:"confirmation_depth"`
	MaxLookback       uint64        `mapstructure:"max_lookback"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

// Store configures snapshot persistence.
type Store struct {
	// Dir is the Badger database directory. Empty disables persistence
	// and keeps all snapshots in memory.
	Dir string `mapstructure:"dir"`
	// InMemory runs Badger without files, for tests and dry runs.
	InMemory bool `mapstructure:"in_memory"`
}

// Log configures logging output.
type Log struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Console switches from JSON to human-readable output.
	Console bool `mapstructure:"console"`
}

// Load reads configuration from path (optional; empty skips the file)
// layered over defaults, then applies STATEFOLD_* environment
// variables. Nested keys map with underscores: STATEFOLD_CHAIN_ENDPOINT
// overrides chain.endpoint.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("chain.endpoint", "localhost:50051")
	v.SetDefault("chain.genesis_hash", "")
	v.SetDefault("chain.genesis_number", 0)
	v.SetDefault("sync.confirmation_depth", 12)
	v.SetDefault("sync.max_lookback", 256)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retry_delay", time.Second)
	v.SetDefault("sync.max_retry_delay", 32*time.Second)
	v.SetDefault("sync.poll_interval", time.Second)
	v.SetDefault("sync.idle_timeout", 60*time.Second)
	v.SetDefault("store.dir", "")
	v.SetDefault("store.in_memory", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetEnvPrefix("STATEFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Chain.Endpoint == "" {
		return fmt.Errorf("chain.endpoint is required")
	}
	if c.Chain.GenesisHash == "" {
		return fmt.Errorf("chain.genesis_hash is required")
	}
	if c.Sync.ConfirmationDepth == 0 {
		return fmt.Errorf("sync.confirmation_depth must be positive")
	}
	if c.Sync.MaxLookback < c.Sync.ConfirmationDepth {
		return fmt.Errorf("sync.max_lookback (%d) must cover sync.confirmation_depth (%d)",
			c.Sync.MaxLookback, c.Sync.ConfirmationDepth)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// GenesisBlock parses the configured anchor block.
func (c Chain) GenesisBlock() (types.BlockID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(c.GenesisHash, "0x"))
	if err != nil {
		return types.BlockID{}, fmt.Errorf("chain.genesis_hash: %w", err)
	}
	if len(raw) != len(types.Hash{}) {
		return types.BlockID{}, fmt.Errorf("chain.genesis_hash: want %d bytes, got %d", len(types.Hash{}), len(raw))
	}
	var h types.Hash
	copy(h[:], raw)
	return types.BlockID{Hash: h, Number: c.GenesisNumber}, nil
}

// LogLevel returns the parsed zerolog level. Call Validate first.
func (c Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
