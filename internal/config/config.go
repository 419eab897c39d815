// Package config defines the indexer configuration and its validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration. Fields come from the built-in defaults,
// an optional TOML file, and CDPIDX_* environment overrides, in that order.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Chain    ChainConfig    `toml:"chain"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig selects the Postgres store. An empty URL means in-memory.
type DatabaseConfig struct {
	URL     string `toml:"url"`
	Migrate bool   `toml:"migrate"`
}

// RedisConfig enables the read-through cache in front of Postgres.
type RedisConfig struct {
	URL string   `toml:"url"`
	TTL duration `toml:"ttl"`
}

// ChainConfig describes where and how CDP logs are read.
type ChainConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	TubAddress    string   `toml:"tub_address"`
	PipAddress    string   `toml:"pip_address"` // ETH/USD feed
	PepAddress    string   `toml:"pep_address"` // MKR/USD feed
	StartBlock    uint64   `toml:"start_block"`
	BatchSize     uint64   `toml:"batch_size"`
	Confirmations uint64   `toml:"confirmations"`
	PollInterval  duration `toml:"poll_interval"`
}

// Tub returns the CDP contract address.
func (c ChainConfig) Tub() common.Address { return common.HexToAddress(c.TubAddress) }

// Pip returns the ETH price feed address.
func (c ChainConfig) Pip() common.Address { return common.HexToAddress(c.PipAddress) }

// Pep returns the MKR price feed address.
func (c ChainConfig) Pep() common.Address { return common.HexToAddress(c.PepAddress) }

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with mainnet Sai values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{5 * time.Second},
		},
		Database: DatabaseConfig{
			Migrate: true,
		},
		Redis: RedisConfig{
			TTL: duration{30 * time.Second},
		},
		Chain: ChainConfig{
			RPCURL:        "http://localhost:8545",
			TubAddress:    "0x448a5065aeBB8E423F0896E6c5D525C040f59af3",
			PipAddress:    "0x729D19f657BD0614b4985Cf1D82531c67569197B",
			PepAddress:    "0x99041F808D598B782D5a3e498681C2452A31da08",
			StartBlock:    4752008,
			BatchSize:     1000,
			Confirmations: 12,
			PollInterval:  duration{15 * time.Second},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	if lvl, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Redis.URL != "" && c.Database.URL == "" {
		errs = append(errs, "redis: url requires database.url")
	}
	if c.Redis.URL != "" && c.Redis.TTL.Duration <= 0 {
		errs = append(errs, "redis: ttl must be positive")
	}

	if _, err := url.Parse(c.Chain.RPCURL); err != nil || c.Chain.RPCURL == "" {
		errs = append(errs, fmt.Sprintf("chain: invalid rpc_url %q", c.Chain.RPCURL))
	}
	for name, addr := range map[string]string{
		"tub_address": c.Chain.TubAddress,
		"pip_address": c.Chain.PipAddress,
		"pep_address": c.Chain.PepAddress,
	} {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("chain: %s %q is not a hex address", name, addr))
		}
	}
	if c.Chain.BatchSize == 0 {
		errs = append(errs, "chain: batch_size must be >= 1")
	}
	if c.Chain.PollInterval.Duration <= 0 {
		errs = append(errs, "chain: poll_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
