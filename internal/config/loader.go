package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies environment overrides. The returned Config has NOT
// been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads CDPIDX_* variables, plus the bare PORT,
// DATABASE_URL and REDIS_URL used by container platforms.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "CDPIDX_SERVER_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "CDPIDX_SERVER_SHUTDOWN_TIMEOUT")

	// ── Storage ──
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "CDPIDX_DATABASE_URL")
	setBool(&cfg.Database.Migrate, "CDPIDX_DATABASE_MIGRATE")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "CDPIDX_REDIS_URL")
	setDuration(&cfg.Redis.TTL, "CDPIDX_REDIS_TTL")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "CDPIDX_CHAIN_RPC_URL")
	setStr(&cfg.Chain.TubAddress, "CDPIDX_CHAIN_TUB_ADDRESS")
	setStr(&cfg.Chain.PipAddress, "CDPIDX_CHAIN_PIP_ADDRESS")
	setStr(&cfg.Chain.PepAddress, "CDPIDX_CHAIN_PEP_ADDRESS")
	setUint64(&cfg.Chain.StartBlock, "CDPIDX_CHAIN_START_BLOCK")
	setUint64(&cfg.Chain.BatchSize, "CDPIDX_CHAIN_BATCH_SIZE")
	setUint64(&cfg.Chain.Confirmations, "CDPIDX_CHAIN_CONFIRMATIONS")
	setDuration(&cfg.Chain.PollInterval, "CDPIDX_CHAIN_POLL_INTERVAL")

	setStr(&cfg.LogLevel, "CDPIDX_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
