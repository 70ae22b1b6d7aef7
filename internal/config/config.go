// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

const (
	LedgerSim = "sim"
	LedgerEVM = "evm"
)

// Config holds all runtime configuration for the market engine.
type Config struct {
	Port     int    `validate:"min=1,max=65535"`
	LogLevel string `validate:"oneof=debug info warn error"`

	LedgerMode     string `validate:"oneof=sim evm"`
	LedgerRPCURL   string `validate:"required_if=LedgerMode evm"`
	MarketContract string `validate:"required_if=LedgerMode evm"`
	TicketContract string `validate:"required_if=LedgerMode evm"`
	SimSeed        bool

	// SignerKey is a hex private key for development chains. Without it the
	// evm ledger serves listings and quotes only.
	SignerKey string

	MaxBatchSize         uint64        `validate:"min=1"`
	GasBufferPercent     uint64        `validate:"min=100"`
	GasCeiling           uint64        `validate:"min=21000"`
	FinalityTimeout      time.Duration `validate:"gt=0"`
	ReceiptPollInterval  time.Duration `validate:"gt=0"`
	BatchDelay           time.Duration `validate:"min=0"`
	OwnerReadConcurrency int           `validate:"min=1,max=64"`

	// Zero means unlimited.
	MaxUnitsPerOption  uint64
	MaxUnitsPerProject uint64

	DatabaseURL     string
	RedisURL        string
	CacheTTL        time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

var validate = validator.New()

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:       getStr("LOG_LEVEL", "info"),
		LedgerMode:     getStr("LEDGER_MODE", LedgerSim),
		LedgerRPCURL:   getStr("LEDGER_RPC_URL", ""),
		MarketContract: getStr("MARKET_CONTRACT", ""),
		TicketContract: getStr("TICKET_CONTRACT", ""),
		SignerKey:      getStr("SIGNER_KEY", ""),
		DatabaseURL:    getStr("DATABASE_URL", ""),
		RedisURL:       getStr("REDIS_URL", ""),
	}

	var err error
	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if cfg.SimSeed, err = getBool("SIM_SEED", true); err != nil {
		return nil, fmt.Errorf("invalid SIM_SEED: %w", err)
	}
	if cfg.MaxBatchSize, err = getUint("MAX_BATCH_SIZE", 50); err != nil {
		return nil, fmt.Errorf("invalid MAX_BATCH_SIZE: %w", err)
	}
	if cfg.GasBufferPercent, err = getUint("GAS_BUFFER_PERCENT", 150); err != nil {
		return nil, fmt.Errorf("invalid GAS_BUFFER_PERCENT: %w", err)
	}
	if cfg.GasCeiling, err = getUint("GAS_CEILING", 30_000_000); err != nil {
		return nil, fmt.Errorf("invalid GAS_CEILING: %w", err)
	}
	if cfg.FinalityTimeout, err = getDuration("FINALITY_TIMEOUT", 2*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid FINALITY_TIMEOUT: %w", err)
	}
	if cfg.ReceiptPollInterval, err = getDuration("RECEIPT_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, fmt.Errorf("invalid RECEIPT_POLL_INTERVAL: %w", err)
	}
	if cfg.BatchDelay, err = getDuration("BATCH_DELAY", 2*time.Second); err != nil {
		return nil, fmt.Errorf("invalid BATCH_DELAY: %w", err)
	}
	if cfg.OwnerReadConcurrency, err = getInt("OWNER_READ_CONCURRENCY", 8); err != nil {
		return nil, fmt.Errorf("invalid OWNER_READ_CONCURRENCY: %w", err)
	}
	if cfg.MaxUnitsPerOption, err = getUint("MAX_UNITS_PER_OPTION", 0); err != nil {
		return nil, fmt.Errorf("invalid MAX_UNITS_PER_OPTION: %w", err)
	}
	if cfg.MaxUnitsPerProject, err = getUint("MAX_UNITS_PER_PROJECT", 0); err != nil {
		return nil, fmt.Errorf("invalid MAX_UNITS_PER_PROJECT: %w", err)
	}
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for key, addr := range map[string]string{"MARKET_CONTRACT": cfg.MarketContract, "TICKET_CONTRACT": cfg.TicketContract} {
		if addr != "" && !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid %s: %q is not an address", key, addr)
		}
	}
	return cfg, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getUint(key string, defaultVal uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}
