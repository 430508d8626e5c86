// Package config provides the host-facing configuration for the protocol
// core. ALL tunable defaults (network, fee rates, lock spans) are defined
// here; nothing else in the codebase hardcodes them.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Firefish-io/firefish-protocol/internal/chain"
)

// DustLimitSats is the output value below which transaction construction
// is refused. Matches the default relay dust limit for witness outputs.
const DustLimitSats = 546

// Config holds host configuration shared by the CLI and WASM embeddings.
type Config struct {
	// Network selects the Bitcoin network for every artifact.
	Network string `yaml:"network"`

	// Fees holds default fee rates in sat/vB. The host may override
	// per invocation; these seed the prompts.
	Fees FeeConfig `yaml:"fees"`

	// Locks holds default relative-timelock spans in blocks.
	Locks LockConfig `yaml:"locks"`

	// Logging configures the core logger.
	Logging LoggingConfig `yaml:"logging"`
}

// FeeConfig holds default fee rates in sat/vB.
type FeeConfig struct {
	// Escrow is the rate for the escrow transaction.
	Escrow uint64 `yaml:"escrow"`

	// Children is the rate for the presigned outcome transactions
	// (repayment, default, liquidation, recover, cancel).
	Children uint64 `yaml:"children"`
}

// LockConfig holds default relative-timelock spans in blocks.
type LockConfig struct {
	// CancelBlocks gates the prefund cancel path.
	CancelBlocks uint32 `yaml:"cancel_blocks"`

	// RecoverBlocks gates the escrow recovery path, on top of the
	// offer's absolute escrow-lock timestamp.
	RecoverBlocks uint32 `yaml:"recover_blocks"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the defaults used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Network: string(chain.Mainnet),
		Fees: FeeConfig{
			Escrow:   2,
			Children: 2,
		},
		Locks: LockConfig{
			CancelBlocks:  42,
			RecoverBlocks: 12,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if !chain.Valid(chain.Network(c.Network)) {
		return fmt.Errorf("config: unknown network %q", c.Network)
	}
	if c.Fees.Escrow == 0 || c.Fees.Children == 0 {
		return fmt.Errorf("config: fee rates must be at least 1 sat/vB")
	}
	if c.Locks.CancelBlocks == 0 || c.Locks.RecoverBlocks == 0 {
		return fmt.Errorf("config: lock spans must be at least 1 block")
	}
	if c.Locks.CancelBlocks > 0xFFFF || c.Locks.RecoverBlocks > 0xFFFF {
		return fmt.Errorf("config: lock spans exceed the 16-bit CSV range")
	}
	return nil
}

// Load reads a config file, falling back to defaults when the file does
// not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to disk, creating parent directories.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
