package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"regtest", func(c *Config) { c.Network = "regtest" }, false},
		{"bad network", func(c *Config) { c.Network = "litecoin" }, true},
		{"zero escrow fee", func(c *Config) { c.Fees.Escrow = 0 }, true},
		{"zero children fee", func(c *Config) { c.Fees.Children = 0 }, true},
		{"zero cancel lock", func(c *Config) { c.Locks.CancelBlocks = 0 }, true},
		{"cancel lock too large", func(c *Config) { c.Locks.CancelBlocks = 0x10000 }, true},
		{"zero recover lock", func(c *Config) { c.Locks.RecoverBlocks = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != DefaultConfig().Network {
		t.Errorf("missing file should yield defaults, got network %q", cfg.Network)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Network = "signet"
	cfg.Fees.Escrow = 7
	cfg.Fees.Children = 3
	cfg.Locks.CancelBlocks = 144
	cfg.Logging.Level = "debug"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip mismatch: got %+v, want %+v", loaded, cfg)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network = "bogus"
	if err := cfg.Save(filepath.Join(t.TempDir(), "config.yaml")); err == nil {
		t.Error("invalid config saved without error")
	}
}
