package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/subswap-labs/subswapd/internal/swap"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error: %v", err)
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		input   string
		want    Role
		wantErr bool
	}{
		{"user", RoleUser, false},
		{"lp", RoleLP, false},
		{"single", RoleSingle, false},
		{"maker", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseRole(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRole(%q) accepted invalid role", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRole(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestValidateRejectsUnsafeTimelock(t *testing.T) {
	cfg := DefaultConfig()
	// 7 blocks is ~4200s, below the 3600s expiry + 3600s cushion.
	cfg.Swap.LocktimeBlocks = 7
	cfg.Swap.InvoiceExpirySec = 3600

	err := cfg.Validate()
	if !errors.Is(err, swap.ErrUnsafeTimelockMargin) {
		t.Errorf("Validate() error = %v, want ErrUnsafeTimelockMargin", err)
	}
}

func TestValidateTimelockBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Swap.InvoiceExpirySec = 3600

	// Exactly equal to expiry + cushion is still unsafe.
	cfg.Swap.LocktimeBlocks = 12 // 7200s == 3600 + 3600
	if err := cfg.Validate(); !errors.Is(err, swap.ErrUnsafeTimelockMargin) {
		t.Errorf("boundary Validate() error = %v, want ErrUnsafeTimelockMargin", err)
	}

	cfg.Swap.LocktimeBlocks = 13 // 7800s, one block of slack
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with one block of slack error: %v", err)
	}
}

func TestValidateRejectsBadEnums(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network = "litecoin"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted unknown network")
	}

	cfg = DefaultConfig()
	cfg.Role = "arbiter"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted unknown role")
	}

	cfg = DefaultConfig()
	cfg.Swap.Variant = "p2sh"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted unknown variant")
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Network != "regtest" {
		t.Errorf("default Network = %q, want regtest", cfg.Network)
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Network = "signet"
	cfg.Role = "lp"
	cfg.Bitcoin.FeeRate = 7
	cfg.Swap.Variant = "taproot"
	if err := cfg.Save(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if loaded.Network != "signet" || loaded.Role != "lp" {
		t.Errorf("loaded network/role = %q/%q, want signet/lp", loaded.Network, loaded.Role)
	}
	if loaded.Bitcoin.FeeRate != 7 {
		t.Errorf("loaded FeeRate = %d, want 7", loaded.Bitcoin.FeeRate)
	}
	if loaded.Swap.Variant != "taproot" {
		t.Errorf("loaded Variant = %q, want taproot", loaded.Swap.Variant)
	}
}
