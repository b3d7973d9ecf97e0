// Package config provides centralized configuration for the swap daemon.
// All tunable parameters (RPC endpoints, fee rate, timelock policy, handoff
// bounds) MUST be defined here; no hardcoded values should exist elsewhere.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/subswap-labs/subswapd/internal/chain"
	"github.com/subswap-labs/subswapd/internal/swap"
)

// Role selects which side of the protocol this process drives.
type Role string

const (
	// RoleUser runs the deposit and settlement flows.
	RoleUser Role = "user"

	// RoleLP runs the liquidity provider operator flow.
	RoleLP Role = "lp"

	// RoleSingle folds both roles into one process (legacy deployments).
	RoleSingle Role = "single"
)

// ParseRole maps a config string to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleLP, RoleSingle:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q (want user, lp or single)", s)
	}
}

// safetyCushionSec is added on top of the invoice expiry when judging
// whether the on-chain timelock leaves the LP enough room to claim. One
// hour at the assumed 10-minute block interval.
const safetyCushionSec = 3600

// Config holds all configuration for the swap daemon.
type Config struct {
	// Network is the Bitcoin network name (mainnet, testnet, signet, regtest).
	Network string `yaml:"network"`

	// Role selects the protocol flow this process drives.
	Role string `yaml:"role"`

	// Bitcoin is the full-node RPC collaborator.
	Bitcoin BitcoinConfig `yaml:"bitcoin"`

	// RLN is the off-chain payment/asset node.
	RLN RLNConfig `yaml:"rln"`

	// Handoff configures the inter-role coordination channel.
	Handoff HandoffConfig `yaml:"handoff"`

	// Swap holds protocol policy knobs.
	Swap SwapConfig `yaml:"swap"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BitcoinConfig holds Bitcoin Core RPC settings.
type BitcoinConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	RPCUser string `yaml:"rpc_user"`
	RPCPass string `yaml:"rpc_pass"`

	// MinConfirmations before HTLC funding is considered final.
	MinConfirmations uint32 `yaml:"min_confirmations"`

	// FeeRate in sat/vB for claim, refund and deposit transactions.
	FeeRate uint64 `yaml:"fee_rate"`
}

// RLNConfig holds the off-chain node's REST endpoint.
type RLNConfig struct {
	URL string `yaml:"url"`
}

// HandoffConfig holds the coordination channel settings. ListenAddr is our
// server; PeerURL is the counterparty's.
type HandoffConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	PeerURL    string `yaml:"peer_url"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	PollMaxInterval time.Duration `yaml:"poll_max_interval"`
	PollMaxAttempts int           `yaml:"poll_max_attempts"`
}

// SwapConfig holds protocol policy parameters.
type SwapConfig struct {
	// LocktimeBlocks is the refund timelock, expressed as blocks above the
	// current height at contract construction.
	LocktimeBlocks uint32 `yaml:"locktime_blocks"`

	// InvoiceExpirySec is the expiry requested on created invoices.
	InvoiceExpirySec uint32 `yaml:"invoice_expiry_sec"`

	// Variant selects the HTLC output encoding (segwit-v0 or taproot).
	Variant string `yaml:"variant"`

	// TaprootRefundCSV switches the taproot refund leaf to a relative
	// (CSV) timelock instead of the default absolute one.
	TaprootRefundCSV bool `yaml:"taproot_refund_csv"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database and key material.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible regtest defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: "regtest",
		Role:    string(RoleSingle),
		Bitcoin: BitcoinConfig{
			RPCURL:           "http://127.0.0.1:18443",
			RPCUser:          "user",
			RPCPass:          "password",
			MinConfirmations: 1,
			FeeRate:          2,
		},
		RLN: RLNConfig{
			URL: "http://127.0.0.1:3001",
		},
		Handoff: HandoffConfig{
			ListenAddr:      "127.0.0.1:9735",
			PeerURL:         "http://127.0.0.1:9736",
			PollInterval:    time.Second,
			PollMaxInterval: 15 * time.Second,
			PollMaxAttempts: 40,
		},
		Swap: SwapConfig{
			LocktimeBlocks:   144,
			InvoiceExpirySec: 3600,
			Variant:          "segwit-v0",
		},
		Storage: StorageConfig{
			DataDir: "~/.subswap",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Validate checks enum fields and the timelock safety margin. A config that
// fails here must stop the daemon before any network call is made.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(c.Network); err != nil {
		return err
	}
	if _, err := ParseRole(c.Role); err != nil {
		return err
	}
	if _, err := swap.ParseScriptVariant(c.Swap.Variant); err != nil {
		return err
	}

	if c.Bitcoin.FeeRate == 0 {
		return fmt.Errorf("%w: fee_rate must be positive", swap.ErrInvalidInput)
	}
	if c.Swap.LocktimeBlocks == 0 {
		return fmt.Errorf("%w: locktime_blocks must be positive", swap.ErrInvalidInput)
	}
	if c.Handoff.PollMaxAttempts <= 0 {
		return fmt.Errorf("%w: poll_max_attempts must be positive", swap.ErrInvalidInput)
	}

	return c.validateTimelockMargin()
}

// validateTimelockMargin rejects timelocks that could expire before the
// held invoice does. The refund path becoming spendable while the payment
// is still in flight would let the depositor claw back a paid HTLC.
func (c *Config) validateTimelockMargin() error {
	timelockSec := uint64(c.Swap.LocktimeBlocks) * chain.BlockInterval
	required := uint64(c.Swap.InvoiceExpirySec) + safetyCushionSec
	if timelockSec <= required {
		return fmt.Errorf("%w: %d blocks (~%ds) does not cover invoice expiry %ds plus %ds cushion",
			swap.ErrUnsafeTimelockMargin, c.Swap.LocktimeBlocks, timelockSec,
			c.Swap.InvoiceExpirySec, uint64(safetyCushionSec))
	}
	return nil
}

// ParsedNetwork returns the validated Network enum.
func (c *Config) ParsedNetwork() chain.Network {
	network, _ := chain.ParseNetwork(c.Network)
	return network
}

// ParsedRole returns the validated Role enum.
func (c *Config) ParsedRole() Role {
	role, _ := ParseRole(c.Role)
	return role
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file under dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := []byte("# Subswap Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
