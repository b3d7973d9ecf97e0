// Package chain defines the Bitcoin networks the daemon can run against.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies a Bitcoin network. The zero value is invalid so an
// unconfigured network is caught at startup rather than at broadcast time.
type Network int

const (
	// NetworkUnknown is the invalid zero value.
	NetworkUnknown Network = iota

	// Mainnet is the production Bitcoin network.
	Mainnet

	// Testnet is the public test network (testnet3).
	Testnet

	// Signet is the signed test network.
	Signet

	// Regtest is a local regression-test network.
	Regtest
)

// ParseNetwork parses a network name as it appears in config files and flags.
func ParseNetwork(s string) (Network, error) {
	switch s {
	case "mainnet", "bitcoin":
		return Mainnet, nil
	case "testnet", "testnet3":
		return Testnet, nil
	case "signet":
		return Signet, nil
	case "regtest":
		return Regtest, nil
	default:
		return NetworkUnknown, fmt.Errorf("unknown network %q", s)
	}
}

// String returns the canonical config-file name of the network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Signet:
		return "signet"
	case Regtest:
		return "regtest"
	default:
		return "unknown"
	}
}

// Params returns the btcd chain parameters for address encoding and
// transaction building.
func (n Network) Params() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Signet:
		return &chaincfg.SigNetParams, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("no chain params for network %d", int(n))
	}
}

// Bech32HRP returns the bech32 human-readable prefix for the network.
func (n Network) Bech32HRP() string {
	params, err := n.Params()
	if err != nil {
		return ""
	}
	return params.Bech32HRPSegwit
}

// BlockInterval is the assumed average block spacing, in seconds, used for
// converting block counts into wall-clock safety margins.
const BlockInterval = 600
