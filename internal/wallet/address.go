// Package wallet - address parsing helpers.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/subswap-labs/subswapd/internal/chain"
)

// AddressScript decodes an address for the given network and returns its
// pkScript. Rejects addresses encoded for a different network.
func AddressScript(address string, network chain.Network) ([]byte, error) {
	params, err := network.Params()
	if err != nil {
		return nil, err
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address %q: %w", address, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not valid for %s", address, network)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build script for %q: %w", address, err)
	}

	return script, nil
}
