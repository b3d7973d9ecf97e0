// Package wallet - coin selection for deposit funding.
package wallet

import (
	"fmt"
	"sort"

	"github.com/subswap-labs/subswapd/internal/backend"
	"github.com/subswap-labs/subswapd/internal/swap"
)

// vsize shares for the deposit transaction shape: P2WPKH inputs, one
// payment output (P2WSH or P2TR, both 43 vB) and one P2WPKH change output.
const (
	depositBaseVBytes   = 11
	depositInputVBytes  = 68
	paymentOutputVBytes = 43
	changeOutputVBytes  = 31

	// dustChange is the floor under which change is folded into the fee
	// instead of creating an uneconomical output.
	dustChange = 294
)

// Selection is the result of coin selection for one deposit.
type Selection struct {
	UTXOs      []backend.UTXO
	TotalInput uint64

	// Fee covers the selected inputs plus payment and, when HasChange,
	// the change output.
	Fee       uint64
	Change    uint64
	HasChange bool
}

// SelectUTXOs picks coins for a payment of amount satoshis at feeRate sat/vB.
// Greedy largest-first; stops as soon as inputs cover amount + fee. The
// returned selection never carries dust change: a sub-dust remainder is
// absorbed into the fee. Fails with ErrInsufficientFunds when the set
// cannot cover amount + fee.
func SelectUTXOs(utxos []backend.UTXO, amount, feeRate uint64) (*Selection, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", swap.ErrInvalidInput)
	}
	if feeRate == 0 {
		return nil, fmt.Errorf("%w: fee rate must be positive", swap.ErrInvalidInput)
	}

	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var selected []backend.UTXO
	var total uint64

	for _, utxo := range sorted {
		selected = append(selected, utxo)
		total += utxo.Amount

		// Try the two-output shape first.
		feeWithChange := estimateDepositFee(len(selected), true, feeRate)
		if total >= amount+feeWithChange {
			change := total - amount - feeWithChange
			if change >= dustChange {
				return &Selection{
					UTXOs:      selected,
					TotalInput: total,
					Fee:        feeWithChange,
					Change:     change,
					HasChange:  true,
				}, nil
			}
			// Remainder too small for a change output; pay it as fee.
			return &Selection{
				UTXOs:      selected,
				TotalInput: total,
				Fee:        total - amount,
			}, nil
		}

		// A changeless split may still fit when the remainder is small.
		feeNoChange := estimateDepositFee(len(selected), false, feeRate)
		if total >= amount+feeNoChange {
			return &Selection{
				UTXOs:      selected,
				TotalInput: total,
				Fee:        total - amount,
			}, nil
		}
	}

	need := amount + estimateDepositFee(len(selected), false, feeRate)
	return nil, fmt.Errorf("%w: need %d sats, have %d", swap.ErrInsufficientFunds, need, total)
}

// estimateDepositFee returns the flat fee for numInputs P2WPKH inputs and
// the payment output, plus a change output when withChange.
func estimateDepositFee(numInputs int, withChange bool, feeRate uint64) uint64 {
	vsize := uint64(depositBaseVBytes + numInputs*depositInputVBytes + paymentOutputVBytes)
	if withChange {
		vsize += changeOutputVBytes
	}
	return vsize * feeRate
}
