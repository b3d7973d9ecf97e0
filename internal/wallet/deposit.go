// Package wallet - deposit transaction building and signing.
package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/subswap-labs/subswapd/internal/backend"
	"github.com/subswap-labs/subswapd/internal/chain"
	"github.com/subswap-labs/subswapd/internal/swap"
)

// rbfSequence opts deposit inputs into replace-by-fee.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// DepositParams describes one HTLC funding payment.
type DepositParams struct {
	// PrivKey signs every input; all UTXOs must pay to its P2WPKH script.
	PrivKey *btcec.PrivateKey

	// UTXOs is the spendable set to select from.
	UTXOs []backend.UTXO

	// DestAddress is the HTLC address to fund.
	DestAddress string

	// ChangeAddress receives the remainder (normally our own P2WPKH).
	ChangeAddress string

	// AmountSats is the HTLC output value.
	AmountSats uint64

	// FeeRate in sat/vB.
	FeeRate uint64

	Network chain.Network
}

// BuildDepositTx selects coins, builds and signs the funding transaction.
// Inputs signal RBF so a stuck deposit can be fee-bumped before the swap
// proceeds. Returns the signed transaction and its hex serialization.
func BuildDepositTx(p *DepositParams) (*wire.MsgTx, string, error) {
	if p.PrivKey == nil {
		return nil, "", fmt.Errorf("%w: missing signing key", swap.ErrInvalidInput)
	}

	params, err := p.Network.Params()
	if err != nil {
		return nil, "", err
	}

	destScript, err := AddressScript(p.DestAddress, p.Network)
	if err != nil {
		return nil, "", fmt.Errorf("invalid destination address: %w", err)
	}

	selection, err := SelectUTXOs(p.UTXOs, p.AmountSats, p.FeeRate)
	if err != nil {
		return nil, "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(int64(p.AmountSats), destScript))

	if selection.HasChange {
		changeScript, err := AddressScript(p.ChangeAddress, p.Network)
		if err != nil {
			return nil, "", fmt.Errorf("invalid change address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(selection.Change), changeScript))
	}

	for _, utxo := range selection.UTXOs {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, "", fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil)
		txIn.Sequence = rbfSequence
		tx.AddTxIn(txIn)
	}

	// All inputs pay to the signing key's P2WPKH script.
	pubKeyHash := btcutil.Hash160(p.PrivKey.PubKey().SerializeCompressed())
	ourAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build signing address: %w", err)
	}
	ourScript, err := txscript.PayToAddrScript(ourAddr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build signing script: %w", err)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selection.UTXOs))
	for i, utxo := range selection.UTXOs {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(int64(utxo.Amount), ourScript)
	}
	prevOutFetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	for i, utxo := range selection.UTXOs {
		witness, err := txscript.WitnessSignature(
			tx,
			sigHashes,
			i,
			int64(utxo.Amount),
			ourScript,
			txscript.SigHashAll,
			p.PrivKey,
			true, // compressed
		)
		if err != nil {
			return nil, "", fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, "", fmt.Errorf("failed to serialize: %w", err)
	}

	return tx, hex.EncodeToString(buf.Bytes()), nil
}
