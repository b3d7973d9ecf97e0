// Package backend provides the Bitcoin full-node collaborator contract.
// This package never touches private keys; all signing happens in the swap
// and wallet packages.
package backend

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
)

// UTXO is an unspent transaction output as reported by the node.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"` // satoshis
	ScriptPubKey  string `json:"scriptpubkey"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction is a subset of a node's raw transaction response.
type Transaction struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex,omitempty"`
	BlockHash     string `json:"block_hash,omitempty"`
	Confirmations int64  `json:"confirmations"`
	Confirmed     bool   `json:"confirmed"`
	LockTime      uint32 `json:"locktime"`
}

// Backend is the synchronous request/response contract this system consumes
// from a Bitcoin full node. The transport behind it is not this package's
// concern beyond the bundled JSON-RPC implementation.
type Backend interface {
	// GetBlockHeight returns the current chain tip height.
	GetBlockHeight(ctx context.Context) (int64, error)

	// GetTransaction fetches a transaction by txid.
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// BroadcastTransaction submits a raw transaction and returns its txid.
	// A node rejection surfaces as ErrBroadcastFailed wrapping the node's
	// message.
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// ScanUTXOSet scans the UTXO set for outputs paying the address.
	// Primary funding-detection strategy; no wallet state required.
	ScanUTXOSet(ctx context.Context, address string) ([]UTXO, error)

	// ImportAddress registers a watch-only address with the node so that
	// ListUnspent can report its outputs. Fallback strategy.
	ImportAddress(ctx context.Context, address string) error

	// ListUnspent lists wallet-known unspent outputs for the address with
	// at least minConf confirmations.
	ListUnspent(ctx context.Context, address string, minConf int64) ([]UTXO, error)

	// TestMempoolAccept checks whether the node would accept the raw
	// transaction, without broadcasting it.
	TestMempoolAccept(ctx context.Context, rawTxHex string) error
}
