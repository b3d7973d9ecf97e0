// Package backend - Bitcoin Core JSON-RPC implementation of Backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync/atomic"
	"time"
)

// JSONRPCBackend talks to a Bitcoin Core node over HTTP JSON-RPC.
type JSONRPCBackend struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewJSONRPCBackend creates a backend for the node at rpcURL using HTTP
// basic auth. An httpClient may be injected; nil gets a 30s-timeout default.
func NewJSONRPCBackend(rpcURL, user, pass string, httpClient *http.Client) *JSONRPCBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &JSONRPCBackend{
		rpcURL:     rpcURL,
		rpcUser:    user,
		rpcPass:    pass,
		httpClient: httpClient,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (j *JSONRPCBackend) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      j.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if j.rpcUser != "" {
		req.SetBasicAuth(j.rpcUser, j.rpcPass)
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotConnected, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse %s response (http %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// GetBlockHeight returns the current chain tip height via getblockcount.
func (j *JSONRPCBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	result, err := j.call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, fmt.Errorf("failed to parse block height: %w", err)
	}
	return height, nil
}

// GetTransaction fetches a transaction via getrawtransaction (verbose).
func (j *JSONRPCBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	result, err := j.call(ctx, "getrawtransaction", []interface{}{txID, true})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
	}

	var raw struct {
		TxID          string `json:"txid"`
		Hex           string `json:"hex"`
		BlockHash     string `json:"blockhash"`
		Confirmations int64  `json:"confirmations"`
		LockTime      uint32 `json:"locktime"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	return &Transaction{
		TxID:          raw.TxID,
		Hex:           raw.Hex,
		BlockHash:     raw.BlockHash,
		Confirmations: raw.Confirmations,
		Confirmed:     raw.Confirmations > 0,
		LockTime:      raw.LockTime,
	}, nil
}

// BroadcastTransaction submits a raw transaction via sendrawtransaction.
func (j *JSONRPCBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	result, err := j.call(ctx, "sendrawtransaction", []interface{}{rawTxHex})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", fmt.Errorf("failed to parse broadcast result: %w", err)
	}
	return txID, nil
}

// ScanUTXOSet scans the chain's UTXO set for outputs paying the address.
// scantxoutset walks the full set on first call; Bitcoin Core caches the
// scan for subsequent ones.
func (j *JSONRPCBackend) ScanUTXOSet(ctx context.Context, address string) ([]UTXO, error) {
	result, err := j.call(ctx, "scantxoutset", []interface{}{
		"start",
		[]string{"addr(" + address + ")"},
	})
	if err != nil {
		return nil, fmt.Errorf("scantxoutset failed: %w", err)
	}

	var scan struct {
		Success bool  `json:"success"`
		Height  int64 `json:"height"`
		Unspent []struct {
			TxID   string  `json:"txid"`
			Vout   uint32  `json:"vout"`
			Script string  `json:"scriptPubKey"`
			Amount float64 `json:"amount"`
			Height int64   `json:"height"`
		} `json:"unspents"`
	}
	if err := json.Unmarshal(result, &scan); err != nil {
		return nil, fmt.Errorf("failed to parse scantxoutset result: %w", err)
	}
	if !scan.Success {
		return nil, fmt.Errorf("scantxoutset scan did not complete")
	}

	utxos := make([]UTXO, 0, len(scan.Unspent))
	for _, u := range scan.Unspent {
		confirmations := int64(0)
		if u.Height > 0 {
			confirmations = scan.Height - u.Height + 1
		}
		utxos = append(utxos, UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        btcToSats(u.Amount),
			ScriptPubKey:  u.Script,
			Confirmations: confirmations,
			BlockHeight:   u.Height,
		})
	}
	return utxos, nil
}

// ImportAddress registers a watch-only address without rescanning.
func (j *JSONRPCBackend) ImportAddress(ctx context.Context, address string) error {
	_, err := j.call(ctx, "importaddress", []interface{}{address, "", false})
	if err != nil {
		return fmt.Errorf("importaddress failed: %w", err)
	}
	return nil
}

// ListUnspent lists wallet-known unspent outputs for the address.
func (j *JSONRPCBackend) ListUnspent(ctx context.Context, address string, minConf int64) ([]UTXO, error) {
	result, err := j.call(ctx, "listunspent", []interface{}{minConf, 9999999, []string{address}})
	if err != nil {
		return nil, fmt.Errorf("listunspent failed: %w", err)
	}

	var raw []struct {
		TxID          string  `json:"txid"`
		Vout          uint32  `json:"vout"`
		Script        string  `json:"scriptPubKey"`
		Amount        float64 `json:"amount"`
		Confirmations int64   `json:"confirmations"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse listunspent result: %w", err)
	}

	utxos := make([]UTXO, 0, len(raw))
	for _, u := range raw {
		utxos = append(utxos, UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        btcToSats(u.Amount),
			ScriptPubKey:  u.Script,
			Confirmations: u.Confirmations,
		})
	}
	return utxos, nil
}

// TestMempoolAccept dry-runs a broadcast via testmempoolaccept.
func (j *JSONRPCBackend) TestMempoolAccept(ctx context.Context, rawTxHex string) error {
	result, err := j.call(ctx, "testmempoolaccept", []interface{}{[]string{rawTxHex}})
	if err != nil {
		return fmt.Errorf("testmempoolaccept failed: %w", err)
	}

	var verdicts []struct {
		Allowed      bool   `json:"allowed"`
		RejectReason string `json:"reject-reason"`
	}
	if err := json.Unmarshal(result, &verdicts); err != nil {
		return fmt.Errorf("failed to parse testmempoolaccept result: %w", err)
	}
	if len(verdicts) == 0 {
		return fmt.Errorf("testmempoolaccept returned no verdict")
	}
	if !verdicts[0].Allowed {
		return fmt.Errorf("%w: %s", ErrBroadcastFailed, verdicts[0].RejectReason)
	}
	return nil
}

// btcToSats converts the node's BTC-denominated float amounts to satoshis.
func btcToSats(btc float64) uint64 {
	return uint64(math.Round(btc * 1e8))
}

var _ Backend = (*JSONRPCBackend)(nil)
