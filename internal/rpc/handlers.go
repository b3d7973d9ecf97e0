package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/subswap-labs/subswapd/internal/coordinator"
	"github.com/subswap-labs/subswapd/internal/storage"
)

// SessionInfo is the wire form of a session journal row.
type SessionInfo struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	State         string `json:"state"`
	PaymentHash   string `json:"payment_hash,omitempty"`
	AmountSats    int64  `json:"amount_sats,omitempty"`
	Invoice       string `json:"invoice,omitempty"`
	HtlcAddress   string `json:"htlc_address,omitempty"`
	Timelock      uint32 `json:"timelock,omitempty"`
	Variant       string `json:"variant,omitempty"`
	FundingTxID   string `json:"funding_txid,omitempty"`
	FundingVout   uint32 `json:"funding_vout,omitempty"`
	SpendTxID     string `json:"spend_txid,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

func sessionToInfo(rec *storage.SessionRecord) *SessionInfo {
	return &SessionInfo{
		ID:            rec.ID,
		Role:          rec.Role,
		State:         rec.State,
		PaymentHash:   rec.PaymentHash,
		AmountSats:    rec.AmountSats,
		Invoice:       rec.Invoice,
		HtlcAddress:   rec.HtlcAddress,
		Timelock:      rec.Timelock,
		Variant:       rec.Variant,
		FundingTxID:   rec.FundingTxID,
		FundingVout:   rec.FundingVout,
		SpendTxID:     rec.SpendTxID,
		FailureReason: rec.FailureReason,
		CreatedAt:     rec.CreatedAt.Unix(),
		UpdatedAt:     rec.UpdatedAt.Unix(),
	}
}

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running     bool   `json:"running"`
	Version     string `json:"version"`
	BlockHeight int64  `json:"block_height"`
	Uptime      string `json:"uptime"`
	Active      int    `json:"active_sessions"`
	WSClients   int    `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	height, err := s.backend.GetBlockHeight(ctx)
	if err != nil {
		s.log.Debug("height query failed", "error", err)
		height = -1
	}

	active := 0
	if sessions, err := s.store.ListActiveSessions(); err == nil {
		active = len(sessions)
	}

	wsClients := 0
	if s.wsHub != nil {
		wsClients = s.wsHub.ClientCount()
	}

	return &NodeStatusResult{
		Running:     true,
		Version:     Version,
		BlockHeight: height,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Active:      active,
		WSClients:   wsClients,
	}, nil
}

// AddressParams selects a wallet key.
type AddressParams struct {
	Index uint32 `json:"index"`
}

// AddressResult is the response for wallet_getAddress.
type AddressResult struct {
	Index   uint32 `json:"index"`
	Address string `json:"address"`
}

func (s *Server) walletGetAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AddressParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	addr, err := s.wallet.Address(p.Index)
	if err != nil {
		return nil, err
	}
	return &AddressResult{Index: p.Index, Address: addr}, nil
}

func (s *Server) walletGetUTXOs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AddressParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	addr, err := s.wallet.Address(p.Index)
	if err != nil {
		return nil, err
	}
	return s.backend.ListUnspent(ctx, addr, 1)
}

// SwapOpenParams starts a user-side swap.
type SwapOpenParams struct {
	AmountSats uint64 `json:"amount_sats"`
	KeyIndex   uint32 `json:"key_index"`
}

// StartedResult acknowledges a background flow.
type StartedResult struct {
	Started bool   `json:"started"`
	Role    string `json:"role"`
}

// swapOpen launches the user deposit flow in the background. The flow
// blocks on the counterparty and on confirmations, well past any sane
// HTTP timeout; progress is observable via swap_list and the WebSocket
// session_state events.
func (s *Server) swapOpen(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapOpenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.AmountSats == 0 {
		return nil, fmt.Errorf("amount_sats is required")
	}

	go func() {
		rec, err := s.coordinator.RunUserDeposit(context.Background(), &coordinator.DepositRequest{
			AmountSats: p.AmountSats,
			KeyIndex:   p.KeyIndex,
		})
		if err != nil {
			s.log.Error("user deposit flow failed", "error", err)
			return
		}
		// Funding is in; hold until the LP's payment locks, then settle.
		if _, err := s.coordinator.RunUserSettle(context.Background(), rec.ID); err != nil {
			s.log.Error("user settle flow failed", "session", rec.ID, "error", err)
		}
	}()

	return &StartedResult{Started: true, Role: coordinator.RoleUser}, nil
}

// SwapServeParams serves one LP-side swap.
type SwapServeParams struct {
	KeyIndex uint32 `json:"key_index"`
}

func (s *Server) swapServe(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapServeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	go func() {
		if _, err := s.coordinator.RunLP(context.Background(), &coordinator.LPRequest{KeyIndex: p.KeyIndex}); err != nil {
			s.log.Error("lp flow failed", "error", err)
		}
	}()

	return &StartedResult{Started: true, Role: coordinator.RoleLP}, nil
}

// SwapSingleParams runs a single-process self-swap.
type SwapSingleParams struct {
	AmountSats     uint64 `json:"amount_sats"`
	ClaimKeyIndex  uint32 `json:"claim_key_index"`
	RefundKeyIndex uint32 `json:"refund_key_index"`
}

func (s *Server) swapSingle(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapSingleParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.AmountSats == 0 {
		return nil, fmt.Errorf("amount_sats is required")
	}

	go func() {
		if _, err := s.coordinator.RunSingle(context.Background(), &coordinator.SingleRequest{
			AmountSats:     p.AmountSats,
			ClaimKeyIndex:  p.ClaimKeyIndex,
			RefundKeyIndex: p.RefundKeyIndex,
		}); err != nil {
			s.log.Error("single flow failed", "error", err)
		}
	}()

	return &StartedResult{Started: true, Role: coordinator.RoleSingle}, nil
}

// SessionParams addresses an existing session.
type SessionParams struct {
	SessionID string `json:"session_id"`
	KeyIndex  uint32 `json:"key_index"`
}

func (s *Server) swapSettle(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	rec, err := s.coordinator.RunUserSettle(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return sessionToInfo(rec), nil
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	rec, err := s.coordinator.RunUserRefund(ctx, p.SessionID, p.KeyIndex)
	if err != nil {
		return nil, err
	}
	return sessionToInfo(rec), nil
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	rec, err := s.store.GetSession(p.SessionID)
	if err != nil {
		return nil, err
	}
	return sessionToInfo(rec), nil
}

// SwapListResult is the response for swap_list.
type SwapListResult struct {
	Sessions []*SessionInfo `json:"sessions"`
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	sessions, err := s.store.ListActiveSessions()
	if err != nil {
		return nil, err
	}
	out := make([]*SessionInfo, 0, len(sessions))
	for _, rec := range sessions {
		out = append(out, sessionToInfo(rec))
	}
	return &SwapListResult{Sessions: out}, nil
}

// AssetParams addresses one RGB asset on the off-chain node.
type AssetParams struct {
	AssetID string `json:"asset_id"`
}

func (s *Server) assetGetBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AssetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if s.ln == nil {
		return nil, fmt.Errorf("off-chain node not configured")
	}
	return s.ln.AssetBalance(ctx, p.AssetID)
}

func (s *Server) assetGetMetadata(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AssetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if s.ln == nil {
		return nil, fmt.Errorf("off-chain node not configured")
	}
	return s.ln.AssetMetadata(ctx, p.AssetID)
}

// AssetSendParams starts an RGB asset transfer.
type AssetSendParams struct {
	AssetID     string `json:"asset_id"`
	RecipientID string `json:"recipient_id"`
	Amount      uint64 `json:"amount"`
}

// AssetSendResult is the response for asset_send.
type AssetSendResult struct {
	TxID string `json:"txid"`
}

func (s *Server) assetSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AssetSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.AssetID == "" || p.RecipientID == "" || p.Amount == 0 {
		return nil, fmt.Errorf("asset_id, recipient_id and amount are required")
	}
	if s.ln == nil {
		return nil, fmt.Errorf("off-chain node not configured")
	}
	txid, err := s.ln.InitAssetTransfer(ctx, p.AssetID, p.RecipientID, p.Amount)
	if err != nil {
		return nil, err
	}
	return &AssetSendResult{TxID: txid}, nil
}

// AssetRefreshResult is the response for asset_refresh.
type AssetRefreshResult struct {
	Refreshed bool `json:"refreshed"`
}

// assetRefresh syncs pending transfers so a counterparty-initiated asset
// move becomes visible to asset_getBalance.
func (s *Server) assetRefresh(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.ln == nil {
		return nil, fmt.Errorf("off-chain node not configured")
	}
	if err := s.ln.RefreshTransfers(ctx); err != nil {
		return nil, err
	}
	return &AssetRefreshResult{Refreshed: true}, nil
}
