// Single-process flow: both swap halves in one daemon. No handoff channel
// and no counterparty; the flow funds an HTLC between two of its own keys
// and immediately claims it with the held preimage. Useful for exercising
// the full on-chain round trip on regtest and for wallet sweeps.
package coordinator

import (
	"context"
	"fmt"

	"github.com/subswap-labs/subswapd/internal/backend"
	"github.com/subswap-labs/subswapd/internal/storage"
	"github.com/subswap-labs/subswapd/internal/swap"
	"github.com/subswap-labs/subswapd/internal/wallet"
	"github.com/subswap-labs/subswapd/pkg/helpers"
)

// SingleRequest runs one self-swap.
type SingleRequest struct {
	AmountSats uint64

	// ClaimKeyIndex and RefundKeyIndex select the two wallet keys that
	// play the LP and user roles. They may differ to keep the paths
	// distinguishable on chain.
	ClaimKeyIndex  uint32
	RefundKeyIndex uint32

	// UTXOs to fund the deposit from; listed from the node when empty.
	UTXOs []backend.UTXO
}

// RunSingle derives the contract, funds it, waits for confirmation, and
// claims it back in one pass.
func (c *Coordinator) RunSingle(ctx context.Context, req *SingleRequest) (*storage.SessionRecord, error) {
	if req == nil || req.AmountSats == 0 {
		return nil, fmt.Errorf("%w: swap amount is required", swap.ErrInvalidInput)
	}

	preimage, err := swap.NewPreimage()
	if err != nil {
		return nil, err
	}
	hash := preimage.Hash()

	claimPub, err := c.wallet.PubKey(req.ClaimKeyIndex)
	if err != nil {
		return nil, err
	}
	refundPub, err := c.wallet.PubKey(req.RefundKeyIndex)
	if err != nil {
		return nil, err
	}
	height, err := c.backend.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain height: %w", err)
	}

	contract, err := swap.BuildContract(swap.ContractParams{
		PaymentHash:      hash,
		ClaimPubKey:      claimPub,
		RefundPubKey:     refundPub,
		Timelock:         uint32(height) + c.policy.LocktimeBlocks,
		Variant:          c.policy.Variant,
		TaprootRefundCSV: c.policy.TaprootRefundCSV,
	}, c.policy.Network)
	if err != nil {
		return nil, err
	}

	rec := c.newSession(RoleSingle)
	rec.PaymentHash = hash.String()
	rec.AmountSats = int64(req.AmountSats)
	rec.ClaimPubKey = helpers.BytesToHex(claimPub)
	rec.RefundPubKey = helpers.BytesToHex(refundPub)
	rec.Timelock = contract.Params.Timelock
	rec.Variant = contract.Params.Variant.String()
	rec.HtlcAddress = contract.Address

	if err := c.store.PutPreimage(hash.String(), preimage[:], "", c.policy.SealPassphrase); err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to seal preimage: %w", err))
	}

	utxos := req.UTXOs
	if len(utxos) == 0 {
		addr, err := c.wallet.Address(req.RefundKeyIndex)
		if err != nil {
			return rec, c.fail(rec, err)
		}
		utxos, err = c.backend.ListUnspent(ctx, addr, 1)
		if err != nil {
			return rec, c.fail(rec, fmt.Errorf("failed to list wallet utxos: %w", err))
		}
	}

	privKey, err := c.wallet.SigningKey(req.RefundKeyIndex)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	changeAddr, err := c.wallet.Address(req.RefundKeyIndex)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	_, rawHex, err := wallet.BuildDepositTx(&wallet.DepositParams{
		PrivKey:       privKey,
		UTXOs:         utxos,
		DestAddress:   contract.Address,
		ChangeAddress: changeAddr,
		AmountSats:    req.AmountSats,
		FeeRate:       c.policy.FeeRate,
		Network:       c.policy.Network,
	})
	if err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to build deposit: %w", err))
	}
	txid, err := c.backend.BroadcastTransaction(ctx, rawHex)
	if err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to broadcast deposit: %w", err))
	}
	c.log.Info("self-swap deposit broadcast", "session", rec.ID, "txid", txid)
	c.transition(rec, StateFunding)

	funding, err := c.monitor.WaitForFunding(ctx, contract.Address, c.policy.MinConfirmations)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	rec.FundingTxID = funding.TxID
	rec.FundingVout = funding.Vout
	rec.FundingValue = int64(funding.Value)
	c.transition(rec, StateClaimable)

	if err := c.claimFunding(ctx, rec, contract, funding, preimage, req.ClaimKeyIndex); err != nil {
		return rec, c.fail(rec, err)
	}
	c.transition(rec, StateCompleted)
	return rec, nil
}
