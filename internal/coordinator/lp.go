// LP-side flow: answer a pending swap with HTLC parameters, pay the
// invoice once the deposit confirms, and claim the on-chain output with
// the revealed preimage.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/subswap-labs/subswapd/internal/handoff"
	"github.com/subswap-labs/subswapd/internal/rln"
	"github.com/subswap-labs/subswapd/internal/storage"
	"github.com/subswap-labs/subswapd/internal/swap"
	"github.com/subswap-labs/subswapd/pkg/helpers"
)

// LPRequest serves one incoming swap.
type LPRequest struct {
	// KeyIndex selects the wallet key for the claim path and the payout
	// destination.
	KeyIndex uint32
}

// RunLP serves one swap end to end: await the user's pending swap, derive
// and publish the HTLC, wait for the confirmed deposit, pay the hodl
// invoice, and claim the output with the preimage the settlement reveals.
//
// The LP only ever pays after the deposit is confirmed at the derived
// address, so a failed or cancelled payment costs it nothing on chain.
func (c *Coordinator) RunLP(ctx context.Context, req *LPRequest) (*storage.SessionRecord, error) {
	if err := c.policy.CheckTimelockMargin(); err != nil {
		return nil, err
	}
	if c.peer == nil {
		return nil, fmt.Errorf("%w: lp flow requires a handoff peer", swap.ErrInvalidInput)
	}
	if req == nil {
		req = &LPRequest{}
	}

	var pending handoff.PendingSwap
	if err := c.peer.Await(ctx, handoff.SlotPendingSwap, &pending); err != nil {
		return nil, fmt.Errorf("failed to receive pending swap: %w", err)
	}

	rec := c.newSession(RoleLP)
	rec.PaymentHash = pending.PaymentHash
	rec.AmountSats = int64(pending.AmountSats)
	rec.Invoice = pending.Invoice
	rec.RefundPubKey = pending.RefundPubKey

	contract, err := c.deriveLPContract(ctx, &pending, req.KeyIndex)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	rec.ClaimPubKey = helpers.BytesToHex(contract.Params.ClaimPubKey)
	rec.Timelock = contract.Params.Timelock
	rec.Variant = contract.Params.Variant.String()
	rec.HtlcAddress = contract.Address

	if err := c.peer.Publish(ctx, handoff.SlotHtlcParams, &handoff.HtlcParams{
		SwapID:       pending.SwapID,
		PaymentHash:  pending.PaymentHash,
		ClaimPubKey:  rec.ClaimPubKey,
		RefundPubKey: pending.RefundPubKey,
		Timelock:     contract.Params.Timelock,
		Variant:      contract.Params.Variant.String(),
		Address:      contract.Address,
		PkScript:     contract.PkScriptHex(),
	}); err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to publish HTLC params: %w", err))
	}
	c.transition(rec, StateAwaitingFunding)

	var coords handoff.FundingCoords
	if err := c.peer.Await(ctx, handoff.SlotFundingCoords, &coords); err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to receive funding coords: %w", err))
	}

	// The coordinates are a hint; the chain is the source of truth.
	funding, err := c.monitor.WaitForFunding(ctx, contract.Address, c.policy.MinConfirmations)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	if !bytes.Equal(funding.PkScript, contract.PkScript) {
		return rec, c.fail(rec, fmt.Errorf("%w: confirmed deposit script differs from contract",
			swap.ErrCounterpartyMismatch))
	}
	if funding.Value < pending.AmountSats {
		return rec, c.fail(rec, fmt.Errorf("%w: deposit %d sats below agreed %d",
			swap.ErrCounterpartyMismatch, funding.Value, pending.AmountSats))
	}
	rec.FundingTxID = funding.TxID
	rec.FundingVout = funding.Vout
	rec.FundingValue = int64(funding.Value)
	c.transition(rec, StatePayingInvoice)

	if _, err := c.ln.PayInvoice(ctx, pending.Invoice); err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to pay invoice: %w", err))
	}

	preimage, err := c.awaitPreimage(ctx, rec)
	if err != nil {
		return rec, c.fail(rec, err)
	}

	if err := c.claimFunding(ctx, rec, contract, funding, preimage, req.KeyIndex); err != nil {
		return rec, c.fail(rec, err)
	}
	c.transition(rec, StateCompleted)
	return rec, nil
}

// deriveLPContract validates the user's opening artifact against the
// decoded invoice and derives the HTLC with a fresh timelock above the
// current tip.
func (c *Coordinator) deriveLPContract(ctx context.Context, pending *handoff.PendingSwap, keyIndex uint32) (*swap.Contract, error) {
	decoded, err := c.ln.DecodeInvoice(ctx, pending.Invoice)
	if err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}
	if decoded.PaymentHash != pending.PaymentHash {
		return nil, fmt.Errorf("%w: invoice hash %s does not match announced %s",
			swap.ErrCounterpartyMismatch, decoded.PaymentHash, pending.PaymentHash)
	}
	if decoded.AmountSats() != pending.AmountSats {
		return nil, fmt.Errorf("%w: invoice amount %d does not match announced %d",
			swap.ErrCounterpartyMismatch, decoded.AmountSats(), pending.AmountSats)
	}

	hash, err := swap.HashFromHex(pending.PaymentHash)
	if err != nil {
		return nil, err
	}
	refundPub, err := helpers.HexToBytesN(pending.RefundPubKey, 33)
	if err != nil {
		return nil, fmt.Errorf("%w: bad refund pubkey: %v", swap.ErrCounterpartyMismatch, err)
	}
	claimPub, err := c.wallet.PubKey(keyIndex)
	if err != nil {
		return nil, err
	}

	height, err := c.backend.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain height: %w", err)
	}

	return swap.BuildContract(swap.ContractParams{
		PaymentHash:      hash,
		ClaimPubKey:      claimPub,
		RefundPubKey:     refundPub,
		Timelock:         uint32(height) + c.policy.LocktimeBlocks,
		Variant:          c.policy.Variant,
		TaprootRefundCSV: c.policy.TaprootRefundCSV,
	}, c.policy.Network)
}

// awaitPreimage polls the outgoing payment until it settles and returns
// the revealed preimage, verified against the session's payment hash.
func (c *Coordinator) awaitPreimage(ctx context.Context, rec *storage.SessionRecord) (swap.Preimage, error) {
	var zero swap.Preimage

	for attempt := 1; attempt <= c.policy.StatusMaxAttempts; attempt++ {
		payment, err := c.ln.GetPayment(ctx, rec.PaymentHash)
		if err != nil {
			c.log.Debug("payment status poll failed", "session", rec.ID, "attempt", attempt, "error", err)
		} else if payment.Status.Terminal() {
			if payment.Status != rln.PaymentSucceeded || payment.Preimage == "" {
				return zero, fmt.Errorf("payment %s failed without revealing preimage", rec.PaymentHash)
			}
			preimage, err := swap.PreimageFromHex(payment.Preimage)
			if err != nil {
				return zero, err
			}
			hash, err := swap.HashFromHex(rec.PaymentHash)
			if err != nil {
				return zero, err
			}
			if !preimage.Matches(hash) {
				return zero, fmt.Errorf("%w: node returned preimage for wrong hash",
					swap.ErrPreimageVerificationFailed)
			}
			return preimage, nil
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(c.policy.StatusPollInterval):
		}
	}

	return zero, fmt.Errorf("%w: payment %s not terminal after %d polls",
		swap.ErrPaymentTimeout, rec.PaymentHash, c.policy.StatusMaxAttempts)
}

// claimFunding signs and broadcasts the claim spend and journals the
// preimage as revealed. Shared by the LP flow and the recovery path: a
// restarted daemon that finds a revealed preimage for a still-funded
// session claims through this.
func (c *Coordinator) claimFunding(ctx context.Context, rec *storage.SessionRecord, contract *swap.Contract, funding *swap.FundingUtxo, preimage swap.Preimage, keyIndex uint32) error {
	// Seal before broadcast; a crash mid-claim recovers the preimage from
	// the journal instead of losing it with the process.
	if err := c.store.PutPreimage(rec.PaymentHash, preimage[:], rec.Invoice, c.policy.SealPassphrase); err != nil && !errors.Is(err, storage.ErrPreimageExists) {
		c.log.Warn("failed to seal revealed preimage", "session", rec.ID, "error", err)
	}
	if err := c.store.MarkRevealed(rec.PaymentHash); err != nil {
		c.log.Warn("failed to mark preimage revealed", "session", rec.ID, "error", err)
	}

	privKey, err := c.wallet.SigningKey(keyIndex)
	if err != nil {
		return err
	}
	dest, err := c.wallet.Address(keyIndex)
	if err != nil {
		return err
	}

	tx, err := swap.BuildClaimTx(&swap.ClaimTxParams{
		Contract:    contract,
		Funding:     funding,
		Preimage:    preimage,
		DestAddress: dest,
		FeeRate:     c.policy.FeeRate,
		ClaimKey:    privKey,
	})
	if err != nil {
		return err
	}
	rawHex, err := swap.SerializeTx(tx)
	if err != nil {
		return err
	}

	if err := c.backend.TestMempoolAccept(ctx, rawHex); err != nil {
		return fmt.Errorf("claim rejected by mempool: %w", err)
	}
	txid, err := c.backend.BroadcastTransaction(ctx, rawHex)
	if err != nil {
		return fmt.Errorf("failed to broadcast claim: %w", err)
	}
	rec.SpendTxID = txid
	return nil
}
