// User-side flows: open a swap, fund the HTLC, and reclaim via the refund
// path when the counterparty never pays.
package coordinator

import (
	"bytes"
	"context"
	"fmt"

	"github.com/subswap-labs/subswapd/internal/backend"
	"github.com/subswap-labs/subswapd/internal/handoff"
	"github.com/subswap-labs/subswapd/internal/storage"
	"github.com/subswap-labs/subswapd/internal/swap"
	"github.com/subswap-labs/subswapd/internal/wallet"
	"github.com/subswap-labs/subswapd/pkg/helpers"
)

// DepositRequest opens a user-side swap.
type DepositRequest struct {
	// AmountSats is the swap value: the hodl invoice amount and the HTLC
	// output value.
	AmountSats uint64

	// KeyIndex selects the wallet key for the refund path, the deposit
	// inputs, and change.
	KeyIndex uint32

	// UTXOs to fund the deposit from. When empty the coordinator lists
	// them from the node for the wallet address.
	UTXOs []backend.UTXO
}

// RunUserDeposit drives the user flow through funding: create the invoice,
// hand it to the LP, re-derive the HTLC the LP proposes, fund it on chain,
// and publish the funding coordinates. It returns once the deposit has the
// required confirmations; settlement runs separately via RunUserSettle.
//
// The timelock margin is checked before any network call so an unsafe
// configuration fails immediately with nothing to unwind.
func (c *Coordinator) RunUserDeposit(ctx context.Context, req *DepositRequest) (*storage.SessionRecord, error) {
	if err := c.policy.CheckTimelockMargin(); err != nil {
		return nil, err
	}
	if req == nil || req.AmountSats == 0 {
		return nil, fmt.Errorf("%w: deposit amount is required", swap.ErrInvalidInput)
	}
	if c.peer == nil {
		return nil, fmt.Errorf("%w: user flow requires a handoff peer", swap.ErrInvalidInput)
	}

	preimage, err := swap.NewPreimage()
	if err != nil {
		return nil, err
	}
	hash := preimage.Hash()

	rec := c.newSession(RoleUser)
	rec.PaymentHash = hash.String()
	rec.AmountSats = int64(req.AmountSats)

	invoice, err := c.ln.CreateHodlInvoice(ctx, hash.String(), req.AmountSats*1000, uint32(c.policy.InvoiceExpirySec))
	if err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to create hodl invoice: %w", err))
	}
	rec.Invoice = invoice.Invoice

	// Seal the preimage before the invoice ever leaves this process. A
	// crash after this point recovers it from the journal.
	if err := c.store.PutPreimage(hash.String(), preimage[:], invoice.Invoice, c.policy.SealPassphrase); err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to seal preimage: %w", err))
	}

	refundPub, err := c.wallet.PubKey(req.KeyIndex)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	rec.RefundPubKey = helpers.BytesToHex(refundPub)
	c.transition(rec, StateInvoiceIssued)

	if err := c.peer.Publish(ctx, handoff.SlotPendingSwap, &handoff.PendingSwap{
		SwapID:       rec.ID,
		Invoice:      invoice.Invoice,
		PaymentHash:  hash.String(),
		RefundPubKey: rec.RefundPubKey,
		AmountSats:   req.AmountSats,
	}); err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to publish pending swap: %w", err))
	}
	c.transition(rec, StateAwaitingParams)

	var params handoff.HtlcParams
	if err := c.peer.Await(ctx, handoff.SlotHtlcParams, &params); err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to receive HTLC params: %w", err))
	}

	contract, err := c.verifyHtlcParams(ctx, &params, hash, refundPub)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	rec.ClaimPubKey = params.ClaimPubKey
	rec.Timelock = contract.Params.Timelock
	rec.Variant = contract.Params.Variant.String()
	rec.HtlcAddress = contract.Address

	utxos := req.UTXOs
	if len(utxos) == 0 {
		addr, err := c.wallet.Address(req.KeyIndex)
		if err != nil {
			return rec, c.fail(rec, err)
		}
		utxos, err = c.backend.ListUnspent(ctx, addr, 1)
		if err != nil {
			return rec, c.fail(rec, fmt.Errorf("failed to list wallet utxos: %w", err))
		}
	}

	privKey, err := c.wallet.SigningKey(req.KeyIndex)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	changeAddr, err := c.wallet.Address(req.KeyIndex)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	tx, rawHex, err := wallet.BuildDepositTx(&wallet.DepositParams{
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

	if err := c.backend.TestMempoolAccept(ctx, rawHex); err != nil {
		return rec, c.fail(rec, fmt.Errorf("deposit rejected by mempool: %w", err))
	}
	txid, err := c.backend.BroadcastTransaction(ctx, rawHex)
	if err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to broadcast deposit: %w", err))
	}

	vout := -1
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, contract.PkScript) {
			vout = i
			break
		}
	}
	if vout < 0 {
		// Unreachable: the deposit was built to pay contract.Address.
		return rec, c.fail(rec, fmt.Errorf("deposit %s has no HTLC output", txid))
	}
	rec.FundingTxID = txid
	rec.FundingVout = uint32(vout)
	rec.FundingValue = int64(req.AmountSats)
	c.transition(rec, StateFunding)

	if err := c.peer.Publish(ctx, handoff.SlotFundingCoords, &handoff.FundingCoords{
		SwapID:    rec.ID,
		TxID:      txid,
		Vout:      uint32(vout),
		ValueSats: req.AmountSats,
	}); err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to publish funding coords: %w", err))
	}

	utxo, err := c.monitor.WaitForFunding(ctx, contract.Address, c.policy.MinConfirmations)
	if err != nil {
		return rec, c.fail(rec, err)
	}
	if !bytes.Equal(utxo.PkScript, contract.PkScript) {
		return rec, c.fail(rec, fmt.Errorf("%w: confirmed deposit script differs from contract",
			swap.ErrCounterpartyMismatch))
	}

	c.transition(rec, StateWaitingClaimable)
	return rec, nil
}

// verifyHtlcParams re-derives the HTLC locally from the peer's published
// parameters. The payment hash and refund pubkey must be ours; the
// timelock must leave the safety margin from the current height. The
// published address is advisory only: a mismatch against the local
// derivation is logged and the local result wins.
func (c *Coordinator) verifyHtlcParams(ctx context.Context, p *handoff.HtlcParams, hash swap.PaymentHash, refundPub []byte) (*swap.Contract, error) {
	if p.PaymentHash != hash.String() {
		return nil, fmt.Errorf("%w: peer answered for payment hash %s", swap.ErrCounterpartyMismatch, p.PaymentHash)
	}
	if p.RefundPubKey != helpers.BytesToHex(refundPub) {
		return nil, fmt.Errorf("%w: peer substituted the refund pubkey", swap.ErrCounterpartyMismatch)
	}
	claimPub, err := helpers.HexToBytesN(p.ClaimPubKey, 33)
	if err != nil {
		return nil, fmt.Errorf("%w: bad claim pubkey: %v", swap.ErrCounterpartyMismatch, err)
	}
	variant, err := swap.ParseScriptVariant(p.Variant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrCounterpartyMismatch, err)
	}

	height, err := c.backend.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain height: %w", err)
	}
	if int64(p.Timelock) <= height {
		return nil, fmt.Errorf("%w: timelock %d is not above height %d", swap.ErrCounterpartyMismatch, p.Timelock, height)
	}
	if err := checkMargin(uint32(int64(p.Timelock)-height), c.policy.InvoiceExpirySec); err != nil {
		return nil, fmt.Errorf("%w: peer timelock %d too close to height %d", swap.ErrCounterpartyMismatch, p.Timelock, height)
	}

	contract, err := swap.BuildContract(swap.ContractParams{
		PaymentHash:      hash,
		ClaimPubKey:      claimPub,
		RefundPubKey:     refundPub,
		Timelock:         p.Timelock,
		Variant:          variant,
		TaprootRefundCSV: c.policy.TaprootRefundCSV,
	}, c.policy.Network)
	if err != nil {
		return nil, err
	}
	if p.Address != contract.Address {
		// Local derivation is authoritative; deposit goes to ours.
		c.log.Warn("peer-published HTLC address differs from local derivation",
			"published", p.Address, "derived", contract.Address)
	}
	return contract, nil
}

// RunUserRefund reclaims a funded HTLC through the timelock path. Valid
// only once the chain matured past the contract's lock; before that it
// fails with ErrTimelockNotReached and changes nothing.
func (c *Coordinator) RunUserRefund(ctx context.Context, sessionID string, keyIndex uint32) (*storage.SessionRecord, error) {
	rec, err := c.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if rec.FundingTxID == "" {
		return rec, fmt.Errorf("%w: session %s was never funded", swap.ErrInvalidInput, sessionID)
	}

	contract, funding, err := c.rebuildContract(rec)
	if err != nil {
		return rec, err
	}

	if err := c.refundDue(ctx, rec, contract); err != nil {
		return rec, err
	}

	privKey, err := c.wallet.SigningKey(keyIndex)
	if err != nil {
		return rec, err
	}
	dest, err := c.wallet.Address(keyIndex)
	if err != nil {
		return rec, err
	}
	tx, err := swap.BuildRefundTx(&swap.RefundTxParams{
		Contract:    contract,
		Funding:     funding,
		DestAddress: dest,
		FeeRate:     c.policy.FeeRate,
		RefundKey:   privKey,
	})
	if err != nil {
		return rec, err
	}
	rawHex, err := swap.SerializeTx(tx)
	if err != nil {
		return rec, err
	}
	txid, err := c.backend.BroadcastTransaction(ctx, rawHex)
	if err != nil {
		return rec, c.fail(rec, fmt.Errorf("failed to broadcast refund: %w", err))
	}

	// The invoice can no longer settle against a spent HTLC; release the
	// payer. Best effort, the node may have expired it already.
	if err := c.ln.CancelInvoice(ctx, rec.PaymentHash); err != nil {
		c.log.Warn("failed to cancel invoice after refund", "session", rec.ID, "error", err)
	}

	rec.SpendTxID = txid
	c.transition(rec, StateRefunded)
	return rec, nil
}

// refundDue checks the contract's lock against the chain. CLTV compares
// the tip height to the absolute lock; the CSV variant compares the
// deposit's confirmation depth to the relative lock.
func (c *Coordinator) refundDue(ctx context.Context, rec *storage.SessionRecord, contract *swap.Contract) error {
	if contract.Params.TaprootRefundCSV {
		tx, err := c.backend.GetTransaction(ctx, rec.FundingTxID)
		if err != nil {
			return fmt.Errorf("failed to query deposit confirmations: %w", err)
		}
		if tx.Confirmations < int64(contract.Params.Timelock) {
			return fmt.Errorf("%w: deposit has %d of %d confirmations",
				ErrTimelockNotReached, tx.Confirmations, contract.Params.Timelock)
		}
		return nil
	}

	height, err := c.backend.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to query chain height: %w", err)
	}
	if height < int64(contract.Params.Timelock) {
		return fmt.Errorf("%w: height %d below timelock %d",
			ErrTimelockNotReached, height, contract.Params.Timelock)
	}
	return nil
}

// rebuildContract re-derives the contract and funding outpoint from the
// journal row.
func (c *Coordinator) rebuildContract(rec *storage.SessionRecord) (*swap.Contract, *swap.FundingUtxo, error) {
	hash, err := swap.HashFromHex(rec.PaymentHash)
	if err != nil {
		return nil, nil, err
	}
	claimPub, err := helpers.HexToBytesN(rec.ClaimPubKey, 33)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: journaled claim pubkey: %v", swap.ErrInvalidInput, err)
	}
	refundPub, err := helpers.HexToBytesN(rec.RefundPubKey, 33)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: journaled refund pubkey: %v", swap.ErrInvalidInput, err)
	}
	variant, err := swap.ParseScriptVariant(rec.Variant)
	if err != nil {
		return nil, nil, err
	}

	contract, err := swap.BuildContract(swap.ContractParams{
		PaymentHash:      hash,
		ClaimPubKey:      claimPub,
		RefundPubKey:     refundPub,
		Timelock:         rec.Timelock,
		Variant:          variant,
		TaprootRefundCSV: c.policy.TaprootRefundCSV,
	}, c.policy.Network)
	if err != nil {
		return nil, nil, err
	}
	if rec.HtlcAddress != "" && rec.HtlcAddress != contract.Address {
		return nil, nil, fmt.Errorf("%w: journaled address %s does not re-derive",
			swap.ErrInvalidInput, rec.HtlcAddress)
	}

	funding := &swap.FundingUtxo{
		TxID:     rec.FundingTxID,
		Vout:     rec.FundingVout,
		Value:    uint64(rec.FundingValue),
		PkScript: contract.PkScript,
	}
	return contract, funding, nil
}
