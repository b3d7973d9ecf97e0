// Package swap - claim and refund transaction building.
// This file constructs, signs, and serializes the two spend paths of an HTLC
// output. Broadcast timing is the caller's responsibility; the refund
// transaction in particular is only valid once the chain reaches the
// contract's timelock height.
package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Virtual-size estimates in vbytes. Witness bytes carry the 1/4 discount.
const (
	baseTxVBytes  = 11 // version, locktime, io counts, segwit marker
	inputVBytes   = 41 // outpoint, empty scriptSig, sequence
	outputVBytes  = 43 // worst case (P2WSH / P2TR destination)
	p2wpkhInVSize = 68 // P2WPKH input including its witness share

	// Witness share of each spend, post-discount.
	segwitClaimWitnessVBytes   = 53 // sig + preimage + selector + script
	segwitRefundWitnessVBytes  = 45 // sig + selector + script
	taprootClaimWitnessVBytes  = 60 // sig + preimage + leaf + control block
	taprootRefundWitnessVBytes = 45 // sig + leaf + control block
)

// Dust thresholds at the standard 3 sat/vB relay floor.
const (
	dustP2WPKH = 294
	dustSegwit = 330 // P2WSH and P2TR
	dustLegacy = 546
)

// refundSequence enables nLockTime evaluation: anything below the final
// sequence activates CLTV.
const refundSequence = wire.MaxTxInSequenceNum - 1

// DustThreshold returns the dust floor for a destination script type.
func DustThreshold(pkScript []byte) uint64 {
	switch {
	case len(pkScript) == 22 && pkScript[0] == txscript.OP_0:
		return dustP2WPKH
	case len(pkScript) == 34 && (pkScript[0] == txscript.OP_0 || pkScript[0] == txscript.OP_1):
		return dustSegwit
	default:
		return dustLegacy
	}
}

// EstimateClaimVSize returns the claim transaction's virtual size for a
// variant, single input, single output.
func EstimateClaimVSize(variant ScriptVariant) uint64 {
	witness := uint64(segwitClaimWitnessVBytes)
	if variant == VariantTaproot {
		witness = taprootClaimWitnessVBytes
	}
	return baseTxVBytes + inputVBytes + outputVBytes + witness
}

// EstimateRefundVSize returns the refund transaction's virtual size.
func EstimateRefundVSize(variant ScriptVariant) uint64 {
	witness := uint64(segwitRefundWitnessVBytes)
	if variant == VariantTaproot {
		witness = taprootRefundWitnessVBytes
	}
	return baseTxVBytes + inputVBytes + outputVBytes + witness
}

// ClaimTxParams describes a preimage-path spend of the HTLC output.
type ClaimTxParams struct {
	Contract *Contract
	Funding  *FundingUtxo

	// Preimage must hash to the contract's payment hash.
	Preimage Preimage

	// DestAddress receives the claimed value minus fee.
	DestAddress string

	// FeeRate in sat/vB. Ignored when Fee is set.
	FeeRate uint64

	// Fee is an explicit fee in satoshis; zero means estimate from
	// FeeRate and the variant's virtual size.
	Fee uint64

	// ClaimKey signs the claim path. Must correspond to the contract's
	// claim pubkey.
	ClaimKey *btcec.PrivateKey
}

// BuildClaimTx builds and signs the claim transaction. The preimage is
// verified against the contract's payment hash before anything is signed.
func BuildClaimTx(params *ClaimTxParams) (*wire.MsgTx, error) {
	if params.Contract == nil || params.Funding == nil {
		return nil, fmt.Errorf("%w: contract and funding are required", ErrInvalidInput)
	}
	if params.ClaimKey == nil {
		return nil, fmt.Errorf("%w: claim key is required", ErrInvalidInput)
	}
	if !params.Preimage.Matches(params.Contract.Params.PaymentHash) {
		return nil, fmt.Errorf("%w: SHA256(preimage) != payment hash %s",
			ErrPreimageVerificationFailed, params.Contract.Params.PaymentHash)
	}
	if !bytes.Equal(params.ClaimKey.PubKey().SerializeCompressed(), params.Contract.Params.ClaimPubKey) {
		return nil, fmt.Errorf("%w: claim key does not match contract claim pubkey", ErrInvalidInput)
	}

	netParams, err := params.Contract.Network.Params()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	destScript, err := addressToPkScript(params.DestAddress, netParams)
	if err != nil {
		return nil, err
	}

	fee := params.Fee
	if fee == 0 {
		fee = EstimateClaimVSize(params.Contract.Params.Variant) * params.FeeRate
	}
	outputValue, err := spendValue(params.Funding.Value, fee, destScript)
	if err != nil {
		return nil, err
	}

	// The claim path needs no timelock maturity: final sequence, zero
	// locktime.
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(params.Funding.OutPoint(), nil, nil))
	tx.TxIn[0].Sequence = wire.MaxTxInSequenceNum
	tx.AddTxOut(wire.NewTxOut(int64(outputValue), destScript))

	if err := signHtlcSpend(tx, params.Contract, params.Funding.Value, params.ClaimKey, &params.Preimage); err != nil {
		return nil, err
	}
	return tx, nil
}

// RefundTxParams describes a timelock-path spend of the HTLC output.
type RefundTxParams struct {
	Contract *Contract
	Funding  *FundingUtxo

	// DestAddress receives the refunded value minus fee.
	DestAddress string

	FeeRate uint64
	Fee     uint64

	// RefundKey signs the refund path. Must correspond to the contract's
	// refund pubkey.
	RefundKey *btcec.PrivateKey
}

// BuildRefundTx builds and signs the refund transaction. Its locktime equals
// the contract's timelock and its input sequence enables CLTV; it is only
// valid for inclusion once the chain height reaches the timelock.
func BuildRefundTx(params *RefundTxParams) (*wire.MsgTx, error) {
	tx, err := buildUnsignedRefundTx(params)
	if err != nil {
		return nil, err
	}
	if params.RefundKey == nil {
		return nil, fmt.Errorf("%w: refund key is required", ErrInvalidInput)
	}
	if !bytes.Equal(params.RefundKey.PubKey().SerializeCompressed(), params.Contract.Params.RefundPubKey) {
		return nil, fmt.Errorf("%w: refund key does not match contract refund pubkey", ErrInvalidInput)
	}
	if err := signHtlcSpend(tx, params.Contract, params.Funding.Value, params.RefundKey, nil); err != nil {
		return nil, err
	}
	return tx, nil
}

// BuildRefundPSBT builds the refund transaction as an unsigned PSBT for
// deferred signing. The packet carries the witness UTXO and, per variant,
// the witness script or the refund tapleaf with its control block.
func BuildRefundPSBT(params *RefundTxParams) (*psbt.Packet, error) {
	tx, err := buildUnsignedRefundTx(params)
	if err != nil {
		return nil, err
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to create PSBT: %w", err)
	}

	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(int64(params.Funding.Value), params.Contract.PkScript)
	switch params.Contract.Params.Variant {
	case VariantSegwitV0:
		packet.Inputs[0].WitnessScript = params.Contract.WitnessScript
		packet.Inputs[0].SighashType = txscript.SigHashAll
	case VariantTaproot:
		tree := params.Contract.Tree
		packet.Inputs[0].TaprootInternalKey = schnorr.SerializePubKey(tree.InternalKey)
		packet.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
			ControlBlock: tree.RefundControlBlock,
			Script:       tree.RefundLeaf.Script,
			LeafVersion:  tree.RefundLeaf.LeafVersion,
		}}
	}
	return packet, nil
}

func buildUnsignedRefundTx(params *RefundTxParams) (*wire.MsgTx, error) {
	if params.Contract == nil || params.Funding == nil {
		return nil, fmt.Errorf("%w: contract and funding are required", ErrInvalidInput)
	}

	netParams, err := params.Contract.Network.Params()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	destScript, err := addressToPkScript(params.DestAddress, netParams)
	if err != nil {
		return nil, err
	}

	fee := params.Fee
	if fee == 0 {
		fee = EstimateRefundVSize(params.Contract.Params.Variant) * params.FeeRate
	}
	outputValue, err := spendValue(params.Funding.Value, fee, destScript)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(params.Funding.OutPoint(), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(outputValue), destScript))

	if params.Contract.Params.TaprootRefundCSV {
		// Relative lock: the sequence field carries the block count.
		tx.TxIn[0].Sequence = params.Contract.Params.Timelock
	} else {
		tx.TxIn[0].Sequence = refundSequence
		tx.LockTime = params.Contract.Params.Timelock
	}
	return tx, nil
}

// spendValue computes the single output's value and enforces the dust floor.
func spendValue(fundingValue, fee uint64, destScript []byte) (uint64, error) {
	dust := DustThreshold(destScript)
	if fundingValue <= fee+dust {
		return 0, fmt.Errorf("%w: funding %d does not cover fee %d plus dust floor %d",
			ErrInsufficientFunds, fundingValue, fee, dust)
	}
	return fundingValue - fee, nil
}

// signHtlcSpend computes the variant's sighash for input 0, signs it, and
// attaches the spend-path witness. A non-nil preimage selects the claim
// path, nil the refund path.
func signHtlcSpend(tx *wire.MsgTx, contract *Contract, fundingValue uint64, key *btcec.PrivateKey, preimage *Preimage) error {
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(contract.PkScript, int64(fundingValue))
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	switch contract.Params.Variant {
	case VariantSegwitV0:
		sighash, err := txscript.CalcWitnessSigHash(
			contract.WitnessScript, sigHashes, txscript.SigHashAll, tx, 0, int64(fundingValue),
		)
		if err != nil {
			return fmt.Errorf("failed to compute witness sighash: %w", err)
		}
		sig := append(btcecdsa.Sign(key, sighash).Serialize(), byte(txscript.SigHashAll))
		if preimage != nil {
			tx.TxIn[0].Witness = ClaimWitness(sig, preimage[:], contract.WitnessScript)
		} else {
			tx.TxIn[0].Witness = RefundWitness(sig, contract.WitnessScript)
		}
		return nil

	case VariantTaproot:
		leaf := contract.Tree.RefundLeaf
		ctrlBlock := contract.Tree.RefundControlBlock
		if preimage != nil {
			leaf = contract.Tree.ClaimLeaf
			ctrlBlock = contract.Tree.ClaimControlBlock
		}
		sighash, err := txscript.CalcTapscriptSignaturehash(
			sigHashes, txscript.SigHashDefault, tx, 0, prevOutFetcher, leaf,
		)
		if err != nil {
			return fmt.Errorf("failed to compute tapscript sighash: %w", err)
		}
		sig, err := schnorr.Sign(key, sighash)
		if err != nil {
			return fmt.Errorf("failed to sign tapscript spend: %w", err)
		}
		if preimage != nil {
			tx.TxIn[0].Witness = wire.TxWitness{sig.Serialize(), preimage[:], leaf.Script, ctrlBlock}
		} else {
			tx.TxIn[0].Witness = wire.TxWitness{sig.Serialize(), leaf.Script, ctrlBlock}
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown script variant %d", ErrInvalidInput, contract.Params.Variant)
	}
}

// ClaimWitness assembles the segwit claim witness stack:
//
//	<signature> <preimage> <1> <witness_script>
func ClaimWitness(signature, preimage, witnessScript []byte) wire.TxWitness {
	return wire.TxWitness{
		signature,
		preimage,
		{0x01}, // OP_TRUE selects the OP_IF branch
		witnessScript,
	}
}

// RefundWitness assembles the segwit refund witness stack:
//
//	<signature> <> <witness_script>
func RefundWitness(signature, witnessScript []byte) wire.TxWitness {
	return wire.TxWitness{
		signature,
		{}, // empty selects the OP_ELSE branch
		witnessScript,
	}
}

// SerializeTx serializes a transaction to hex for broadcast.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx parses a hex-encoded transaction.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}

// addressToPkScript decodes an address for the network and converts it to an
// output script.
func addressToPkScript(address string, netParams *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, netParams)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address %q: %v", ErrInvalidInput, address, err)
	}
	if !addr.IsForNet(netParams) {
		return nil, fmt.Errorf("%w: address %q is for another network", ErrInvalidInput, address)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build output script: %w", err)
	}
	return script, nil
}

// FundingUtxo is the on-chain deposit backing an HTLC. Consumed exactly once
// by either the claim or the refund transaction.
type FundingUtxo struct {
	TxID          string
	Vout          uint32
	Value         uint64
	Confirmations int64
	PkScript      []byte
}

// OutPoint returns the wire outpoint for spending.
func (f *FundingUtxo) OutPoint() *wire.OutPoint {
	hash, err := chainhash.NewHashFromStr(f.TxID)
	if err != nil {
		// A FundingUtxo only exists after its txid was parsed from the
		// node, so this cannot happen for values produced here.
		return &wire.OutPoint{}
	}
	return wire.NewOutPoint(hash, f.Vout)
}
