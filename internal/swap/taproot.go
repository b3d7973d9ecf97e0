// Package swap - taproot encoding of the HTLC contract.
// The output commits to a two-leaf tapscript tree under a NUMS internal key,
// so the only way to spend is through one of the leaves.
package swap

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// numsPointHex is the BIP341 "nothing up my sleeve" x coordinate
// (SHA256 of the generator's uncompressed encoding, lifted to a point).
// Using it as the internal key provably disables key-path spends.
const numsPointHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

// TapTree holds the derived taproot data for an HTLC contract.
type TapTree struct {
	// InternalKey is the NUMS point.
	InternalKey *btcec.PublicKey

	// OutputKey is the internal key tweaked by the tree's merkle root.
	OutputKey *btcec.PublicKey

	// ClaimLeaf gates on the preimage, RefundLeaf on the timelock.
	ClaimLeaf  txscript.TapLeaf
	RefundLeaf txscript.TapLeaf

	// Control blocks proving each leaf's inclusion, required in the
	// spending witness.
	ClaimControlBlock  []byte
	RefundControlBlock []byte

	// MerkleRoot of the two leaves.
	MerkleRoot []byte
}

// numsPoint returns the NUMS internal key.
func numsPoint() (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(numsPointHex)
	if err != nil {
		return nil, err
	}
	key, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to lift NUMS point: %w", err)
	}
	return key, nil
}

// xOnly drops the parity prefix of a 33-byte compressed pubkey.
func xOnly(compressed []byte) []byte {
	return compressed[1:]
}

// buildClaimLeafScript assembles the preimage leaf:
//
//	OP_SHA256 <payment_hash> OP_EQUALVERIFY <claim_x_only> OP_CHECKSIG
func buildClaimLeafScript(hash PaymentHash, claimPubKey []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(hash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(xOnly(claimPubKey))
	builder.AddOp(txscript.OP_CHECKSIG)
	return builder.Script()
}

// buildRefundLeafScript assembles the timelock leaf:
//
//	<timelock> OP_CHECKLOCKTIMEVERIFY OP_DROP <refund_x_only> OP_CHECKSIG
//
// or the CSV form when the config variant selects a relative lock.
func buildRefundLeafScript(refundPubKey []byte, timelock uint32, csv bool) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(timelock))
	if csv {
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	} else {
		builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	}
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(xOnly(refundPubKey))
	builder.AddOp(txscript.OP_CHECKSIG)
	return builder.Script()
}

// buildTapTree derives the full taproot commitment for the parameters.
// Pure: the same params always produce the same output key.
func buildTapTree(params ContractParams) (*TapTree, error) {
	claimScript, err := buildClaimLeafScript(params.PaymentHash, params.ClaimPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build claim leaf: %w", err)
	}
	refundScript, err := buildRefundLeafScript(params.RefundPubKey, params.Timelock, params.TaprootRefundCSV)
	if err != nil {
		return nil, fmt.Errorf("failed to build refund leaf: %w", err)
	}

	claimLeaf := txscript.NewBaseTapLeaf(claimScript)
	refundLeaf := txscript.NewBaseTapLeaf(refundScript)

	tree := txscript.AssembleTaprootScriptTree(claimLeaf, refundLeaf)
	merkleRoot := tree.RootNode.TapHash()

	internalKey, err := numsPoint()
	if err != nil {
		return nil, fmt.Errorf("failed to derive internal key: %w", err)
	}
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, merkleRoot[:])

	claimProof := tree.LeafMerkleProofs[0]
	refundProof := tree.LeafMerkleProofs[1]

	claimCtrl := claimProof.ToControlBlock(internalKey)
	claimCtrlBytes, err := claimCtrl.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize claim control block: %w", err)
	}
	refundCtrl := refundProof.ToControlBlock(internalKey)
	refundCtrlBytes, err := refundCtrl.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize refund control block: %w", err)
	}

	return &TapTree{
		InternalKey:        internalKey,
		OutputKey:          outputKey,
		ClaimLeaf:          claimLeaf,
		RefundLeaf:         refundLeaf,
		ClaimControlBlock:  claimCtrlBytes,
		RefundControlBlock: refundCtrlBytes,
		MerkleRoot:         merkleRoot[:],
	}, nil
}

// PkScript returns the P2TR output script: OP_1 <32-byte output key>.
func (t *TapTree) PkScript() []byte {
	xKey := schnorr.SerializePubKey(t.OutputKey)
	script := make([]byte, 34)
	script[0] = txscript.OP_1
	script[1] = txscript.OP_DATA_32
	copy(script[2:], xKey)
	return script
}

// Address returns the bech32m address committing to the output key.
func (t *TapTree) Address(netParams *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(t.OutputKey), netParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive P2TR address: %w", err)
	}
	return addr, nil
}
