// Package swap - HTLC contract building.
// This file contains construction of the dual-path locking script and both
// of its output encodings (P2WSH and P2TR), plus address derivation.
package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/subswap-labs/subswapd/internal/chain"
)

// ScriptVariant selects the on-chain encoding of the HTLC output.
type ScriptVariant int

const (
	// VariantSegwitV0 is a P2WSH output committing to SHA256 of the
	// witness script.
	VariantSegwitV0 ScriptVariant = iota

	// VariantTaproot is a P2TR output with claim and refund tapscript
	// leaves under a NUMS internal key. No key-path spend exists.
	VariantTaproot
)

// String returns the variant name used in config files and logs.
func (v ScriptVariant) String() string {
	switch v {
	case VariantSegwitV0:
		return "segwit-v0"
	case VariantTaproot:
		return "taproot"
	default:
		return "unknown"
	}
}

// ParseScriptVariant parses a variant name.
func ParseScriptVariant(s string) (ScriptVariant, error) {
	switch s {
	case "segwit-v0", "p2wsh":
		return VariantSegwitV0, nil
	case "taproot", "p2tr":
		return VariantTaproot, nil
	default:
		return 0, fmt.Errorf("%w: unknown script variant %q", ErrInvalidInput, s)
	}
}

// maxCLTVHeight is the boundary between block heights and unix timestamps in
// nLockTime semantics. Timelocks here are always block heights.
const maxCLTVHeight = 500_000_000

// ContractParams are the shared parameters both parties must agree on to
// derive the same HTLC output. The derivation is a pure function of these.
type ContractParams struct {
	// PaymentHash gates the claim path.
	PaymentHash PaymentHash

	// ClaimPubKey is the LP's compressed pubkey (33 bytes, 0x02/0x03).
	ClaimPubKey []byte

	// RefundPubKey is the user's compressed pubkey.
	RefundPubKey []byte

	// Timelock is the absolute block height after which the refund path
	// becomes valid (CLTV semantics).
	Timelock uint32

	// Variant selects P2WSH or P2TR encoding.
	Variant ScriptVariant

	// TaprootRefundCSV switches the taproot refund leaf from CLTV to a
	// relative CSV lock of Timelock blocks. Config variant only; the
	// default and recommended encoding is CLTV.
	TaprootRefundCSV bool
}

// Validate checks field shapes without deriving anything.
func (p *ContractParams) Validate() error {
	if err := validateCompressedPubKey(p.ClaimPubKey, "claim"); err != nil {
		return err
	}
	if err := validateCompressedPubKey(p.RefundPubKey, "refund"); err != nil {
		return err
	}
	if p.Timelock == 0 {
		return fmt.Errorf("%w: timelock must be greater than 0", ErrInvalidInput)
	}
	if p.Timelock >= maxCLTVHeight {
		return fmt.Errorf("%w: timelock %d is not a block height", ErrInvalidInput, p.Timelock)
	}
	if p.TaprootRefundCSV {
		if p.Variant != VariantTaproot {
			return fmt.Errorf("%w: CSV refund is a taproot-only variant", ErrInvalidInput)
		}
		if p.Timelock > 0xFFFF {
			return fmt.Errorf("%w: CSV timelock exceeds 65535 blocks", ErrInvalidInput)
		}
	}
	return nil
}

func validateCompressedPubKey(b []byte, which string) error {
	if len(b) != 33 {
		return fmt.Errorf("%w: %s pubkey must be 33 bytes (compressed), got %d", ErrInvalidInput, which, len(b))
	}
	if b[0] != 0x02 && b[0] != 0x03 {
		return fmt.Errorf("%w: %s pubkey has invalid prefix 0x%02x", ErrInvalidInput, which, b[0])
	}
	if _, err := secp.ParsePubKey(b); err != nil {
		return fmt.Errorf("%w: %s pubkey is not a valid point: %v", ErrInvalidInput, which, err)
	}
	return nil
}

// Contract is the deterministic derivation of a set of ContractParams for a
// network. Immutable once built; rebuilding from the same inputs always
// yields the same address.
type Contract struct {
	Params  ContractParams
	Network chain.Network

	// WitnessScript is the full locking script. Set for segwit-v0 only.
	WitnessScript []byte

	// Taproot tree data. Set for the taproot variant only.
	Tree *TapTree

	// PkScript is the output scriptPubKey.
	PkScript []byte

	// Address is the encoded deposit address.
	Address string
}

// BuildContract derives the HTLC output for the given parameters.
// Fails with ErrInvalidInput on malformed parameters.
func BuildContract(params ContractParams, network chain.Network) (*Contract, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	netParams, err := network.Params()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	c := &Contract{Params: params, Network: network}

	switch params.Variant {
	case VariantSegwitV0:
		script, err := buildWitnessScript(params.PaymentHash, params.ClaimPubKey, params.RefundPubKey, params.Timelock)
		if err != nil {
			return nil, err
		}
		scriptHash := sha256.Sum256(script)
		addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], netParams)
		if err != nil {
			return nil, fmt.Errorf("failed to derive P2WSH address: %w", err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to build P2WSH script: %w", err)
		}
		c.WitnessScript = script
		c.PkScript = pkScript
		c.Address = addr.EncodeAddress()

	case VariantTaproot:
		tree, err := buildTapTree(params)
		if err != nil {
			return nil, err
		}
		addr, err := tree.Address(netParams)
		if err != nil {
			return nil, err
		}
		c.Tree = tree
		c.PkScript = tree.PkScript()
		c.Address = addr.EncodeAddress()

	default:
		return nil, fmt.Errorf("%w: unknown script variant %d", ErrInvalidInput, params.Variant)
	}

	return c, nil
}

// ReconstructPkScript re-derives the output script from shared parameters.
// Used to verify values received from the counterparty; a peer-supplied
// address is never trusted without recomputing it locally.
func ReconstructPkScript(params ContractParams, network chain.Network) ([]byte, error) {
	c, err := BuildContract(params, network)
	if err != nil {
		return nil, err
	}
	return c.PkScript, nil
}

// buildWitnessScript assembles the dual-path segwit witness script:
//
//	OP_IF
//	    OP_SHA256 <payment_hash> OP_EQUALVERIFY <claim_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <timelock> OP_CHECKLOCKTIMEVERIFY OP_DROP <refund_pubkey> OP_CHECKSIG
//	OP_ENDIF
func buildWitnessScript(hash PaymentHash, claimPubKey, refundPubKey []byte, timelock uint32) ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(hash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(claimPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(timelock))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// ParseWitnessScript recovers contract parameters from a segwit witness
// script. The inverse of buildWitnessScript; rejects anything that is not
// byte-for-byte that template.
func ParseWitnessScript(script []byte) (*ContractParams, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	expectOp := func(op byte, name string) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("%w: expected %s in witness script", ErrInvalidInput, name)
		}
		return nil
	}

	if err := expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return nil, err
	}

	if !tokenizer.Next() || len(tokenizer.Data()) != 32 {
		return nil, fmt.Errorf("%w: expected 32-byte payment hash", ErrInvalidInput)
	}
	hash, err := HashFromBytes(tokenizer.Data())
	if err != nil {
		return nil, err
	}

	if err := expectOp(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}

	if !tokenizer.Next() || len(tokenizer.Data()) != 33 {
		return nil, fmt.Errorf("%w: expected 33-byte claim pubkey", ErrInvalidInput)
	}
	claimPubKey := append([]byte(nil), tokenizer.Data()...)

	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}

	if !tokenizer.Next() {
		return nil, fmt.Errorf("%w: expected timelock", ErrInvalidInput)
	}
	timelock, err := parseScriptNum(tokenizer.Opcode(), tokenizer.Data())
	if err != nil {
		return nil, err
	}

	if err := expectOp(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}

	if !tokenizer.Next() || len(tokenizer.Data()) != 33 {
		return nil, fmt.Errorf("%w: expected 33-byte refund pubkey", ErrInvalidInput)
	}
	refundPubKey := append([]byte(nil), tokenizer.Data()...)

	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}
	if tokenizer.Next() {
		return nil, fmt.Errorf("%w: trailing data after OP_ENDIF", ErrInvalidInput)
	}

	params := &ContractParams{
		PaymentHash:  hash,
		ClaimPubKey:  claimPubKey,
		RefundPubKey: refundPubKey,
		Timelock:     timelock,
		Variant:      VariantSegwitV0,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// parseScriptNum decodes a minimally-encoded script integer pushed either as
// a small-int opcode or as little-endian data.
func parseScriptNum(op byte, data []byte) (uint32, error) {
	if txscript.IsSmallInt(op) {
		return uint32(txscript.AsSmallInt(op)), nil
	}
	if len(data) == 0 || len(data) > 5 {
		return 0, fmt.Errorf("%w: invalid script number encoding", ErrInvalidInput)
	}
	if data[len(data)-1]&0x80 != 0 {
		return 0, fmt.Errorf("%w: negative timelock", ErrInvalidInput)
	}
	var v uint64
	for i := 0; i < len(data); i++ {
		v |= uint64(data[i]) << (8 * i)
	}
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: timelock out of range", ErrInvalidInput)
	}
	return uint32(v), nil
}

// WitnessScriptHex returns the segwit witness script as hex, or "" for the
// taproot variant.
func (c *Contract) WitnessScriptHex() string {
	return hex.EncodeToString(c.WitnessScript)
}

// PkScriptHex returns the output script as hex.
func (c *Contract) PkScriptHex() string {
	return hex.EncodeToString(c.PkScript)
}
