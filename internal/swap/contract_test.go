package swap

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/subswap-labs/subswapd/internal/chain"
)

// Deterministic test keys.
func testKeys(t *testing.T) (claim, refund *btcec.PrivateKey) {
	t.Helper()
	claimKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x01}, 32))
	refundKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x02}, 32))
	return claimKey, refundKey
}

func testParams(t *testing.T, variant ScriptVariant) ContractParams {
	t.Helper()
	claim, refund := testKeys(t)
	var preimage Preimage
	return ContractParams{
		PaymentHash:  preimage.Hash(),
		ClaimPubKey:  claim.PubKey().SerializeCompressed(),
		RefundPubKey: refund.PubKey().SerializeCompressed(),
		Timelock:     500,
		Variant:      variant,
	}
}

func TestBuildContractSegwitDeterministic(t *testing.T) {
	params := testParams(t, VariantSegwitV0)

	c1, err := BuildContract(params, chain.Regtest)
	if err != nil {
		t.Fatalf("BuildContract() error: %v", err)
	}
	c2, err := BuildContract(params, chain.Regtest)
	if err != nil {
		t.Fatalf("BuildContract() error: %v", err)
	}

	if c1.Address != c2.Address {
		t.Errorf("same params gave different addresses: %s vs %s", c1.Address, c2.Address)
	}
	if !bytes.Equal(c1.PkScript, c2.PkScript) {
		t.Error("same params gave different output scripts")
	}
	if !strings.HasPrefix(c1.Address, "bcrt1q") {
		t.Errorf("segwit regtest address %q lacks bcrt1q prefix", c1.Address)
	}

	// The output script must commit to SHA256 of the witness script.
	scriptHash := sha256.Sum256(c1.WitnessScript)
	if !bytes.Equal(c1.PkScript[2:], scriptHash[:]) {
		t.Error("P2WSH output does not commit to the witness script")
	}
}

func TestBuildContractTaprootDeterministic(t *testing.T) {
	params := testParams(t, VariantTaproot)

	c1, err := BuildContract(params, chain.Regtest)
	if err != nil {
		t.Fatalf("BuildContract() error: %v", err)
	}
	c2, err := BuildContract(params, chain.Regtest)
	if err != nil {
		t.Fatalf("BuildContract() error: %v", err)
	}

	if c1.Address != c2.Address {
		t.Errorf("same params gave different addresses: %s vs %s", c1.Address, c2.Address)
	}
	if !strings.HasPrefix(c1.Address, "bcrt1p") {
		t.Errorf("taproot regtest address %q lacks bcrt1p prefix", c1.Address)
	}
	if c1.Tree == nil {
		t.Fatal("taproot contract has no tree")
	}
	if len(c1.WitnessScript) != 0 {
		t.Error("taproot contract carries a segwit witness script")
	}
}

func TestReconstructMatchesBuild(t *testing.T) {
	for _, variant := range []ScriptVariant{VariantSegwitV0, VariantTaproot} {
		params := testParams(t, variant)

		built, err := BuildContract(params, chain.Regtest)
		if err != nil {
			t.Fatalf("%s: BuildContract() error: %v", variant, err)
		}
		reconstructed, err := ReconstructPkScript(params, chain.Regtest)
		if err != nil {
			t.Fatalf("%s: ReconstructPkScript() error: %v", variant, err)
		}
		if !bytes.Equal(built.PkScript, reconstructed) {
			t.Errorf("%s: reconstruct differs from build", variant)
		}
	}
}

func TestZeroPreimageScenario(t *testing.T) {
	// Full derivation chain from known inputs: hash of 32 zero bytes,
	// deterministic keys, timelock 500. The built contract's address must
	// equal an independent reconstruction.
	params := testParams(t, VariantSegwitV0)

	contract, err := BuildContract(params, chain.Regtest)
	if err != nil {
		t.Fatalf("BuildContract() error: %v", err)
	}

	again, err := BuildContract(params, chain.Regtest)
	if err != nil {
		t.Fatalf("rebuild error: %v", err)
	}
	if contract.Address != again.Address {
		t.Errorf("address mismatch: %s vs %s", contract.Address, again.Address)
	}

	// The script must parse back to the exact input parameters.
	parsed, err := ParseWitnessScript(contract.WitnessScript)
	if err != nil {
		t.Fatalf("ParseWitnessScript() error: %v", err)
	}
	if parsed.PaymentHash != params.PaymentHash {
		t.Error("parsed payment hash differs")
	}
	if !bytes.Equal(parsed.ClaimPubKey, params.ClaimPubKey) {
		t.Error("parsed claim pubkey differs")
	}
	if !bytes.Equal(parsed.RefundPubKey, params.RefundPubKey) {
		t.Error("parsed refund pubkey differs")
	}
	if parsed.Timelock != 500 {
		t.Errorf("parsed timelock = %d, want 500", parsed.Timelock)
	}
}

func TestBuildContractRejectsBadInput(t *testing.T) {
	base := testParams(t, VariantSegwitV0)

	tests := []struct {
		name   string
		mutate func(*ContractParams)
	}{
		{"short claim pubkey", func(p *ContractParams) { p.ClaimPubKey = p.ClaimPubKey[:32] }},
		{"bad claim prefix", func(p *ContractParams) {
			p.ClaimPubKey = append([]byte{0x04}, p.ClaimPubKey[1:]...)
		}},
		{"not a curve point", func(p *ContractParams) {
			bad := make([]byte, 33)
			bad[0] = 0x02
			for i := 1; i < 33; i++ {
				bad[i] = 0xff
			}
			p.RefundPubKey = bad
		}},
		{"zero timelock", func(p *ContractParams) { p.Timelock = 0 }},
		{"timestamp timelock", func(p *ContractParams) { p.Timelock = 500_000_000 }},
		{"csv on segwit", func(p *ContractParams) { p.TaprootRefundCSV = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := base
			tt.mutate(&params)
			if _, err := BuildContract(params, chain.Regtest); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("BuildContract() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestParseWitnessScriptRejectsForeignScript(t *testing.T) {
	if _, err := ParseWitnessScript([]byte{0x51}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("ParseWitnessScript(OP_1) error = %v, want ErrInvalidInput", err)
	}

	// A valid script with trailing bytes must be rejected.
	params := testParams(t, VariantSegwitV0)
	contract, err := BuildContract(params, chain.Regtest)
	if err != nil {
		t.Fatalf("BuildContract() error: %v", err)
	}
	tampered := append(append([]byte(nil), contract.WitnessScript...), 0x51)
	if _, err := ParseWitnessScript(tampered); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("ParseWitnessScript(trailing) error = %v, want ErrInvalidInput", err)
	}
}

func TestParseScriptVariant(t *testing.T) {
	tests := []struct {
		input   string
		want    ScriptVariant
		wantErr bool
	}{
		{"segwit-v0", VariantSegwitV0, false},
		{"p2wsh", VariantSegwitV0, false},
		{"taproot", VariantTaproot, false},
		{"p2tr", VariantTaproot, false},
		{"p2sh", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseScriptVariant(tt.input)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("ParseScriptVariant(%q) error = %v, want ErrInvalidInput", tt.input, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseScriptVariant(%q) = %v, %v; want %v", tt.input, got, err, tt.want)
		}
	}
}
