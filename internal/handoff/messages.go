// Package handoff - wire value-objects exchanged through the slots.
package handoff

// PendingSwap is the USER -> LP opening artifact: the hodl invoice the user
// created plus the pubkey their refund path will use.
type PendingSwap struct {
	SwapID       string `json:"swap_id"`
	Invoice      string `json:"invoice"`
	PaymentHash  string `json:"payment_hash"`
	RefundPubKey string `json:"refund_pubkey"` // hex, 33-byte compressed
	AmountSats   uint64 `json:"amount_sats"`
}

// HtlcParams is the LP -> USER response: everything the user needs to
// re-derive and fund the shared HTLC. The user never trusts Address as
// published; it re-derives locally from the other fields.
type HtlcParams struct {
	SwapID       string `json:"swap_id"`
	PaymentHash  string `json:"payment_hash"`
	ClaimPubKey  string `json:"claim_pubkey"` // hex, 33-byte compressed
	RefundPubKey string `json:"refund_pubkey"`
	Timelock     uint32 `json:"timelock"` // absolute block height
	Variant      string `json:"variant"`  // "segwit-v0" | "taproot"
	Address      string `json:"address"`
	PkScript     string `json:"pk_script"` // hex
}

// FundingCoords is the USER -> LP closing artifact: where the deposit
// landed on chain.
type FundingCoords struct {
	SwapID     string `json:"swap_id"`
	TxID       string `json:"txid"`
	Vout       uint32 `json:"vout"`
	ValueSats  uint64 `json:"value_sats"`
}
