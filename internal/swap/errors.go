// Package swap implements the HTLC contract builder, the claim/refund
// transaction builders, and the funding monitor.
package swap

import "errors"

// Error classes surfaced by this package. Callers branch on these with
// errors.Is; the wrapped message carries the detail.
var (
	// ErrInvalidInput reports a malformed hash, pubkey, or timelock. Not
	// retryable; the caller supplied bad data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientFunds reports that an output value would fall at or
	// below the dust threshold after fees.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPreimageVerificationFailed reports a SHA256 mismatch between a
	// preimage and the contract's payment hash. A claim is never signed,
	// let alone broadcast, with an unverified preimage.
	ErrPreimageVerificationFailed = errors.New("preimage verification failed")

	// ErrUnsafeTimelockMargin reports a configuration whose on-chain
	// timelock does not outlast the invoice expiry by the safety margin.
	// Raised before any network call.
	ErrUnsafeTimelockMargin = errors.New("unsafe timelock margin")

	// ErrCounterpartyMismatch reports that a peer-supplied HTLC address
	// disagrees with the locally re-derived one. The local derivation is
	// authoritative, so this is logged rather than fatal.
	ErrCounterpartyMismatch = errors.New("counterparty contract mismatch")

	// ErrFundingTimeout reports that the funding monitor exhausted its
	// polling budget without seeing a confirmed deposit.
	ErrFundingTimeout = errors.New("funding wait timed out")

	// ErrPaymentTimeout reports that the off-chain payment status poll
	// exhausted its budget without reaching a terminal state.
	ErrPaymentTimeout = errors.New("payment status wait timed out")
)
