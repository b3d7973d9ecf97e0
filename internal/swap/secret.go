// Package swap - preimage and payment hash value types.
package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/subswap-labs/subswapd/pkg/helpers"
)

// PreimageSize is the byte length of a payment preimage and its hash.
const PreimageSize = 32

// Preimage is the 32-byte secret whose SHA256 digest gates the claim path.
// Known only to its creator until revealed through payment settlement.
type Preimage [PreimageSize]byte

// PaymentHash is the SHA256 digest of a preimage.
type PaymentHash [PreimageSize]byte

// NewPreimage generates a cryptographically secure random preimage.
func NewPreimage() (Preimage, error) {
	var p Preimage
	b, err := helpers.GenerateSecureRandom(PreimageSize)
	if err != nil {
		return p, fmt.Errorf("failed to generate preimage: %w", err)
	}
	copy(p[:], b)
	return p, nil
}

// PreimageFromBytes converts a 32-byte slice into a Preimage.
func PreimageFromBytes(b []byte) (Preimage, error) {
	var p Preimage
	if len(b) != PreimageSize {
		return p, fmt.Errorf("%w: preimage must be %d bytes, got %d", ErrInvalidInput, PreimageSize, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// PreimageFromHex parses a hex-encoded preimage.
func PreimageFromHex(s string) (Preimage, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Preimage{}, fmt.Errorf("%w: invalid preimage hex: %v", ErrInvalidInput, err)
	}
	return PreimageFromBytes(b)
}

// Hash returns the SHA256 digest of the preimage.
func (p Preimage) Hash() PaymentHash {
	return PaymentHash(sha256.Sum256(p[:]))
}

// String returns the hex encoding of the preimage.
func (p Preimage) String() string {
	return hex.EncodeToString(p[:])
}

// Matches reports whether SHA256(p) equals h, in constant time.
func (p Preimage) Matches(h PaymentHash) bool {
	digest := p.Hash()
	return helpers.ConstantTimeCompare(digest[:], h[:])
}

// HashFromBytes converts a 32-byte slice into a PaymentHash.
func HashFromBytes(b []byte) (PaymentHash, error) {
	var h PaymentHash
	if len(b) != PreimageSize {
		return h, fmt.Errorf("%w: payment hash must be %d bytes, got %d", ErrInvalidInput, PreimageSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromHex parses a hex-encoded payment hash.
func HashFromHex(s string) (PaymentHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PaymentHash{}, fmt.Errorf("%w: invalid payment hash hex: %v", ErrInvalidInput, err)
	}
	return HashFromBytes(b)
}

// String returns the hex encoding of the payment hash.
func (h PaymentHash) String() string {
	return hex.EncodeToString(h[:])
}
