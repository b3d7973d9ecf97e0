// Package wallet provides the daemon's signing keys and deposit funding.
// Keys derive from a BIP39 seed along the BIP84 path; only native segwit
// (P2WPKH) outputs are spent.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/subswap-labs/subswapd/internal/chain"
)

// bip84Purpose is the derivation purpose for native segwit accounts.
const bip84Purpose = 84

// Wallet derives swap signing keys from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network
	mu        sync.Mutex

	// Cached address keys by index (m/84'/coin'/0'/0/index)
	cache map[uint32]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewFromSeed(seed, network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	params, err := network.Params()
	if err != nil {
		return nil, err
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[uint32]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// coinType returns the BIP44 coin type for the wallet's network.
func (w *Wallet) coinType() uint32 {
	if w.network == chain.Mainnet {
		return 0
	}
	return 1
}

// deriveKey derives the external key at m/84'/coin'/0'/0/index.
func (w *Wallet) deriveKey(index uint32) (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[index]; ok {
		return key, nil
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + bip84Purpose,
		hdkeychain.HardenedKeyStart + w.coinType(),
		hdkeychain.HardenedKeyStart, // account 0'
		0,                           // external chain
		index,
	}

	key := w.masterKey
	var err error
	for _, step := range path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key at step %d: %w", step, err)
		}
	}

	w.cache[index] = key
	return key, nil
}

// SigningKey returns the private key at the given external index.
// Index 0 is the daemon's swap key (claim key for an LP, refund key for a
// user); higher indexes hold deposit funds.
func (w *Wallet) SigningKey(index uint32) (*btcec.PrivateKey, error) {
	key, err := w.deriveKey(index)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return privKey, nil
}

// PubKey returns the compressed 33-byte public key at the given index.
func (w *Wallet) PubKey(index uint32) ([]byte, error) {
	key, err := w.deriveKey(index)
	if err != nil {
		return nil, err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	return pubKey.SerializeCompressed(), nil
}

// Address returns the P2WPKH address at the given index.
func (w *Wallet) Address(index uint32) (string, error) {
	key, err := w.deriveKey(index)
	if err != nil {
		return "", err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}

	params, err := w.network.Params()
	if err != nil {
		return "", err
	}

	hash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, params)
	if err != nil {
		return "", fmt.Errorf("failed to build address: %w", err)
	}

	return addr.EncodeAddress(), nil
}
