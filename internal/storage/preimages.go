// Package storage - preimage record operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Preimage errors
var (
	ErrPreimageNotFound = errors.New("preimage record not found")
	ErrPreimageExists   = errors.New("preimage record already exists for this hash")
)

// PreimageRecord is the stored metadata for one preimage. The preimage
// itself only leaves the sealed column through GetPreimage.
type PreimageRecord struct {
	PaymentHash string // 32 bytes, hex-encoded
	Invoice     string
	Revealed    bool
	CreatedAt   time.Time
	RevealedAt  *time.Time
}

// PutPreimage seals the 32-byte preimage under the passphrase and stores it
// keyed by its payment hash. Fails with ErrPreimageExists on a duplicate hash.
func (s *Storage) PutPreimage(paymentHash string, preimage []byte, invoice, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := sealPreimage(preimage, passphrase)
	if err != nil {
		return fmt.Errorf("failed to seal preimage: %w", err)
	}

	var invoiceValue *string
	if invoice != "" {
		invoiceValue = &invoice
	}

	_, err = s.db.Exec(`
		INSERT INTO preimages (payment_hash, invoice, sealed, created_at)
		VALUES (?, ?, ?, ?)
	`, paymentHash, invoiceValue, sealed, time.Now().Unix())

	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrPreimageExists
		}
		return fmt.Errorf("failed to store preimage: %w", err)
	}

	return nil
}

// GetPreimage fetches and unseals the preimage for a payment hash.
func (s *Storage) GetPreimage(paymentHash, passphrase string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sealed []byte
	err := s.db.QueryRow(`
		SELECT sealed FROM preimages WHERE payment_hash = ?
	`, paymentHash).Scan(&sealed)

	if err == sql.ErrNoRows {
		return nil, ErrPreimageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preimage: %w", err)
	}

	preimage, err := openPreimage(sealed, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal preimage: %w", err)
	}

	return preimage, nil
}

// GetPreimageRecord fetches the metadata for a payment hash without
// unsealing the preimage.
func (s *Storage) GetPreimageRecord(paymentHash string) (*PreimageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record PreimageRecord
	var invoice sql.NullString
	var revealed int
	var createdAt int64
	var revealedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT payment_hash, invoice, revealed, created_at, revealed_at
		FROM preimages WHERE payment_hash = ?
	`, paymentHash).Scan(&record.PaymentHash, &invoice, &revealed, &createdAt, &revealedAt)

	if err == sql.ErrNoRows {
		return nil, ErrPreimageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preimage record: %w", err)
	}

	if invoice.Valid {
		record.Invoice = invoice.String
	}
	record.Revealed = revealed != 0
	record.CreatedAt = time.Unix(createdAt, 0)
	if revealedAt.Valid {
		t := time.Unix(revealedAt.Int64, 0)
		record.RevealedAt = &t
	}

	return &record, nil
}

// MarkRevealed records that the preimage for a hash has been disclosed
// (settled off-chain or spent on-chain). Idempotent.
func (s *Storage) MarkRevealed(paymentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE preimages SET revealed = 1, revealed_at = ?
		WHERE payment_hash = ? AND revealed = 0
	`, time.Now().Unix(), paymentHash)

	if err != nil {
		return fmt.Errorf("failed to mark preimage revealed: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists int
		err := s.db.QueryRow("SELECT 1 FROM preimages WHERE payment_hash = ?", paymentHash).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrPreimageNotFound
		}
		// Already revealed
		return nil
	}

	return nil
}

// HasPreimage reports whether a record exists for the payment hash.
func (s *Storage) HasPreimage(paymentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRow("SELECT 1 FROM preimages WHERE payment_hash = ?", paymentHash).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check preimage: %w", err)
	}
	return true, nil
}

// DeletePreimage removes a record. Records for completed swaps are public
// anyway (the preimage appears in the claim witness) but pruning keeps the
// table small.
func (s *Storage) DeletePreimage(paymentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM preimages WHERE payment_hash = ?", paymentHash)
	if err != nil {
		return fmt.Errorf("failed to delete preimage: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPreimageNotFound
	}

	return nil
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
