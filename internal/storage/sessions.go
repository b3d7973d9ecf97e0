// Package storage - swap session journal operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRecord is one row of the session journal. State strings are owned
// by the orchestrator; storage treats them as opaque except for the
// terminal set used by ListActiveSessions.
type SessionRecord struct {
	ID          string
	Role        string
	State       string
	PaymentHash string
	AmountSats  int64
	Invoice     string

	ClaimPubKey  string
	RefundPubKey string
	Timelock     uint32
	Variant      string
	HtlcAddress  string

	FundingTxID  string
	FundingVout  uint32
	FundingValue int64

	SpendTxID     string
	FailureReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// terminalStates are journal states that will never transition again.
var terminalStates = []string{"Completed", "Refunded", "Failed", "Aborted", "Cancelled", "Settled"}

// SaveSession inserts or replaces the journal row for a session.
func (s *Storage) SaveSession(record *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	createdAt := record.CreatedAt.Unix()
	if record.CreatedAt.IsZero() {
		createdAt = now
	}

	var completedAt *int64
	if record.CompletedAt != nil {
		ts := record.CompletedAt.Unix()
		completedAt = &ts
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (
			id, role, state, payment_hash, amount_sats, invoice,
			claim_pubkey, refund_pubkey, timelock, variant, htlc_address,
			funding_txid, funding_vout, funding_value,
			spend_txid, failure_reason,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			invoice = excluded.invoice,
			claim_pubkey = excluded.claim_pubkey,
			refund_pubkey = excluded.refund_pubkey,
			timelock = excluded.timelock,
			variant = excluded.variant,
			htlc_address = excluded.htlc_address,
			funding_txid = excluded.funding_txid,
			funding_vout = excluded.funding_vout,
			funding_value = excluded.funding_value,
			spend_txid = excluded.spend_txid,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`,
		record.ID, record.Role, record.State, record.PaymentHash,
		record.AmountSats, nullable(record.Invoice),
		nullable(record.ClaimPubKey), nullable(record.RefundPubKey),
		record.Timelock, nullable(record.Variant), nullable(record.HtlcAddress),
		nullable(record.FundingTxID), record.FundingVout, record.FundingValue,
		nullable(record.SpendTxID), nullable(record.FailureReason),
		createdAt, now, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// GetSession fetches one journal row by session ID.
func (s *Storage) GetSession(id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanSession(s.db.QueryRow(sessionSelect+" WHERE id = ?", id))
}

// GetSessionByHash fetches the most recent session for a payment hash.
func (s *Storage) GetSessionByHash(paymentHash string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanSession(s.db.QueryRow(
		sessionSelect+" WHERE payment_hash = ? ORDER BY created_at DESC LIMIT 1", paymentHash))
}

// ListActiveSessions returns every session not in a terminal state, oldest
// first. Used on startup to resume interrupted protocol runs.
func (s *Storage) ListActiveSessions() ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := sessionSelect + " WHERE state NOT IN (?, ?, ?, ?, ?, ?) ORDER BY created_at"
	args := make([]interface{}, len(terminalStates))
	for i, st := range terminalStates {
		args[i] = st
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		record, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

const sessionSelect = `
	SELECT id, role, state, payment_hash, amount_sats, invoice,
	       claim_pubkey, refund_pubkey, timelock, variant, htlc_address,
	       funding_txid, funding_vout, funding_value,
	       spend_txid, failure_reason,
	       created_at, updated_at, completed_at
	FROM sessions`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Storage) scanSession(row rowScanner) (*SessionRecord, error) {
	var record SessionRecord
	var invoice, claimPub, refundPub, variant, address sql.NullString
	var fundingTxID, spendTxID, failureReason sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&record.ID, &record.Role, &record.State, &record.PaymentHash,
		&record.AmountSats, &invoice,
		&claimPub, &refundPub, &record.Timelock, &variant, &address,
		&fundingTxID, &record.FundingVout, &record.FundingValue,
		&spendTxID, &failureReason,
		&createdAt, &updatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	record.Invoice = invoice.String
	record.ClaimPubKey = claimPub.String
	record.RefundPubKey = refundPub.String
	record.Variant = variant.String
	record.HtlcAddress = address.String
	record.FundingTxID = fundingTxID.String
	record.SpendTxID = spendTxID.String
	record.FailureReason = failureReason.String
	record.CreatedAt = time.Unix(createdAt, 0)
	record.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		record.CompletedAt = &t
	}

	return &record, nil
}

// nullable maps "" to NULL so empty fields don't masquerade as values.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
