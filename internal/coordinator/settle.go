// User-side settlement: watch the hodl invoice and release the preimage
// once the LP's payment is locked in.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/subswap-labs/subswapd/internal/rln"
	"github.com/subswap-labs/subswapd/internal/storage"
	"github.com/subswap-labs/subswapd/internal/swap"
	"github.com/subswap-labs/subswapd/pkg/helpers"
)

// RunUserSettle polls the invoice until it is claimable, then settles it
// with the sealed preimage. Settling is what reveals the preimage to the
// LP; until then the LP's payment is held and both sides can still back
// out. Terminal journal states:
//
//	Settled    - the invoice settled, the swap succeeded
//	Cancelled  - the invoice expired or was cancelled before acceptance
//	Failed     - the polling budget ran out
func (c *Coordinator) RunUserSettle(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	rec, err := c.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Invoice == "" {
		return rec, fmt.Errorf("%w: session %s has no invoice", swap.ErrInvalidInput, sessionID)
	}

	if rec.State != StateWaitingClaimable {
		c.transition(rec, StateWaitingClaimable)
	}

	for attempt := 1; attempt <= c.policy.StatusMaxAttempts; attempt++ {
		state, err := c.ln.InvoiceStatus(ctx, rec.Invoice)
		if err != nil {
			c.log.Debug("invoice status poll failed", "session", rec.ID, "attempt", attempt, "error", err)
		} else {
			switch state {
			case rln.InvoiceAccepted:
				c.transition(rec, StateClaimable)
				return rec, c.settleInvoice(ctx, rec)

			case rln.InvoiceSucceeded:
				// Settled in an earlier run; converge the journal.
				if err := c.store.MarkRevealed(rec.PaymentHash); err != nil {
					c.log.Warn("failed to mark preimage revealed", "session", rec.ID, "error", err)
				}
				c.transition(rec, StateSettled)
				return rec, nil

			case rln.InvoiceExpired, rln.InvoiceCancelled:
				c.log.Info("invoice closed without payment", "session", rec.ID, "state", state)
				c.transition(rec, StateCancelled)
				return rec, nil
			}
		}

		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-time.After(c.policy.StatusPollInterval):
		}
	}

	return rec, c.fail(rec, fmt.Errorf("%w: invoice %s never became claimable after %d polls",
		swap.ErrPaymentTimeout, rec.PaymentHash, c.policy.StatusMaxAttempts))
}

// settleInvoice unseals the preimage and hands it to the node.
func (c *Coordinator) settleInvoice(ctx context.Context, rec *storage.SessionRecord) error {
	preimage, err := c.store.GetPreimage(rec.PaymentHash, c.policy.SealPassphrase)
	if err != nil {
		return c.fail(rec, fmt.Errorf("failed to unseal preimage: %w", err))
	}
	defer func() {
		for i := range preimage {
			preimage[i] = 0
		}
	}()

	if err := c.ln.SettleInvoice(ctx, helpers.BytesToHex(preimage)); err != nil {
		return c.fail(rec, fmt.Errorf("failed to settle invoice: %w", err))
	}
	if err := c.store.MarkRevealed(rec.PaymentHash); err != nil {
		c.log.Warn("failed to mark preimage revealed", "session", rec.ID, "error", err)
	}

	c.transition(rec, StateSettled)
	return nil
}
