// Package coordinator orchestrates swap sessions across the on-chain and
// off-chain collaborators. Each role runs its own flow: the user side
// creates the hodl invoice and funds the HTLC, the LP side derives the
// contract and claims it once the preimage is revealed, and the
// single-process flow folds both halves into one daemon for development
// networks.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/subswap-labs/subswapd/internal/backend"
	"github.com/subswap-labs/subswapd/internal/chain"
	"github.com/subswap-labs/subswapd/internal/rln"
	"github.com/subswap-labs/subswapd/internal/storage"
	"github.com/subswap-labs/subswapd/internal/swap"
	"github.com/subswap-labs/subswapd/internal/wallet"
	"github.com/subswap-labs/subswapd/pkg/logging"
)

// Session lifecycle states as journaled. Terminal states match the set the
// storage layer excludes from ListActiveSessions.
const (
	StateCreated          = "Created"
	StateInvoiceIssued    = "InvoiceIssued"
	StateAwaitingParams   = "AwaitingParams"
	StateAwaitingFunding  = "AwaitingFunding"
	StateFunding          = "Funding"
	StateWaitingClaimable = "WaitingClaimable"
	StatePayingInvoice    = "PayingInvoice"
	StateClaimable        = "Claimable"
	StateSettled          = "Settled"
	StateCompleted        = "Completed"
	StateRefunded         = "Refunded"
	StateCancelled        = "Cancelled"
	StateFailed           = "Failed"
)

// Journal role strings.
const (
	RoleUser   = "user"
	RoleLP     = "lp"
	RoleSingle = "single"
)

// ErrTimelockNotReached reports a refund attempt before the contract's
// timelock matured.
var ErrTimelockNotReached = errors.New("timelock not reached")

// safetyCushionSec is the minimum gap the on-chain timelock must keep
// beyond the invoice expiry. An invoice that can still settle while the
// refund path is already live would let both paths race.
const safetyCushionSec = 3600

// LightningNode is the off-chain collaborator surface the flows consume.
// *rln.Client satisfies it.
type LightningNode interface {
	DecodeInvoice(ctx context.Context, invoice string) (*rln.DecodedInvoice, error)
	CreateHodlInvoice(ctx context.Context, paymentHash string, amountMsat uint64, expirySec uint32) (*rln.HodlInvoice, error)
	PayInvoice(ctx context.Context, invoice string) (*rln.Payment, error)
	GetPayment(ctx context.Context, paymentHash string) (*rln.Payment, error)
	SettleInvoice(ctx context.Context, preimageHex string) error
	CancelInvoice(ctx context.Context, paymentHash string) error
	InvoiceStatus(ctx context.Context, invoice string) (rln.InvoiceState, error)
}

// Peer is the handoff surface toward the counterparty. *handoff.Client
// satisfies it.
type Peer interface {
	Publish(ctx context.Context, slot string, v interface{}) error
	Await(ctx context.Context, slot string, v interface{}) error
}

// Policy carries the per-daemon swap parameters. The config layer maps its
// file onto this; the coordinator never reads config directly.
type Policy struct {
	Network          chain.Network
	Variant          swap.ScriptVariant
	TaprootRefundCSV bool

	// LocktimeBlocks is the refund timelock delta above the current height.
	LocktimeBlocks uint32

	// InvoiceExpirySec bounds how long the hodl invoice stays payable.
	InvoiceExpirySec uint64

	// MinConfirmations before a deposit counts as funded.
	MinConfirmations int64

	// FeeRate in sat/vB for deposits, claims, and refunds.
	FeeRate uint64

	// SealPassphrase encrypts preimages at rest.
	SealPassphrase string

	// Invoice/payment status polling budget.
	StatusPollInterval time.Duration
	StatusMaxAttempts  int
}

func (p *Policy) normalize() {
	if p.InvoiceExpirySec == 0 {
		p.InvoiceExpirySec = 3600
	}
	if p.MinConfirmations <= 0 {
		p.MinConfirmations = 1
	}
	if p.FeeRate == 0 {
		p.FeeRate = 2
	}
	if p.StatusPollInterval <= 0 {
		p.StatusPollInterval = 2 * time.Second
	}
	if p.StatusMaxAttempts <= 0 {
		p.StatusMaxAttempts = 120
	}
}

// CheckTimelockMargin rejects a policy whose refund path could go live
// while the invoice is still payable. Checked before any network call.
func (p *Policy) CheckTimelockMargin() error {
	return checkMargin(p.LocktimeBlocks, p.InvoiceExpirySec)
}

func checkMargin(locktimeBlocks uint32, invoiceExpirySec uint64) error {
	timelockSec := uint64(locktimeBlocks) * chain.BlockInterval
	if timelockSec <= invoiceExpirySec+safetyCushionSec {
		return fmt.Errorf("%w: %d blocks (~%ds) must exceed invoice expiry %ds plus %ds cushion",
			swap.ErrUnsafeTimelockMargin, locktimeBlocks, timelockSec, invoiceExpirySec, safetyCushionSec)
	}
	return nil
}

// Params wires a Coordinator. Backend, LN, Store, and Wallet are required;
// Peer is required for the user and LP flows but not the single flow.
type Params struct {
	Backend backend.Backend
	LN      LightningNode
	Store   *storage.Storage
	Wallet  *wallet.Wallet
	Peer    Peer
	Policy  Policy
	Monitor *swap.Monitor
	Log     *logging.Logger

	// OnState, when set, observes every journaled state change. Called
	// synchronously from the flow goroutine; keep it fast.
	OnState func(rec *storage.SessionRecord)
}

// Coordinator drives swap sessions to a terminal journal state.
type Coordinator struct {
	backend backend.Backend
	ln      LightningNode
	store   *storage.Storage
	wallet  *wallet.Wallet
	peer    Peer
	monitor *swap.Monitor
	policy  Policy
	log     *logging.Logger
	onState func(rec *storage.SessionRecord)
}

// New creates a coordinator. The policy is normalized but not validated;
// the timelock margin check runs at the start of each flow so a bad config
// fails the swap, not the daemon boot.
func New(p Params) (*Coordinator, error) {
	if p.Backend == nil || p.LN == nil || p.Store == nil || p.Wallet == nil {
		return nil, fmt.Errorf("%w: backend, ln, store, and wallet are required", swap.ErrInvalidInput)
	}
	p.Policy.normalize()
	if p.Log == nil {
		p.Log = logging.GetDefault().Component("coordinator")
	}
	if p.Monitor == nil {
		p.Monitor = swap.NewMonitor(p.Backend, swap.DefaultMonitorConfig(), nil)
	}
	return &Coordinator{
		backend: p.Backend,
		ln:      p.LN,
		store:   p.Store,
		wallet:  p.Wallet,
		peer:    p.Peer,
		monitor: p.Monitor,
		policy:  p.Policy,
		log:     p.Log,
		onState: p.OnState,
	}, nil
}

// Session returns the journal record for a session ID.
func (c *Coordinator) Session(id string) (*storage.SessionRecord, error) {
	return c.store.GetSession(id)
}

// ActiveSessions returns every journaled session not yet terminal.
func (c *Coordinator) ActiveSessions() ([]*storage.SessionRecord, error) {
	return c.store.ListActiveSessions()
}

// newSession journals a fresh record in StateCreated.
func (c *Coordinator) newSession(role string) *storage.SessionRecord {
	now := time.Now().UTC()
	return &storage.SessionRecord{
		ID:        uuid.NewString(),
		Role:      role,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// transition journals a state change. Journal write failures are logged,
// not fatal; the in-memory flow keeps the authoritative state.
func (c *Coordinator) transition(rec *storage.SessionRecord, state string) {
	prev := rec.State
	rec.State = state
	rec.UpdatedAt = time.Now().UTC()
	if isTerminal(state) && rec.CompletedAt == nil {
		t := rec.UpdatedAt
		rec.CompletedAt = &t
	}
	if err := c.store.SaveSession(rec); err != nil {
		c.log.Warn("failed to journal session state", "session", rec.ID, "state", state, "error", err)
	}
	c.log.Info("session state", "session", rec.ID, "from", prev, "to", state)
	if c.onState != nil {
		c.onState(rec)
	}
}

// fail journals a terminal failure and returns the causing error.
func (c *Coordinator) fail(rec *storage.SessionRecord, err error) error {
	rec.FailureReason = err.Error()
	c.transition(rec, StateFailed)
	return err
}

func isTerminal(state string) bool {
	switch state {
	case StateCompleted, StateRefunded, StateFailed, StateCancelled, StateSettled:
		return true
	}
	return false
}
