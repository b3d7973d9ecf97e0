package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/subswap-labs/subswapd/internal/backend"
	"github.com/subswap-labs/subswapd/internal/chain"
	"github.com/subswap-labs/subswapd/internal/handoff"
	"github.com/subswap-labs/subswapd/internal/rln"
	"github.com/subswap-labs/subswapd/internal/storage"
	"github.com/subswap-labs/subswapd/internal/swap"
	"github.com/subswap-labs/subswapd/internal/wallet"
	"github.com/subswap-labs/subswapd/pkg/helpers"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

const testPassphrase = "test-seal-passphrase"

// fakeNode scripts the off-chain collaborator. Status sequences are
// consumed one per call; the last entry repeats.
type fakeNode struct {
	decoded       *rln.DecodedInvoice
	invoiceStates []rln.InvoiceState
	payments      []*rln.Payment

	settledWith string
	cancelled   []string
	paid        []string
	calls       int
}

func (f *fakeNode) DecodeInvoice(ctx context.Context, invoice string) (*rln.DecodedInvoice, error) {
	f.calls++
	if f.decoded == nil {
		return nil, rln.ErrNodeUnavailable
	}
	return f.decoded, nil
}

func (f *fakeNode) CreateHodlInvoice(ctx context.Context, paymentHash string, amountMsat uint64, expirySec uint32) (*rln.HodlInvoice, error) {
	f.calls++
	return &rln.HodlInvoice{
		Invoice:     "lnbcrt-test-" + paymentHash[:8],
		PaymentHash: paymentHash,
	}, nil
}

func (f *fakeNode) PayInvoice(ctx context.Context, invoice string) (*rln.Payment, error) {
	f.calls++
	f.paid = append(f.paid, invoice)
	return &rln.Payment{Status: rln.PaymentPending}, nil
}

func (f *fakeNode) GetPayment(ctx context.Context, paymentHash string) (*rln.Payment, error) {
	f.calls++
	if len(f.payments) == 0 {
		return nil, rln.ErrPaymentNotFound
	}
	p := f.payments[0]
	if len(f.payments) > 1 {
		f.payments = f.payments[1:]
	}
	return p, nil
}

func (f *fakeNode) SettleInvoice(ctx context.Context, preimageHex string) error {
	f.calls++
	f.settledWith = preimageHex
	return nil
}

func (f *fakeNode) CancelInvoice(ctx context.Context, paymentHash string) error {
	f.calls++
	f.cancelled = append(f.cancelled, paymentHash)
	return nil
}

func (f *fakeNode) InvoiceStatus(ctx context.Context, invoice string) (rln.InvoiceState, error) {
	f.calls++
	if len(f.invoiceStates) == 0 {
		return rln.InvoicePending, nil
	}
	s := f.invoiceStates[0]
	if len(f.invoiceStates) > 1 {
		f.invoiceStates = f.invoiceStates[1:]
	}
	return s, nil
}

// fakePeer captures publishes and scripts awaits.
type fakePeer struct {
	published map[string][]byte
	awaitFn   func(p *fakePeer, slot string, v interface{}) error
}

func newFakePeer() *fakePeer {
	return &fakePeer{published: make(map[string][]byte)}
}

func (p *fakePeer) Publish(ctx context.Context, slot string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.published[slot] = data
	return nil
}

func (p *fakePeer) Await(ctx context.Context, slot string, v interface{}) error {
	if p.awaitFn == nil {
		return handoff.ErrHandoffTimeout
	}
	return p.awaitFn(p, slot, v)
}

func intoValue(src interface{}, dst interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// fakeChain scripts the Bitcoin node. ScanUTXOSet serves broadcast outputs
// paying the queried address; with serveAnyAddress it fabricates a funded
// UTXO at whatever address is asked for.
type fakeChain struct {
	height          int64
	broadcasts      []string
	serveAnyAddress bool
	serveAmount     uint64
	txConfs         map[string]int64
}

func (f *fakeChain) GetBlockHeight(ctx context.Context) (int64, error) { return f.height, nil }

func (f *fakeChain) GetTransaction(ctx context.Context, txID string) (*backend.Transaction, error) {
	conf, ok := f.txConfs[txID]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return &backend.Transaction{TxID: txID, Confirmations: conf, Confirmed: conf > 0}, nil
}

func (f *fakeChain) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	tx, err := swap.DeserializeTx(rawTxHex)
	if err != nil {
		return "", backend.ErrBroadcastFailed
	}
	f.broadcasts = append(f.broadcasts, rawTxHex)
	return tx.TxHash().String(), nil
}

func (f *fakeChain) ScanUTXOSet(ctx context.Context, address string) ([]backend.UTXO, error) {
	script, err := wallet.AddressScript(address, chain.Regtest)
	if err != nil {
		return nil, err
	}

	var found []backend.UTXO
	for _, raw := range f.broadcasts {
		tx, err := swap.DeserializeTx(raw)
		if err != nil {
			continue
		}
		for vout, out := range tx.TxOut {
			if bytes.Equal(out.PkScript, script) {
				found = append(found, backend.UTXO{
					TxID:          tx.TxHash().String(),
					Vout:          uint32(vout),
					Amount:        uint64(out.Value),
					ScriptPubKey:  helpers.BytesToHex(out.PkScript),
					Confirmations: 3,
				})
			}
		}
	}
	if len(found) == 0 && f.serveAnyAddress {
		found = append(found, backend.UTXO{
			TxID:          strings.Repeat("33", 32),
			Vout:          0,
			Amount:        f.serveAmount,
			ScriptPubKey:  helpers.BytesToHex(script),
			Confirmations: 3,
		})
	}
	return found, nil
}

func (f *fakeChain) ImportAddress(ctx context.Context, address string) error { return nil }

func (f *fakeChain) ListUnspent(ctx context.Context, address string, minConf int64) ([]backend.UTXO, error) {
	return f.ScanUTXOSet(ctx, address)
}

func (f *fakeChain) TestMempoolAccept(ctx context.Context, rawTxHex string) error { return nil }

func testPolicy() Policy {
	return Policy{
		Network:            chain.Regtest,
		Variant:            swap.VariantSegwitV0,
		LocktimeBlocks:     144,
		InvoiceExpirySec:   3600,
		MinConfirmations:   1,
		FeeRate:            2,
		SealPassphrase:     testPassphrase,
		StatusPollInterval: time.Millisecond,
		StatusMaxAttempts:  5,
	}
}

func newTestCoordinator(t *testing.T, ln LightningNode, peer Peer, bc backend.Backend, policy Policy) (*Coordinator, *storage.Storage) {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	w, err := wallet.NewFromMnemonic(testMnemonic, "", chain.Regtest)
	if err != nil {
		t.Fatalf("wallet.NewFromMnemonic() error: %v", err)
	}

	c, err := New(Params{
		Backend: bc,
		LN:      ln,
		Store:   store,
		Wallet:  w,
		Peer:    peer,
		Policy:  policy,
		Monitor: swap.NewMonitor(bc, swap.MonitorConfig{PollInterval: time.Millisecond, MaxAttempts: 50}, nil),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c, store
}

// walletUTXO fabricates a confirmed coin paying the wallet key at index.
func walletUTXO(t *testing.T, w *wallet.Wallet, index uint32, amount uint64) backend.UTXO {
	t.Helper()
	addr, err := w.Address(index)
	if err != nil {
		t.Fatalf("Address() error: %v", err)
	}
	script, err := wallet.AddressScript(addr, chain.Regtest)
	if err != nil {
		t.Fatalf("AddressScript() error: %v", err)
	}
	return backend.UTXO{
		TxID:          strings.Repeat("11", 32),
		Vout:          0,
		Amount:        amount,
		ScriptPubKey:  helpers.BytesToHex(script),
		Confirmations: 6,
	}
}

func TestUserDepositUnsafeMargin(t *testing.T) {
	ln := &fakeNode{}
	policy := testPolicy()
	policy.LocktimeBlocks = 5 // ~3000s, inside expiry + cushion

	c, _ := newTestCoordinator(t, ln, newFakePeer(), &fakeChain{height: 100}, policy)

	_, err := c.RunUserDeposit(context.Background(), &DepositRequest{AmountSats: 100_000})
	if !errors.Is(err, swap.ErrUnsafeTimelockMargin) {
		t.Fatalf("RunUserDeposit() error = %v, want ErrUnsafeTimelockMargin", err)
	}
	if ln.calls != 0 {
		t.Errorf("unsafe margin still made %d node calls; must fail before any", ln.calls)
	}
}

// lpAnswer scripts the counterparty: it answers the published pending swap
// with HTLC params derived the same way a real LP would.
func lpAnswer(t *testing.T, lpKey *btcec.PrivateKey, height int64, locktimeBlocks uint32) func(p *fakePeer, slot string, v interface{}) error {
	t.Helper()
	return func(p *fakePeer, slot string, v interface{}) error {
		if slot != handoff.SlotHtlcParams {
			return handoff.ErrHandoffTimeout
		}
		raw, ok := p.published[handoff.SlotPendingSwap]
		if !ok {
			return handoff.ErrHandoffTimeout
		}
		var pending handoff.PendingSwap
		if err := json.Unmarshal(raw, &pending); err != nil {
			return err
		}

		hash, err := swap.HashFromHex(pending.PaymentHash)
		if err != nil {
			return err
		}
		refundPub, err := helpers.HexToBytesN(pending.RefundPubKey, 33)
		if err != nil {
			return err
		}
		contract, err := swap.BuildContract(swap.ContractParams{
			PaymentHash:  hash,
			ClaimPubKey:  lpKey.PubKey().SerializeCompressed(),
			RefundPubKey: refundPub,
			Timelock:     uint32(height) + locktimeBlocks,
			Variant:      swap.VariantSegwitV0,
		}, chain.Regtest)
		if err != nil {
			return err
		}
		return intoValue(&handoff.HtlcParams{
			SwapID:       pending.SwapID,
			PaymentHash:  pending.PaymentHash,
			ClaimPubKey:  helpers.BytesToHex(lpKey.PubKey().SerializeCompressed()),
			RefundPubKey: pending.RefundPubKey,
			Timelock:     contract.Params.Timelock,
			Variant:      contract.Params.Variant.String(),
			Address:      contract.Address,
			PkScript:     contract.PkScriptHex(),
		}, v)
	}
}

func TestUserDepositFlow(t *testing.T) {
	lpKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x42}, 32))
	bc := &fakeChain{height: 100}
	peer := newFakePeer()
	peer.awaitFn = lpAnswer(t, lpKey, bc.height, 144)
	ln := &fakeNode{}

	c, store := newTestCoordinator(t, ln, peer, bc, testPolicy())

	rec, err := c.RunUserDeposit(context.Background(), &DepositRequest{
		AmountSats: 100_000,
		KeyIndex:   0,
		UTXOs:      []backend.UTXO{walletUTXO(t, c.wallet, 0, 500_000)},
	})
	if err != nil {
		t.Fatalf("RunUserDeposit() error: %v", err)
	}

	if rec.State != StateWaitingClaimable {
		t.Errorf("state = %s, want WaitingClaimable", rec.State)
	}
	if rec.FundingTxID == "" {
		t.Error("funding txid not journaled")
	}
	if rec.Timelock != 244 {
		t.Errorf("timelock = %d, want height 100 + 144", rec.Timelock)
	}

	// The deposit must actually pay the derived HTLC address.
	if len(bc.broadcasts) != 1 {
		t.Fatalf("broadcast %d transactions, want 1 deposit", len(bc.broadcasts))
	}
	htlcScript, err := wallet.AddressScript(rec.HtlcAddress, chain.Regtest)
	if err != nil {
		t.Fatalf("AddressScript() error: %v", err)
	}
	tx, err := swap.DeserializeTx(bc.broadcasts[0])
	if err != nil {
		t.Fatalf("DeserializeTx() error: %v", err)
	}
	if !bytes.Equal(tx.TxOut[rec.FundingVout].PkScript, htlcScript) {
		t.Error("journaled funding vout does not pay the HTLC address")
	}
	if tx.TxOut[rec.FundingVout].Value != 100_000 {
		t.Errorf("HTLC output = %d, want 100000", tx.TxOut[rec.FundingVout].Value)
	}

	// Funding coordinates went to the counterparty.
	var coords handoff.FundingCoords
	if err := json.Unmarshal(peer.published[handoff.SlotFundingCoords], &coords); err != nil {
		t.Fatalf("funding coords not published: %v", err)
	}
	if coords.TxID != rec.FundingTxID || coords.ValueSats != 100_000 {
		t.Errorf("published coords %+v do not match journal", coords)
	}

	// The preimage sits sealed in storage and still matches the hash.
	preimage, err := store.GetPreimage(rec.PaymentHash, testPassphrase)
	if err != nil {
		t.Fatalf("GetPreimage() error: %v", err)
	}
	p, err := swap.PreimageFromBytes(preimage)
	if err != nil {
		t.Fatalf("PreimageFromBytes() error: %v", err)
	}
	if p.Hash().String() != rec.PaymentHash {
		t.Error("sealed preimage does not hash to the session's payment hash")
	}
}

func TestUserDepositRejectsForeignHash(t *testing.T) {
	peer := newFakePeer()
	peer.awaitFn = func(p *fakePeer, slot string, v interface{}) error {
		return intoValue(&handoff.HtlcParams{
			PaymentHash: strings.Repeat("ee", 32),
			Variant:     "segwit-v0",
			Timelock:    244,
		}, v)
	}
	c, _ := newTestCoordinator(t, &fakeNode{}, peer, &fakeChain{height: 100}, testPolicy())

	rec, err := c.RunUserDeposit(context.Background(), &DepositRequest{
		AmountSats: 100_000,
		UTXOs:      []backend.UTXO{walletUTXO(t, c.wallet, 0, 500_000)},
	})
	if !errors.Is(err, swap.ErrCounterpartyMismatch) {
		t.Fatalf("RunUserDeposit() error = %v, want ErrCounterpartyMismatch", err)
	}
	if rec.State != StateFailed {
		t.Errorf("state = %s, want Failed", rec.State)
	}
}

// seedSettleSession journals a WaitingClaimable user session with a sealed
// preimage and returns it with the preimage.
func seedSettleSession(t *testing.T, c *Coordinator, store *storage.Storage) (*storage.SessionRecord, swap.Preimage) {
	t.Helper()
	preimage, err := swap.NewPreimage()
	if err != nil {
		t.Fatalf("NewPreimage() error: %v", err)
	}
	hash := preimage.Hash()

	rec := c.newSession(RoleUser)
	rec.PaymentHash = hash.String()
	rec.Invoice = "lnbcrt-settle-test"
	rec.State = StateWaitingClaimable
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}
	if err := store.PutPreimage(hash.String(), preimage[:], rec.Invoice, testPassphrase); err != nil {
		t.Fatalf("PutPreimage() error: %v", err)
	}
	return rec, preimage
}

func TestUserSettleAccepted(t *testing.T) {
	ln := &fakeNode{invoiceStates: []rln.InvoiceState{rln.InvoicePending, rln.InvoiceAccepted}}
	c, store := newTestCoordinator(t, ln, nil, &fakeChain{height: 100}, testPolicy())
	rec, preimage := seedSettleSession(t, c, store)

	got, err := c.RunUserSettle(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("RunUserSettle() error: %v", err)
	}
	if got.State != StateSettled {
		t.Errorf("state = %s, want Settled", got.State)
	}
	if ln.settledWith != preimage.String() {
		t.Errorf("settled with %q, want the sealed preimage", ln.settledWith)
	}

	record, err := store.GetPreimageRecord(rec.PaymentHash)
	if err != nil {
		t.Fatalf("GetPreimageRecord() error: %v", err)
	}
	if !record.Revealed {
		t.Error("preimage not marked revealed after settlement")
	}
}

func TestUserSettleExpired(t *testing.T) {
	ln := &fakeNode{invoiceStates: []rln.InvoiceState{rln.InvoiceExpired}}
	c, store := newTestCoordinator(t, ln, nil, &fakeChain{height: 100}, testPolicy())
	rec, _ := seedSettleSession(t, c, store)

	got, err := c.RunUserSettle(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("RunUserSettle() error: %v", err)
	}
	if got.State != StateCancelled {
		t.Errorf("state = %s, want Cancelled", got.State)
	}
	if ln.settledWith != "" {
		t.Error("expired invoice must never be settled")
	}
}

func TestUserSettleTimeout(t *testing.T) {
	ln := &fakeNode{invoiceStates: []rln.InvoiceState{rln.InvoicePending}}
	c, store := newTestCoordinator(t, ln, nil, &fakeChain{height: 100}, testPolicy())
	rec, _ := seedSettleSession(t, c, store)

	_, err := c.RunUserSettle(context.Background(), rec.ID)
	if !errors.Is(err, swap.ErrPaymentTimeout) {
		t.Fatalf("RunUserSettle() error = %v, want ErrPaymentTimeout", err)
	}
}

func TestLPFlow(t *testing.T) {
	var preimage swap.Preimage // zero preimage, hash is well known
	hash := preimage.Hash()
	userKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x03}, 32))
	userPubHex := helpers.BytesToHex(userKey.PubKey().SerializeCompressed())

	peer := newFakePeer()
	peer.awaitFn = func(p *fakePeer, slot string, v interface{}) error {
		switch slot {
		case handoff.SlotPendingSwap:
			return intoValue(&handoff.PendingSwap{
				SwapID:       "lp-test-swap",
				Invoice:      "lnbcrt-lp-test",
				PaymentHash:  hash.String(),
				RefundPubKey: userPubHex,
				AmountSats:   100_000,
			}, v)
		case handoff.SlotFundingCoords:
			return intoValue(&handoff.FundingCoords{
				SwapID:    "lp-test-swap",
				TxID:      strings.Repeat("33", 32),
				Vout:      0,
				ValueSats: 100_000,
			}, v)
		}
		return handoff.ErrHandoffTimeout
	}

	ln := &fakeNode{
		decoded: &rln.DecodedInvoice{PaymentHash: hash.String(), AmountMsat: 100_000_000},
		payments: []*rln.Payment{
			{Status: rln.PaymentPending},
			{Status: rln.PaymentSucceeded, Preimage: preimage.String()},
		},
	}
	bc := &fakeChain{height: 100, serveAnyAddress: true, serveAmount: 100_000}

	c, store := newTestCoordinator(t, ln, peer, bc, testPolicy())

	rec, err := c.RunLP(context.Background(), &LPRequest{KeyIndex: 0})
	if err != nil {
		t.Fatalf("RunLP() error: %v", err)
	}
	if rec.State != StateCompleted {
		t.Errorf("state = %s, want Completed", rec.State)
	}
	if rec.SpendTxID == "" {
		t.Error("claim txid not journaled")
	}
	if len(ln.paid) != 1 {
		t.Fatalf("paid %d invoices, want 1", len(ln.paid))
	}

	// Published params carry our claim key and a timelock above the tip.
	var params handoff.HtlcParams
	if err := json.Unmarshal(peer.published[handoff.SlotHtlcParams], &params); err != nil {
		t.Fatalf("HTLC params not published: %v", err)
	}
	ourPub, err := c.wallet.PubKey(0)
	if err != nil {
		t.Fatalf("PubKey() error: %v", err)
	}
	if params.ClaimPubKey != helpers.BytesToHex(ourPub) {
		t.Error("published claim pubkey is not ours")
	}
	if params.Timelock != 244 {
		t.Errorf("published timelock = %d, want height 100 + 144", params.Timelock)
	}

	// The broadcast claim reveals the preimage in its witness.
	if len(bc.broadcasts) != 1 {
		t.Fatalf("broadcast %d transactions, want 1 claim", len(bc.broadcasts))
	}
	tx, err := swap.DeserializeTx(bc.broadcasts[0])
	if err != nil {
		t.Fatalf("DeserializeTx() error: %v", err)
	}
	if !bytes.Equal(tx.TxIn[0].Witness[1], preimage[:]) {
		t.Error("claim witness does not carry the preimage")
	}

	record, err := store.GetPreimageRecord(hash.String())
	if err != nil {
		t.Fatalf("GetPreimageRecord() error: %v", err)
	}
	if !record.Revealed {
		t.Error("revealed preimage not journaled")
	}
}

func TestLPRejectsAmountMismatch(t *testing.T) {
	var preimage swap.Preimage
	hash := preimage.Hash()
	userKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x03}, 32))

	peer := newFakePeer()
	peer.awaitFn = func(p *fakePeer, slot string, v interface{}) error {
		return intoValue(&handoff.PendingSwap{
			Invoice:      "lnbcrt-mismatch",
			PaymentHash:  hash.String(),
			RefundPubKey: helpers.BytesToHex(userKey.PubKey().SerializeCompressed()),
			AmountSats:   100_000,
		}, v)
	}
	// Invoice decodes to half the announced amount.
	ln := &fakeNode{decoded: &rln.DecodedInvoice{PaymentHash: hash.String(), AmountMsat: 50_000_000}}

	c, _ := newTestCoordinator(t, ln, peer, &fakeChain{height: 100}, testPolicy())

	rec, err := c.RunLP(context.Background(), &LPRequest{})
	if !errors.Is(err, swap.ErrCounterpartyMismatch) {
		t.Fatalf("RunLP() error = %v, want ErrCounterpartyMismatch", err)
	}
	if rec.State != StateFailed {
		t.Errorf("state = %s, want Failed", rec.State)
	}
}

// seedFundedSession journals a funded user session whose refund key is the
// wallet's index 0.
func seedFundedSession(t *testing.T, c *Coordinator, store *storage.Storage, timelock uint32) *storage.SessionRecord {
	t.Helper()
	var preimage swap.Preimage
	lpKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x42}, 32))
	refundPub, err := c.wallet.PubKey(0)
	if err != nil {
		t.Fatalf("PubKey() error: %v", err)
	}

	rec := c.newSession(RoleUser)
	rec.PaymentHash = preimage.Hash().String()
	rec.AmountSats = 100_000
	rec.Invoice = "lnbcrt-refund-test"
	rec.ClaimPubKey = helpers.BytesToHex(lpKey.PubKey().SerializeCompressed())
	rec.RefundPubKey = helpers.BytesToHex(refundPub)
	rec.Timelock = timelock
	rec.Variant = "segwit-v0"
	rec.State = StateWaitingClaimable
	rec.FundingTxID = strings.Repeat("44", 32)
	rec.FundingVout = 0
	rec.FundingValue = 100_000
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}
	return rec
}

func TestUserRefundBeforeTimelock(t *testing.T) {
	bc := &fakeChain{height: 150}
	c, store := newTestCoordinator(t, &fakeNode{}, nil, bc, testPolicy())
	rec := seedFundedSession(t, c, store, 200)

	_, err := c.RunUserRefund(context.Background(), rec.ID, 0)
	if !errors.Is(err, ErrTimelockNotReached) {
		t.Fatalf("RunUserRefund() error = %v, want ErrTimelockNotReached", err)
	}
	if len(bc.broadcasts) != 0 {
		t.Error("premature refund must not broadcast anything")
	}
}

func TestUserRefundAfterTimelock(t *testing.T) {
	bc := &fakeChain{height: 250}
	ln := &fakeNode{}
	c, store := newTestCoordinator(t, ln, nil, bc, testPolicy())
	rec := seedFundedSession(t, c, store, 200)

	got, err := c.RunUserRefund(context.Background(), rec.ID, 0)
	if err != nil {
		t.Fatalf("RunUserRefund() error: %v", err)
	}
	if got.State != StateRefunded {
		t.Errorf("state = %s, want Refunded", got.State)
	}
	if got.SpendTxID == "" {
		t.Error("refund txid not journaled")
	}
	if len(ln.cancelled) != 1 {
		t.Error("invoice not cancelled after refund")
	}

	tx, err := swap.DeserializeTx(bc.broadcasts[0])
	if err != nil {
		t.Fatalf("DeserializeTx() error: %v", err)
	}
	if tx.LockTime != 200 {
		t.Errorf("refund locktime = %d, want 200", tx.LockTime)
	}
}

func TestSingleFlow(t *testing.T) {
	bc := &fakeChain{height: 100}
	c, store := newTestCoordinator(t, &fakeNode{}, nil, bc, testPolicy())

	rec, err := c.RunSingle(context.Background(), &SingleRequest{
		AmountSats:     100_000,
		ClaimKeyIndex:  1,
		RefundKeyIndex: 0,
		UTXOs:          []backend.UTXO{walletUTXO(t, c.wallet, 0, 500_000)},
	})
	if err != nil {
		t.Fatalf("RunSingle() error: %v", err)
	}
	if rec.State != StateCompleted {
		t.Errorf("state = %s, want Completed", rec.State)
	}

	// Two broadcasts: the deposit, then the claim spending it.
	if len(bc.broadcasts) != 2 {
		t.Fatalf("broadcast %d transactions, want deposit + claim", len(bc.broadcasts))
	}
	deposit, err := swap.DeserializeTx(bc.broadcasts[0])
	if err != nil {
		t.Fatalf("DeserializeTx() error: %v", err)
	}
	claim, err := swap.DeserializeTx(bc.broadcasts[1])
	if err != nil {
		t.Fatalf("DeserializeTx() error: %v", err)
	}
	if claim.TxIn[0].PreviousOutPoint.Hash.String() != deposit.TxHash().String() {
		t.Error("claim does not spend the deposit")
	}

	// Claim pays back to our own wallet.
	payout, err := c.wallet.Address(1)
	if err != nil {
		t.Fatalf("Address() error: %v", err)
	}
	payoutScript, err := wallet.AddressScript(payout, chain.Regtest)
	if err != nil {
		t.Fatalf("AddressScript() error: %v", err)
	}
	if !bytes.Equal(claim.TxOut[0].PkScript, payoutScript) {
		t.Error("claim does not pay the wallet's payout address")
	}

	record, err := store.GetPreimageRecord(rec.PaymentHash)
	if err != nil {
		t.Fatalf("GetPreimageRecord() error: %v", err)
	}
	if !record.Revealed {
		t.Error("self-swap preimage not marked revealed")
	}
}
