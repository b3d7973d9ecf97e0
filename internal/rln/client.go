// Package rln is the REST client for the off-chain payment and RGB asset
// collaborator. Only the request/response contract lives here; the node's
// internals (channels, routing, asset consignments) are opaque to the swap
// daemon.
package rln

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/subswap-labs/subswapd/pkg/logging"
)

// Client errors.
var (
	// ErrNodeUnavailable reports a transport-level failure reaching the node.
	ErrNodeUnavailable = errors.New("off-chain node unavailable")

	// ErrPaymentNotFound reports that no payment matches the hash.
	ErrPaymentNotFound = errors.New("payment not found")
)

// InvoiceState is the lifecycle of a hodl invoice as reported by the node.
type InvoiceState string

const (
	InvoicePending   InvoiceState = "Pending"
	InvoiceAccepted  InvoiceState = "Accepted"
	InvoiceSucceeded InvoiceState = "Succeeded"
	InvoiceExpired   InvoiceState = "Expired"
	InvoiceCancelled InvoiceState = "Cancelled"
)

// PaymentState is the lifecycle of an outgoing payment.
type PaymentState string

const (
	PaymentPending   PaymentState = "Pending"
	PaymentSucceeded PaymentState = "Succeeded"
	PaymentFailed    PaymentState = "Failed"
)

// Terminal reports whether the state will not change again.
func (s PaymentState) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed
}

// DecodedInvoice is the node's view of a BOLT11 invoice.
type DecodedInvoice struct {
	PaymentHash string `json:"payment_hash"`
	AmountMsat  uint64 `json:"amt_msat"`
	ExpirySec   uint64 `json:"expiry_sec"`
	Timestamp   int64  `json:"timestamp"`
	AssetID     string `json:"asset_id,omitempty"`
	AssetAmount uint64 `json:"asset_amount,omitempty"`
}

// AmountSats returns the invoice amount rounded down to whole satoshis.
func (d *DecodedInvoice) AmountSats() uint64 {
	return d.AmountMsat / 1000
}

// ExpiresAt returns the absolute expiry instant.
func (d *DecodedInvoice) ExpiresAt() time.Time {
	return time.Unix(d.Timestamp, 0).Add(time.Duration(d.ExpirySec) * time.Second)
}

// HodlInvoice is a freshly created invoice whose settlement is deferred
// until an explicit settle or cancel.
type HodlInvoice struct {
	Invoice       string `json:"invoice"`
	PaymentHash   string `json:"payment_hash"`
	PaymentSecret string `json:"payment_secret"`
}

// Payment is the status record for an outgoing payment, keyed by hash.
// Preimage is empty until the payment settles.
type Payment struct {
	PaymentHash string       `json:"payment_hash"`
	Status      PaymentState `json:"status"`
	Preimage    string       `json:"payment_preimage,omitempty"`
	AmountMsat  uint64       `json:"amt_msat"`
}

// AssetBalance is the node's confirmed/spendable view of an RGB asset.
type AssetBalance struct {
	AssetID   string `json:"asset_id"`
	Settled   uint64 `json:"settled"`
	Future    uint64 `json:"future"`
	Spendable uint64 `json:"spendable"`
}

// AssetMetadata describes a known RGB asset.
type AssetMetadata struct {
	AssetID   string `json:"asset_id"`
	Ticker    string `json:"ticker"`
	Name      string `json:"name"`
	Precision uint8  `json:"precision"`
	IssuedAt  int64  `json:"issued_at"`
}

// Client talks JSON over HTTP to a single off-chain node. Construct with
// NewClient; the zero value is not usable.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient targets the node's REST API at baseURL. A nil httpClient gets
// a default with a generous timeout; payment calls can block on routing.
func NewClient(baseURL string, httpClient *http.Client, log *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if log == nil {
		log = logging.GetDefault().Component("rln")
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, log: log}
}

// DecodeInvoice asks the node to parse a BOLT11 invoice string.
func (c *Client) DecodeInvoice(ctx context.Context, invoice string) (*DecodedInvoice, error) {
	var decoded DecodedInvoice
	req := struct {
		Invoice string `json:"invoice"`
	}{Invoice: invoice}
	if err := c.post(ctx, "/decodelninvoice", req, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}
	return &decoded, nil
}

// CreateHodlInvoice creates an invoice for the given payment hash whose
// settlement waits for SettleInvoice or CancelInvoice. amountMsat of zero
// creates an any-amount invoice.
func (c *Client) CreateHodlInvoice(ctx context.Context, paymentHash string, amountMsat uint64, expirySec uint32) (*HodlInvoice, error) {
	var created HodlInvoice
	req := struct {
		PaymentHash string `json:"payment_hash"`
		AmountMsat  uint64 `json:"amt_msat,omitempty"`
		ExpirySec   uint32 `json:"expiry_sec"`
	}{PaymentHash: paymentHash, AmountMsat: amountMsat, ExpirySec: expirySec}
	if err := c.post(ctx, "/lninvoice", req, &created); err != nil {
		return nil, fmt.Errorf("failed to create hodl invoice: %w", err)
	}
	return &created, nil
}

// PayInvoice initiates a payment. The returned Payment usually reports
// Pending; poll GetPayment for the terminal state and preimage.
func (c *Client) PayInvoice(ctx context.Context, invoice string) (*Payment, error) {
	var payment Payment
	req := struct {
		Invoice string `json:"invoice"`
	}{Invoice: invoice}
	if err := c.post(ctx, "/sendpayment", req, &payment); err != nil {
		return nil, fmt.Errorf("failed to send payment: %w", err)
	}
	return &payment, nil
}

// GetPayment fetches a payment's status and, once settled, its preimage.
func (c *Client) GetPayment(ctx context.Context, paymentHash string) (*Payment, error) {
	var payment Payment
	req := struct {
		PaymentHash string `json:"payment_hash"`
	}{PaymentHash: paymentHash}
	if err := c.post(ctx, "/getpayment", req, &payment); err != nil {
		return nil, err
	}
	if payment.PaymentHash == "" {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentHash)
	}
	return &payment, nil
}

// SettleInvoice releases a held invoice by disclosing its preimage.
func (c *Client) SettleInvoice(ctx context.Context, preimageHex string) error {
	req := struct {
		Preimage string `json:"payment_preimage"`
	}{Preimage: preimageHex}
	if err := c.post(ctx, "/settleinvoice", req, nil); err != nil {
		return fmt.Errorf("failed to settle invoice: %w", err)
	}
	return nil
}

// CancelInvoice rejects a held invoice, returning the HTLCs to the payer.
func (c *Client) CancelInvoice(ctx context.Context, paymentHash string) error {
	req := struct {
		PaymentHash string `json:"payment_hash"`
	}{PaymentHash: paymentHash}
	if err := c.post(ctx, "/cancelinvoice", req, nil); err != nil {
		return fmt.Errorf("failed to cancel invoice: %w", err)
	}
	return nil
}

// InvoiceStatus reports the lifecycle state of an invoice we created.
func (c *Client) InvoiceStatus(ctx context.Context, invoice string) (InvoiceState, error) {
	var resp struct {
		Status InvoiceState `json:"status"`
	}
	req := struct {
		Invoice string `json:"invoice"`
	}{Invoice: invoice}
	if err := c.post(ctx, "/invoicestatus", req, &resp); err != nil {
		return "", fmt.Errorf("failed to query invoice status: %w", err)
	}
	return resp.Status, nil
}

// InitAssetTransfer starts an RGB asset transfer to the recipient's blinded
// UTXO and returns the transfer's txid.
func (c *Client) InitAssetTransfer(ctx context.Context, assetID, recipientID string, amount uint64) (string, error) {
	var resp struct {
		TxID string `json:"txid"`
	}
	req := struct {
		AssetID     string `json:"asset_id"`
		RecipientID string `json:"recipient_id"`
		Amount      uint64 `json:"amount"`
	}{AssetID: assetID, RecipientID: recipientID, Amount: amount}
	if err := c.post(ctx, "/sendasset", req, &resp); err != nil {
		return "", fmt.Errorf("failed to initiate asset transfer: %w", err)
	}
	return resp.TxID, nil
}

// RefreshTransfers asks the node to sync pending asset transfers with its
// proxy; call after a counterparty-initiated transfer to make it visible.
func (c *Client) RefreshTransfers(ctx context.Context) error {
	if err := c.post(ctx, "/refreshtransfers", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to refresh transfers: %w", err)
	}
	return nil
}

// AssetBalance fetches the node's balance for one asset.
func (c *Client) AssetBalance(ctx context.Context, assetID string) (*AssetBalance, error) {
	var balance AssetBalance
	req := struct {
		AssetID string `json:"asset_id"`
	}{AssetID: assetID}
	if err := c.post(ctx, "/assetbalance", req, &balance); err != nil {
		return nil, fmt.Errorf("failed to query asset balance: %w", err)
	}
	return &balance, nil
}

// AssetMetadata fetches ticker, name and precision for one asset.
func (c *Client) AssetMetadata(ctx context.Context, assetID string) (*AssetMetadata, error) {
	var meta AssetMetadata
	req := struct {
		AssetID string `json:"asset_id"`
	}{AssetID: assetID}
	if err := c.post(ctx, "/assetmetadata", req, &meta); err != nil {
		return nil, fmt.Errorf("failed to query asset metadata: %w", err)
	}
	return &meta, nil
}

// post performs one JSON request/response round trip. A nil result discards
// the response body after checking the status.
func (c *Client) post(ctx context.Context, path string, reqBody, result interface{}) error {
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("node rejected %s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("node rejected %s: http %d", path, resp.StatusCode)
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return nil
}
