// Package handoff - polling client for the counterparty's channel.
package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/subswap-labs/subswapd/pkg/logging"
)

// Client errors.
var (
	// ErrNotAvailable reports that the slot has no value yet.
	ErrNotAvailable = errors.New("handoff value not yet available")

	// ErrHandoffTimeout reports that Await exhausted its attempt budget.
	ErrHandoffTimeout = errors.New("handoff wait timed out")
)

// PollConfig bounds Await's backoff loop.
type PollConfig struct {
	// InitialInterval before the second attempt.
	InitialInterval time.Duration

	// MaxInterval caps the exponential growth.
	MaxInterval time.Duration

	// MaxAttempts before ErrHandoffTimeout.
	MaxAttempts int
}

// DefaultPollConfig retries for roughly five minutes.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: time.Second,
		MaxInterval:     15 * time.Second,
		MaxAttempts:     40,
	}
}

// Client reads and writes the counterparty's handoff slots.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        PollConfig
	log        *logging.Logger
}

// NewClient targets the counterparty's handoff server at baseURL
// (e.g. "http://127.0.0.1:9735"). A nil httpClient gets a short-timeout
// default suited to same-host polling.
func NewClient(baseURL string, httpClient *http.Client, cfg PollConfig, log *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.InitialInterval <= 0 {
		cfg = DefaultPollConfig()
	}
	if log == nil {
		log = logging.GetDefault().Component("handoff")
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, cfg: cfg, log: log}
}

// Publish replaces the slot's value with the JSON encoding of v.
func (c *Client) Publish(ctx context.Context, slot string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s artifact: %w", slot, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.slotURL(slot), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish to %s failed: %w", slot, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish to %s rejected: http %d", slot, resp.StatusCode)
	}
	return nil
}

// Poll reads the slot's current value into v. Returns ErrNotAvailable when
// nothing has been published yet.
func (c *Client) Poll(ctx context.Context, slot string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.slotURL(slot), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("poll of %s failed: %w", slot, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return ErrNotAvailable
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("failed to read %s value: %w", slot, err)
		}
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("malformed %s value: %w", slot, err)
		}
		return nil
	default:
		return fmt.Errorf("poll of %s failed: http %d", slot, resp.StatusCode)
	}
}

// Await polls the slot until a value appears, backing off exponentially with
// randomized jitter up to MaxInterval. Transient connectivity failures are
// retried within the same attempt budget; only the budget running out
// surfaces, as ErrHandoffTimeout.
func (c *Client) Await(ctx context.Context, slot string, v interface{}) error {
	interval := c.cfg.InitialInterval

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := c.Poll(ctx, slot, v)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotAvailable) && !isTransient(err) {
			return err
		}
		c.log.Debug("handoff poll", "slot", slot, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(interval)):
		}

		interval *= 2
		if interval > c.cfg.MaxInterval {
			interval = c.cfg.MaxInterval
		}
	}

	return fmt.Errorf("%w: %s after %d attempts", ErrHandoffTimeout, slot, c.cfg.MaxAttempts)
}

func (c *Client) slotURL(slot string) string {
	return c.baseURL + "/handoff/" + slot
}

// jitter returns a duration uniformly drawn from [d/2, 3d/2).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d)))
}

// isTransient reports whether the error looks like a connectivity blip
// (refused, reset, timed out) worth retrying inside the poll budget.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
