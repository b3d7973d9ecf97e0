// Package swap - funding confirmation monitor.
// Watches the chain for the deposit paying the HTLC address and blocks until
// it has enough confirmations or the polling budget runs out.
package swap

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/subswap-labs/subswapd/internal/backend"
	"github.com/subswap-labs/subswapd/pkg/logging"
)

// MonitorConfig bounds the funding wait.
type MonitorConfig struct {
	// PollInterval between chain queries.
	PollInterval time.Duration

	// MaxAttempts before giving up with ErrFundingTimeout.
	MaxAttempts int
}

// DefaultMonitorConfig polls every 5 seconds for about 5 minutes.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval: 5 * time.Second,
		MaxAttempts:  60,
	}
}

// Monitor detects and confirms the on-chain deposit to an HTLC output.
// One Monitor serves every session, with waits running concurrently.
type Monitor struct {
	backend backend.Backend
	cfg     MonitorConfig
	log     *logging.Logger

	// imported tracks which addresses the fallback has registered
	// watch-only, so each is imported at most once.
	mu       sync.Mutex
	imported map[string]bool
}

// NewMonitor creates a funding monitor over the node collaborator.
func NewMonitor(b backend.Backend, cfg MonitorConfig, log *logging.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultMonitorConfig().PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMonitorConfig().MaxAttempts
	}
	if log == nil {
		log = logging.GetDefault().Component("monitor")
	}
	return &Monitor{backend: b, cfg: cfg, log: log, imported: make(map[string]bool)}
}

// WaitForFunding blocks until a UTXO paying address has at least minConf
// confirmations and positive value, then returns it. The UTXO-set scan is
// the primary strategy; when it fails (pruned node, scan unavailable) the
// monitor falls back to a watch-only import plus listunspent. Transient node
// errors count against the attempt budget rather than aborting the wait.
//
// Address correspondence is all this checks; the caller cross-checks the
// returned UTXO's script against the contract's expected output.
func (m *Monitor) WaitForFunding(ctx context.Context, address string, minConf int64) (*FundingUtxo, error) {
	m.log.Info("waiting for funding", "address", address, "min_conf", minConf)

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		utxo, err := m.poll(ctx, address, minConf)
		if err == nil && utxo != nil {
			m.log.Info("funding confirmed",
				"txid", utxo.TxID, "vout", utxo.Vout,
				"value", utxo.Value, "confirmations", utxo.Confirmations)
			return utxo, nil
		}
		if err != nil {
			m.log.Debug("funding poll failed", "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}

	return nil, fmt.Errorf("%w: no confirmed deposit to %s after %d attempts",
		ErrFundingTimeout, address, m.cfg.MaxAttempts)
}

// poll runs one detection round. Returns (nil, nil) when the deposit is not
// yet visible or not yet confirmed.
func (m *Monitor) poll(ctx context.Context, address string, minConf int64) (*FundingUtxo, error) {
	utxos, err := m.backend.ScanUTXOSet(ctx, address)
	if err != nil {
		utxos, err = m.pollFallback(ctx, address, minConf)
		if err != nil {
			return nil, err
		}
	}

	for _, u := range utxos {
		if u.Amount == 0 || u.Confirmations < minConf {
			continue
		}
		script, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("node returned invalid script hex: %w", err)
		}
		return &FundingUtxo{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Value:         u.Amount,
			Confirmations: u.Confirmations,
			PkScript:      script,
		}, nil
	}
	return nil, nil
}

// pollFallback registers the address watch-only once per address and then
// lists unspent outputs through the node wallet.
func (m *Monitor) pollFallback(ctx context.Context, address string, minConf int64) ([]backend.UTXO, error) {
	m.mu.Lock()
	needImport := !m.imported[address]
	m.mu.Unlock()

	if needImport {
		if err := m.backend.ImportAddress(ctx, address); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.imported[address] = true
		m.mu.Unlock()
		m.log.Debug("registered watch-only address", "address", address)
	}
	return m.backend.ListUnspent(ctx, address, minConf)
}
