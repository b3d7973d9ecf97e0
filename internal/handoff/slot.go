// Package handoff implements the store-and-forward rendezvous between the
// two role processes. Each artifact lives in a single overwritable slot:
// publishing replaces the previous value, polling returns the current value
// or "not yet available". No queue, no history.
package handoff

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Slot names carried by the channel, in deposit-flow order.
const (
	SlotPendingSwap   = "pending-swap"    // USER -> LP: invoice + refund pubkey
	SlotHtlcParams    = "htlc-params"     // LP -> USER: derived HTLC parameters
	SlotFundingCoords = "funding-coords"  // USER -> LP: funding tx coordinates
)

// ErrUnknownSlot reports a resource name outside the protocol's three slots.
var ErrUnknownSlot = errors.New("unknown handoff slot")

// Slot is a single-value store with last-write-wins semantics.
// Get's second return distinguishes "not yet published" from an empty value.
type Slot interface {
	Put(value []byte) error
	Get() (value []byte, ok bool, err error)
}

// MemorySlot keeps the current value in memory.
type MemorySlot struct {
	mu    sync.RWMutex
	value []byte
	set   bool
}

// NewMemorySlot returns an empty in-memory slot.
func NewMemorySlot() *MemorySlot {
	return &MemorySlot{}
}

// Put replaces the slot's value.
func (s *MemorySlot) Put(value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = append([]byte(nil), value...)
	s.set = true
	return nil
}

// Get returns the current value, or ok=false before any publish.
func (s *MemorySlot) Get() ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return nil, false, nil
	}
	return append([]byte(nil), s.value...), true, nil
}

// FileSlot persists the current value to a file, so a restarted process
// re-serves the last published artifact.
type FileSlot struct {
	mu   sync.Mutex
	path string
}

// NewFileSlot stores the slot value at path. The parent directory must
// exist.
func NewFileSlot(path string) *FileSlot {
	return &FileSlot{path: path}
}

// Put atomically replaces the file's contents.
func (s *FileSlot) Put(value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Get reads the current value; a missing file means not yet published.
func (s *FileSlot) Get() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Store groups the three protocol slots.
type Store struct {
	slots map[string]Slot
}

// NewMemoryStore creates a store with in-memory slots.
func NewMemoryStore() *Store {
	return &Store{slots: map[string]Slot{
		SlotPendingSwap:   NewMemorySlot(),
		SlotHtlcParams:    NewMemorySlot(),
		SlotFundingCoords: NewMemorySlot(),
	}}
}

// NewFileStore creates a store persisting each slot under dir.
func NewFileStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{slots: map[string]Slot{
		SlotPendingSwap:   NewFileSlot(filepath.Join(dir, SlotPendingSwap+".json")),
		SlotHtlcParams:    NewFileSlot(filepath.Join(dir, SlotHtlcParams+".json")),
		SlotFundingCoords: NewFileSlot(filepath.Join(dir, SlotFundingCoords+".json")),
	}}, nil
}

// Slot returns the named slot.
func (s *Store) Slot(name string) (Slot, error) {
	slot, ok := s.slots[name]
	if !ok {
		return nil, ErrUnknownSlot
	}
	return slot, nil
}
