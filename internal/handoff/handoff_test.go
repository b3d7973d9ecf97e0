package handoff

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemorySlotEmpty(t *testing.T) {
	store := NewMemoryStore()
	slot, err := store.Slot(SlotPendingSwap)
	if err != nil {
		t.Fatalf("Slot() error: %v", err)
	}

	_, ok, err := slot.Get()
	if err != nil {
		t.Fatalf("Get() on empty slot error: %v", err)
	}
	if ok {
		t.Error("empty slot reported a value")
	}
}

func TestMemorySlotLastWriteWins(t *testing.T) {
	store := NewMemoryStore()
	slot, err := store.Slot(SlotHtlcParams)
	if err != nil {
		t.Fatalf("Slot() error: %v", err)
	}

	if err := slot.Put([]byte("first")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := slot.Put([]byte("second")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	value, ok, err := slot.Get()
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !ok {
		t.Fatal("slot reported no value after Put")
	}
	if string(value) != "second" {
		t.Errorf("Get() = %q, want %q", value, "second")
	}
}

func TestStoreUnknownSlot(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Slot("no-such-slot"); !errors.Is(err, ErrUnknownSlot) {
		t.Errorf("Slot(unknown) error = %v, want ErrUnknownSlot", err)
	}
}

func TestFileSlotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	slot, err := store.Slot(SlotFundingCoords)
	if err != nil {
		t.Fatalf("Slot() error: %v", err)
	}

	if _, ok, _ := slot.Get(); ok {
		t.Fatal("fresh file slot reported a value")
	}

	if err := slot.Put([]byte(`{"swap_id":"abc"}`)); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	value, ok, err := slot.Get()
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !ok {
		t.Fatal("slot reported no value after Put")
	}
	if string(value) != `{"swap_id":"abc"}` {
		t.Errorf("Get() = %q", value)
	}

	// No leftover temp files from the atomic write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Errorf("leftover temp file %q", entry.Name())
		}
	}
}

func TestServerClientRoundTrip(t *testing.T) {
	srv := NewServer(NewMemoryStore(), nil)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop(context.Background())

	client := NewClient("http://"+srv.Addr(), nil, PollConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxAttempts:     5,
	}, nil)
	ctx := context.Background()

	// Slot not yet published.
	var got PendingSwap
	if err := client.Poll(ctx, SlotPendingSwap, &got); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("Poll(empty) error = %v, want ErrNotAvailable", err)
	}

	want := PendingSwap{
		SwapID:       "d1c0ffee",
		Invoice:      "lnbcrt10u1p...",
		PaymentHash:  "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		RefundPubKey: "02a1633cafcc01ebfb6d78e39f687a1f0995c62fc95f51ead10a02ee0be551b5dc",
		AmountSats:   100_000,
	}
	if err := client.Publish(ctx, SlotPendingSwap, want); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if err := client.Poll(ctx, SlotPendingSwap, &got); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if got != want {
		t.Errorf("Poll() = %+v, want %+v", got, want)
	}

	// Republish replaces the previous value.
	want.AmountSats = 250_000
	if err := client.Publish(ctx, SlotPendingSwap, want); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := client.Poll(ctx, SlotPendingSwap, &got); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if got.AmountSats != 250_000 {
		t.Errorf("replaced AmountSats = %d, want 250000", got.AmountSats)
	}
}

func TestServerUnknownSlot(t *testing.T) {
	srv := NewServer(NewMemoryStore(), nil)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/handoff/bogus")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAwaitReceivesLatePublish(t *testing.T) {
	srv := NewServer(NewMemoryStore(), nil)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop(context.Background())

	client := NewClient("http://"+srv.Addr(), nil, PollConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxAttempts:     50,
	}, nil)
	ctx := context.Background()

	want := FundingCoords{SwapID: "abc", TxID: "ff00", Vout: 1, ValueSats: 10_000}
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = client.Publish(ctx, SlotFundingCoords, want)
	}()

	var got FundingCoords
	if err := client.Await(ctx, SlotFundingCoords, &got); err != nil {
		t.Fatalf("Await() error: %v", err)
	}
	if got != want {
		t.Errorf("Await() = %+v, want %+v", got, want)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	srv := NewServer(NewMemoryStore(), nil)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop(context.Background())

	client := NewClient("http://"+srv.Addr(), nil, PollConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxAttempts:     3,
	}, nil)

	var got HtlcParams
	err := client.Await(context.Background(), SlotHtlcParams, &got)
	if !errors.Is(err, ErrHandoffTimeout) {
		t.Errorf("Await() error = %v, want ErrHandoffTimeout", err)
	}
}
