package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_DuplicateCreate(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedRecordOn(t, store, "esc_dup", now)

	err := store.Create(context.Background(), &Record{ID: "esc_dup", Owner: owner, Status: StatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}, createDelta(1))
	if !errors.Is(err, ErrDuplicateEscrow) {
		t.Errorf("want ErrDuplicateEscrow, got %v", err)
	}

	stats, _ := store.GlobalStats(context.Background())
	if stats.TotalCreated != 1 {
		t.Errorf("rejected create must not count: %+v", stats)
	}
}

func TestMemoryStore_FinalizeCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	seedRecordOn(t, store, "esc_cas", now)

	if err := store.Finalize(ctx, "esc_missing", StatusCancelled, now, cancelDelta(1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: want ErrNotFound, got %v", err)
	}

	if err := store.Finalize(ctx, "esc_cas", StatusCompleted, now, completeDelta(1)); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if err := store.Finalize(ctx, "esc_cas", StatusCancelled, now, cancelDelta(1)); !errors.Is(err, ErrConflict) {
		t.Errorf("second finalize: want ErrConflict, got %v", err)
	}

	stats, _ := store.GlobalStats(ctx)
	if stats.TotalCompleted != 1 || stats.TotalCanceled != 0 {
		t.Errorf("losing finalize applied its delta: %+v", stats)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedRecordOn(t, store, "esc_copy", time.Now())

	rec, err := store.Get(ctx, "esc_copy")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rec.Status = StatusCompleted // mutate the copy

	again, _ := store.Get(ctx, "esc_copy")
	if again.Status != StatusPending {
		t.Error("Get must return an isolated copy")
	}
}

func TestMemoryStore_NextExpiringEmpty(t *testing.T) {
	store := NewMemoryStore()
	rec, err := store.NextExpiring(context.Background())
	if err != nil || rec != nil {
		t.Errorf("empty ledger: want (nil, nil), got (%v, %v)", rec, err)
	}
}

func TestMemoryStore_NextExpiringSkipsTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedRecordOn(t, store, "esc_old", now.Add(-2*time.Hour))
	seedRecordOn(t, store, "esc_new", now)
	if err := store.Finalize(ctx, "esc_old", StatusCancelled, now, cancelDelta(1)); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rec, err := store.NextExpiring(ctx)
	if err != nil {
		t.Fatalf("NextExpiring: %v", err)
	}
	if rec == nil || rec.ID != "esc_new" {
		t.Errorf("terminal records must be skipped: %+v", rec)
	}
}
