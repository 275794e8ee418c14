package escrow

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedRecordOn(t *testing.T, store Store, id string, createdAt time.Time) {
	t.Helper()
	err := store.Create(context.Background(), &Record{
		ID:        id,
		Owner:     owner,
		Status:    StatusPending,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(time.Hour),
	}, createDelta(1))
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestDailyCreations_GroupsByDate(t *testing.T) {
	store := NewMemoryStore()
	a := NewAnalytics(store)

	day1 := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	day2 := time.Date(2026, 5, 3, 23, 59, 59, 0, time.UTC)

	// Two on day1 at different times of day, one on day2.
	seedRecordOn(t, store, "esc_a", day1)
	seedRecordOn(t, store, "esc_b", day1.Add(8*time.Hour))
	seedRecordOn(t, store, "esc_c", day2)

	counts, err := a.DailyCreations(context.Background())
	if err != nil {
		t.Fatalf("DailyCreations: %v", err)
	}

	if len(counts) != 2 {
		t.Fatalf("len = %d, want 2", len(counts))
	}
	if counts[0].Date != "2026-05-01" || counts[0].Count != 2 {
		t.Errorf("day 1 = %+v", counts[0])
	}
	if counts[1].Date != "2026-05-03" || counts[1].Count != 1 {
		t.Errorf("day 2 = %+v", counts[1])
	}
}

func TestDailyCreations_SortedAscending(t *testing.T) {
	store := NewMemoryStore()
	a := NewAnalytics(store)

	// Insert newest first; output must still come back oldest first.
	for i := 5; i >= 1; i-- {
		day := time.Date(2026, 4, i, 12, 0, 0, 0, time.UTC)
		seedRecordOn(t, store, fmt.Sprintf("esc_%d", i), day)
	}

	counts, err := a.DailyCreations(context.Background())
	if err != nil {
		t.Fatalf("DailyCreations: %v", err)
	}
	if len(counts) != 5 {
		t.Fatalf("len = %d, want 5", len(counts))
	}
	for i := 1; i < len(counts); i++ {
		if counts[i-1].Date >= counts[i].Date {
			t.Errorf("not ascending at %d: %s >= %s", i, counts[i-1].Date, counts[i].Date)
		}
	}
}

func TestDailyCreations_Empty(t *testing.T) {
	a := NewAnalytics(NewMemoryStore())
	counts, err := a.DailyCreations(context.Background())
	if err != nil {
		t.Fatalf("DailyCreations: %v", err)
	}
	if counts == nil || len(counts) != 0 {
		t.Errorf("want empty non-nil slice, got %#v", counts)
	}
}

func TestDailyCreations_CountsTerminalRecordsToo(t *testing.T) {
	store := NewMemoryStore()
	a := NewAnalytics(store)

	day := time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)
	seedRecordOn(t, store, "esc_done", day)
	if err := store.Finalize(context.Background(), "esc_done", StatusCancelled, day.Add(time.Minute), cancelDelta(1)); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	counts, err := a.DailyCreations(context.Background())
	if err != nil {
		t.Fatalf("DailyCreations: %v", err)
	}
	if len(counts) != 1 || counts[0].Count != 1 {
		t.Errorf("terminal records must still count: %+v", counts)
	}
}
