package account

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterAndFind(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	acct, err := svc.Register(ctx, "0xABCDEF1234567890abcdef1234567890ABCDEF12", "alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if acct.Address != "0xabcdef1234567890abcdef1234567890abcdef12" {
		t.Errorf("address not folded: %s", acct.Address)
	}

	// Lookup is case-insensitive too.
	found, err := svc.Find(ctx, "0xAbCdEf1234567890abcdef1234567890abcdef12")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if found.DisplayName != "alice" {
		t.Errorf("display name = %s", found.DisplayName)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "0xaaa", "first"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := svc.Register(ctx, "0xAAA", "second"); !errors.Is(err, ErrExists) {
		t.Errorf("case-variant re-register: want ErrExists, got %v", err)
	}
}

func TestFind_Unknown(t *testing.T) {
	svc := NewService(NewMemoryStore())
	if _, err := svc.Find(context.Background(), "0xmissing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestRename(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "0xaaa", "old"); err != nil {
		t.Fatalf("register: %v", err)
	}
	acct, err := svc.Rename(ctx, "0xAAA", "new")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if acct.DisplayName != "new" {
		t.Errorf("display name = %s, want new", acct.DisplayName)
	}
	if !acct.UpdatedAt.After(acct.CreatedAt) && !acct.UpdatedAt.Equal(acct.CreatedAt) {
		t.Error("UpdatedAt not refreshed")
	}

	if _, err := svc.Rename(ctx, "0xbbb", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename unknown: want ErrNotFound, got %v", err)
	}
}

func TestList_PaginationAndOrder(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	for _, addr := range []string{"0xaaa", "0xbbb", "0xccc"} {
		if _, err := svc.Register(ctx, addr, ""); err != nil {
			t.Fatalf("register %s: %v", addr, err)
		}
	}

	all, err := svc.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}

	page, err := svc.List(ctx, 2, 2)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("page len = %d, want 1", len(page))
	}

	n, err := store.Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("count = %d, %v; want 3", n, err)
	}
}
