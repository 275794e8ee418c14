package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/otcdesk/escrowd/internal/chain"
	"github.com/otcdesk/escrowd/internal/derive"
)

func TestCustodian_FullCycle(t *testing.T) {
	sim := chain.NewSimulator()
	cust := NewCustodian(sim)
	ctx := context.Background()

	sim.Mint("0xdepositor", "tokX", 100)

	ref, err := cust.Open(ctx, "esc_abc", "0xdepositor", "tokX", 100)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if ref != derive.VaultRef("esc_abc") {
		t.Errorf("vault ref not derived from escrow id: %s", ref)
	}

	bal, err := cust.Balance(ctx, ref)
	if err != nil || bal != 100 {
		t.Fatalf("Balance = %d, %v; want 100, nil", bal, err)
	}

	// Close must fail while funds remain.
	if err := cust.Close(ctx, ref, "0xdepositor"); !errors.Is(err, chain.ErrVaultNotEmpty) {
		t.Errorf("close with balance: want ErrVaultNotEmpty, got %v", err)
	}

	if err := cust.Release(ctx, ref, "0xtaker", 100); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := sim.BalanceOf("0xtaker", "tokX"); got != 100 {
		t.Errorf("taker balance = %d, want 100", got)
	}

	if err := cust.Close(ctx, ref, "0xtaker"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestCustodian_OpenInsufficientFunds(t *testing.T) {
	sim := chain.NewSimulator()
	cust := NewCustodian(sim)

	_, err := cust.Open(context.Background(), "esc_poor", "0xdepositor", "tokX", 1)
	if !errors.Is(err, chain.ErrInsufficientFunds) {
		t.Errorf("want ErrInsufficientFunds, got %v", err)
	}
}

func TestCustodian_Transfer(t *testing.T) {
	sim := chain.NewSimulator()
	cust := NewCustodian(sim)
	ctx := context.Background()
	sim.Mint("0xtaker", "tokY", 50)

	if err := cust.Transfer(ctx, "0xtaker", "0xowner", "tokY", 30); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if got := sim.BalanceOf("0xowner", "tokY"); got != 30 {
		t.Errorf("owner balance = %d, want 30", got)
	}

	if err := cust.Transfer(ctx, "0xtaker", "0xowner", "tokY", 100); !errors.Is(err, chain.ErrInsufficientFunds) {
		t.Errorf("overdraw: want ErrInsufficientFunds, got %v", err)
	}
}

func TestCustodian_DoubleOpenRejected(t *testing.T) {
	sim := chain.NewSimulator()
	cust := NewCustodian(sim)
	ctx := context.Background()
	sim.Mint("0xdepositor", "tokX", 10)

	if _, err := cust.Open(ctx, "esc_dup", "0xdepositor", "tokX", 5); err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if _, err := cust.Open(ctx, "esc_dup", "0xdepositor", "tokX", 5); !errors.Is(err, chain.ErrVaultExists) {
		t.Errorf("second Open: want ErrVaultExists, got %v", err)
	}
}
