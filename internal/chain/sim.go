package chain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Simulator is an in-process Executor for demo mode and tests.
// Balances live in memory; every operation settles immediately.
type Simulator struct {
	mu       sync.Mutex
	balances map[string]map[string]uint64 // account -> asset -> amount
	vaults   map[string]*simVault
	txSeq    uint64
}

type simVault struct {
	asset   string
	balance uint64
}

// NewSimulator creates an empty simulated settlement layer.
func NewSimulator() *Simulator {
	return &Simulator{
		balances: make(map[string]map[string]uint64),
		vaults:   make(map[string]*simVault),
	}
}

// Mint credits an account out of thin air. Test/demo setup only.
func (s *Simulator) Mint(account, asset string, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(account, asset, amount)
}

// BalanceOf reports an account's balance for an asset.
func (s *Simulator) BalanceOf(account, asset string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account][asset]
}

func (s *Simulator) Transfer(ctx context.Context, source, dest, asset string, amount uint64) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransferError{Op: "transfer", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.debit(source, asset, amount); err != nil {
		return nil, &TransferError{Op: "transfer", Err: err}
	}
	s.credit(dest, asset, amount)
	return s.receipt(), nil
}

func (s *Simulator) OpenCustody(ctx context.Context, ref, source, asset string, amount uint64) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransferError{Op: "open_custody", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vaults[ref]; ok {
		return nil, &TransferError{Op: "open_custody", Err: ErrVaultExists}
	}
	if err := s.debit(source, asset, amount); err != nil {
		return nil, &TransferError{Op: "open_custody", Err: err}
	}
	s.vaults[ref] = &simVault{asset: asset, balance: amount}
	return s.receipt(), nil
}

func (s *Simulator) ReleaseCustody(ctx context.Context, ref, dest string, amount uint64) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransferError{Op: "release_custody", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[ref]
	if !ok {
		return nil, &TransferError{Op: "release_custody", Err: ErrVaultNotFound}
	}
	if v.balance < amount {
		return nil, &TransferError{Op: "release_custody", Err: ErrInsufficientFunds}
	}
	v.balance -= amount
	s.credit(dest, v.asset, amount)
	return s.receipt(), nil
}

func (s *Simulator) CloseCustody(ctx context.Context, ref, rentDest string) error {
	if err := ctx.Err(); err != nil {
		return &TransferError{Op: "close_custody", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[ref]
	if !ok {
		return &TransferError{Op: "close_custody", Err: ErrVaultNotFound}
	}
	if v.balance != 0 {
		return &TransferError{Op: "close_custody", Err: ErrVaultNotEmpty}
	}
	delete(s.vaults, ref)
	// The simulator has no rent economics; closing is what refunds it,
	// so the destination is accepted and ignored.
	_ = rentDest
	return nil
}

func (s *Simulator) CustodyBalance(ctx context.Context, ref string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[ref]
	if !ok {
		return 0, ErrVaultNotFound
	}
	return v.balance, nil
}

// credit and debit require s.mu held.

func (s *Simulator) credit(account, asset string, amount uint64) {
	if s.balances[account] == nil {
		s.balances[account] = make(map[string]uint64)
	}
	s.balances[account][asset] += amount
}

func (s *Simulator) debit(account, asset string, amount uint64) error {
	if s.balances[account][asset] < amount {
		return ErrInsufficientFunds
	}
	s.balances[account][asset] -= amount
	return nil
}

func (s *Simulator) receipt() *Receipt {
	s.txSeq++
	return &Receipt{
		TxHash:      fmt.Sprintf("sim_%012d", s.txSeq),
		Confirmed:   true,
		ConfirmedAt: time.Now(),
	}
}

var _ Executor = (*Simulator)(nil)
