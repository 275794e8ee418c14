// Package chain abstracts the settlement layer that actually moves assets.
//
// The escrow core never signs or submits transactions itself; it calls an
// Executor and trusts its success/failure report. Two implementations exist:
// an Ethereum-backed executor for real ERC-20 settlement and an in-process
// simulator for demo mode and tests.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrUnknownAccount    = errors.New("chain: unknown account")
	ErrVaultExists       = errors.New("chain: custody account already exists")
	ErrVaultNotFound     = errors.New("chain: custody account not found")
	ErrVaultNotEmpty     = errors.New("chain: custody account balance is not zero")
	ErrTimeout           = errors.New("chain: operation timed out")
)

// Receipt reports a settled transfer.
type Receipt struct {
	TxHash      string    `json:"txHash"`
	Confirmed   bool      `json:"confirmed"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// TransferError wraps settlement failures with operation context.
type TransferError struct {
	Op     string // operation that failed
	TxHash string // transaction hash if one was submitted
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Executor performs asset movement on the settlement layer.
//
// Amounts are in the asset's native smallest unit. Every call is synchronous:
// a nil error means the movement is final from the caller's point of view.
type Executor interface {
	// Transfer moves amount of asset from source to dest.
	Transfer(ctx context.Context, source, dest, asset string, amount uint64) (*Receipt, error)

	// OpenCustody creates the custody account ref and funds it with amount of
	// asset drawn from source. Fails with ErrInsufficientFunds if source
	// holds less than amount.
	OpenCustody(ctx context.Context, ref, source, asset string, amount uint64) (*Receipt, error)

	// ReleaseCustody moves amount of the custody account's asset to dest.
	// Only the executor's own authority can sign this; no depositor or taker
	// key is involved.
	ReleaseCustody(ctx context.Context, ref, dest string, amount uint64) (*Receipt, error)

	// CloseCustody destroys an empty custody account and refunds its storage
	// deposit to rentDest. Fails with ErrVaultNotEmpty on a nonzero balance.
	CloseCustody(ctx context.Context, ref, rentDest string) error

	// CustodyBalance reports the current balance of a custody account.
	CustodyBalance(ctx context.Context, ref string) (uint64, error)
}
