// Package vault manages the isolated custody accounts that hold locked
// escrow assets.
//
// One vault exists per escrow. It is funded in the same step that creates
// it, can only be drained by the custodian acting as the state machine's
// authority, and can only be closed once empty. No depositor or taker key
// can touch it.
package vault

import (
	"context"
	"fmt"

	"github.com/otcdesk/escrowd/internal/chain"
	"github.com/otcdesk/escrowd/internal/derive"
)

// Custodian opens, drains, and closes custody vaults on behalf of the
// escrow state machine.
type Custodian struct {
	exec chain.Executor
}

// NewCustodian creates a custodian backed by the given settlement executor.
func NewCustodian(exec chain.Executor) *Custodian {
	return &Custodian{exec: exec}
}

// Open creates the vault for escrowID and funds it with amount of asset
// drawn from source. The vault ref is derived from the escrow id, so it can
// be recomputed by any party.
func (c *Custodian) Open(ctx context.Context, escrowID, source, asset string, amount uint64) (string, error) {
	ref := derive.VaultRef(escrowID)
	if _, err := c.exec.OpenCustody(ctx, ref, source, asset, amount); err != nil {
		return "", fmt.Errorf("open vault %s: %w", ref, err)
	}
	return ref, nil
}

// Release moves amount out of the vault to dest. Only the custodian's
// authority signs; callers cannot release a vault directly.
func (c *Custodian) Release(ctx context.Context, ref, dest string, amount uint64) error {
	if _, err := c.exec.ReleaseCustody(ctx, ref, dest, amount); err != nil {
		return fmt.Errorf("release vault %s: %w", ref, err)
	}
	return nil
}

// Close destroys the empty vault and refunds its storage deposit to
// rentDest. Fails if any balance remains.
func (c *Custodian) Close(ctx context.Context, ref, rentDest string) error {
	if err := c.exec.CloseCustody(ctx, ref, rentDest); err != nil {
		return fmt.Errorf("close vault %s: %w", ref, err)
	}
	return nil
}

// Transfer moves amount of asset directly between two ordinary accounts,
// outside any vault. The exchange path uses this for the taker's
// counter-payment leg.
func (c *Custodian) Transfer(ctx context.Context, source, dest, asset string, amount uint64) error {
	if _, err := c.exec.Transfer(ctx, source, dest, asset, amount); err != nil {
		return fmt.Errorf("transfer %s: %w", asset, err)
	}
	return nil
}

// Balance reports the vault's current balance.
func (c *Custodian) Balance(ctx context.Context, ref string) (uint64, error) {
	return c.exec.CustodyBalance(ctx, ref)
}
