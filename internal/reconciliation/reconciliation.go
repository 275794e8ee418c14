// Package reconciliation audits the escrow ledger against the settlement layer.
//
// The service never repairs anything. A post-settlement persist failure can
// leave a record Pending while its vault is already drained; reconciliation
// surfaces that fault so an operator can resolve it with the full picture.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/otcdesk/escrowd/internal/chain"
	"github.com/otcdesk/escrowd/internal/escrow"
)

// Fault kinds reported by a run.
const (
	FaultVaultDrained    = "vault_drained"    // Pending record, empty vault
	FaultBalanceMismatch = "balance_mismatch" // vault holds a different amount than the record locked
	FaultVaultUnreadable = "vault_unreadable" // balance query failed
	FaultStatsMismatch   = "stats_mismatch"   // total_value_locked disagrees with the pending sum
)

// Fault is one discrepancy between the ledger and the settlement layer.
type Fault struct {
	Kind     string `json:"kind"`
	EscrowID string `json:"escrowId,omitempty"`
	VaultRef string `json:"vaultRef,omitempty"`
	Expected uint64 `json:"expected"`
	Actual   uint64 `json:"actual"`
	Detail   string `json:"detail,omitempty"`
}

// Report summarizes one reconciliation run.
type Report struct {
	CheckedAt        time.Time `json:"checkedAt"`
	PendingCount     int       `json:"pendingCount"`
	PendingSum       uint64    `json:"pendingSum"`
	TotalValueLocked uint64    `json:"totalValueLocked"`
	Faults           []Fault   `json:"faults"`
}

// Healthy reports whether the run found no discrepancies.
func (r *Report) Healthy() bool {
	return len(r.Faults) == 0
}

// Ledger is the slice of the escrow store reconciliation reads.
type Ledger interface {
	ListPending(ctx context.Context) ([]*escrow.Record, error)
	GlobalStats(ctx context.Context) (*escrow.GlobalStats, error)
}

// Service runs ledger-versus-chain audits.
type Service struct {
	ledger Ledger
	exec   chain.Executor
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(ledger Ledger, exec chain.Executor, logger *slog.Logger) *Service {
	return &Service{
		ledger: ledger,
		exec:   exec,
		logger: logger,
		now:    time.Now,
	}
}

// Run audits every Pending record's vault balance and the stats singleton.
// A non-nil error means the audit itself could not complete; faults found by
// a completed audit live in the report, not the error.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	pending, err := s.ledger.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.ledger.GlobalStats(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		CheckedAt:        s.now().UTC(),
		PendingCount:     len(pending),
		TotalValueLocked: stats.TotalValueLocked,
		Faults:           []Fault{},
	}

	for _, rec := range pending {
		report.PendingSum += rec.OfferAmount

		balance, err := s.exec.CustodyBalance(ctx, rec.VaultRef)
		if err != nil {
			report.Faults = append(report.Faults, Fault{
				Kind:     FaultVaultUnreadable,
				EscrowID: rec.ID,
				VaultRef: rec.VaultRef,
				Expected: rec.OfferAmount,
				Detail:   err.Error(),
			})
			continue
		}
		switch {
		case balance == rec.OfferAmount:
			// Custody matches the ledger.
		case balance == 0:
			report.Faults = append(report.Faults, Fault{
				Kind:     FaultVaultDrained,
				EscrowID: rec.ID,
				VaultRef: rec.VaultRef,
				Expected: rec.OfferAmount,
				Actual:   0,
				Detail:   "vault drained but record still pending; settlement likely completed without the status write",
			})
		default:
			report.Faults = append(report.Faults, Fault{
				Kind:     FaultBalanceMismatch,
				EscrowID: rec.ID,
				VaultRef: rec.VaultRef,
				Expected: rec.OfferAmount,
				Actual:   balance,
			})
		}
	}

	if report.PendingSum != stats.TotalValueLocked {
		report.Faults = append(report.Faults, Fault{
			Kind:     FaultStatsMismatch,
			Expected: report.PendingSum,
			Actual:   stats.TotalValueLocked,
			Detail:   "total_value_locked disagrees with the sum of pending offers",
		})
	}

	if report.Healthy() {
		s.logger.Info("reconciliation clean",
			"pending", report.PendingCount,
			"valueLocked", report.TotalValueLocked)
	} else {
		s.logger.Error("reconciliation found faults",
			"pending", report.PendingCount,
			"faults", len(report.Faults))
	}
	return report, nil
}
