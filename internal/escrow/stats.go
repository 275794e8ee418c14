package escrow

import (
	"errors"
	"math"
)

// ErrNumericalOverflow aborts an operation whose counter update would
// overflow. The owning transition must not be applied partially.
var ErrNumericalOverflow = errors.New("escrow: numerical overflow in stats counters")

// GlobalStats is the singleton running aggregate over the whole ledger.
//
// Invariant: TotalValueLocked equals the sum of OfferAmount over all
// currently Pending records at any quiescent point.
type GlobalStats struct {
	TotalCreated       uint64 `json:"totalCreated"`
	TotalCompleted     uint64 `json:"totalCompleted"`
	TotalCanceled      uint64 `json:"totalCanceled"`
	TotalValueLocked   uint64 `json:"totalValueLocked"`
	TotalValueReleased uint64 `json:"totalValueReleased"`
}

// StatsDelta describes the counter update owned by one state transition.
// Stores apply it in the same unit of work as the record's status write.
type StatsDelta struct {
	Created   uint64
	Completed uint64
	Canceled  uint64

	ValueLocked   uint64 // added to TotalValueLocked
	ValueUnlocked uint64 // subtracted from TotalValueLocked, floored at zero
	ValueReleased uint64 // added to TotalValueReleased
}

// createDelta is the counter update for a successful Create.
func createDelta(offerAmount uint64) StatsDelta {
	return StatsDelta{Created: 1, ValueLocked: offerAmount}
}

// completeDelta is the counter update for a successful Exchange.
func completeDelta(offerAmount uint64) StatsDelta {
	return StatsDelta{Completed: 1, ValueUnlocked: offerAmount, ValueReleased: offerAmount}
}

// cancelDelta is the counter update for a Cancel, voluntary or forced.
func cancelDelta(offerAmount uint64) StatsDelta {
	return StatsDelta{Canceled: 1, ValueUnlocked: offerAmount, ValueReleased: offerAmount}
}

// Apply folds the delta into the stats with checked arithmetic. On overflow
// it returns ErrNumericalOverflow and leaves the stats unchanged.
func (g *GlobalStats) Apply(d StatsDelta) error {
	next := *g

	var err error
	if next.TotalCreated, err = checkedAdd(next.TotalCreated, d.Created); err != nil {
		return err
	}
	if next.TotalCompleted, err = checkedAdd(next.TotalCompleted, d.Completed); err != nil {
		return err
	}
	if next.TotalCanceled, err = checkedAdd(next.TotalCanceled, d.Canceled); err != nil {
		return err
	}
	if next.TotalValueLocked, err = checkedAdd(next.TotalValueLocked, d.ValueLocked); err != nil {
		return err
	}
	if next.TotalValueReleased, err = checkedAdd(next.TotalValueReleased, d.ValueReleased); err != nil {
		return err
	}
	// Floored at zero: a drifted counter must never underflow.
	next.TotalValueLocked = flooredSub(next.TotalValueLocked, d.ValueUnlocked)

	*g = next
	return nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrNumericalOverflow
	}
	return a + b, nil
}

func flooredSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
