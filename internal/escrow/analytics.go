package escrow

import (
	"context"
)

// Analytics provides read-only aggregation over the escrow ledger. It is a
// diagnostic surface, recomputed fully per request, and never touches the
// custody path.
type Analytics struct {
	store Store
}

// NewAnalytics creates the reporter over a store.
func NewAnalytics(store Store) *Analytics {
	return &Analytics{store: store}
}

// DailyCreations returns escrow creation counts grouped by the date
// component of CreatedAt (time-of-day ignored), sorted ascending by date.
func (a *Analytics) DailyCreations(ctx context.Context) ([]DailyCount, error) {
	counts, err := a.store.DailyCreationCounts(ctx)
	if err != nil {
		return nil, err
	}
	if counts == nil {
		counts = []DailyCount{}
	}
	return counts, nil
}
