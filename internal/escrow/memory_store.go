package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow ledger for demo/development mode.
// The records map is keyed by escrow id; insertion order per owner is kept
// separately so ListByOwner returns creation order.
type MemoryStore struct {
	records map[string]*Record
	byOwner map[string][]string // owner -> ids in creation order
	stats   GlobalStats
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byOwner: make(map[string][]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record, delta StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return ErrDuplicateEscrow
	}

	// Stats and record commit together or not at all.
	next := m.stats
	if err := next.Apply(delta); err != nil {
		return err
	}

	cp := *rec
	m.records[rec.ID] = &cp
	m.byOwner[rec.Owner] = append(m.byOwner[rec.Owner], rec.ID)
	m.stats = next
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Finalize(ctx context.Context, id string, to Status, resolvedAt time.Time, delta StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusPending {
		return ErrConflict
	}

	next := m.stats
	if err := next.Apply(delta); err != nil {
		return err
	}

	rec.Status = to
	t := resolvedAt
	rec.ResolvedAt = &t
	m.stats = next
	return nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byOwner[owner]
	result := make([]*Record, 0, len(ids))
	for _, id := range ids {
		cp := *m.records[id]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) NextExpiring(ctx context.Context) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var earliest *Record
	for _, rec := range m.records {
		if rec.Status != StatusPending {
			continue
		}
		if earliest == nil ||
			rec.ExpiresAt.Before(earliest.ExpiresAt) ||
			(rec.ExpiresAt.Equal(earliest.ExpiresAt) && rec.ID < earliest.ID) {
			earliest = rec
		}
	}
	if earliest == nil {
		return nil, nil
	}
	cp := *earliest
	return &cp, nil
}

func (m *MemoryStore) ListPending(ctx context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.Status != StatusPending {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := m.stats
	return &cp, nil
}

func (m *MemoryStore) DailyCreationCounts(ctx context.Context) ([]DailyCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byDate := make(map[string]int)
	for _, rec := range m.records {
		byDate[rec.CreatedAt.UTC().Format("2006-01-02")]++
	}

	result := make([]DailyCount, 0, len(byDate))
	for date, count := range byDate {
		result = append(result, DailyCount{Date: date, Count: count})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
