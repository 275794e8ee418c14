package account

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a thread-safe in-memory account store for demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account // lowercased address -> account
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) Create(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[acct.Address]; exists {
		return ErrExists
	}
	cp := *acct
	m.accounts[acct.Address] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, exists := m.accounts[address]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[acct.Address]; !exists {
		return ErrNotFound
	}
	cp := *acct
	m.accounts[acct.Address] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		cp := *acct
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Address < all[j].Address
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []*Account{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.accounts)), nil
}

var _ Store = (*MemoryStore)(nil)
