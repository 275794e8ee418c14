// Package account implements owner identity registration and lookup.
//
// An account is the identity escrows hang off: the depositor's address plus
// display metadata. Asset balances live on the settlement layer, not here.
package account

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("account: not found")
	ErrExists   = errors.New("account: already registered")
)

// Account is a registered owner identity.
type Account struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists accounts.
type Store interface {
	Create(ctx context.Context, acct *Account) error
	Get(ctx context.Context, address string) (*Account, error)
	Update(ctx context.Context, acct *Account) error
	List(ctx context.Context, limit, offset int) ([]*Account, error)
	Count(ctx context.Context) (int64, error)
}

// Service wraps the store with normalization.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates an account service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Register creates an account for the address. Addresses are case-folded so
// one identity cannot register twice under different casings.
func (s *Service) Register(ctx context.Context, address, displayName string) (*Account, error) {
	now := s.now()
	acct := &Account{
		Address:     strings.ToLower(address),
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Find looks up an account by address.
func (s *Service) Find(ctx context.Context, address string) (*Account, error) {
	return s.store.Get(ctx, strings.ToLower(address))
}

// Rename updates the display name.
func (s *Service) Rename(ctx context.Context, address, displayName string) (*Account, error) {
	acct, err := s.store.Get(ctx, strings.ToLower(address))
	if err != nil {
		return nil, err
	}
	acct.DisplayName = displayName
	acct.UpdatedAt = s.now()
	if err := s.store.Update(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// List returns registered accounts, newest-registration pagination.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Account, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, limit, offset)
}
