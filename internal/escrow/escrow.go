// Package escrow implements the time-bounded asset-swap custody state machine.
//
// Flow:
//  1. Depositor creates an escrow → offer asset moved into a custody vault
//  2. Taker exchanges → taker pays the accept asset, vault releases to taker
//  3. Depositor cancels (any time) → vault refunds the depositor
//  4. Deadline passes with no exchange → keeper forces cancellation
//
// A record only ever moves Pending -> {Completed, Cancelled, Expired}; no
// transition leaves a terminal state.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/otcdesk/escrowd/internal/chain"
	"github.com/otcdesk/escrowd/internal/derive"
	"github.com/otcdesk/escrowd/internal/traces"
)

var (
	ErrNotFound              = errors.New("escrow not found")
	ErrConflict              = errors.New("escrow already in a terminal state")
	ErrInvalidOwner          = errors.New("caller is not the escrow owner")
	ErrInvalidAccount        = errors.New("payment destination does not match the escrow's receive account")
	ErrAssetMismatch         = errors.New("account asset type does not match the escrow")
	ErrInvalidExchangeAmount = errors.New("taker payment amount does not match the expected amount")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientFunds     = errors.New("insufficient funds in the source account")
	ErrOverflow              = errors.New("expiry timestamp overflows")
	ErrNotExpired            = errors.New("escrow has not expired yet")
	ErrDuplicateEscrow       = errors.New("escrow with this id already exists")
	ErrDurationOutOfRange    = errors.New("escrow duration out of accepted range")
)

// Status is the custody state of an escrow record.
type Status string

const (
	StatusPending   Status = "pending"   // Created, offer asset locked in the vault
	StatusCompleted Status = "completed" // Taker exchanged, both legs settled
	StatusCancelled Status = "cancelled" // Depositor cancelled voluntarily
	StatusExpired   Status = "expired"   // Keeper forced cancellation after the deadline
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	case StatusPending:
		return false
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Record is one escrow entry in the ledger. It is never deleted; terminal
// transitions finalize it in place.
type Record struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	SourceAccount  string     `json:"sourceAccount"`  // funds drawn from on create, refunded to on cancel
	ReceiveAccount string     `json:"receiveAccount"` // where the owner wants the accept asset
	OfferAsset     string     `json:"offerAsset"`
	OfferAmount    uint64     `json:"offerAmount"`
	AcceptAsset    string     `json:"acceptAsset"`
	AcceptAmount   uint64     `json:"acceptAmount"`
	Status         Status     `json:"status"`
	VaultRef       string     `json:"vaultRef"`
	Seed           string     `json:"seed"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// DailyCount is one day's escrow creation count.
type DailyCount struct {
	Date  string `json:"date"` // YYYY-MM-DD, UTC
	Count int    `json:"count"`
}

// Store persists escrow records and the global stats singleton.
//
// Create and Finalize apply the record write and the stats delta as one unit
// of work: either both commit or neither does.
type Store interface {
	// Create appends a new Pending record. Fails with ErrDuplicateEscrow if
	// the id exists.
	Create(ctx context.Context, rec *Record, delta StatsDelta) error

	Get(ctx context.Context, id string) (*Record, error)

	// Finalize moves a Pending record to the terminal status. It is a
	// compare-and-set: if the record is no longer Pending it fails with
	// ErrConflict and applies no delta.
	Finalize(ctx context.Context, id string, to Status, resolvedAt time.Time, delta StatsDelta) error

	// ListByOwner returns the owner's records in creation order.
	ListByOwner(ctx context.Context, owner string) ([]*Record, error)

	// NextExpiring returns the Pending record with the earliest ExpiresAt
	// across all owners, ties broken by id. Returns (nil, nil) when no
	// Pending record exists.
	NextExpiring(ctx context.Context) (*Record, error)

	GlobalStats(ctx context.Context) (*GlobalStats, error)

	// DailyCreationCounts groups all records by the date component of
	// CreatedAt and returns counts sorted ascending by date.
	DailyCreationCounts(ctx context.Context) ([]DailyCount, error)
}

// Custodian abstracts the settlement operations so escrow doesn't import the
// executor directly. Implemented by vault.Custodian.
type Custodian interface {
	// Open creates and funds the vault for an escrow, drawing from source.
	Open(ctx context.Context, escrowID, source, asset string, amount uint64) (string, error)
	// Release drains amount from the vault to dest.
	Release(ctx context.Context, ref, dest string, amount uint64) error
	// Close destroys the empty vault, refunding rent to rentDest.
	Close(ctx context.Context, ref, rentDest string) error
	// Transfer moves assets directly between external accounts (the taker's
	// counter-payment leg).
	Transfer(ctx context.Context, source, dest, asset string, amount uint64) error
}

// EventSink receives state-transition notifications (realtime feed).
type EventSink interface {
	EscrowCreated(rec *Record)
	ExchangeExecuted(rec *Record, taker string)
	EscrowCanceled(rec *Record, forced bool)
}

// Caller identifies who is driving a Cancel.
type Caller struct {
	Addr   string
	Keeper bool
}

// KeeperCaller is the identity the expiry keeper cancels with.
var KeeperCaller = Caller{Keeper: true}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Owner          string
	SourceAccount  string
	ReceiveAccount string
	OfferAsset     string
	OfferAmount    uint64
	AcceptAsset    string
	AcceptAmount   uint64
	Duration       time.Duration
	Seed           derive.Seed
}

// ExchangeRequest contains the taker's side of an exchange.
//
// The declared assets mirror the original account constraints: the taker
// states what asset each account carries and the state machine rejects the
// exchange if either does not match the record.
type ExchangeRequest struct {
	Taker          string
	PaymentAccount string // holds the accept asset
	PaymentAsset   string
	PaymentAmount  uint64
	PayTo          string // must equal the record's ReceiveAccount
	ReceiveAccount string // where the taker gets the offer asset
	ReceiveAsset   string
}

// DurationBounds limit accepted escrow lifetimes.
type DurationBounds struct {
	Min, Max time.Duration
}

// Service implements the escrow state machine.
type Service struct {
	store     Store
	custodian Custodian
	events    EventSink
	bounds    DurationBounds
	locks     sync.Map // per-escrow ID locks serializing transitions
	now       func() time.Time
}

// NewService creates the state machine over a store and custodian.
func NewService(store Store, custodian Custodian, bounds DurationBounds) *Service {
	return &Service{
		store:     store,
		custodian: custodian,
		bounds:    bounds,
		now:       time.Now,
	}
}

// WithEvents adds a transition event sink.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// recordLock returns the mutex for the given escrow ID. It serializes
// Exchange, Cancel, and the keeper's forced Cancel so exactly one wins.
func (s *Service) recordLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create locks the offer asset in a new custody vault and appends a Pending
// record. The escrow id is derived from (owner, seed) so any party can
// recompute it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.OwnerAddr(req.Owner),
		traces.Asset(req.OfferAsset),
		traces.Amount(req.OfferAmount),
	)
	defer span.End()

	if req.OfferAmount == 0 || req.AcceptAmount == 0 {
		return nil, ErrInvalidAmount
	}
	if req.Duration < s.bounds.Min || req.Duration > s.bounds.Max {
		return nil, ErrDurationOutOfRange
	}

	now := s.now()
	expiresAt, err := expiry(now, req.Duration)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:             derive.EscrowID(req.Owner, req.Seed),
		Owner:          strings.ToLower(req.Owner),
		SourceAccount:  strings.ToLower(req.SourceAccount),
		ReceiveAccount: strings.ToLower(req.ReceiveAccount),
		OfferAsset:     req.OfferAsset,
		OfferAmount:    req.OfferAmount,
		AcceptAsset:    req.AcceptAsset,
		AcceptAmount:   req.AcceptAmount,
		Status:         StatusPending,
		Seed:           req.Seed.String(),
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
	}

	// Fund the vault before any ledger write. ErrInsufficientFunds and every
	// other settlement failure leaves the ledger untouched.
	ref, err := s.custodian.Open(ctx, rec.ID, rec.SourceAccount, rec.OfferAsset, rec.OfferAmount)
	if err != nil {
		if errors.Is(err, chain.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("failed to fund escrow vault: %w", err)
	}
	rec.VaultRef = ref

	if err := s.store.Create(ctx, rec, createDelta(rec.OfferAmount)); err != nil {
		// Best-effort unwind: drain the vault back and close it. A failed
		// unwind strands the deposit in a vault no ledger record points at,
		// so the log line is the only trace the operator gets.
		if relErr := s.custodian.Release(ctx, ref, rec.SourceAccount, rec.OfferAmount); relErr != nil {
			log.Printf("CRITICAL: escrow %s persist failed and vault unwind failed: %d %s stranded in %s: %v",
				rec.ID, rec.OfferAmount, rec.OfferAsset, ref, relErr)
		} else if closeErr := s.custodian.Close(ctx, ref, rec.Owner); closeErr != nil {
			log.Printf("CRITICAL: escrow %s vault refunded but close failed: %v", rec.ID, closeErr)
		}
		return nil, fmt.Errorf("failed to persist escrow record: %w", err)
	}

	if s.events != nil {
		s.events.EscrowCreated(rec)
	}

	return rec, nil
}

// Exchange settles the swap: the taker pays the accept asset to the owner's
// receive account, the vault releases the offer asset to the taker, and the
// vault closes with its rent refunded to the taker.
func (s *Service) Exchange(ctx context.Context, id string, req ExchangeRequest) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Exchange",
		traces.EscrowID(id),
		traces.TakerAddr(req.Taker),
	)
	defer span.End()

	mu := s.recordLock(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// All validation happens before any asset moves.
	if rec.Status != StatusPending {
		return nil, ErrConflict
	}
	if req.PaymentAsset != rec.AcceptAsset || req.ReceiveAsset != rec.OfferAsset {
		return nil, ErrAssetMismatch
	}
	if req.PaymentAmount != rec.AcceptAmount {
		return nil, ErrInvalidExchangeAmount
	}
	if !strings.EqualFold(req.PayTo, rec.ReceiveAccount) {
		return nil, ErrInvalidAccount
	}

	// Account addresses fold to lowercase everywhere, same as Create.
	taker := strings.ToLower(req.Taker)
	paymentAcct := strings.ToLower(req.PaymentAccount)
	receiveAcct := strings.ToLower(req.ReceiveAccount)

	// Leg 1: taker pays the owner.
	if err := s.custodian.Transfer(ctx, paymentAcct, rec.ReceiveAccount, rec.AcceptAsset, rec.AcceptAmount); err != nil {
		return nil, fmt.Errorf("taker payment failed: %w", err)
	}

	// Leg 2: vault releases the offer asset to the taker.
	if err := s.custodian.Release(ctx, rec.VaultRef, receiveAcct, rec.OfferAmount); err != nil {
		// Counter-payment already settled; the record stays Pending and the
		// fault is picked up by reconciliation.
		log.Printf("CRITICAL: escrow %s taker payment settled but vault release failed: %v", rec.ID, err)
		return nil, fmt.Errorf("vault release failed after taker payment (requires reconciliation): %w", err)
	}

	// Leg 3: close the empty vault, rent refunded to the party completing
	// the trade.
	if err := s.custodian.Close(ctx, rec.VaultRef, taker); err != nil {
		log.Printf("CRITICAL: escrow %s vault drained but close failed: %v", rec.ID, err)
		return nil, fmt.Errorf("vault close failed (requires reconciliation): %w", err)
	}

	now := s.now()
	if err := s.store.Finalize(ctx, rec.ID, StatusCompleted, now, completeDelta(rec.OfferAmount)); err != nil {
		// Assets moved but the ledger write failed. Recorded fault: the vault
		// is drained while the record reads Pending, which reconciliation
		// flags for manual resolution.
		log.Printf("CRITICAL: escrow %s settled but status update failed: %v", rec.ID, err)
		return nil, fmt.Errorf("failed to finalize escrow after settlement (requires reconciliation): %w", err)
	}

	rec.Status = StatusCompleted
	rec.ResolvedAt = &now

	if s.events != nil {
		s.events.ExchangeExecuted(rec, taker)
	}

	return rec, nil
}

// Cancel refunds the vault to the depositor and finalizes the record.
//
// Two callers are legitimate: the owner (voluntary, any time) and the keeper
// (forced, only once the deadline has passed). The mechanics are identical;
// only the terminal label differs.
func (s *Service) Cancel(ctx context.Context, id string, caller Caller) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(id))
	defer span.End()

	mu := s.recordLock(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Status != StatusPending {
		return nil, ErrConflict
	}

	if caller.Keeper {
		if s.now().Before(rec.ExpiresAt) {
			return nil, ErrNotExpired
		}
	} else if !strings.EqualFold(caller.Addr, rec.Owner) {
		return nil, ErrInvalidOwner
	}

	// Refund the full vault balance to the depositor's source account.
	if err := s.custodian.Release(ctx, rec.VaultRef, rec.SourceAccount, rec.OfferAmount); err != nil {
		return nil, fmt.Errorf("vault refund failed: %w", err)
	}
	if err := s.custodian.Close(ctx, rec.VaultRef, rec.Owner); err != nil {
		log.Printf("CRITICAL: escrow %s vault refunded but close failed: %v", rec.ID, err)
		return nil, fmt.Errorf("vault close failed (requires reconciliation): %w", err)
	}

	to := StatusCancelled
	if caller.Keeper {
		to = StatusExpired
	}

	now := s.now()
	if err := s.store.Finalize(ctx, rec.ID, to, now, cancelDelta(rec.OfferAmount)); err != nil {
		log.Printf("CRITICAL: escrow %s refunded but status update failed: %v", rec.ID, err)
		return nil, fmt.Errorf("failed to finalize escrow after refund (requires reconciliation): %w", err)
	}

	rec.Status = to
	rec.ResolvedAt = &now

	if s.events != nil {
		s.events.EscrowCanceled(rec, caller.Keeper)
	}

	return rec, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByOwner returns an owner's escrows in creation order.
func (s *Service) ListByOwner(ctx context.Context, owner string) ([]*Record, error) {
	return s.store.ListByOwner(ctx, strings.ToLower(owner))
}

// Stats returns the global aggregate counters.
func (s *Service) Stats(ctx context.Context) (*GlobalStats, error) {
	return s.store.GlobalStats(ctx)
}

// expiry computes now + duration, failing if the result overflows the
// timestamp range.
func expiry(now time.Time, duration time.Duration) (time.Time, error) {
	if duration <= 0 {
		return time.Time{}, ErrDurationOutOfRange
	}
	secs := int64(duration / time.Second)
	if now.Unix() > math.MaxInt64-secs {
		return time.Time{}, ErrOverflow
	}
	return now.Add(duration), nil
}
