package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/otcdesk/escrowd/internal/metrics"
)

// Keeper enforces expiry: on a fixed interval it picks the single Pending
// record with the earliest deadline and forces cancellation once that
// deadline has passed.
//
// One cancellation per tick bounds the work regardless of ledger size: if
// the earliest-expiring record has not expired, no other Pending record can
// have expired either, and the tick does nothing.
type Keeper struct {
	service     *Service
	store       Store
	interval    time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
	now         func() time.Time
}

// DefaultKeeperInterval between expiry scans.
const DefaultKeeperInterval = 60 * time.Second

// DefaultKeeperCallTimeout bounds the settlement round-trip per tick.
const DefaultKeeperCallTimeout = 30 * time.Second

// NewKeeper creates an expiry keeper. Zero interval or timeout fall back to
// the defaults.
func NewKeeper(service *Service, store Store, interval, callTimeout time.Duration, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = DefaultKeeperInterval
	}
	if callTimeout <= 0 {
		callTimeout = DefaultKeeperCallTimeout
	}
	return &Keeper{
		service:     service,
		store:       store,
		interval:    interval,
		callTimeout: callTimeout,
		logger:      logger,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
}

// Running reports whether the keeper loop is active.
func (k *Keeper) Running() bool {
	return k.running.Load()
}

// Start begins the expiry loop. Call in a goroutine; it runs until the
// context is cancelled or Stop is called.
func (k *Keeper) Start(ctx context.Context) {
	k.running.Store(true)
	defer k.running.Store(false)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-ticker.C:
			k.safeTick(ctx)
		}
	}
}

// Stop signals the keeper to stop.
func (k *Keeper) Stop() {
	select {
	case k.stop <- struct{}{}:
	default:
	}
}

// safeTick isolates each tick: a panic or per-record error never takes the
// loop down.
func (k *Keeper) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("panic in expiry keeper", "panic", fmt.Sprint(r))
		}
	}()
	k.tick(ctx)
}

func (k *Keeper) tick(ctx context.Context) {
	metrics.KeeperTicksTotal.Inc()

	rec, err := k.store.NextExpiring(ctx)
	if err != nil {
		// Scheduler-level fault: log and wait for the next tick.
		k.logger.Error("failed to query next expiring escrow", "error", err)
		return
	}
	if rec == nil {
		k.logger.Debug("no pending escrows to check")
		k.refreshValueLocked(ctx)
		return
	}

	now := k.now()
	if rec.ExpiresAt.After(now) {
		// The soonest deadline is still in the future, so nothing can have
		// expired. Wait for the next tick.
		k.logger.Debug("earliest escrow not yet expired",
			"escrowId", rec.ID,
			"expiresIn", rec.ExpiresAt.Sub(now).String(),
		)
		k.refreshValueLocked(ctx)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, k.callTimeout)
	defer cancel()

	_, err = k.service.Cancel(cctx, rec.ID, KeeperCaller)
	switch {
	case err == nil:
		metrics.KeeperCancellationsTotal.WithLabelValues("expired").Inc()
		k.logger.Info("expired escrow cancelled",
			"escrowId", rec.ID,
			"owner", rec.Owner,
			"offerAmount", rec.OfferAmount,
		)
	case errors.Is(err, ErrConflict):
		// Lost the race with an exchange or a voluntary cancel. Benign.
		metrics.KeeperCancellationsTotal.WithLabelValues("conflict").Inc()
		k.logger.Debug("escrow finalized concurrently", "escrowId", rec.ID)
	default:
		// Settlement failure: the record stays Pending and, being still the
		// earliest-expiring, is retried next tick.
		metrics.KeeperCancellationsTotal.WithLabelValues("error").Inc()
		k.logger.Warn("failed to cancel expired escrow, will retry",
			"escrowId", rec.ID,
			"error", err,
		)
	}

	k.refreshValueLocked(ctx)
}

// refreshValueLocked keeps the value-locked gauge in step with the ledger.
func (k *Keeper) refreshValueLocked(ctx context.Context) {
	stats, err := k.store.GlobalStats(ctx)
	if err != nil {
		return
	}
	metrics.EscrowValueLocked.Set(float64(stats.TotalValueLocked))
}
