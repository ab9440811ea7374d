package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0x377/flash-sale/internal/cache"
	"github.com/0x377/flash-sale/internal/clock"
	"github.com/0x377/flash-sale/internal/metrics"
	"github.com/0x377/flash-sale/internal/order"
	"github.com/0x377/flash-sale/internal/reservation"
	"github.com/0x377/flash-sale/internal/store"
)

const sweepLockKey = "hold-sweep"

// Janitor is the deferred-webhook orphan recovery hook, wired to the
// webhook processor.
type Janitor interface {
	ReplayOrphans(ctx context.Context, limit int)
}

// Config carries the sweep tunables.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	LockTTL       time.Duration
	PaymentWindow time.Duration
}

// Sweeper is the background lifecycle worker. Each tick it reclaims expired
// holds, cancels pending orders past the payment window, replays orphaned
// deferred webhooks and drops expired idempotency records. A distributed
// lock keeps it to one running instance; a tick that loses the lock is
// skipped, never queued.
type Sweeper struct {
	store        store.Store
	reservations reservation.Reservations
	orders       order.Orders
	janitor      Janitor
	locker       cache.Locker
	clock        clock.Clock
	logger       *zap.Logger
	metrics      *metrics.BusinessMetrics
	cfg          Config
}

func NewSweeper(st store.Store, res reservation.Reservations, ord order.Orders, janitor Janitor, locker cache.Locker, clk clock.Clock, logger *zap.Logger, m *metrics.BusinessMetrics, cfg Config) *Sweeper {
	return &Sweeper{
		store:        st,
		reservations: res,
		orders:       ord,
		janitor:      janitor,
		locker:       locker,
		clock:        clk,
		logger:       logger,
		metrics:      m,
		cfg:          cfg,
	}
}

// Run ticks until ctx is cancelled. An in-progress batch finishes its
// current hold before exiting.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("lifecycle sweeper started", zap.Duration("interval", s.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lifecycle sweeper stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sweep cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep cycle.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	acquired, err := s.locker.TryLock(ctx, sweepLockKey, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !acquired {
		s.logger.Debug("sweep lock held elsewhere, skipping cycle")
		return nil
	}
	defer func() {
		if err := s.locker.Unlock(ctx, sweepLockKey); err != nil {
			s.logger.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	started := time.Now()
	defer func() {
		s.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	if err := s.sweepHolds(ctx); err != nil {
		return err
	}
	if err := s.cancelStaleOrders(ctx); err != nil {
		return err
	}

	s.janitor.ReplayOrphans(ctx, s.cfg.BatchSize)

	return s.cleanupIdempotencyRecords(ctx)
}

// sweepHolds releases up to BatchSize expired pending holds, oldest expiry
// first. Per-hold failures are logged and do not abort the batch; a hold
// consumed between listing and release is skipped silently.
func (s *Sweeper) sweepHolds(ctx context.Context) error {
	now := s.clock.Now()

	var expired []*store.Hold
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		expired, err = tx.ListExpiredHolds(ctx, now, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list expired holds: %w", err)
	}

	// Detached from cancellation so the item in flight commits instead of
	// rolling back mid-release; the loop still stops between items.
	itemCtx := context.WithoutCancel(ctx)

	count := 0
	for _, h := range expired {
		if ctx.Err() != nil {
			break
		}

		err := s.reservations.Release(itemCtx, h.ID)
		if errors.Is(err, reservation.ErrHoldConsumed) || errors.Is(err, store.ErrHoldNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("failed to release expired hold",
				zap.String("hold_id", h.ID), zap.Error(err))
			continue
		}

		s.metrics.HoldsExpired.Inc()
		count++
	}

	if count > 0 {
		s.logger.Info("expired holds reclaimed", zap.Int("count", count))
	}
	return nil
}

// cancelStaleOrders cancels pending orders older than the payment window,
// returning their stock.
func (s *Sweeper) cancelStaleOrders(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.PaymentWindow)

	var stale []*store.Order
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		stale, err = tx.ListStalePendingOrders(ctx, cutoff, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list stale orders: %w", err)
	}

	itemCtx := context.WithoutCancel(ctx)

	count := 0
	for _, o := range stale {
		if ctx.Err() != nil {
			break
		}

		if _, err := s.orders.Cancel(itemCtx, o.ID); err != nil {
			s.logger.Error("failed to cancel stale order",
				zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.Info("stale pending orders cancelled", zap.Int("count", count))
	}
	return nil
}

func (s *Sweeper) cleanupIdempotencyRecords(ctx context.Context) error {
	now := s.clock.Now()
	var dropped int
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		dropped, err = tx.DeleteExpiredIdempotencyRecords(ctx, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to drop expired idempotency records: %w", err)
	}
	if dropped > 0 {
		s.logger.Info("expired idempotency records dropped", zap.Int("count", dropped))
	}
	return nil
}
