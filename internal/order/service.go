package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0x377/flash-sale/internal/cache"
	"github.com/0x377/flash-sale/internal/clock"
	"github.com/0x377/flash-sale/internal/metrics"
	"github.com/0x377/flash-sale/internal/store"
)

// Config carries the order tunables.
type Config struct {
	DeadlockRetries int
	DeadlockBackoff time.Duration
}

type service struct {
	store    store.Store
	cache    *cache.Stock
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.BusinessMetrics
	replayer DeferredReplayer
	cfg      Config
}

func NewService(st store.Store, c *cache.Stock, clk clock.Clock, logger *zap.Logger, m *metrics.BusinessMetrics, replayer DeferredReplayer, cfg Config) Orders {
	return &service{
		store:    st,
		cache:    c,
		clock:    clk,
		logger:   logger,
		metrics:  m,
		replayer: replayer,
		cfg:      cfg,
	}
}

// Create consumes a pending hold and inserts a pending order in one
// transaction. Quantity and unit price are snapshotted from the hold and
// product at this moment. After commit, any webhooks that arrived for this
// order id before it existed are replayed in arrival order.
func (s *service) Create(ctx context.Context, holdID string, customer Customer) (*store.Order, error) {
	now := s.clock.Now()
	var ord *store.Order

	err := store.RunInTx(ctx, s.store, s.cfg.DeadlockRetries, s.cfg.DeadlockBackoff, func(tx store.Tx) error {
		h, err := tx.GetHoldForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		if h.Status != store.HoldPending {
			return ErrHoldConsumed
		}
		if !h.ExpiresAt.After(now) {
			return ErrHoldExpired
		}

		p, err := tx.GetProduct(ctx, h.ProductID)
		if err != nil {
			return err
		}

		if err := tx.UpdateHoldStatus(ctx, h.ID, store.HoldConsumed, &now); err != nil {
			return err
		}

		ord = &store.Order{
			ID:              uuid.New().String(),
			ProductID:       h.ProductID,
			HoldID:          h.ID,
			Quantity:        h.Quantity,
			UnitPriceCents:  p.PriceCents,
			TotalCents:      p.PriceCents * int64(h.Quantity),
			Status:          store.OrderPending,
			CustomerEmail:   customer.Email,
			CustomerDetails: customer.Details,
			CreatedAt:       now,
		}
		return tx.InsertOrder(ctx, ord)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.OrdersCreated.Inc()
	s.logger.Info("order created",
		zap.String("order_id", ord.ID),
		zap.String("hold_id", holdID),
		zap.Int64("total_cents", ord.TotalCents),
	)

	// Settle callbacks that beat the order here. Runs synchronously so the
	// client observes the settled state on its next read.
	if s.replayer != nil {
		s.replayer.ReplayDeferred(ctx, ord.ID)
	}

	return ord, nil
}

// Cancel transitions a pending order to cancelled and returns its stock.
// Cancelling a terminal order is a no-op that reports the current state.
func (s *service) Cancel(ctx context.Context, orderID string) (*store.Order, error) {
	now := s.clock.Now()
	var ord *store.Order
	cancelled := false

	err := store.RunInTx(ctx, s.store, s.cfg.DeadlockRetries, s.cfg.DeadlockBackoff, func(tx store.Tx) error {
		cancelled = false

		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Terminal() {
			ord = o
			return nil
		}

		if err := restock(ctx, tx, o, now); err != nil {
			return err
		}

		o.Status = store.OrderCancelled
		o.CancelledAt = &now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		ord = o
		cancelled = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		s.metrics.OrdersCancelled.Inc()
		if err := s.cache.Invalidate(ctx, ord.ProductID); err != nil {
			s.logger.Warn("failed to invalidate stock cache", zap.String("product_id", ord.ProductID), zap.Error(err))
		}
		s.logger.Info("order cancelled", zap.String("order_id", orderID))
	}
	return ord, nil
}

func (s *service) Get(ctx context.Context, orderID string) (*store.Order, error) {
	var ord *store.Order
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ord, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ord, nil
}

// restock returns an order's quantity to available stock when the order
// leaves pending without being paid. The hold is consumed by invariant, but
// if it is somehow still pending we expire it instead of double-counting.
func restock(ctx context.Context, tx store.Tx, o *store.Order, now time.Time) error {
	qty := o.Quantity

	h, err := tx.GetHoldForUpdate(ctx, o.HoldID)
	if err == nil && h.Status == store.HoldPending {
		if err := tx.UpdateHoldStatus(ctx, h.ID, store.HoldExpired, nil); err != nil {
			return err
		}
		qty = h.Quantity
	}

	if _, err := tx.GetProductForUpdate(ctx, o.ProductID); err != nil {
		return err
	}
	return tx.AdjustProductStock(ctx, o.ProductID, qty, now)
}
