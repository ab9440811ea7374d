package reservation

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

// Config carries the reservation tunables.
type Config struct {
	HoldTTL         time.Duration
	MaxQuantity     int
	DeadlockRetries int
	DeadlockBackoff time.Duration
}

type service struct {
	store   store.Store
	cache   *cache.Stock
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.BusinessMetrics
	cfg     Config
}

func NewService(st store.Store, c *cache.Stock, clk clock.Clock, logger *zap.Logger, m *metrics.BusinessMetrics, cfg Config) Reservations {
	return &service{
		store:   st,
		cache:   c,
		clock:   clk,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
	}
}

// Reserve decrements available stock and creates a pending hold in one
// transaction. Concurrent reservations for the same product serialize on the
// product row lock, so successful holds can never sum past the stock budget.
// On any failure nothing is committed.
func (s *service) Reserve(ctx context.Context, productID string, quantity int, sessionID string) (*store.Hold, error) {
	if quantity < 1 || quantity > s.cfg.MaxQuantity {
		return nil, ErrInvalidQuantity
	}

	now := s.clock.Now()
	var hold *store.Hold
	var remaining int

	err := store.RunInTx(ctx, s.store, s.cfg.DeadlockRetries, s.cfg.DeadlockBackoff, func(tx store.Tx) error {
		p, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		if !p.Active {
			return ErrProductInactive
		}
		if p.AvailableStock < quantity {
			return ErrInsufficientStock
		}

		if err := tx.AdjustProductStock(ctx, productID, -quantity, now); err != nil {
			return err
		}
		remaining = p.AvailableStock - quantity

		hold = &store.Hold{
			ID:        uuid.New().String(),
			ProductID: productID,
			Quantity:  quantity,
			Status:    store.HoldPending,
			SessionID: sessionID,
			ExpiresAt: now.Add(s.cfg.HoldTTL),
			CreatedAt: now,
		}
		return tx.InsertHold(ctx, hold)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.HoldsCreated.Inc()
	s.refreshCache(ctx, productID, remaining)

	s.logger.Info("hold created",
		zap.String("hold_id", hold.ID),
		zap.String("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Time("expires_at", hold.ExpiresAt),
	)

	return hold, nil
}

// Release expires a pending hold and returns its quantity to available
// stock. Releasing an already-expired hold is a no-op; a consumed hold is an
// error because its stock belongs to an order now.
func (s *service) Release(ctx context.Context, holdID string) error {
	now := s.clock.Now()
	var productID string
	var remaining int
	released := false

	err := store.RunInTx(ctx, s.store, s.cfg.DeadlockRetries, s.cfg.DeadlockBackoff, func(tx store.Tx) error {
		released = false

		h, err := tx.GetHoldForUpdate(ctx, holdID)
		if err != nil {
			return err
		}

		switch h.Status {
		case store.HoldConsumed:
			return ErrHoldConsumed
		case store.HoldExpired:
			return nil // idempotent
		}

		// product lock before the counter move
		p, err := tx.GetProductForUpdate(ctx, h.ProductID)
		if err != nil {
			return err
		}

		if err := tx.UpdateHoldStatus(ctx, h.ID, store.HoldExpired, nil); err != nil {
			return err
		}
		if err := tx.AdjustProductStock(ctx, h.ProductID, h.Quantity, now); err != nil {
			return err
		}

		productID = h.ProductID
		remaining = p.AvailableStock + h.Quantity
		released = true
		return nil
	})
	if err != nil {
		return err
	}

	if released {
		s.metrics.HoldsReleased.Inc()
		s.refreshCache(ctx, productID, remaining)
		s.logger.Info("hold released", zap.String("hold_id", holdID), zap.String("product_id", productID))
	}
	return nil
}

func (s *service) GetHold(ctx context.Context, holdID string) (*store.Hold, error) {
	var hold *store.Hold
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		hold, err = tx.GetHold(ctx, holdID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// GetProduct serves the read path: product metadata from the store, the
// stock counter preferably from the cache. Staleness is acceptable here; the
// reservation decision never uses this value.
func (s *service) GetProduct(ctx context.Context, productID string) (*store.Product, error) {
	var product *store.Product
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		product, err = tx.GetProduct(ctx, productID)
		return err
	})
	if err != nil {
		return nil, err
	}

	stock, err := s.cache.GetOrLoad(ctx, productID, func(ctx context.Context) (int, error) {
		return product.AvailableStock, nil
	})
	if err == nil {
		product.AvailableStock = stock
	}

	return product, nil
}

// refreshCache invalidates then writes through the new stock value.
// Best-effort: the cache is non-authoritative.
func (s *service) refreshCache(ctx context.Context, productID string, stock int) {
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("failed to invalidate stock cache", zap.String("product_id", productID), zap.Error(err))
		return
	}
	if err := s.cache.Put(ctx, productID, stock); err != nil {
		s.logger.Warn("failed to write through stock cache", zap.String("product_id", productID), zap.Error(err))
	}
}
