package cache

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

// Backend is a plain key-value view over the cache transport. Values are
// available-stock counts; a miss is (0, false, nil).
type Backend interface {
	Get(ctx context.Context, key string) (int, bool, error)
	Set(ctx context.Context, key string, value int, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// Locker is a best-effort distributed lock used to keep the hold sweep to a
// single running instance. TryLock never blocks.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Stock is the derived, possibly-stale view of available stock. It is never
// consulted for reservation decisions; those always read under the product
// row lock. Concurrent misses for the same product collapse onto one loader
// call via singleflight.
type Stock struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
}

func NewStock(backend Backend, ttl time.Duration) *Stock {
	return &Stock{backend: backend, ttl: ttl}
}

func stockKey(productID string) string {
	return "stock:" + productID
}

// Get returns the cached available stock for the product, if fresh.
func (c *Stock) Get(ctx context.Context, productID string) (int, bool, error) {
	return c.backend.Get(ctx, stockKey(productID))
}

// Put writes through a freshly computed stock value. Best-effort: the cache
// is non-authoritative and callers ignore the error beyond logging.
func (c *Stock) Put(ctx context.Context, productID string, stock int) error {
	return c.backend.Set(ctx, stockKey(productID), stock, c.ttl)
}

// Invalidate drops the entry after an authoritative stock mutation.
func (c *Stock) Invalidate(ctx context.Context, productID string) error {
	return c.backend.Del(ctx, stockKey(productID))
}

// GetOrLoad returns the cached value or runs loader at most once across all
// concurrent callers for the same product, caching its result.
func (c *Stock) GetOrLoad(ctx context.Context, productID string, loader func(ctx context.Context) (int, error)) (int, error) {
	if stock, ok, err := c.Get(ctx, productID); err == nil && ok {
		return stock, nil
	}

	v, err, _ := c.group.Do(stockKey(productID), func() (interface{}, error) {
		stock, err := loader(ctx)
		if err != nil {
			return 0, err
		}
		_ = c.Put(ctx, productID, stock)
		return stock, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Close releases the underlying transport.
func (c *Stock) Close() error {
	return c.backend.Close()
}

func formatStock(v int) string { return strconv.Itoa(v) }

func parseStock(s string) (int, error) { return strconv.Atoi(s) }
