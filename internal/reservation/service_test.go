package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0x377/flash-sale/internal/cache"
	"github.com/0x377/flash-sale/internal/clock"
	"github.com/0x377/flash-sale/internal/metrics"
	"github.com/0x377/flash-sale/internal/store"
)

var testMetrics = metrics.NewBusinessMetrics("reservation_test")

type fixture struct {
	store *store.Memory
	cache *cache.Stock
	clock *clock.Fake
	svc   Reservations
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	c := cache.NewStock(cache.NewMemoryBackend(), 30*time.Second)
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	svc := NewService(st, c, clk, zap.NewNop(), testMetrics, Config{
		HoldTTL:         2 * time.Minute,
		MaxQuantity:     10,
		DeadlockRetries: 3,
		DeadlockBackoff: time.Millisecond,
	})
	return &fixture{store: st, cache: c, clock: clk, svc: svc}
}

func (f *fixture) seedProduct(t *testing.T, id string, stock int, active bool) {
	t.Helper()
	now := f.clock.Now()
	err := f.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertProduct(context.Background(), &store.Product{
			ID:             id,
			Name:           "Limited Sneaker",
			PriceCents:     14999,
			InitialStock:   stock,
			AvailableStock: stock,
			Active:         active,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	})
	require.NoError(t, err)
}

func (f *fixture) availableStock(t *testing.T, id string) int {
	t.Helper()
	var stock int
	err := f.store.WithTx(context.Background(), func(tx store.Tx) error {
		p, err := tx.GetProduct(context.Background(), id)
		if err != nil {
			return err
		}
		stock = p.AvailableStock
		return nil
	})
	require.NoError(t, err)
	return stock
}

func TestReserveCreatesPendingHold(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 10, true)

	hold, err := f.svc.Reserve(context.Background(), "p1", 3, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, store.HoldPending, hold.Status)
	assert.Equal(t, 3, hold.Quantity)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), hold.ExpiresAt)
	assert.Equal(t, 7, f.availableStock(t, "p1"))

	// write-through keeps the cached counter fresh
	stock, ok, err := f.cache.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, stock)
}

func TestReserveRejectsBadQuantity(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 10, true)

	for _, qty := range []int{0, -1, 11} {
		_, err := f.svc.Reserve(context.Background(), "p1", qty, "")
		assert.ErrorIs(t, err, ErrInvalidQuantity, "quantity %d", qty)
	}
	assert.Equal(t, 10, f.availableStock(t, "p1"))
}

func TestReserveInsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 2, true)

	_, err := f.svc.Reserve(context.Background(), "p1", 3, "")
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 2, f.availableStock(t, "p1"))
}

func TestReserveInactiveProduct(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 10, false)

	_, err := f.svc.Reserve(context.Background(), "p1", 1, "")
	assert.ErrorIs(t, err, ErrProductInactive)
}

func TestReserveUnknownProduct(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Reserve(context.Background(), "nope", 1, "")
	assert.ErrorIs(t, err, store.ErrProductNotFound)
}

// Ten buyers race for the last unit; exactly one hold may win.
func TestReserveNeverOversells(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 1, true)

	const buyers = 10
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Reserve(context.Background(), "p1", 1, "")
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientStock)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 0, f.availableStock(t, "p1"))
}

func TestReleaseReturnsStockAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 10, true)

	hold, err := f.svc.Reserve(context.Background(), "p1", 4, "")
	require.NoError(t, err)
	require.Equal(t, 6, f.availableStock(t, "p1"))

	require.NoError(t, f.svc.Release(context.Background(), hold.ID))
	assert.Equal(t, 10, f.availableStock(t, "p1"))

	// second release must not double-credit
	require.NoError(t, f.svc.Release(context.Background(), hold.ID))
	assert.Equal(t, 10, f.availableStock(t, "p1"))

	got, err := f.svc.GetHold(context.Background(), hold.ID)
	require.NoError(t, err)
	assert.Equal(t, store.HoldExpired, got.Status)
}

func TestReleaseConsumedHoldFails(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 10, true)

	hold, err := f.svc.Reserve(context.Background(), "p1", 2, "")
	require.NoError(t, err)

	now := f.clock.Now()
	err = f.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.UpdateHoldStatus(context.Background(), hold.ID, store.HoldConsumed, &now)
	})
	require.NoError(t, err)

	err = f.svc.Release(context.Background(), hold.ID)
	assert.ErrorIs(t, err, ErrHoldConsumed)
	assert.Equal(t, 8, f.availableStock(t, "p1"), "consumed stock belongs to the order")
}

func TestReleaseUnknownHold(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Release(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrHoldNotFound)
}

func TestGetProductOverlaysCachedStock(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 10, true)

	// a stale cache entry wins on the read path; staleness is acceptable there
	require.NoError(t, f.cache.Put(context.Background(), "p1", 9))

	p, err := f.svc.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 9, p.AvailableStock)
	assert.Equal(t, int64(14999), p.PriceCents)

	_, err = f.svc.GetProduct(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrProductNotFound))
}
