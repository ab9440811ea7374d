package store

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrHoldNotFound    = errors.New("hold not found")
	ErrOrderNotFound   = errors.New("order not found")

	// ErrIdempotencyConflict is returned when an insert hits a live record
	// for the same (key, resource_type) pair.
	ErrIdempotencyConflict = errors.New("idempotency record already exists")

	// ErrDeadlock marks a transaction that lost a lock conflict and is safe
	// to retry. Backends wrap their native deadlock errors with it.
	ErrDeadlock = errors.New("transaction deadlocked")
)

// Tx is the set of row operations available inside one transaction.
// ForUpdate variants take an exclusive row lock that is held until the
// transaction commits or rolls back; concurrent writers for the same row
// serialize on it.
type Tx interface {
	// Products
	InsertProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetProductForUpdate(ctx context.Context, id string) (*Product, error)
	// AdjustProductStock moves available_stock by delta. Callers validate
	// bounds under the product row lock first.
	AdjustProductStock(ctx context.Context, id string, delta int, now time.Time) error

	// Holds
	InsertHold(ctx context.Context, h *Hold) error
	GetHold(ctx context.Context, id string) (*Hold, error)
	GetHoldForUpdate(ctx context.Context, id string) (*Hold, error)
	UpdateHoldStatus(ctx context.Context, id, status string, consumedAt *time.Time) error
	// ListExpiredHolds returns up to limit pending holds with
	// expires_at <= now, oldest expiry first.
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Hold, error)

	// Orders
	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderForUpdate(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	// ListStalePendingOrders returns up to limit pending orders created
	// before cutoff, oldest first.
	ListStalePendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)

	// Idempotency records. InsertIdempotencyRecord returns
	// ErrIdempotencyConflict when a live record holds the (key, resource_type)
	// pair; the conflict must leave the transaction usable, because callers
	// read and possibly relock the existing record in the same transaction.
	InsertIdempotencyRecord(ctx context.Context, r *IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, key, resourceType string) (*IdempotencyRecord, error)
	CompleteIdempotencyRecord(ctx context.Context, key, resourceType string, status int, body string, completedAt time.Time) error
	// RelockIdempotencyRecord takes over an abandoned locked-incomplete
	// record by refreshing its lock timestamp.
	RelockIdempotencyRecord(ctx context.Context, key, resourceType string, lockedAt time.Time) error
	// DeleteIdempotencyRecord releases a slot whose operation failed, so a
	// retry does not have to wait out the stale-lock window.
	DeleteIdempotencyRecord(ctx context.Context, key, resourceType string) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int, error)

	// Deferred webhooks
	InsertDeferredWebhook(ctx context.Context, d *DeferredWebhook) error
	ListDeferredWebhooks(ctx context.Context, orderID string) ([]*DeferredWebhook, error)
	ListDeferredOrderIDs(ctx context.Context, limit int) ([]string, error)
	DeleteDeferredWebhook(ctx context.Context, id string) error

	// Dead letter
	InsertFailedWebhook(ctx context.Context, f *FailedWebhook) error
}

// Store is transactional persistence with row locks. WithTx runs fn inside a
// single transaction: if fn returns an error the transaction rolls back and
// nothing is observable; otherwise it commits.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// IsDeadlock reports whether err is a retryable lock conflict.
func IsDeadlock(err error) bool {
	return errors.Is(err, ErrDeadlock)
}

// RunInTx executes fn in a transaction, retrying deadlocks up to retries
// times with randomized exponential backoff starting at backoff.
func RunInTx(ctx context.Context, s Store, retries int, backoff time.Duration, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.WithTx(ctx, fn)
		if err == nil || !IsDeadlock(err) || attempt >= retries {
			return err
		}

		// full jitter on an exponentially growing window
		window := backoff << uint(attempt)
		sleep := window/2 + time.Duration(rand.Int63n(int64(window/2)+1))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
