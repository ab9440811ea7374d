package reservation

import (
	"context"
	"errors"

	"github.com/0x377/flash-sale/internal/store"
)

var (
	ErrInvalidQuantity   = errors.New("quantity out of range")
	ErrProductInactive   = errors.New("product is not active")
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrHoldConsumed is returned when releasing a hold that already became
	// an order.
	ErrHoldConsumed = errors.New("hold already consumed")
)

// Reservations is the stock reservation engine: it creates holds against the
// authoritative stock counter and returns reclaimed stock on release.
type Reservations interface {
	Reserve(ctx context.Context, productID string, quantity int, sessionID string) (*store.Hold, error)
	Release(ctx context.Context, holdID string) error
	GetHold(ctx context.Context, holdID string) (*store.Hold, error)
	GetProduct(ctx context.Context, productID string) (*store.Product, error)
}
