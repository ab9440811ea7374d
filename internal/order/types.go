package order

import (
	"context"
	"errors"

	"github.com/0x377/flash-sale/internal/store"
)

var (
	ErrHoldExpired  = errors.New("hold expired")
	ErrHoldConsumed = errors.New("hold already consumed")
)

// Customer is the buyer data recorded on the order. It participates in no
// stock invariant.
type Customer struct {
	Email   string
	Details string
}

// Orders converts holds into orders and drives the monotonic state machine:
// pending -> paid | failed | cancelled, with every terminal state absorbing.
type Orders interface {
	Create(ctx context.Context, holdID string, customer Customer) (*store.Order, error)
	Cancel(ctx context.Context, orderID string) (*store.Order, error)
	Get(ctx context.Context, orderID string) (*store.Order, error)
}

// DeferredReplayer replays payment callbacks that arrived before their order
// existed. Wired to the webhook processor.
type DeferredReplayer interface {
	ReplayDeferred(ctx context.Context, orderID string)
}
