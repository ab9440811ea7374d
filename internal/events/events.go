package events

import (
	"context"
	"time"
)

// Event names. Downstream consumers (fulfilment, notifications) bind queues
// to these exchanges.
const (
	OrderPaidEvent   = "order.paid"
	OrderFailedEvent = "order.failed"
)

// OrderEvent is the settlement message published after a webhook finalizes
// an order.
type OrderEvent struct {
	OrderID          string    `json:"order_id"`
	ProductID        string    `json:"product_id"`
	Quantity         int       `json:"quantity"`
	TotalCents       int64     `json:"total_cents"`
	Status           string    `json:"status"`
	PaymentReference string    `json:"payment_reference"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Publisher fans settlement events out to the message broker. Publishing is
// best-effort: a broker outage must never fail the webhook that settled the
// order.
type Publisher interface {
	Publish(ctx context.Context, event string, payload OrderEvent) error
	Close() error
}

// NopPublisher discards events; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, OrderEvent) error { return nil }
func (NopPublisher) Close() error                                      { return nil }
