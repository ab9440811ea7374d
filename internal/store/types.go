package store

import "time"

// Hold status values. A hold leaves pending exactly once; consumed and
// expired are terminal.
const (
	HoldPending  = "pending"
	HoldConsumed = "consumed"
	HoldExpired  = "expired"
)

// Order status values. pending is the only non-terminal state.
const (
	OrderPending   = "pending"
	OrderPaid      = "paid"
	OrderFailed    = "failed"
	OrderCancelled = "cancelled"
)

// Idempotency resource types, the second half of the uniqueness key.
const (
	ResourceWebhook = "payment_webhook"
	ResourceOrder   = "order"
	ResourceHold    = "hold"
)

// Product is a sale item with a fixed stock budget. AvailableStock is the
// authoritative counter of unreserved units: 0 <= AvailableStock <= InitialStock.
type Product struct {
	ID             string
	Name           string
	PriceCents     int64
	InitialStock   int
	AvailableStock int
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Hold is a transient reservation of product stock with a fixed lifetime.
type Hold struct {
	ID         string
	ProductID  string
	Quantity   int
	Status     string
	SessionID  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// Active reports whether the hold still counts against stock at time now.
func (h *Hold) Active(now time.Time) bool {
	return h.Status == HoldPending && h.ExpiresAt.After(now)
}

// Order references exactly one consumed hold. Quantity and unit price are
// copied from the hold at creation; they never track the product afterwards.
type Order struct {
	ID               string
	ProductID        string
	HoldID           string
	Quantity         int
	UnitPriceCents   int64
	TotalCents       int64
	Status           string
	CustomerEmail    string
	CustomerDetails  string
	PaymentReference string
	CreatedAt        time.Time
	PaidAt           *time.Time
	CancelledAt      *time.Time
}

// Terminal reports whether the order can take no further transition.
func (o *Order) Terminal() bool {
	return o.Status != OrderPending
}

// IdempotencyRecord guards a mutating request keyed by (Key, ResourceType).
// It is created locked-incomplete and becomes completed with the cached
// response once processing succeeds. Rows past ExpiresAt are reusable.
type IdempotencyRecord struct {
	Key            string
	ResourceType   string
	Fingerprint    string
	ResponseStatus int
	ResponseBody   string
	LockedAt       time.Time
	CompletedAt    *time.Time
	ExpiresAt      time.Time
}

// Completed reports whether processing under this record finished.
func (r *IdempotencyRecord) Completed() bool {
	return r.CompletedAt != nil
}

// DeferredWebhook is a payment callback stored because its order did not
// exist yet. It is replayed, then deleted, when the order is created.
type DeferredWebhook struct {
	ID             string
	OrderID        string
	IdempotencyKey string
	Payload        []byte
	ReceivedAt     time.Time
}

// FailedWebhook is a dead-lettered callback parked for manual inspection.
type FailedWebhook struct {
	ID             string
	OrderID        string
	IdempotencyKey string
	Payload        []byte
	Reason         string
	FailedAt       time.Time
}
