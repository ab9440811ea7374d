package reservation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/0x377/flash-sale/internal/store"
)

type telemetryMiddleware struct {
	next Reservations
}

// NewTelemetryMiddleware decorates the engine with span events on the
// request trace.
func NewTelemetryMiddleware(next Reservations) Reservations {
	return &telemetryMiddleware{next}
}

func (t *telemetryMiddleware) Reserve(ctx context.Context, productID string, quantity int, sessionID string) (*store.Hold, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Reserve: product=%s quantity=%d", productID, quantity))

	return t.next.Reserve(ctx, productID, quantity, sessionID)
}

func (t *telemetryMiddleware) Release(ctx context.Context, holdID string) error {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("Release: hold=%s", holdID))

	return t.next.Release(ctx, holdID)
}

func (t *telemetryMiddleware) GetHold(ctx context.Context, holdID string) (*store.Hold, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("GetHold: %s", holdID))

	return t.next.GetHold(ctx, holdID)
}

func (t *telemetryMiddleware) GetProduct(ctx context.Context, productID string) (*store.Product, error) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(fmt.Sprintf("GetProduct: %s", productID))

	return t.next.GetProduct(ctx, productID)
}
