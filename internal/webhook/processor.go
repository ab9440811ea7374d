package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0x377/flash-sale/internal/cache"
	"github.com/0x377/flash-sale/internal/clock"
	"github.com/0x377/flash-sale/internal/events"
	"github.com/0x377/flash-sale/internal/idempotency"
	"github.com/0x377/flash-sale/internal/metrics"
	"github.com/0x377/flash-sale/internal/store"
)

// Outcome classifies what Process did with a callback.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeConflict     Outcome = "conflict"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeBadSignature Outcome = "bad_signature"
)

// Result carries the HTTP response the adapter writes back. Body is the
// exact JSON cached in the idempotency record, so duplicates replay it
// byte-identically.
type Result struct {
	Outcome Outcome
	Status  int
	Body    []byte
}

// Config carries the processor tunables.
type Config struct {
	// Secret signs callbacks; empty disables verification (test mode).
	Secret          string
	IdempotencyTTL  time.Duration
	LockStaleAfter  time.Duration
	ApplyAttempts   int
	DeadlockRetries int
	DeadlockBackoff time.Duration
}

// Processor settles orders from payment-gateway callbacks exactly once.
// Duplicates are answered from the idempotency record; callbacks that beat
// their order are parked in the deferred table and replayed on order
// creation.
type Processor struct {
	store     store.Store
	cache     *cache.Stock
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.BusinessMetrics
	publisher events.Publisher
	cfg       Config
}

func NewProcessor(st store.Store, c *cache.Stock, clk clock.Clock, logger *zap.Logger, m *metrics.BusinessMetrics, pub events.Publisher, cfg Config) *Processor {
	if cfg.LockStaleAfter <= 0 {
		cfg.LockStaleAfter = 10 * time.Second
	}
	if cfg.ApplyAttempts <= 0 {
		cfg.ApplyAttempts = 3
	}
	return &Processor{
		store:     st,
		cache:     c,
		clock:     clk,
		logger:    logger,
		metrics:   m,
		publisher: pub,
		cfg:       cfg,
	}
}

// Process verifies, deduplicates and applies one callback.
func (p *Processor) Process(ctx context.Context, body []byte, signature, idempotencyKey string) (*Result, error) {
	if p.cfg.Secret != "" && !VerifySignature(p.cfg.Secret, body, signature) {
		return &Result{
			Outcome: OutcomeBadSignature,
			Status:  http.StatusUnauthorized,
			Body:    errorBody("invalid_signature"),
		}, nil
	}

	return p.process(ctx, body, idempotencyKey)
}

// process is the post-signature path; deferred replay enters here because the
// signature was already verified when the callback first arrived.
func (p *Processor) process(ctx context.Context, body []byte, idempotencyKey string) (*Result, error) {
	if idempotencyKey == "" {
		return &Result{
			Outcome: OutcomeInvalid,
			Status:  http.StatusUnprocessableEntity,
			Body:    errorBody("missing_idempotency_key"),
		}, nil
	}

	payload, err := ParsePayload(body)
	if err != nil {
		return &Result{
			Outcome: OutcomeInvalid,
			Status:  http.StatusUnprocessableEntity,
			Body:    errorBody("invalid_payload"),
		}, nil
	}

	fingerprint := fingerprintRequest(body)

	if res, proceed, err := p.acquireSlot(ctx, idempotencyKey, fingerprint); err != nil {
		return nil, err
	} else if !proceed {
		return res, nil
	}

	return p.apply(ctx, body, payload, idempotencyKey)
}

// acquireSlot commits a locked-incomplete idempotency record before any
// processing, so concurrent duplicates serialize on it. Returns proceed=false
// with the response to send when the callback is a duplicate or conflicts.
func (p *Processor) acquireSlot(ctx context.Context, key, fingerprint string) (*Result, bool, error) {
	now := p.clock.Now()
	var result *Result

	err := store.RunInTx(ctx, p.store, p.cfg.DeadlockRetries, p.cfg.DeadlockBackoff, func(tx store.Tx) error {
		result = nil

		err := tx.InsertIdempotencyRecord(ctx, &store.IdempotencyRecord{
			Key:          key,
			ResourceType: store.ResourceWebhook,
			Fingerprint:  fingerprint,
			LockedAt:     now,
			ExpiresAt:    now.Add(p.cfg.IdempotencyTTL),
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrIdempotencyConflict) {
			return err
		}

		existing, err := tx.GetIdempotencyRecord(ctx, key, store.ResourceWebhook)
		if err != nil {
			return err
		}
		if existing == nil {
			// record vanished between insert and read; treat as busy
			result = busyResult()
			return nil
		}

		if existing.Completed() {
			if existing.Fingerprint != fingerprint {
				result = &Result{
					Outcome: OutcomeConflict,
					Status:  http.StatusConflict,
					Body:    errorBody("idempotency_key_reuse"),
				}
				return nil
			}
			// A completed "deferred" response is not final: the order may
			// exist now, so retake the slot and apply for real.
			if existing.ResponseStatus == http.StatusAccepted {
				return tx.RelockIdempotencyRecord(ctx, key, store.ResourceWebhook, now)
			}
			result = &Result{
				Outcome: OutcomeDeduplicated,
				Status:  existing.ResponseStatus,
				Body:    []byte(existing.ResponseBody),
			}
			return nil
		}

		// incomplete: either a live concurrent request or an abandoned lock
		if now.Sub(existing.LockedAt) < p.cfg.LockStaleAfter {
			result = busyResult()
			return nil
		}
		return tx.RelockIdempotencyRecord(ctx, key, store.ResourceWebhook, now)
	})
	if err != nil {
		return nil, false, err
	}

	if result != nil {
		if result.Outcome == OutcomeDeduplicated {
			p.metrics.WebhooksDeduplicated.Inc()
		}
		return result, false, nil
	}
	return nil, true, nil
}

// apply settles the order under its row lock, completing the idempotency
// record with the response in the same transaction. After ApplyAttempts
// transient failures the callback is parked in the dead-letter table.
func (p *Processor) apply(ctx context.Context, body []byte, payload *Payload, key string) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.ApplyAttempts; attempt++ {
		res, outcome, err := p.applyOnce(ctx, body, payload, key)
		if err == nil {
			p.finish(ctx, payload, outcome)
			return res, nil
		}
		lastErr = err
		p.logger.Warn("webhook apply attempt failed",
			zap.String("order_id", payload.OrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	p.park(ctx, payload, key, body, lastErr)
	return nil, lastErr
}

// applied describes the state change applyOnce committed, for post-commit
// fan-out (metrics, cache, events).
type applied struct {
	deferred   bool
	transition string // new terminal status, or "" when no transition happened
	order      *store.Order
}

func (p *Processor) applyOnce(ctx context.Context, body []byte, payload *Payload, key string) (*Result, *applied, error) {
	now := p.clock.Now()
	var result *Result
	var out applied

	err := store.RunInTx(ctx, p.store, p.cfg.DeadlockRetries, p.cfg.DeadlockBackoff, func(tx store.Tx) error {
		result = nil
		out = applied{}

		o, err := tx.GetOrderForUpdate(ctx, payload.OrderID)
		if errors.Is(err, store.ErrOrderNotFound) {
			// The callback beat the order. Park it for replay and answer 202.
			if err := tx.InsertDeferredWebhook(ctx, &store.DeferredWebhook{
				ID:             uuid.New().String(),
				OrderID:        payload.OrderID,
				IdempotencyKey: key,
				Payload:        body,
				ReceivedAt:     now,
			}); err != nil {
				return err
			}
			result = &Result{
				Outcome: OutcomeDeferred,
				Status:  http.StatusAccepted,
				Body:    deferredBody(payload.OrderID),
			}
			out.deferred = true
			return tx.CompleteIdempotencyRecord(ctx, key, store.ResourceWebhook, result.Status, string(result.Body), now)
		}
		if err != nil {
			return err
		}

		result, err = p.settle(ctx, tx, o, payload, now, &out)
		if err != nil {
			return err
		}
		return tx.CompleteIdempotencyRecord(ctx, key, store.ResourceWebhook, result.Status, string(result.Body), now)
	})
	if err != nil {
		return nil, nil, err
	}
	return result, &out, nil
}

// settle applies the payment outcome to the locked order row. The state
// machine is monotonic: the first transition wins and later conflicting
// callbacks observe the reached state without overwriting it.
func (p *Processor) settle(ctx context.Context, tx store.Tx, o *store.Order, payload *Payload, now time.Time, out *applied) (*Result, error) {
	switch payload.Status {
	case StatusSuccess:
		if o.Status == store.OrderPending {
			o.Status = store.OrderPaid
			o.PaidAt = &now
			o.PaymentReference = payload.PaymentReference
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return nil, err
			}
			out.transition = store.OrderPaid
			out.order = o
			return processedResult(o), nil
		}
		if o.Status == store.OrderPaid && o.PaymentReference == payload.PaymentReference {
			return processedResult(o), nil // idempotent no-op
		}
		return conflictResult(o), nil

	case StatusFailed:
		if o.Status == store.OrderPending {
			if err := p.restock(ctx, tx, o, now); err != nil {
				return nil, err
			}
			o.Status = store.OrderFailed
			o.CancelledAt = &now
			o.PaymentReference = payload.PaymentReference
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return nil, err
			}
			out.transition = store.OrderFailed
			out.order = o
			return processedResult(o), nil
		}
		if o.Status == store.OrderFailed {
			return processedResult(o), nil // idempotent no-op
		}
		return conflictResult(o), nil
	}

	// ParsePayload rejects other statuses already
	return conflictResult(o), nil
}

// restock returns a failed order's quantity to available stock. The hold is
// consumed by invariant, but if it is somehow still pending we expire it
// instead of double-counting.
func (p *Processor) restock(ctx context.Context, tx store.Tx, o *store.Order, now time.Time) error {
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

// finish runs the post-commit fan-out for a settled callback.
func (p *Processor) finish(ctx context.Context, payload *Payload, out *applied) {
	if out == nil {
		return
	}
	if out.deferred {
		p.metrics.WebhooksDeferred.Inc()
		p.logger.Info("webhook deferred", zap.String("order_id", payload.OrderID))
		return
	}
	if out.transition == "" {
		return
	}

	p.metrics.WebhooksProcessed.Inc()

	event := events.OrderPaidEvent
	switch out.transition {
	case store.OrderPaid:
		p.metrics.OrdersPaid.Inc()
	case store.OrderFailed:
		p.metrics.OrdersFailed.Inc()
		event = events.OrderFailedEvent
		if err := p.cache.Invalidate(ctx, out.order.ProductID); err != nil {
			p.logger.Warn("failed to invalidate stock cache",
				zap.String("product_id", out.order.ProductID), zap.Error(err))
		}
	}

	if err := p.publisher.Publish(ctx, event, events.OrderEvent{
		OrderID:          out.order.ID,
		ProductID:        out.order.ProductID,
		Quantity:         out.order.Quantity,
		TotalCents:       out.order.TotalCents,
		Status:           out.order.Status,
		PaymentReference: out.order.PaymentReference,
		OccurredAt:       p.clock.Now(),
	}); err != nil {
		p.logger.Warn("failed to publish settlement event",
			zap.String("order_id", out.order.ID), zap.Error(err))
	}

	p.logger.Info("webhook settled order",
		zap.String("order_id", out.order.ID),
		zap.String("status", out.order.Status),
	)
}

// park dead-letters a callback that exhausted its apply attempts so it never
// blocks other processing.
func (p *Processor) park(ctx context.Context, payload *Payload, key string, body []byte, cause error) {
	now := p.clock.Now()
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertFailedWebhook(ctx, &store.FailedWebhook{
			ID:             uuid.New().String(),
			OrderID:        payload.OrderID,
			IdempotencyKey: key,
			Payload:        body,
			Reason:         reason,
			FailedAt:       now,
		})
	})
	if err != nil {
		p.logger.Error("failed to park webhook in dead-letter table",
			zap.String("order_id", payload.OrderID), zap.Error(err))
		return
	}

	p.metrics.WebhooksParked.Inc()
	p.logger.Error("webhook parked after repeated apply failures",
		zap.String("order_id", payload.OrderID),
		zap.String("idempotency_key", key),
		zap.String("reason", reason),
	)
}

// ReplayDeferred applies any callbacks stored for orderID, in the order they
// were received, then removes them. Safe to call repeatedly: the idempotency
// records absorb duplicates.
func (p *Processor) ReplayDeferred(ctx context.Context, orderID string) {
	var hooks []*store.DeferredWebhook
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		hooks, err = tx.ListDeferredWebhooks(ctx, orderID)
		return err
	})
	if err != nil {
		p.logger.Error("failed to list deferred webhooks",
			zap.String("order_id", orderID), zap.Error(err))
		return
	}

	for _, hook := range hooks {
		if _, err := p.process(ctx, hook.Payload, hook.IdempotencyKey); err != nil {
			p.logger.Error("failed to replay deferred webhook",
				zap.String("order_id", orderID),
				zap.String("idempotency_key", hook.IdempotencyKey),
				zap.Error(err),
			)
			continue
		}

		err := p.store.WithTx(ctx, func(tx store.Tx) error {
			return tx.DeleteDeferredWebhook(ctx, hook.ID)
		})
		if err != nil {
			p.logger.Warn("failed to delete replayed deferred webhook",
				zap.String("order_id", orderID), zap.Error(err))
		}
	}
}

// ReplayOrphans retries deferred callbacks whose order may exist by now.
// Called by the lifecycle worker as a janitor; callbacks whose order is
// still missing are re-deferred by the normal path and stay put.
func (p *Processor) ReplayOrphans(ctx context.Context, limit int) {
	var orderIDs []string
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		orderIDs, err = tx.ListDeferredOrderIDs(ctx, limit)
		return err
	})
	if err != nil {
		p.logger.Error("failed to list deferred order ids", zap.Error(err))
		return
	}

	for _, orderID := range orderIDs {
		exists := false
		err := p.store.WithTx(ctx, func(tx store.Tx) error {
			_, err := tx.GetOrder(ctx, orderID)
			if errors.Is(err, store.ErrOrderNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			exists = true
			return nil
		})
		if err != nil {
			p.logger.Error("failed to check orphan order", zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		if exists {
			p.ReplayDeferred(ctx, orderID)
		}
	}
}

// ---- response bodies ----

func fingerprintRequest(body []byte) string {
	return idempotency.Fingerprint("POST", "/payments/webhook", body)
}

func processedResult(o *store.Order) *Result {
	body, _ := json.Marshal(map[string]interface{}{
		"processed":    true,
		"order_id":     o.ID,
		"order_status": o.Status,
	})
	return &Result{Outcome: OutcomeProcessed, Status: http.StatusOK, Body: body}
}

func conflictResult(o *store.Order) *Result {
	body, _ := json.Marshal(map[string]interface{}{
		"processed":    false,
		"error":        "order_already_finalized",
		"order_id":     o.ID,
		"order_status": o.Status,
	})
	return &Result{Outcome: OutcomeConflict, Status: http.StatusConflict, Body: body}
}

func deferredBody(orderID string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"processed": false,
		"status":    "deferred",
		"order_id":  orderID,
	})
	return body
}

func busyResult() *Result {
	return &Result{
		Outcome: OutcomeConflict,
		Status:  http.StatusConflict,
		Body:    errorBody("processing_in_progress"),
	}
}

func errorBody(code string) []byte {
	body, _ := json.Marshal(map[string]string{"error": code})
	return body
}
