package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0x377/flash-sale/internal/cache"
	"github.com/0x377/flash-sale/internal/clock"
	"github.com/0x377/flash-sale/internal/events"
	"github.com/0x377/flash-sale/internal/idempotency"
	"github.com/0x377/flash-sale/internal/metrics"
	"github.com/0x377/flash-sale/internal/order"
	"github.com/0x377/flash-sale/internal/reservation"
	"github.com/0x377/flash-sale/internal/store"
	"github.com/0x377/flash-sale/internal/webhook"
)

const testSecret = "test-secret"

var testMetrics = metrics.NewBusinessMetrics("httpapi_test")

type env struct {
	store  *store.Memory
	clock  *clock.Fake
	server *httptest.Server
}

func newEnv(t *testing.T) *env {
	return newEnvWithShedLimit(t, 16)
}

func newEnvWithShedLimit(t *testing.T, limit int) *env {
	t.Helper()
	st := store.NewMemory()
	c := cache.NewStock(cache.NewMemoryBackend(), 30*time.Second)
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	reservations := reservation.NewService(st, c, clk, log, testMetrics, reservation.Config{
		HoldTTL:         2 * time.Minute,
		MaxQuantity:     10,
		DeadlockRetries: 3,
		DeadlockBackoff: time.Millisecond,
	})
	processor := webhook.NewProcessor(st, c, clk, log, testMetrics, events.NopPublisher{}, webhook.Config{
		Secret:          testSecret,
		IdempotencyTTL:  24 * time.Hour,
		DeadlockRetries: 3,
		DeadlockBackoff: time.Millisecond,
	})
	orders := order.NewService(st, c, clk, log, testMetrics, processor, order.Config{
		DeadlockRetries: 3,
		DeadlockBackoff: time.Millisecond,
	})

	guard := idempotency.NewGuard(st, clk, log, idempotency.Config{
		DeadlockRetries: 3,
		DeadlockBackoff: time.Millisecond,
	})

	mux := http.NewServeMux()
	handler := NewHandler(reservations, orders, processor, guard, clk, log, Config{
		HoldIdempotencyTTL:  5 * time.Minute,
		OrderIdempotencyTTL: time.Hour,
	})
	handler.RegisterRoutes(mux, NewLoadShedder(limit))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &env{store: st, clock: clk, server: srv}
}

func (e *env) seedProduct(t *testing.T, stock int, active bool) {
	t.Helper()
	now := e.clock.Now()
	err := e.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertProduct(context.Background(), &store.Product{
			ID: "p1", Name: "Limited Sneaker", PriceCents: 14999,
			InitialStock: stock, AvailableStock: stock, Active: active,
			CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
}

func (e *env) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (e *env) createHold(t *testing.T, qty int) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/holds", map[string]interface{}{
		"product_id": "p1", "quantity": qty, "session_id": "sess-1",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["hold_id"].(string)
}

func (e *env) createOrder(t *testing.T, holdID string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"hold_id": holdID, "customer_email": "a@b.example",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["order_id"].(string)
}

func (e *env) webhookRequest(t *testing.T, orderID, status, ref, key string) (*http.Response, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"order_id":          orderID,
		"status":            status,
		"payment_reference": ref,
		"amount":            14999,
		"currency":          "EUR",
		"timestamp":         e.clock.Now().Format(time.RFC3339),
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/payments/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Webhook-Signature", webhook.ComputeSignature(testSecret, payload))
	req.Header.Set("Idempotency-Key", key)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestGetProduct(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)

	resp, body := e.do(t, http.MethodGet, "/products/p1", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p1", body["id"])
	assert.Equal(t, float64(5), body["available_stock"])

	resp, body = e.do(t, http.MethodGet, "/products/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "product_not_found", body["error"])
}

func TestGetInactiveProductHidden(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, false)

	resp, body := e.do(t, http.MethodGet, "/products/p1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "product_not_found", body["error"])
}

func TestCreateHold(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)

	resp, body := e.do(t, http.MethodPost, "/holds", map[string]interface{}{
		"product_id": "p1", "quantity": 2,
	}, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["hold_id"])
	assert.Equal(t, float64(120), body["expires_in_seconds"])

	resp, _ = e.do(t, http.MethodGet, "/products/p1", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateHoldValidation(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)

	cases := []struct {
		body map[string]interface{}
		code string
	}{
		{map[string]interface{}{"product_id": "p1", "quantity": 0}, "invalid_quantity"},
		{map[string]interface{}{"product_id": "p1", "quantity": 11}, "invalid_quantity"},
		{map[string]interface{}{"product_id": "p1", "quantity": 6}, "insufficient_stock"},
		{map[string]interface{}{"product_id": "unknown", "quantity": 1}, "product_not_found"},
		{map[string]interface{}{"quantity": 1}, "invalid_request"},
	}
	for _, tc := range cases {
		resp, body := e.do(t, http.MethodPost, "/holds", tc.body, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, tc.code)
		assert.Equal(t, tc.code, body["error"])
	}
}

func TestCreateHoldIdempotencyKeyReplays(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)

	payload := map[string]interface{}{"product_id": "p1", "quantity": 2}
	headers := map[string]string{"Idempotency-Key": "retry-1"}

	resp1, body1 := e.do(t, http.MethodPost, "/holds", payload, headers)
	require.Equal(t, http.StatusCreated, resp1.StatusCode)

	resp2, body2 := e.do(t, http.MethodPost, "/holds", payload, headers)
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	assert.Equal(t, body1["hold_id"], body2["hold_id"], "the retry replays the first hold")

	// stock was deducted once
	_, product := e.do(t, http.MethodGet, "/products/p1", nil, nil)
	assert.Equal(t, float64(3), product["available_stock"])
}

func TestCreateHoldIdempotencyKeyReuseRejected(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)
	headers := map[string]string{"Idempotency-Key": "retry-1"}

	resp, _ := e.do(t, http.MethodPost, "/holds", map[string]interface{}{
		"product_id": "p1", "quantity": 2,
	}, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/holds", map[string]interface{}{
		"product_id": "p1", "quantity": 3,
	}, headers)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "idempotency_key_reuse", body["error"])
}

func TestCreateOrderIdempotencyKeyReplays(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)
	holdID := e.createHold(t, 1)

	payload := map[string]interface{}{"hold_id": holdID, "customer_email": "a@b.example"}
	headers := map[string]string{"Idempotency-Key": "checkout-1"}

	resp1, body1 := e.do(t, http.MethodPost, "/orders", payload, headers)
	require.Equal(t, http.StatusCreated, resp1.StatusCode)

	// without the key this would fail on the consumed hold
	resp2, body2 := e.do(t, http.MethodPost, "/orders", payload, headers)
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	assert.Equal(t, body1["order_id"], body2["order_id"])
}

func TestConcurrentHoldsNeverOversell(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 1, true)

	const buyers = 10
	codes := make([]int, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]interface{}{"product_id": "p1", "quantity": 1})
			resp, err := http.Post(e.server.URL+"/holds", "application/json", bytes.NewReader(payload))
			if err != nil {
				return
			}
			resp.Body.Close()
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	created := 0
	for _, code := range codes {
		if code == http.StatusCreated {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one buyer may win the last unit")
}

func TestReleaseHold(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)
	holdID := e.createHold(t, 2)

	resp, body := e.do(t, http.MethodDelete, "/holds/"+holdID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["released"])

	// releasing again is a no-op, not an error
	resp, _ = e.do(t, http.MethodDelete, "/holds/"+holdID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodDelete, "/holds/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "hold_not_found", body["error"])
}

func TestReleaseConsumedHold(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)
	holdID := e.createHold(t, 2)
	e.createOrder(t, holdID)

	resp, body := e.do(t, http.MethodDelete, "/holds/"+holdID, nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "hold_already_consumed", body["error"])
}

func TestCreateOrderFromExpiredHold(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)
	holdID := e.createHold(t, 2)

	e.clock.Advance(3 * time.Minute)

	resp, body := e.do(t, http.MethodPost, "/orders", map[string]interface{}{"hold_id": holdID}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "hold_expired", body["error"])
}

func TestCheckoutAndSettlement(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)
	holdID := e.createHold(t, 1)
	orderID := e.createOrder(t, holdID)

	resp, body := e.webhookRequest(t, orderID, "success", "pay_1", "key-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["processed"])

	resp, body = e.do(t, http.MethodGet, "/orders/"+orderID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.OrderPaid, body["status"])
	assert.Equal(t, "pay_1", body["payment_reference"])
}

func TestWebhookDuplicateReplaysResponse(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)
	orderID := e.createOrder(t, e.createHold(t, 1))

	resp1, body1 := e.webhookRequest(t, orderID, "success", "pay_1", "key-1")
	resp2, body2 := e.webhookRequest(t, orderID, "success", "pay_1", "key-1")

	assert.Equal(t, resp1.StatusCode, resp2.StatusCode)
	assert.Equal(t, body1, body2)
}

func TestWebhookKeyReuseConflict(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)
	orderID := e.createOrder(t, e.createHold(t, 1))

	resp, _ := e.webhookRequest(t, orderID, "success", "pay_1", "key-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.webhookRequest(t, orderID, "failed", "pay_2", "key-1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "idempotency_key_reuse", body["error"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)
	orderID := e.createOrder(t, e.createHold(t, 1))

	payload, err := json.Marshal(map[string]interface{}{
		"order_id": orderID, "status": "success", "payment_reference": "pay_1",
		"amount": 14999, "currency": "EUR",
		"timestamp": e.clock.Now().Format(time.RFC3339),
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/payments/webhook", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	req.Header.Set("Idempotency-Key", "key-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookDefersUnknownOrder(t *testing.T) {
	e := newEnv(t)
	e.seedProduct(t, 5, true)

	resp, body := e.webhookRequest(t, "3f0e8a2e-70c1-4d89-9df7-5a4c9a1c2b00", "success", "pay_1", "key-1")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "deferred", body["status"])
}

func TestHoldEndpointShedsUnderOverload(t *testing.T) {
	e := newEnvWithShedLimit(t, 0)
	e.seedProduct(t, 5, true)

	resp, body := e.do(t, http.MethodPost, "/holds", map[string]interface{}{
		"product_id": "p1", "quantity": 1,
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "overloaded", body["error"])
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// reads are never shed
	getResp, _ := e.do(t, http.MethodGet, "/products/p1", nil, nil)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestUnknownRoutesAre404(t *testing.T) {
	e := newEnv(t)

	for _, path := range []string{"/nope", "/holds/"} {
		resp, err := http.Get(e.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, fmt.Sprintf("path %s", path))
	}
}
