package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/0x377/flash-sale/internal/clock"
	"github.com/0x377/flash-sale/internal/idempotency"
	"github.com/0x377/flash-sale/internal/order"
	"github.com/0x377/flash-sale/internal/reservation"
	"github.com/0x377/flash-sale/internal/store"
	"github.com/0x377/flash-sale/internal/webhook"
)

const maxBodyBytes = int64(65536)

// Config carries the handler tunables.
type Config struct {
	// SignatureHeader is where the payment gateway puts the HMAC.
	SignatureHeader string
	// Record lifetimes for the Idempotency-Key guarded create endpoints.
	HoldIdempotencyTTL  time.Duration
	OrderIdempotencyTTL time.Duration
}

// Handler maps the HTTP surface onto the core services. The create endpoints
// honor an optional Idempotency-Key header through the guard; the webhook
// endpoint requires one and runs its own protocol inside the processor.
type Handler struct {
	reservations reservation.Reservations
	orders       order.Orders
	processor    *webhook.Processor
	guard        *idempotency.Guard
	clock        clock.Clock
	logger       *zap.Logger
	cfg          Config
}

func NewHandler(res reservation.Reservations, ord order.Orders, proc *webhook.Processor, guard *idempotency.Guard, clk clock.Clock, logger *zap.Logger, cfg Config) *Handler {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Webhook-Signature"
	}
	return &Handler{
		reservations: res,
		orders:       ord,
		processor:    proc,
		guard:        guard,
		clock:        clk,
		logger:       logger,
		cfg:          cfg,
	}
}

// RegisterRoutes wires the endpoints onto the mux. shed guards the hold
// endpoint against overload.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, shed *LoadShedder) {
	mux.HandleFunc("GET /products/{id}", h.handleGetProduct)
	mux.Handle("POST /holds", shed.Wrap(http.HandlerFunc(h.handleCreateHold)))
	mux.HandleFunc("GET /holds/{id}", h.handleGetHold)
	mux.HandleFunc("DELETE /holds/{id}", h.handleReleaseHold)
	mux.HandleFunc("POST /orders", h.handleCreateOrder)
	mux.HandleFunc("GET /orders/{id}", h.handleGetOrder)
	mux.HandleFunc("POST /payments/webhook", h.handleWebhook)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	p, err := h.reservations.GetProduct(r.Context(), id)
	if errors.Is(err, store.ErrProductNotFound) {
		writeError(w, http.StatusNotFound, "product_not_found")
		return
	}
	if err != nil {
		h.serverError(w, "get product", err)
		return
	}
	if !p.Active {
		writeError(w, http.StatusNotFound, "product_not_found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":              p.ID,
		"name":            p.Name,
		"price":           p.PriceCents,
		"initial_stock":   p.InitialStock,
		"available_stock": p.AvailableStock,
		"active":          p.Active,
	})
}

type createHoldRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	SessionID string `json:"session_id"`
}

func (h *Handler) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request")
		return
	}

	var req createHoldRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.ProductID == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request")
		return
	}

	op := func(ctx context.Context) (int, []byte, error) {
		return h.createHold(ctx, &req)
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		fingerprint := idempotency.Fingerprint(r.Method, "/holds", raw)
		status, body, err := h.guard.Run(r.Context(), store.ResourceHold, key, fingerprint, h.cfg.HoldIdempotencyTTL, op)
		if err != nil {
			h.serverError(w, "create hold", err)
			return
		}
		writeRaw(w, status, body)
		return
	}

	status, body, err := op(r.Context())
	if err != nil {
		h.serverError(w, "create hold", err)
		return
	}
	writeRaw(w, status, body)
}

func (h *Handler) createHold(ctx context.Context, req *createHoldRequest) (int, []byte, error) {
	hold, err := h.reservations.Reserve(ctx, req.ProductID, req.Quantity, req.SessionID)
	switch {
	case errors.Is(err, reservation.ErrInvalidQuantity):
		return http.StatusUnprocessableEntity, errorBody("invalid_quantity"), nil
	case errors.Is(err, reservation.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, errorBody("insufficient_stock"), nil
	case errors.Is(err, reservation.ErrProductInactive):
		return http.StatusUnprocessableEntity, errorBody("product_inactive"), nil
	case errors.Is(err, store.ErrProductNotFound):
		return http.StatusUnprocessableEntity, errorBody("product_not_found"), nil
	case err != nil:
		return 0, nil, err
	}

	expiresIn := int(hold.ExpiresAt.Sub(h.clock.Now()) / time.Second)
	return http.StatusCreated, jsonBody(map[string]interface{}{
		"hold_id":            hold.ID,
		"product_id":         hold.ProductID,
		"quantity":           hold.Quantity,
		"expires_at":         hold.ExpiresAt,
		"expires_in_seconds": expiresIn,
	}), nil
}

func (h *Handler) handleGetHold(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	hold, err := h.reservations.GetHold(r.Context(), id)
	if errors.Is(err, store.ErrHoldNotFound) {
		writeError(w, http.StatusNotFound, "hold_not_found")
		return
	}
	if err != nil {
		h.serverError(w, "get hold", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         hold.ID,
		"product_id": hold.ProductID,
		"quantity":   hold.Quantity,
		"status":     hold.Status,
		"expires_at": hold.ExpiresAt,
		"active":     hold.Active(h.clock.Now()),
	})
}

func (h *Handler) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.reservations.Release(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrHoldNotFound):
		writeError(w, http.StatusNotFound, "hold_not_found")
		return
	case errors.Is(err, reservation.ErrHoldConsumed):
		writeError(w, http.StatusUnprocessableEntity, "hold_already_consumed")
		return
	case err != nil:
		h.serverError(w, "release hold", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}

type createOrderRequest struct {
	HoldID          string `json:"hold_id"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails string `json:"customer_details"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request")
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.HoldID == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request")
		return
	}

	op := func(ctx context.Context) (int, []byte, error) {
		return h.createOrder(ctx, &req)
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		fingerprint := idempotency.Fingerprint(r.Method, "/orders", raw)
		status, body, err := h.guard.Run(r.Context(), store.ResourceOrder, key, fingerprint, h.cfg.OrderIdempotencyTTL, op)
		if err != nil {
			h.serverError(w, "create order", err)
			return
		}
		writeRaw(w, status, body)
		return
	}

	status, body, err := op(r.Context())
	if err != nil {
		h.serverError(w, "create order", err)
		return
	}
	writeRaw(w, status, body)
}

func (h *Handler) createOrder(ctx context.Context, req *createOrderRequest) (int, []byte, error) {
	ord, err := h.orders.Create(ctx, req.HoldID, order.Customer{
		Email:   req.CustomerEmail,
		Details: req.CustomerDetails,
	})
	switch {
	case errors.Is(err, store.ErrHoldNotFound):
		return http.StatusUnprocessableEntity, errorBody("hold_not_found"), nil
	case errors.Is(err, order.ErrHoldExpired):
		return http.StatusUnprocessableEntity, errorBody("hold_expired"), nil
	case errors.Is(err, order.ErrHoldConsumed):
		return http.StatusUnprocessableEntity, errorBody("hold_already_consumed"), nil
	case err != nil:
		return 0, nil, err
	}

	// Reads may already observe a settled state: deferred webhooks replay
	// synchronously inside Create.
	return http.StatusCreated, jsonBody(map[string]interface{}{
		"order_id":   ord.ID,
		"status":     ord.Status,
		"amount":     ord.TotalCents,
		"product_id": ord.ProductID,
		"quantity":   ord.Quantity,
		"created_at": ord.CreatedAt,
	}), nil
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ord, err := h.orders.Get(r.Context(), id)
	if errors.Is(err, store.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order_not_found")
		return
	}
	if err != nil {
		h.serverError(w, "get order", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":          ord.ID,
		"status":            ord.Status,
		"amount":            ord.TotalCents,
		"product_id":        ord.ProductID,
		"quantity":          ord.Quantity,
		"payment_reference": ord.PaymentReference,
		"created_at":        ord.CreatedAt,
		"paid_at":           ord.PaidAt,
		"cancelled_at":      ord.CancelledAt,
	})
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_request")
		return
	}

	result, err := h.processor.Process(r.Context(),
		body,
		r.Header.Get(h.cfg.SignatureHeader),
		r.Header.Get("Idempotency-Key"),
	)
	if err != nil {
		h.serverError(w, "process webhook", err)
		return
	}

	writeRaw(w, result.Status, result.Body)
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusInternalServerError, "transient_error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func jsonBody(v interface{}) []byte {
	body, _ := json.Marshal(v)
	return body
}

func errorBody(code string) []byte {
	return jsonBody(map[string]string{"error": code})
}
