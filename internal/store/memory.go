package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a single-node Store used by tests and by dev mode when no
// Postgres URL is configured. Transactions take the store-wide lock for
// their whole duration, which satisfies the row-lock contract (it is simply
// coarser), and mutate a copy of the state that is swapped in on commit, so
// a failed transaction leaves nothing observable.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type idemKey struct {
	key          string
	resourceType string
}

type deferredEntry struct {
	hook *DeferredWebhook
	seq  uint64
}

type memState struct {
	products    map[string]*Product
	holds       map[string]*Hold
	orders      map[string]*Order
	idempotency map[idemKey]*IdempotencyRecord
	deferred    map[string]*deferredEntry
	failed      map[string]*FailedWebhook
	seq         uint64
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		products:    make(map[string]*Product),
		holds:       make(map[string]*Hold),
		orders:      make(map[string]*Order),
		idempotency: make(map[idemKey]*IdempotencyRecord),
		deferred:    make(map[string]*deferredEntry),
		failed:      make(map[string]*FailedWebhook),
	}}
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	next := m.state.clone()
	if err := fn(&memTx{state: next}); err != nil {
		return err
	}

	m.state = next
	return nil
}

func (m *Memory) Close() error { return nil }

func (s *memState) clone() *memState {
	next := &memState{
		products:    make(map[string]*Product, len(s.products)),
		holds:       make(map[string]*Hold, len(s.holds)),
		orders:      make(map[string]*Order, len(s.orders)),
		idempotency: make(map[idemKey]*IdempotencyRecord, len(s.idempotency)),
		deferred:    make(map[string]*deferredEntry, len(s.deferred)),
		failed:      make(map[string]*FailedWebhook, len(s.failed)),
		seq:         s.seq,
	}
	for id, p := range s.products {
		cp := *p
		next.products[id] = &cp
	}
	for id, h := range s.holds {
		cp := *h
		cp.ConsumedAt = copyTime(h.ConsumedAt)
		next.holds[id] = &cp
	}
	for id, o := range s.orders {
		cp := *o
		cp.PaidAt = copyTime(o.PaidAt)
		cp.CancelledAt = copyTime(o.CancelledAt)
		next.orders[id] = &cp
	}
	for k, r := range s.idempotency {
		cp := *r
		cp.CompletedAt = copyTime(r.CompletedAt)
		next.idempotency[k] = &cp
	}
	for id, e := range s.deferred {
		hp := *e.hook
		hp.Payload = append([]byte(nil), e.hook.Payload...)
		next.deferred[id] = &deferredEntry{hook: &hp, seq: e.seq}
	}
	for id, f := range s.failed {
		cp := *f
		cp.Payload = append([]byte(nil), f.Payload...)
		next.failed[id] = &cp
	}
	return next
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

type memTx struct {
	state *memState
}

// ---- products ----

func (t *memTx) InsertProduct(_ context.Context, p *Product) error {
	cp := *p
	t.state.products[p.ID] = &cp
	return nil
}

func (t *memTx) GetProduct(_ context.Context, id string) (*Product, error) {
	p, ok := t.state.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

// GetProductForUpdate is identical to GetProduct here: the transaction holds
// the store-wide lock already.
func (t *memTx) GetProductForUpdate(ctx context.Context, id string) (*Product, error) {
	return t.GetProduct(ctx, id)
}

func (t *memTx) AdjustProductStock(_ context.Context, id string, delta int, now time.Time) error {
	p, ok := t.state.products[id]
	if !ok {
		return ErrProductNotFound
	}
	p.AvailableStock += delta
	p.UpdatedAt = now
	return nil
}

// ---- holds ----

func (t *memTx) InsertHold(_ context.Context, h *Hold) error {
	cp := *h
	cp.ConsumedAt = copyTime(h.ConsumedAt)
	t.state.holds[h.ID] = &cp
	return nil
}

func (t *memTx) GetHold(_ context.Context, id string) (*Hold, error) {
	h, ok := t.state.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	cp.ConsumedAt = copyTime(h.ConsumedAt)
	return &cp, nil
}

func (t *memTx) GetHoldForUpdate(ctx context.Context, id string) (*Hold, error) {
	return t.GetHold(ctx, id)
}

func (t *memTx) UpdateHoldStatus(_ context.Context, id, status string, consumedAt *time.Time) error {
	h, ok := t.state.holds[id]
	if !ok {
		return ErrHoldNotFound
	}
	h.Status = status
	h.ConsumedAt = copyTime(consumedAt)
	return nil
}

func (t *memTx) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]*Hold, error) {
	var out []*Hold
	for _, h := range t.state.holds {
		if h.Status == HoldPending && !h.ExpiresAt.After(now) {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- orders ----

func (t *memTx) InsertOrder(_ context.Context, o *Order) error {
	cp := *o
	cp.PaidAt = copyTime(o.PaidAt)
	cp.CancelledAt = copyTime(o.CancelledAt)
	t.state.orders[o.ID] = &cp
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*Order, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	cp.PaidAt = copyTime(o.PaidAt)
	cp.CancelledAt = copyTime(o.CancelledAt)
	return &cp, nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id string) (*Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *memTx) UpdateOrder(_ context.Context, o *Order) error {
	if _, ok := t.state.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *o
	cp.PaidAt = copyTime(o.PaidAt)
	cp.CancelledAt = copyTime(o.CancelledAt)
	t.state.orders[o.ID] = &cp
	return nil
}

func (t *memTx) ListStalePendingOrders(_ context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	var out []*Order
	for _, o := range t.state.orders {
		if o.Status == OrderPending && o.CreatedAt.Before(cutoff) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- idempotency records ----

func (t *memTx) InsertIdempotencyRecord(_ context.Context, r *IdempotencyRecord) error {
	k := idemKey{r.Key, r.ResourceType}
	if existing, ok := t.state.idempotency[k]; ok {
		// expired rows are reusable
		if existing.ExpiresAt.After(r.LockedAt) {
			return ErrIdempotencyConflict
		}
	}
	cp := *r
	cp.CompletedAt = copyTime(r.CompletedAt)
	t.state.idempotency[k] = &cp
	return nil
}

func (t *memTx) GetIdempotencyRecord(_ context.Context, key, resourceType string) (*IdempotencyRecord, error) {
	r, ok := t.state.idempotency[idemKey{key, resourceType}]
	if !ok {
		return nil, nil
	}
	cp := *r
	cp.CompletedAt = copyTime(r.CompletedAt)
	return &cp, nil
}

func (t *memTx) CompleteIdempotencyRecord(_ context.Context, key, resourceType string, status int, body string, completedAt time.Time) error {
	r, ok := t.state.idempotency[idemKey{key, resourceType}]
	if !ok {
		return ErrIdempotencyConflict
	}
	r.ResponseStatus = status
	r.ResponseBody = body
	r.CompletedAt = copyTime(&completedAt)
	return nil
}

func (t *memTx) RelockIdempotencyRecord(_ context.Context, key, resourceType string, lockedAt time.Time) error {
	r, ok := t.state.idempotency[idemKey{key, resourceType}]
	if !ok {
		return ErrIdempotencyConflict
	}
	r.LockedAt = lockedAt
	r.CompletedAt = nil
	return nil
}

func (t *memTx) DeleteIdempotencyRecord(_ context.Context, key, resourceType string) error {
	delete(t.state.idempotency, idemKey{key, resourceType})
	return nil
}

func (t *memTx) DeleteExpiredIdempotencyRecords(_ context.Context, now time.Time) (int, error) {
	n := 0
	for k, r := range t.state.idempotency {
		if !r.ExpiresAt.After(now) {
			delete(t.state.idempotency, k)
			n++
		}
	}
	return n, nil
}

// ---- deferred webhooks ----

func (t *memTx) InsertDeferredWebhook(_ context.Context, d *DeferredWebhook) error {
	t.state.seq++
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	t.state.deferred[d.ID] = &deferredEntry{hook: &cp, seq: t.state.seq}
	return nil
}

func (t *memTx) ListDeferredWebhooks(_ context.Context, orderID string) ([]*DeferredWebhook, error) {
	var entries []*deferredEntry
	for _, e := range t.state.deferred {
		if e.hook.OrderID == orderID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].hook.ReceivedAt.Equal(entries[j].hook.ReceivedAt) {
			return entries[i].hook.ReceivedAt.Before(entries[j].hook.ReceivedAt)
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]*DeferredWebhook, 0, len(entries))
	for _, e := range entries {
		cp := *e.hook
		cp.Payload = append([]byte(nil), e.hook.Payload...)
		out = append(out, &cp)
	}
	return out, nil
}

func (t *memTx) ListDeferredOrderIDs(_ context.Context, limit int) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, e := range t.state.deferred {
		if !seen[e.hook.OrderID] {
			seen[e.hook.OrderID] = true
			out = append(out, e.hook.OrderID)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) DeleteDeferredWebhook(_ context.Context, id string) error {
	delete(t.state.deferred, id)
	return nil
}

// ---- dead letter ----

func (t *memTx) InsertFailedWebhook(_ context.Context, f *FailedWebhook) error {
	cp := *f
	cp.Payload = append([]byte(nil), f.Payload...)
	t.state.failed[f.ID] = &cp
	return nil
}

// FailedWebhooks returns the dead-letter table contents, newest last.
// Read-only helper for tests and operational inspection.
func (m *Memory) FailedWebhooks() []*FailedWebhook {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FailedWebhook
	for _, f := range m.state.failed {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}
