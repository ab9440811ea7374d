package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0x377/flash-sale/internal/clock"
	"github.com/0x377/flash-sale/internal/store"
)

func newGuard(t *testing.T) (*Guard, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	g := NewGuard(store.NewMemory(), clk, zap.NewNop(), Config{
		LockStaleAfter:  10 * time.Second,
		DeadlockRetries: 3,
		DeadlockBackoff: time.Millisecond,
	})
	return g, clk
}

func TestRunExecutesOnceAndReplays(t *testing.T) {
	g, _ := newGuard(t)
	calls := 0
	op := func(ctx context.Context) (int, []byte, error) {
		calls++
		return http.StatusCreated, []byte(`{"id":"x"}`), nil
	}

	status, body, err := g.Run(context.Background(), store.ResourceHold, "k1", "fp", time.Hour, op)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, `{"id":"x"}`, string(body))

	status, body, err = g.Run(context.Background(), store.ResourceHold, "k1", "fp", time.Hour, op)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, `{"id":"x"}`, string(body), "retry replays the cached response")
	assert.Equal(t, 1, calls)
}

func TestRunRejectsKeyReuse(t *testing.T) {
	g, _ := newGuard(t)
	op := func(ctx context.Context) (int, []byte, error) {
		return http.StatusCreated, []byte(`{}`), nil
	}

	_, _, err := g.Run(context.Background(), store.ResourceHold, "k1", "fp-a", time.Hour, op)
	require.NoError(t, err)

	status, body, err := g.Run(context.Background(), store.ResourceHold, "k1", "fp-b", time.Hour, func(ctx context.Context) (int, []byte, error) {
		t.Fatal("op must not run on key reuse")
		return 0, nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "idempotency_key_reuse")
}

func TestRunKeysAreScopedPerResource(t *testing.T) {
	g, _ := newGuard(t)
	calls := 0
	op := func(ctx context.Context) (int, []byte, error) {
		calls++
		return http.StatusCreated, []byte(`{}`), nil
	}

	_, _, err := g.Run(context.Background(), store.ResourceHold, "k1", "fp", time.Hour, op)
	require.NoError(t, err)
	_, _, err = g.Run(context.Background(), store.ResourceOrder, "k1", "fp", time.Hour, op)
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "the same key names different slots per resource")
}

func TestRunBusyWhileLockHeld(t *testing.T) {
	g, clk := newGuard(t)

	// take the slot without completing it
	err := g.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertIdempotencyRecord(context.Background(), &store.IdempotencyRecord{
			Key: "k1", ResourceType: store.ResourceHold, Fingerprint: "fp",
			LockedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour),
		})
	})
	require.NoError(t, err)

	status, body, err := g.Run(context.Background(), store.ResourceHold, "k1", "fp", time.Hour, func(ctx context.Context) (int, []byte, error) {
		t.Fatal("op must not run while the slot is held")
		return 0, nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "processing_in_progress")
}

func TestRunTakesOverStaleLock(t *testing.T) {
	g, clk := newGuard(t)

	err := g.store.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertIdempotencyRecord(context.Background(), &store.IdempotencyRecord{
			Key: "k1", ResourceType: store.ResourceHold, Fingerprint: "fp",
			LockedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour),
		})
	})
	require.NoError(t, err)

	clk.Advance(time.Minute)

	status, _, err := g.Run(context.Background(), store.ResourceHold, "k1", "fp", time.Hour, func(ctx context.Context) (int, []byte, error) {
		return http.StatusCreated, []byte(`{}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status, "an abandoned lock is taken over")
}

func TestRunReleasesSlotOnOperationError(t *testing.T) {
	g, _ := newGuard(t)
	boom := errors.New("boom")

	_, _, err := g.Run(context.Background(), store.ResourceHold, "k1", "fp", time.Hour, func(ctx context.Context) (int, []byte, error) {
		return 0, nil, boom
	})
	require.ErrorIs(t, err, boom)

	// the failed attempt must not block an immediate retry
	status, _, err := g.Run(context.Background(), store.ResourceHold, "k1", "fp", time.Hour, func(ctx context.Context) (int, []byte, error) {
		return http.StatusCreated, []byte(`{}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	a := Fingerprint("POST", "/holds", []byte(`{"q":1}`))
	b := Fingerprint("POST", "/holds", []byte(`{"q":2}`))
	c := Fingerprint("POST", "/orders", []byte(`{"q":1}`))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, Fingerprint("POST", "/holds", []byte(`{"q":1}`)))
}
