package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to the database named by TEST_POSTGRES_URL and
// starts from empty tables. The suite is skipped when the variable is unset.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}

	pg, err := NewPostgres(url)
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })

	require.NoError(t, pg.EnsureSchema(context.Background()))
	_, err = pg.db.ExecContext(context.Background(),
		`TRUNCATE products, holds, orders, idempotency_records, deferred_webhooks, failed_webhooks CASCADE`)
	require.NoError(t, err)

	return pg
}

// A conflicting insert must not abort the transaction: the duplicate-webhook
// path reads and relocks the existing record right after the conflict.
func TestPostgresIdempotencyConflictKeepsTransactionUsable(t *testing.T) {
	pg := newTestPostgres(t)
	now := time.Now().UTC()

	err := pg.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertIdempotencyRecord(context.Background(), &IdempotencyRecord{
			Key: "k1", ResourceType: ResourceWebhook, Fingerprint: "fp",
			LockedAt: now, ExpiresAt: now.Add(time.Hour),
		})
	})
	require.NoError(t, err)

	err = pg.WithTx(context.Background(), func(tx Tx) error {
		dup := &IdempotencyRecord{
			Key: "k1", ResourceType: ResourceWebhook, Fingerprint: "fp",
			LockedAt: now, ExpiresAt: now.Add(time.Hour),
		}
		require.ErrorIs(t, tx.InsertIdempotencyRecord(context.Background(), dup), ErrIdempotencyConflict)

		// same transaction stays live for the read and the relock
		existing, err := tx.GetIdempotencyRecord(context.Background(), "k1", ResourceWebhook)
		require.NoError(t, err)
		require.NotNil(t, existing)
		assert.Equal(t, "fp", existing.Fingerprint)

		return tx.RelockIdempotencyRecord(context.Background(), "k1", ResourceWebhook, now.Add(time.Minute))
	})
	require.NoError(t, err)

	err = pg.WithTx(context.Background(), func(tx Tx) error {
		r, err := tx.GetIdempotencyRecord(context.Background(), "k1", ResourceWebhook)
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.False(t, r.Completed())
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresIdempotencyExpiredRowIsReusable(t *testing.T) {
	pg := newTestPostgres(t)
	now := time.Now().UTC()

	err := pg.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertIdempotencyRecord(context.Background(), &IdempotencyRecord{
			Key: "k1", ResourceType: ResourceWebhook, Fingerprint: "old",
			LockedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
		})
	})
	require.NoError(t, err)

	err = pg.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertIdempotencyRecord(context.Background(), &IdempotencyRecord{
			Key: "k1", ResourceType: ResourceWebhook, Fingerprint: "new",
			LockedAt: now, ExpiresAt: now.Add(time.Hour),
		})
	})
	require.NoError(t, err)

	err = pg.WithTx(context.Background(), func(tx Tx) error {
		r, err := tx.GetIdempotencyRecord(context.Background(), "k1", ResourceWebhook)
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, "new", r.Fingerprint)
		return nil
	})
	require.NoError(t, err)
}

// Replay must follow arrival order even when received_at timestamps collide.
func TestPostgresDeferredWebhooksKeepArrivalOrder(t *testing.T) {
	pg := newTestPostgres(t)
	received := time.Now().UTC().Truncate(time.Second)

	err := pg.WithTx(context.Background(), func(tx Tx) error {
		for i := 0; i < 5; i++ {
			d := &DeferredWebhook{
				ID:             fmt.Sprintf("hook-%d", i),
				OrderID:        "o1",
				IdempotencyKey: fmt.Sprintf("key-%d", i),
				Payload:        []byte(`{}`),
				ReceivedAt:     received, // identical timestamps
			}
			if err := tx.InsertDeferredWebhook(context.Background(), d); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = pg.WithTx(context.Background(), func(tx Tx) error {
		hooks, err := tx.ListDeferredWebhooks(context.Background(), "o1")
		require.NoError(t, err)
		require.Len(t, hooks, 5)
		for i, h := range hooks {
			assert.Equal(t, fmt.Sprintf("hook-%d", i), h.ID)
		}
		return nil
	})
	require.NoError(t, err)
}
