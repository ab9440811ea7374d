package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/0x377/flash-sale/internal/clock"
	"github.com/0x377/flash-sale/internal/store"
)

// Fingerprint hashes a request so key reuse with a different body is
// detectable. Stored alongside the idempotency record.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Config carries the guard tunables.
type Config struct {
	// LockStaleAfter is how long an incomplete slot blocks duplicates before
	// it is treated as abandoned and taken over.
	LockStaleAfter  time.Duration
	DeadlockRetries int
	DeadlockBackoff time.Duration
}

// Guard makes a client-facing create replayable under an Idempotency-Key.
// The first request with a key takes a locked slot, runs the operation and
// caches the response; retries with the same key and body replay that
// response instead of re-running the operation.
//
// Unlike the webhook path, the operation commits in its own transaction, so
// a crash between commit and caching can re-run the operation after the lock
// goes stale. Both guarded creates tolerate that: a re-run hold expires back
// into the pool, and a re-run order creation fails on the consumed hold.
type Guard struct {
	store  store.Store
	clock  clock.Clock
	logger *zap.Logger
	cfg    Config
}

func NewGuard(st store.Store, clk clock.Clock, logger *zap.Logger, cfg Config) *Guard {
	if cfg.LockStaleAfter <= 0 {
		cfg.LockStaleAfter = 10 * time.Second
	}
	return &Guard{store: st, clock: clk, logger: logger, cfg: cfg}
}

// Run executes op at most once per (resource, key) within ttl, replaying the
// cached response on duplicates. op returns the HTTP status and body to send;
// a non-nil error from op releases the slot so the client can retry at once.
func (g *Guard) Run(ctx context.Context, resource, key, fingerprint string, ttl time.Duration, op func(ctx context.Context) (int, []byte, error)) (int, []byte, error) {
	status, body, proceed, err := g.acquire(ctx, resource, key, fingerprint, ttl)
	if err != nil {
		return 0, nil, err
	}
	if !proceed {
		return status, body, nil
	}

	status, body, opErr := op(ctx)
	if opErr != nil {
		g.release(ctx, resource, key)
		return 0, nil, opErr
	}

	now := g.clock.Now()
	err = store.RunInTx(ctx, g.store, g.cfg.DeadlockRetries, g.cfg.DeadlockBackoff, func(tx store.Tx) error {
		return tx.CompleteIdempotencyRecord(ctx, key, resource, status, string(body), now)
	})
	if err != nil {
		// the operation committed; losing the cached response only costs a
		// duplicate a 409 until the lock goes stale
		g.logger.Warn("failed to complete idempotency record",
			zap.String("resource", resource), zap.String("key", key), zap.Error(err))
	}
	return status, body, nil
}

// acquire commits the locked slot, or resolves the duplicate: cached replay,
// key-reuse conflict, busy, or takeover of an abandoned lock.
func (g *Guard) acquire(ctx context.Context, resource, key, fingerprint string, ttl time.Duration) (int, []byte, bool, error) {
	now := g.clock.Now()
	var status int
	var body []byte
	proceed := false

	err := store.RunInTx(ctx, g.store, g.cfg.DeadlockRetries, g.cfg.DeadlockBackoff, func(tx store.Tx) error {
		status, body, proceed = 0, nil, false

		err := tx.InsertIdempotencyRecord(ctx, &store.IdempotencyRecord{
			Key:          key,
			ResourceType: resource,
			Fingerprint:  fingerprint,
			LockedAt:     now,
			ExpiresAt:    now.Add(ttl),
		})
		if err == nil {
			proceed = true
			return nil
		}
		if !errors.Is(err, store.ErrIdempotencyConflict) {
			return err
		}

		existing, err := tx.GetIdempotencyRecord(ctx, key, resource)
		if err != nil {
			return err
		}
		if existing == nil {
			status, body = conflictResponse("processing_in_progress")
			return nil
		}

		if existing.Completed() {
			if existing.Fingerprint != fingerprint {
				status, body = conflictResponse("idempotency_key_reuse")
				return nil
			}
			status, body = existing.ResponseStatus, []byte(existing.ResponseBody)
			return nil
		}

		if now.Sub(existing.LockedAt) < g.cfg.LockStaleAfter {
			status, body = conflictResponse("processing_in_progress")
			return nil
		}

		if err := tx.RelockIdempotencyRecord(ctx, key, resource, now); err != nil {
			return err
		}
		proceed = true
		return nil
	})
	if err != nil {
		return 0, nil, false, err
	}
	return status, body, proceed, nil
}

func (g *Guard) release(ctx context.Context, resource, key string) {
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteIdempotencyRecord(ctx, key, resource)
	})
	if err != nil {
		g.logger.Warn("failed to release idempotency slot",
			zap.String("resource", resource), zap.String("key", key), zap.Error(err))
	}
}

func conflictResponse(code string) (int, []byte) {
	body, _ := json.Marshal(map[string]string{"error": code})
	return http.StatusConflict, body
}
