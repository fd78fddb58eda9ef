// Package lock implements the typed distributed lock registry described in
// spec §4.2: SET NX EX for acquisition, GET-then-DEL-if-owned for release.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"basevault/internal/kv"
)

// Operation is one of the recognized lock tags from spec §4.2.
type Operation string

const (
	OpVote       Operation = "vote"
	OpTransaction Operation = "transaction"
	OpSettlement Operation = "settlement"
	OpRebalance  Operation = "rebalance"
)

const globalID = "global"

// Registry acquires and releases named locks against a kv.Store.
type Registry struct {
	store kv.Store
}

// New constructs a Registry backed by store.
func New(store kv.Store) *Registry {
	return &Registry{store: store}
}

// Handle is returned by Acquire/AcquireWithRetry. Release is a no-op if the
// lock was never acquired.
type Handle struct {
	acquired bool
	release  func(ctx context.Context) error
}

// Acquired reports whether the underlying SET NX succeeded.
func (h Handle) Acquired() bool { return h.acquired }

// Release invokes the release closure; safe to call even if acquisition
// failed or Release was already called.
func (h Handle) Release(ctx context.Context) error {
	if h.release == nil {
		return nil
	}
	return h.release(ctx)
}

func key(op Operation, id string) string {
	if strings.TrimSpace(id) == "" {
		id = globalID
	}
	return fmt.Sprintf("lock:operation:%s:%s", op, strings.ToLower(id))
}

func newOwnerToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf[:])), nil
}

// Acquire attempts a single SET lockKey ownerToken NX EX ttl.
func (r *Registry) Acquire(ctx context.Context, op Operation, id string, ttl time.Duration) (Handle, error) {
	token, err := newOwnerToken()
	if err != nil {
		return Handle{}, err
	}
	lockKey := key(op, id)
	ok, err := r.store.Set(ctx, lockKey, []byte(token), kv.SetOptions{NX: true, EX: ttl})
	if err != nil {
		return Handle{}, err
	}
	if !ok {
		return Handle{acquired: false, release: func(context.Context) error { return nil }}, nil
	}
	return Handle{
		acquired: true,
		release: func(ctx context.Context) error {
			return r.releaseIfOwned(ctx, lockKey, token)
		},
	}, nil
}

// AcquireWithRetry busy-waits up to maxRetries times with a fixed delay
// between attempts.
func (r *Registry) AcquireWithRetry(ctx context.Context, op Operation, id string, ttl time.Duration, maxRetries int, delay time.Duration) (Handle, error) {
	for attempt := 0; ; attempt++ {
		h, err := r.Acquire(ctx, op, id, ttl)
		if err != nil {
			return Handle{}, err
		}
		if h.Acquired() {
			return h, nil
		}
		if attempt >= maxRetries {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Registry) releaseIfOwned(ctx context.Context, lockKey, token string) error {
	current, err := r.store.Get(ctx, lockKey)
	if err != nil {
		if err == kv.ErrNil {
			return nil
		}
		return err
	}
	if string(current) != token {
		// Lost the lock to TTL expiry/another owner; nothing to release.
		return nil
	}
	return r.store.Del(ctx, lockKey)
}

// IsLocked reports whether the named lock is currently held by anyone.
func (r *Registry) IsLocked(ctx context.Context, op Operation, id string) (bool, error) {
	return r.store.Exists(ctx, key(op, id))
}
