// Package kv defines the narrow key/value capability the treasury core
// depends on. Concrete drivers (redisdriver, memdriver) implement Store;
// every other package in this module is written against the interface so
// the backing store can be swapped without touching business logic.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = errors.New("kv: key does not exist")

// SetOptions configures a Set call. NX restricts the write to key absence;
// EX sets a time-to-live. Both are optional.
type SetOptions struct {
	NX bool
	EX time.Duration
}

// ScanResult is one page of a cursor-based SCAN.
type ScanResult struct {
	Cursor uint64
	Keys   []string
}

// Store is the minimal command set described in spec §4.1/§6.1. All calls
// may fail with a transient error; callers treat that as retriable at the
// next queue poll rather than fatal.
type Store interface {
	Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key string, fields ...string) error

	LPush(ctx context.Context, key string, value []byte) error
	RPush(ctx context.Context, key string, value []byte) error
	LPop(ctx context.Context, key string) ([]byte, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64, rev bool) ([]string, error)

	Scan(ctx context.Context, cursor uint64, match string, count int64) (ScanResult, error)
}

// Pipeliner groups a batch of writes for best-effort, ordered submission.
// Atomicity across commands is NOT assumed (spec §4.1).
type Pipeliner interface {
	Set(key string, value []byte, opts SetOptions)
	LPush(key string, value []byte)
	LTrim(key string, start, stop int64)
	Exec(ctx context.Context) error
}

// Pipelined is implemented by stores that support batching compound updates.
type Pipelined interface {
	Pipeline() Pipeliner
}

// DecodeJSON tolerates both a raw JSON string and an already-decoded value,
// per the "dual-shape KV reads" design note (spec §9). Readers should call
// this instead of json.Unmarshal directly whenever a value may have been
// written by a driver that auto-decodes JSON on Get.
func DecodeJSON(raw interface{}, out interface{}) error {
	switch v := raw.(type) {
	case nil:
		return ErrNil
	case []byte:
		return json.Unmarshal(v, out)
	case string:
		return json.Unmarshal([]byte(v), out)
	default:
		// Already-decoded shape: round-trip through JSON to populate out,
		// which is tolerant of map[string]interface{} or a matching struct.
		buf, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(buf, out)
	}
}

// DecodeHashJSON is the HGETALL analogue of DecodeJSON: each hash field's
// raw bytes may themselves be a JSON-encoded record or an already-decoded
// blob depending on the driver, so callers route values through this helper
// per-field rather than assuming a shape.
func DecodeHashJSON(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		return ErrNil
	}
	return json.Unmarshal(raw, out)
}
