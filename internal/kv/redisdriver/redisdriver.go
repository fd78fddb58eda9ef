// Package redisdriver implements kv.Store over github.com/go-redis/redis/v8,
// the production backing store for the treasury core's lock registry, job
// queue, ledger, and vote state.
package redisdriver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"basevault/internal/kv"
)

// Driver adapts a *redis.Client to kv.Store.
type Driver struct {
	client *redis.Client
}

// New dials Redis using the supplied address/password/db, verifying
// connectivity with a PING before returning.
func New(ctx context.Context, addr, password string, db int) (*Driver, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisdriver: ping %s: %w", addr, err)
	}
	return &Driver{client: client}, nil
}

// Close releases the underlying connection pool.
func (d *Driver) Close() error { return d.client.Close() }

func wrapErr(err error) error {
	if err == redis.Nil {
		return kv.ErrNil
	}
	return err
}

func (d *Driver) Set(ctx context.Context, key string, value []byte, opts kv.SetOptions) (bool, error) {
	args := make([]interface{}, 0, 2)
	if opts.EX > 0 {
		args = append(args, "EX", int64(opts.EX.Seconds()))
	}
	if opts.NX {
		ok, err := d.client.SetNX(ctx, key, value, opts.EX).Result()
		return ok, err
	}
	cmd := redis.NewStatusCmd(ctx, append([]interface{}{"set", key, value}, args...)...)
	if err := d.client.Process(ctx, cmd); err != nil {
		return false, err
	}
	_, err := cmd.Result()
	return err == nil, err
}

func (d *Driver) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := d.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, wrapErr(err)
	}
	return b, nil
}

func (d *Driver) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return d.client.Del(ctx, keys...).Err()
}

func (d *Driver) Exists(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (d *Driver) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return d.client.Expire(ctx, key, ttl).Err()
}

func (d *Driver) HSet(ctx context.Context, key, field string, value []byte) error {
	return d.client.HSet(ctx, key, field, value).Err()
}

func (d *Driver) HGet(ctx context.Context, key, field string) ([]byte, error) {
	b, err := d.client.HGet(ctx, key, field).Bytes()
	if err != nil {
		return nil, wrapErr(err)
	}
	return b, nil
}

func (d *Driver) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	raw, err := d.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for field, v := range raw {
		out[field] = []byte(v)
	}
	return out, nil
}

func (d *Driver) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return d.client.HDel(ctx, key, fields...).Err()
}

func (d *Driver) LPush(ctx context.Context, key string, value []byte) error {
	return d.client.LPush(ctx, key, value).Err()
}

func (d *Driver) RPush(ctx context.Context, key string, value []byte) error {
	return d.client.RPush(ctx, key, value).Err()
}

func (d *Driver) LPop(ctx context.Context, key string) ([]byte, error) {
	b, err := d.client.LPop(ctx, key).Bytes()
	if err != nil {
		return nil, wrapErr(err)
	}
	return b, nil
}

func (d *Driver) LLen(ctx context.Context, key string) (int64, error) {
	return d.client.LLen(ctx, key).Result()
}

func (d *Driver) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	raw, err := d.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(raw))
	for i, v := range raw {
		out[i] = []byte(v)
	}
	return out, nil
}

func (d *Driver) LTrim(ctx context.Context, key string, start, stop int64) error {
	return d.client.LTrim(ctx, key, start, stop).Err()
}

func (d *Driver) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return d.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (d *Driver) ZRange(ctx context.Context, key string, start, stop int64, rev bool) ([]string, error) {
	if rev {
		return d.client.ZRevRange(ctx, key, start, stop).Result()
	}
	return d.client.ZRange(ctx, key, start, stop).Result()
}

func (d *Driver) Scan(ctx context.Context, cursor uint64, match string, count int64) (kv.ScanResult, error) {
	keys, next, err := d.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return kv.ScanResult{}, err
	}
	return kv.ScanResult{Cursor: next, Keys: keys}, nil
}

// pipeline adapts redis.Pipeliner to kv.Pipeliner.
type pipeline struct {
	client *redis.Client
	pipe   redis.Pipeliner
}

func (d *Driver) Pipeline() kv.Pipeliner {
	return &pipeline{client: d.client, pipe: d.client.Pipeline()}
}

func (p *pipeline) Set(key string, value []byte, opts kv.SetOptions) {
	p.pipe.Set(context.Background(), key, value, opts.EX)
}

func (p *pipeline) LPush(key string, value []byte) {
	p.pipe.LPush(context.Background(), key, value)
}

func (p *pipeline) LTrim(key string, start, stop int64) {
	p.pipe.LTrim(context.Background(), key, start, stop)
}

func (p *pipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	return err
}
