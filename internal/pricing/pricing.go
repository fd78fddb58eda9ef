// Package pricing implements the USD price snapshot cache described in
// spec §4.4: a TTL-backed read-through cache in front of an upstream price
// oracle, with a shared priceDecimals scale required by the rebalance
// planner.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"basevault/internal/domain"
	"basevault/internal/kv"
)

// PriceDecimals is the fixed scale (10^8) all price snapshots share
// (spec §4.4/§9).
const PriceDecimals = 8

// Source fetches a spot USD price for a symbol from the upstream oracle
// (spec §6.4). Implemented by internal/oracle.Client.
type Source interface {
	FetchUSD(ctx context.Context, symbol string) (float64, error)
}

func keyFor(assetID string) string { return fmt.Sprintf("price:snapshot:%s", assetID) }

// Cache is the pricing cache.
type Cache struct {
	store  kv.Store
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu sync.Mutex
}

// New constructs a Cache with the given TTL (default 60s, spec §4.4).
func New(store kv.Store, source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cache{store: store, source: source, ttl: ttl, now: time.Now}
}

// SetClock overrides the cache's notion of "now", for deterministic tests.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// GetPrice returns the cached snapshot for asset, fetching from the
// upstream source on miss or expiry.
func (c *Cache) GetPrice(ctx context.Context, asset domain.Asset) (*domain.PriceSnapshot, error) {
	if snap, ok := c.readCached(ctx, asset.ID); ok {
		return snap, nil
	}
	return c.refresh(ctx, asset)
}

func (c *Cache) readCached(ctx context.Context, assetID string) (*domain.PriceSnapshot, bool) {
	raw, err := c.store.Get(ctx, keyFor(assetID))
	if err != nil {
		return nil, false
	}
	var snap domain.PriceSnapshot
	if err := kv.DecodeJSON(raw, &snap); err != nil {
		return nil, false
	}
	if snap.ExpiresAt > 0 && c.now().UnixMilli() > snap.ExpiresAt {
		return nil, false
	}
	return &snap, true
}

func (c *Cache) refresh(ctx context.Context, asset domain.Asset) (*domain.PriceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under lock: another goroutine may have just populated it.
	if snap, ok := c.readCached(ctx, asset.ID); ok {
		return snap, nil
	}
	priceUsd, err := c.source.FetchUSD(ctx, asset.Symbol)
	if err != nil {
		return nil, fmt.Errorf("pricing: fetch %s: %w", asset.Symbol, err)
	}
	if math.IsNaN(priceUsd) || math.IsInf(priceUsd, 0) || priceUsd <= 0 {
		return nil, fmt.Errorf("pricing: non-finite price for %s", asset.Symbol)
	}
	now := c.now()
	scale := new(big.Float).SetFloat64(math.Pow10(PriceDecimals))
	raw := new(big.Float).Mul(new(big.Float).SetFloat64(priceUsd), scale)
	priceRaw, _ := raw.Int(nil)
	snap := &domain.PriceSnapshot{
		AssetID:       asset.ID,
		Symbol:        asset.Symbol,
		PriceUsd:      priceUsd,
		Source:        "coinbase",
		UpdatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(c.ttl).UnixMilli(),
		PriceDecimals: PriceDecimals,
		PriceRaw:      priceRaw,
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Set(ctx, keyFor(asset.ID), buf, kv.SetOptions{EX: c.ttl}); err != nil {
		return nil, err
	}
	return snap, nil
}

// GetPrices fetches prices for all assets in parallel, returning a map of
// only the successful entries (spec §4.4). Callers treat an absent asset as
// fatal for the current job.
func (c *Cache) GetPrices(ctx context.Context, assets []domain.Asset) map[string]*domain.PriceSnapshot {
	type result struct {
		id   string
		snap *domain.PriceSnapshot
	}
	results := make(chan result, len(assets))
	var wg sync.WaitGroup
	for _, asset := range assets {
		wg.Add(1)
		go func(a domain.Asset) {
			defer wg.Done()
			snap, err := c.GetPrice(ctx, a)
			if err != nil {
				results <- result{id: a.ID}
				return
			}
			results <- result{id: a.ID, snap: snap}
		}(asset)
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	out := make(map[string]*domain.PriceSnapshot, len(assets))
	for r := range results {
		if r.snap != nil {
			out[r.id] = r.snap
		}
	}
	return out
}
