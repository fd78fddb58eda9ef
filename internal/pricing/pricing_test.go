package pricing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"basevault/internal/domain"
	"basevault/internal/kv/memdriver"
	"basevault/internal/pricing"
)

type fakeSource struct {
	calls  int
	prices map[string]float64
	err    error
}

func (f *fakeSource) FetchUSD(ctx context.Context, symbol string) (float64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.prices[symbol], nil
}

var ethAsset = domain.Asset{ID: "eth", Symbol: "ETH", Decimals: 18}

func TestGetPriceCachesUntilExpiry(t *testing.T) {
	ctx := context.Background()
	store := memdriver.New()
	src := &fakeSource{prices: map[string]float64{"ETH": 3000}}
	base := time.Now()

	cache := pricing.New(store, src, time.Minute)
	cache.SetClock(func() time.Time { return base })

	snap, err := cache.GetPrice(ctx, ethAsset)
	require.NoError(t, err)
	require.Equal(t, 1, src.calls)
	require.Equal(t, "ETH", snap.Symbol)
	require.Equal(t, int64(300000000000), snap.PriceRaw.Int64())

	// Second call within TTL hits the cache.
	_, err = cache.GetPrice(ctx, ethAsset)
	require.NoError(t, err)
	require.Equal(t, 1, src.calls)

	// Advance past expiry: cache miss refetches upstream.
	cache.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	_, err = cache.GetPrice(ctx, ethAsset)
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)
}

func TestGetPriceUpstreamError(t *testing.T) {
	ctx := context.Background()
	store := memdriver.New()
	src := &fakeSource{err: errors.New("upstream unavailable")}
	cache := pricing.New(store, src, time.Minute)

	_, err := cache.GetPrice(ctx, ethAsset)
	require.Error(t, err)
}

func TestGetPricesPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := memdriver.New()
	src := &fakeSource{prices: map[string]float64{"ETH": 3000, "USDC": 1}}
	cache := pricing.New(store, src, time.Minute)

	assets := []domain.Asset{
		ethAsset,
		{ID: "usdc", Symbol: "USDC", Decimals: 6},
		{ID: "ghost", Symbol: "GHOST", Decimals: 18},
	}
	src.prices["GHOST"] = 0 // non-finite (zero) price must be excluded from the results

	out := cache.GetPrices(ctx, assets)
	require.Len(t, out, 2)
	require.Contains(t, out, "eth")
	require.Contains(t, out, "usdc")
	require.NotContains(t, out, "ghost")
}
