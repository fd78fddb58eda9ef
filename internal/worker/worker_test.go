package worker

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"basevault/internal/aggregator"
	"basevault/internal/domain"
	"basevault/internal/evmclient"
	"basevault/internal/kv/memdriver"
	"basevault/internal/ledger"
	"basevault/internal/pricing"
	"basevault/internal/queue"
	"basevault/internal/rebalance"
	"basevault/internal/settlement"
	"basevault/internal/treasury"
	"basevault/internal/vote"
)

var (
	nativeAsset = domain.Asset{ID: "eth", Kind: domain.AssetNative, Symbol: "ETH", Decimals: 18}
	stableAsset = domain.Asset{ID: "usdc", Kind: domain.AssetToken, Symbol: "USDC", Decimals: 6, TokenAddress: "0xUSDC", IsStable: true}
)

func TestRunSettlementSuccessPath(t *testing.T) {
	store := memdriver.New()
	q := queue.New(store)
	l := ledger.New(store)
	votes := vote.New(store, l)
	s := settlement.New(store, q)
	ctx := context.Background()

	require.NoError(t, l.RecordDeposit(ctx, domain.TransactionRecord{
		Hash: "0xtx1", From: "0xBEEF", ValueMinorUnits: big.NewInt(100), Timestamp: time.Now().UnixMilli(),
	}))

	snapshot := domain.TreasurySnapshot{Balances: []domain.AssetBalance{
		{Asset: nativeAsset, MinorUnits: big.NewInt(1_000_000_000_000_000_000)},
	}}
	payload, err := settlement.Plan("0xBEEF", big.NewInt(100), big.NewInt(1000), snapshot, "req-1", time.Now())
	require.NoError(t, err)

	enqueued, status, err := s.Enqueue(ctx, payload, 0, time.Now(), 5*time.Minute)
	require.NoError(t, err)
	require.True(t, enqueued)
	require.Equal(t, domain.SettlementQueued, status.State)

	client := &fakeEVMClientForSettlement{}
	exe := settlement.NewExecutor(client, s, l, votes, q, "prop-1")

	w := New(Deps{
		Queue:              q,
		SettlementStore:    s,
		SettlementExecutor: exe,
		Ledger:             l,
		Votes:              votes,
		Assets:             []domain.Asset{nativeAsset},
		ProposalID:         "prop-1",
	})

	handle, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	w.process(ctx, handle)

	final, err := s.GetUserStatus(ctx, "0xBEEF")
	require.NoError(t, err)
	require.NotNil(t, final)
	require.Equal(t, domain.SettlementExecuted, final.State)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size, "settlement success enqueues a follow-up rebalance")
}

type fakeEVMClientForSettlement struct{ nextHash int64 }

func (f *fakeEVMClientForSettlement) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeEVMClientForSettlement) GetBytecode(ctx context.Context, address common.Address) ([]byte, error) {
	return nil, nil
}
func (f *fakeEVMClientForSettlement) ReadContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	return nil, nil
}
func (f *fakeEVMClientForSettlement) GetBlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeEVMClientForSettlement) GetBlock(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{}, nil
}
func (f *fakeEVMClientForSettlement) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}
func (f *fakeEVMClientForSettlement) SendTransaction(ctx context.Context, req evmclient.TxRequest) (common.Hash, error) {
	f.nextHash++
	return common.BigToHash(big.NewInt(f.nextHash)), nil
}
func (f *fakeEVMClientForSettlement) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}
func (f *fakeEVMClientForSettlement) WriteContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	f.nextHash++
	return common.BigToHash(big.NewInt(f.nextHash)), nil
}

type fakeAggregator struct{ response *aggregator.Quote }

func (f *fakeAggregator) Quote(ctx context.Context, sellToken, buyToken, sellAmount, taker string) (*aggregator.Quote, error) {
	return f.response, nil
}

func TestRunRebalanceSkipWithinTolerance(t *testing.T) {
	store := memdriver.New()
	q := queue.New(store)
	l := ledger.New(store)
	votes := vote.New(store, l)
	ctx := context.Background()

	require.NoError(t, l.RecordDeposit(ctx, domain.TransactionRecord{
		Hash: "0xtx1", From: "0xBEEF", ValueMinorUnits: big.NewInt(100), Timestamp: time.Now().UnixMilli(),
	}))
	require.NoError(t, votes.RecordAllocationVote(ctx, "prop-1", domain.AllocationVote{
		ProposalID: "prop-1", Address: "0xBEEF", EthPercent: 50, Timestamp: time.Now().UnixMilli(),
	}))

	client := &fakeTreasuryClient{
		nativeBalance: big.NewInt(1_000_000_000_000_000_000), // 1 ETH
		tokenBalance:  big.NewInt(2_000_000_000),             // 2000 USDC
	}
	reader := treasury.New(client, common.HexToAddress("0xVault"), []domain.Asset{nativeAsset, stableAsset}, nil)

	fakeOracle := &constantOracle{usd: map[string]float64{"ETH": 2000, "USDC": 1}}
	priceCache := pricing.New(store, fakeOracle, time.Minute)

	agg := &fakeAggregator{}
	planner := rebalance.NewPlanner([]domain.Asset{nativeAsset, stableAsset}, agg, rebalance.Config{})
	rebalExe := rebalance.NewExecutor(client, reader, priceCache, store, []domain.Asset{nativeAsset, stableAsset}, rebalance.Config{})

	w := New(Deps{
		Queue:             q,
		Planner:           planner,
		RebalanceExecutor: rebalExe,
		TreasuryReader:    reader,
		Prices:            priceCache,
		Votes:             votes,
		Assets:            []domain.Asset{nativeAsset, stableAsset},
		ProposalID:        "prop-1",
	})

	_, err := q.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonVote}, queue.EnqueueOptions{})
	require.NoError(t, err)

	w.drainOnce(ctx)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

// TestProcessTransientErrorRequeuesJob exercises spec §7's requeue=true
// path: a treasury-read failure (simulated infra blip) must leave the job
// claimable again rather than dropping it.
func TestProcessTransientErrorRequeuesJob(t *testing.T) {
	store := memdriver.New()
	q := queue.New(store)
	l := ledger.New(store)
	votes := vote.New(store, l)
	ctx := context.Background()

	client := &fakeTreasuryClient{err: fmt.Errorf("rpc: timeout")}
	reader := treasury.New(client, common.HexToAddress("0xVault"), []domain.Asset{nativeAsset}, nil)
	fakeOracle := &constantOracle{usd: map[string]float64{"ETH": 2000}}
	priceCache := pricing.New(store, fakeOracle, time.Minute)
	agg := &fakeAggregator{}
	planner := rebalance.NewPlanner([]domain.Asset{nativeAsset}, agg, rebalance.Config{})
	rebalExe := rebalance.NewExecutor(client, reader, priceCache, store, []domain.Asset{nativeAsset}, rebalance.Config{})

	w := New(Deps{
		Queue:             q,
		Planner:           planner,
		RebalanceExecutor: rebalExe,
		TreasuryReader:    reader,
		Prices:            priceCache,
		Votes:             votes,
		Assets:            []domain.Asset{nativeAsset},
		ProposalID:        "prop-1",
	})

	_, err := q.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonVote}, queue.EnqueueOptions{})
	require.NoError(t, err)

	w.drainOnce(ctx)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size, "transient infra failure must requeue the job")
}

// TestProcessPermanentErrorDropsJob exercises spec §7's requeue=false path:
// a malformed payload can never succeed on retry and must not be requeued.
func TestProcessPermanentErrorDropsJob(t *testing.T) {
	store := memdriver.New()
	q := queue.New(store)
	ctx := context.Background()

	w := New(Deps{Queue: q})

	_, err := q.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonVote}, queue.EnqueueOptions{})
	require.NoError(t, err)

	handle, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	handle.Job.Payload = []byte("not json")

	w.process(ctx, handle)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), size, "permanent decode failure must not requeue the job")
}

type fakeTreasuryClient struct {
	nativeBalance *big.Int
	tokenBalance  *big.Int
	err           error
}

func (f *fakeTreasuryClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.nativeBalance, nil
}
func (f *fakeTreasuryClient) GetBytecode(ctx context.Context, address common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}
func (f *fakeTreasuryClient) ReadContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	return []interface{}{f.tokenBalance}, nil
}
func (f *fakeTreasuryClient) GetBlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (f *fakeTreasuryClient) GetBlock(ctx context.Context, number *big.Int) (*types.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Header{Number: big.NewInt(100)}, nil
}
func (f *fakeTreasuryClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}
func (f *fakeTreasuryClient) SendTransaction(ctx context.Context, req evmclient.TxRequest) (common.Hash, error) {
	return common.Hash{}, nil
}
func (f *fakeTreasuryClient) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}
func (f *fakeTreasuryClient) WriteContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	return common.Hash{}, nil
}

type constantOracle struct{ usd map[string]float64 }

func (c *constantOracle) FetchUSD(ctx context.Context, symbol string) (float64, error) {
	return c.usd[symbol], nil
}
