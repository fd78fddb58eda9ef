package settlement_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"basevault/internal/domain"
	"basevault/internal/evmclient"
	"basevault/internal/kv/memdriver"
	"basevault/internal/ledger"
	"basevault/internal/queue"
	"basevault/internal/settlement"
	"basevault/internal/vote"
)

var (
	nativeAsset = domain.Asset{ID: "eth", Kind: domain.AssetNative, Symbol: "ETH", Decimals: 18}
	tokenAsset  = domain.Asset{ID: "usdc", Kind: domain.AssetToken, Symbol: "USDC", Decimals: 6, TokenAddress: "0xUSDC"}
)

func snapshot() domain.TreasurySnapshot {
	return domain.TreasurySnapshot{Balances: []domain.AssetBalance{
		{Asset: nativeAsset, MinorUnits: big.NewInt(4_000_000_000_000_000_000)}, // 4 ETH
		{Asset: tokenAsset, MinorUnits: big.NewInt(8_000_000_000)},              // 8000 USDC
	}}
}

// TestPlanExactShare validates spec §8 scenario S5: a claimant with a 1/4
// share of total deposits receives exactly one quarter of each balance.
func TestPlanExactShare(t *testing.T) {
	claimant := big.NewInt(250)
	total := big.NewInt(1000)
	now := time.Unix(1700000000, 0)

	payload, err := settlement.Plan("0xDEAD", claimant, total, snapshot(), "req-1", now)
	require.NoError(t, err)
	require.Len(t, payload.Plan, 2)
	require.Equal(t, "1000000000000000000", payload.Plan[0].AmountMinorUnits.String()) // 1 ETH
	require.Equal(t, "1", payload.Plan[0].AmountFormatted)
	require.Equal(t, "2000000000", payload.Plan[1].AmountMinorUnits.String()) // 2000 USDC
	require.Equal(t, "2000", payload.Plan[1].AmountFormatted)

	share, err := payload.ResolveShare()
	require.NoError(t, err)
	require.Equal(t, big.NewRat(1, 4), share)
}

func TestPlanRejectsZeroTotal(t *testing.T) {
	_, err := settlement.Plan("0xDEAD", big.NewInt(1), big.NewInt(0), snapshot(), "req", time.Now())
	require.Error(t, err)
}

// TestEnqueueDedupWithinMaxAge validates spec §8 scenario S6: a replayed
// claim within the max-age window is suppressed.
func TestEnqueueDedupWithinMaxAge(t *testing.T) {
	store := memdriver.New()
	q := queue.New(store)
	s := settlement.New(store, q)

	payload, err := settlement.Plan("0xBEEF", big.NewInt(100), big.NewInt(1000), snapshot(), "req-1", time.Now())
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	enqueued, status, err := s.Enqueue(context.Background(), payload, 0, now, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, enqueued)
	require.Equal(t, domain.SettlementQueued, status.State)

	again, _, err := s.Enqueue(context.Background(), payload, 0, now.Add(1*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.False(t, again, "replay within max age must be suppressed")
}

func TestEnqueueAllowsAfterExecutedWithNewDeposit(t *testing.T) {
	store := memdriver.New()
	q := queue.New(store)
	s := settlement.New(store, q)

	payload, err := settlement.Plan("0xBEEF", big.NewInt(100), big.NewInt(1000), snapshot(), "req-1", time.Now())
	require.NoError(t, err)

	t0 := time.Unix(1700000000, 0)
	_, status, err := s.Enqueue(context.Background(), payload, 0, t0, 5*time.Minute)
	require.NoError(t, err)

	status, err = s.MarkExecuted(context.Background(), status, []string{"0xhash"}, t0.Add(1*time.Second))
	require.NoError(t, err)
	require.Equal(t, domain.SettlementExecuted, status.State)

	laterDeposit := status.UpdatedAt + 1000
	enqueued, _, err := s.Enqueue(context.Background(), payload, laterDeposit, t0.Add(2*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.True(t, enqueued, "a deposit after the executed settlement must allow re-enqueue")
}

func TestEnqueueSuppressesStaleExecutedWithoutNewDeposit(t *testing.T) {
	store := memdriver.New()
	q := queue.New(store)
	s := settlement.New(store, q)

	payload, err := settlement.Plan("0xBEEF", big.NewInt(100), big.NewInt(1000), snapshot(), "req-1", time.Now())
	require.NoError(t, err)

	t0 := time.Unix(1700000000, 0)
	_, status, err := s.Enqueue(context.Background(), payload, 0, t0, 5*time.Minute)
	require.NoError(t, err)
	status, err = s.MarkExecuted(context.Background(), status, []string{"0xhash"}, t0.Add(1*time.Second))
	require.NoError(t, err)

	enqueued, _, err := s.Enqueue(context.Background(), payload, status.UpdatedAt, t0.Add(2*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	require.False(t, enqueued, "no new deposit since settlement means the claim stays suppressed")
}

// fakeEVMClient implements evmclient.Client against in-memory state so
// Executor.Execute can be exercised without a live node.
type fakeEVMClient struct {
	nextHash      int64
	failTransfers bool
}

func (f *fakeEVMClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeEVMClient) GetBytecode(ctx context.Context, address common.Address) ([]byte, error) {
	return nil, nil
}
func (f *fakeEVMClient) ReadContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	return nil, nil
}
func (f *fakeEVMClient) GetBlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeEVMClient) GetBlock(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{}, nil
}
func (f *fakeEVMClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}
func (f *fakeEVMClient) SendTransaction(ctx context.Context, req evmclient.TxRequest) (common.Hash, error) {
	if f.failTransfers {
		return common.Hash{}, context.DeadlineExceeded
	}
	f.nextHash++
	return common.BigToHash(big.NewInt(f.nextHash)), nil
}
func (f *fakeEVMClient) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}
func (f *fakeEVMClient) WriteContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	if f.failTransfers {
		return common.Hash{}, context.DeadlineExceeded
	}
	f.nextHash++
	return common.BigToHash(big.NewInt(f.nextHash)), nil
}

func TestExecuteSuccessMarksSettledRemovesVoteAndEnqueuesRebalance(t *testing.T) {
	store := memdriver.New()
	q := queue.New(store)
	s := settlement.New(store, q)
	l := ledger.New(store)
	votes := vote.New(store, l)
	ctx := context.Background()

	require.NoError(t, l.RecordDeposit(ctx, domain.TransactionRecord{
		Hash: "0xtx1", From: "0xBEEF", To: "0xVault", ValueMinorUnits: big.NewInt(100), Timestamp: 1700000000000,
	}))
	require.NoError(t, votes.RecordAllocationVote(ctx, "prop-1", domain.AllocationVote{
		ProposalID: "prop-1", Address: "0xBEEF", EthPercent: 60, Timestamp: time.Now().UnixMilli(),
	}))

	payload, err := settlement.Plan("0xBEEF", big.NewInt(100), big.NewInt(1000), snapshot(), "req-1", time.Now())
	require.NoError(t, err)

	_, status, err := s.Enqueue(ctx, payload, 0, time.Now(), 5*time.Minute)
	require.NoError(t, err)

	// Simulate the worker claiming the settlement job off the FIFO before
	// executing it, so the only job left afterward is the follow-up
	// rebalance Execute enqueues.
	handle, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.NoError(t, handle.Ack(ctx))

	client := &fakeEVMClient{}
	exec := settlement.NewExecutor(client, s, l, votes, q, "prop-1")

	final, err := exec.Execute(ctx, status, payload, nil)
	require.NoError(t, err)
	require.Equal(t, domain.SettlementExecuted, final.State)
	require.Len(t, final.Transactions, 2) // one native, one token transfer

	stats, err := l.GetUserStats(ctx, "0xBEEF")
	require.NoError(t, err)
	require.Equal(t, 0, stats.TotalMinorUnits.Sign())
	require.NotNil(t, stats.SettledAt)

	totals, _, err := votes.GetAllocationVoteResults(ctx, "prop-1")
	require.NoError(t, err)
	require.Equal(t, 0, totals.TotalVoters)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size, "a follow-up rebalance job must be queued")
}

func TestExecuteFailureLeavesLedgerAndVoteUntouched(t *testing.T) {
	store := memdriver.New()
	q := queue.New(store)
	s := settlement.New(store, q)
	l := ledger.New(store)
	votes := vote.New(store, l)
	ctx := context.Background()

	require.NoError(t, l.RecordDeposit(ctx, domain.TransactionRecord{
		Hash: "0xtx1", From: "0xBEEF", To: "0xVault", ValueMinorUnits: big.NewInt(100), Timestamp: 1700000000000,
	}))
	require.NoError(t, votes.RecordAllocationVote(ctx, "prop-1", domain.AllocationVote{
		ProposalID: "prop-1", Address: "0xBEEF", EthPercent: 60, Timestamp: time.Now().UnixMilli(),
	}))

	payload, err := settlement.Plan("0xBEEF", big.NewInt(100), big.NewInt(1000), snapshot(), "req-1", time.Now())
	require.NoError(t, err)

	_, status, err := s.Enqueue(ctx, payload, 0, time.Now(), 5*time.Minute)
	require.NoError(t, err)

	client := &fakeEVMClient{failTransfers: true}
	exec := settlement.NewExecutor(client, s, l, votes, q, "prop-1")

	final, err := exec.Execute(ctx, status, payload, nil)
	require.Error(t, err)
	require.Equal(t, domain.SettlementFailed, final.State)
	require.NotEmpty(t, final.Error)

	stats, err := l.GetUserStats(ctx, "0xBEEF")
	require.NoError(t, err)
	require.Equal(t, 100, int(stats.TotalMinorUnits.Int64()))
	require.Nil(t, stats.SettledAt)

	totals, _, err := votes.GetAllocationVoteResults(ctx, "prop-1")
	require.NoError(t, err)
	require.Equal(t, 1, totals.TotalVoters)
}
