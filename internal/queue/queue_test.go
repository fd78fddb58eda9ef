package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"basevault/internal/domain"
	"basevault/internal/kv/memdriver"
	"basevault/internal/queue"
)

func TestEnqueueClaimAck(t *testing.T) {
	ctx := context.Background()
	store := memdriver.New()
	q := queue.New(store)

	job, err := q.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonDeposit}, queue.EnqueueOptions{})
	require.NoError(t, err)
	require.NotNil(t, job)

	handle, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.Equal(t, domain.JobRebalance, handle.Job.Type)
	require.Equal(t, 1, handle.Job.Attempts)

	// At-most-one: a concurrent claim attempt must fail while the gate is held.
	second, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, second)

	require.NoError(t, handle.Ack(ctx))

	// Gate released: a subsequent claim succeeds and finds an empty queue.
	third, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestFailRequeuesToHead(t *testing.T) {
	ctx := context.Background()
	store := memdriver.New()
	q := queue.New(store)

	_, err := q.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonVote}, queue.EnqueueOptions{})
	require.NoError(t, err)
	first, err := q.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonManual}, queue.EnqueueOptions{})
	require.NoError(t, err)

	h1, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, h1.Fail(ctx, true))

	h2, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, h1.Job.ID, h2.Job.ID)
	require.Equal(t, 2, h2.Job.Attempts)
	require.NoError(t, h2.Ack(ctx))

	h3, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, h3.Job.ID)
	require.NoError(t, h3.Ack(ctx))
}

func TestDedupeSuppression(t *testing.T) {
	ctx := context.Background()
	store := memdriver.New()
	q := queue.New(store)

	job, err := q.Enqueue(ctx, domain.JobSettlement, domain.SettlementPayload{Address: "0xabc"}, queue.EnqueueOptions{DedupeKey: "settlement:0xabc", DedupeTTL: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, job)

	suppressed, err := q.Enqueue(ctx, domain.JobSettlement, domain.SettlementPayload{Address: "0xabc"}, queue.EnqueueOptions{DedupeKey: "settlement:0xabc", DedupeTTL: time.Minute})
	require.NoError(t, err)
	require.Nil(t, suppressed)
}

func TestSweeperDropsStaleJobs(t *testing.T) {
	ctx := context.Background()
	store := memdriver.New()
	base := time.Now()
	store.SetClock(func() time.Time { return base })
	q := queue.New(store, queue.WithStaleAge(5*time.Minute))
	q.SetClock(func() time.Time { return base })

	_, err := q.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonDeposit}, queue.EnqueueOptions{})
	require.NoError(t, err)

	q.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	dropped, err := q.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestIsProcessing(t *testing.T) {
	ctx := context.Background()
	store := memdriver.New()
	q := queue.New(store)

	_, err := q.Enqueue(ctx, domain.JobSettlement, domain.SettlementPayload{Address: "0xabc"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	handle, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)

	processing, err := q.IsProcessing(ctx, domain.JobSettlement)
	require.NoError(t, err)
	require.True(t, processing)

	notRebalance, err := q.IsProcessing(ctx, domain.JobRebalance)
	require.NoError(t, err)
	require.False(t, notRebalance)

	require.NoError(t, handle.Ack(ctx))

	processingAfter, err := q.IsProcessing(ctx, domain.JobSettlement)
	require.NoError(t, err)
	require.False(t, processingAfter)
}

func TestClaimByIDReordersTail(t *testing.T) {
	ctx := context.Background()
	store := memdriver.New()
	q := queue.New(store)

	a, err := q.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonDeposit}, queue.EnqueueOptions{})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, domain.JobSettlement, domain.SettlementPayload{Address: "target"}, queue.EnqueueOptions{})
	require.NoError(t, err)
	c, err := q.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{Reason: domain.ReasonManual}, queue.EnqueueOptions{})
	require.NoError(t, err)

	handle, err := q.ClaimByID(ctx, b.ID, 10)
	require.NoError(t, err)
	require.NotNil(t, handle)
	require.Equal(t, b.ID, handle.Job.ID)
	require.NoError(t, handle.Ack(ctx))

	peeked, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	require.Equal(t, c.ID, peeked[0].ID)
	require.Equal(t, a.ID, peeked[1].ID)
}
