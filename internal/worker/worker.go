// Package worker implements the single-consumer job loop described in
// spec §4.3/§5: poll the queue, dispatch rebalance and settlement jobs to
// their executors, and heartbeat the claim while long-latency steps run.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"basevault/internal/domain"
	"basevault/internal/ledger"
	"basevault/internal/pricing"
	"basevault/internal/queue"
	"basevault/internal/rebalance"
	"basevault/internal/settlement"
	"basevault/internal/treasury"
	"basevault/internal/vote"
)

// permanentError marks a job failure that a retry cannot fix: malformed
// payloads, and settlement outcomes that already recorded a terminal status
// (spec §7 reserves requeue=false for exactly this class). Every other
// error bubbling out of process() is treated as transient infra failure
// (a KV blip, an RPC timeout, a missing price) and requeues the job.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DefaultPollInterval is how often the worker attempts ClaimNext when the
// queue was last found empty (spec §4.3).
const DefaultPollInterval = 2 * time.Second

// DefaultHeartbeatInterval refreshes the processing record and gate TTL
// while a job is in flight (spec §4.2/§5).
const DefaultHeartbeatInterval = 30 * time.Second

// Worker drains the job queue, one job at a time, for as long as its
// context stays live.
type Worker struct {
	queue      *queue.Queue
	planner    *rebalance.Planner
	rebalExe   *rebalance.Executor
	reader     *treasury.Reader
	prices     *pricing.Cache
	settle     *settlement.Store
	settleExe  *settlement.Executor
	ledger     *ledger.Ledger
	votes      *vote.Store
	assets     []domain.Asset
	proposalID string

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// Deps bundles the components a Worker dispatches to.
type Deps struct {
	Queue              *queue.Queue
	Planner            *rebalance.Planner
	RebalanceExecutor  *rebalance.Executor
	TreasuryReader     *treasury.Reader
	Prices             *pricing.Cache
	SettlementStore    *settlement.Store
	SettlementExecutor *settlement.Executor
	Ledger             *ledger.Ledger
	Votes              *vote.Store
	Assets             []domain.Asset
	ProposalID         string
	Logger             *slog.Logger
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
}

// New constructs a Worker from Deps, applying defaults for zero-value
// intervals and a discard logger if none is given.
func New(d Deps) *Worker {
	poll := d.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	heartbeat := d.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:             d.Queue,
		planner:           d.Planner,
		rebalExe:          d.RebalanceExecutor,
		reader:            d.TreasuryReader,
		prices:            d.Prices,
		settle:            d.SettlementStore,
		settleExe:         d.SettlementExecutor,
		ledger:            d.Ledger,
		votes:             d.Votes,
		assets:            d.Assets,
		proposalID:        d.ProposalID,
		pollInterval:      poll,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}
}

// Run polls the queue until ctx is cancelled, processing at most one job at
// a time (the queue's single-consumer gate enforces this across processes
// too).
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// drainOnce claims and processes jobs until the queue reports empty, a job
// is put back at the head for retry, or the context is cancelled, so a burst
// of enqueued work does not wait a full poll interval per job while a
// requeued job waits for the next poll.
func (w *Worker) drainOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		handle, err := w.queue.ClaimNext(ctx)
		if err != nil {
			w.logger.Error("claim next job failed", "error", err)
			return
		}
		if handle == nil {
			return
		}
		w.process(ctx, handle)
		head, err := w.queue.Peek(ctx, 1)
		if err != nil || (len(head) > 0 && head[0].ID == handle.Job.ID) {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, handle *queue.Handle) {
	stopHeartbeat := w.startHeartbeat(ctx, handle)
	defer stopHeartbeat()

	hb := func() { _ = handle.Heartbeat(ctx) }

	var err error
	switch handle.Job.Type {
	case domain.JobRebalance:
		err = w.runRebalance(ctx, handle.Job, hb)
	case domain.JobSettlement:
		err = w.runSettlement(ctx, handle.Job, hb)
	default:
		err = permanent(fmt.Errorf("worker: unknown job type %q", handle.Job.Type))
	}

	if err != nil {
		requeue := !isPermanent(err)
		w.logger.Error("job failed", "jobId", handle.Job.ID, "type", handle.Job.Type, "error", err, "requeue", requeue)
		if ackErr := handle.Fail(ctx, requeue); ackErr != nil {
			w.logger.Error("failed to record job failure", "jobId", handle.Job.ID, "error", ackErr)
		}
		return
	}
	if ackErr := handle.Ack(ctx); ackErr != nil {
		w.logger.Error("failed to ack job", "jobId", handle.Job.ID, "error", ackErr)
	}
}

// startHeartbeat refreshes the processing record and gate TTL on a fixed
// interval for the duration of job processing (spec §4.2: "heartbeat
// around suspension points" applies to the whole job, not just the
// planner/executor's own explicit hb() calls).
func (w *Worker) startHeartbeat(ctx context.Context, handle *queue.Handle) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = handle.Heartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) runRebalance(ctx context.Context, job *domain.Job, hb func()) error {
	var payload domain.RebalancePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return permanent(fmt.Errorf("worker: decode rebalance payload: %w", err))
	}

	totals, _, err := w.votes.GetAllocationVoteResults(ctx, w.proposalID)
	if err != nil {
		return fmt.Errorf("worker: load vote results: %w", err)
	}

	snapshot, err := w.reader.Read(ctx)
	if err != nil {
		return fmt.Errorf("worker: read treasury snapshot: %w", err)
	}
	hb()

	prices := w.prices.GetPrices(ctx, w.assets)
	if len(prices) != len(w.assets) {
		return fmt.Errorf("worker: missing price for one or more assets")
	}

	plan, skip, err := w.planner.Compute(ctx, totals.WeightedEthPercent, snapshot, prices, hb)
	if err != nil {
		return fmt.Errorf("worker: compute rebalance plan: %w", err)
	}

	outcome, err := w.rebalExe.Run(ctx, job.ID, payload.Reason, plan, skip, hb)
	if err != nil {
		return fmt.Errorf("worker: run rebalance: %w", err)
	}
	w.logger.Info("rebalance job complete", "jobId", job.ID, "mode", outcome.Mode, "reason", outcome.Reason)
	return nil
}

func (w *Worker) runSettlement(ctx context.Context, job *domain.Job, hb func()) error {
	var payload domain.SettlementPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return permanent(fmt.Errorf("worker: decode settlement payload: %w", err))
	}
	if _, err := payload.ResolveShare(); err != nil {
		return permanent(fmt.Errorf("worker: resolve settlement share: %w", err))
	}

	status, err := w.settle.GetUserStatus(ctx, payload.Address)
	if err != nil {
		return fmt.Errorf("worker: load settlement status: %w", err)
	}
	if status == nil {
		return permanent(fmt.Errorf("worker: no settlement status for %s", payload.Address))
	}

	final, err := w.settleExe.Execute(ctx, *status, payload, hb)
	if err != nil {
		// Execute persists status `failed` when a transfer fails; errors
		// from its other steps are returned without a status change. In
		// both cases the job itself does not retry (spec §4.9/§7: failed
		// settlements require a fresh claim, not an automatic requeue).
		w.logger.Error("settlement execution failed", "jobId", job.ID, "address", payload.Address, "error", err)
		return permanent(err)
	}
	w.logger.Info("settlement job complete", "jobId", job.ID, "address", payload.Address, "state", final.State)
	return nil
}
