// Package settlement implements pro-rata depositor settlement: plan
// computation from a claimant's share of the deposit ledger, dedup-aware
// enqueue semantics, and on-chain execution of the resulting transfer plan
// (spec §4.9).
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"basevault/internal/domain"
	"basevault/internal/evmclient"
	"basevault/internal/kv"
	"basevault/internal/ledger"
	"basevault/internal/queue"
	"basevault/internal/vote"
)

// DefaultMaxAge is how stale a non-terminal settlement status may be before
// a new claim is allowed to supersede it (spec §4.9).
const DefaultMaxAge = 5 * time.Minute

const historyLimit = 100

func userStatusKey(address string) string { return fmt.Sprintf("settlement:user:%s", strings.ToLower(address)) }
func jobStatusKey(jobID string) string     { return fmt.Sprintf("settlement:job:%s", jobID) }

const historyListKey = "settlement:history"

// Plan computes a pro-rata settlement payload for claimant over the given
// treasury snapshot. amount_i = bal_i * claimantMinorUnits / totalDeposits,
// an exact integer division per asset (spec §4.9, "Plan exactness").
func Plan(address string, claimantMinorUnits, totalDepositsMinorUnits *big.Int, snapshot domain.TreasurySnapshot, requestID string, now time.Time) (domain.SettlementPayload, error) {
	if totalDepositsMinorUnits == nil || totalDepositsMinorUnits.Sign() <= 0 {
		return domain.SettlementPayload{}, fmt.Errorf("settlement: zero total deposits")
	}
	if claimantMinorUnits == nil || claimantMinorUnits.Sign() <= 0 {
		return domain.SettlementPayload{}, fmt.Errorf("settlement: claimant has no recorded deposit")
	}

	share := new(big.Rat).SetFrac(claimantMinorUnits, totalDepositsMinorUnits)
	plan := make([]domain.AssetTransferPlan, 0, len(snapshot.Balances))
	for _, bal := range snapshot.Balances {
		amount := new(big.Int).Mul(bal.MinorUnits, claimantMinorUnits)
		amount.Quo(amount, totalDepositsMinorUnits)
		plan = append(plan, domain.AssetTransferPlan{
			AssetID:          bal.Asset.ID,
			Symbol:           bal.Asset.Symbol,
			Kind:             bal.Asset.Kind,
			TokenAddress:     bal.Asset.TokenAddress,
			Decimals:         bal.Asset.Decimals,
			AmountMinorUnits: amount,
			AmountFormatted:  formatMinorUnits(amount, bal.Asset.Decimals),
		})
	}

	payload := domain.SettlementPayload{
		Address:                 address,
		Plan:                    plan,
		TotalDepositsMinorUnits: totalDepositsMinorUnits,
		RequestID:               requestID,
		RequestedAt:             now.UnixMilli(),
	}
	payload.SetShare(share)
	return payload, nil
}

func formatMinorUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int)
	rem := new(big.Int)
	whole.QuoRem(amount, unit, rem)
	if rem.Sign() == 0 || decimals == 0 {
		return whole.String()
	}
	frac := rem.String()
	for len(frac) < int(decimals) {
		frac = "0" + frac
	}
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole.String()
	}
	return whole.String() + "." + frac
}

// Store tracks settlement status and coordinates dedup-aware enqueue.
type Store struct {
	kv    kv.Store
	queue *queue.Queue
}

// New constructs a settlement Store.
func New(store kv.Store, q *queue.Queue) *Store {
	return &Store{kv: store, queue: q}
}

// GetUserStatus returns the latest status recorded for address, if any.
func (s *Store) GetUserStatus(ctx context.Context, address string) (*domain.SettlementStatus, error) {
	raw, err := s.kv.Get(ctx, userStatusKey(address))
	if err != nil {
		if err == kv.ErrNil {
			return nil, nil
		}
		return nil, err
	}
	var status domain.SettlementStatus
	if err := kv.DecodeJSON(raw, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Enqueue applies the dedup policy from spec §4.9 and, if accepted,
// persists a `queued` status and pushes the job onto the queue.
//
// lastDepositAt is the claimant's most recent recorded deposit timestamp
// (ms), used to detect new deposits since a prior `executed` status.
func (s *Store) Enqueue(ctx context.Context, payload domain.SettlementPayload, lastDepositAt int64, now time.Time, maxAge time.Duration) (enqueued bool, status domain.SettlementStatus, err error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	existing, err := s.GetUserStatus(ctx, payload.Address)
	if err != nil {
		return false, domain.SettlementStatus{}, err
	}

	if existing != nil {
		age := now.Sub(time.UnixMilli(existing.UpdatedAt))
		switch existing.State {
		case domain.SettlementQueued, domain.SettlementExecuting, domain.SettlementFailed:
			if age < maxAge {
				return false, *existing, nil
			}
		case domain.SettlementExecuted:
			if lastDepositAt <= existing.UpdatedAt {
				return false, *existing, nil
			}
		}
	}

	share, err := payload.ResolveShare()
	if err != nil {
		return false, domain.SettlementStatus{}, err
	}

	job, err := s.queue.Enqueue(ctx, domain.JobSettlement, payload, queue.EnqueueOptions{})
	if err != nil {
		return false, domain.SettlementStatus{}, err
	}

	status = domain.SettlementStatus{
		JobID:     job.ID,
		RequestID: payload.RequestID,
		Address:   payload.Address,
		Share:     share.RatString(),
		Plan:      payload.Plan,
		State:     domain.SettlementQueued,
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	if err := s.saveStatus(ctx, status); err != nil {
		return false, domain.SettlementStatus{}, err
	}
	return true, status, nil
}

func (s *Store) saveStatus(ctx context.Context, status domain.SettlementStatus) error {
	buf, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if _, err := s.kv.Set(ctx, userStatusKey(status.Address), buf, kv.SetOptions{}); err != nil {
		return err
	}
	if _, err := s.kv.Set(ctx, jobStatusKey(status.JobID), buf, kv.SetOptions{}); err != nil {
		return err
	}
	if err := s.kv.LPush(ctx, historyListKey, buf); err != nil {
		return err
	}
	return s.kv.LTrim(ctx, historyListKey, 0, historyLimit-1)
}

// MarkExecuting transitions a status to executing prior to submitting any
// transfers (spec §7: "settlement state executing is persisted before
// transfers").
func (s *Store) MarkExecuting(ctx context.Context, status domain.SettlementStatus, now time.Time) (domain.SettlementStatus, error) {
	status.State = domain.SettlementExecuting
	status.UpdatedAt = now.UnixMilli()
	return status, s.saveStatus(ctx, status)
}

// MarkExecuted persists the terminal success status with transfer hashes.
func (s *Store) MarkExecuted(ctx context.Context, status domain.SettlementStatus, txHashes []string, now time.Time) (domain.SettlementStatus, error) {
	status.State = domain.SettlementExecuted
	status.Transactions = txHashes
	status.UpdatedAt = now.UnixMilli()
	status.Error = ""
	return status, s.saveStatus(ctx, status)
}

// MarkFailed persists a terminal failure status without touching the
// ledger or the claimant's vote (spec §4.9).
func (s *Store) MarkFailed(ctx context.Context, status domain.SettlementStatus, cause error, now time.Time) (domain.SettlementStatus, error) {
	status.State = domain.SettlementFailed
	status.UpdatedAt = now.UnixMilli()
	if cause != nil {
		status.Error = cause.Error()
	}
	return status, s.saveStatus(ctx, status)
}

// Executor submits a settlement plan's transfers and records the outcome.
type Executor struct {
	client      evmclient.Client
	statusStore *Store
	ledger      *ledger.Ledger
	votes       *vote.Store
	queue       *queue.Queue
	proposalID  string
}

// NewExecutor constructs a settlement Executor.
func NewExecutor(client evmclient.Client, statusStore *Store, l *ledger.Ledger, votes *vote.Store, q *queue.Queue, proposalID string) *Executor {
	return &Executor{client: client, statusStore: statusStore, ledger: l, votes: votes, queue: q, proposalID: proposalID}
}

// Heartbeat is invoked before/after each long-latency transfer step.
type Heartbeat func()

// Execute sends one transfer per plan item with a positive amount (spec
// §4.9). On success it zeroes the claimant's ledger, removes their vote,
// persists status `executed`, and enqueues a follow-up rebalance. On any
// transfer error it persists status `failed` and leaves the ledger/vote
// untouched; the caller fails the job with requeue=false.
func (e *Executor) Execute(ctx context.Context, status domain.SettlementStatus, payload domain.SettlementPayload, hb Heartbeat) (domain.SettlementStatus, error) {
	if hb == nil {
		hb = func() {}
	}
	now := time.Now()

	status, err := e.statusStore.MarkExecuting(ctx, status, now)
	if err != nil {
		return status, err
	}

	txHashes := make([]string, 0, len(payload.Plan))
	claimant := common.HexToAddress(payload.Address)

	for _, item := range payload.Plan {
		if item.AmountMinorUnits == nil || item.AmountMinorUnits.Sign() <= 0 {
			continue
		}
		hb()
		var txHash common.Hash
		var sendErr error
		switch item.Kind {
		case domain.AssetNative:
			txHash, sendErr = e.client.SendTransaction(ctx, evmclient.TxRequest{To: claimant, Value: item.AmountMinorUnits})
		default:
			txHash, sendErr = e.transferToken(ctx, item, claimant)
		}
		if sendErr == nil {
			_, sendErr = e.client.WaitForTransactionReceipt(ctx, txHash)
		}
		hb()
		if sendErr != nil {
			failed, markErr := e.statusStore.MarkFailed(ctx, status, fmt.Errorf("transfer %s: %w", item.Symbol, sendErr), now)
			if markErr != nil {
				return failed, markErr
			}
			return failed, sendErr
		}
		txHashes = append(txHashes, txHash.Hex())
	}

	if err := e.ledger.MarkUserSettled(ctx, payload.Address, now); err != nil {
		return status, err
	}
	if _, err := e.votes.RemoveAllocationVote(ctx, e.proposalID, payload.Address); err != nil {
		return status, err
	}
	if _, err := e.queue.Enqueue(ctx, domain.JobRebalance, domain.RebalancePayload{
		Reason: domain.ReasonManual,
		Context: map[string]interface{}{"triggeredBy": "settlement", "address": payload.Address},
	}, queue.EnqueueOptions{}); err != nil {
		return status, err
	}

	return e.statusStore.MarkExecuted(ctx, status, txHashes, now)
}

const erc20TransferABI = `[{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

func parseTransferABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(erc20TransferABI))
}

func (e *Executor) transferToken(ctx context.Context, item domain.AssetTransferPlan, to common.Address) (common.Hash, error) {
	parsed, err := parseTransferABI()
	if err != nil {
		return common.Hash{}, err
	}
	return e.client.WriteContract(ctx, common.HexToAddress(item.TokenAddress), parsed, "transfer", big.NewInt(0), to, item.AmountMinorUnits)
}
