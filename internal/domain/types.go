// Package domain holds the shared data model of the treasury core (spec
// §3): assets, ledger/transaction records, votes, snapshots, jobs, and
// settlement/rebalance outcomes. Monetary fields are *big.Int minor units,
// never float64; floating point appears only on UI-facing ratio fields.
package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// AssetKind distinguishes the chain's native currency from ERC-20 tokens.
type AssetKind string

const (
	AssetNative AssetKind = "native"
	AssetToken  AssetKind = "token"
)

// NativeSentinel is the address the quote aggregator uses to denote the
// native asset in swap requests (spec §6.3/§9).
const NativeSentinel = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// Asset is static configuration for one vault-held asset (spec §3). Exactly
// one configured asset is expected to carry IsStable=true: the rebalance
// planner treats it as the native asset's complement (target = 100 −
// ethPct) while every other non-native asset always targets zero.
type Asset struct {
	ID           string    `json:"id"`
	Kind         AssetKind `json:"kind"`
	Symbol       string    `json:"symbol"`
	TokenAddress string    `json:"tokenAddress,omitempty"`
	Decimals     uint8     `json:"decimals"`
	PriceFeedID  string    `json:"priceFeedId"`
	IsStable     bool      `json:"isStable,omitempty"`
}

// Unit returns 10^Decimals as a *big.Int.
func (a Asset) Unit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.Decimals)), nil)
}

// DepositLedgerEntry is the per-address deposit accounting record (spec §3).
type DepositLedgerEntry struct {
	Address             string     `json:"address"`
	TotalMinorUnits     *big.Int   `json:"totalMinorUnits"`
	TransactionCount    int64      `json:"transactionCount"`
	LastTxHash          string     `json:"lastTxHash,omitempty"`
	LastTxTimestamp     int64      `json:"lastTxTimestamp,omitempty"`
	SettledAt           *time.Time `json:"settledAt,omitempty"`
}

// TransactionRecord is a stored on-chain deposit transaction (spec §3).
type TransactionRecord struct {
	Hash          string   `json:"hash"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	ValueMinorUnits *big.Int `json:"valueMinorUnits"`
	BlockNumber   uint64   `json:"blockNumber"`
	BlockHash     string   `json:"blockHash"`
	Timestamp     int64    `json:"timestamp"`
	ChainID       uint64   `json:"chainId"`
	Confirmations uint64   `json:"confirmations"`
}

// AllocationVote is one depositor's continuous allocation ballot (spec §3).
type AllocationVote struct {
	ProposalID      string   `json:"proposalId"`
	Address         string   `json:"address"`
	EthPercent      int64    `json:"ethPercent"`
	Weight          float64  `json:"weight"`
	DepositMinorUnits *big.Int `json:"depositMinorUnits"`
	Timestamp       int64    `json:"timestamp"`
}

// AggregationTotals is the cached result of vote aggregation for a proposal
// (spec §3).
type AggregationTotals struct {
	ProposalID         string  `json:"proposalId"`
	WeightedEthPercent float64 `json:"weightedEthPercent"`
	TotalWeight        float64 `json:"totalWeight"`
	TotalVoters        int     `json:"totalVoters"`
}

// AssetBalance is one line of a treasury snapshot.
type AssetBalance struct {
	Asset       Asset    `json:"asset"`
	MinorUnits  *big.Int `json:"minorUnits"`
}

// TreasurySnapshot is a point-in-time read of vault balances (spec §3).
type TreasurySnapshot struct {
	WalletAddress         string         `json:"walletAddress"`
	BlockNumber           uint64         `json:"blockNumber"`
	BlockHash             string         `json:"blockHash"`
	BlockTimestamp        int64          `json:"blockTimestamp"`
	FinalizedBlockNumber  *uint64        `json:"finalizedBlockNumber,omitempty"`
	Balances              []AssetBalance `json:"balances"`
}

// PriceSnapshot is a cached USD price observation for one asset (spec §3).
type PriceSnapshot struct {
	AssetID       string   `json:"assetId"`
	Symbol        string   `json:"symbol"`
	PriceUsd      float64  `json:"priceUsd"`
	Source        string   `json:"source"`
	UpdatedAt     int64    `json:"updatedAt"`
	ExpiresAt     int64    `json:"expiresAt"`
	PriceDecimals uint8    `json:"priceDecimals"`
	PriceRaw      *big.Int `json:"priceRaw"`
}

// JobType enumerates the two mutating job kinds the queue carries.
type JobType string

const (
	JobRebalance  JobType = "rebalance"
	JobSettlement JobType = "settlement"
)

// RebalanceReason explains why a rebalance job was enqueued.
type RebalanceReason string

const (
	ReasonDeposit RebalanceReason = "deposit"
	ReasonVote    RebalanceReason = "vote"
	ReasonManual  RebalanceReason = "manual"
)

// RebalancePayload is the job payload for a JobRebalance job (spec §3).
type RebalancePayload struct {
	Reason  RebalanceReason        `json:"reason"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// AssetTransferPlan is one line of a settlement plan (spec §3).
type AssetTransferPlan struct {
	AssetID         string   `json:"assetId"`
	Symbol          string   `json:"symbol"`
	Kind            AssetKind `json:"kind"`
	TokenAddress    string   `json:"tokenAddress,omitempty"`
	Decimals        uint8    `json:"decimals"`
	AmountMinorUnits *big.Int `json:"amountMinorUnits"`
	AmountFormatted string   `json:"amountFormatted"`
}

// SettlementPayload is the job payload for a JobSettlement job (spec §3).
type SettlementPayload struct {
	Address                string              `json:"address"`
	Share                  *big.Rat            `json:"-"`
	ShareNumerator         string              `json:"shareNumerator"`
	ShareDenominator       string              `json:"shareDenominator"`
	Plan                   []AssetTransferPlan `json:"plan"`
	TotalDepositsMinorUnits *big.Int           `json:"totalDepositsMinorUnits"`
	RequestID              string              `json:"requestId"`
	RequestedAt            int64               `json:"requestedAt"`
}

// SetShare stamps the numerator/denominator string fields from Share so the
// payload round-trips through JSON without losing precision (float64 would).
func (p *SettlementPayload) SetShare(share *big.Rat) {
	p.Share = share
	if share == nil {
		return
	}
	p.ShareNumerator = share.Num().String()
	p.ShareDenominator = share.Denom().String()
}

// ResolveShare reconstructs Share from the numerator/denominator strings,
// for payloads decoded off the wire.
func (p *SettlementPayload) ResolveShare() (*big.Rat, error) {
	if p.Share != nil {
		return p.Share, nil
	}
	num, ok := new(big.Int).SetString(p.ShareNumerator, 10)
	if !ok {
		return nil, fmt.Errorf("domain: invalid share numerator %q", p.ShareNumerator)
	}
	den, ok := new(big.Int).SetString(p.ShareDenominator, 10)
	if !ok || den.Sign() == 0 {
		return nil, fmt.Errorf("domain: invalid share denominator %q", p.ShareDenominator)
	}
	p.Share = new(big.Rat).SetFrac(num, den)
	return p.Share, nil
}

// Job is a durable unit of queued work (spec §3). Payload is kept as raw
// JSON so the queue package never needs to know the shape of either job
// type's payload; callers decode with json.Unmarshal into the concrete
// RebalancePayload/SettlementPayload.
type Job struct {
	ID            string          `json:"id"`
	Type          JobType         `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	EnqueuedAt    int64           `json:"enqueuedAt"`
	LastAttemptAt int64           `json:"lastAttemptAt,omitempty"`
}

// SettlementState enumerates the lifecycle of a settlement status record.
type SettlementState string

const (
	SettlementQueued    SettlementState = "queued"
	SettlementExecuting SettlementState = "executing"
	SettlementExecuted  SettlementState = "executed"
	SettlementDryRun    SettlementState = "dry-run"
	SettlementFailed    SettlementState = "failed"
)

// SettlementStatus is the persisted, queryable status of a settlement
// request (spec §3).
type SettlementStatus struct {
	JobID        string              `json:"jobId"`
	RequestID    string              `json:"requestId"`
	Address      string              `json:"address"`
	Share        string              `json:"share"`
	Plan         []AssetTransferPlan `json:"plan"`
	State        SettlementState     `json:"state"`
	CreatedAt    int64               `json:"createdAt"`
	UpdatedAt    int64               `json:"updatedAt"`
	Transactions []string            `json:"transactions,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// RebalanceMode is the terminal disposition of a rebalance job.
type RebalanceMode string

const (
	ModeExecuted RebalanceMode = "executed"
	ModeDryRun   RebalanceMode = "dry-run"
	ModeSkipped  RebalanceMode = "skipped"
)

// ActionResult records one executed (or dry-run) swap action.
type ActionResult struct {
	SellAssetID string   `json:"sellAssetId"`
	BuyAssetID  string   `json:"buyAssetId"`
	SellAmount  *big.Int `json:"sellAmount"`
	BuyAmount   *big.Int `json:"buyAmount"`
	TxHash      string   `json:"txHash,omitempty"`
	ApproveTx   string   `json:"approveTx,omitempty"`
}

// RebalanceOutcome is the recorded result of one rebalance job (spec §3).
type RebalanceOutcome struct {
	JobID     string               `json:"jobId"`
	Reason    RebalanceReason      `json:"reason"`
	Mode      RebalanceMode        `json:"mode"`
	Timestamp int64                `json:"timestamp"`
	Totals    *TreasurySnapshot    `json:"totals,omitempty"`
	Message   string               `json:"message,omitempty"`
	Actions   []ActionResult       `json:"actions"`
}
