// Package vote implements the deposit-weighted allocation vote store and
// aggregation described in spec §4.6: one vote per (proposal, address),
// weight derived from the live ledger at read time rather than stored as
// source-of-truth.
package vote

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"basevault/internal/domain"
	"basevault/internal/kv"
)

// weightScale is the fixed-point scale used to derive a vote's weight from
// live ledger deposits (spec §4.6 step 3): weight = deposit * 1e9 / total.
const weightScale = 1_000_000_000

// LedgerReader is the subset of internal/ledger.Ledger aggregation needs to
// derive vote weights from the live deposit ledger.
type LedgerReader interface {
	GetUserStats(ctx context.Context, address string) (domain.DepositLedgerEntry, error)
	GetAllUserStats(ctx context.Context) (map[string]domain.DepositLedgerEntry, error)
}

func recordsKey(proposalID string) string { return fmt.Sprintf("allocvote:%s:records", proposalID) }
func totalsKey(proposalID string) string  { return fmt.Sprintf("allocvote:%s:totals", proposalID) }

// Store is the vote registry and aggregator.
type Store struct {
	kv     kv.Store
	ledger LedgerReader
}

// New constructs a Store backed by kv and reading weights from ledger.
func New(store kv.Store, ledger LedgerReader) *Store {
	return &Store{kv: store, ledger: ledger}
}

// RecordAllocationVote writes a single hash field, replacing any prior vote
// from the same address for the same proposal (spec §4.6).
func (s *Store) RecordAllocationVote(ctx context.Context, proposalID string, v domain.AllocationVote) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.HSet(ctx, recordsKey(proposalID), strings.ToLower(v.Address), buf)
}

// RemoveAllocationVote deletes the address's ballot and re-aggregates so
// cached totals stay current (spec §4.6, called after settlement).
func (s *Store) RemoveAllocationVote(ctx context.Context, proposalID, address string) (domain.AggregationTotals, error) {
	if err := s.kv.HDel(ctx, recordsKey(proposalID), strings.ToLower(address)); err != nil {
		return domain.AggregationTotals{}, err
	}
	totals, _, err := s.GetAllocationVoteResults(ctx, proposalID)
	return totals, err
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}

// GetAllocationVoteResults loads every recorded vote, derives each one's
// weight from the live deposit ledger, and returns the recomputed totals
// alongside the (also recomputed) per-vote records. The write-back of
// updated records and totals is last-writer-wins under concurrent
// aggregation, by design (spec §4.6).
func (s *Store) GetAllocationVoteResults(ctx context.Context, proposalID string) (domain.AggregationTotals, []domain.AllocationVote, error) {
	raw, err := s.kv.HGetAll(ctx, recordsKey(proposalID))
	if err != nil {
		return domain.AggregationTotals{}, nil, err
	}

	allStats, err := s.ledger.GetAllUserStats(ctx)
	if err != nil {
		return domain.AggregationTotals{}, nil, err
	}
	totalDeposits := big.NewInt(0)
	for _, entry := range allStats {
		if entry.TotalMinorUnits != nil {
			totalDeposits.Add(totalDeposits, entry.TotalMinorUnits)
		}
	}

	votes := make([]domain.AllocationVote, 0, len(raw))
	for _, fieldRaw := range raw {
		var v domain.AllocationVote
		if err := kv.DecodeHashJSON(fieldRaw, &v); err != nil {
			continue
		}
		votes = append(votes, v)
	}

	var sumWeightedPct float64
	var totalWeight float64
	var totalVoters int

	for i := range votes {
		v := &votes[i]
		deposit := v.DepositMinorUnits
		if entry, ok := allStats[strings.ToLower(v.Address)]; ok && entry.TotalMinorUnits != nil {
			deposit = entry.TotalMinorUnits
		}
		v.DepositMinorUnits = deposit

		weight := deriveWeight(deposit, totalDeposits)
		v.Weight = weight
		if weight > 0 {
			totalVoters++
			sumWeightedPct += weight * clamp(float64(v.EthPercent), 0, 100)
			totalWeight += weight
		}
	}

	weightedEthPercent := 0.0
	if totalWeight > 0 {
		weightedEthPercent = clamp(roundTo(sumWeightedPct/totalWeight, 4), 0, 100)
	}
	participationWeight := clamp(totalWeight, 0, 1)

	totals := domain.AggregationTotals{
		ProposalID:         proposalID,
		WeightedEthPercent: weightedEthPercent,
		TotalWeight:        participationWeight,
		TotalVoters:        totalVoters,
	}

	if err := s.persist(ctx, proposalID, votes, totals); err != nil {
		return domain.AggregationTotals{}, nil, err
	}
	return totals, votes, nil
}

// deriveWeight computes deposit * weightScale / total, truncated, then
// expresses the result as a float64 in [0,1] for aggregation arithmetic.
func deriveWeight(deposit, total *big.Int) float64 {
	if deposit == nil || total == nil || total.Sign() <= 0 || deposit.Sign() <= 0 {
		return 0
	}
	scaled := new(big.Int).Mul(deposit, big.NewInt(weightScale))
	scaled.Quo(scaled, total)
	f, _ := new(big.Float).SetInt(scaled).Float64()
	return f / weightScale
}

func (s *Store) persist(ctx context.Context, proposalID string, votes []domain.AllocationVote, totals domain.AggregationTotals) error {
	for _, v := range votes {
		buf, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := s.kv.HSet(ctx, recordsKey(proposalID), strings.ToLower(v.Address), buf); err != nil {
			return err
		}
	}
	buf, err := json.Marshal(totals)
	if err != nil {
		return err
	}
	_, err = s.kv.Set(ctx, totalsKey(proposalID), buf, kv.SetOptions{})
	return err
}

// SweepStaleVotes removes votes whose address has zero live deposit or is
// absent from the ledger (spec §4.6, stale vote sweeper).
func (s *Store) SweepStaleVotes(ctx context.Context, proposalID string) (int, error) {
	raw, err := s.kv.HGetAll(ctx, recordsKey(proposalID))
	if err != nil {
		return 0, err
	}
	removed := 0
	for address := range raw {
		entry, err := s.ledger.GetUserStats(ctx, address)
		if err != nil {
			continue
		}
		if entry.TotalMinorUnits == nil || entry.TotalMinorUnits.Sign() == 0 {
			if err := s.kv.HDel(ctx, recordsKey(proposalID), address); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
