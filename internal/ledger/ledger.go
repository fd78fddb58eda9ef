// Package ledger implements per-depositor deposit accounting and
// transaction recording (spec §4.5): idempotent deposit recording, per-user
// stats, and the post-settlement zeroing step.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"basevault/internal/domain"
	"basevault/internal/kv"
)

// ErrAlreadyRecorded is returned by RecordDeposit when the transaction hash
// has already been stored.
var ErrAlreadyRecorded = errors.New("ledger: transaction already recorded")

const oneYear = 365 * 24 * time.Hour

func txKey(hash string) string       { return fmt.Sprintf("tx:%s", strings.ToLower(hash)) }
func userTxKey(addr string) string   { return fmt.Sprintf("user:tx:%s", strings.ToLower(addr)) }
func userStatsKey(addr string) string { return fmt.Sprintf("user:stats:%s", strings.ToLower(addr)) }

const statsPrefix = "user:stats:"

// Ledger records deposits and reports per-user and global totals.
type Ledger struct {
	store kv.Store
}

// New constructs a Ledger backed by store.
func New(store kv.Store) *Ledger {
	return &Ledger{store: store}
}

// RecordDeposit stores tx and updates the depositor's running totals.
// Idempotent on tx.Hash (spec §4.5).
func (l *Ledger) RecordDeposit(ctx context.Context, tx domain.TransactionRecord) error {
	key := txKey(tx.Hash)
	exists, err := l.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyRecorded
	}

	buf, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	// Hash write precedes index updates: a crash here leaves an orphan
	// detail record, recoverable by re-POSTing the same hash.
	if _, err := l.store.Set(ctx, key, buf, kv.SetOptions{EX: oneYear}); err != nil {
		return err
	}

	if err := l.store.ZAdd(ctx, userTxKey(tx.From), float64(tx.Timestamp), tx.Hash); err != nil {
		return err
	}
	if err := l.store.Expire(ctx, userTxKey(tx.From), oneYear); err != nil {
		return err
	}

	if err := l.applyDeposit(ctx, tx); err != nil {
		return err
	}
	return l.store.Expire(ctx, userStatsKey(tx.From), oneYear)
}

func (l *Ledger) applyDeposit(ctx context.Context, tx domain.TransactionRecord) error {
	stats, err := l.readStats(ctx, tx.From)
	if err != nil {
		return err
	}
	stats.Address = tx.From
	stats.TransactionCount++
	if stats.TotalMinorUnits == nil {
		stats.TotalMinorUnits = big.NewInt(0)
	}
	stats.TotalMinorUnits = new(big.Int).Add(stats.TotalMinorUnits, tx.ValueMinorUnits)
	stats.LastTxHash = tx.Hash
	stats.LastTxTimestamp = tx.Timestamp
	return l.writeStats(ctx, tx.From, stats)
}

func (l *Ledger) readStats(ctx context.Context, address string) (domain.DepositLedgerEntry, error) {
	raw, err := l.store.HGet(ctx, userStatsKey(address), "record")
	if err != nil {
		if err == kv.ErrNil {
			return domain.DepositLedgerEntry{Address: address, TotalMinorUnits: big.NewInt(0)}, nil
		}
		return domain.DepositLedgerEntry{}, err
	}
	var entry domain.DepositLedgerEntry
	if err := kv.DecodeHashJSON(raw, &entry); err != nil {
		return domain.DepositLedgerEntry{}, err
	}
	if entry.TotalMinorUnits == nil {
		entry.TotalMinorUnits = big.NewInt(0)
	}
	return entry, nil
}

func (l *Ledger) writeStats(ctx context.Context, address string, entry domain.DepositLedgerEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return l.store.HSet(ctx, userStatsKey(address), "record", buf)
}

// GetUserStats returns the accounting record for a single address.
func (l *Ledger) GetUserStats(ctx context.Context, address string) (domain.DepositLedgerEntry, error) {
	return l.readStats(ctx, address)
}

// GetAllUserStats iterates every stored user:stats:* record via SCAN,
// cursor=0 terminating the walk (spec §4.5).
func (l *Ledger) GetAllUserStats(ctx context.Context) (map[string]domain.DepositLedgerEntry, error) {
	out := make(map[string]domain.DepositLedgerEntry)
	var cursor uint64
	for {
		page, err := l.store.Scan(ctx, cursor, statsPrefix+"*", 100)
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			raw, err := l.store.HGet(ctx, key, "record")
			if err != nil {
				if err == kv.ErrNil {
					continue
				}
				return nil, err
			}
			var entry domain.DepositLedgerEntry
			if err := kv.DecodeHashJSON(raw, &entry); err != nil {
				return nil, err
			}
			address := strings.TrimPrefix(key, statsPrefix)
			if entry.Address == "" {
				entry.Address = address
			}
			out[strings.ToLower(address)] = entry
		}
		cursor = page.Cursor
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// MarkUserSettled zeroes a depositor's running total and stamps settledAt
// (spec §4.5). Prior transaction records are left intact.
func (l *Ledger) MarkUserSettled(ctx context.Context, address string, settledAt time.Time) error {
	stats, err := l.readStats(ctx, address)
	if err != nil {
		return err
	}
	stats.Address = address
	stats.TotalMinorUnits = big.NewInt(0)
	settledAtCopy := settledAt
	stats.SettledAt = &settledAtCopy
	return l.writeStats(ctx, address, stats)
}

// GlobalTotal sums every known user's TotalMinorUnits (spec §4.6 step 2).
func GlobalTotal(stats map[string]domain.DepositLedgerEntry) *big.Int {
	total := big.NewInt(0)
	for _, entry := range stats {
		if entry.TotalMinorUnits != nil {
			total.Add(total, entry.TotalMinorUnits)
		}
	}
	return total
}

// FormatMinorUnits renders a minor-unit amount as a base-10 string, used
// only for diagnostic logging, never for persisted accounting values.
func FormatMinorUnits(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
