// Package rebalance implements the vault rebalance planner and executor
// described in spec §4.8: target computation from the aggregated
// allocation consensus, tolerance-banded plan selection, iterative
// quote-driven convergence, and on-chain execution.
package rebalance

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"basevault/internal/aggregator"
	"basevault/internal/domain"
	"basevault/internal/evmclient"
	"basevault/internal/kv"
	"basevault/internal/pricing"
	"basevault/internal/treasury"
)

const (
	maxIterations       = 3
	defaultTolerancePct = 1.0
	defaultMinUsdDelta  = 5.0 // USD
	defaultHistoryLimit = 20
)

var percentScaleFactor = big.NewInt(10_000) // percentScaled = round(pct * 10^4)

const lastKey = "rebalance:last"
const historyKey = "rebalance:history"

// Config tunes planner/executor behavior (spec §6.8).
type Config struct {
	TolerancePct float64 // default 1.0
	MinUsdDelta  float64 // default 5.0 (USD)
	SlippageBps  int64   // clamped [1, 500]
	Execute      bool    // false => dry-run
	VaultAddress common.Address
	HistoryLimit int // default 20 (spec §3: capped outcome history)
}

func (c Config) tolerancePct() float64 {
	if c.TolerancePct <= 0 {
		return defaultTolerancePct
	}
	return c.TolerancePct
}

func (c Config) minUsdDelta() float64 {
	if c.MinUsdDelta <= 0 {
		return defaultMinUsdDelta
	}
	return c.MinUsdDelta
}

func (c Config) slippageBps() int64 {
	if c.SlippageBps < 1 {
		return 1
	}
	if c.SlippageBps > 500 {
		return 500
	}
	return c.SlippageBps
}

func (c Config) historyLimit() int64 {
	if c.HistoryLimit <= 0 {
		return defaultHistoryLimit
	}
	return int64(c.HistoryLimit)
}

// Heartbeat is invoked before/after long-latency steps to refresh the
// worker's processing-record TTL (spec §4.8.6).
type Heartbeat func()

func noop() {}

// assetState is the planner's working view of one configured asset.
type assetState struct {
	asset      domain.Asset
	balance    *big.Int
	priceRaw   *big.Int
	unit       *big.Int
	targetPct  float64
	currentUsd *big.Int
	targetUsd  *big.Int
}

func (a assetState) delta() *big.Int {
	return new(big.Int).Sub(a.currentUsd, a.targetUsd)
}

// usdRaw converts a minor-unit balance to USD-raw at the shared
// priceDecimals scale (spec §4.8.2): bal * priceRaw / unit.
func usdRaw(balance, priceRaw, unit *big.Int) *big.Int {
	out := new(big.Int).Mul(balance, priceRaw)
	return out.Quo(out, unit)
}

// minorFromUsdRaw converts a USD-raw delta back into asset minor units:
// usdRaw * unit / priceRaw.
func minorFromUsdRaw(usd, unit, priceRaw *big.Int) *big.Int {
	out := new(big.Int).Mul(usd, unit)
	return out.Quo(out, priceRaw)
}

func absInt(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return new(big.Int).Neg(v)
	}
	return new(big.Int).Set(v)
}

// buildAssetStates computes current/target USD-raw for every configured
// asset given the allocation consensus (spec §4.8.2). It requires a single
// shared priceDecimals across every snapshot entry.
func buildAssetStates(assets []domain.Asset, snapshot domain.TreasurySnapshot, prices map[string]*pricingSnapshotView, ethPct float64) ([]assetState, error) {
	balances := make(map[string]*big.Int, len(snapshot.Balances))
	for _, b := range snapshot.Balances {
		balances[b.Asset.ID] = b.MinorUnits
	}

	states := make([]assetState, 0, len(assets))
	var sharedDecimals uint8
	haveDecimals := false

	for _, asset := range assets {
		price, ok := prices[asset.ID]
		if !ok || price == nil {
			return nil, fmt.Errorf("rebalance: missing price for asset %s", asset.Symbol)
		}
		if !haveDecimals {
			sharedDecimals = price.priceDecimals
			haveDecimals = true
		} else if price.priceDecimals != sharedDecimals {
			return nil, fmt.Errorf("rebalance: mismatched priceDecimals for asset %s", asset.Symbol)
		}

		bal, ok := balances[asset.ID]
		if !ok || bal == nil {
			bal = big.NewInt(0)
		}

		targetPct := 0.0
		switch {
		case asset.Kind == domain.AssetNative:
			targetPct = ethPct
		case asset.IsStable:
			targetPct = 100 - ethPct
		}

		states = append(states, assetState{
			asset:     asset,
			balance:   bal,
			priceRaw:  price.priceRaw,
			unit:      asset.Unit(),
			targetPct: targetPct,
		})
	}
	return states, nil
}

type pricingSnapshotView struct {
	priceRaw      *big.Int
	priceDecimals uint8
}

func snapshotView(snap *domain.PriceSnapshot) *pricingSnapshotView {
	if snap == nil {
		return nil
	}
	return &pricingSnapshotView{priceRaw: snap.PriceRaw, priceDecimals: snap.PriceDecimals}
}

// Plan is the planner's accepted swap, ready for execution.
type Plan struct {
	Seller      domain.Asset
	Buyer       domain.Asset
	SellAmount  *big.Int
	Quote       *aggregator.Quote
	TotalUsdRaw *big.Int
}

// Skip is returned when the planner determines no action is needed.
type Skip struct {
	Message string
}

// Aggregator is the subset of aggregator.Client the planner depends on.
type Aggregator interface {
	Quote(ctx context.Context, sellToken, buyToken, sellAmount, taker string) (*aggregator.Quote, error)
}

// Planner computes a rebalance plan from live inputs.
type Planner struct {
	assets []domain.Asset
	agg    Aggregator
	cfg    Config
}

// NewPlanner constructs a Planner over the given asset configuration.
func NewPlanner(assets []domain.Asset, agg Aggregator, cfg Config) *Planner {
	return &Planner{assets: assets, agg: agg, cfg: cfg}
}

// Compute runs target/tolerance/plan-selection and iterative refinement
// (spec §4.8.2-§4.8.5). Returns exactly one of (*Plan, *Skip, error).
func (p *Planner) Compute(ctx context.Context, weightedEthPercent float64, snapshot domain.TreasurySnapshot, prices map[string]*domain.PriceSnapshot, hb Heartbeat) (*Plan, *Skip, error) {
	if hb == nil {
		hb = noop
	}
	ethPct := clampPct(weightedEthPercent)

	priceViews := make(map[string]*pricingSnapshotView, len(prices))
	for id, snap := range prices {
		priceViews[id] = snapshotView(snap)
	}

	states, err := buildAssetStates(p.assets, snapshot, priceViews, ethPct)
	if err != nil {
		return nil, nil, err
	}

	totalUsdRaw := big.NewInt(0)
	for i := range states {
		states[i].currentUsd = usdRaw(states[i].balance, states[i].priceRaw, states[i].unit)
		totalUsdRaw.Add(totalUsdRaw, states[i].currentUsd)
	}
	if totalUsdRaw.Sign() == 0 {
		return nil, &Skip{Message: "zero balance"}, nil
	}

	assignTargets(states, totalUsdRaw)

	priceDecimals := firstNonNilDecimals(priceViews)
	minDeltaRaw := usdToRaw(p.cfg.minUsdDelta(), priceDecimals)
	pctTolerance := new(big.Int).Mul(totalUsdRaw, big.NewInt(int64(p.cfg.tolerancePct()*100)))
	pctTolerance.Quo(pctTolerance, big.NewInt(10000))
	tolerance := pctTolerance
	if tolerance.Cmp(minDeltaRaw) < 0 {
		tolerance = minDeltaRaw
	}

	sellerIdx, buyerIdx := selectPlan(states, tolerance)
	if sellerIdx < 0 || buyerIdx < 0 {
		return nil, &Skip{Message: "within tolerance"}, nil
	}
	seller := states[sellerIdx]
	buyer := states[buyerIdx]

	sellerDelta := seller.delta()
	buyerDelta := buyer.delta()
	usdToSwap := absInt(sellerDelta)
	if absInt(buyerDelta).Cmp(usdToSwap) < 0 {
		usdToSwap = absInt(buyerDelta)
	}
	sellAmount := minorFromUsdRaw(usdToSwap, seller.unit, seller.priceRaw)
	if sellAmount.Sign() == 0 {
		return nil, &Skip{Message: "rounded to zero"}, nil
	}

	sellToken := tokenAddress(seller.asset)
	buyToken := tokenAddress(buyer.asset)
	taker := p.cfg.VaultAddress.Hex()

	for iter := 0; iter < maxIterations; iter++ {
		hb()
		q, err := p.agg.Quote(ctx, sellToken, buyToken, sellAmount.String(), taker)
		hb()
		if err != nil {
			return nil, nil, fmt.Errorf("rebalance: quote: %w", err)
		}

		buyAmount, ok := new(big.Int).SetString(q.BuyAmount, 10)
		if !ok {
			return nil, nil, fmt.Errorf("rebalance: invalid buyAmount %q", q.BuyAmount)
		}

		projSellerBal := new(big.Int).Sub(seller.balance, sellAmount)
		projBuyerBal := new(big.Int).Add(buyer.balance, buyAmount)
		projSellerUsd := usdRaw(projSellerBal, seller.priceRaw, seller.unit)
		projBuyerUsd := usdRaw(projBuyerBal, buyer.priceRaw, buyer.unit)
		projSellerDelta := new(big.Int).Sub(projSellerUsd, seller.targetUsd)
		projBuyerDelta := new(big.Int).Sub(projBuyerUsd, buyer.targetUsd)

		if absInt(projSellerDelta).Cmp(tolerance) <= 0 && absInt(projBuyerDelta).Cmp(tolerance) <= 0 {
			break
		}
		if projSellerDelta.Sign() < 0 {
			// Seller flipped underweight: accept the current quote rather
			// than oscillate.
			break
		}
		if iter == maxIterations-1 {
			break
		}
		adjustmentUsd := new(big.Int).Add(projSellerDelta, projBuyerDelta)
		adjustmentUsd.Quo(adjustmentUsd, big.NewInt(2))
		adjustmentMinor := minorFromUsdRaw(adjustmentUsd, seller.unit, seller.priceRaw)
		sellAmount = new(big.Int).Add(sellAmount, adjustmentMinor)
		if sellAmount.Cmp(seller.balance) > 0 {
			sellAmount = new(big.Int).Set(seller.balance)
			break
		}
	}

	hb()
	finalQuote, err := p.agg.Quote(ctx, sellToken, buyToken, sellAmount.String(), taker)
	hb()
	if err != nil {
		return nil, nil, fmt.Errorf("rebalance: final quote: %w", err)
	}

	return &Plan{
		Seller:      seller.asset,
		Buyer:       buyer.asset,
		SellAmount:  sellAmount,
		Quote:       finalQuote,
		TotalUsdRaw: totalUsdRaw,
	}, nil, nil
}

func firstNonNilDecimals(views map[string]*pricingSnapshotView) uint8 {
	for _, v := range views {
		if v != nil {
			return v.priceDecimals
		}
	}
	return pricing.PriceDecimals
}

func usdToRaw(usd float64, decimals uint8) *big.Int {
	scale := new(big.Float).SetFloat64(math.Pow10(int(decimals)))
	raw := new(big.Float).Mul(new(big.Float).SetFloat64(usd), scale)
	out, _ := raw.Int(nil)
	return out
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// assignTargets computes per-asset target USD-raw values, assigning any
// rounding remainder to the first asset so targets sum exactly to
// totalUsdRaw (spec §4.8.2).
func assignTargets(states []assetState, totalUsdRaw *big.Int) {
	sum := big.NewInt(0)
	for i := range states {
		percentScaled := big.NewInt(int64(math.Round(states[i].targetPct * 10000)))
		target := new(big.Int).Mul(totalUsdRaw, percentScaled)
		target.Quo(target, new(big.Int).Mul(big.NewInt(100), percentScaleFactor))
		states[i].targetUsd = target
		sum.Add(sum, target)
	}
	if len(states) == 0 {
		return
	}
	remainder := new(big.Int).Sub(totalUsdRaw, sum)
	states[0].targetUsd = new(big.Int).Add(states[0].targetUsd, remainder)
}

// selectPlan returns the indices of the first configured overweight asset
// and first configured underweight asset outside tolerance, in
// configuration order (spec §4.8.4; first-by-config-order is an explicit
// policy choice, not largest-delta).
func selectPlan(states []assetState, tolerance *big.Int) (sellerIdx, buyerIdx int) {
	sellerIdx, buyerIdx = -1, -1
	for i, s := range states {
		d := s.delta()
		if sellerIdx < 0 && d.Cmp(tolerance) > 0 {
			sellerIdx = i
		}
		if buyerIdx < 0 && d.Cmp(new(big.Int).Neg(tolerance)) < 0 {
			buyerIdx = i
		}
	}
	return sellerIdx, buyerIdx
}

func tokenAddress(asset domain.Asset) string {
	if asset.Kind == domain.AssetNative {
		return domain.NativeSentinel
	}
	return asset.TokenAddress
}

// Executor submits an accepted Plan on-chain and records the outcome.
type Executor struct {
	client evmclient.Client
	reader *treasury.Reader
	prices *pricing.Cache
	store  kv.Store
	assets []domain.Asset
	cfg    Config
}

// NewExecutor constructs an Executor.
func NewExecutor(client evmclient.Client, reader *treasury.Reader, prices *pricing.Cache, store kv.Store, assets []domain.Asset, cfg Config) *Executor {
	return &Executor{client: client, reader: reader, prices: prices, store: store, assets: assets, cfg: cfg}
}

const erc20TransferApproveABI = `[{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

// Run executes plan (or records a dry-run/skip outcome) and persists the
// result (spec §4.8.6-§4.8.7).
func (e *Executor) Run(ctx context.Context, jobID string, reason domain.RebalanceReason, plan *Plan, skip *Skip, hb Heartbeat) (domain.RebalanceOutcome, error) {
	if hb == nil {
		hb = noop
	}
	now := time.Now().UnixMilli()

	if skip != nil {
		outcome := domain.RebalanceOutcome{JobID: jobID, Reason: reason, Mode: domain.ModeSkipped, Timestamp: now, Message: skip.Message}
		return outcome, e.persist(ctx, outcome)
	}

	if !e.cfg.Execute {
		outcome := domain.RebalanceOutcome{
			JobID: jobID, Reason: reason, Mode: domain.ModeDryRun, Timestamp: now,
			Message: "execution disabled",
			Actions: []domain.ActionResult{{
				SellAssetID: plan.Seller.ID, BuyAssetID: plan.Buyer.ID,
				SellAmount: plan.SellAmount, BuyAmount: parseQuoteBuyAmount(plan.Quote),
			}},
		}
		return outcome, e.persist(ctx, outcome)
	}

	action := domain.ActionResult{SellAssetID: plan.Seller.ID, BuyAssetID: plan.Buyer.ID, SellAmount: plan.SellAmount, BuyAmount: parseQuoteBuyAmount(plan.Quote)}

	if plan.Seller.Kind == domain.AssetToken {
		spender := plan.Quote.SpenderAddress()
		if spender != "" {
			hb()
			abiDef, err := parseApproveABI()
			if err != nil {
				return domain.RebalanceOutcome{}, err
			}
			approveTx, err := e.client.WriteContract(ctx, common.HexToAddress(plan.Seller.TokenAddress), abiDef, "approve", big.NewInt(0), common.HexToAddress(spender), plan.SellAmount)
			if err != nil {
				return domain.RebalanceOutcome{}, fmt.Errorf("rebalance: approve: %w", err)
			}
			if _, err := e.client.WaitForTransactionReceipt(ctx, approveTx); err != nil {
				return domain.RebalanceOutcome{}, fmt.Errorf("rebalance: approve receipt: %w", err)
			}
			action.ApproveTx = approveTx.Hex()
			hb()
		}
	}

	data, err := hex.DecodeString(strings.TrimPrefix(plan.Quote.Transaction.Data, "0x"))
	if err != nil {
		return domain.RebalanceOutcome{}, fmt.Errorf("rebalance: decode calldata: %w", err)
	}
	value := big.NewInt(0)
	if plan.Seller.Kind == domain.AssetNative {
		// Correctness requirement, not optional: native sells always carry
		// value=sellAmount regardless of what the aggregator returned.
		value = plan.SellAmount
	} else if plan.Quote.Transaction.Value != "" {
		if v, ok := new(big.Int).SetString(plan.Quote.Transaction.Value, 10); ok {
			value = v
		}
	}

	hb()
	txHash, err := e.client.SendTransaction(ctx, evmclient.TxRequest{
		To:    common.HexToAddress(plan.Quote.Transaction.To),
		Value: value,
		Data:  data,
	})
	if err != nil {
		return domain.RebalanceOutcome{}, fmt.Errorf("rebalance: send: %w", err)
	}
	if _, err := e.client.WaitForTransactionReceipt(ctx, txHash); err != nil {
		return domain.RebalanceOutcome{}, fmt.Errorf("rebalance: receipt: %w", err)
	}
	action.TxHash = txHash.Hex()
	hb()

	snapshot, err := e.reader.Read(ctx)
	if err != nil {
		return domain.RebalanceOutcome{}, fmt.Errorf("rebalance: refresh snapshot: %w", err)
	}
	hb()

	outcome := domain.RebalanceOutcome{
		JobID: jobID, Reason: reason, Mode: domain.ModeExecuted, Timestamp: now,
		Totals: &snapshot, Actions: []domain.ActionResult{action},
	}
	return outcome, e.persist(ctx, outcome)
}

func parseQuoteBuyAmount(q *aggregator.Quote) *big.Int {
	if q == nil {
		return big.NewInt(0)
	}
	v, ok := new(big.Int).SetString(q.BuyAmount, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func parseApproveABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(erc20TransferApproveABI))
}

// persist writes the latest outcome and prepends it to the capped history
// ring buffer (spec §4.8.7).
func (e *Executor) persist(ctx context.Context, outcome domain.RebalanceOutcome) error {
	buf, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	if _, err := e.store.Set(ctx, lastKey, buf, kv.SetOptions{}); err != nil {
		return err
	}
	if err := e.store.LPush(ctx, historyKey, buf); err != nil {
		return err
	}
	return e.store.LTrim(ctx, historyKey, 0, e.cfg.historyLimit()-1)
}
