// Package treasury reads the vault's on-chain balances into a
// TreasurySnapshot (spec §4.7).
package treasury

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"basevault/internal/domain"
	"basevault/internal/evmclient"
)

const erc20BalanceOfABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

var balanceOfABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceOfABI))
	if err != nil {
		panic(fmt.Sprintf("treasury: parse balanceOf abi: %v", err))
	}
	balanceOfABI = parsed
}

// Warner receives non-fatal per-asset warnings (spec §4.7: a token whose
// bytecode probe comes back empty yields a zero balance, not an error).
type Warner interface {
	Warnf(format string, args ...interface{})
}

// Reader reads the current treasury snapshot.
type Reader struct {
	client       evmclient.Client
	vaultAddress common.Address
	assets       []domain.Asset
	warner       Warner
}

// New constructs a Reader for vaultAddress over the given asset list.
func New(client evmclient.Client, vaultAddress common.Address, assets []domain.Asset, warner Warner) *Reader {
	return &Reader{client: client, vaultAddress: vaultAddress, assets: assets, warner: warner}
}

func (r *Reader) warnf(format string, args ...interface{}) {
	if r.warner != nil {
		r.warner.Warnf(format, args...)
	}
}

// Read produces a TreasurySnapshot at the latest block (spec §4.7). The
// finalized block header is read best-effort: failure is tolerated and
// recorded as absent rather than propagated.
func (r *Reader) Read(ctx context.Context) (domain.TreasurySnapshot, error) {
	header, err := r.client.GetBlock(ctx, nil)
	if err != nil {
		return domain.TreasurySnapshot{}, fmt.Errorf("treasury: read latest block: %w", err)
	}

	var finalized *uint64
	if finalizedHeader, ferr := r.client.GetBlock(ctx, finalizedTag()); ferr == nil && finalizedHeader != nil {
		n := finalizedHeader.Number.Uint64()
		finalized = &n
	}

	balances := make([]domain.AssetBalance, 0, len(r.assets))
	for _, asset := range r.assets {
		bal := r.readAssetBalance(ctx, asset)
		balances = append(balances, domain.AssetBalance{Asset: asset, MinorUnits: bal})
	}

	return domain.TreasurySnapshot{
		WalletAddress:        r.vaultAddress.Hex(),
		BlockNumber:          header.Number.Uint64(),
		BlockHash:            header.Hash().Hex(),
		BlockTimestamp:       int64(header.Time),
		FinalizedBlockNumber: finalized,
		Balances:             balances,
	}, nil
}

func (r *Reader) readAssetBalance(ctx context.Context, asset domain.Asset) *big.Int {
	if asset.Kind == domain.AssetNative {
		bal, err := r.client.GetBalance(ctx, r.vaultAddress)
		if err != nil {
			r.warnf("treasury: native balance read failed: %v", err)
			return big.NewInt(0)
		}
		return bal
	}

	tokenAddr := common.HexToAddress(asset.TokenAddress)
	code, err := r.client.GetBytecode(ctx, tokenAddr)
	if err != nil {
		r.warnf("treasury: bytecode probe failed for %s: %v", asset.Symbol, err)
		return big.NewInt(0)
	}
	if len(code) == 0 {
		r.warnf("treasury: asset %s has no code at %s, skipping", asset.Symbol, asset.TokenAddress)
		return big.NewInt(0)
	}

	out, err := r.client.ReadContract(ctx, tokenAddr, balanceOfABI, "balanceOf", r.vaultAddress)
	if err != nil || len(out) == 0 {
		r.warnf("treasury: balanceOf read failed for %s: %v", asset.Symbol, err)
		return big.NewInt(0)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		r.warnf("treasury: unexpected balanceOf return type for %s", asset.Symbol)
		return big.NewInt(0)
	}
	return bal
}

// finalizedTag requests the finalized block via go-ethereum's well-known
// negative block number convention.
func finalizedTag() *big.Int {
	return big.NewInt(-3)
}
