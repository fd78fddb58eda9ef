package treasury_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"basevault/internal/domain"
	"basevault/internal/evmclient"
	"basevault/internal/treasury"
)

type fakeClient struct {
	balances map[common.Address]*big.Int
	codes    map[common.Address][]byte
	header   *types.Header
}

func (f *fakeClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	if bal, ok := f.balances[address]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeClient) GetBytecode(ctx context.Context, address common.Address) ([]byte, error) {
	return f.codes[address], nil
}

func (f *fakeClient) ReadContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	return []interface{}{f.balances[address]}, nil
}

func (f *fakeClient) GetBlockNumber(ctx context.Context) (uint64, error) { return f.header.Number.Uint64(), nil }

func (f *fakeClient) GetBlock(ctx context.Context, number *big.Int) (*types.Header, error) {
	if number != nil && number.Sign() < 0 {
		// Simulate a node that cannot resolve the finalized tag yet.
		return nil, errNotFound
	}
	return f.header, nil
}

func (f *fakeClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, nil
}
func (f *fakeClient) SendTransaction(ctx context.Context, req evmclient.TxRequest) (common.Hash, error) {
	return common.Hash{}, nil
}
func (f *fakeClient) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, nil
}
func (f *fakeClient) WriteContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	return common.Hash{}, nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "not found" }

type collectingWarner struct {
	messages []string
}

func (w *collectingWarner) Warnf(format string, args ...interface{}) {
	w.messages = append(w.messages, format)
}

func TestReadNativeAndTokenBalances(t *testing.T) {
	vault := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")

	client := &fakeClient{
		balances: map[common.Address]*big.Int{
			vault: big.NewInt(5_000_000_000_000_000_000),
			token: big.NewInt(1_000_000),
		},
		codes: map[common.Address][]byte{
			token: []byte{0x60, 0x80},
		},
		header: &types.Header{Number: big.NewInt(100)},
	}

	assets := []domain.Asset{
		{ID: "eth", Kind: domain.AssetNative, Symbol: "ETH", Decimals: 18},
		{ID: "usdc", Kind: domain.AssetToken, Symbol: "USDC", TokenAddress: token.Hex(), Decimals: 6},
	}

	reader := treasury.New(client, vault, assets, nil)
	snap, err := reader.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), snap.BlockNumber)
	require.Len(t, snap.Balances, 2)
	require.Nil(t, snap.FinalizedBlockNumber)
	require.Equal(t, "5000000000000000000", snap.Balances[0].MinorUnits.String())
	require.Equal(t, "1000000", snap.Balances[1].MinorUnits.String())
}

func TestReadSkipsTokenWithNoCode(t *testing.T) {
	vault := common.HexToAddress("0xVA017000000000000000000000000000000001")
	token := common.HexToAddress("0xGhost000000000000000000000000000000001")

	client := &fakeClient{
		balances: map[common.Address]*big.Int{token: big.NewInt(999)},
		codes:    map[common.Address][]byte{},
		header:   &types.Header{Number: big.NewInt(1)},
	}
	assets := []domain.Asset{{ID: "ghost", Kind: domain.AssetToken, Symbol: "GHOST", TokenAddress: token.Hex(), Decimals: 18}}
	warner := &collectingWarner{}

	reader := treasury.New(client, vault, assets, warner)
	snap, err := reader.Read(context.Background())
	require.NoError(t, err)
	require.Zero(t, snap.Balances[0].MinorUnits.Sign())
	require.NotEmpty(t, warner.messages)
}
