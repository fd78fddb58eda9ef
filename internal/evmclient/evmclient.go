// Package evmclient defines the EVM read/write capability the treasury
// core depends on (spec §6.2) and a go-ethereum-backed implementation,
// grounded on the teacher's oracle-attesterd EVM verifier client.
package evmclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxRequest is a vault-originated write, mirroring spec §6.2's
// sendTransaction envelope.
type TxRequest struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
}

// Client is the capability the treasury core's domain packages depend on.
// Concrete implementations never leak go-ethereum's full RPC surface.
type Client interface {
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
	GetBytecode(ctx context.Context, address common.Address) ([]byte, error)
	ReadContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, args ...interface{}) ([]interface{}, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, number *big.Int) (*types.Header, error)
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	WriteContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, value *big.Int, args ...interface{}) (common.Hash, error)
}

// EthClient implements Client against a live go-ethereum JSON-RPC endpoint,
// signing outgoing transactions with a single vault key.
type EthClient struct {
	rpc     *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

// Dial connects to endpoint and binds signingKey as the vault's sender.
func Dial(ctx context.Context, endpoint string, signingKey *ecdsa.PrivateKey) (*EthClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evmclient: endpoint required")
	}
	rpc, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("evmclient: dial: %w", err)
	}
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("evmclient: chain id: %w", err)
	}
	var from common.Address
	if signingKey != nil {
		from = crypto.PubkeyToAddress(signingKey.PublicKey)
	}
	return &EthClient{rpc: rpc, key: signingKey, from: from, chainID: chainID}, nil
}

// ChainID reports the connected chain's id.
func (c *EthClient) ChainID() *big.Int { return c.chainID }

// VaultAddress is the address transactions are signed and sent from.
func (c *EthClient) VaultAddress() common.Address { return c.from }

func (c *EthClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.rpc.BalanceAt(ctx, address, nil)
}

func (c *EthClient) GetBytecode(ctx context.Context, address common.Address) ([]byte, error) {
	return c.rpc.CodeAt(ctx, address, nil)
}

func (c *EthClient) ReadContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evmclient: pack %s: %w", method, err)
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evmclient: call %s: %w", method, err)
	}
	return parsedABI.Unpack(method, out)
}

func (c *EthClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

func (c *EthClient) GetBlock(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.rpc.HeaderByNumber(ctx, number)
}

func (c *EthClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.rpc.TransactionReceipt(ctx, hash)
}

func (c *EthClient) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, fmt.Errorf("evmclient: no signing key configured")
	}
	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evmclient: nonce: %w", err)
	}
	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice, err = c.rpc.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("evmclient: gas price: %w", err)
		}
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	gas := req.Gas
	if gas == 0 {
		estimated, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &req.To, Value: value, Data: req.Data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("evmclient: estimate gas: %w", err)
		}
		gas = estimated
	}
	tx := types.NewTransaction(nonce, req.To, value, gas, gasPrice, req.Data)
	signer := types.LatestSignerForChainID(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evmclient: sign: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("evmclient: send: %w", err)
	}
	return signedTx.Hash(), nil
}

// WaitForTransactionReceipt polls until hash is mined or ctx is cancelled.
func (c *EthClient) WaitForTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("evmclient: receipt poll: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) WriteContract(ctx context.Context, address common.Address, parsedABI abi.ABI, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evmclient: pack %s: %w", method, err)
	}
	return c.SendTransaction(ctx, TxRequest{To: address, Value: value, Data: data})
}

// TxDetails is the subset of an on-chain transaction the deposit webhook
// validates against (spec §6.6/§6.8: success, exact value, recipient, and
// confirmation depth). It carries no chain id; GetTransactionDetails fails
// sender recovery for a transaction signed for a chain other than the
// client's.
type TxDetails struct {
	Hash          common.Hash
	From          common.Address
	To            *common.Address
	Value         *big.Int
	BlockNumber   uint64
	BlockHash     common.Hash
	Success       bool
	Confirmations uint64
}

// GetTransactionDetails fetches a mined transaction and its receipt,
// recovering the sender from the signature (go-ethereum does not return it
// directly) and computing its confirmation depth against the current chain
// head. Returns an error if the transaction is still pending.
func (c *EthClient) GetTransactionDetails(ctx context.Context, hash common.Hash) (*TxDetails, error) {
	tx, pending, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("evmclient: transaction by hash: %w", err)
	}
	if pending {
		return nil, fmt.Errorf("evmclient: transaction %s is still pending", hash)
	}
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("evmclient: transaction receipt: %w", err)
	}
	signer := types.LatestSignerForChainID(c.chainID)
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("evmclient: recover sender: %w", err)
	}
	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("evmclient: read chain head: %w", err)
	}
	var confirmations uint64
	if head >= receipt.BlockNumber.Uint64() {
		confirmations = head - receipt.BlockNumber.Uint64() + 1
	}
	return &TxDetails{
		Hash:          hash,
		From:          from,
		To:            tx.To(),
		Value:         tx.Value(),
		BlockNumber:   receipt.BlockNumber.Uint64(),
		BlockHash:     receipt.BlockHash,
		Success:       receipt.Status == types.ReceiptStatusSuccessful,
		Confirmations: confirmations,
	}, nil
}
