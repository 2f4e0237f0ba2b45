package deposit

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"swap-router/config"
	"swap-router/pkg/types"
)

// ERC20 transfer and balanceOf ABI
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

const (
	nativeTransferGas = uint64(21000)
	defaultCallGas    = uint64(300000)
)

// evmBackend is the part of an ethclient the router needs
type evmBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EVMClient reads from and, when a key is configured, signs for one
// EVM-compatible network
type EVMClient struct {
	chain      types.ChainSlug
	network    config.EVMNetwork
	backend    evmBackend
	closer     func()
	privateKey *ecdsa.PrivateKey
	from       common.Address
	erc20      abi.ABI
}

// NewEVMClient dials the network's RPC endpoint. The private key is optional;
// without one the client is read-only.
func NewEVMClient(chain types.ChainSlug, network config.EVMNetwork) (*EVMClient, error) {
	if network.RPCUrl == "" {
		return nil, fmt.Errorf("RPC URL not configured for network %s", chain)
	}

	var key *ecdsa.PrivateKey
	if network.PrivateKey != "" {
		k, err := crypto.HexToECDSA(strings.TrimPrefix(network.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key for network %s: %w", chain, err)
		}
		key = k
	}

	client, err := ethclient.Dial(network.RPCUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	e, err := newEVMClient(chain, network, client, key)
	if err != nil {
		client.Close()
		return nil, err
	}
	e.closer = client.Close
	return e, nil
}

func newEVMClient(chain types.ChainSlug, network config.EVMNetwork, backend evmBackend, key *ecdsa.PrivateKey) (*EVMClient, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	e := &EVMClient{
		chain:      chain,
		network:    network,
		backend:    backend,
		privateKey: key,
		erc20:      parsed,
	}
	if key != nil {
		e.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return e, nil
}

// CanSign reports whether a private key is configured
func (e *EVMClient) CanSign() bool {
	return e.privateKey != nil
}

// Address returns the signing address
func (e *EVMClient) Address() common.Address {
	return e.from
}

// SendCalls signs and sends every call in order with consecutive nonces and
// returns the transaction hashes
func (e *EVMClient) SendCalls(ctx context.Context, calls []types.Call) ([]string, error) {
	if !e.CanSign() {
		return nil, fmt.Errorf("private key not configured for network %s", e.chain)
	}

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to get nonce: %w", err))
	}
	gasPrice, err := e.gasPrice(ctx)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(calls))
	for i, call := range calls {
		if !common.IsHexAddress(call.To) {
			return hashes, fmt.Errorf("call %d: invalid target address: %s", i, call.To)
		}
		to := common.HexToAddress(call.To)
		data := common.FromHex(call.Data)
		value := new(big.Int)
		if call.Value != "" {
			if _, ok := value.SetString(call.Value, 10); !ok {
				return hashes, fmt.Errorf("call %d: invalid value: %s", i, call.Value)
			}
		}

		// later calls usually depend on earlier ones, so estimating them
		// against current state would fail
		gasLimit := defaultCallGas
		if e.network.GasLimit != nil {
			gasLimit = *e.network.GasLimit
		} else if i == 0 {
			if est, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &to, Value: value, Data: data}); err == nil {
				gasLimit = est * 120 / 100
			}
		}

		tx, err := e.sign(ethtypes.NewTransaction(nonce+uint64(i), to, value, gasLimit, gasPrice, data))
		if err != nil {
			return hashes, err
		}
		if err := e.backend.SendTransaction(ctx, tx); err != nil {
			return hashes, fmt.Errorf("failed to send transaction %d (%s): %w", i, call.Description, err)
		}
		hashes = append(hashes, tx.Hash().Hex())
	}
	return hashes, nil
}

// SendTransfer sends amount (base units) of the native token, or of the
// ERC20 at tokenContract when set, to recipient
func (e *EVMClient) SendTransfer(ctx context.Context, tokenContract, recipient string, amount *big.Int) (string, error) {
	if !e.CanSign() {
		return "", fmt.Errorf("private key not configured for network %s", e.chain)
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("invalid recipient address: %s", recipient)
	}
	to := common.HexToAddress(recipient)

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", types.Retryable(fmt.Errorf("failed to get nonce: %w", err))
	}
	gasPrice, err := e.gasPrice(ctx)
	if err != nil {
		return "", err
	}

	var tx *ethtypes.Transaction
	if tokenContract == "" {
		tx, err = e.nativeTransfer(ctx, to, amount, nonce, gasPrice)
	} else {
		tx, err = e.erc20Transfer(ctx, to, tokenContract, amount, nonce, gasPrice)
	}
	if err != nil {
		return "", err
	}

	if err := e.backend.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (e *EVMClient) nativeTransfer(ctx context.Context, to common.Address, amount *big.Int, nonce uint64, gasPrice *big.Int) (*ethtypes.Transaction, error) {
	balance, err := e.backend.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to get balance: %w", err))
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("insufficient balance: have %s wei, need %s wei", balance, amount)
	}

	gasLimit := nativeTransferGas
	if e.network.GasLimit != nil {
		gasLimit = *e.network.GasLimit
	}
	return e.sign(ethtypes.NewTransaction(nonce, to, amount, gasLimit, gasPrice, nil))
}

func (e *EVMClient) erc20Transfer(ctx context.Context, to common.Address, tokenContract string, amount *big.Int, nonce uint64, gasPrice *big.Int) (*ethtypes.Transaction, error) {
	if !common.IsHexAddress(tokenContract) {
		return nil, fmt.Errorf("invalid token contract address: %s", tokenContract)
	}
	token := common.HexToAddress(tokenContract)

	balance, err := e.erc20Balance(ctx, token, e.from)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("insufficient token balance: have %s, need %s", balance, amount)
	}

	data, err := e.erc20.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer data: %w", err)
	}

	gasLimit := uint64(100000)
	if e.network.GasLimit != nil {
		gasLimit = *e.network.GasLimit
	} else if est, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &token, Data: data}); err == nil {
		gasLimit = est * 120 / 100
	}
	return e.sign(ethtypes.NewTransaction(nonce, token, big.NewInt(0), gasLimit, gasPrice, data))
}

func (e *EVMClient) erc20Balance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := e.erc20.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf data: %w", err)
	}
	result, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to call balanceOf: %w", err))
	}
	return new(big.Int).SetBytes(result), nil
}

func (e *EVMClient) sign(tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(big.NewInt(e.network.ChainID)), e.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

func (e *EVMClient) gasPrice(ctx context.Context) (*big.Int, error) {
	if e.network.GasPrice != nil {
		return big.NewInt(*e.network.GasPrice), nil
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to get gas price: %w", err))
	}
	return gasPrice, nil
}

// CallContract performs a read-only call against the latest block
func (e *EVMClient) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid contract address: %s", to)
	}
	addr := common.HexToAddress(to)
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("eth_call to %s failed: %w", to, err))
	}
	return out, nil
}

// Receipt returns the receipt of txHash, or nil while it is not mined
func (e *EVMClient) Receipt(ctx context.Context, txHash string) (*ethtypes.Receipt, error) {
	receipt, err := e.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to get transaction receipt: %w", err))
	}
	return receipt, nil
}

// Close closes the client connection
func (e *EVMClient) Close() {
	if e.closer != nil {
		e.closer()
	}
}
