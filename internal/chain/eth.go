package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20 minimal ABI for the calls the executor makes.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers when estimation fails.
	DefaultGasLimit = uint64(100000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

var (
	ErrInvalidSignerKey = errors.New("chain: invalid signer key")
	ErrInvalidAsset     = errors.New("chain: asset is not a valid contract address")
	ErrRPCConnection    = errors.New("chain: RPC connection failed")
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EthConfig configures the Ethereum-backed executor.
type EthConfig struct {
	RPCURL    string
	SignerKey string // hex, with or without 0x prefix
	ChainID   int64
}

// EthOption configures the executor.
type EthOption func(*EthExecutor)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) EthOption {
	return func(e *EthExecutor) {
		e.client = client
	}
}

// EthExecutor settles escrow transfers with ERC-20 tokens. Asset identifiers
// are token contract addresses; accounts are Ethereum addresses.
//
// Custody accounts are rows in the executor's custody book: the tokens sit on
// the signer-controlled custody address and each ref records which escrow
// they belong to. Only the signer key can move them, which is exactly the
// vault-authority property the core requires.
type EthExecutor struct {
	client  EthClient
	signer  *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	abi     abi.ABI

	mu    sync.Mutex
	book  map[string]*custodyEntry // ref -> holding
	nonce sync.Mutex               // serializes nonce acquisition + send
}

type custodyEntry struct {
	asset   common.Address
	balance uint64
}

// NewEthExecutor creates an Ethereum-backed executor.
func NewEthExecutor(cfg EthConfig, opts ...EthOption) (*EthExecutor, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.SignerKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidSignerKey)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}

	signer, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignerKey, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	e := &EthExecutor{
		signer:  signer,
		address: crypto.PubkeyToAddress(signer.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		abi:     parsedABI,
		book:    make(map[string]*custodyEntry),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}

	return e, nil
}

// Address returns the custody authority address.
func (e *EthExecutor) Address() string {
	return e.address.Hex()
}

// Close releases the RPC connection.
func (e *EthExecutor) Close() {
	e.client.Close()
}

func (e *EthExecutor) Transfer(ctx context.Context, source, dest, asset string, amount uint64) (*Receipt, error) {
	token, err := parseAsset(asset)
	if err != nil {
		return nil, &TransferError{Op: "transfer", Err: err}
	}
	if !common.IsHexAddress(dest) {
		return nil, &TransferError{Op: "transfer", Err: ErrUnknownAccount}
	}

	var data []byte
	if common.HexToAddress(source) == e.address {
		data, err = e.abi.Pack("transfer", common.HexToAddress(dest), new(big.Int).SetUint64(amount))
	} else {
		// Drawing from a third party requires a prior ERC-20 approval of the
		// custody authority.
		if !common.IsHexAddress(source) {
			return nil, &TransferError{Op: "transfer", Err: ErrUnknownAccount}
		}
		data, err = e.abi.Pack("transferFrom", common.HexToAddress(source), common.HexToAddress(dest), new(big.Int).SetUint64(amount))
	}
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	return e.submit(ctx, "transfer", token, data)
}

func (e *EthExecutor) OpenCustody(ctx context.Context, ref, source, asset string, amount uint64) (*Receipt, error) {
	token, err := parseAsset(asset)
	if err != nil {
		return nil, &TransferError{Op: "open_custody", Err: err}
	}

	e.mu.Lock()
	if _, ok := e.book[ref]; ok {
		e.mu.Unlock()
		return nil, &TransferError{Op: "open_custody", Err: ErrVaultExists}
	}
	e.mu.Unlock()

	bal, err := e.tokenBalance(ctx, token, common.HexToAddress(source))
	if err != nil {
		return nil, &TransferError{Op: "open_custody", Err: err}
	}
	if bal.Cmp(new(big.Int).SetUint64(amount)) < 0 {
		return nil, &TransferError{Op: "open_custody", Err: ErrInsufficientFunds}
	}

	rcpt, err := e.Transfer(ctx, source, e.address.Hex(), asset, amount)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.book[ref] = &custodyEntry{asset: token, balance: amount}
	e.mu.Unlock()
	return rcpt, nil
}

func (e *EthExecutor) ReleaseCustody(ctx context.Context, ref, dest string, amount uint64) (*Receipt, error) {
	e.mu.Lock()
	entry, ok := e.book[ref]
	if !ok {
		e.mu.Unlock()
		return nil, &TransferError{Op: "release_custody", Err: ErrVaultNotFound}
	}
	if entry.balance < amount {
		e.mu.Unlock()
		return nil, &TransferError{Op: "release_custody", Err: ErrInsufficientFunds}
	}
	asset := entry.asset
	e.mu.Unlock()

	rcpt, err := e.Transfer(ctx, e.address.Hex(), dest, asset.Hex(), amount)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if entry, ok := e.book[ref]; ok {
		entry.balance -= amount
	}
	e.mu.Unlock()
	return rcpt, nil
}

func (e *EthExecutor) CloseCustody(ctx context.Context, ref, rentDest string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.book[ref]
	if !ok {
		return &TransferError{Op: "close_custody", Err: ErrVaultNotFound}
	}
	if entry.balance != 0 {
		return &TransferError{Op: "close_custody", Err: ErrVaultNotEmpty}
	}
	delete(e.book, ref)
	// ERC-20 custody has no per-account rent; the refund destination is
	// accepted for interface parity and ignored.
	_ = rentDest
	return nil
}

func (e *EthExecutor) CustodyBalance(ctx context.Context, ref string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.book[ref]
	if !ok {
		return 0, ErrVaultNotFound
	}
	return entry.balance, nil
}

// submit signs and sends a contract call, then waits for the receipt.
func (e *EthExecutor) submit(ctx context.Context, op string, token common.Address, data []byte) (*Receipt, error) {
	e.nonce.Lock()
	defer e.nonce.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return nil, &TransferError{Op: op, Err: err}
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: op, Err: err}
	}

	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.address,
		To:    &token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.signer)
	if err != nil {
		return nil, &TransferError{Op: op, Err: err}
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: op, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return e.waitForReceipt(ctx, op, signedTx.Hash())
}

func (e *EthExecutor) waitForReceipt(ctx context.Context, op string, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		rcpt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil && rcpt != nil {
			if rcpt.Status != types.ReceiptStatusSuccessful {
				return nil, &TransferError{Op: op, TxHash: hash.Hex(), Err: errors.New("transaction reverted")}
			}
			return &Receipt{TxHash: hash.Hex(), Confirmed: true, ConfirmedAt: time.Now()}, nil
		}

		select {
		case <-ctx.Done():
			return nil, &TransferError{Op: op, TxHash: hash.Hex(), Err: ErrTimeout}
		case <-ticker.C:
		}
	}
}

func (e *EthExecutor) tokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := e.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	result, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(result), nil
}

func parseAsset(asset string) (common.Address, error) {
	if !common.IsHexAddress(asset) {
		return common.Address{}, ErrInvalidAsset
	}
	return common.HexToAddress(asset), nil
}

var _ Executor = (*EthExecutor)(nil)
