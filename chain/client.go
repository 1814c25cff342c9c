package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"domalend/store"
)

// ErrPriceNotSet is returned by GetOraclePrice when the oracle has no value
// recorded for a token (the contract reports zero).
var ErrPriceNotSet = errors.New("oracle price not set")

const (
	rpcCallTimeout       = 15 * time.Second
	receiptPollInterval  = 2 * time.Second
	oracleUpdateGasLimit = uint64(120_000)
	timestampCacheLimit  = 4096
)

// Oracle contract surface used by the broadcaster.
const oracleABIJSON = `[
	{"inputs":[{"internalType":"address","name":"token","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"}],"name":"updateTokenValue","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"token","type":"address"}],"name":"getTokenValue","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Backend is the subset of the Ethereum RPC client the node relies on.
// *ethclient.Client satisfies it; tests substitute fakes.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Config captures the client's chain-facing settings.
type Config struct {
	LendingContract common.Address
	OracleContract  common.Address
	SignerKey       *ecdsa.PrivateKey
	ChainID         *big.Int
	Logger          *slog.Logger
}

// Client provides typed access to the lending contract's logs and the oracle
// contract's read/write functions. Transaction submission is serialized so
// nonces increase monotonically.
type Client struct {
	backend Backend
	cfg     Config
	signer  gethtypes.Signer
	from    common.Address
	oracle  abi.ABI
	logger  *slog.Logger

	txMu sync.Mutex

	tsMu    sync.Mutex
	tsCache map[uint64]uint64
}

// Dial connects to the JSON-RPC endpoint and resolves the chain id. An
// unreachable endpoint is a configuration error.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Client, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc url required")
	}
	ec, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	if cfg.ChainID == nil {
		chainID, err := ec.ChainID(ctx)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("resolve chain id: %w", err)
		}
		cfg.ChainID = chainID
	}
	client, err := New(ec, cfg)
	if err != nil {
		ec.Close()
		return nil, err
	}
	return client, nil
}

// New wraps an existing backend.
func New(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend required")
	}
	if (cfg.LendingContract == common.Address{}) {
		return nil, fmt.Errorf("lending contract address required")
	}
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	oracleABI, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse oracle abi: %w", err)
	}
	c := &Client{
		backend: backend,
		cfg:     cfg,
		oracle:  oracleABI,
		logger:  cfg.Logger,
		tsCache: make(map[uint64]uint64),
	}
	if cfg.SignerKey != nil {
		c.signer = gethtypes.LatestSignerForChainID(cfg.ChainID)
		c.from = gethcrypto.PubkeyToAddress(cfg.SignerKey.PublicKey)
	}
	return c, nil
}

// SignerAddress returns the address transactions are sent from.
func (c *Client) SignerAddress() common.Address { return c.from }

// HeadBlock returns the current chain head height.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	return c.backend.BlockNumber(ctx)
}

// QueryLogs fetches the lending contract's logs of one kind over the
// inclusive range [from, to]. Callers chunk wide ranges themselves.
func (c *Client) QueryLogs(ctx context.Context, kind store.Kind, from, to uint64) ([]gethtypes.Log, error) {
	topic, err := EventTopic(kind)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	return c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.cfg.LendingContract},
		Topics:    [][]common.Hash{{topic}},
	})
}

// BlockTimestamp resolves a block's timestamp in seconds, cached per height.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.tsMu.Lock()
	if ts, ok := c.tsCache[number]; ok {
		c.tsMu.Unlock()
		return ts, nil
	}
	c.tsMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("fetch header %d: %w", number, err)
	}
	if header == nil {
		return 0, fmt.Errorf("header %d missing", number)
	}

	c.tsMu.Lock()
	if len(c.tsCache) >= timestampCacheLimit {
		c.tsCache = make(map[uint64]uint64)
	}
	c.tsCache[number] = header.Time
	c.tsMu.Unlock()
	return header.Time, nil
}

// GetOraclePrice reads getTokenValue for a token. A zero reading maps to
// ErrPriceNotSet so callers can distinguish "unset" from a real price.
func (c *Client) GetOraclePrice(ctx context.Context, token common.Address) (*big.Int, error) {
	if (c.cfg.OracleContract == common.Address{}) {
		return nil, fmt.Errorf("oracle contract address not configured")
	}
	input, err := c.oracle.Pack("getTokenValue", token)
	if err != nil {
		return nil, fmt.Errorf("pack getTokenValue: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.cfg.OracleContract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getTokenValue: %w", err)
	}
	vals, err := c.oracle.Unpack("getTokenValue", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getTokenValue: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("getTokenValue returned %d values, want 1", len(vals))
	}
	price, ok := vals[0].(*big.Int)
	if !ok || price == nil {
		return nil, fmt.Errorf("getTokenValue returned non-integer value")
	}
	if price.Sign() == 0 {
		return nil, ErrPriceNotSet
	}
	return price, nil
}

// SubmitOracleUpdate signs and submits updateTokenValue(token, priceWei).
func (c *Client) SubmitOracleUpdate(ctx context.Context, token common.Address, priceWei *big.Int) (common.Hash, error) {
	if c.cfg.SignerKey == nil {
		return common.Hash{}, fmt.Errorf("signer key not configured")
	}
	if priceWei == nil || priceWei.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("price must be non-negative")
	}
	input, err := c.oracle.Pack("updateTokenValue", token, priceWei)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack updateTokenValue: %w", err)
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	nonce, err := c.backend.PendingNonceAt(callCtx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	oracleAddr := c.cfg.OracleContract
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &oracleAddr,
		Gas:      oracleUpdateGasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := gethtypes.SignTx(tx, c.signer, c.cfg.SignerKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(callCtx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	c.logger.Info("oracle update submitted",
		"token", strings.ToLower(token.Hex()),
		"price_wei", priceWei.String(),
		"tx", signed.Hash().Hex(),
		"nonce", nonce)
	return signed.Hash(), nil
}

// AwaitReceipt polls for a transaction receipt until the timeout elapses.
// A reverted transaction is reported as an error.
func (c *Client) AwaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (uint64, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return 0, 0, fmt.Errorf("transaction %s reverted", txHash.Hex())
			}
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			return block, receipt.GasUsed, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return 0, 0, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("await receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetBalance reads an account's balance at head.
func (c *Client) GetBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()
	return c.backend.BalanceAt(ctx, account, nil)
}
