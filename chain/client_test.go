package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"domalend/store"
)

type fakeBackend struct {
	head        uint64
	headErr     error
	logs        []gethtypes.Log
	logQueries  []ethereum.FilterQuery
	headers     map[uint64]uint64
	headerCalls int
	callResult  []byte
	callErr     error
	nonce       uint64
	sent        []*gethtypes.Transaction
	receipts    map[common.Hash]*gethtypes.Receipt
	balance     *big.Int
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.logQueries = append(f.logQueries, q)
	return f.logs, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	f.headerCalls++
	ts, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Header{Number: new(big.Int).Set(number), Time: ts}, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callResult, f.callErr
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	n := f.nonce
	f.nonce++
	return n, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	client, err := New(backend, Config{
		LendingContract: common.HexToAddress("0x1111000000000000000000000000000000001111"),
		OracleContract:  common.HexToAddress("0x2222000000000000000000000000000000002222"),
		SignerKey:       key,
		ChainID:         big.NewInt(97476),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestQueryLogsFiltersByContractAndTopic(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend)
	if _, err := client.QueryLogs(context.Background(), store.KindLoanCreated, 100, 200); err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if len(backend.logQueries) != 1 {
		t.Fatalf("expected one filter query, got %d", len(backend.logQueries))
	}
	q := backend.logQueries[0]
	if q.FromBlock.Uint64() != 100 || q.ToBlock.Uint64() != 200 {
		t.Fatalf("unexpected range: %s..%s", q.FromBlock, q.ToBlock)
	}
	topic, _ := EventTopic(store.KindLoanCreated)
	if len(q.Topics) != 1 || len(q.Topics[0]) != 1 || q.Topics[0][0] != topic {
		t.Fatalf("topic filter missing")
	}
}

func TestBlockTimestampCaches(t *testing.T) {
	backend := &fakeBackend{headers: map[uint64]uint64{1200: 1700000000}}
	client := newTestClient(t, backend)
	for i := 0; i < 3; i++ {
		ts, err := client.BlockTimestamp(context.Background(), 1200)
		if err != nil {
			t.Fatalf("timestamp: %v", err)
		}
		if ts != 1700000000 {
			t.Fatalf("unexpected timestamp %d", ts)
		}
	}
	if backend.headerCalls != 1 {
		t.Fatalf("expected 1 header fetch, got %d", backend.headerCalls)
	}
}

func TestGetOraclePriceZeroIsNotSet(t *testing.T) {
	backend := &fakeBackend{callResult: make([]byte, 32)}
	client := newTestClient(t, backend)
	_, err := client.GetOraclePrice(context.Background(), common.HexToAddress("0xf2dd"))
	if !errors.Is(err, ErrPriceNotSet) {
		t.Fatalf("expected ErrPriceNotSet, got %v", err)
	}

	value := common.LeftPadBytes(big.NewInt(9820).Bytes(), 32)
	backend.callResult = value
	price, err := client.GetOraclePrice(context.Background(), common.HexToAddress("0xf2dd"))
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if price.Int64() != 9820 {
		t.Fatalf("unexpected price %s", price)
	}
}

func TestSubmitOracleUpdateSignsAndSends(t *testing.T) {
	backend := &fakeBackend{nonce: 5}
	client := newTestClient(t, backend)
	hash, err := client.SubmitOracleUpdate(context.Background(), common.HexToAddress("0xf2dd"), big.NewInt(1234))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one sent tx, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash {
		t.Fatalf("hash mismatch")
	}
	if tx.Nonce() != 5 {
		t.Fatalf("unexpected nonce %d", tx.Nonce())
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress("0x2222000000000000000000000000000000002222") {
		t.Fatalf("tx not addressed to oracle")
	}
}

func TestAwaitReceiptRevertedTransaction(t *testing.T) {
	hash := common.HexToHash("0x77")
	backend := &fakeBackend{receipts: map[common.Hash]*gethtypes.Receipt{
		hash: {Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(10)},
	}}
	client := newTestClient(t, backend)
	if _, _, err := client.AwaitReceipt(context.Background(), hash, time.Second); err == nil {
		t.Fatalf("expected error for reverted tx")
	}
}

func TestAwaitReceiptSuccess(t *testing.T) {
	hash := common.HexToHash("0x88")
	backend := &fakeBackend{receipts: map[common.Hash]*gethtypes.Receipt{
		hash: {Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(321), GasUsed: 60_000},
	}}
	client := newTestClient(t, backend)
	block, gas, err := client.AwaitReceipt(context.Background(), hash, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if block != 321 || gas != 60_000 {
		t.Fatalf("unexpected receipt data block=%d gas=%d", block, gas)
	}
}
