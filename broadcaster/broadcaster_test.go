package broadcaster

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"domalend/chain"
	"domalend/indexer"
	"domalend/subgraph"
)

type submission struct {
	token common.Address
	wei   *big.Int
}

type fakeOracle struct {
	mu          sync.Mutex
	balance     *big.Int
	prices      map[common.Address]*big.Int
	submitErr   error
	receiptErr  error
	submissions []submission
}

func (f *fakeOracle) GetOraclePrice(ctx context.Context, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[token]
	if !ok || price.Sign() == 0 {
		return nil, chain.ErrPriceNotSet
	}
	return new(big.Int).Set(price), nil
}

func (f *fakeOracle) SubmitOracleUpdate(ctx context.Context, token common.Address, priceWei *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.submissions = append(f.submissions, submission{token: token, wei: new(big.Int).Set(priceWei)})
	if f.prices == nil {
		f.prices = make(map[common.Address]*big.Int)
	}
	f.prices[token] = new(big.Int).Set(priceWei)
	return common.Hash{byte(len(f.submissions))}, nil
}

func (f *fakeOracle) AwaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (uint64, uint64, error) {
	if f.receiptErr != nil {
		return 0, 0, f.receiptErr
	}
	return 1234, 21_000, nil
}

func (f *fakeOracle) GetBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	if f.balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeOracle) SignerAddress() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (f *fakeOracle) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

type fakeTokens struct {
	mu        sync.Mutex
	listErr   error
	tokens    []subgraph.TokenSummary
	details   map[string]subgraph.NameDetails
	listCalls int
	// When non-nil, the first listing call blocks until the channel closes.
	firstListGate chan struct{}
}

func (f *fakeTokens) ListFractionalTokens(ctx context.Context) ([]subgraph.TokenSummary, error) {
	f.mu.Lock()
	f.listCalls++
	calls := f.listCalls
	gate := f.firstListGate
	err := f.listErr
	tokens := f.tokens
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if gate != nil && calls == 1 {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return tokens, nil
}

func (f *fakeTokens) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeTokens) GetNameDetails(ctx context.Context, name string) (subgraph.NameDetails, error) {
	details, ok := f.details[name]
	if !ok {
		return subgraph.NameDetails{}, fmt.Errorf("name %s not found", name)
	}
	return details, nil
}

var (
	fixedNow   = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	cryptoAddr = "0x00000000000000000000000000000000000000c1"
)

// cryptoToken yields DomaRank 98.2 and a 9820 USD valuation at fixedNow.
func cryptoToken() subgraph.TokenSummary {
	return subgraph.TokenSummary{
		Address:          cryptoAddr,
		Name:             "crypto.io",
		FractionalizedAt: fixedNow.Add(-time.Duration(78_894_000) * time.Second), // 2.5y
		CurrentPriceRaw:  "1000000000000",                                        // 10000 USD at 8 decimals
	}
}

func cryptoDetails() subgraph.NameDetails {
	return subgraph.NameDetails{
		ExpiresAt:              fixedNow.Add(time.Duration(252_460_800) * time.Second), // 8y
		ActiveOffersCount:      12,
		FractionalTokenAddress: cryptoAddr,
	}
}

func expectedCryptoWei(t *testing.T) *big.Int {
	t.Helper()
	wei, ok := new(big.Int).SetString("9820000000000000000000", 10)
	require.True(t, ok)
	return wei
}

func newTestBroadcaster(t *testing.T, oracle *fakeOracle, tokens *fakeTokens, cfg Config) *Broadcaster {
	t.Helper()
	b, err := New(oracle, tokens, cfg)
	require.NoError(t, err)
	b.now = func() time.Time { return fixedNow }
	b.spacing = time.Millisecond
	return b
}

func TestRunOnceBroadcastsAndCounts(t *testing.T) {
	oracle := &fakeOracle{balance: big.NewInt(1_000_000)}
	tokens := &fakeTokens{
		tokens: []subgraph.TokenSummary{
			cryptoToken(),
			{Address: "0x00000000000000000000000000000000000000c2", Name: "orphan.xyz", CurrentPriceRaw: "1"},
		},
		details: map[string]subgraph.NameDetails{"crypto.io": cryptoDetails()},
	}
	b := newTestBroadcaster(t, oracle, tokens, Config{})

	result, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Successes: 1, Skipped: 1}, result)

	subs := oracle.submitted()
	require.Len(t, subs, 1)
	require.Equal(t, common.HexToAddress(cryptoAddr), subs[0].token)
	require.Equal(t, 0, subs[0].wei.Cmp(expectedCryptoWei(t)))
}

func TestRunOnceSuppressesSmallChange(t *testing.T) {
	onChain := expectedCryptoWei(t)
	// 0.5% above the new value stays inside the default 1% band.
	nearby := new(big.Int).Add(onChain, new(big.Int).Div(onChain, big.NewInt(200)))
	oracle := &fakeOracle{
		prices: map[common.Address]*big.Int{common.HexToAddress(cryptoAddr): nearby},
	}
	tokens := &fakeTokens{
		tokens:  []subgraph.TokenSummary{cryptoToken()},
		details: map[string]subgraph.NameDetails{"crypto.io": cryptoDetails()},
	}
	b := newTestBroadcaster(t, oracle, tokens, Config{})

	result, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Skipped: 1}, result)
	require.Empty(t, oracle.submitted())
}

func TestRunOnceBroadcastsLargeChange(t *testing.T) {
	// 5% away from the new value crosses the threshold.
	onChain := new(big.Int).Div(expectedCryptoWei(t), big.NewInt(2))
	oracle := &fakeOracle{
		prices: map[common.Address]*big.Int{common.HexToAddress(cryptoAddr): onChain},
	}
	tokens := &fakeTokens{
		tokens:  []subgraph.TokenSummary{cryptoToken()},
		details: map[string]subgraph.NameDetails{"crypto.io": cryptoDetails()},
	}
	b := newTestBroadcaster(t, oracle, tokens, Config{})

	result, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Successes: 1}, result)
	require.Len(t, oracle.submitted(), 1)
}

func TestRunOnceAbortsWhenListingFails(t *testing.T) {
	oracle := &fakeOracle{}
	tokens := &fakeTokens{listErr: fmt.Errorf("subgraph down")}
	b := newTestBroadcaster(t, oracle, tokens, Config{})

	_, err := b.RunOnce(context.Background())
	require.Error(t, err)
	require.Empty(t, oracle.submitted())
}

func TestRunOnceAbortsBelowBalanceFloor(t *testing.T) {
	oracle := &fakeOracle{balance: big.NewInt(5)}
	tokens := &fakeTokens{tokens: []subgraph.TokenSummary{cryptoToken()}}
	b := newTestBroadcaster(t, oracle, tokens, Config{BalanceFloorWei: big.NewInt(10)})

	_, err := b.RunOnce(context.Background())
	require.Error(t, err)
	require.Empty(t, oracle.submitted())
}

func TestRunOnceCountsSubmitFailure(t *testing.T) {
	oracle := &fakeOracle{submitErr: fmt.Errorf("nonce too low")}
	tokens := &fakeTokens{
		tokens:  []subgraph.TokenSummary{cryptoToken()},
		details: map[string]subgraph.NameDetails{"crypto.io": cryptoDetails()},
	}
	b := newTestBroadcaster(t, oracle, tokens, Config{})

	result, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Failures: 1}, result)
}

func TestHandleNoticeKnownCollateral(t *testing.T) {
	oracle := &fakeOracle{}
	tokens := &fakeTokens{
		tokens:  []subgraph.TokenSummary{cryptoToken()},
		details: map[string]subgraph.NameDetails{"crypto.io": cryptoDetails()},
	}
	b := newTestBroadcaster(t, oracle, tokens, Config{})

	// Prime the known-token set via a cycle, then trigger the event path.
	_, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, oracle.submitted(), 1)

	b.handleNotice(context.Background(), indexer.LoanCreatedNotice{
		LoanID:            "7",
		CollateralAddress: cryptoAddr,
	})
	require.Len(t, oracle.submitted(), 1, "unchanged valuation must be suppressed on the event path")

	// Unknown collateral is ignored outright.
	b.handleNotice(context.Background(), indexer.LoanCreatedNotice{
		LoanID:            "8",
		CollateralAddress: "0x00000000000000000000000000000000000000ff",
	})
	require.Len(t, oracle.submitted(), 1)
}

func TestHandleNoticeRefreshesListingOnCacheMiss(t *testing.T) {
	oracle := &fakeOracle{}
	tokens := &fakeTokens{
		tokens:  []subgraph.TokenSummary{cryptoToken()},
		details: map[string]subgraph.NameDetails{"crypto.io": cryptoDetails()},
	}
	b := newTestBroadcaster(t, oracle, tokens, Config{})

	// No cycle has run, so the known-token cache is empty. The notice must
	// still reach the oracle via a listing refresh.
	b.handleNotice(context.Background(), indexer.LoanCreatedNotice{
		LoanID:            "9",
		CollateralAddress: cryptoAddr,
	})
	subs := oracle.submitted()
	require.Len(t, subs, 1)
	require.Equal(t, common.HexToAddress(cryptoAddr), subs[0].token)
	require.Equal(t, 1, tokens.listCount())
}

func TestNoticeServicedWhileCycleInFlight(t *testing.T) {
	gate := make(chan struct{})
	oracle := &fakeOracle{}
	tokens := &fakeTokens{
		tokens:        []subgraph.TokenSummary{cryptoToken()},
		details:       map[string]subgraph.NameDetails{"crypto.io": cryptoDetails()},
		firstListGate: gate,
	}
	b := newTestBroadcaster(t, oracle, tokens, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	notices := make(chan indexer.LoanCreatedNotice, 1)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, notices) }()

	// The opening cycle is stuck in its listing call; the notice path must
	// not wait behind it.
	notices <- indexer.LoanCreatedNotice{LoanID: "7", CollateralAddress: cryptoAddr}
	require.Eventually(t, func() bool {
		return len(oracle.submitted()) == 1
	}, 2*time.Second, time.Millisecond)

	close(gate)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestSplitDomain(t *testing.T) {
	cases := []struct {
		in, label, tld string
	}{
		{"crypto.io", "crypto", "io"},
		{"a.b.xyz", "a.b", "xyz"},
		{"bare", "bare", ""},
	}
	for _, tc := range cases {
		label, tld := splitDomain(tc.in)
		require.Equal(t, tc.label, label, tc.in)
		require.Equal(t, tc.tld, tld, tc.in)
	}
}

func TestYearsBetween(t *testing.T) {
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, 0, yearsBetween(from, from.Add(time.Duration(31_557_600)*time.Second)).Cmp(big.NewRat(1, 1)))
	require.Equal(t, 0, yearsBetween(from, from.Add(-time.Hour)).Sign())
	require.Equal(t, 0, yearsBetween(time.Time{}, from).Sign())
}

func TestSuppressed(t *testing.T) {
	hundred := big.NewInt(100_000)
	require.False(t, suppressed(big.NewInt(1), big.NewInt(0), 100))
	require.True(t, suppressed(big.NewInt(100_500), hundred, 100))  // 0.5%
	require.False(t, suppressed(big.NewInt(101_000), hundred, 100)) // exactly 1%
	require.False(t, suppressed(big.NewInt(150_000), hundred, 100))
	require.True(t, suppressed(big.NewInt(100_100), hundred, 25)) // tighter band
}
