// Package broadcaster pushes risk-adjusted domain valuations to the oracle
// contract on a timer and in response to new-loan notices.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"domalend/chain"
	"domalend/indexer"
	"domalend/observability"
	"domalend/subgraph"
	"domalend/valuation"
)

const (
	defaultInterval       = 10 * time.Minute
	defaultSuppressionBPS = 100

	receiptTimeout = 120 * time.Second
	// Minimum spacing between consecutive submissions within a cycle.
	submitSpacing = 2 * time.Second
	// An in-flight receipt wait gets this long to finish after shutdown.
	shutdownGrace = 10 * time.Second

	// Subgraph prices are fixed 8-decimal integers.
	priceDecimals = 8

	secondsPerYear = "31557600" // 365.25 days
)

// Oracle is the chain surface the broadcaster writes through. *chain.Client
// satisfies it.
type Oracle interface {
	GetOraclePrice(ctx context.Context, token common.Address) (*big.Int, error)
	SubmitOracleUpdate(ctx context.Context, token common.Address, priceWei *big.Int) (common.Hash, error)
	AwaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (uint64, uint64, error)
	GetBalance(ctx context.Context, account common.Address) (*big.Int, error)
	SignerAddress() common.Address
}

// TokenSource lists fractional domain tokens and resolves per-name details.
// *subgraph.Client satisfies it.
type TokenSource interface {
	ListFractionalTokens(ctx context.Context) ([]subgraph.TokenSummary, error)
	GetNameDetails(ctx context.Context, name string) (subgraph.NameDetails, error)
}

// Config carries the broadcaster's tunables.
type Config struct {
	Interval       time.Duration
	SuppressionBPS int64
	// BalanceFloorWei aborts a cycle when the signer cannot fund it.
	// Nil disables the pre-flight check.
	BalanceFloorWei *big.Int
	Logger          *slog.Logger
	Metrics         *observability.BroadcasterMetrics
}

// CycleResult counts per-token outcomes of one broadcast pass.
type CycleResult struct {
	Successes int
	Failures  int
	Skipped   int
}

// Broadcaster owns the periodic valuation cycle and the event-triggered
// single-token path.
type Broadcaster struct {
	oracle  Oracle
	tokens  TokenSource
	cfg     Config
	logger  *slog.Logger
	metrics *observability.BroadcasterMetrics
	now     func() time.Time
	spacing time.Duration

	mu       sync.Mutex
	known    map[string]subgraph.TokenSummary
	inFlight map[string]struct{}
}

// New builds a broadcaster.
func New(oracle Oracle, tokens TokenSource, cfg Config) (*Broadcaster, error) {
	if oracle == nil {
		return nil, fmt.Errorf("oracle client required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.SuppressionBPS <= 0 {
		cfg.SuppressionBPS = defaultSuppressionBPS
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{
		oracle:   oracle,
		tokens:   tokens,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "broadcaster"),
		metrics:  cfg.Metrics,
		now:      time.Now,
		spacing:  submitSpacing,
		known:    make(map[string]subgraph.TokenSummary),
		inFlight: make(map[string]struct{}),
	}, nil
}

// Run drives the periodic cycle and consumes loan notices until ctx ends.
// The first cycle fires immediately so valuations exist before the first
// full interval elapses. Notices run on their own loop and goroutines so
// the event path never queues behind an in-flight cycle; the per-token
// single-flight guard keeps the two paths from racing on one token.
func (b *Broadcaster) Run(ctx context.Context, notices <-chan indexer.LoanCreatedNotice) error {
	var inFlight sync.WaitGroup
	defer inFlight.Wait()

	inFlight.Add(1)
	go func() {
		defer inFlight.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notices:
				if !ok {
					return
				}
				inFlight.Add(1)
				go func() {
					defer inFlight.Done()
					b.handleNotice(ctx, n)
				}()
			}
		}
	}()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	b.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.runCycle(ctx)
		}
	}
}

func (b *Broadcaster) runCycle(ctx context.Context) {
	started := b.now()
	result, err := b.RunOnce(ctx)
	elapsed := time.Since(started)
	b.metrics.ObserveCycle(elapsed)
	if err != nil {
		b.logger.Error("broadcast cycle aborted", "err", err, "elapsed", elapsed.String())
		return
	}
	b.logger.Info("broadcast cycle complete",
		"successes", result.Successes,
		"failures", result.Failures,
		"skipped", result.Skipped,
		"elapsed", elapsed.String())
}

// RunOnce executes one full broadcast pass over every known fractional token.
// A bulk-listing failure aborts the pass; per-token failures are counted and
// the pass continues.
func (b *Broadcaster) RunOnce(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	if floor := b.cfg.BalanceFloorWei; floor != nil && floor.Sign() > 0 {
		balance, err := b.oracle.GetBalance(ctx, b.oracle.SignerAddress())
		if err != nil {
			return result, fmt.Errorf("read signer balance: %w", err)
		}
		if balance.Cmp(floor) < 0 {
			return result, fmt.Errorf("signer balance %s below floor %s", balance, floor)
		}
	}

	tokens, err := b.tokens.ListFractionalTokens(ctx)
	if err != nil {
		return result, fmt.Errorf("list tokens: %w", err)
	}
	b.rememberTokens(tokens)

	for i, token := range tokens {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if i > 0 {
			if err := sleepCtx(ctx, b.spacing); err != nil {
				return result, err
			}
		}
		outcome := b.broadcastToken(ctx, token)
		result.add(outcome)
	}
	return result, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (r *CycleResult) add(o outcome) {
	switch o {
	case outcomeSuccess:
		r.Successes++
	case outcomeFailed:
		r.Failures++
	case outcomeSkipped:
		r.Skipped++
	}
}

// handleNotice revalues a single token when its collateral is a known
// fractional domain token. A cache miss refreshes the listing first, so
// tokens fractionalized after the last periodic cycle still get an
// event-driven refresh. Concurrent work on the same token is coalesced.
func (b *Broadcaster) handleNotice(ctx context.Context, n indexer.LoanCreatedNotice) {
	addr := strings.ToLower(n.CollateralAddress)
	b.mu.Lock()
	token, ok := b.known[addr]
	b.mu.Unlock()
	if !ok {
		tokens, err := b.tokens.ListFractionalTokens(ctx)
		if err != nil {
			b.logger.Warn("listing refresh for notice failed",
				"loan_id", n.LoanID, "collateral", addr, "err", err)
			return
		}
		b.rememberTokens(tokens)
		b.mu.Lock()
		token, ok = b.known[addr]
		b.mu.Unlock()
	}
	if !ok {
		b.logger.Debug("notice for unknown collateral ignored",
			"loan_id", n.LoanID, "collateral", addr)
		return
	}
	b.logger.Info("revaluing collateral for new loan", "loan_id", n.LoanID, "token", addr)
	b.broadcastToken(ctx, token)
}

// broadcastToken runs the details → score → suppress → submit pipeline for
// one token. A single-flight guard per address serializes the periodic and
// event-triggered paths.
func (b *Broadcaster) broadcastToken(ctx context.Context, token subgraph.TokenSummary) outcome {
	addr := strings.ToLower(token.Address)
	b.mu.Lock()
	if _, busy := b.inFlight[addr]; busy {
		b.mu.Unlock()
		b.metrics.RecordOutcome("skipped")
		return outcomeSkipped
	}
	b.inFlight[addr] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inFlight, addr)
		b.mu.Unlock()
	}()

	log := b.logger.With("token", addr, "name", token.Name)

	details, err := b.tokens.GetNameDetails(ctx, token.Name)
	if err != nil {
		log.Warn("name details unavailable", "err", err)
		b.metrics.RecordOutcome("skipped")
		return outcomeSkipped
	}

	metrics, err := b.deriveMetrics(token, details)
	if err != nil {
		log.Warn("metric derivation failed", "err", err)
		b.metrics.RecordOutcome("skipped")
		return outcomeSkipped
	}
	v := valuation.Score(metrics)
	if !v.HasValue {
		log.Info("token has no broadcastable valuation")
		b.metrics.RecordOutcome("skipped")
		return outcomeSkipped
	}

	tokenAddr := common.HexToAddress(addr)
	onChain, err := b.oracle.GetOraclePrice(ctx, tokenAddr)
	if err != nil && !errors.Is(err, chain.ErrPriceNotSet) {
		log.Warn("oracle read failed", "err", err)
		b.metrics.RecordOutcome("failed")
		return outcomeFailed
	}
	if onChain != nil && suppressed(v.Wei, onChain, b.cfg.SuppressionBPS) {
		log.Info("valuation unchanged, broadcast suppressed",
			"on_chain_wei", onChain.String(), "new_wei", v.Wei.String())
		b.metrics.RecordOutcome("skipped")
		return outcomeSkipped
	}

	txHash, err := b.oracle.SubmitOracleUpdate(ctx, tokenAddr, v.Wei)
	if err != nil {
		log.Warn("oracle update rejected", "err", err)
		b.metrics.RecordOutcome("failed")
		return outcomeFailed
	}
	block, gasUsed, err := b.awaitWithGrace(ctx, txHash)
	if err != nil {
		log.Warn("oracle update not confirmed", "tx", txHash.Hex(), "err", err)
		b.metrics.RecordOutcome("failed")
		return outcomeFailed
	}
	log.Info("valuation broadcast",
		"doma_rank", v.DomaRank.FloatString(2),
		"usd", v.USD.FloatString(2),
		"wei", v.Wei.String(),
		"tx", txHash.Hex(),
		"block", block,
		"gas_used", gasUsed)
	b.metrics.RecordOutcome("success")
	return outcomeSuccess
}

// awaitWithGrace waits for the receipt; when the run context ends mid-wait
// the submission gets a short grace window to confirm before being abandoned.
func (b *Broadcaster) awaitWithGrace(ctx context.Context, txHash common.Hash) (uint64, uint64, error) {
	block, gasUsed, err := b.oracle.AwaitReceipt(ctx, txHash, receiptTimeout)
	if err == nil || !errors.Is(err, context.Canceled) {
		return block, gasUsed, err
	}
	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return b.oracle.AwaitReceipt(graceCtx, txHash, shutdownGrace)
}

func (b *Broadcaster) rememberTokens(tokens []subgraph.TokenSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tokens {
		addr := strings.ToLower(t.Address)
		if addr == "" {
			continue
		}
		b.known[addr] = t
	}
}

// deriveMetrics maps subgraph records to the valuation engine's inputs.
func (b *Broadcaster) deriveMetrics(token subgraph.TokenSummary, details subgraph.NameDetails) (valuation.DomainMetrics, error) {
	name := strings.TrimSpace(token.Name)
	if name == "" {
		return valuation.DomainMetrics{}, fmt.Errorf("token %s has no domain name", token.Address)
	}
	label, tld := splitDomain(name)

	priceRaw, ok := new(big.Int).SetString(strings.TrimSpace(token.CurrentPriceRaw), 10)
	if !ok || priceRaw.Sign() < 0 {
		return valuation.DomainMetrics{}, fmt.Errorf("invalid current price %q", token.CurrentPriceRaw)
	}

	now := b.now()
	return valuation.DomainMetrics{
		Name:             name,
		TLD:              tld,
		NameLength:       len(label),
		YearsOnChain:     yearsBetween(token.FractionalizedAt, now),
		YearsUntilExpiry: yearsBetween(now, details.ExpiresAt),
		ActiveOffers:     details.ActiveOffersCount,
		LivePriceUSD:     valuation.RatFromBaseUnit(priceRaw, priceDecimals),
	}, nil
}

// splitDomain separates the label from the suffix after the last dot.
// A bare label has no TLD.
func splitDomain(name string) (label, tld string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

// yearsBetween returns (to − from) in Julian years, clamped at zero.
func yearsBetween(from, to time.Time) *big.Rat {
	if from.IsZero() || !to.After(from) {
		return new(big.Rat)
	}
	seconds := new(big.Rat).SetInt64(int64(to.Sub(from) / time.Second))
	perYear, _ := new(big.Rat).SetString(secondsPerYear)
	return seconds.Quo(seconds, perYear)
}

// suppressed reports whether the new value is within the configured relative
// distance of the on-chain value. A zero on-chain value always broadcasts.
func suppressed(newWei, onChain *big.Int, bps int64) bool {
	if onChain == nil || onChain.Sign() <= 0 {
		return false
	}
	diff := new(big.Int).Sub(newWei, onChain)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10_000))
	threshold := new(big.Int).Mul(onChain, big.NewInt(bps))
	return diff.Cmp(threshold) < 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
