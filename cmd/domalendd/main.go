// Command domalendd runs the off-chain node for the domain-collateral
// lending protocol: the event indexer, the read API, and the valuation
// oracle broadcaster.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"domalend/broadcaster"
	"domalend/chain"
	"domalend/config"
	"domalend/httpapi"
	"domalend/indexer"
	"domalend/observability"
	"domalend/observability/logging"
	domaotel "domalend/observability/otel"
	"domalend/store"
	"domalend/subgraph"
)

const (
	serviceName = "domalendd"
	// Hard deadline for loops to acknowledge shutdown.
	shutdownDeadline = 30 * time.Second
	// How long startup waits for the indexer to leave Initializing before
	// opening the HTTP port.
	indexerStartupWait = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitCode(configError{err}))
	}
	logger := logging.Setup(serviceName, cfg.Environment, cfg.LogFile)

	if err := run(cfg, logger); err != nil {
		if isConfigError(err) {
			logger.Error("configuration error", "err", err)
		} else {
			logger.Error("node failed", "err", err)
		}
		os.Exit(exitCode(err))
	}
}

type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func isConfigError(err error) bool {
	_, ok := err.(configError)
	return ok
}

// exitCode maps a failure to the process exit status: 0 clean, 1 for
// configuration errors, 2 for unrecoverable runtime faults.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case isConfigError(err):
		return 1
	default:
		return 2
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := domaotel.Init(ctx, domaotel.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Headers:     domaotel.ParseHeaders(cfg.Telemetry.Headers),
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return configError{fmt.Errorf("init telemetry: %w", err)}
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	signerKey, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.Chain.SignerKey), "0x"))
	if err != nil {
		return configError{fmt.Errorf("parse signer key: %w", err)}
	}
	var chainID *big.Int
	if cfg.Chain.ChainID != 0 {
		chainID = big.NewInt(cfg.Chain.ChainID)
	}
	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, chain.Config{
		LendingContract: common.HexToAddress(cfg.Chain.LendingContract),
		OracleContract:  common.HexToAddress(cfg.Chain.OracleContract),
		SignerKey:       signerKey,
		ChainID:         chainID,
		Logger:          logger,
	})
	if err != nil {
		return configError{fmt.Errorf("chain client: %w", err)}
	}

	subgraphClient, err := subgraph.New(cfg.Subgraph.URL, cfg.Subgraph.APIKey, subgraph.WithLogger(logger))
	if err != nil {
		return configError{fmt.Errorf("subgraph client: %w", err)}
	}

	st := store.New()
	idx, err := indexer.New(chainClient, st, indexer.Config{
		StartBlock:   cfg.Indexer.StartBlock,
		PollInterval: cfg.Indexer.PollInterval.Duration,
		Logger:       logger,
		Metrics:      observability.Indexer(),
	})
	if err != nil {
		return configError{fmt.Errorf("indexer: %w", err)}
	}
	notices := idx.Subscribe()

	balanceFloor, err := cfg.BalanceFloor()
	if err != nil {
		return configError{err}
	}
	bc, err := broadcaster.New(chainClient, subgraphClient, broadcaster.Config{
		Interval:        cfg.Broadcast.Interval.Duration,
		SuppressionBPS:  cfg.Broadcast.SuppressionBPS,
		BalanceFloorWei: balanceFloor,
		Logger:          logger,
		Metrics:         observability.Broadcaster(),
	})
	if err != nil {
		return configError{fmt.Errorf("broadcaster: %w", err)}
	}

	var cors httpapi.CORSConfig
	if origin := strings.TrimSpace(cfg.HTTP.CORSOrigin); origin != "" {
		cors.AllowedOrigins = []string{origin}
	}
	api, err := httpapi.New(st, idx, cors, logger)
	if err != nil {
		return configError{fmt.Errorf("http api: %w", err)}
	}

	logger.Info("starting node",
		"environment", cfg.Environment,
		"lending_contract", strings.ToLower(cfg.Chain.LendingContract),
		"oracle_contract", strings.ToLower(cfg.Chain.OracleContract),
		"signer", strings.ToLower(chainClient.SignerAddress().Hex()),
		"http_addr", cfg.ListenAddr())

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := idx.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("indexer stopped: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-idx.PauseSignals():
				logger.Warn("indexer paused after repeated poll failures")
			}
		}
	}()

	// Open the HTTP port once the indexer is past initialization so /health
	// reflects a live cursor.
	waitForIndexer(ctx, idx, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Serve(ctx, cfg.ListenAddr()); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("http server stopped: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bc.Run(ctx, notices); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("broadcaster stopped: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("node stopped")
	case <-time.After(shutdownDeadline):
		logger.Error("shutdown deadline exceeded, exiting")
	}
	return runErr
}

// waitForIndexer blocks until the indexer has left Initializing, the wait
// budget elapses, or ctx ends. A slow chain endpoint delays but never
// prevents the HTTP surface from coming up.
func waitForIndexer(ctx context.Context, idx *indexer.Indexer, logger *slog.Logger) {
	deadline := time.NewTimer(indexerStartupWait)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logger.Warn("indexer still initializing, opening http surface anyway")
			return
		case <-ticker.C:
			if idx.State() != indexer.StateInitializing {
				return
			}
		}
	}
}
