// Package indexer drives log ingestion: a historical back-fill from the
// starting cursor to the chain head, then a tail-poll loop that keeps the
// projection current.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"domalend/chain"
	"domalend/observability"
	"domalend/store"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultLookback     = uint64(1000)

	// Back-fill chunking keeps individual eth_getLogs calls within provider
	// limits.
	backFillChunk = uint64(2000)

	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second

	tailFailureLimit = 5
	pauseCooldown    = 30 * time.Second
)

// State is the indexer lifecycle phase.
type State int32

const (
	StateInitializing State = iota
	StateBackFilling
	StateTailing
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateBackFilling:
		return "backfilling"
	case StateTailing:
		return "tailing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// ChainReader is the chain surface the indexer consumes. *chain.Client
// satisfies it.
type ChainReader interface {
	HeadBlock(ctx context.Context) (uint64, error)
	QueryLogs(ctx context.Context, kind store.Kind, from, to uint64) ([]gethtypes.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Config carries the indexer's tunables.
type Config struct {
	// StartBlock pins the back-fill start. When nil the indexer starts at
	// head minus a fixed lookback window.
	StartBlock   *uint64
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *observability.IndexerMetrics
}

// Health is the indexer's contribution to the health endpoint.
type Health struct {
	State          string `json:"state"`
	PollFailures   uint64 `json:"pollFailures"`
	DroppedNotices uint64 `json:"droppedNotices"`
}

// Indexer is the single writer of the store projection.
type Indexer struct {
	chain   ChainReader
	store   *store.Store
	cfg     Config
	logger  *slog.Logger
	metrics *observability.IndexerMetrics

	bus          *noticeBus
	state        atomic.Int32
	pollFailures atomic.Uint64
	pauses       chan struct{}
}

// New builds an indexer writing into st.
func New(chain ChainReader, st *store.Store, cfg Config) (*Indexer, error) {
	if chain == nil {
		return nil, fmt.Errorf("chain reader required")
	}
	if st == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	idx := &Indexer{
		chain:   chain,
		store:   st,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "indexer"),
		metrics: cfg.Metrics,
		pauses:  make(chan struct{}, 1),
	}
	idx.bus = newNoticeBus(func() {
		idx.metrics.RecordDroppedNotice()
	})
	idx.state.Store(int32(StateInitializing))
	return idx, nil
}

// Subscribe returns a channel of LoanCreated notices. Subscribe before Run
// to avoid missing back-fill notices.
func (ix *Indexer) Subscribe() <-chan LoanCreatedNotice {
	return ix.bus.subscribe()
}

// PauseSignals fires whenever repeated tail failures force a cooldown. The
// supervisor reads it for logging; the indexer resumes on its own.
func (ix *Indexer) PauseSignals() <-chan struct{} {
	return ix.pauses
}

// State returns the current lifecycle phase.
func (ix *Indexer) State() State {
	return State(ix.state.Load())
}

// Health snapshots the failure counters for the health endpoint.
func (ix *Indexer) Health() Health {
	return Health{
		State:          ix.State().String(),
		PollFailures:   ix.pollFailures.Load(),
		DroppedNotices: ix.bus.droppedCount(),
	}
}

// Run blocks until ctx is cancelled. It back-fills from the starting cursor
// to the head seen at startup, then tail-polls for new blocks.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.store.SetIndexing(true)
	defer func() {
		ix.store.SetIndexing(false)
		ix.setState(StateStopped)
	}()

	head, err := ix.headWithRetry(ctx)
	if err != nil {
		return err
	}
	from := ix.startBlock(head)
	ix.store.SetCursor(from)
	ix.logger.Info("indexing from", "start_block", from, "head", head)

	if from <= head {
		ix.setState(StateBackFilling)
		if err := ix.backFill(ctx, from, head); err != nil {
			return err
		}
		ix.logger.Info("back-fill complete", "through_block", head)
	}

	ix.setState(StateTailing)
	return ix.tail(ctx)
}

func (ix *Indexer) setState(s State) {
	ix.state.Store(int32(s))
}

func (ix *Indexer) startBlock(head uint64) uint64 {
	if ix.cfg.StartBlock != nil {
		return *ix.cfg.StartBlock
	}
	if head > defaultLookback {
		return head - defaultLookback
	}
	return 0
}

func (ix *Indexer) headWithRetry(ctx context.Context) (uint64, error) {
	for attempt := 0; ; attempt++ {
		head, err := ix.chain.HeadBlock(ctx)
		if err == nil {
			return head, nil
		}
		ix.logger.Warn("fetch head failed", "attempt", attempt+1, "err", err)
		if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
			return 0, err
		}
	}
}

// backFill walks [from, head] in chunks. A failed chunk retries with backoff
// until it succeeds or the context ends; the cursor only advances past fully
// processed chunks.
func (ix *Indexer) backFill(ctx context.Context, from, head uint64) error {
	for start := from; start <= head; {
		end := start + backFillChunk - 1
		if end > head {
			end = head
		}
		for attempt := 0; ; attempt++ {
			err := ix.processRange(ctx, start, end)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.logger.Warn("back-fill chunk failed",
				"from", start, "to", end, "attempt", attempt+1, "err", err)
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return err
			}
		}
		ix.store.AdvanceCursor(end)
		ix.metrics.RecordProcessedBlock(end)
		start = end + 1
	}
	return nil
}

// tail polls for new blocks every PollInterval. After tailFailureLimit
// consecutive failures it pauses for a cooldown before resuming.
func (ix *Indexer) tail(ctx context.Context) error {
	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := ix.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			ix.pollFailures.Add(1)
			ix.metrics.RecordPollFailure()
			ix.logger.Warn("tail poll failed", "consecutive", failures, "err", err)
			if failures >= tailFailureLimit {
				ix.setState(StatePaused)
				select {
				case ix.pauses <- struct{}{}:
				default:
				}
				ix.logger.Error("tail polling paused", "cooldown", pauseCooldown.String())
				if err := sleepCtx(ctx, pauseCooldown); err != nil {
					return err
				}
				failures = 0
				ix.setState(StateTailing)
			}
			continue
		}
		failures = 0
	}
}

// tick processes every block past the cursor, if any.
func (ix *Indexer) tick(ctx context.Context) error {
	head, err := ix.chain.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	next := ix.store.Status().NextBlock
	if head < next {
		return nil
	}
	if err := ix.processRange(ctx, next, head); err != nil {
		return err
	}
	ix.store.AdvanceCursor(head)
	ix.metrics.RecordProcessedBlock(head)
	return nil
}

// processRange queries all event kinds over [from, to] in parallel, then
// inserts the decoded records. Any query failure aborts the range so it can
// be retried whole; decode failures skip only the offending log.
func (ix *Indexer) processRange(ctx context.Context, from, to uint64) error {
	type result struct {
		kind store.Kind
		logs []gethtypes.Log
	}
	kinds := store.Kinds()
	results := make([]result, len(kinds))
	errs := make([]error, len(kinds))

	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func(i int, kind store.Kind) {
			defer wg.Done()
			logs, err := ix.chain.QueryLogs(ctx, kind, from, to)
			if err != nil {
				errs[i] = fmt.Errorf("query %s logs: %w", kind, err)
				return
			}
			results[i] = result{kind: kind, logs: logs}
		}(i, kind)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	for _, res := range results {
		for _, lg := range res.logs {
			if lg.Removed {
				continue
			}
			blockTime, err := ix.chain.BlockTimestamp(ctx, lg.BlockNumber)
			if err != nil {
				return fmt.Errorf("resolve timestamp for block %d: %w", lg.BlockNumber, err)
			}
			rec, err := chain.DecodeLog(res.kind, lg, blockTime)
			if err != nil {
				ix.metrics.RecordDecodeError(string(res.kind))
				ix.logger.Warn("undecodable log skipped",
					"kind", res.kind, "block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "err", err)
				continue
			}
			if !ix.store.Insert(res.kind, rec) {
				continue
			}
			ix.metrics.RecordIndexed(string(res.kind))
			if created, ok := rec.(*store.LoanCreated); ok {
				ix.bus.publish(LoanCreatedNotice{
					LoanID:            created.LoanID,
					TokenAddress:      created.TokenAddress,
					CollateralAddress: created.CollateralAddress,
				})
			}
		}
	}
	return nil
}

// backoffDelay grows exponentially from the base, capped, with ±20% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	halfWidth := int64(d) / 5
	jitter := time.Duration(rand.Int63n(2*halfWidth+1) - halfWidth)
	return d + jitter
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
