package store

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
)

// Sort and direction vocabulary accepted by List. The store only sorts fields
// that carry non-negative decimal integers; anything else is rejected.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"

	DefaultFirst   = 100
	DefaultOrderBy = "blockTimestamp"
	MaxFirst       = 1000
)

var orderableFields = map[string]struct{}{
	"blockNumber":    {},
	"blockTimestamp": {},
	"timestamp":      {},
}

// ListOptions controls pagination and ordering of a read view.
type ListOptions struct {
	First          int
	Skip           int
	OrderBy        string
	OrderDirection string
}

func (o ListOptions) normalized() (ListOptions, error) {
	if o.First == 0 {
		o.First = DefaultFirst
	}
	if o.First < 0 || o.Skip < 0 {
		return o, fmt.Errorf("first and skip must be non-negative")
	}
	if o.First > MaxFirst {
		o.First = MaxFirst
	}
	if o.OrderBy == "" {
		o.OrderBy = DefaultOrderBy
	}
	if _, ok := orderableFields[o.OrderBy]; !ok {
		return o, fmt.Errorf("unsupported orderBy field %q", o.OrderBy)
	}
	switch o.OrderDirection {
	case "":
		o.OrderDirection = OrderDesc
	case OrderAsc, OrderDesc:
	default:
		return o, fmt.Errorf("unsupported orderDirection %q", o.OrderDirection)
	}
	return o, nil
}

// ProtocolStats aggregates the projection. Volume fields are decimal strings.
type ProtocolStats struct {
	TotalLoansCreated  int64  `json:"totalLoansCreated"`
	TotalLoanVolume    string `json:"totalLoanVolume"`
	TotalLoanVolumeUSD string `json:"totalLoanVolumeUSD"`
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
}

// Status reports the indexer cursor as seen through the store.
type Status struct {
	NextBlock          uint64 `json:"nextBlock"`
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
	TotalLoansIndexed  int64  `json:"totalLoansIndexed"`
	IsIndexing         bool   `json:"isIndexing"`
}

// Store is the in-memory multi-kind event projection. A single writer (the
// indexer) inserts records and advances the cursor; readers see either the
// full pre-insert or full post-insert state, never a partial record.
type Store struct {
	mu sync.RWMutex

	records map[Kind][]Record
	seen    map[Kind]map[string]struct{}

	totalLoansCreated int64
	loanVolume        *big.Int
	loanVolumeUSD     *big.Rat

	nextBlock          uint64
	lastProcessedBlock uint64
	indexing           bool
}

// New returns an empty store.
func New() *Store {
	s := &Store{
		records:       make(map[Kind][]Record),
		seen:          make(map[Kind]map[string]struct{}),
		loanVolume:    new(big.Int),
		loanVolumeUSD: new(big.Rat),
	}
	for _, kind := range Kinds() {
		s.records[kind] = nil
		s.seen[kind] = make(map[string]struct{})
	}
	return s
}

// Insert adds a record to the projection. It is idempotent on the record id
// and reports whether the record was newly inserted. LoanCreated aggregates
// are updated in the same critical section.
func (s *Store) Insert(kind Kind, rec Record) bool {
	if rec == nil {
		return false
	}
	id := rec.EventID()
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.seen[kind]
	if !ok {
		return false
	}
	if _, dup := ids[id]; dup {
		return false
	}
	ids[id] = struct{}{}
	s.records[kind] = append(s.records[kind], rec)
	if kind == KindLoanCreated {
		s.totalLoansCreated++
		if created, ok := rec.(*LoanCreated); ok {
			if amount, ok := new(big.Int).SetString(strings.TrimSpace(created.Amount), 10); ok {
				s.loanVolume.Add(s.loanVolume, amount)
			}
		}
	}
	return true
}

// List returns a sorted, paginated copy of one kind's records. Sorting parses
// the requested field as a decimal integer; ties keep insertion order.
func (s *Store) List(kind Kind, opts ListOptions) ([]Record, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	src, ok := s.records[kind]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	view := make([]Record, len(src))
	copy(view, src)
	s.mu.RUnlock()

	sort.SliceStable(view, func(i, j int) bool {
		a := orderKey(view[i], opts.OrderBy)
		b := orderKey(view[j], opts.OrderBy)
		cmp := a.Cmp(b)
		if opts.OrderDirection == OrderDesc {
			return cmp > 0
		}
		return cmp < 0
	})

	if opts.Skip >= len(view) {
		return []Record{}, nil
	}
	view = view[opts.Skip:]
	if len(view) > opts.First {
		view = view[:opts.First]
	}
	out := make([]Record, len(view))
	copy(out, view)
	return out, nil
}

func orderKey(rec Record, field string) *big.Int {
	raw, ok := rec.OrderValue(field)
	if !ok {
		return new(big.Int)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return new(big.Int)
	}
	return value
}

// Count returns the number of records of one kind.
func (s *Store) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[kind])
}

// Stats snapshots the derived protocol aggregates.
func (s *Store) Stats() ProtocolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ProtocolStats{
		TotalLoansCreated:  s.totalLoansCreated,
		TotalLoanVolume:    s.loanVolume.String(),
		TotalLoanVolumeUSD: ratDecimalString(s.loanVolumeUSD),
		LastProcessedBlock: s.lastProcessedBlock,
	}
}

// AddLoanVolumeUSD opportunistically accumulates USD volume when a price is
// known. Reserved for a later enrichment pass; no ingest path calls it today.
func (s *Store) AddLoanVolumeUSD(delta *big.Rat) {
	if delta == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loanVolumeUSD.Add(s.loanVolumeUSD, delta)
}

// Status snapshots the cursor state.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		NextBlock:          s.nextBlock,
		LastProcessedBlock: s.lastProcessedBlock,
		TotalLoansIndexed:  s.totalLoansCreated,
		IsIndexing:         s.indexing,
	}
}

// SetIndexing flags whether the ingest loop is active.
func (s *Store) SetIndexing(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexing = active
}

// SetCursor initialises the next block to request. Only valid before the
// first AdvanceCursor call.
func (s *Store) SetCursor(next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBlock = next
}

// AdvanceCursor records a fully processed range. The cursor is monotonic; a
// backward move means the single-writer contract was violated and the process
// must not continue.
func (s *Store) AdvanceCursor(processed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if processed < s.lastProcessedBlock {
		panic(fmt.Sprintf("store: cursor moved backward: %d < %d", processed, s.lastProcessedBlock))
	}
	s.lastProcessedBlock = processed
	s.nextBlock = processed + 1
}

func ratDecimalString(r *big.Rat) string {
	if r == nil || r.Sign() == 0 {
		return "0"
	}
	if r.IsInt() {
		return r.Num().String()
	}
	out := strings.TrimRight(r.FloatString(18), "0")
	return strings.TrimRight(out, ".")
}
