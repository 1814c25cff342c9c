package indexer

import (
	"sync"
	"sync/atomic"
)

// Subscriber channels hold this many undelivered notices before the oldest
// one is dropped. A slow consumer loses history, never blocks the indexer.
const noticeBufferSize = 256

// LoanCreatedNotice announces one freshly indexed LoanCreated event so the
// valuation side can react without polling the projection.
type LoanCreatedNotice struct {
	LoanID            string
	TokenAddress      string
	CollateralAddress string
}

type noticeBus struct {
	mu      sync.Mutex
	subs    []chan LoanCreatedNotice
	dropped atomic.Uint64
	onDrop  func()
}

func newNoticeBus(onDrop func()) *noticeBus {
	return &noticeBus{onDrop: onDrop}
}

// subscribe registers a new consumer. Channels are never closed; consumers
// stop reading when their context ends.
func (b *noticeBus) subscribe() <-chan LoanCreatedNotice {
	ch := make(chan LoanCreatedNotice, noticeBufferSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// publish delivers a notice to every subscriber. A full buffer sheds its
// oldest entry to make room for the new one.
func (b *noticeBus) publish(n LoanCreatedNotice) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, ch := range subs {
		for {
			select {
			case ch <- n:
			default:
				select {
				case <-ch:
					b.dropped.Add(1)
					if b.onDrop != nil {
						b.onDrop()
					}
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *noticeBus) droppedCount() uint64 {
	return b.dropped.Load()
}
