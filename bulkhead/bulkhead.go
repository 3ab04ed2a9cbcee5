// Package bulkhead implements the concurrency + queue-depth isolation
// barrier of spec §4.D: a fixed number of concurrent slots plus a bounded
// FIFO waiter queue, named after ship-compartment isolation.
package bulkhead

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	relayerrors "github.com/baechuer/relay/errors"
)

// Config configures a Bulkhead per the `bulkhead` option group of spec §6.
type Config struct {
	MaxConcurrentOperations int
	MaxQueuedOperations     int
	AcquisitionTimeout      time.Duration
}

// Stats is a snapshot of the bulkhead's counters.
type Stats struct {
	Active   int
	Queued   int
	Rejected uint64
	Executed uint64
}

type waiter struct {
	ready chan struct{}
}

// Bulkhead limits concurrent + queued operations, releasing waiters FIFO.
type Bulkhead struct {
	cfg Config

	mu       sync.Mutex
	active   int
	waiters  *list.List // of *waiter
	rejected uint64
	executed uint64
	disposed bool
}

func New(cfg Config) *Bulkhead {
	return &Bulkhead{cfg: cfg, waiters: list.New()}
}

// Permit is returned by Acquire and must be released exactly once.
type Permit struct {
	b *Bulkhead
}

func (p *Permit) Release() { p.b.release() }

// Acquire blocks until a concurrency slot is free, the queue is full (in
// which case it fails immediately with BulkheadRejected carrying the
// current active+queued counts), or ctx/AcquisitionTimeout fires.
func (b *Bulkhead) Acquire(ctx context.Context) (*Permit, error) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil, relayerrors.ObjectDisposed("bulkhead")
	}

	if b.active < b.cfg.MaxConcurrentOperations {
		b.active++
		b.executed++
		b.mu.Unlock()
		return &Permit{b: b}, nil
	}

	if b.waiters.Len() >= b.cfg.MaxQueuedOperations {
		b.rejected++
		active, queued := b.active, b.waiters.Len()
		b.mu.Unlock()
		return nil, rejectedErr(active, queued)
	}

	w := &waiter{ready: make(chan struct{})}
	elem := b.waiters.PushBack(w)
	b.mu.Unlock()

	timeout := b.cfg.AcquisitionTimeout
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-w.ready:
		b.mu.Lock()
		if b.disposed {
			b.mu.Unlock()
			return nil, relayerrors.ObjectDisposed("bulkhead")
		}
		b.executed++
		b.mu.Unlock()
		return &Permit{b: b}, nil
	case <-timeoutCh:
		b.mu.Lock()
		b.removeWaiter(elem)
		b.rejected++
		active, queued := b.active, b.waiters.Len()
		b.mu.Unlock()
		return nil, rejectedErr(active, queued)
	case <-ctx.Done():
		b.mu.Lock()
		b.removeWaiter(elem)
		b.mu.Unlock()
		return nil, relayerrors.Wrap(relayerrors.CodeOperationCancelled, "bulkhead acquisition cancelled", ctx.Err())
	}
}

func (b *Bulkhead) removeWaiter(elem *list.Element) {
	b.waiters.Remove(elem)
}

func (b *Bulkhead) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.waiters.Len() > 0 {
		front := b.waiters.Front()
		b.waiters.Remove(front)
		w := front.Value.(*waiter)
		close(w.ready)
		// active count stays the same: the slot passes directly to the waiter.
		return
	}
	if b.active > 0 {
		b.active--
	}
}

// Dispose cancels all waiters; subsequent Acquire calls fail with
// ObjectDisposed.
func (b *Bulkhead) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true
	for e := b.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ready)
	}
	b.waiters.Init()
}

func (b *Bulkhead) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Active:   b.active,
		Queued:   b.waiters.Len(),
		Rejected: b.rejected,
		Executed: b.executed,
	}
}

func rejectedErr(active, queued int) error {
	return &relayerrors.RelayError{
		Code:    relayerrors.CodeBulkheadRejected,
		Message: "bulkhead rejected: active/queued limits reached",
		Fields:  []string{"active=" + strconv.Itoa(active), "queued=" + strconv.Itoa(queued)},
	}
}
