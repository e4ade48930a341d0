package commitq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	coreerrors "github.com/davidahmann/rotator/core/errors"
)

var (
	ErrBusy   = errors.New("commit queue busy")
	ErrClosed = errors.New("commit queue closed")
)

type DrainMode int

const (
	// DrainAny waits until the queue has room for one more entry.
	DrainAny DrainMode = iota
	// DrainAll waits until every entry, including the one being dispatched
	// and any discarded ones, is done.
	DrainAll
)

func (m DrainMode) String() string {
	switch m {
	case DrainAny:
		return "any"
	case DrainAll:
		return "all"
	default:
		return fmt.Sprintf("drain_mode(%d)", int(m))
	}
}

type Options struct {
	Capacity       int
	EnqueueTimeout time.Duration
	Logger         *slog.Logger
}

// Item is one dequeued entry. A discarded item was removed from the ring by
// a reset and must be retired without being dispatched. Every item is handed
// back to Done.
type Item[T any] struct {
	Value     T
	Discarded bool

	generation uint64
}

type Stats struct {
	Capacity   int    `json:"capacity"`
	Count      int    `json:"count"`
	Queued     int    `json:"queued"`
	MaxCount   int    `json:"max_count"`
	Enqueued   uint64 `json:"enqueued"`
	Done       uint64 `json:"done"`
	Resets     uint64 `json:"resets"`
	Discarded  uint64 `json:"discarded"`
	Generation uint64 `json:"generation"`
}

// Queue is a ring of prepared entries. Count covers queued entries plus the
// one the worker has dequeued but not yet marked done, and never exceeds the
// capacity. Entries removed by a reset wait on a separate discard list and
// are handed to the worker before anything queued after the reset, so their
// retirement keeps submission order.
type Queue[T any] struct {
	capacity int
	timeout  time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	ring       []T
	read       int
	write      int
	queued     int
	count      int
	discards   []T
	retiring   int
	generation uint64
	closed     bool
	changed    chan struct{}
	stats      Stats
}

func New[T any](options Options) (*Queue[T], error) {
	if options.Capacity <= 0 {
		return nil, fmt.Errorf("commit queue capacity must be > 0, got %d", options.Capacity)
	}
	if options.EnqueueTimeout <= 0 {
		return nil, fmt.Errorf("commit queue enqueue timeout must be > 0, got %s", options.EnqueueTimeout)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		capacity: options.Capacity,
		timeout:  options.EnqueueTimeout,
		logger:   logger,
		ring:     make([]T, options.Capacity),
		changed:  make(chan struct{}),
	}, nil
}

func (q *Queue[T]) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) pushLocked(item T) {
	q.ring[q.write] = item
	q.write = (q.write + 1) % q.capacity
	q.queued++
	q.count++
	q.stats.Enqueued++
	if q.count > q.stats.MaxCount {
		q.stats.MaxCount = q.count
	}
	q.broadcastLocked()
}

// Enqueue appends item, waiting while the queue is full. When the enqueue
// timeout passes first, the queue is reset: every queued entry moves to the
// discard list, followed by item, and Busy is returned. When ctx ends first,
// item alone is discarded. Only after Close is item left to the caller.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.count < q.capacity {
			q.pushLocked(item)
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.closed {
				return ErrClosed
			}
			q.discardLocked(item)
			q.broadcastLocked()
			return ctx.Err()
		case <-timer.C:
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return ErrClosed
			}
			if q.count < q.capacity {
				q.pushLocked(item)
				q.mu.Unlock()
				return nil
			}
			discarded := q.resetLocked()
			q.discardLocked(item)
			q.mu.Unlock()
			q.logger.Warn("commit queue full, reset", "timeout", q.timeout, "discarded", discarded)
			return coreerrors.Contention(
				fmt.Errorf("%w: no room after %s", ErrBusy, q.timeout),
				coreerrors.CodeBusy,
				"back off and resubmit the job",
				true,
			)
		}
	}
}

func (q *Queue[T]) discardLocked(item T) {
	q.discards = append(q.discards, item)
	q.stats.Discarded++
}

// resetLocked moves every queued entry to the discard list and zeroes the
// ring. The entry being dispatched is not affected, but its Done no longer
// counts against the queue.
func (q *Queue[T]) resetLocked() int {
	var zero T
	discarded := q.queued
	for ; q.queued > 0; q.queued-- {
		q.discardLocked(q.ring[q.read])
		q.ring[q.read] = zero
		q.read = (q.read + 1) % q.capacity
	}
	q.read, q.write, q.count = 0, 0, 0
	q.generation++
	q.stats.Resets++
	q.broadcastLocked()
	return discarded
}

// Dequeue hands out discarded entries first, then the oldest queued entry,
// waiting while there is neither. After Close it keeps handing out what is
// left and returns ErrClosed once nothing is.
func (q *Queue[T]) Dequeue(ctx context.Context) (Item[T], error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.discards) > 0 {
			value := q.discards[0]
			q.discards[0] = zero
			q.discards = q.discards[1:]
			q.retiring++
			q.broadcastLocked()
			q.mu.Unlock()
			return Item[T]{Value: value, Discarded: true}, nil
		}
		if q.queued > 0 {
			value := q.ring[q.read]
			q.ring[q.read] = zero
			q.read = (q.read + 1) % q.capacity
			q.queued--
			item := Item[T]{Value: value, generation: q.generation}
			q.broadcastLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Item[T]{}, ErrClosed
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Item[T]{}, ctx.Err()
		}
	}
}

// Done marks a dequeued item finished and wakes drain waiters.
func (q *Queue[T]) Done(item Item[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Done++
	switch {
	case item.Discarded:
		if q.retiring > 0 {
			q.retiring--
		}
	case item.generation == q.generation && q.count > 0:
		q.count--
	}
	q.broadcastLocked()
}

// DrainWait blocks until the queue has room (DrainAny) or has nothing
// queued, in flight or waiting to be retired (DrainAll).
func (q *Queue[T]) DrainWait(ctx context.Context, mode DrainMode) error {
	for {
		q.mu.Lock()
		var satisfied bool
		switch mode {
		case DrainAny:
			satisfied = q.count < q.capacity
		case DrainAll:
			satisfied = q.count == 0 && len(q.discards) == 0 && q.retiring == 0
		default:
			q.mu.Unlock()
			return fmt.Errorf("unknown drain mode %s", mode)
		}
		changed := q.changed
		q.mu.Unlock()
		if satisfied {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting entries. Queued and discarded entries can still be
// dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Flush removes every entry that was not handed out yet, discarded ones
// first, and zeroes the count. It is meant for a consumer that stopped.
func (q *Queue[T]) Flush() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count > 0 {
		q.resetLocked()
	}
	flushed := q.discards
	q.discards = nil
	q.retiring = 0
	q.broadcastLocked()
	return flushed
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Queue[T]) Capacity() int {
	return q.capacity
}

func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.Capacity = q.capacity
	stats.Count = q.count
	stats.Queued = q.queued
	stats.Generation = q.generation
	return stats
}
