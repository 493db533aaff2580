// ABOUTME: Bounded emission queue run by a single worker goroutine per sink
// ABOUTME: Push blocks when full (backpressure); Drain waits for the queue to go idle
package output

import (
	"context"
	"sync"
)

// Chunk is one unit of converted audio waiting for emission
type Chunk struct {
	Data   []byte
	Frames int
}

// Handler emits a chunk. It runs on the queue's worker goroutine.
type Handler func(ctx context.Context, c Chunk) error

// Queue serializes chunks onto a handler. A handler error is sticky:
// later pushes and drains return it.
type Queue struct {
	items  chan Chunk
	handle Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	pending int
	waiters []chan struct{}
	err     error
}

// NewQueue starts a worker consuming up to capacity queued chunks
func NewQueue(capacity int, handle Handler) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		items:  make(chan Chunk, capacity),
		handle: handle,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case c := <-q.items:
			err := q.handle(q.ctx, c)
			q.complete(err)
		}
	}
}

func (q *Queue) complete(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil && q.err == nil && q.ctx.Err() == nil {
		q.err = err
	}
	q.pending--
	if q.pending == 0 {
		for _, w := range q.waiters {
			close(w)
		}
		q.waiters = nil
	}
}

// Push enqueues a chunk, blocking while the queue is full
func (q *Queue) Push(ctx context.Context, c Chunk) error {
	q.mu.Lock()
	if q.err != nil {
		err := q.err
		q.mu.Unlock()
		return err
	}
	select {
	case <-q.done:
		q.mu.Unlock()
		return ErrNotOpen
	default:
	}
	q.pending++
	q.mu.Unlock()

	select {
	case q.items <- c:
		return nil
	case <-q.done:
		q.complete(nil)
		return ErrNotOpen
	case <-ctx.Done():
		q.complete(nil)
		return ctx.Err()
	}
}

// TryPush enqueues a chunk without blocking. It reports false, and keeps
// nothing, when the queue is full.
func (q *Queue) TryPush(c Chunk) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	select {
	case <-q.done:
		return false, ErrNotOpen
	default:
	}
	q.pending++
	select {
	case q.items <- c:
		return true, nil
	default:
		q.pending--
		return false, nil
	}
}

// Drain waits until every pushed chunk has been handled
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.pending == 0 {
		err := q.err
		q.mu.Unlock()
		return err
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w:
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.err
	case <-q.done:
		return ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker and discards anything still queued. Idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.cancel()
		close(q.done)
	})
	q.wg.Wait()
}

// Len returns the number of chunks waiting in the queue
func (q *Queue) Len() int { return len(q.items) }

// Cap returns the queue capacity in chunks
func (q *Queue) Cap() int { return cap(q.items) }

// Fill returns the queue occupancy in [0,1]
func (q *Queue) Fill() float64 {
	return float64(len(q.items)) / float64(cap(q.items))
}

// Err returns the sticky handler error, if any
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
