package harvester

import (
	"context"
	"sync"

	"github.com/aluiziolira/go-harvest-listings/models"
)

// ItemQueue is a bounded FIFO of raw batches between the page loop and the
// normalizer workers. Put and Close must be called from a single producer.
type ItemQueue struct {
	ch        chan models.RawItemBatch
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// NewItemQueue returns a queue holding at most capacity batches.
func NewItemQueue(capacity int) *ItemQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ItemQueue{ch: make(chan models.RawItemBatch, capacity)}
}

// Put blocks until the batch is buffered or ctx is done.
func (q *ItemQueue) Put(ctx context.Context, batch models.RawItemBatch) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- batch:
		return nil
	}
}

// Get blocks for the next batch. ok is false once the queue is closed and
// every buffered batch has been handed out.
func (q *ItemQueue) Get() (batch models.RawItemBatch, ok bool) {
	batch, ok = <-q.ch
	return batch, ok
}

// Close signals end-of-stream. Buffered batches remain available to Get.
func (q *ItemQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.ch)
	})
}

// Len reports the number of buffered batches.
func (q *ItemQueue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *ItemQueue) Cap() int {
	return cap(q.ch)
}
