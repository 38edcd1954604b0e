package harvester

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-harvest-listings/models"
)

// workerTally is private to one normalizer goroutine until Run merges it.
type workerTally struct {
	emitted int
	failed  int
	dropped int
}

// normalizeWorker drains the queue until it is closed. parent is the caller's
// context; group is cancelled as well when a sibling worker fails. Buffered
// batches are still delivered after caller cancellation, and discarded after a
// sibling's sink failure.
func (h *Harvester) normalizeWorker(parent, group context.Context, queue *ItemQueue, sink Sink, seq *sequencer, tally *workerTally, logger *slog.Logger) error {
	deliverCtx := context.WithoutCancel(parent)
	for {
		batch, ok := queue.Get()
		if !ok {
			return nil
		}
		h.Metrics.SetQueueDepth(queue.Len())

		if group.Err() != nil && parent.Err() == nil {
			tally.dropped += len(batch.Items)
			continue
		}
		if err := h.processBatch(deliverCtx, batch, sink, seq, tally, logger); err != nil {
			return err
		}
	}
}

func (h *Harvester) processBatch(ctx context.Context, batch models.RawItemBatch, sink Sink, seq *sequencer, tally *workerTally, logger *slog.Logger) error {
	var ordered []*models.Listing
	if seq != nil {
		ordered = make([]*models.Listing, 0, len(batch.Items))
	}

	for i, raw := range batch.Items {
		listing, err := h.normalizeItem(raw, batch.Request)
		if err != nil {
			shapeErr := ItemShapeError{Page: batch.Request.Index, Index: i, Err: err}
			tally.failed++
			h.Metrics.IncItemsFailed()
			h.Metrics.IncError(shapeErr.ErrorType())
			logger.Warn("skipping malformed item",
				slog.Int("page", batch.Request.Index),
				slog.Int("index", i),
				slog.Any("error", shapeErr),
			)
			continue
		}

		if seq != nil {
			ordered = append(ordered, listing)
			continue
		}
		if err := sink.Accept(ctx, listing); err != nil {
			// the rest of the batch is never normalized, so it counts as
			// dropped whatever its shape
			tally.dropped += len(batch.Items) - i
			return SinkError{Err: err}
		}
		tally.emitted++
		h.Metrics.AddRecords(1)
	}

	if seq != nil {
		delivered, err := seq.deliver(ctx, batch.Seq, ordered)
		tally.emitted += delivered
		h.Metrics.AddRecords(delivered)
		if err != nil {
			return err
		}
	}

	logger.Debug("batch normalized",
		slog.Int("page", batch.Request.Index),
		slog.Int("items", len(batch.Items)),
	)
	return nil
}

func (h *Harvester) normalizeItem(raw any, req models.PageRequest) (*models.Listing, error) {
	h.Metrics.NormalizeStarted()
	defer h.Metrics.NormalizeDone()
	return h.normalize(raw, req)
}

// sequencer releases batches to the sink strictly in Seq order. Sink writes
// happen under its lock, so they are serialized.
type sequencer struct {
	mu      sync.Mutex
	sink    Sink
	next    uint64
	pending map[uint64][]*models.Listing
	failed  error
}

func newSequencer(sink Sink) *sequencer {
	return &sequencer{
		sink:    sink,
		pending: make(map[uint64][]*models.Listing),
	}
}

// deliver parks a normalized batch and flushes every batch that is now next
// in line. It returns how many listings reached the sink during this call.
func (s *sequencer) deliver(ctx context.Context, seq uint64, listings []*models.Listing) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[seq] = listings
	if s.failed != nil {
		return 0, s.failed
	}

	delivered := 0
	for {
		batch, ok := s.pending[s.next]
		if !ok {
			return delivered, nil
		}
		for i, listing := range batch {
			if err := s.sink.Accept(ctx, listing); err != nil {
				s.pending[s.next] = batch[i:]
				s.failed = SinkError{Err: err}
				return delivered, s.failed
			}
			delivered++
		}
		delete(s.pending, s.next)
		s.next++
	}
}

// undelivered counts listings still parked, e.g. behind a failed batch.
func (s *sequencer) undelivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, batch := range s.pending {
		total += len(batch)
	}
	return total
}
