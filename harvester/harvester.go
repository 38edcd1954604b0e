package harvester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-harvest-listings/config"
	"github.com/aluiziolira/go-harvest-listings/models"
	"github.com/aluiziolira/go-harvest-listings/parser"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PageFetcher retrieves the raw items of one search results page.
// Implementations classify failures with Transient, Permanent or ErrNoResults.
type PageFetcher interface {
	FetchPage(ctx context.Context, req models.PageRequest) ([]any, error)
}

// FetchFunc adapts a function to PageFetcher.
type FetchFunc func(ctx context.Context, req models.PageRequest) ([]any, error)

// FetchPage calls f.
func (f FetchFunc) FetchPage(ctx context.Context, req models.PageRequest) ([]any, error) {
	return f(ctx, req)
}

// Sink receives normalized listings. Unless ordered delivery is enabled,
// Accept is called from several goroutines at once.
type Sink interface {
	Accept(ctx context.Context, listing *models.Listing) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, listing *models.Listing) error

// Accept calls f.
func (f SinkFunc) Accept(ctx context.Context, listing *models.Listing) error {
	return f(ctx, listing)
}

// NormalizeFunc turns one raw item into a listing.
type NormalizeFunc func(raw any, req models.PageRequest) (*models.Listing, error)

// Harvester pages through a search endpoint and streams normalized listings.
type Harvester struct {
	cfg       *config.Config
	backoff   Backoff
	normalize NormalizeFunc
	logger    *slog.Logger
	Metrics   *Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Harvester.
type Option func(*Harvester)

// WithLogger sets the logger used for run events.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harvester) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics shares a metrics bundle, e.g. with the page fetcher.
func WithMetrics(m *Metrics) Option {
	return func(h *Harvester) {
		h.Metrics = m
	}
}

// WithNormalizer replaces parser.NormalizeListing.
func WithNormalizer(fn NormalizeFunc) Option {
	return func(h *Harvester) {
		if fn != nil {
			h.normalize = fn
		}
	}
}

// New builds a harvester configured from cfg.
func New(cfg *config.Config, opts ...Option) (*Harvester, error) {
	if cfg == nil {
		return nil, errors.New("harvester: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	schedule := cfg.RetrySchedule
	if len(schedule) == 0 {
		schedule = ExponentialSchedule(cfg.RetryBackoff, cfg.RetryBackoffMax)
	}

	h := &Harvester{
		cfg:       cfg,
		backoff:   NewBackoff(schedule),
		normalize: parser.NormalizeListing,
		logger:    slog.Default(),
		Metrics:   NewMetrics(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(h)
	}

	if cfg.RequireID {
		base := h.normalize
		h.normalize = func(raw any, req models.PageRequest) (*models.Listing, error) {
			listing, err := base(raw, req)
			if err != nil {
				return nil, err
			}
			if err := parser.ValidateListing(listing); err != nil {
				return nil, err
			}
			return listing, nil
		}
	}
	return h, nil
}

// Backoff returns the retry schedule in use.
func (h *Harvester) Backoff() Backoff {
	return h.backoff
}

// harvestState is owned by the page loop goroutine.
type harvestState struct {
	page     int
	token    int64
	seq      uint64
	emptyRun int
	summary  *models.HarvestSummary
}

// Run harvests until the empty-page threshold, the page ceiling, a sink
// failure or ctx cancellation. The summary is always returned. The error is
// ctx.Err() after cancellation and a SinkError after a sink failure.
func (h *Harvester) Run(ctx context.Context, fetcher PageFetcher, sink Sink) (*models.HarvestSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if fetcher == nil || sink == nil {
		return nil, errors.New("harvester: fetcher and sink are required")
	}

	runID := uuid.NewString()
	logger := h.logger.With(slog.String("run_id", runID))
	start := time.Now()

	st := &harvestState{
		page:  1,
		token: h.cfg.InitialToken,
		summary: &models.HarvestSummary{
			RunID:        runID,
			StartTime:    start,
			ErrorsByType: make(map[string]int),
		},
	}

	logger.Info("harvest starting",
		slog.Int("workers", h.cfg.Workers),
		slog.Int("queue_capacity", h.cfg.QueueCapacity),
		slog.Int("max_retries", h.cfg.MaxRetries),
		slog.Int("empty_page_threshold", h.cfg.EmptyPageThreshold),
		slog.Int("max_pages", h.cfg.MaxPages),
		slog.Bool("ordered", h.cfg.OrderedDelivery),
	)

	queue := NewItemQueue(h.cfg.QueueCapacity)
	var seq *sequencer
	if h.cfg.OrderedDelivery {
		seq = newSequencer(sink)
	}

	group, gctx := errgroup.WithContext(ctx)
	tallies := make([]workerTally, h.cfg.Workers)
	for i := range tallies {
		tally := &tallies[i]
		group.Go(func() error {
			return h.normalizeWorker(ctx, gctx, queue, sink, seq, tally, logger)
		})
	}

	st.summary.StopReason = h.produce(gctx, fetcher, queue, st, logger)
	queue.Close()
	workerErr := group.Wait()

	summary := st.summary
	// every worker may have returned on a sink failure, leaving batches behind
	for batch, ok := queue.Get(); ok; batch, ok = queue.Get() {
		summary.ItemsDropped += len(batch.Items)
	}
	h.Metrics.SetQueueDepth(0)

	for _, tally := range tallies {
		summary.RecordsEmitted += tally.emitted
		summary.ItemsFailed += tally.failed
		summary.ItemsDropped += tally.dropped
	}
	if seq != nil {
		summary.ItemsDropped += seq.undelivered()
	}
	if summary.ItemsFailed > 0 {
		summary.ErrorsByType[ItemShapeError{}.ErrorType()] += summary.ItemsFailed
	}
	summary.EndTime = time.Now()
	summary.Elapsed = summary.EndTime.Sub(start)

	attrs := []any{
		slog.Int("pages_fetched", summary.PagesFetched),
		slog.Int("pages_failed", summary.PagesFailed),
		slog.Int("records", summary.RecordsEmitted),
		slog.Int("items_failed", summary.ItemsFailed),
		slog.Int("items_dropped", summary.ItemsDropped),
		slog.Duration("elapsed", summary.Elapsed),
	}

	var sinkErr SinkError
	switch {
	case errors.As(workerErr, &sinkErr):
		summary.StopReason = models.StopSinkError
		logger.Error("harvest aborted by sink failure", append(attrs, slog.Any("error", workerErr))...)
		return summary, workerErr
	case workerErr != nil:
		logger.Error("harvest worker failed", append(attrs, slog.Any("error", workerErr))...)
		return summary, workerErr
	case summary.StopReason == models.StopCancelled:
		logger.Warn("harvest cancelled", attrs...)
		return summary, ctx.Err()
	}

	logger.Info("harvest complete", append(attrs, slog.String("stop_reason", summary.StopReason))...)
	return summary, nil
}

// produce is the page loop. It returns the stop reason.
func (h *Harvester) produce(ctx context.Context, fetcher PageFetcher, queue *ItemQueue, st *harvestState, logger *slog.Logger) string {
	for {
		if ctx.Err() != nil {
			return models.StopCancelled
		}
		if h.cfg.MaxPages > 0 && st.page > h.cfg.MaxPages {
			logger.Info("page ceiling reached", slog.Int("max_pages", h.cfg.MaxPages))
			return models.StopMaxPages
		}

		req := models.PageRequest{Index: st.page, Token: st.token}
		st.summary.LastPage = req.Index
		items, err := h.fetchPage(ctx, fetcher, req, st, logger)

		switch {
		case err != nil && ctx.Err() != nil:
			return models.StopCancelled
		case err != nil:
			category := ErrorLabel(err)
			st.summary.PagesFailed++
			st.summary.FailedPages = append(st.summary.FailedPages, req.Index)
			st.summary.ErrorsByType[category]++
			st.emptyRun++
			h.Metrics.IncPage("failed")
			logger.Error("page failed",
				slog.Int("page", req.Index),
				slog.Int64("token", req.Token),
				slog.String("category", category),
				slog.Any("error", err),
			)
		case len(items) == 0:
			st.summary.PagesFetched++
			st.emptyRun++
			h.Metrics.IncPage("empty")
			logger.Info("page returned no results", slog.Int("page", req.Index))
		default:
			st.summary.PagesFetched++
			h.Metrics.IncPage("ok")
			batch := models.RawItemBatch{Seq: st.seq, Request: req, Items: items}
			if err := queue.Put(ctx, batch); err != nil {
				st.summary.ItemsDropped += len(items)
				return models.StopCancelled
			}
			st.seq++
			st.emptyRun = 0
			h.Metrics.SetQueueDepth(queue.Len())
			logger.Debug("page queued",
				slog.Int("page", req.Index),
				slog.Int("items", len(items)),
				slog.Int("queue_depth", queue.Len()),
			)
		}

		if st.emptyRun >= h.cfg.EmptyPageThreshold {
			logger.Info("empty page threshold reached",
				slog.Int("page", req.Index),
				slog.Int("consecutive_empty", st.emptyRun),
			)
			return models.StopEmptyPages
		}
		st.page++
		st.token++
	}
}

// fetchPage runs the retry loop for one page. ErrNoResults is reported as an
// empty page.
func (h *Harvester) fetchPage(ctx context.Context, fetcher PageFetcher, req models.PageRequest, st *harvestState, logger *slog.Logger) ([]any, error) {
	for attempt := 0; ; attempt++ {
		st.summary.Attempts++
		items, err := h.attempt(ctx, fetcher, req)
		if err == nil {
			return items, nil
		}
		if errors.Is(err, ErrNoResults) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		category := ErrorLabel(err)
		h.Metrics.IncError(category)
		if !IsRetryable(err) {
			return nil, fmt.Errorf("page %d: %w", req.Index, err)
		}
		if attempt >= h.cfg.MaxRetries {
			return nil, fmt.Errorf("page %d: %w after %d attempts: %w", req.Index, ErrRetriesExhausted, attempt+1, err)
		}

		delay := h.backoff.DelayFor(attempt)
		st.summary.Retries++
		h.Metrics.IncRetries()
		logger.Warn("page fetch failed, retrying",
			slog.Int("page", req.Index),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("category", category),
			slog.Any("error", err),
		)
		if err := h.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (h *Harvester) attempt(ctx context.Context, fetcher PageFetcher, req models.PageRequest) ([]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	h.Metrics.IncAttempt()
	start := time.Now()
	items, err := fetcher.FetchPage(attemptCtx, req)
	h.Metrics.ObserveDuration(time.Since(start))
	return items, err
}
