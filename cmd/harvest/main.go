package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-harvest-listings/config"
	"github.com/aluiziolira/go-harvest-listings/harvester"
	"github.com/aluiziolira/go-harvest-listings/models"
	"github.com/aluiziolira/go-harvest-listings/pipeline"
	"github.com/aluiziolira/go-harvest-listings/scraper"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func main() {
	_ = godotenv.Load()

	defaults := config.DefaultConfig()
	flags := *defaults

	configPath := flag.String("config", "", "YAML config file; flags and HARVEST_* env override it")
	flag.StringVar(&flags.Endpoint, "endpoint", defaults.Endpoint, "Search endpoint URL")
	flag.StringVar(&flags.Method, "method", defaults.Method, "HTTP method: PUT or POST")
	flag.StringVar(&flags.Payload, "payload", defaults.Payload, "Base JSON request body")
	flag.StringVar(&flags.PagePath, "page-path", defaults.PagePath, "JSON path of the page index in the request body")
	flag.StringVar(&flags.TokenPath, "token-path", defaults.TokenPath, "JSON path of the request token in the request body")
	flag.StringVar(&flags.ResultsPath, "results-path", defaults.ResultsPath, "JSON path of the results array in the response")
	flag.Int64Var(&flags.InitialToken, "initial-token", defaults.InitialToken, "Request token sent with page 1")
	flag.IntVar(&flags.Workers, "workers", defaults.Workers, "Number of normalizer workers")
	flag.IntVar(&flags.QueueCapacity, "queue", defaults.QueueCapacity, "Raw page batches buffered between fetcher and workers")
	flag.IntVar(&flags.MaxRetries, "max-retries", defaults.MaxRetries, "Maximum retry attempts per page")
	flag.DurationVar(&flags.RetryBackoff, "retry-backoff", defaults.RetryBackoff, "Initial retry backoff")
	flag.DurationVar(&flags.RetryBackoffMax, "retry-backoff-max", defaults.RetryBackoffMax, "Maximum retry backoff")
	flag.IntVar(&flags.EmptyPageThreshold, "empty-pages", defaults.EmptyPageThreshold, "Consecutive empty or failed pages that end the harvest")
	flag.IntVar(&flags.MaxPages, "max-pages", defaults.MaxPages, "Hard page ceiling (0 = none)")
	flag.DurationVar(&flags.Timeout, "timeout", defaults.Timeout, "Per-attempt request timeout")
	flag.Float64Var(&flags.RequestsPerSecond, "rps", defaults.RequestsPerSecond, "Client-side request rate limit (0 = off)")
	flag.BoolVar(&flags.OrderedDelivery, "ordered", defaults.OrderedDelivery, "Deliver listings in page order")
	flag.BoolVar(&flags.RequireID, "require-id", defaults.RequireID, "Skip listings without an id")
	flag.StringVar(&flags.OutputFile, "output", defaults.OutputFile, "Output file path")
	flag.StringVar(&flags.OutputFormat, "format", defaults.OutputFormat, "Output format: csv, json, dual, postgres, or blob")
	flag.StringVar(&flags.PostgresDSN, "pg-dsn", defaults.PostgresDSN, "Postgres connection string")
	flag.StringVar(&flags.PostgresTable, "pg-table", defaults.PostgresTable, "Postgres table name")
	flag.StringVar(&flags.BlobURL, "blob-url", defaults.BlobURL, "Bucket URL (file://, mem://, s3://, gs://)")
	flag.StringVar(&flags.BlobKey, "blob-key", defaults.BlobKey, "Object key for blob output")
	flag.StringVar(&flags.MetricsAddr, "metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flag.StringVar(&flags.Schedule, "schedule", defaults.Schedule, "Cron expression; rerun the harvest until interrupted")
	flag.BoolVar(&flags.Verbose, "v", defaults.Verbose, "Enable verbose logging")

	flag.Parse()

	cfg, err := loadConfig(*configPath, &flags)

	logger, level := newLogger(flags.Verbose || (cfg != nil && cfg.Verbose))
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, draining buffered pages")
	}()

	metrics := harvester.NewMetrics()
	metricsServer := startMetricsServer(cfg.MetricsAddr, metrics)
	defer shutdownMetricsServer(metricsServer)

	if cfg.Schedule != "" {
		if err := runScheduled(ctx, cfg, metrics); err != nil {
			slog.Error("scheduler failed", slog.Any("error", err))
			shutdownMetricsServer(metricsServer)
			os.Exit(1)
		}
		return
	}

	summary, stats, err := runOnce(ctx, cfg, metrics)
	if summary != nil {
		printSummary(summary, stats, outputTarget(cfg))
	}
	if err != nil {
		slog.Error("harvest failed", slog.Any("error", err))
		shutdownMetricsServer(metricsServer)
		os.Exit(1)
	}
}

// loadConfig layers the YAML file, HARVEST_* env and explicitly set flags.
func loadConfig(path string, flags *config.Config) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		applyFlag(cfg, flags, f.Name)
	})
	cfg.Method = strings.ToUpper(cfg.Method)
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlag(cfg, flags *config.Config, name string) {
	switch name {
	case "endpoint":
		cfg.Endpoint = flags.Endpoint
	case "method":
		cfg.Method = flags.Method
	case "payload":
		cfg.Payload = flags.Payload
	case "page-path":
		cfg.PagePath = flags.PagePath
	case "token-path":
		cfg.TokenPath = flags.TokenPath
	case "results-path":
		cfg.ResultsPath = flags.ResultsPath
	case "initial-token":
		cfg.InitialToken = flags.InitialToken
	case "workers":
		cfg.Workers = flags.Workers
	case "queue":
		cfg.QueueCapacity = flags.QueueCapacity
	case "max-retries":
		cfg.MaxRetries = flags.MaxRetries
	case "retry-backoff":
		cfg.RetryBackoff = flags.RetryBackoff
	case "retry-backoff-max":
		cfg.RetryBackoffMax = flags.RetryBackoffMax
	case "empty-pages":
		cfg.EmptyPageThreshold = flags.EmptyPageThreshold
	case "max-pages":
		cfg.MaxPages = flags.MaxPages
	case "timeout":
		cfg.Timeout = flags.Timeout
	case "rps":
		cfg.RequestsPerSecond = flags.RequestsPerSecond
	case "ordered":
		cfg.OrderedDelivery = flags.OrderedDelivery
	case "require-id":
		cfg.RequireID = flags.RequireID
	case "output":
		cfg.OutputFile = flags.OutputFile
	case "format":
		cfg.OutputFormat = flags.OutputFormat
	case "pg-dsn":
		cfg.PostgresDSN = flags.PostgresDSN
	case "pg-table":
		cfg.PostgresTable = flags.PostgresTable
	case "blob-url":
		cfg.BlobURL = flags.BlobURL
	case "blob-key":
		cfg.BlobKey = flags.BlobKey
	case "metrics-addr":
		cfg.MetricsAddr = flags.MetricsAddr
	case "schedule":
		cfg.Schedule = flags.Schedule
	case "v":
		cfg.Verbose = flags.Verbose
	}
}

// runOnce performs one harvest into a fresh writer.
func runOnce(ctx context.Context, cfg *config.Config, metrics *harvester.Metrics) (*models.HarvestSummary, map[string]interface{}, error) {
	slog.Info("starting harvest",
		slog.String("endpoint", cfg.Endpoint),
		slog.Int("workers", cfg.Workers),
		slog.Int("max_pages", cfg.MaxPages),
		slog.String("format", cfg.OutputFormat),
	)

	client, err := scraper.NewSearchClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising search client: %w", err)
	}

	// the writer outlives a cancelled ctx so buffered listings still land
	writer, err := createWriter(context.WithoutCancel(ctx), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	h, err := harvester.New(cfg, harvester.WithLogger(slog.Default()), harvester.WithMetrics(metrics))
	if err != nil {
		return nil, nil, err
	}
	slog.Debug("retry schedule", slog.Any("backoff", h.Backoff().Schedule()))

	pipelineWorkers := cfg.Workers
	if cfg.OrderedDelivery {
		pipelineWorkers = 1
	}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(pipelineWorkers)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	summary, runErr := h.Run(ctx, client, p)
	closeErr := p.Close()
	stats := p.GetMetrics()

	cancelled := errors.Is(runErr, context.Canceled)
	switch {
	case runErr != nil && !cancelled:
		return summary, stats, fmt.Errorf("harvest: %w", runErr)
	case closeErr != nil:
		return summary, stats, fmt.Errorf("pipeline shutdown: %w", closeErr)
	case cancelled:
		return summary, stats, nil
	}

	if !needsOutputValidation(summary) {
		slog.Info("no listings found, skipping output validation")
		return summary, stats, nil
	}
	if err := writer.Validate(); err != nil {
		return summary, stats, fmt.Errorf("output validation: %w", err)
	}
	return summary, stats, nil
}

// needsOutputValidation is false for a run that ended normally on empty pages
// without finding anything; an empty output is the correct result there.
func needsOutputValidation(summary *models.HarvestSummary) bool {
	if summary == nil {
		return true
	}
	return summary.RecordsEmitted > 0 || summary.StopReason != models.StopEmptyPages
}

// runScheduled repeats runOnce on cfg.Schedule until ctx is cancelled.
// Overlapping runs are skipped.
func runScheduled(ctx context.Context, cfg *config.Config, metrics *harvester.Metrics) error {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(cfg.Schedule, func() {
		summary, stats, err := runOnce(ctx, cfg, metrics)
		if summary != nil {
			printSummary(summary, stats, outputTarget(cfg))
		}
		if err != nil {
			slog.Error("scheduled harvest failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}

	scheduler.Start()
	slog.Info("harvest scheduled", slog.String("schedule", cfg.Schedule))

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

func createWriter(ctx context.Context, cfg *config.Config) (pipeline.OutputWriter, error) {
	switch cfg.OutputFormat {
	case config.FormatJSON:
		return pipeline.NewJSONWriter(cfg.OutputFile)
	case config.FormatCSV:
		return pipeline.NewCSVWriter(cfg.OutputFile)
	case config.FormatDual:
		jsonFilename := strings.TrimSuffix(cfg.OutputFile, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(cfg.OutputFile, jsonFilename)
	case config.FormatPostgres:
		return pipeline.NewPostgresWriter(ctx, cfg.PostgresDSN, cfg.PostgresTable)
	case config.FormatBlob:
		return pipeline.NewBlobWriter(ctx, cfg.BlobURL, cfg.BlobKey)
	default:
		return nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
	}
}

func outputTarget(cfg *config.Config) string {
	switch cfg.OutputFormat {
	case config.FormatPostgres:
		return "postgres table " + cfg.PostgresTable
	case config.FormatBlob:
		return strings.TrimSuffix(cfg.BlobURL, "/") + "/" + cfg.BlobKey
	default:
		return cfg.OutputFile
	}
}

func startMetricsServer(addr string, metrics *harvester.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func shutdownMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func printSummary(summary *models.HarvestSummary, metrics map[string]interface{}, output string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	if summary.StopReason == models.StopEmptyPages || summary.StopReason == models.StopMaxPages {
		fmt.Println("Harvest complete")
	} else {
		fmt.Printf("Harvest stopped (%s)\n", summary.StopReason)
	}

	fmt.Printf("  Run ID:        %s\n", summary.RunID)
	fmt.Printf("  Records:       %d\n", summary.RecordsEmitted)
	if written, ok := metrics["processed_listings"].(int64); ok {
		fmt.Printf("  Written:       %d\n", written)
	}
	fmt.Printf("  Pages:         %d fetched, %d failed (last page %d)\n", summary.PagesFetched, summary.PagesFailed, summary.LastPage)
	if len(summary.FailedPages) > 0 {
		fmt.Printf("  Failed pages:  %v\n", summary.FailedPages)
	}
	fmt.Printf("  Items failed:  %d\n", summary.ItemsFailed)
	if summary.ItemsDropped > 0 {
		fmt.Printf("  Items dropped: %d\n", summary.ItemsDropped)
	}
	fmt.Printf("  Attempts:      %d\n", summary.Attempts)
	fmt.Printf("  Retries:       %d\n", summary.Retries)
	if len(summary.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %s\n", formatCounts(summary.ErrorsByType))
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %s\n", formatCounts(valErrors))
	}
	fmt.Printf("  Duration:      %v\n", summary.Elapsed.Round(time.Millisecond))
	fmt.Printf("  Records/sec:   %.2f\n", summary.RecordsPerSecond())
	fmt.Printf("  Output:        %s\n", output)
	fmt.Println(separator)
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
