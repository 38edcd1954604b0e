package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Output formats accepted by OutputFormat.
const (
	FormatCSV      = "csv"
	FormatJSON     = "json"
	FormatDual     = "dual"
	FormatPostgres = "postgres"
	FormatBlob     = "blob"
)

// Config holds harvester configuration.
type Config struct {
	// Search endpoint
	Endpoint          string            `yaml:"endpoint"`
	Method            string            `yaml:"method"`
	Payload           string            `yaml:"payload"`
	PagePath          string            `yaml:"page_path"`
	TokenPath         string            `yaml:"token_path"`
	ResultsPath       string            `yaml:"results_path"`
	Headers           map[string]string `yaml:"headers"`
	InitialToken      int64             `yaml:"initial_token"`
	Timeout           time.Duration     `yaml:"timeout"`
	UserAgent         string            `yaml:"user_agent"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`

	// Harvest loop
	Workers            int             `yaml:"workers"`
	QueueCapacity      int             `yaml:"queue_capacity"`
	MaxRetries         int             `yaml:"max_retries"`
	RetryBackoff       time.Duration   `yaml:"retry_backoff"`
	RetryBackoffMax    time.Duration   `yaml:"retry_backoff_max"`
	RetrySchedule      []time.Duration `yaml:"retry_schedule"`
	EmptyPageThreshold int             `yaml:"empty_page_threshold"`
	MaxPages           int             `yaml:"max_pages"`
	OrderedDelivery    bool            `yaml:"ordered_delivery"`
	RequireID          bool            `yaml:"require_id"`

	// Output
	OutputFile         string `yaml:"output_file"`
	OutputFormat       string `yaml:"output_format"` // csv, json, dual, postgres or blob
	PipelineBufferSize int    `yaml:"pipeline_buffer_size"`
	BatchSize          int    `yaml:"batch_size"`
	DedupeMaxSize      int    `yaml:"dedupe_max_size"`
	PostgresDSN        string `yaml:"postgres_dsn"`
	PostgresTable      string `yaml:"postgres_table"`
	BlobURL            string `yaml:"blob_url"`
	BlobKey            string `yaml:"blob_key"`

	MetricsAddr string `yaml:"metrics_addr"`
	Schedule    string `yaml:"schedule"`
	Verbose     bool   `yaml:"verbose"`
}

// DefaultConfig returns defaults mirroring the reference search loop:
// page 1, request token 3, backoff 1s doubling to 16s.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:    "https://listings.example.com/async-create-search-page-state",
		Method:      "PUT",
		Payload:     "{}",
		PagePath:    "searchQueryState.pagination.currentPage",
		TokenPath:   "requestId",
		ResultsPath: "cat1.searchResults.listResults",
		Headers: map[string]string{
			"Accept":       "*/*",
			"Content-Type": "application/json",
		},
		InitialToken:       3,
		Timeout:            10 * time.Second,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		RequestsPerSecond:  0,
		Workers:            4,
		QueueCapacity:      4,
		MaxRetries:         5,
		RetryBackoff:       time.Second,
		RetryBackoffMax:    16 * time.Second,
		EmptyPageThreshold: 1,
		MaxPages:           0,
		OutputFile:         "output/listings.csv",
		OutputFormat:       FormatCSV,
		PipelineBufferSize: 512,
		BatchSize:          64,
		DedupeMaxSize:      100000,
		PostgresTable:      "listings",
		BlobKey:            "listings.jsonl",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	parsedURL, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("endpoint must include a host")
	}

	switch strings.ToUpper(c.Method) {
	case "POST", "PUT":
	default:
		return fmt.Errorf("method must be POST or PUT")
	}
	if c.ResultsPath == "" {
		return fmt.Errorf("results path cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	for i, d := range c.RetrySchedule {
		if d <= 0 {
			return fmt.Errorf("retry schedule entry %d must be positive", i)
		}
	}
	if c.EmptyPageThreshold <= 0 {
		return fmt.Errorf("empty page threshold must be positive")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}

	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}

	switch c.OutputFormat {
	case FormatCSV, FormatJSON, FormatDual:
		if c.OutputFile == "" {
			return fmt.Errorf("output file cannot be empty")
		}
	case FormatPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres dsn is required for postgres output")
		}
		if c.PostgresTable == "" {
			return fmt.Errorf("postgres table cannot be empty")
		}
	case FormatBlob:
		if c.BlobURL == "" || c.BlobKey == "" {
			return fmt.Errorf("blob url and blob key are required for blob output")
		}
	default:
		return fmt.Errorf("output format must be csv, json, dual, postgres, or blob")
	}

	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}

	return nil
}
