package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment key read by the CLI.
const EnvPrefix = "HARVEST_"

// LoadFile reads a YAML file on top of DefaultConfig. Keys absent from the
// file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)
	return cfg, nil
}

// EnvString returns the trimmed value of HARVEST_<key>, if set.
func EnvString(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return "", false
	}
	return v, true
}

// EnvInt parses HARVEST_<key> as an integer.
func EnvInt(key string) (int, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
	}
	return n, true, nil
}

// EnvDuration parses HARVEST_<key> with time.ParseDuration.
func EnvDuration(key string) (time.Duration, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
	}
	return d, true, nil
}

// ApplyEnv overrides c with any HARVEST_* variables present.
func (c *Config) ApplyEnv() error {
	if v, ok := EnvString("ENDPOINT"); ok {
		c.Endpoint = v
	}
	if v, ok := EnvString("PAYLOAD"); ok {
		c.Payload = v
	}
	if v, ok := EnvString("OUTPUT"); ok {
		c.OutputFile = v
	}
	if v, ok := EnvString("FORMAT"); ok {
		c.OutputFormat = strings.ToLower(v)
	}
	if v, ok := EnvString("PG_DSN"); ok {
		c.PostgresDSN = v
	}
	if v, ok := EnvString("BLOB_URL"); ok {
		c.BlobURL = v
	}
	if v, ok := EnvString("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := EnvString("SCHEDULE"); ok {
		c.Schedule = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"WORKERS", &c.Workers},
		{"QUEUE", &c.QueueCapacity},
		{"MAX_RETRIES", &c.MaxRetries},
		{"EMPTY_PAGES", &c.EmptyPageThreshold},
		{"MAX_PAGES", &c.MaxPages},
	}
	for _, entry := range ints {
		n, ok, err := EnvInt(entry.key)
		if err != nil {
			return err
		}
		if ok {
			*entry.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TIMEOUT", &c.Timeout},
		{"RETRY_BACKOFF", &c.RetryBackoff},
		{"RETRY_BACKOFF_MAX", &c.RetryBackoffMax},
	}
	for _, entry := range durations {
		d, ok, err := EnvDuration(entry.key)
		if err != nil {
			return err
		}
		if ok {
			*entry.dst = d
		}
	}

	return nil
}
