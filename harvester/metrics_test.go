package harvester

import (
	"context"
	"errors"
	"testing"

	"github.com/aluiziolira/go-harvest-listings/config"
	"github.com/aluiziolira/go-harvest-listings/models"
)

// metricValue returns the counter or gauge value of name, matching labels
// when given.
func metricValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want == pair.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestMetricsRecordHarvest(t *testing.T) {
	metrics := NewMetrics()
	h, _ := newTestHarvester(t, func(cfg *config.Config) {
		cfg.EmptyPageThreshold = 2
		cfg.MaxRetries = 1
	}, WithMetrics(metrics))
	fetcher := newRecordingFetcher(func(req models.PageRequest, _ int) ([]any, error) {
		switch req.Index {
		case 1, 3:
			return append(buildItems(req.Index, 2), "not a listing"), nil
		case 2:
			return nil, Transient(errors.New("503 service unavailable"))
		default:
			return nil, nil
		}
	})

	if _, err := h.Run(context.Background(), fetcher, &collectingSink{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"harvest_fetch_attempts_total", nil, 6},
		{"harvest_retries_total", nil, 1},
		{"harvest_records_emitted_total", nil, 4},
		{"harvest_items_failed_total", nil, 2},
		{"harvest_pages_total", map[string]string{"outcome": "ok"}, 2},
		{"harvest_pages_total", map[string]string{"outcome": "failed"}, 1},
		{"harvest_pages_total", map[string]string{"outcome": "empty"}, 2},
		{"harvest_errors_total", map[string]string{"error_type": "other"}, 2},
		{"harvest_errors_total", map[string]string{"error_type": "item_shape"}, 2},
		{"harvest_queue_depth", nil, 0},
		{"harvest_normalizers_in_flight", nil, 0},
	}
	for _, tt := range tests {
		if got := metricValue(t, metrics, tt.name, tt.labels); got != tt.want {
			t.Fatalf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.IncAttempt()
	m.ObserveDuration(0)
	m.IncPage("ok")
	m.IncRetries()
	m.AddRecords(3)
	m.IncItemsFailed()
	m.IncError("timeout")
	m.SetQueueDepth(2)
	m.NormalizeStarted()
	m.NormalizeDone()
}
