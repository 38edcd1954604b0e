// Package models defines data structures for the harvester.
package models

import "time"

// PageRequest identifies one page fetch. It is immutable once issued.
type PageRequest struct {
	Index int
	Token int64
}

// RawItemBatch holds the undecoded items returned by one successful page fetch.
type RawItemBatch struct {
	Seq     uint64
	Request PageRequest
	Items   []any
}

// Listing is a normalized search result. Optional fields are nil when the
// source item did not carry them.
type Listing struct {
	ID             string    `csv:"id" json:"id"`
	Address        *string   `csv:"address" json:"address"`
	AddressCity    *string   `csv:"address_city" json:"address_city"`
	AddressState   *string   `csv:"address_state" json:"address_state"`
	AddressStreet  *string   `csv:"address_street" json:"address_street"`
	AddressZipcode *string   `csv:"address_zipcode" json:"address_zipcode"`
	Page           int       `csv:"page" json:"page"`
	ScrapedAt      time.Time `csv:"scraped_at" json:"scraped_at"`
}

// Stop reasons reported in HarvestSummary.
const (
	StopEmptyPages = "empty_pages"
	StopMaxPages   = "max_pages"
	StopCancelled  = "cancelled"
	StopSinkError  = "sink_error"
)

// HarvestSummary holds the overall result of a harvest run.
type HarvestSummary struct {
	RunID          string
	StartTime      time.Time
	EndTime        time.Time
	Elapsed        time.Duration
	PagesFetched   int
	PagesFailed    int
	FailedPages    []int
	RecordsEmitted int
	ItemsFailed    int
	ItemsDropped   int
	Attempts       int
	Retries        int
	LastPage       int
	StopReason     string
	ErrorsByType   map[string]int
}

// RecordsPerSecond reports throughput over the elapsed wall time.
func (s *HarvestSummary) RecordsPerSecond() float64 {
	if s == nil || s.Elapsed <= 0 {
		return 0
	}
	return float64(s.RecordsEmitted) / s.Elapsed.Seconds()
}

// StringValue dereferences an optional field, returning "" for nil.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
