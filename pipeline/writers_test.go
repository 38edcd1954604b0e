package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-harvest-listings/models"
	"github.com/google/go-cmp/cmp"
)

func sampleListing() *models.Listing {
	return &models.Listing{
		ID:             "2077123",
		Address:        strPtr("12 Main St, Brooklyn, NY 11201"),
		AddressCity:    strPtr("Brooklyn"),
		AddressState:   strPtr("NY"),
		AddressStreet:  strPtr("12 Main St"),
		AddressZipcode: strPtr("11201"),
		Page:           3,
		ScrapedAt:      time.Date(2025, 11, 4, 13, 9, 13, 0, time.UTC),
	}
}

func TestCSVWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "listings.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Validate(); err == nil {
		t.Fatalf("expected validation error before any record")
	}

	sparse := &models.Listing{ID: "9", Page: 1, ScrapedAt: time.Date(2025, 11, 4, 13, 9, 13, 0, time.UTC)}
	if err := writer.Write([]*models.Listing{sampleListing(), sparse}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate after close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	want := [][]string{
		{"id", "address", "address_city", "address_state", "address_street", "address_zipcode", "page", "scraped_at"},
		{"2077123", "12 Main St, Brooklyn, NY 11201", "Brooklyn", "NY", "12 Main St", "11201", "3", "2025-11-04T13:09:13Z"},
		{"9", "", "", "", "", "", "1", "2025-11-04T13:09:13Z"},
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Fatalf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "listings.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}

	sparse := &models.Listing{ID: "9", Page: 1}
	if err := writer.Write([]*models.Listing{sampleListing(), sparse}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []map[string]any
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		lines = append(lines, decoded)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("json lines=%d, want 2", len(lines))
	}
	if lines[0]["address_city"] != "Brooklyn" || lines[0]["page"] != float64(3) {
		t.Fatalf("unexpected first line: %v", lines[0])
	}
	city, present := lines[1]["address_city"]
	if !present || city != nil {
		t.Fatalf("missing field should encode as null, got %v (present=%v)", city, present)
	}
}

func TestDualWriterWrite(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "listings.csv")
	jsonPath := filepath.Join(dir, "out", "listings.jsonl")

	writer, err := NewDualWriter(csvPath, jsonPath)
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}

	if err := writer.Write([]*models.Listing{sampleListing()}); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}

	if info, err := os.Stat(csvPath); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(jsonPath); err != nil || info.Size() == 0 {
		t.Fatalf("json file missing or empty")
	}
}

func TestMultiWriterFanout(t *testing.T) {
	first := &mockWriter{}
	failing := &mockWriter{writeErr: errors.New("disk full"), validateErr: errors.New("empty")}
	last := &mockWriter{}

	writer := NewMultiWriter(first, nil, failing, last)
	if err := writer.Write([]*models.Listing{sampleListing()}); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected write error, got %v", err)
	}
	if first.totalWritten() != 1 || last.totalWritten() != 0 {
		t.Fatalf("writes = %d/%d, want 1/0", first.totalWritten(), last.totalWritten())
	}
	if err := writer.Validate(); err == nil {
		t.Fatalf("expected validation error from failing writer")
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !first.closed || !failing.closed || !last.closed {
		t.Fatalf("every writer should be closed")
	}

	if err := NewMultiWriter().Validate(); err == nil {
		t.Fatalf("expected empty multi writer to fail validation")
	}
}
