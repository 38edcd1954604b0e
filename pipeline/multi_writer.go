// Package pipeline buffers normalized listings and writes them to CSV, JSONL,
// Postgres or a blob bucket.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-harvest-listings/models"
)

// MultiWriter fans every batch out to several writers in order. The first
// failing writer aborts the batch.
type MultiWriter struct {
	mu      sync.Mutex
	writers []OutputWriter
	names   []string
}

// NewMultiWriter wraps writers; nil entries are ignored.
func NewMultiWriter(writers ...OutputWriter) *MultiWriter {
	mw := &MultiWriter{}
	for _, w := range writers {
		if w == nil {
			continue
		}
		mw.writers = append(mw.writers, w)
		mw.names = append(mw.names, fmt.Sprintf("%T", w))
	}
	return mw
}

// NewDualWriter writes the same listings to a CSV file and a JSONL file.
func NewDualWriter(csvFilename, jsonFilename string) (*MultiWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV writer: %w", err)
	}

	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("failed to create JSON writer: %w", err)
	}

	return NewMultiWriter(csvWriter, jsonWriter), nil
}

func (mw *MultiWriter) Write(listings []*models.Listing) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	for i, w := range mw.writers {
		if err := w.Write(listings); err != nil {
			return fmt.Errorf("%s write: %w", mw.names[i], err)
		}
	}
	return nil
}

// Close closes every writer, even after a failure.
func (mw *MultiWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	var errs []error
	for i, w := range mw.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", mw.names[i], err))
		}
	}
	return errors.Join(errs...)
}

func (mw *MultiWriter) Validate() error {
	if len(mw.writers) == 0 {
		return errors.New("no writers configured")
	}
	var errs []error
	for i, w := range mw.writers {
		if err := w.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s validate: %w", mw.names[i], err))
		}
	}
	return errors.Join(errs...)
}
