package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-harvest-listings/models"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// BlobWriter streams listings as JSONL into one object of a gocloud bucket.
// The object becomes visible when Close commits the upload.
type BlobWriter struct {
	bucket     *blob.Bucket
	ownsBucket bool
	key        string

	mu      sync.Mutex
	w       *blob.Writer
	encoder *json.Encoder
	rows    int
	closed  bool
}

// NewBlobWriter opens the bucket at bucketURL (file://, mem://, s3://, gs://
// when the driver is linked) and starts writing key.
func NewBlobWriter(ctx context.Context, bucketURL, key string) (*BlobWriter, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucketURL, err)
	}
	bw, err := newBlobWriter(ctx, bucket, key)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	bw.ownsBucket = true
	return bw, nil
}

func newBlobWriter(ctx context.Context, bucket *blob.Bucket, key string) (*BlobWriter, error) {
	if key == "" {
		return nil, errors.New("blob key cannot be empty")
	}
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return nil, fmt.Errorf("open blob writer %q: %w", key, err)
	}
	return &BlobWriter{
		bucket:  bucket,
		key:     key,
		w:       w,
		encoder: json.NewEncoder(w),
	}, nil
}

// Write appends listings to the object.
func (bw *BlobWriter) Write(listings []*models.Listing) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrPipelineClosed
	}
	for _, listing := range listings {
		if err := bw.encoder.Encode(listing); err != nil {
			return fmt.Errorf("encode blob record: %w", err)
		}
		bw.rows++
	}
	return nil
}

// Close commits the object and releases the bucket if this writer opened it.
func (bw *BlobWriter) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return nil
	}
	bw.closed = true

	var errs []error
	if err := bw.w.Close(); err != nil {
		errs = append(errs, fmt.Errorf("commit blob %q: %w", bw.key, err))
	}
	if bw.ownsBucket {
		if err := bw.bucket.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Validate fails when nothing was written.
func (bw *BlobWriter) Validate() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.rows == 0 {
		return fmt.Errorf("blob %q has no records", bw.key)
	}
	return nil
}
