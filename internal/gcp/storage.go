package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// BlobStore wraps a GCS bucket with the streaming upload/read/delete
// operations the services need. All uploads go through writers so content is
// never buffered wholly in memory.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// NewBlobStore creates a BlobStore against the given bucket.
func NewBlobStore(ctx context.Context, bucket string) (*BlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must be provided to create a blob store")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

// Upload returns a streaming writer for the object. The object becomes
// visible only once the writer is closed without error.
func (b *BlobStore) Upload(ctx context.Context, object string) io.WriteCloser {
	return b.client.Bucket(b.bucket).Object(object).NewWriter(ctx)
}

// UploadBytes writes a small payload in one call, for source documents whose
// bytes are already in hand.
func (b *BlobStore) UploadBytes(ctx context.Context, object string, content []byte) error {
	w := b.Upload(ctx, object)
	if _, err := io.Copy(w, bytes.NewReader(content)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write to gs://%s/%s: %w", b.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", b.bucket, object, err)
	}
	return nil
}

// Open returns a streaming reader for the object.
func (b *BlobStore) Open(ctx context.Context, object string) (io.ReadCloser, error) {
	r, err := b.client.Bucket(b.bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", b.bucket, object, err)
	}
	return r, nil
}

// ReadAll fetches the object's full content. Only used for source documents,
// which are capped well below the processing size ceiling.
func (b *BlobStore) ReadAll(ctx context.Context, object string) ([]byte, error) {
	r, err := b.Open(ctx, object)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", b.bucket, object, err)
	}
	return content, nil
}

// Delete removes one object. A missing object is not an error, so rollback
// paths can delete unconditionally.
func (b *BlobStore) Delete(ctx context.Context, object string) error {
	err := b.client.Bucket(b.bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", b.bucket, object, err)
	}
	return nil
}

// DeleteFolder removes every object under the given prefix.
func (b *BlobStore) DeleteFolder(ctx context.Context, prefix string) error {
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		if err := b.Delete(ctx, attrs.Name); err != nil {
			return err
		}
	}
	return nil
}

// ObjectURI renders the canonical gs:// URI for an object in this bucket.
func (b *BlobStore) ObjectURI(object string) string {
	return fmt.Sprintf("gs://%s/%s", b.bucket, object)
}
