// Package services holds the batch lifecycle engine: batch coordination,
// per-file processing, exactly-once completion detection, result
// consolidation, and webhook dispatch. GCP adapters satisfy the interfaces
// below; tests swap in in-memory fakes.
package services

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/invoxa/invoiceflow/internal/models"
)

// RecordStore is the durable record store for batches, files, templates, and
// webhook state. IncrementCounters must be indivisible at the storage layer;
// everything else is plain CRUD and paging.
type RecordStore interface {
	CreateBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	TransitionBatch(ctx context.Context, id string, from, to models.BatchStatus) error
	AddBatchFiles(ctx context.Context, id string, count int) error
	SetBatchStatus(ctx context.Context, id string, st models.BatchStatus) error
	SetBatchResultPath(ctx context.Context, id string, format models.OutputFormat, path string) error
	IncrementCounters(ctx context.Context, batchID string, fileFailed bool) (processed, failed, total int, err error)

	GetTemplate(ctx context.Context, id string) (*models.Template, error)

	CreateFile(ctx context.Context, file *models.FileRecord) error
	DeleteFile(ctx context.Context, id string) error
	GetFile(ctx context.Context, id string) (*models.FileRecord, error)
	MarkFileProcessing(ctx context.Context, id string) error
	ResetFilePending(ctx context.Context, id string) error
	MarkFileCompleted(ctx context.Context, id string, result map[string]any) error
	MarkFileFailed(ctx context.Context, id, errMsg string) error
	ListFilesPage(ctx context.Context, batchID string, pageSize int, after *models.PageCursor) ([]*models.FileRecord, *models.PageCursor, error)
	ListCompletedResultsPage(ctx context.Context, batchID string, pageSize int, after *models.PageCursor) ([]*models.FileRecord, *models.PageCursor, error)

	ListActiveSubscriptions(ctx context.Context, userID string, event models.WebhookEvent) ([]*models.WebhookSubscription, error)
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error
	MarkDeliverySuccess(ctx context.Context, id string, attemptedAt time.Time) error
	MarkDeliveryFailure(ctx context.Context, id string, st models.DeliveryStatus, lastError string, retryCount int, lastAttempt, nextAttempt time.Time) error
	MarkDeliveryRetrying(ctx context.Context, id string) error
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error)
}

// BlobStore is the durable blob store for source documents and export
// artifacts.
type BlobStore interface {
	Upload(ctx context.Context, object string) io.WriteCloser
	UploadBytes(ctx context.Context, object string, content []byte) error
	ReadAll(ctx context.Context, object string) ([]byte, error)
	Delete(ctx context.Context, object string) error
	DeleteFolder(ctx context.Context, prefix string) error
	ObjectURI(object string) string
}

// DocumentProcessor runs the extraction workflow on one document. It may be
// slow and costly; the worker calls it at most once per invocation.
type DocumentProcessor interface {
	Process(ctx context.Context, content []byte, tmpl *models.Template) (*models.ProcessorOutcome, error)
}

// Scheduler hands pages of files to the external processing workflow.
type Scheduler interface {
	SubmitFiles(ctx context.Context, batchID string, fileIDs []string) error
}

// Notifier fans a domain event out to the owner's webhook subscribers.
// Callers on the file/batch path treat failures as best-effort.
type Notifier interface {
	Notify(ctx context.Context, userID string, event models.WebhookEvent, data any) error
}

// HTTPDoer issues one outbound webhook request.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
