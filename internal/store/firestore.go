// Package store implements the durable record store on Firestore. Batches,
// file records, templates, webhook subscriptions, and delivery attempts each
// live in their own collection; the batch progress counters are only mutated
// inside a serializable transaction so concurrent workers in separate
// processes cannot race past the batch total.
package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/invoxa/invoiceflow/internal/models"
)

const (
	batchCollection        = "batch_processes"
	fileCollection         = "file_records"
	templateCollection     = "templates"
	subscriptionCollection = "webhook_subscriptions"
	deliveryCollection     = "webhook_deliveries"
)

// FirestoreStore is the production RecordStore.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func notFound(err error, kind, id string) error {
	if status.Code(err) == codes.NotFound {
		return &models.NotFoundError{Kind: kind, ID: id}
	}
	return err
}

// --- Batches ---

func (s *FirestoreStore) CreateBatch(ctx context.Context, batch *models.Batch) error {
	if _, err := s.client.Collection(batchCollection).Doc(batch.ID).Create(ctx, batch); err != nil {
		return fmt.Errorf("failed to create batch record: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	doc, err := s.client.Collection(batchCollection).Doc(id).Get(ctx)
	if err != nil {
		return nil, notFound(err, "batch", id)
	}
	var batch models.Batch
	if err := doc.DataTo(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch %s: %w", id, err)
	}
	batch.ID = doc.Ref.ID
	return &batch, nil
}

// TransitionBatch moves a batch from one status to another, failing with
// ForbiddenTransitionError if the stored status is not the expected one. The
// read and write share a transaction so racing transitions cannot interleave.
func (s *FirestoreStore) TransitionBatch(ctx context.Context, id string, from, to models.BatchStatus) error {
	ref := s.client.Collection(batchCollection).Doc(id)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return notFound(err, "batch", id)
		}
		var batch models.Batch
		if err := doc.DataTo(&batch); err != nil {
			return fmt.Errorf("failed to decode batch %s: %w", id, err)
		}
		if batch.Status != from {
			return &models.ForbiddenTransitionError{Op: string(to), Status: string(batch.Status)}
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: to},
		})
	})
	return err
}

// AddBatchFiles bumps totalFiles after an ingestion call has stored its
// artifacts.
func (s *FirestoreStore) AddBatchFiles(ctx context.Context, id string, count int) error {
	_, err := s.client.Collection(batchCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "totalFiles", Value: firestore.Increment(count)},
	})
	if err != nil {
		return fmt.Errorf("failed to update totalFiles for batch %s: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) SetBatchStatus(ctx context.Context, id string, st models.BatchStatus) error {
	_, err := s.client.Collection(batchCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: st},
	})
	if err != nil {
		return fmt.Errorf("failed to update status for batch %s: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) SetBatchResultPath(ctx context.Context, id string, format models.OutputFormat, path string) error {
	var field string
	switch format {
	case models.FormatJSON:
		field = "jsonResultPath"
	case models.FormatCSV:
		field = "csvResultPath"
	case models.FormatXLSX:
		field = "xlsxResultPath"
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	_, err := s.client.Collection(batchCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: field, Value: path},
	})
	if err != nil {
		return fmt.Errorf("failed to set %s for batch %s: %w", field, id, err)
	}
	return nil
}

// IncrementCounters atomically bumps processedFiles (and failedFiles when the
// terminal state was FAILED) and returns the post-increment values together
// with totalFiles. Firestore aborts and retries the transaction on
// contention, which makes the increment-and-compare indivisible across
// worker processes.
func (s *FirestoreStore) IncrementCounters(ctx context.Context, batchID string, fileFailed bool) (processed, failed, total int, err error) {
	ref := s.client.Collection(batchCollection).Doc(batchID)
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return notFound(err, "batch", batchID)
		}
		var batch models.Batch
		if err := doc.DataTo(&batch); err != nil {
			return fmt.Errorf("failed to decode batch %s: %w", batchID, err)
		}
		if batch.ProcessedFiles >= batch.TotalFiles {
			return fmt.Errorf("batch %s counter overflow: processed %d of %d", batchID, batch.ProcessedFiles, batch.TotalFiles)
		}
		processed = batch.ProcessedFiles + 1
		failed = batch.FailedFiles
		if fileFailed {
			failed++
		}
		total = batch.TotalFiles
		return tx.Update(ref, []firestore.Update{
			{Path: "processedFiles", Value: processed},
			{Path: "failedFiles", Value: failed},
		})
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return processed, failed, total, nil
}

// --- Templates ---

func (s *FirestoreStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	doc, err := s.client.Collection(templateCollection).Doc(id).Get(ctx)
	if err != nil {
		return nil, notFound(err, "template", id)
	}
	var tmpl models.Template
	if err := doc.DataTo(&tmpl); err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", id, err)
	}
	tmpl.ID = doc.Ref.ID
	return &tmpl, nil
}

// --- File records ---

func (s *FirestoreStore) CreateFile(ctx context.Context, file *models.FileRecord) error {
	if _, err := s.client.Collection(fileCollection).Doc(file.ID).Create(ctx, file); err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteFile(ctx context.Context, id string) error {
	if _, err := s.client.Collection(fileCollection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete file record %s: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	doc, err := s.client.Collection(fileCollection).Doc(id).Get(ctx)
	if err != nil {
		return nil, notFound(err, "file", id)
	}
	var file models.FileRecord
	if err := doc.DataTo(&file); err != nil {
		return nil, fmt.Errorf("failed to decode file %s: %w", id, err)
	}
	file.ID = doc.Ref.ID
	return &file, nil
}

// MarkFileProcessing transitions PENDING -> PROCESSING inside a transaction
// so a re-invoked worker can detect that an earlier attempt already claimed
// the file.
func (s *FirestoreStore) MarkFileProcessing(ctx context.Context, id string) error {
	ref := s.client.Collection(fileCollection).Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return notFound(err, "file", id)
		}
		var file models.FileRecord
		if err := doc.DataTo(&file); err != nil {
			return fmt.Errorf("failed to decode file %s: %w", id, err)
		}
		if file.Status != models.FileStatusPending {
			return &models.ForbiddenTransitionError{Op: string(models.FileStatusProcessing), Status: string(file.Status)}
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: models.FileStatusProcessing},
		})
	})
}

// ResetFilePending returns a file claimed by a crashed or rate-limited
// attempt to the queueable state.
func (s *FirestoreStore) ResetFilePending(ctx context.Context, id string) error {
	_, err := s.client.Collection(fileCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: models.FileStatusPending},
	})
	if err != nil {
		return fmt.Errorf("failed to reset file %s to pending: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) MarkFileCompleted(ctx context.Context, id string, result map[string]any) error {
	_, err := s.client.Collection(fileCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: models.FileStatusCompleted},
		{Path: "result", Value: result},
	})
	if err != nil {
		return fmt.Errorf("failed to mark file %s completed: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) MarkFileFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.client.Collection(fileCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: models.FileStatusFailed},
		{Path: "error", Value: errMsg},
	})
	if err != nil {
		return fmt.Errorf("failed to mark file %s failed: %w", id, err)
	}
	return nil
}

// ListFilesPage returns one page of a batch's files ordered by creation time,
// plus the cursor for the next page. A nil cursor starts from the beginning;
// a nil returned cursor means the listing is exhausted.
func (s *FirestoreStore) ListFilesPage(ctx context.Context, batchID string, pageSize int, after *models.PageCursor) ([]*models.FileRecord, *models.PageCursor, error) {
	q := s.client.Collection(fileCollection).
		Where("batchId", "==", batchID).
		OrderBy("createdAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize)
	return s.runFilePage(ctx, q, pageSize, after)
}

// ListCompletedResultsPage is ListFilesPage restricted to COMPLETED files.
func (s *FirestoreStore) ListCompletedResultsPage(ctx context.Context, batchID string, pageSize int, after *models.PageCursor) ([]*models.FileRecord, *models.PageCursor, error) {
	q := s.client.Collection(fileCollection).
		Where("batchId", "==", batchID).
		Where("status", "==", models.FileStatusCompleted).
		OrderBy("createdAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize)
	return s.runFilePage(ctx, q, pageSize, after)
}

func (s *FirestoreStore) runFilePage(ctx context.Context, q firestore.Query, pageSize int, after *models.PageCursor) ([]*models.FileRecord, *models.PageCursor, error) {
	if after != nil {
		q = q.StartAfter(after.CreatedAt, after.ID)
	}
	it := q.Documents(ctx)
	defer it.Stop()

	var files []*models.FileRecord
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list file records: %w", err)
		}
		var file models.FileRecord
		if err := doc.DataTo(&file); err != nil {
			return nil, nil, fmt.Errorf("failed to decode file %s: %w", doc.Ref.ID, err)
		}
		file.ID = doc.Ref.ID
		files = append(files, &file)
	}
	if len(files) < pageSize {
		return files, nil, nil
	}
	last := files[len(files)-1]
	return files, &models.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}

// --- Webhook subscriptions and deliveries ---

func (s *FirestoreStore) ListActiveSubscriptions(ctx context.Context, userID string, event models.WebhookEvent) ([]*models.WebhookSubscription, error) {
	it := s.client.Collection(subscriptionCollection).
		Where("userId", "==", userID).
		Where("active", "==", true).
		Where("events", "array-contains", event).
		Documents(ctx)
	defer it.Stop()

	var subs []*models.WebhookSubscription
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions for user %s: %w", userID, err)
		}
		var sub models.WebhookSubscription
		if err := doc.DataTo(&sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription %s: %w", doc.Ref.ID, err)
		}
		sub.ID = doc.Ref.ID
		subs = append(subs, &sub)
	}
	return subs, nil
}

func (s *FirestoreStore) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	doc, err := s.client.Collection(subscriptionCollection).Doc(id).Get(ctx)
	if err != nil {
		return nil, notFound(err, "subscription", id)
	}
	var sub models.WebhookSubscription
	if err := doc.DataTo(&sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription %s: %w", id, err)
	}
	sub.ID = doc.Ref.ID
	return &sub, nil
}

func (s *FirestoreStore) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if _, err := s.client.Collection(deliveryCollection).Doc(d.ID).Create(ctx, d); err != nil {
		return fmt.Errorf("failed to create delivery record: %w", err)
	}
	return nil
}

func (s *FirestoreStore) MarkDeliverySuccess(ctx context.Context, id string, attemptedAt time.Time) error {
	_, err := s.client.Collection(deliveryCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: models.DeliveryStatusSuccess},
		{Path: "lastAttempt", Value: attemptedAt},
	})
	if err != nil {
		return fmt.Errorf("failed to mark delivery %s succeeded: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) MarkDeliveryFailure(ctx context.Context, id string, st models.DeliveryStatus, lastError string, retryCount int, lastAttempt, nextAttempt time.Time) error {
	_, err := s.client.Collection(deliveryCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: st},
		{Path: "lastError", Value: lastError},
		{Path: "retryCount", Value: retryCount},
		{Path: "lastAttempt", Value: lastAttempt},
		{Path: "nextAttempt", Value: nextAttempt},
	})
	if err != nil {
		return fmt.Errorf("failed to record delivery %s failure: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) MarkDeliveryRetrying(ctx context.Context, id string) error {
	_, err := s.client.Collection(deliveryCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: models.DeliveryStatusRetrying},
	})
	if err != nil {
		return fmt.Errorf("failed to mark delivery %s retrying: %w", id, err)
	}
	return nil
}

// ListDueDeliveries returns attempts whose backoff window has elapsed.
// maxRetries enforcement happens in the dispatcher, which knows the
// subscription.
func (s *FirestoreStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	it := s.client.Collection(deliveryCollection).
		Where("status", "in", []models.DeliveryStatus{models.DeliveryStatusFailed, models.DeliveryStatusRetryPending}).
		Where("nextAttempt", "<=", now).
		OrderBy("nextAttempt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer it.Stop()

	var due []*models.WebhookDelivery
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list due deliveries: %w", err)
		}
		var d models.WebhookDelivery
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to decode delivery %s: %w", doc.Ref.ID, err)
		}
		d.ID = doc.Ref.ID
		due = append(due, &d)
	}
	return due, nil
}
