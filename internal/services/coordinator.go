package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/invoxa/invoiceflow/internal/models"
)

// DefaultSubmitPageSize is how many files StartProcessing hands to the
// workflow per submission.
const DefaultSubmitPageSize = 100

// BatchCoordinator drives the batch lifecycle: creation, ingestion, start,
// and cancellation. Processing itself happens in file workers invoked by the
// external workflow.
type BatchCoordinator struct {
	store     RecordStore
	blobs     BlobStore
	scheduler Scheduler
	notifier  Notifier
	pageSize  int
}

func NewBatchCoordinator(store RecordStore, blobs BlobStore, scheduler Scheduler, notifier Notifier) *BatchCoordinator {
	return &BatchCoordinator{
		store:     store,
		blobs:     blobs,
		scheduler: scheduler,
		notifier:  notifier,
		pageSize:  DefaultSubmitPageSize,
	}
}

// Create validates the template against the owner and returns a new batch in
// CREATED with no files.
func (c *BatchCoordinator) Create(ctx context.Context, userID, templateID string, formats []models.OutputFormat) (*models.Batch, error) {
	if len(formats) == 0 {
		return nil, &models.ValidationError{Msg: "at least one output format is required"}
	}
	seen := map[models.OutputFormat]bool{}
	for _, f := range formats {
		if _, ok := models.ParseOutputFormat(string(f)); !ok {
			return nil, &models.ValidationError{Msg: fmt.Sprintf("unknown output format %q", f)}
		}
		if seen[f] {
			return nil, &models.ValidationError{Msg: fmt.Sprintf("duplicate output format %q", f)}
		}
		seen[f] = true
	}

	tmpl, err := c.store.GetTemplate(ctx, templateID)
	if err != nil {
		if _, ok := err.(*models.NotFoundError); ok {
			return nil, &models.ValidationError{Msg: fmt.Sprintf("template %q does not exist", templateID)}
		}
		return nil, err
	}
	if !tmpl.AccessibleBy(userID) {
		return nil, &models.ValidationError{Msg: fmt.Sprintf("template %q is not accessible", templateID)}
	}

	batch := &models.Batch{
		ID:               uuid.NewString(),
		Status:           models.BatchStatusCreated,
		RequestedFormats: formats,
		TemplateID:       templateID,
		UserID:           userID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := c.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	slog.Info("Batch created.", "batchId", batch.ID, "userId", userID, "formats", formats)
	return batch, nil
}

// AddFiles uploads the artifacts concurrently and registers one file record
// per artifact. The call is all-or-nothing: any failure rolls back every
// object and record stored during this call before the error surfaces.
func (c *BatchCoordinator) AddFiles(ctx context.Context, batchID string, artifacts []models.ArtifactSpec) error {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != models.BatchStatusCreated {
		return &models.ForbiddenTransitionError{Op: "add files", Status: string(batch.Status)}
	}
	if len(artifacts) == 0 {
		return &models.ValidationError{Msg: "no artifacts provided"}
	}
	for _, a := range artifacts {
		if !strings.HasSuffix(strings.ToLower(a.Name), ".pdf") {
			return &models.ValidationError{Msg: fmt.Sprintf("artifact %q is not an allowed document type", a.Name)}
		}
	}

	logCtx := slog.With("batchId", batchID)
	logCtx.Info("Starting concurrent upload of artifacts.", "count", len(artifacts))

	var (
		mu       sync.Mutex
		uploaded []string
		created  []string
	)
	eg, gctx := errgroup.WithContext(ctx)
	for _, artifact := range artifacts {
		eg.Go(func() error {
			fileID := uuid.NewString()
			object := fmt.Sprintf("batches/%s/%s.pdf", batchID, fileID)
			if err := c.blobs.UploadBytes(gctx, object, artifact.Content); err != nil {
				return fmt.Errorf("artifact %q: %w", artifact.Name, err)
			}
			mu.Lock()
			uploaded = append(uploaded, object)
			mu.Unlock()

			record := &models.FileRecord{
				ID:         fileID,
				Status:     models.FileStatusPending,
				Name:       artifact.Name,
				FilePath:   object,
				BatchID:    batchID,
				TemplateID: batch.TemplateID,
				UserID:     batch.UserID,
				CreatedAt:  time.Now().UTC(),
			}
			if err := c.store.CreateFile(gctx, record); err != nil {
				return fmt.Errorf("artifact %q: %w", artifact.Name, err)
			}
			mu.Lock()
			created = append(created, fileID)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		logCtx.Error("Artifact ingestion failed, rolling back this call's uploads.", "error", err)
		c.rollback(ctx, uploaded, created)
		return &models.StorageError{Op: "ingest artifacts", Err: err}
	}

	if err := c.store.AddBatchFiles(ctx, batchID, len(artifacts)); err != nil {
		logCtx.Error("Failed to update batch totals, rolling back this call's uploads.", "error", err)
		c.rollback(ctx, uploaded, created)
		return &models.StorageError{Op: "ingest artifacts", Err: err}
	}
	logCtx.Info("Artifacts ingested.", "count", len(artifacts))
	return nil
}

// rollback best-effort deletes everything one AddFiles call managed to store.
func (c *BatchCoordinator) rollback(ctx context.Context, objects, fileIDs []string) {
	for _, object := range objects {
		if err := c.blobs.Delete(ctx, object); err != nil {
			slog.Error("Rollback: failed to delete object", "object", object, "error", err)
		}
	}
	for _, id := range fileIDs {
		if err := c.store.DeleteFile(ctx, id); err != nil {
			slog.Error("Rollback: failed to delete file record", "fileId", id, "error", err)
		}
	}
}

// StartProcessing transitions CREATED -> PROCESSING and submits the batch's
// files to the workflow page by page, never holding the full file list in
// memory. An empty batch completes immediately: no worker would ever exist
// to trigger completion otherwise.
func (c *BatchCoordinator) StartProcessing(ctx context.Context, batchID string) error {
	if err := c.store.TransitionBatch(ctx, batchID, models.BatchStatusCreated, models.BatchStatusProcessing); err != nil {
		return err
	}
	logCtx := slog.With("batchId", batchID)

	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.TotalFiles == 0 {
		logCtx.Info("Batch has no files; completing immediately.")
		if err := c.store.SetBatchStatus(ctx, batchID, models.BatchStatusCompleted); err != nil {
			return err
		}
		if err := c.notifier.Notify(ctx, batch.UserID, models.EventBatchFinished, BatchFinishedEvent{
			BatchID: batchID,
			Status:  string(models.BatchStatusCompleted),
		}); err != nil {
			logCtx.Warn("Batch-finished notification failed.", "error", err)
		}
		return nil
	}

	var cursor *models.PageCursor
	var submitted int
	for {
		files, next, err := c.store.ListFilesPage(ctx, batchID, c.pageSize, cursor)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			break
		}
		ids := make([]string, len(files))
		for i, f := range files {
			ids[i] = f.ID
		}
		if err := c.scheduler.SubmitFiles(ctx, batchID, ids); err != nil {
			return fmt.Errorf("failed to submit page of %d files: %w", len(ids), err)
		}
		submitted += len(ids)
		logCtx.Info("Submitted page for processing.", "pageSize", len(ids), "submitted", submitted)
		if next == nil {
			break
		}
		cursor = next
	}
	logCtx.Info("Batch processing started.", "totalSubmitted", submitted)
	return nil
}

// Cancel aborts a batch that has not started processing, removing its
// uploaded artifacts.
func (c *BatchCoordinator) Cancel(ctx context.Context, batchID string) error {
	if err := c.store.TransitionBatch(ctx, batchID, models.BatchStatusCreated, models.BatchStatusCancelled); err != nil {
		return err
	}
	if err := c.blobs.DeleteFolder(ctx, fmt.Sprintf("batches/%s/", batchID)); err != nil {
		slog.Error("Failed to delete artifacts for cancelled batch", "batchId", batchID, "error", err)
		return &models.StorageError{Op: "cancel cleanup", Err: err}
	}
	slog.Info("Batch cancelled.", "batchId", batchID)
	return nil
}
