package services

import (
	"context"
	"log/slog"

	"github.com/invoxa/invoiceflow/internal/models"
)

// Consolidator produces the export artifacts for a finished batch.
type Consolidator interface {
	Execute(ctx context.Context, batch *models.Batch) error
}

// CompletionDetector turns N concurrently-completing file workers into
// exactly one batch-finished trigger. The store's transactional increment is
// the only cross-worker synchronization: the caller whose own increment
// lands on the batch total is the unique trigger, every other caller
// observes a smaller value and does nothing.
type CompletionDetector struct {
	store        RecordStore
	consolidator Consolidator
	notifier     Notifier
}

func NewCompletionDetector(store RecordStore, consolidator Consolidator, notifier Notifier) *CompletionDetector {
	return &CompletionDetector{
		store:        store,
		consolidator: consolidator,
		notifier:     notifier,
	}
}

// OnFileTerminal records one terminal file transition for the batch. On the
// triggering completion it finalizes the batch status, runs consolidation,
// and fires the batch-finished webhook.
func (d *CompletionDetector) OnFileTerminal(ctx context.Context, batchID string, fileFailed bool) error {
	processed, failed, total, err := d.store.IncrementCounters(ctx, batchID, fileFailed)
	if err != nil {
		return err
	}
	if processed < total {
		return nil
	}

	// This caller's increment reached the total: it is the unique trigger.
	logCtx := slog.With("batchId", batchID, "processed", processed, "failed", failed)

	status := models.BatchStatusCompleted
	switch {
	case failed == total:
		status = models.BatchStatusFailed
	case failed > 0:
		status = models.BatchStatusPartiallyCompleted
	}
	if err := d.store.SetBatchStatus(ctx, batchID, status); err != nil {
		return err
	}
	logCtx.Info("Batch finished.", "status", status)

	batch, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	var consolidationErr error
	if failed < total {
		if consolidationErr = d.consolidator.Execute(ctx, batch); consolidationErr != nil {
			logCtx.Error("Consolidation failed.", "error", consolidationErr)
		}
	} else {
		logCtx.Warn("All files failed; skipping consolidation.")
	}

	if err := d.notifier.Notify(ctx, batch.UserID, models.EventBatchFinished, BatchFinishedEvent{
		BatchID:        batchID,
		Status:         string(status),
		ProcessedFiles: processed,
		FailedFiles:    failed,
	}); err != nil {
		logCtx.Warn("Batch-finished notification failed.", "error", err)
	}

	return consolidationErr
}
