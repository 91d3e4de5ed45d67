package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/invoxa/invoiceflow/internal/models"
)

// MaxFileSizeBytes is the processing ceiling per document. Oversize files
// fail without ever reaching the document processor.
const MaxFileSizeBytes = 300 * 1024

// FileProcessingWorker is the unit of work the workflow invokes once per
// file. It is idempotent to re-invocation only while the file is still
// PENDING; a file claimed by an earlier attempt is refused.
type FileProcessingWorker struct {
	store      RecordStore
	blobs      BlobStore
	processor  DocumentProcessor
	notifier   Notifier
	completion *CompletionDetector
}

func NewFileProcessingWorker(store RecordStore, blobs BlobStore, processor DocumentProcessor, notifier Notifier, completion *CompletionDetector) *FileProcessingWorker {
	return &FileProcessingWorker{
		store:      store,
		blobs:      blobs,
		processor:  processor,
		notifier:   notifier,
		completion: completion,
	}
}

// Execute drives one file to a terminal state. Retriable processor errors
// are raised after returning the file to PENDING, so the workflow's retry
// policy can re-invoke; everything else terminates the file here.
func (w *FileProcessingWorker) Execute(ctx context.Context, fileID string) error {
	file, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	logCtx := slog.With("fileId", fileID, "batchId", file.BatchID)

	tmpl, err := w.store.GetTemplate(ctx, file.TemplateID)
	if err != nil {
		return err
	}
	if !tmpl.AccessibleBy(file.UserID) {
		return &models.ForbiddenTransitionError{Op: "process file", Status: "template not accessible to owner"}
	}

	// Claim the file before any external call so a retry after a crash can
	// see the partial progress.
	if err := w.store.MarkFileProcessing(ctx, fileID); err != nil {
		return err
	}

	content, err := w.blobs.ReadAll(ctx, file.FilePath)
	if err != nil {
		logCtx.Error("Failed to read source document.", "path", file.FilePath, "error", err)
		return w.fail(ctx, file, fmt.Sprintf("failed to read source document: %v", err))
	}

	if len(content) > MaxFileSizeBytes {
		logCtx.Warn("Document exceeds size ceiling.", "size", len(content), "limit", MaxFileSizeBytes)
		return w.fail(ctx, file, fmt.Sprintf("document size %d exceeds limit of %d bytes", len(content), MaxFileSizeBytes))
	}

	outcome, err := w.processor.Process(ctx, content, tmpl)
	if err != nil {
		// Infrastructure failure before the processor could produce an
		// outcome. Leave the decision to the workflow's retry policy.
		if resetErr := w.store.ResetFilePending(ctx, fileID); resetErr != nil {
			logCtx.Error("Failed to reset file for retry.", "error", resetErr)
		}
		return fmt.Errorf("document processor call failed: %w", err)
	}

	switch outcome.Kind {
	case models.OutcomeSuccess, models.OutcomeUndetermined:
		if err := w.store.MarkFileCompleted(ctx, fileID, outcome.Payload); err != nil {
			return err
		}
		logCtx.Info("File completed.", "warnings", len(outcome.Warnings))
		w.notify(ctx, file, models.EventFileCompleted, FileEvent{
			FileID:   fileID,
			BatchID:  file.BatchID,
			Status:   string(models.FileStatusCompleted),
			Warnings: outcome.Warnings,
		})
		w.detectCompletion(ctx, file, false)
		return nil

	case models.OutcomeError:
		if outcome.Retriable {
			logCtx.Warn("Retriable processing error; returning file to queue.", "code", outcome.Code, "error", outcome.Message)
			if resetErr := w.store.ResetFilePending(ctx, fileID); resetErr != nil {
				logCtx.Error("Failed to reset file for retry.", "error", resetErr)
			}
			return &models.ProcessingError{Code: outcome.Code, Msg: outcome.Message, Retriable: true}
		}
		return w.fail(ctx, file, fmt.Sprintf("[%s] %s", outcome.Code, outcome.Message))

	default:
		return w.fail(ctx, file, fmt.Sprintf("unknown processor outcome %q", outcome.Kind))
	}
}

// fail marks the file FAILED, fires the failure webhook, and feeds the
// completion detector. The original failure never propagates: the file
// reached a terminal state, which is a successful invocation.
func (w *FileProcessingWorker) fail(ctx context.Context, file *models.FileRecord, msg string) error {
	if err := w.store.MarkFileFailed(ctx, file.ID, msg); err != nil {
		return err
	}
	slog.Warn("File failed.", "fileId", file.ID, "batchId", file.BatchID, "error", msg)
	w.notify(ctx, file, models.EventFileFailed, FileEvent{
		FileID:  file.ID,
		BatchID: file.BatchID,
		Status:  string(models.FileStatusFailed),
		Error:   msg,
	})
	w.detectCompletion(ctx, file, true)
	return nil
}

func (w *FileProcessingWorker) notify(ctx context.Context, file *models.FileRecord, event models.WebhookEvent, data any) {
	if err := w.notifier.Notify(ctx, file.UserID, event, data); err != nil {
		slog.Warn("Webhook notification failed.", "fileId", file.ID, "event", event, "error", err)
	}
}

func (w *FileProcessingWorker) detectCompletion(ctx context.Context, file *models.FileRecord, failed bool) {
	if file.BatchID == "" {
		return
	}
	if err := w.completion.OnFileTerminal(ctx, file.BatchID, failed); err != nil {
		slog.Error("Completion detection failed.", "fileId", file.ID, "batchId", file.BatchID, "error", err)
	}
}
