package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/invoxa/invoiceflow/internal/gcp"
	"github.com/invoxa/invoiceflow/internal/models"
	"github.com/invoxa/invoiceflow/internal/services"
	"github.com/invoxa/invoiceflow/internal/store"
)

var (
	workerInstance *services.FileProcessingWorker
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("ProcessFile", handleProcessFile)
}

func main() {}

func newWorker(ctx context.Context) (*services.FileProcessingWorker, error) {
	projectID := gcp.GetEnv("GCP_PROJECT", "")
	if projectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT environment variable must be set")
	}
	documentsBucket := gcp.GetEnv("DOCUMENTS_BUCKET", "")
	exportsBucket := gcp.GetEnv("EXPORTS_BUCKET", "")
	if documentsBucket == "" || exportsBucket == "" {
		return nil, fmt.Errorf("DOCUMENTS_BUCKET and EXPORTS_BUCKET must be set")
	}
	cipherKey, err := hex.DecodeString(gcp.GetEnv("WEBHOOK_CIPHER_KEY", ""))
	if err != nil || len(cipherKey) != 32 {
		return nil, fmt.Errorf("WEBHOOK_CIPHER_KEY must be 64 hex characters")
	}

	fsClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	documents, err := gcp.NewBlobStore(ctx, documentsBucket)
	if err != nil {
		return nil, err
	}
	exports, err := gcp.NewBlobStore(ctx, exportsBucket)
	if err != nil {
		return nil, err
	}
	extractor, err := gcp.NewInvoiceExtractor(ctx, projectID, gcp.GetEnv("VERTEX_AI_REGION", "us-central1"))
	if err != nil {
		return nil, err
	}
	cipher, err := services.NewCredentialCipher(cipherKey)
	if err != nil {
		return nil, err
	}

	records := store.NewFirestoreStore(fsClient)
	dispatcher := services.NewWebhookDispatcher(records, http.DefaultClient, cipher)
	streamer := services.NewResultStreamer(records)
	consolidator := services.NewHandleOutputFormat(streamer, records, exports)
	completion := services.NewCompletionDetector(records, consolidator, dispatcher)
	return services.NewFileProcessingWorker(records, documents, extractor, dispatcher, completion), nil
}

// handleProcessFile is the per-file worker entry point the processing
// workflow calls. Retriable failures come back as 503 so the workflow's
// retry policy re-invokes later.
func handleProcessFile(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		workerInstance, initErr = newWorker(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: worker initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.FileWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	if err := workerInstance.Execute(r.Context(), req.FileID); err != nil {
		var (
			notFoundErr   *models.NotFoundError
			forbiddenErr  *models.ForbiddenTransitionError
			processingErr *models.ProcessingError
		)
		switch {
		case errors.As(err, &notFoundErr):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.As(err, &forbiddenErr):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.As(err, &processingErr) && processingErr.Retriable:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			slog.Error("File processing failed", "fileId", req.FileID, "error", err)
			http.Error(w, "Internal Server Error", http.StatusServiceUnavailable)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(models.FileWorkerResponse{Status: "done"}); err != nil {
		slog.Error("Failed to write response", "error", err, "fileId", req.FileID)
	}
}
