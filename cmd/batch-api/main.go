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
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/invoxa/invoiceflow/internal/gcp"
	"github.com/invoxa/invoiceflow/internal/models"
	"github.com/invoxa/invoiceflow/internal/services"
	"github.com/invoxa/invoiceflow/internal/store"
)

var (
	coordinatorInstance *services.BatchCoordinator
	once                sync.Once
	initErr             error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("BatchAPI", handleBatchAPI)
}

func main() {}

func newCoordinator(ctx context.Context) (*services.BatchCoordinator, error) {
	projectID := gcp.GetEnv("GCP_PROJECT", "")
	if projectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT environment variable must be set")
	}
	documentsBucket := gcp.GetEnv("DOCUMENTS_BUCKET", "")
	if documentsBucket == "" {
		return nil, fmt.Errorf("DOCUMENTS_BUCKET must be set")
	}
	cipherKey, err := hex.DecodeString(gcp.GetEnv("WEBHOOK_CIPHER_KEY", ""))
	if err != nil || len(cipherKey) != 32 {
		return nil, fmt.Errorf("WEBHOOK_CIPHER_KEY must be 64 hex characters")
	}

	fsClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	blobs, err := gcp.NewBlobStore(ctx, documentsBucket)
	if err != nil {
		return nil, err
	}
	scheduler, err := gcp.NewWorkflowScheduler(ctx, projectID,
		gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		gcp.GetEnv("WORKFLOW_ID", "invoice-processing-orchestrator"))
	if err != nil {
		return nil, err
	}
	cipher, err := services.NewCredentialCipher(cipherKey)
	if err != nil {
		return nil, err
	}

	records := store.NewFirestoreStore(fsClient)
	dispatcher := services.NewWebhookDispatcher(records, http.DefaultClient, cipher)
	return services.NewBatchCoordinator(records, blobs, scheduler, dispatcher), nil
}

// handleBatchAPI is a thin JSON adapter over the coordinator operations,
// routed by path suffix.
func handleBatchAPI(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		coordinatorInstance, initErr = newCoordinator(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: coordinator initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/batches"):
		handleCreate(w, r)
	case strings.HasSuffix(r.URL.Path, "/files"):
		handleAddFiles(w, r)
	case strings.HasSuffix(r.URL.Path, "/start"):
		handleStart(w, r)
	case strings.HasSuffix(r.URL.Path, "/cancel"):
		handleCancel(w, r)
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateBatchRequest
	if !decode(w, r, &req) {
		return
	}
	formats := make([]models.OutputFormat, len(req.Formats))
	for i, f := range req.Formats {
		formats[i] = models.OutputFormat(f)
	}
	batch, err := coordinatorInstance.Create(r.Context(), req.UserID, req.TemplateID, formats)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, models.CreateBatchResponse{BatchID: batch.ID, Status: string(batch.Status)})
}

func handleAddFiles(w http.ResponseWriter, r *http.Request) {
	var req models.AddFilesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := coordinatorInstance.AddFiles(r.Context(), req.BatchID, req.Artifacts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func handleStart(w http.ResponseWriter, r *http.Request) {
	var req models.StartProcessingRequest
	if !decode(w, r, &req) {
		return
	}
	if err := coordinatorInstance.StartProcessing(r.Context(), req.BatchID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "processing"})
}

func handleCancel(w http.ResponseWriter, r *http.Request) {
	var req models.StartProcessingRequest
	if !decode(w, r, &req) {
		return
	}
	if err := coordinatorInstance.Cancel(r.Context(), req.BatchID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "cancelled"})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *models.ValidationError
		notFoundErr   *models.NotFoundError
		forbiddenErr  *models.ForbiddenTransitionError
	)
	switch {
	case errors.As(err, &validationErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &notFoundErr):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &forbiddenErr):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("Request failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
