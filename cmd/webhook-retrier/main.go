package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/invoxa/invoiceflow/internal/gcp"
	"github.com/invoxa/invoiceflow/internal/services"
	"github.com/invoxa/invoiceflow/internal/store"
)

var (
	dispatcherInstance *services.WebhookDispatcher
	redeliveryLimit    int
	once               sync.Once
	initErr            error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Registered for the Cloud Scheduler tick (Pub/Sub CloudEvent).
	functions.CloudEvent("RetryWebhookDeliveries", retryWebhookDeliveries)
}

func main() {}

func newDispatcher(ctx context.Context) (*services.WebhookDispatcher, error) {
	projectID := gcp.GetEnv("GCP_PROJECT", "")
	if projectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT environment variable must be set")
	}
	cipherKey, err := hex.DecodeString(gcp.GetEnv("WEBHOOK_CIPHER_KEY", ""))
	if err != nil || len(cipherKey) != 32 {
		return nil, fmt.Errorf("WEBHOOK_CIPHER_KEY must be 64 hex characters")
	}
	redeliveryLimit, err = strconv.Atoi(gcp.GetEnv("REDELIVERY_BATCH_LIMIT", "100"))
	if err != nil || redeliveryLimit <= 0 {
		return nil, fmt.Errorf("REDELIVERY_BATCH_LIMIT must be a positive integer")
	}

	fsClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	cipher, err := services.NewCredentialCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	records := store.NewFirestoreStore(fsClient)
	return services.NewWebhookDispatcher(records, http.DefaultClient, cipher), nil
}

// retryWebhookDeliveries re-drives every due delivery attempt once per
// scheduler tick. The event payload carries nothing we need; the tick itself
// is the signal.
func retryWebhookDeliveries(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		dispatcherInstance, initErr = newDispatcher(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	attempted, err := dispatcherInstance.RedeliverDue(ctx, redeliveryLimit)
	if err != nil {
		slog.Error("Redelivery sweep failed", "error", err)
		return err
	}
	slog.Info("Redelivery sweep complete.", "attempted", attempted, "eventId", e.ID())
	return nil
}
