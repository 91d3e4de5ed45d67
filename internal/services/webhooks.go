package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/invoxa/invoiceflow/internal/models"
)

const defaultWebhookTimeout = 10 * time.Second

// FileEvent is the webhook payload for per-file success/failure events.
type FileEvent struct {
	FileID   string   `json:"fileId"`
	BatchID  string   `json:"batchId,omitempty"`
	Status   string   `json:"status"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// BatchFinishedEvent is the webhook payload for batch completion.
type BatchFinishedEvent struct {
	BatchID        string `json:"batchId"`
	Status         string `json:"status"`
	ProcessedFiles int    `json:"processedFiles"`
	FailedFiles    int    `json:"failedFiles"`
}

// WebhookDispatcher creates delivery attempts for domain events and issues
// the outbound calls. It never retries synchronously; failed attempts carry
// backoff metadata and are re-driven by the webhook-retrier function.
type WebhookDispatcher struct {
	store  RecordStore
	client HTTPDoer
	cipher *CredentialCipher
	now    func() time.Time
	jitter func() time.Duration
}

func NewWebhookDispatcher(store RecordStore, client HTTPDoer, cipher *CredentialCipher) *WebhookDispatcher {
	return &WebhookDispatcher{
		store:  store,
		client: client,
		cipher: cipher,
		now:    time.Now,
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) },
	}
}

// Notify looks up the owner's active subscriptions for the event, snapshots
// the payload into one delivery attempt per subscription, and dispatches all
// of them concurrently. One subscriber's outcome never affects another's;
// the returned error is only the first failure, for logging by best-effort
// callers.
func (d *WebhookDispatcher) Notify(ctx context.Context, userID string, event models.WebhookEvent, data any) error {
	subs, err := d.store.ListActiveSubscriptions(ctx, userID, event)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	payload := models.WebhookPayload{
		Event:     event,
		Timestamp: d.now().UTC(),
		Data:      data,
	}

	var eg errgroup.Group
	for _, sub := range subs {
		delivery := &models.WebhookDelivery{
			ID:        uuid.NewString(),
			WebhookID: sub.ID,
			Payload:   payload,
			Status:    models.DeliveryStatusPending,
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			slog.Error("Failed to create delivery attempt", "webhookId", sub.ID, "event", event, "error", err)
			continue
		}
		eg.Go(func() error {
			return d.deliver(ctx, sub, delivery)
		})
	}
	return eg.Wait()
}

// Dispatch issues the outbound call for an existing attempt. Used by the
// redelivery path; Notify goes through the same core.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, delivery *models.WebhookDelivery) error {
	sub, err := d.store.GetSubscription(ctx, delivery.WebhookID)
	if err != nil {
		return err
	}
	return d.deliver(ctx, sub, delivery)
}

// RedeliverDue re-drives FAILED/RETRY_PENDING attempts whose backoff window
// has elapsed, skipping those that exhausted their subscription's retry
// budget. Returns how many attempts were issued.
func (d *WebhookDispatcher) RedeliverDue(ctx context.Context, limit int) (int, error) {
	due, err := d.store.ListDueDeliveries(ctx, d.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	var eg errgroup.Group
	attempted := 0
	for _, delivery := range due {
		sub, err := d.store.GetSubscription(ctx, delivery.WebhookID)
		if err != nil {
			slog.Error("Skipping delivery with unresolvable subscription", "deliveryId", delivery.ID, "error", err)
			continue
		}
		if delivery.RetryCount >= sub.MaxRetries {
			continue // abandoned
		}
		if err := d.store.MarkDeliveryRetrying(ctx, delivery.ID); err != nil {
			slog.Error("Failed to mark delivery retrying", "deliveryId", delivery.ID, "error", err)
			continue
		}
		delivery.Status = models.DeliveryStatusRetrying
		attempted++
		eg.Go(func() error {
			if err := d.deliver(ctx, sub, delivery); err != nil {
				slog.Warn("Redelivery failed", "deliveryId", delivery.ID, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return attempted, nil
}

// deliver performs exactly one outbound POST under the subscription's
// timeout and records the outcome. It never blocks waiting for a retry.
func (d *WebhookDispatcher) deliver(ctx context.Context, sub *models.WebhookSubscription, delivery *models.WebhookDelivery) error {
	attemptedAt := d.now().UTC()

	timeout := defaultWebhookTimeout
	if sub.TimeoutSecs > 0 {
		timeout = time.Duration(sub.TimeoutSecs) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCode, err := d.post(callCtx, sub, delivery)
	if err == nil && statusCode >= 200 && statusCode < 300 {
		return d.store.MarkDeliverySuccess(ctx, delivery.ID, attemptedAt)
	}

	var dErr *models.DeliveryError
	if err != nil {
		dErr = &models.DeliveryError{Msg: err.Error()}
	} else {
		dErr = &models.DeliveryError{StatusCode: statusCode, Msg: "non-2xx response"}
	}

	nextAttempt := attemptedAt.Add(backoffDelay(delivery.RetryCount, d.jitter()))
	retryCount := delivery.RetryCount + 1
	status := models.DeliveryStatusRetryPending
	if delivery.Status == models.DeliveryStatusRetrying || retryCount >= sub.MaxRetries {
		status = models.DeliveryStatusFailed
	}
	if recErr := d.store.MarkDeliveryFailure(ctx, delivery.ID, status, dErr.Error(), retryCount, attemptedAt, nextAttempt); recErr != nil {
		slog.Error("Failed to record delivery failure", "deliveryId", delivery.ID, "error", recErr)
	}
	return dErr
}

// post builds and issues the single HTTP request for one attempt.
func (d *WebhookDispatcher) post(ctx context.Context, sub *models.WebhookSubscription, delivery *models.WebhookDelivery) (int, error) {
	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	if err := d.applyAuth(ctx, req, sub); err != nil {
		return 0, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// BasicCredentials is the decrypted credential shape for basic auth.
type BasicCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// OAuth2Credentials is the decrypted credential shape for client-credentials
// OAuth2.
type OAuth2Credentials struct {
	TokenURL     string `json:"tokenUrl"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

func (d *WebhookDispatcher) applyAuth(ctx context.Context, req *http.Request, sub *models.WebhookSubscription) error {
	switch sub.AuthMode {
	case models.WebhookAuthNone, "":
		return nil
	case models.WebhookAuthBasic:
		var creds BasicCredentials
		if err := d.openCredentials(sub, &creds); err != nil {
			return err
		}
		req.SetBasicAuth(creds.Username, creds.Password)
		return nil
	case models.WebhookAuthOAuth2:
		var creds OAuth2Credentials
		if err := d.openCredentials(sub, &creds); err != nil {
			return err
		}
		token, err := d.fetchToken(ctx, &creds)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", sub.AuthMode)
	}
}

func (d *WebhookDispatcher) openCredentials(sub *models.WebhookSubscription, out any) error {
	plaintext, err := d.cipher.Open(sub.Credentials)
	if err != nil {
		return fmt.Errorf("failed to decrypt credentials for webhook %s: %w", sub.ID, err)
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("failed to parse credentials for webhook %s: %w", sub.ID, err)
	}
	return nil
}

// fetchToken performs a client-credentials grant against the subscriber's
// token endpoint.
func (d *WebhookDispatcher) fetchToken(ctx context.Context, creds *OAuth2Credentials) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.ClientID, creds.ClientSecret)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}
	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}
	return tokenResp.AccessToken, nil
}

// backoffDelay implements exponential backoff with jitter: 2^n seconds plus
// up to one extra second, so subscribers retried at the same tick do not
// synchronize.
func backoffDelay(retryCount int, jitter time.Duration) time.Duration {
	return time.Duration(1<<uint(retryCount))*time.Second + jitter
}
