package models

import "time"

// WebhookEvent names a domain event subscribers can register for.
type WebhookEvent string

const (
	EventFileCompleted WebhookEvent = "file.completed"
	EventFileFailed    WebhookEvent = "file.failed"
	EventBatchFinished WebhookEvent = "batch.finished"
)

// WebhookAuthMode selects how outbound calls authenticate.
type WebhookAuthMode string

const (
	WebhookAuthNone   WebhookAuthMode = "none"
	WebhookAuthBasic  WebhookAuthMode = "basic"
	WebhookAuthOAuth2 WebhookAuthMode = "oauth2"
)

// WebhookSubscription is a user-owned HTTP callback registration.
// Credentials holds an AES-GCM sealed JSON blob whose shape depends on
// AuthMode; it is only ever decrypted at dispatch time.
type WebhookSubscription struct {
	ID          string            `firestore:"-"`
	UserID      string            `firestore:"userId"`
	URL         string            `firestore:"url"`
	Events      []WebhookEvent    `firestore:"events"`
	AuthMode    WebhookAuthMode   `firestore:"authMode"`
	Credentials []byte            `firestore:"credentials,omitempty"`
	Headers     map[string]string `firestore:"headers,omitempty"`
	MaxRetries  int               `firestore:"maxRetries"`
	TimeoutSecs int               `firestore:"timeoutSecs"`
	Active      bool              `firestore:"active"`
}

// SubscribedTo reports whether the subscription covers the given event.
func (s *WebhookSubscription) SubscribedTo(event WebhookEvent) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks one webhook delivery attempt.
// PENDING -> {SUCCESS, FAILED, RETRY_PENDING} -> RETRYING -> {SUCCESS, FAILED}.
type DeliveryStatus string

const (
	DeliveryStatusPending      DeliveryStatus = "PENDING"
	DeliveryStatusSuccess      DeliveryStatus = "SUCCESS"
	DeliveryStatusFailed       DeliveryStatus = "FAILED"
	DeliveryStatusRetryPending DeliveryStatus = "RETRY_PENDING"
	DeliveryStatusRetrying     DeliveryStatus = "RETRYING"
)

// WebhookPayload is the snapshot attached to a delivery when the triggering
// event occurs; redeliveries reuse it unchanged.
type WebhookPayload struct {
	Event     WebhookEvent `firestore:"event" json:"event"`
	Timestamp time.Time    `firestore:"timestamp" json:"timestamp"`
	Data      any          `firestore:"data" json:"data"`
}

// WebhookDelivery is one tracked try (plus retries) to deliver a payload to
// a single subscription.
type WebhookDelivery struct {
	ID          string         `firestore:"-"`
	WebhookID   string         `firestore:"webhookId"`
	Payload     WebhookPayload `firestore:"payload"`
	Status      DeliveryStatus `firestore:"status"`
	RetryCount  int            `firestore:"retryCount"`
	LastError   string         `firestore:"lastError,omitempty"`
	LastAttempt time.Time      `firestore:"lastAttempt,omitempty"`
	NextAttempt time.Time      `firestore:"nextAttempt,omitempty"`
}
