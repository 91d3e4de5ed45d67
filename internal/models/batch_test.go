package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchStatusTerminal(t *testing.T) {
	assert.False(t, BatchStatusCreated.Terminal())
	assert.False(t, BatchStatusProcessing.Terminal())
	assert.True(t, BatchStatusCompleted.Terminal())
	assert.True(t, BatchStatusPartiallyCompleted.Terminal())
	assert.True(t, BatchStatusFailed.Terminal())
	assert.True(t, BatchStatusCancelled.Terminal())
}

func TestFileStatusTerminal(t *testing.T) {
	assert.False(t, FileStatusPending.Terminal())
	assert.False(t, FileStatusProcessing.Terminal())
	assert.True(t, FileStatusCompleted.Terminal())
	assert.True(t, FileStatusFailed.Terminal())
}

func TestParseOutputFormat(t *testing.T) {
	for _, valid := range []string{"JSON", "CSV", "XLSX"} {
		got, ok := ParseOutputFormat(valid)
		assert.True(t, ok, valid)
		assert.Equal(t, OutputFormat(valid), got)
	}
	for _, invalid := range []string{"", "json", "YAML", "xlsx "} {
		_, ok := ParseOutputFormat(invalid)
		assert.False(t, ok, invalid)
	}
}

func TestTemplateAccessibleBy(t *testing.T) {
	tmpl := &Template{ID: "tpl-1", UserID: "user-1"}
	assert.True(t, tmpl.AccessibleBy("user-1"))
	assert.False(t, tmpl.AccessibleBy("user-2"))
}

func TestSubscribedTo(t *testing.T) {
	sub := &WebhookSubscription{Events: []WebhookEvent{EventFileFailed, EventBatchFinished}}
	assert.True(t, sub.SubscribedTo(EventBatchFinished))
	assert.True(t, sub.SubscribedTo(EventFileFailed))
	assert.False(t, sub.SubscribedTo(EventFileCompleted))
}
