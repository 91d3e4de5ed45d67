package models

import "time"

// BatchStatus tracks a batch through its lifecycle. Transitions only move
// forward; CANCELLED is reachable from CREATED alone.
type BatchStatus string

const (
	BatchStatusCreated            BatchStatus = "CREATED"
	BatchStatusProcessing         BatchStatus = "PROCESSING"
	BatchStatusCompleted          BatchStatus = "COMPLETED"
	BatchStatusPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
	BatchStatusFailed             BatchStatus = "FAILED"
	BatchStatusCancelled          BatchStatus = "CANCELLED"
)

// Terminal reports whether no further status transition is allowed.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusPartiallyCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// OutputFormat identifies one of the export artifact formats a batch can
// request. The set is closed; encoders are resolved from it at startup.
type OutputFormat string

const (
	FormatJSON OutputFormat = "JSON"
	FormatCSV  OutputFormat = "CSV"
	FormatXLSX OutputFormat = "XLSX"
)

// ParseOutputFormat validates a client-supplied format name.
func ParseOutputFormat(s string) (OutputFormat, bool) {
	switch OutputFormat(s) {
	case FormatJSON, FormatCSV, FormatXLSX:
		return OutputFormat(s), true
	}
	return "", false
}

// Batch is the master record for one submitted group of invoices.
// ProcessedFiles and FailedFiles are only ever mutated through the store's
// transactional increment so that concurrent workers cannot race past
// TotalFiles.
type Batch struct {
	ID               string         `firestore:"-"`
	Status           BatchStatus    `firestore:"status"`
	TotalFiles       int            `firestore:"totalFiles"`
	ProcessedFiles   int            `firestore:"processedFiles"`
	FailedFiles      int            `firestore:"failedFiles"`
	RequestedFormats []OutputFormat `firestore:"requestedFormats"`
	JSONResultPath   string         `firestore:"jsonResultPath,omitempty"`
	CSVResultPath    string         `firestore:"csvResultPath,omitempty"`
	XLSXResultPath   string         `firestore:"xlsxResultPath,omitempty"`
	TemplateID       string         `firestore:"templateId"`
	UserID           string         `firestore:"userId"`
	CreatedAt        time.Time      `firestore:"createdAt"`
}

// Template describes the extraction schema a user applies to a batch, plus
// the flattening behavior of its tabular exports.
type Template struct {
	ID                  string `firestore:"-"`
	Name                string `firestore:"name"`
	UserID              string `firestore:"userId"`
	Schema              string `firestore:"schema"`
	ExpandNestedObjects bool   `firestore:"expandNestedObjects"`
	UnwindArrays        bool   `firestore:"unwindArrays"`
}

// AccessibleBy reports whether the template may be used by the given user.
func (t *Template) AccessibleBy(userID string) bool {
	return t.UserID == userID
}
