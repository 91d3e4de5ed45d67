package models

import "time"

// FileStatus tracks a single document through processing.
// COMPLETED and FAILED are terminal; a terminal record is never mutated again.
type FileStatus string

const (
	FileStatusPending    FileStatus = "PENDING"
	FileStatusProcessing FileStatus = "PROCESSING"
	FileStatusCompleted  FileStatus = "COMPLETED"
	FileStatusFailed     FileStatus = "FAILED"
)

// Terminal reports whether the file has reached its final state.
func (s FileStatus) Terminal() bool {
	return s == FileStatusCompleted || s == FileStatusFailed
}

// FileRecord is the unit-of-work record for one document. BatchID is empty
// for standalone files processed outside a batch.
type FileRecord struct {
	ID         string         `firestore:"-"`
	Status     FileStatus     `firestore:"status"`
	Name       string         `firestore:"name"`
	FilePath   string         `firestore:"filePath,omitempty"`
	Result     map[string]any `firestore:"result,omitempty"`
	Error      string         `firestore:"error,omitempty"`
	BatchID    string         `firestore:"batchId,omitempty"`
	TemplateID string         `firestore:"templateId"`
	UserID     string         `firestore:"userId"`
	CreatedAt  time.Time      `firestore:"createdAt"`
}

// ExtractionResult is one completed file's payload as consumed by the
// consolidation pipeline.
type ExtractionResult struct {
	FileID string
	Fields map[string]any
}

// PageCursor marks where a paged file listing left off. Ordering is
// (createdAt, id) ascending, so the pair identifies a unique position.
type PageCursor struct {
	CreatedAt time.Time
	ID        string
}
