package models

// These structs define the JSON payloads exchanged between the processing
// workflow, the scheduler, and the worker Cloud Functions.

// CreateBatchRequest is the input for the batch-api create operation.
type CreateBatchRequest struct {
	UserID     string   `json:"userId"`
	TemplateID string   `json:"templateId"`
	Formats    []string `json:"formats"`
}

// CreateBatchResponse returns the new batch's identity and status.
type CreateBatchResponse struct {
	BatchID string `json:"batchId"`
	Status  string `json:"status"`
}

// AddFilesRequest attaches uploaded artifacts to a CREATED batch.
type AddFilesRequest struct {
	BatchID   string         `json:"batchId"`
	Artifacts []ArtifactSpec `json:"artifacts"`
}

// ArtifactSpec is one incoming document: its name plus raw content. Archives
// are expanded into individual documents before they reach this API.
type ArtifactSpec struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// StartProcessingRequest kicks off processing for a batch.
type StartProcessingRequest struct {
	BatchID string `json:"batchId"`
}

// FileWorkerRequest is the input for one file-worker invocation, issued by
// the processing workflow once per file.
type FileWorkerRequest struct {
	FileID string `json:"fileId"`
}

// FileWorkerResponse reports the file's terminal status.
type FileWorkerResponse struct {
	Status string `json:"status"`
}

// WorkflowSubmission is the argument of one workflow execution: a page of
// files for the workflow to fan out over.
type WorkflowSubmission struct {
	BatchID string   `json:"batchId"`
	FileIDs []string `json:"fileIds"`
}
