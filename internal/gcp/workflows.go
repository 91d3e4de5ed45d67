package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/invoxa/invoiceflow/internal/models"
)

// WorkflowScheduler hands pages of files to the processing workflow, which
// fans out to the file-worker function one invocation per file.
type WorkflowScheduler struct {
	client           *executions.Client
	projectID        string
	workflowLocation string
	workflowID       string
}

// NewWorkflowScheduler creates the Workflows Executions client.
func NewWorkflowScheduler(ctx context.Context, projectID, location, workflowID string) (*WorkflowScheduler, error) {
	if projectID == "" || workflowID == "" {
		return nil, fmt.Errorf("NewWorkflowScheduler: projectID and workflowID must be set")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowScheduler{
		client:           client,
		projectID:        projectID,
		workflowLocation: location,
		workflowID:       workflowID,
	}, nil
}

// SubmitFiles creates one workflow execution for a page of file IDs.
func (s *WorkflowScheduler) SubmitFiles(ctx context.Context, batchID string, fileIDs []string) error {
	payloadBytes, err := json.Marshal(models.WorkflowSubmission{
		BatchID: batchID,
		FileIDs: fileIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", s.projectID, s.workflowLocation, s.workflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	if _, err := s.client.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to trigger workflow execution for batch %s: %w", batchID, err)
	}
	return nil
}

func (s *WorkflowScheduler) Close() error {
	return s.client.Close()
}
