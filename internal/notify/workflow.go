package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"
)

// executionCreator is the part of the Workflows Executions client we use.
type executionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// WorkflowNotifier starts a Cloud Workflows execution for every finished job,
// handing the CSV over to downstream import steps.
type WorkflowNotifier struct {
	client  executionCreator
	parent  string
	timeout time.Duration
}

// NewWorkflowClient creates a Workflows Executions client with default credentials.
func NewWorkflowClient(ctx context.Context) (*executions.Client, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return client, nil
}

// NewWorkflowNotifier bounds every CreateExecution call by timeout (30s when zero).
func NewWorkflowNotifier(client executionCreator, projectID, location, workflowID string, timeout time.Duration) *WorkflowNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WorkflowNotifier{
		client:  client,
		parent:  fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
		timeout: timeout,
	}
}

func (n *WorkflowNotifier) Name() string { return "workflow" }

func (n *WorkflowNotifier) Notify(ctx context.Context, c Completion) error {
	payload := map[string]interface{}{
		"jobId":     c.Result.JobID,
		"pdfKey":    c.Result.PDFKey,
		"success":   c.Result.Success,
		"csvKey":    c.Result.CSVKey,
		"scriptKey": c.Result.ScriptKey,
		"verified":  c.Result.Verified,
	}
	if c.Event != nil && c.Event.Metadata != nil {
		payload["fileId"] = c.Event.Metadata.FileID
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}

	req := &executionspb.CreateExecutionRequest{
		Parent: n.parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if _, err := n.client.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return nil
}
