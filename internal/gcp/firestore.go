package gcp

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/statementflow/internal/models"
)

// maxErrorDetails caps the error text stored on a job record.
const maxErrorDetails = 1024

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// JobStore keeps one Firestore document per conversion job, keyed by job ID.
type JobStore struct {
	client     *firestore.Client
	collection string
}

func NewJobStore(client *firestore.Client, collection string) *JobStore {
	if collection == "" {
		collection = "statement_jobs"
	}
	return &JobStore{client: client, collection: collection}
}

func (s *JobStore) doc(jobID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(jobID)
}

// Create writes the initial record in the CREATED state.
func (s *JobStore) Create(ctx context.Context, rec models.JobRecord) error {
	now := time.Now().UTC()
	rec.Status = models.StatusCreated
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if _, err := s.doc(rec.JobID).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to create job record %s: %w", rec.JobID, err)
	}
	return nil
}

// UpdateStatus moves the record to a new stage.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID, status string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if _, err := s.doc(jobID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update job %s to %s: %w", jobID, status, err)
	}
	return nil
}

// Finish stores the final outcome of a job.
func (s *JobStore) Finish(ctx context.Context, res *models.ProcessResult) error {
	updates := []firestore.Update{
		{Path: "status", Value: FinalStatus(res)},
		{Path: "verified", Value: res.Verified},
		{Path: "steps", Value: res.Steps},
		{Path: "durationMs", Value: res.DurationMs},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if res.CSVKey != "" {
		updates = append(updates, firestore.Update{Path: "csvKey", Value: res.CSVKey})
	}
	if res.ScriptKey != "" {
		updates = append(updates, firestore.Update{Path: "scriptKey", Value: res.ScriptKey})
	}
	if res.Error != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: truncate(res.Error, maxErrorDetails)})
	}
	if _, err := s.doc(res.JobID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to finish job record %s: %w", res.JobID, err)
	}
	return nil
}

func (s *JobStore) Close() error {
	return s.client.Close()
}

// FinalStatus maps a result onto the terminal record status.
func FinalStatus(res *models.ProcessResult) string {
	switch {
	case !res.Success:
		return models.StatusFailed
	case res.Partial():
		return models.StatusPartial
	default:
		return models.StatusCompleted
	}
}

// truncate keeps at most n bytes and never splits a rune; Firestore rejects invalid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
