package models

import "time"

// Job statuses recorded in Firestore. Stage statuses mirror the tool being run.
const (
	StatusCreated     = "CREATED"
	StatusAnalyzing   = "ANALYZING"
	StatusCacheLookup = "CACHE_LOOKUP"
	StatusExecuting   = "EXECUTING"
	StatusVerifying   = "VERIFYING"
	StatusUploading   = "UPLOADING"
	StatusCompleted   = "COMPLETED"
	StatusPartial     = "PARTIAL"
	StatusFailed      = "FAILED"
)

// JobRecord is the Firestore document tracking one conversion job.
type JobRecord struct {
	JobID        string    `firestore:"jobId"`
	PDFKey       string    `firestore:"pdfKey"`
	ETag         string    `firestore:"eTag,omitempty"`
	FileID       string    `firestore:"fileId,omitempty"`
	Status       string    `firestore:"status"`
	CSVKey       string    `firestore:"csvKey,omitempty"`
	ScriptKey    string    `firestore:"scriptKey,omitempty"`
	Verified     bool      `firestore:"verified"`
	Steps        int       `firestore:"steps"`
	DurationMs   int64     `firestore:"durationMs,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}
