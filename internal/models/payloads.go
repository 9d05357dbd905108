package models

// These structs define the JSON payloads exchanged with the storage webhook,
// the optional completion callback and the orchestrator's callers.

// WebhookEvent is the object-created notification delivered to POST /process.
type WebhookEvent struct {
	Account   string           `json:"account"`
	Bucket    string           `json:"bucket"`
	Object    WebhookObject    `json:"object"`
	Action    string           `json:"action"`
	EventTime string           `json:"eventTime"`
	Metadata  *WebhookMetadata `json:"metadata,omitempty"`
}

type WebhookObject struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	ETag string `json:"eTag"`
}

// WebhookMetadata links the upload back to the caller's own file record.
type WebhookMetadata struct {
	FileID      string `json:"fileId,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// DedupeKey identifies one object version: bucket, key and eTag. Equal content
// stored under another key is a separate delivery.
func (e *WebhookEvent) DedupeKey() string {
	id := e.Object.Key
	if e.Bucket != "" {
		id = e.Bucket + "/" + id
	}
	if e.Object.ETag != "" {
		id += "@" + e.Object.ETag
	}
	return id
}

// ProcessResult is the outcome of one job.
type ProcessResult struct {
	Success    bool   `json:"success"`
	JobID      string `json:"jobId"`
	PDFKey     string `json:"pdfKey"`
	CSVKey     string `json:"csvKey,omitempty"`
	ScriptKey  string `json:"scriptKey,omitempty"`
	Verified   bool   `json:"verified"`
	Steps      int    `json:"steps"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Partial reports a CSV without a stored parser script.
func (r *ProcessResult) Partial() bool {
	return r.Success && r.ScriptKey == ""
}

// ProcessResponse is the body returned by POST /process.
type ProcessResponse struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	PDFKey     string `json:"pdfKey,omitempty"`
	JobID      string `json:"jobId,omitempty"`
	CSVKey     string `json:"csvKey,omitempty"`
	ScriptKey  string `json:"scriptKey,omitempty"`
	Verified   bool   `json:"verified"`
	Steps      int    `json:"steps"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// CallbackPayload is POSTed to metadata.callbackUrl once a job ends. Every field
// is always present; the one that does not apply is null.
type CallbackPayload struct {
	FileID       string  `json:"fileId"`
	Status       string  `json:"status"`
	ResultCSVKey *string `json:"resultCsvKey"`
	Error        *string `json:"error"`
}

// Callback statuses.
const (
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
)

// HealthResponse is served by GET /health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}
