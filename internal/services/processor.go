package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Lllllllleong/statementflow/internal/agent"
	"github.com/Lllllllleong/statementflow/internal/blob"
	"github.com/Lllllllleong/statementflow/internal/gcp"
	"github.com/Lllllllleong/statementflow/internal/metrics"
	"github.com/Lllllllleong/statementflow/internal/models"
	"github.com/Lllllllleong/statementflow/internal/sandbox"
	"github.com/Lllllllleong/statementflow/internal/tools"
)

// Step ceiling bounds and retry budget defaults.
const (
	DefaultMaxSteps           = 20
	MinMaxSteps               = 15
	MaxMaxSteps               = 25
	DefaultMaxExecuteAttempts = 3
	DefaultMaxVerifyRetries   = 2

	maxErrorLength = 500
)

// ProcessorConfig holds the agent budgets and subprocess timeouts.
type ProcessorConfig struct {
	MaxSteps           int
	MaxExecuteAttempts int
	MaxVerifyRetries   int
	ScriptTimeout      time.Duration
	HelperTimeout      time.Duration
}

// ClampSteps keeps the step ceiling within [MinMaxSteps, MaxMaxSteps]; zero means the default.
func ClampSteps(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxSteps
	case n < MinMaxSteps:
		return MinMaxSteps
	case n > MaxMaxSteps:
		return MaxMaxSteps
	}
	return n
}

// Runner owns job workspaces and runs scripts inside them.
type Runner interface {
	tools.Sandbox
	CreateJobDir() (*sandbox.Workspace, error)
	CleanupJobDir(ws *sandbox.Workspace)
}

// JobRecorder persists job progress. Implementations must be safe to call
// after the request context is gone; errors are logged and never fail a job.
type JobRecorder interface {
	Create(ctx context.Context, rec models.JobRecord) error
	UpdateStatus(ctx context.Context, jobID, status string) error
	Finish(ctx context.Context, res *models.ProcessResult) error
}

// JobRequest identifies the statement to convert.
type JobRequest struct {
	PDFKey string
	ETag   string
	FileID string
}

// ProcessorFunction runs one agent conversation per statement.
type ProcessorFunction struct {
	store   tools.Store
	runner  Runner
	model   agent.Model
	records JobRecorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	config  ProcessorConfig
}

// ProcessorDeps are constructed in main and injected.
type ProcessorDeps struct {
	Store   tools.Store
	Runner  Runner
	Model   agent.Model
	Records JobRecorder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewProcessor(deps ProcessorDeps, config ProcessorConfig) (*ProcessorFunction, error) {
	if deps.Store == nil || deps.Runner == nil || deps.Model == nil {
		return nil, fmt.Errorf("processor requires a store, a runner and a model")
	}
	config.MaxSteps = ClampSteps(config.MaxSteps)
	if config.MaxExecuteAttempts <= 0 {
		config.MaxExecuteAttempts = DefaultMaxExecuteAttempts
	}
	if config.MaxVerifyRetries <= 0 {
		config.MaxVerifyRetries = DefaultMaxVerifyRetries
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessorFunction{
		store:   deps.Store,
		runner:  deps.Runner,
		model:   deps.Model,
		records: deps.Records,
		metrics: deps.Metrics,
		logger:  logger,
		config:  config,
	}, nil
}

// Process converts one statement. It always returns a result; infrastructure
// failures and panics become a failed result, and the workspace is always removed.
func (f *ProcessorFunction) Process(ctx context.Context, req JobRequest) (result *models.ProcessResult) {
	jobID := uuid.NewString()
	start := time.Now()
	logCtx := f.logger.With("jobId", jobID, "pdfKey", req.PDFKey)
	logCtx.Info("Starting conversion job.")

	result = &models.ProcessResult{JobID: jobID, PDFKey: req.PDFKey}
	var run *agent.Result

	f.recordCreate(ctx, logCtx, models.JobRecord{JobID: jobID, PDFKey: req.PDFKey, ETag: req.ETag, FileID: req.FileID})

	var ws *sandbox.Workspace
	defer func() {
		if r := recover(); r != nil {
			logCtx.Error("Conversion job panicked.", "panic", r)
			result = &models.ProcessResult{
				JobID:  jobID,
				PDFKey: req.PDFKey,
				Error:  truncate(fmt.Sprintf("internal error: %v", r), maxErrorLength),
			}
			if run != nil {
				result.Steps = run.Steps
				result.Verified = traceHasVerify(run.Trace)
			}
		}
		if ws != nil {
			f.runner.CleanupJobDir(ws)
		}
		result.DurationMs = time.Since(start).Milliseconds()
		f.finish(logCtx, result)
	}()

	var err error
	ws, err = f.runner.CreateJobDir()
	if err != nil {
		logCtx.Error("Failed to create job workspace.", "error", err)
		result.Error = truncate(fmt.Sprintf("failed to create job workspace: %v", err), maxErrorLength)
		return result
	}
	logCtx.Info("Created job workspace.", "path", ws.Dir)

	guard := newJobGuard(f.config.MaxExecuteAttempts, f.config.MaxVerifyRetries, func(ctx context.Context, stage string) {
		f.recordStatus(ctx, logCtx, jobID, stage)
	}, logCtx)

	ts := tools.New(f.store, f.runner, ws, req.PDFKey, tools.Config{
		ScriptTimeout: f.config.ScriptTimeout,
		HelperTimeout: f.config.HelperTimeout,
	}, logCtx)

	loop, err := agent.NewLoop(agent.LoopConfig{
		Model:    f.model,
		Tools:    guard.wrap(ts.Tools()),
		MaxSteps: f.config.MaxSteps,
		Logger:   logCtx,
		Metrics:  f.metrics,
	})
	if err != nil {
		result.Error = truncate(fmt.Sprintf("failed to start agent: %v", err), maxErrorLength)
		return result
	}

	run, err = loop.Run(ctx, gcp.StatementSystemPrompt, fmt.Sprintf(gcp.StatementUserPrompt, req.PDFKey))
	if err != nil {
		logCtx.Error("Agent loop aborted.", "error", err)
		result = classify(jobID, req.PDFKey, run, f.config.MaxSteps)
		if !result.Success {
			result.Error = truncate(fmt.Sprintf("agent aborted: %v", err), maxErrorLength)
		}
		return result
	}

	result = classify(jobID, req.PDFKey, run, f.config.MaxSteps)
	return result
}

// classify derives the job outcome from the uploads recorded in the trace.
func classify(jobID, pdfKey string, run *agent.Result, maxSteps int) *models.ProcessResult {
	res := &models.ProcessResult{JobID: jobID, PDFKey: pdfKey}
	if run == nil {
		res.Error = "agent produced no result"
		return res
	}
	res.Steps = run.Steps
	res.Verified = traceHasVerify(run.Trace)

	for _, call := range run.Trace {
		if call.Tool != tools.NameUpload || call.Err != nil {
			continue
		}
		up, ok := call.Result.(*tools.UploadResult)
		if !ok || up == nil || !up.Success {
			continue
		}
		switch {
		case strings.HasPrefix(up.Key, blob.CSVPrefix):
			res.CSVKey = up.Key
		case strings.HasPrefix(up.Key, blob.ScriptPrefix):
			res.ScriptKey = up.Key
		}
	}

	if res.CSVKey != "" {
		res.Success = true
		return res
	}

	res.ScriptKey = ""
	switch {
	case run.HitCeiling:
		res.Error = fmt.Sprintf("agent reached the step ceiling (%d steps) without uploading a CSV", maxSteps)
	case strings.TrimSpace(run.LastText) != "":
		res.Error = truncate(run.LastText, maxErrorLength)
	default:
		res.Error = "agent finished without uploading a CSV"
	}
	return res
}

func traceHasVerify(trace []agent.Call) bool {
	for _, c := range trace {
		if c.Tool == tools.NameVerify {
			return true
		}
	}
	return false
}

func (f *ProcessorFunction) finish(logCtx *slog.Logger, res *models.ProcessResult) {
	outcome := metrics.ResultFailure
	switch {
	case res.Success && res.Partial():
		outcome = metrics.ResultPartial
	case res.Success:
		outcome = metrics.ResultSuccess
	}
	f.metrics.ObserveJob(outcome, time.Duration(res.DurationMs)*time.Millisecond, res.Steps)

	if f.records != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.records.Finish(ctx, res); err != nil {
			logCtx.Error("Failed to store final job status.", "error", err)
		}
	}

	if res.Success {
		logCtx.Info("Conversion job finished.",
			"outcome", outcome,
			"csvKey", res.CSVKey,
			"scriptKey", res.ScriptKey,
			"verified", res.Verified,
			"steps", res.Steps,
			"durationMs", res.DurationMs,
		)
		return
	}
	logCtx.Warn("Conversion job failed.", "error", res.Error, "steps", res.Steps, "durationMs", res.DurationMs)
}

func (f *ProcessorFunction) recordCreate(ctx context.Context, logCtx *slog.Logger, rec models.JobRecord) {
	if f.records == nil {
		return
	}
	if err := f.records.Create(ctx, rec); err != nil {
		logCtx.Error("Failed to create job record.", "error", err)
	}
}

func (f *ProcessorFunction) recordStatus(ctx context.Context, logCtx *slog.Logger, jobID, status string) {
	if f.records == nil {
		return
	}
	if err := f.records.UpdateStatus(ctx, jobID, status); err != nil {
		logCtx.Error("Failed to update job status.", "status", status, "error", err)
	}
}

// truncate trims s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
