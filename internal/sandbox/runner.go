// Package sandbox runs untrusted, model-generated parser scripts and the bundled
// PDF helper scripts in per-job directories with hard wall-clock timeouts.
package sandbox

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/statementflow/internal/metrics"
)

//go:embed helpers/*.py
var helperFS embed.FS

// Bundled helper scripts.
const (
	HelperMetadata = "get_metadata.py"
	HelperPages    = "extract_pages.py"
)

// ExecResult is the outcome of one subprocess run. Success means exit code zero.
type ExecResult struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// Config configures a Runner.
type Config struct {
	// ScratchDir is the root under which job workspaces are created.
	ScratchDir string
	// Interpreter runs scripts; "python3" when empty.
	Interpreter string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Runner owns the scratch root and the materialized helper scripts.
type Runner struct {
	root        string
	helperDir   string
	interpreter string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRunner prepares the scratch root and writes the bundled helpers under it.
func NewRunner(cfg Config) (*Runner, error) {
	root := cfg.ScratchDir
	if root == "" {
		root = filepath.Join(os.TempDir(), "statementflow")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}

	helperDir := filepath.Join(root, ".helpers")
	if err := materializeHelpers(helperDir); err != nil {
		return nil, err
	}

	return &Runner{
		root:        root,
		helperDir:   helperDir,
		interpreter: interpreter,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

func materializeHelpers(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create helper dir: %w", err)
	}
	entries, err := fs.ReadDir(helperFS, "helpers")
	if err != nil {
		return fmt.Errorf("read bundled helpers: %w", err)
	}
	for _, e := range entries {
		body, err := helperFS.ReadFile("helpers/" + e.Name())
		if err != nil {
			return fmt.Errorf("read helper %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dir, e.Name()), body, 0o644); err != nil {
			return fmt.Errorf("write helper %s: %w", e.Name(), err)
		}
	}
	return nil
}

// HelperDir is where bundled helper scripts live on disk.
func (r *Runner) HelperDir() string { return r.helperDir }

// CreateJobDir allocates a fresh workspace exclusive to one job.
func (r *Runner) CreateJobDir() (*Workspace, error) {
	dir := filepath.Join(r.root, "job-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// CleanupJobDir removes the workspace. It never fails; problems are logged.
func (r *Runner) CleanupJobDir(ws *Workspace) {
	if ws == nil || ws.Dir == "" {
		return
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		r.logger.Warn("Failed to remove job dir.", "dir", ws.Dir, "error", err)
	}
}

// ExecutePython writes script (behind the preamble) into jobDir and runs it there.
// The script file is removed afterwards; jobDir is left for the caller.
func (r *Runner) ExecutePython(ctx context.Context, script, pdfPath, jobDir string, timeout time.Duration) ExecResult {
	scriptPath := filepath.Join(jobDir, "script-"+uuid.NewString()+".py")
	if err := os.WriteFile(scriptPath, []byte(WithPreamble(script)), 0o600); err != nil {
		return ExecResult{Error: fmt.Sprintf("write script: %v", err), ExitCode: -1}
	}
	defer os.Remove(scriptPath)

	env := []string{EnvPDFPath + "=" + pdfPath, EnvOutputDir + "=" + jobDir}
	return r.run(ctx, "script", jobDir, env, timeout, scriptPath)
}

// RunHelperScript runs a bundled helper with positional args and no preamble.
func (r *Runner) RunHelperScript(ctx context.Context, name string, args []string, timeout time.Duration) ExecResult {
	path := filepath.Join(r.helperDir, filepath.Base(name))
	if _, err := os.Stat(path); err != nil {
		return ExecResult{Error: fmt.Sprintf("unknown helper %q", name), ExitCode: -1}
	}
	return r.run(ctx, "helper", r.helperDir, nil, timeout, append([]string{path}, args...)...)
}

func (r *Runner) run(ctx context.Context, kind, dir string, env []string, timeout time.Duration, args ...string) ExecResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.interpreter, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	killProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := ExecResult{
		Output: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.Error = fmt.Sprintf("process killed (SIGKILL) after exceeding the %s timeout", timeout)
		r.metrics.ObserveSandboxRun(kind, metrics.ResultTimeout, elapsed)
	case err != nil:
		res.Error = err.Error()
		if ctx.Err() != nil {
			res.Error = fmt.Sprintf("process killed: %v", ctx.Err())
		}
		r.metrics.ObserveSandboxRun(kind, metrics.ResultError, elapsed)
	default:
		res.Success = true
		r.metrics.ObserveSandboxRun(kind, metrics.ResultSuccess, elapsed)
	}

	r.logger.Debug("Sandbox process finished.",
		"kind", kind,
		"exitCode", res.ExitCode,
		"success", res.Success,
		"timedOut", res.TimedOut,
		"elapsedMs", elapsed.Milliseconds(),
	)
	return res
}
