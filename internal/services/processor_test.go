package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/statementflow/internal/agent"
	"github.com/Lllllllleong/statementflow/internal/blob"
	"github.com/Lllllllleong/statementflow/internal/models"
	"github.com/Lllllllleong/statementflow/internal/sandbox"
	"github.com/Lllllllleong/statementflow/internal/tools"
)

type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return b, nil
}

func (m *memBackend) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	return nil
}

func (m *memBackend) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memBackend) Bucket() string { return "statements" }

// fakeRunner uses real job dirs and fakes the subprocesses. It asserts the job
// dir exists whenever a tool reaches the sandbox.
type fakeRunner struct {
	t       *testing.T
	inner   *sandbox.Runner
	mu      sync.Mutex
	created []string
}

func newFakeRunner(t *testing.T) *fakeRunner {
	inner, err := sandbox.NewRunner(sandbox.Config{ScratchDir: t.TempDir()})
	require.NoError(t, err)
	return &fakeRunner{t: t, inner: inner}
}

func (r *fakeRunner) CreateJobDir() (*sandbox.Workspace, error) {
	ws, err := r.inner.CreateJobDir()
	if err == nil {
		r.mu.Lock()
		r.created = append(r.created, ws.Dir)
		r.mu.Unlock()
	}
	return ws, err
}

func (r *fakeRunner) CleanupJobDir(ws *sandbox.Workspace) { r.inner.CleanupJobDir(ws) }

func (r *fakeRunner) ExecutePython(_ context.Context, _ string, _ string, jobDir string, _ time.Duration) sandbox.ExecResult {
	r.requireDir(jobDir)
	_ = os.WriteFile(filepath.Join(jobDir, "out.csv"), []byte("Date,Amount\n2024-01-02,-4.50\n2024-01-03,10.00\n"), 0o600)
	return sandbox.ExecResult{Success: true, Output: "out.csv\n"}
}

func (r *fakeRunner) RunHelperScript(_ context.Context, name string, args []string, _ time.Duration) sandbox.ExecResult {
	r.requireDir(filepath.Dir(args[0]))
	if name == sandbox.HelperMetadata {
		return sandbox.ExecResult{Success: true, Output: `{"pageCount":3,"fileSize":10,"firstPageText":"Chase"}`}
	}
	return sandbox.ExecResult{Success: true, Output: `{"pages":[{"pageNum":0,"text":"t","tables":[]}]}`}
}

func (r *fakeRunner) requireDir(dir string) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		r.t.Errorf("job dir %s missing during tool call", dir)
	}
}

func (r *fakeRunner) assertCleaned(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, r.created)
	for _, dir := range r.created {
		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err), "job dir %s still exists", dir)
	}
}

// scriptModel replays turns; a nil turn panics, an error turn fails.
type scriptModel struct {
	turns []func() (*agent.Message, error)
	steps int
}

func (m *scriptModel) Generate(context.Context, agent.Request) (*agent.Message, error) {
	m.steps++
	if len(m.turns) == 0 {
		return &agent.Message{Text: "nothing left to do"}, nil
	}
	next := m.turns[0]
	m.turns = m.turns[1:]
	return next()
}

func calls(cs ...agent.FunctionCall) func() (*agent.Message, error) {
	return func() (*agent.Message, error) { return &agent.Message{Calls: cs}, nil }
}

func text(s string) func() (*agent.Message, error) {
	return func() (*agent.Message, error) { return &agent.Message{Text: s}, nil }
}

func fc(name string, args map[string]any) agent.FunctionCall {
	raw, _ := json.Marshal(args)
	return agent.FunctionCall{Name: name, Args: raw}
}

type fakeRecorder struct {
	mu       sync.Mutex
	created  []models.JobRecord
	statuses []string
	finished []*models.ProcessResult
}

func (r *fakeRecorder) Create(_ context.Context, rec models.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, rec)
	return nil
}

func (r *fakeRecorder) UpdateStatus(_ context.Context, _ string, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRecorder) Finish(_ context.Context, res *models.ProcessResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
	return errors.New("firestore unavailable")
}

const pdfKey = "uploads/2024/jan.pdf"

type harness struct {
	runner   *fakeRunner
	backend  *memBackend
	recorder *fakeRecorder
	proc     *ProcessorFunction
}

func newHarness(t *testing.T, model agent.Model) *harness {
	t.Helper()
	backend := &memBackend{objects: map[string][]byte{pdfKey: []byte("%PDF-1.4")}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := newFakeRunner(t)
	recorder := &fakeRecorder{}
	proc, err := NewProcessor(ProcessorDeps{
		Store:   blob.NewGateway(backend, logger),
		Runner:  runner,
		Model:   model,
		Records: recorder,
		Logger:  logger,
	}, ProcessorConfig{})
	require.NoError(t, err)
	return &harness{runner: runner, backend: backend, recorder: recorder, proc: proc}
}

func fullRun() []func() (*agent.Message, error) {
	return []func() (*agent.Message, error){
		calls(fc(tools.NameAnalyze, map[string]any{"pdfKey": pdfKey})),
		calls(fc(tools.NameFindScript, map[string]any{"firstPageText": "Chase"})),
		calls(fc(tools.NameExecute, map[string]any{"script": "print('out.csv')"})),
		calls(fc(tools.NameVerify, map[string]any{"csvPath": "out.csv"})),
		calls(
			fc(tools.NameUpload, map[string]any{"filePath": "out.csv", "originalPdfKey": pdfKey}),
			fc(tools.NameUpload, map[string]any{"filePath": "parser.py", "originalPdfKey": pdfKey, "artifact": "script"}),
		),
		text("Uploaded csv/jan.csv and scripts/jan.py."),
	}
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t, &scriptModel{turns: fullRun()})

	res := h.proc.Process(context.Background(), JobRequest{PDFKey: pdfKey, ETag: "abc"})

	require.True(t, res.Success, res.Error)
	assert.False(t, res.Partial())
	assert.Equal(t, "csv/jan.csv", res.CSVKey)
	assert.Equal(t, "scripts/jan.py", res.ScriptKey)
	assert.True(t, res.Verified)
	assert.Equal(t, 6, res.Steps)
	assert.NotEmpty(t, res.JobID)
	assert.Empty(t, res.Error)

	assert.Contains(t, string(h.backend.objects["csv/jan.csv"]), "2024-01-02")
	assert.True(t, strings.HasPrefix(string(h.backend.objects["scripts/jan.py"]), sandbox.Preamble()))
	h.runner.assertCleaned(t)

	require.Len(t, h.recorder.created, 1)
	assert.Equal(t, "abc", h.recorder.created[0].ETag)
	assert.Equal(t, []string{
		models.StatusAnalyzing,
		models.StatusCacheLookup,
		models.StatusExecuting,
		models.StatusVerifying,
		models.StatusUploading,
	}, h.recorder.statuses)
	require.Len(t, h.recorder.finished, 1)
}

func TestProcessCSVOnlyIsPartial(t *testing.T) {
	turns := []func() (*agent.Message, error){
		calls(fc(tools.NameAnalyze, map[string]any{"pdfKey": pdfKey})),
		calls(fc(tools.NameExecute, map[string]any{"script": "x"})),
		calls(fc(tools.NameUpload, map[string]any{"filePath": "out.csv", "originalPdfKey": pdfKey})),
		text("done"),
	}
	h := newHarness(t, &scriptModel{turns: turns})

	res := h.proc.Process(context.Background(), JobRequest{PDFKey: pdfKey})

	assert.True(t, res.Success)
	assert.True(t, res.Partial())
	assert.Equal(t, "csv/jan.csv", res.CSVKey)
	assert.Empty(t, res.ScriptKey)
	assert.False(t, res.Verified)
	h.runner.assertCleaned(t)
}

func TestProcessStepCeilingWithoutUpload(t *testing.T) {
	turns := make([]func() (*agent.Message, error), 0, 40)
	for i := 0; i < 40; i++ {
		turns = append(turns, calls(fc(tools.NameFindScript, map[string]any{"firstPageText": "?"})))
	}
	model := &scriptModel{turns: turns}
	h := newHarness(t, model)

	res := h.proc.Process(context.Background(), JobRequest{PDFKey: pdfKey})

	assert.False(t, res.Success)
	assert.Equal(t, DefaultMaxSteps, res.Steps)
	assert.Equal(t, DefaultMaxSteps, model.steps)
	assert.Contains(t, res.Error, "step ceiling")
	assert.Empty(t, res.CSVKey)
	h.runner.assertCleaned(t)
}

func TestProcessFailureUsesLastModelText(t *testing.T) {
	long := strings.Repeat("x", 800)
	h := newHarness(t, &scriptModel{turns: []func() (*agent.Message, error){text(long)}})

	res := h.proc.Process(context.Background(), JobRequest{PDFKey: pdfKey})

	assert.False(t, res.Success)
	assert.Len(t, res.Error, 500)
	assert.Equal(t, 1, res.Steps)
}

func TestProcessRecoversPanic(t *testing.T) {
	turns := []func() (*agent.Message, error){
		calls(fc(tools.NameAnalyze, map[string]any{"pdfKey": pdfKey})),
		func() (*agent.Message, error) { panic("model exploded") },
	}
	h := newHarness(t, &scriptModel{turns: turns})

	var res *models.ProcessResult
	require.NotPanics(t, func() {
		res = h.proc.Process(context.Background(), JobRequest{PDFKey: pdfKey})
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "model exploded")
	h.runner.assertCleaned(t)
}

func TestProcessModelErrorIsFailure(t *testing.T) {
	turns := []func() (*agent.Message, error){
		func() (*agent.Message, error) { return nil, errors.New("quota exceeded") },
	}
	h := newHarness(t, &scriptModel{turns: turns})

	res := h.proc.Process(context.Background(), JobRequest{PDFKey: pdfKey})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "quota exceeded")
	h.runner.assertCleaned(t)
}

func TestClassifyIgnoresFailedUploads(t *testing.T) {
	run := &agent.Result{Steps: 4, Trace: []agent.Call{
		{Tool: tools.NameUpload, Result: &tools.UploadResult{Success: false, Error: "empty"}},
		{Tool: tools.NameUpload, Err: errors.New("budget")},
		{Tool: tools.NameUpload, Result: &tools.UploadResult{Success: true, Key: "scripts/jan.py"}},
		{Tool: tools.NameVerify},
	}, LastText: "gave up"}

	res := classify("job", pdfKey, run, 20)
	assert.False(t, res.Success)
	assert.Empty(t, res.ScriptKey)
	assert.True(t, res.Verified)
	assert.Equal(t, "gave up", res.Error)
}

func TestClassifyTruncatesOnRuneBoundary(t *testing.T) {
	// The euro sign occupies bytes 499..501, straddling the 500-byte limit.
	run := &agent.Result{Steps: 3, LastText: strings.Repeat("x", 499) + "€ could not parse the Société Générale layout"}

	res := classify("job", pdfKey, run, 20)
	assert.False(t, res.Success)
	assert.True(t, utf8.ValidString(res.Error))
	assert.Equal(t, strings.Repeat("x", 499), res.Error)
}

func TestClampSteps(t *testing.T) {
	for in, want := range map[int]int{0: 20, -3: 20, 5: 15, 15: 15, 22: 22, 25: 25, 99: 25} {
		t.Run(fmt.Sprint(in), func(t *testing.T) {
			assert.Equal(t, want, ClampSteps(in))
		})
	}
}
