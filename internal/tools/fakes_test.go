package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/statementflow/internal/blob"
	"github.com/Lllllllleong/statementflow/internal/sandbox"
)

type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	listErr error
}

func newMemBackend() *memBackend {
	return &memBackend{objects: map[string][]byte{}}
}

func (m *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return body, nil
}

func (m *memBackend) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *memBackend) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memBackend) Bucket() string { return "statements" }

// fakeSandbox answers helper calls from a canned page set and runs "scripts"
// through a Go callback that may write into the job dir.
type fakeSandbox struct {
	pageCount int
	run       func(script, jobDir string) sandbox.ExecResult
	helperErr bool
	requested [][]string
}

func (f *fakeSandbox) ExecutePython(_ context.Context, script, _ string, jobDir string, _ time.Duration) sandbox.ExecResult {
	if f.run == nil {
		return sandbox.ExecResult{Error: "no runner", ExitCode: 1}
	}
	return f.run(script, jobDir)
}

func (f *fakeSandbox) RunHelperScript(_ context.Context, name string, args []string, _ time.Duration) sandbox.ExecResult {
	f.requested = append(f.requested, append([]string{name}, args...))
	if f.helperErr {
		return sandbox.ExecResult{Error: "exit status 1", Stderr: "pdfplumber exploded", ExitCode: 1}
	}
	switch name {
	case sandbox.HelperMetadata:
		out, _ := json.Marshal(map[string]any{
			"pageCount":     f.pageCount,
			"fileSize":      1234,
			"firstPageText": "CHASE Total Checking statement",
		})
		return sandbox.ExecResult{Success: true, Output: string(out) + "\n"}
	case sandbox.HelperPages:
		var pages []PageContent
		for _, p := range strings.Split(args[1], ",") {
			var n int
			fmt.Sscanf(p, "%d", &n)
			pages = append(pages, PageContent{PageNum: n, Text: fmt.Sprintf("page %d", n)})
		}
		out, _ := json.Marshal(map[string]any{"pages": pages})
		return sandbox.ExecResult{Success: true, Output: string(out)}
	}
	return sandbox.ExecResult{Error: "unknown helper"}
}

type fixture struct {
	backend *memBackend
	sandbox *fakeSandbox
	ws      *sandbox.Workspace
	tools   *Toolset
}

func newFixture(t *testing.T, pageCount int) *fixture {
	t.Helper()
	backend := newMemBackend()
	backend.objects["uploads/jan.pdf"] = []byte("%PDF-1.4 not really")
	sb := &fakeSandbox{pageCount: pageCount}
	ws := &sandbox.Workspace{Dir: t.TempDir()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := blob.NewGateway(backend, logger)
	return &fixture{
		backend: backend,
		sandbox: sb,
		ws:      ws,
		tools:   New(gw, sb, ws, "uploads/jan.pdf", Config{}, logger),
	}
}

func (f *fixture) analyze(t *testing.T) *AnalyzeResult {
	t.Helper()
	res, err := f.tools.Analyze(context.Background(), AnalyzeInput{PDFKey: "uploads/jan.pdf"})
	require.NoError(t, err)
	return res
}

var errBoom = errors.New("boom")
