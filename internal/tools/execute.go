package tools

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/statementflow/internal/sandbox"
)

// ParserFileName is where the last successful script is kept inside the workspace.
const ParserFileName = "parser.py"

const previewLines = 5

type ExecuteInput struct {
	Script string `json:"script"`
}

type ExecuteResult struct {
	Success    bool   `json:"success"`
	CSVPath    string `json:"csvPath,omitempty"`
	RowCount   int    `json:"rowCount"`
	Preview    string `json:"preview,omitempty"`
	ScriptPath string `json:"scriptPath,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ExecuteScript runs a parser against the job's PDF. The CSV it names on its
// last stdout line is looked up inside the workspace only.
func (t *Toolset) ExecuteScript(ctx context.Context, in ExecuteInput) (*ExecuteResult, error) {
	if strings.TrimSpace(in.Script) == "" {
		return nil, fmt.Errorf("script is required")
	}
	pdfPath := t.ws.InputPDF()
	if _, err := os.Stat(pdfPath); err != nil {
		return nil, fmt.Errorf("statement not in workspace, run %s first", NameAnalyze)
	}

	res := t.sandbox.ExecutePython(ctx, in.Script, pdfPath, t.ws.Dir, t.cfg.ScriptTimeout)
	if !res.Success {
		t.logger.Info("Parser script failed.", "exitCode", res.ExitCode, "timedOut", res.TimedOut)
		return &ExecuteResult{
			Stdout: res.Output,
			Stderr: res.Stderr,
			Error:  helperError(res),
		}, nil
	}

	name := lastLine(res.Output)
	if name == "" {
		return &ExecuteResult{
			Stdout: res.Output,
			Stderr: res.Stderr,
			Error:  "script printed nothing; the last stdout line must be the CSV file name",
		}, nil
	}
	csvPath, err := t.ws.Resolve(name)
	if err != nil {
		return &ExecuteResult{Stdout: res.Output, Stderr: res.Stderr, Error: err.Error()}, nil
	}
	info, err := os.Stat(csvPath)
	if err != nil || !info.Mode().IsRegular() {
		return &ExecuteResult{
			Stdout: res.Output,
			Stderr: res.Stderr,
			Error:  fmt.Sprintf("CSV file %q not found in the output directory", filepath.Base(csvPath)),
		}, nil
	}

	data, err := os.ReadFile(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV output: %w", err)
	}

	scriptPath := filepath.Join(t.ws.Dir, ParserFileName)
	if err := os.WriteFile(scriptPath, []byte(sandbox.WithPreamble(in.Script)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to keep parser script: %w", err)
	}

	rows := countRows(data)
	t.logger.Info("Parser script produced CSV.", "csvPath", csvPath, "rowCount", rows)
	return &ExecuteResult{
		Success:    true,
		CSVPath:    csvPath,
		RowCount:   rows,
		Preview:    preview(data, previewLines),
		ScriptPath: scriptPath,
		Stdout:     res.Output,
	}, nil
}

// countRows counts CSV records minus the header. Malformed CSV falls back to
// counting non-empty lines.
func countRows(data []byte) int {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	n := len(records)
	if err != nil {
		n = 0
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) != "" {
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return n - 1
}

func preview(data []byte, n int) string {
	lines := strings.SplitN(string(data), "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\r\n")
}
