package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/statementflow/internal/sandbox"
)

func TestSamplePages(t *testing.T) {
	tests := []struct {
		count int
		want  []int
	}{
		{0, nil},
		{1, []int{0}},
		{6, []int{0, 1, 2, 3, 4, 5}},
		{7, []int{0, 1, 5, 6}},
		{10, []int{0, 1, 8, 9}},
		{11, []int{0, 1, 2, 8, 9, 10}},
		{40, []int{0, 1, 2, 37, 38, 39}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.count), func(t *testing.T) {
			assert.Equal(t, tt.want, samplePages(tt.count))
		})
	}
}

func TestMiddlePages(t *testing.T) {
	sampled := samplePages(20)

	assert.Equal(t, []int{9, 10}, middlePages([]int{9, 0, 10, 10, 19, 25, -1}, sampled, 20))
	assert.Equal(t, []int{9, 10, 11}, middlePages(nil, sampled, 20))
	assert.Equal(t, []int{9, 10, 11}, middlePages([]int{0, 1}, sampled, 20))
	assert.Empty(t, middlePages(nil, samplePages(5), 5))

	for _, p := range middlePages(nil, samplePages(8), 8) {
		assert.NotContains(t, samplePages(8), p)
	}
}

func TestAnalyze(t *testing.T) {
	f := newFixture(t, 12)
	res := f.analyze(t)

	assert.Equal(t, 12, res.PageCount)
	assert.Equal(t, int64(1234), res.FileSize)
	assert.Contains(t, res.FirstPageText, "CHASE")
	assert.Equal(t, []int{0, 1, 2, 9, 10, 11}, res.SampledPages)
	require.Len(t, res.Pages, 6)
	assert.Equal(t, 11, res.Pages[5].PageNum)

	_, err := os.Stat(f.ws.InputPDF())
	assert.NoError(t, err)
	assert.Equal(t, []string{sandbox.HelperPages, f.ws.InputPDF(), "0,1,2,9,10,11"}, f.sandbox.requested[1])
}

func TestAnalyzeErrors(t *testing.T) {
	t.Run("missing object", func(t *testing.T) {
		f := newFixture(t, 3)
		delete(f.backend.objects, "uploads/jan.pdf")
		_, err := f.tools.Analyze(context.Background(), AnalyzeInput{})
		assert.ErrorContains(t, err, "failed to download")
	})
	t.Run("helper failure", func(t *testing.T) {
		f := newFixture(t, 3)
		f.sandbox.helperErr = true
		_, err := f.tools.Analyze(context.Background(), AnalyzeInput{})
		assert.ErrorContains(t, err, "pdfplumber exploded")
	})
}

func TestDetectBank(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"JPMorgan CHASE Bank, N.A.", "chase"},
		{"Your purchase history", ""},
		{"Bank of America and Chase", "bank of america"},
		{"AMERICAN  EXPRESS card statement", "american express"},
		{"We really appreciate it", ""},
		{"Ally Bank savings", "ally"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, detectBank(tt.text))
		})
	}
}

func TestMatchScript(t *testing.T) {
	tests := []struct {
		name string
		keys []string
		bank string
		want string
	}{
		{"short token inside a word", []string{"scripts/really_old.py", "scripts/tally.py"}, "ally", ""},
		{"short token as a word", []string{"scripts/really_old.py", "scripts/ally_bank.py"}, "ally", "scripts/ally_bank.py"},
		{"token before digits", []string{"scripts/chase2024.py"}, "chase", "scripts/chase2024.py"},
		{"purchase is not chase", []string{"scripts/purchases.py"}, "chase", ""},
		{"spaced multi-word", []string{"scripts/Wells-Fargo_checking.py"}, "wells fargo", "scripts/Wells-Fargo_checking.py"},
		{"joined multi-word", []string{"scripts/wellsfargo.py"}, "wells fargo", "scripts/wellsfargo.py"},
		{"partial multi-word", []string{"scripts/wells_notes.py"}, "wells fargo", ""},
		{"extension is not a word", []string{"scripts/statement.pnc"}, "pnc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchScript(tt.keys, tt.bank))
		})
	}
}

func TestFindAndDownloadScript(t *testing.T) {
	ctx := context.Background()

	t.Run("empty cache", func(t *testing.T) {
		f := newFixture(t, 3)
		res, err := f.tools.FindAndDownloadScript(ctx, FindScriptInput{FirstPageText: "Chase"})
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Contains(t, res.Reason, "empty")
	})

	t.Run("hit strips preamble", func(t *testing.T) {
		f := newFixture(t, 3)
		f.backend.objects["scripts/Wells_Fargo-checking.py"] = []byte(sandbox.WithPreamble("print('wf.csv')\n"))
		f.backend.objects["scripts/chase_statement.py"] = []byte(sandbox.WithPreamble("print('chase.csv')\n"))

		res, err := f.tools.FindAndDownloadScript(ctx, FindScriptInput{FirstPageText: "JPMorgan Chase Bank"})
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, "scripts/chase_statement.py", res.ScriptKey)
		assert.Equal(t, "chase", res.DetectedBank)
		assert.Equal(t, "print('chase.csv')\n", res.ScriptContent)
		assert.Equal(t, res.ScriptContent, sandbox.StripPreamble(res.ScriptContent))

		res, err = f.tools.FindAndDownloadScript(ctx, FindScriptInput{FirstPageText: "WELLS FARGO"})
		require.NoError(t, err)
		assert.Equal(t, "scripts/Wells_Fargo-checking.py", res.ScriptKey)
	})

	t.Run("miss returns candidates", func(t *testing.T) {
		f := newFixture(t, 3)
		f.backend.objects["scripts/hsbc.py"] = []byte("x")
		res, err := f.tools.FindAndDownloadScript(ctx, FindScriptInput{FirstPageText: "Barclays"})
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Equal(t, "barclays", res.DetectedBank)
		assert.Equal(t, []string{"scripts/hsbc.py"}, res.Candidates)
	})

	t.Run("short bank token does not hit unrelated scripts", func(t *testing.T) {
		f := newFixture(t, 3)
		f.backend.objects["scripts/really_old.py"] = []byte(sandbox.WithPreamble("print('old.csv')\n"))
		res, err := f.tools.FindAndDownloadScript(ctx, FindScriptInput{FirstPageText: "Ally Bank savings"})
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Equal(t, "ally", res.DetectedBank)
		assert.Equal(t, []string{"scripts/really_old.py"}, res.Candidates)
	})

	t.Run("listing error is a miss", func(t *testing.T) {
		f := newFixture(t, 3)
		f.backend.listErr = errBoom
		res, err := f.tools.FindAndDownloadScript(ctx, FindScriptInput{FirstPageText: "Chase"})
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Contains(t, res.Reason, "boom")
	})
}

func writeCSV(rows int) func(string, string) sandbox.ExecResult {
	return func(_ string, jobDir string) sandbox.ExecResult {
		var b strings.Builder
		b.WriteString("Date,Description,Amount\n")
		for i := 0; i < rows; i++ {
			fmt.Fprintf(&b, "2024-01-%02d,\"Coffee, large\",-%d.50\n", i%28+1, i)
		}
		_ = os.WriteFile(filepath.Join(jobDir, "out.csv"), []byte(b.String()), 0o600)
		return sandbox.ExecResult{Success: true, Output: "parsed\n/somewhere/else/out.csv\n\n"}
	}
}

func TestExecuteScript(t *testing.T) {
	ctx := context.Background()

	t.Run("success resolves inside workspace", func(t *testing.T) {
		f := newFixture(t, 3)
		f.analyze(t)
		f.sandbox.run = writeCSV(7)

		res, err := f.tools.ExecuteScript(ctx, ExecuteInput{Script: "print('out.csv')"})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
		assert.Equal(t, filepath.Join(f.ws.Dir, "out.csv"), res.CSVPath)
		assert.True(t, f.ws.Contains(res.CSVPath))
		assert.Equal(t, 7, res.RowCount)
		assert.Len(t, strings.Split(res.Preview, "\n"), 5)

		kept, err := os.ReadFile(res.ScriptPath)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(kept), sandbox.Preamble()))
		assert.Contains(t, string(kept), "print('out.csv')")
	})

	t.Run("missing csv", func(t *testing.T) {
		f := newFixture(t, 3)
		f.analyze(t)
		f.sandbox.run = func(string, string) sandbox.ExecResult {
			return sandbox.ExecResult{Success: true, Output: "nothing.csv"}
		}
		res, err := f.tools.ExecuteScript(ctx, ExecuteInput{Script: "x"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "nothing.csv")
	})

	t.Run("script failure carries output", func(t *testing.T) {
		f := newFixture(t, 3)
		f.analyze(t)
		f.sandbox.run = func(string, string) sandbox.ExecResult {
			return sandbox.ExecResult{Output: "partial", Stderr: "Traceback: KeyError", Error: "exit status 1", ExitCode: 1}
		}
		res, err := f.tools.ExecuteScript(ctx, ExecuteInput{Script: "x"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "partial", res.Stdout)
		assert.Contains(t, res.Stderr, "KeyError")
	})

	t.Run("requires analyze", func(t *testing.T) {
		f := newFixture(t, 3)
		_, err := f.tools.ExecuteScript(ctx, ExecuteInput{Script: "x"})
		assert.ErrorContains(t, err, NameAnalyze)
	})
}

func TestCountRows(t *testing.T) {
	assert.Equal(t, 0, countRows(nil))
	assert.Equal(t, 0, countRows([]byte("a,b\n")))
	assert.Equal(t, 2, countRows([]byte("a,b\n1,2\n\"x\ny\",3\n")))
	assert.Equal(t, 2, countRows([]byte("a,b\n1\n2,3,4\n")))
}

func TestTruncateCSV(t *testing.T) {
	short := "h\n1\n2"
	got, n, truncated := truncateCSV(short + "\n")
	assert.Equal(t, short, got)
	assert.Equal(t, 3, n)
	assert.False(t, truncated)

	lines := []string{"header"}
	for i := 0; i < 300; i++ {
		lines = append(lines, fmt.Sprintf("row%d", i))
	}
	got, n, truncated = truncateCSV(strings.Join(lines, "\n"))
	assert.True(t, truncated)
	assert.Equal(t, 301, n)
	out := strings.Split(got, "\n")
	assert.Len(t, out, 1+100+1+50)
	assert.Equal(t, "header", out[0])
	assert.Equal(t, "row99", out[100])
	assert.Contains(t, out[101], "150 lines omitted")
	assert.Equal(t, "row250", out[102])
	assert.Equal(t, "row299", out[len(out)-1])
}

func TestVerifyCSVOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 20)
	f.analyze(t)
	f.sandbox.run = writeCSV(3)
	exec, err := f.tools.ExecuteScript(ctx, ExecuteInput{Script: "x"})
	require.NoError(t, err)

	res, err := f.tools.VerifyCSVOutput(ctx, VerifyInput{CSVPath: exec.CSVPath, MiddlePageNumbers: []int{0, 12}})
	require.NoError(t, err)
	assert.Equal(t, []int{12}, res.MiddlePages)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, 12, res.Pages[0].PageNum)
	assert.Equal(t, 4, res.CSVLineCount)
	assert.False(t, res.Truncated)

	res, err = f.tools.VerifyCSVOutput(ctx, VerifyInput{CSVPath: "out.csv"})
	require.NoError(t, err)
	assert.Equal(t, []int{9, 10, 11}, res.MiddlePages)

	_, err = f.tools.VerifyCSVOutput(ctx, VerifyInput{CSVPath: "missing.csv"})
	assert.Error(t, err)
}

func TestUploadToR2(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.analyze(t)
	f.sandbox.run = writeCSV(2)
	exec, err := f.tools.ExecuteScript(ctx, ExecuteInput{Script: "print('out.csv')"})
	require.NoError(t, err)

	csvRes, err := f.tools.UploadToR2(ctx, UploadInput{FilePath: exec.CSVPath, OriginalPDFKey: "uploads/jan.pdf"})
	require.NoError(t, err)
	assert.True(t, csvRes.Success)
	assert.Equal(t, "csv/jan.csv", csvRes.Key)
	assert.Equal(t, "statements", csvRes.Bucket)
	assert.Positive(t, csvRes.Size)

	scriptRes, err := f.tools.UploadToR2(ctx, UploadInput{FilePath: exec.ScriptPath, OriginalPDFKey: "uploads/jan.pdf", Artifact: ArtifactScript})
	require.NoError(t, err)
	assert.True(t, scriptRes.Success)
	assert.Equal(t, "scripts/jan.py", scriptRes.Key)
	assert.True(t, strings.HasPrefix(string(f.backend.objects["scripts/jan.py"]), sandbox.Preamble()))

	custom, err := f.tools.UploadToR2(ctx, UploadInput{FilePath: "out.csv", OriginalPDFKey: "uploads/jan.pdf", CustomOutputKey: "exports/x.csv"})
	require.NoError(t, err)
	assert.Equal(t, "exports/x.csv", custom.Key)

	require.NoError(t, os.WriteFile(filepath.Join(f.ws.Dir, "empty.csv"), nil, 0o600))
	empty, err := f.tools.UploadToR2(ctx, UploadInput{FilePath: "empty.csv", OriginalPDFKey: "uploads/jan.pdf"})
	require.NoError(t, err)
	assert.False(t, empty.Success)
	assert.Contains(t, empty.Error, "empty")

	outside, err := f.tools.UploadToR2(ctx, UploadInput{FilePath: "../../etc/passwd", OriginalPDFKey: "uploads/jan.pdf"})
	require.NoError(t, err)
	assert.False(t, outside.Success)
}

func TestToolsetExposesAllTools(t *testing.T) {
	f := newFixture(t, 3)
	var names []string
	for _, tool := range f.tools.Tools() {
		names = append(names, tool.Name)
		assert.NotNil(t, tool.Schema)
	}
	assert.Equal(t, []string{NameAnalyze, NameFindScript, NameExecute, NameVerify, NameUpload}, names)
}
