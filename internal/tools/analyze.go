package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Lllllllleong/statementflow/internal/sandbox"
)

type AnalyzeInput struct {
	PDFKey string `json:"pdfKey"`
}

type AnalyzeResult struct {
	PageCount     int           `json:"pageCount"`
	FileSize      int64         `json:"fileSize"`
	FirstPageText string        `json:"firstPageText"`
	SampledPages  []int         `json:"sampledPages"`
	Pages         []PageContent `json:"pages"`
}

type pdfMetadata struct {
	PageCount     int    `json:"pageCount"`
	FileSize      int64  `json:"fileSize"`
	FirstPageText string `json:"firstPageText"`
}

// Analyze downloads the statement into the workspace and returns its metadata
// with the text of a front/back page sample.
func (t *Toolset) Analyze(ctx context.Context, in AnalyzeInput) (*AnalyzeResult, error) {
	key := t.pdfKey
	if key == "" {
		key = in.PDFKey
	}
	if key == "" {
		return nil, fmt.Errorf("pdfKey is required")
	}
	logCtx := t.logger.With("pdfKey", key)
	if in.PDFKey != "" && in.PDFKey != key {
		logCtx.Warn("Ignoring pdfKey from the model; the job is bound to another key.", "requested", in.PDFKey)
	}

	body, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to download statement: %w", err)
	}
	pdfPath := t.ws.InputPDF()
	if err := os.WriteFile(pdfPath, body, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write statement to workspace: %w", err)
	}

	res := t.sandbox.RunHelperScript(ctx, sandbox.HelperMetadata, []string{pdfPath}, t.cfg.HelperTimeout)
	if !res.Success {
		return nil, fmt.Errorf("metadata extraction failed: %s", helperError(res))
	}
	var meta pdfMetadata
	if err := json.Unmarshal([]byte(lastLine(res.Output)), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata output: %w", err)
	}

	if n, err := countPages(pdfPath); err != nil {
		logCtx.Warn("pdfcpu could not count pages.", "error", err)
	} else if n != meta.PageCount {
		logCtx.Warn("Page count mismatch between extractors.", "pdfplumber", meta.PageCount, "pdfcpu", n)
	}

	sample := samplePages(meta.PageCount)
	pages, err := t.extractPages(ctx, pdfPath, sample)
	if err != nil {
		return nil, err
	}

	t.pageCount = meta.PageCount
	t.sampled = sample

	logCtx.Info("Statement analyzed.", "pageCount", meta.PageCount, "fileSize", meta.FileSize, "sampledPages", sample)
	return &AnalyzeResult{
		PageCount:     meta.PageCount,
		FileSize:      meta.FileSize,
		FirstPageText: meta.FirstPageText,
		SampledPages:  sample,
		Pages:         pages,
	}, nil
}
