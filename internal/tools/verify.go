package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// CSV text longer than head+tail lines (plus header) is elided in the middle.
const (
	csvHeadLines = 100
	csvTailLines = 50
)

type VerifyInput struct {
	CSVPath           string `json:"csvPath"`
	MiddlePageNumbers []int  `json:"middlePageNumbers,omitempty"`
}

type VerifyResult struct {
	MiddlePages  []int         `json:"middlePages"`
	Pages        []PageContent `json:"pages"`
	CSVContent   string        `json:"csvContent"`
	CSVLineCount int           `json:"csvLineCount"`
	Truncated    bool          `json:"truncated"`
	Note         string        `json:"note,omitempty"`
}

// VerifyCSVOutput returns pages the model has not seen yet next to the CSV so
// the model can compare them. It passes no judgement itself.
func (t *Toolset) VerifyCSVOutput(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	pdfPath := t.ws.InputPDF()
	if _, err := os.Stat(pdfPath); err != nil {
		return nil, fmt.Errorf("statement not in workspace, run %s first", NameAnalyze)
	}
	csvPath, err := t.ws.Resolve(in.CSVPath)
	if err != nil {
		return nil, fmt.Errorf("invalid csvPath: %w", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}

	count := t.pageCount
	if n, err := countPages(pdfPath); err == nil {
		count = n
	} else {
		t.logger.Warn("pdfcpu could not count pages, using analyze count.", "error", err)
	}

	pages := middlePages(in.MiddlePageNumbers, t.sampled, count)
	res := &VerifyResult{MiddlePages: pages}
	res.CSVContent, res.CSVLineCount, res.Truncated = truncateCSV(string(data))

	if len(pages) == 0 {
		res.Note = "every page was already returned by analyze; compare the CSV against those pages"
		return res, nil
	}
	res.Pages, err = t.extractPages(ctx, pdfPath, pages)
	if err != nil {
		return nil, err
	}
	t.logger.Info("Verification pages extracted.", "middlePages", pages, "csvLines", res.CSVLineCount)
	return res, nil
}

// truncateCSV keeps the header, the first 100 and the last 50 data lines.
func truncateCSV(s string) (string, int, bool) {
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return "", 0, false
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= 1+csvHeadLines+csvTailLines {
		return s, len(lines), false
	}
	omitted := len(lines) - 1 - csvHeadLines - csvTailLines
	kept := make([]string, 0, 2+csvHeadLines+csvTailLines)
	kept = append(kept, lines[:1+csvHeadLines]...)
	kept = append(kept, fmt.Sprintf("... [%d lines omitted] ...", omitted))
	kept = append(kept, lines[len(lines)-csvTailLines:]...)
	return strings.Join(kept, "\n"), len(lines), true
}
