package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/statementflow/internal/sandbox"
)

// PageContent is one page as extracted by the page helper. PageNum is 0-based.
type PageContent struct {
	PageNum int          `json:"pageNum"`
	Text    string       `json:"text"`
	Tables  [][][]string `json:"tables"`
}

// samplePages picks the front/back sample analyze returns (0-based):
// every page up to 6, the first and last 2 up to 10, else the first and last 3.
func samplePages(count int) []int {
	if count <= 0 {
		return nil
	}
	edge := 3
	switch {
	case count <= 6:
		edge = count
	case count <= 10:
		edge = 2
	}
	if 2*edge >= count {
		all := make([]int, count)
		for i := range all {
			all[i] = i
		}
		return all
	}
	pages := make([]int, 0, 2*edge)
	for i := 0; i < edge; i++ {
		pages = append(pages, i)
	}
	for i := count - edge; i < count; i++ {
		pages = append(pages, i)
	}
	return pages
}

// middlePages keeps the requested pages that are in range and not already
// sampled. With nothing left it picks up to three unsampled pages around the
// middle of the document.
func middlePages(requested, sampled []int, count int) []int {
	out := make([]int, 0, len(requested))
	for _, p := range requested {
		if p < 0 || (count > 0 && p >= count) || slices.Contains(sampled, p) || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 0 || count <= 0 {
		return out
	}

	mid := count / 2
	for _, p := range []int{mid, mid - 1, mid + 1, mid - 2, mid + 2} {
		if len(out) == 3 {
			break
		}
		if p < 0 || p >= count || slices.Contains(sampled, p) || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// countPages reads the page count with pdfcpu, tolerating slightly malformed files.
func countPages(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(f, conf)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}

// extractPages runs the page helper for the given 0-based pages.
func (t *Toolset) extractPages(ctx context.Context, pdfPath string, pages []int) ([]PageContent, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	list := make([]string, len(pages))
	for i, p := range pages {
		list[i] = strconv.Itoa(p)
	}

	res := t.sandbox.RunHelperScript(ctx, sandbox.HelperPages, []string{pdfPath, strings.Join(list, ",")}, t.cfg.HelperTimeout)
	if !res.Success {
		return nil, fmt.Errorf("page extraction failed: %s", helperError(res))
	}

	var out struct {
		Pages []PageContent `json:"pages"`
	}
	if err := json.Unmarshal([]byte(lastLine(res.Output)), &out); err != nil {
		return nil, fmt.Errorf("failed to parse page extraction output: %w", err)
	}
	return out.Pages, nil
}

func helperError(res sandbox.ExecResult) string {
	msg := strings.TrimSpace(res.Error)
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		if msg != "" {
			msg += ": "
		}
		msg += stderr
	}
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return msg
}

// lastLine returns the last non-empty line of s, trimmed.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\r\n\t "), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
