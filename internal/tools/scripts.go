package tools

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/Lllllllleong/statementflow/internal/blob"
	"github.com/Lllllllleong/statementflow/internal/sandbox"
)

// bankTokens is checked in order against the first page; the first hit wins.
// Multi-word names come before the short ones they contain.
var bankTokens = []string{
	"american express",
	"bank of america",
	"capital one",
	"wells fargo",
	"chase",
	"citibank",
	"us bank",
	"pnc",
	"td bank",
	"hsbc",
	"barclays",
	"santander",
	"discover",
	"ally",
}

var bankPatterns = compileBankPatterns(bankTokens)

// maxCandidates bounds the script keys echoed back on a miss.
const maxCandidates = 25

func compileBankPatterns(tokens []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(tokens))
	for i, tok := range tokens {
		words := strings.Fields(tok)
		for j, w := range words {
			words[j] = regexp.QuoteMeta(w)
		}
		out[i] = regexp.MustCompile(`\b` + strings.Join(words, `\s+`) + `\b`)
	}
	return out
}

type FindScriptInput struct {
	FirstPageText string `json:"firstPageText"`
}

type FindScriptResult struct {
	Found         bool     `json:"found"`
	ScriptKey     string   `json:"scriptKey,omitempty"`
	DetectedBank  string   `json:"detectedBank,omitempty"`
	ScriptContent string   `json:"scriptContent,omitempty"`
	Candidates    []string `json:"candidates,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// detectBank returns the first bank token found in text, or "".
func detectBank(text string) string {
	lower := strings.ToLower(text)
	for i, re := range bankPatterns {
		if re.MatchString(lower) {
			return bankTokens[i]
		}
	}
	return ""
}

// normalize keeps lowercase letters and digits only.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if isAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// nameWords splits a file name into lowercase words at punctuation and at
// letter/digit changes: "Wells-Fargo_2024.py" gives [wells fargo 2024 py].
func nameWords(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range strings.ToLower(name) {
		if !isAlnum(r) {
			flush()
			continue
		}
		if len(cur) > 0 && isDigit(cur[len(cur)-1]) != isDigit(r) {
			flush()
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

// matchScript returns the first key whose file name holds the bank token as
// whole words, either spaced ("wells_fargo") or joined ("wellsfargo").
func matchScript(keys []string, bank string) string {
	tokenWords := nameWords(bank)
	joined := normalize(bank)
	for _, k := range keys {
		words := nameWords(strings.TrimSuffix(path.Base(k), path.Ext(k)))
		if slices.Contains(words, joined) || containsRun(words, tokenWords) {
			return k
		}
	}
	return ""
}

// containsRun reports whether run appears in words as consecutive elements.
func containsRun(words, run []string) bool {
	if len(run) == 0 {
		return false
	}
	for i := 0; i+len(run) <= len(words); i++ {
		if slices.Equal(words[i:i+len(run)], run) {
			return true
		}
	}
	return false
}

// FindAndDownloadScript looks for a cached parser for the statement's bank.
// Storage problems are reported as a miss so the agent falls back to writing one.
func (t *Toolset) FindAndDownloadScript(ctx context.Context, in FindScriptInput) (*FindScriptResult, error) {
	keys, err := t.store.List(ctx, blob.ScriptPrefix)
	if err != nil {
		t.logger.Warn("Script cache listing failed.", "error", err)
		return &FindScriptResult{Reason: fmt.Sprintf("script cache unavailable: %v", err)}, nil
	}
	if len(keys) == 0 {
		return &FindScriptResult{Reason: "script cache is empty"}, nil
	}

	bank := detectBank(in.FirstPageText)
	if bank == "" {
		return &FindScriptResult{
			Reason:     "no known bank name found in the first page text",
			Candidates: firstN(keys, maxCandidates),
		}, nil
	}

	key := matchScript(keys, bank)
	if key == "" {
		return &FindScriptResult{
			DetectedBank: bank,
			Reason:       fmt.Sprintf("no cached script for %s", bank),
			Candidates:   firstN(keys, maxCandidates),
		}, nil
	}

	body, err := t.store.Get(ctx, key)
	if err != nil {
		t.logger.Warn("Script download failed.", "scriptKey", key, "error", err)
		return &FindScriptResult{
			DetectedBank: bank,
			Reason:       fmt.Sprintf("failed to download %s: %v", key, err),
		}, nil
	}

	t.logger.Info("Cached script found.", "scriptKey", key, "bank", bank)
	return &FindScriptResult{
		Found:         true,
		ScriptKey:     key,
		DetectedBank:  bank,
		ScriptContent: sandbox.StripPreamble(string(body)),
	}, nil
}

func firstN(keys []string, n int) []string {
	if len(keys) <= n {
		return keys
	}
	return keys[:n]
}
