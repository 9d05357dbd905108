package sandbox

import (
	"regexp"
	"strings"
)

const (
	preambleBegin = "# --- sandbox preamble (injected) ---"
	preambleEnd   = "# --- end sandbox preamble ---"

	// EnvPDFPath and EnvOutputDir carry the two workspace handles into the subprocess.
	EnvPDFPath   = "PDF_PATH"
	EnvOutputDir = "OUTPUT_DIR"
)

// preambleLine matches handle bindings and the working-directory change, with or
// without the surrounding markers.
var preambleLine = regexp.MustCompile(`^\s*(PDF_PATH\s*=|OUTPUT_DIR\s*=|(os|_os)\.chdir\()`)

// Preamble is prepended to every generated script. Both handles are read from the
// environment the runner controls, so they always point into the job workspace.
func Preamble() string {
	return strings.Join([]string{
		preambleBegin,
		"import os",
		`PDF_PATH = os.environ["` + EnvPDFPath + `"]`,
		`OUTPUT_DIR = os.environ["` + EnvOutputDir + `"]`,
		"os.chdir(OUTPUT_DIR)",
		preambleEnd,
		"",
	}, "\n")
}

// WithPreamble returns script as it is written to disk and stored in the script cache.
func WithPreamble(script string) string {
	return Preamble() + StripPreamble(script)
}

// StripPreamble removes the injected block and any stray handle bindings so the
// result is raw parser source that can be re-run through WithPreamble.
func StripPreamble(script string) string {
	lines := strings.Split(strings.ReplaceAll(script, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	inBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == preambleBegin:
			inBlock = true
			continue
		case trimmed == preambleEnd:
			inBlock = false
			continue
		case inBlock:
			continue
		case preambleLine.MatchString(line):
			continue
		}
		out = append(out, line)
	}
	return strings.TrimLeft(strings.Join(out, "\n"), "\n")
}
