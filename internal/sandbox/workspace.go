package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// InputPDFName is the fixed name of the downloaded statement inside a workspace.
const InputPDFName = "input.pdf"

// Workspace is a job's private scratch directory. Paths handed to generated code
// are always derived from it.
type Workspace struct {
	Dir string
}

// InputPDF is the local path of the job's source PDF.
func (w *Workspace) InputPDF() string {
	return filepath.Join(w.Dir, InputPDFName)
}

// Resolve maps a file name reported by untrusted code onto the workspace. Only
// the base name is kept, so the result can never point outside Dir.
func (w *Workspace) Resolve(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	resolved := filepath.Join(w.Dir, base)
	if !w.Contains(resolved) {
		return "", fmt.Errorf("file name %q resolves outside the workspace", name)
	}
	return resolved, nil
}

// Contains reports whether path lies inside the workspace.
func (w *Workspace) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(w.Dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
