package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/statementflow/internal/blob"
	"github.com/Lllllllleong/statementflow/internal/sandbox"
)

// Artifact kinds accepted by uploadToR2.
const (
	ArtifactCSV    = "csv"
	ArtifactScript = "script"
)

type UploadInput struct {
	FilePath        string `json:"filePath"`
	OriginalPDFKey  string `json:"originalPdfKey"`
	CustomOutputKey string `json:"customOutputKey,omitempty"`
	Artifact        string `json:"artifact,omitempty"`
}

type UploadResult struct {
	Success bool   `json:"success"`
	Key     string `json:"key,omitempty"`
	Bucket  string `json:"bucket,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UploadToR2 stores a workspace file as the job's CSV or parser script.
func (t *Toolset) UploadToR2(ctx context.Context, in UploadInput) (*UploadResult, error) {
	path, err := t.ws.Resolve(in.FilePath)
	if err != nil {
		return &UploadResult{Error: err.Error()}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &UploadResult{Error: fmt.Sprintf("file %q not found in the workspace", filepath.Base(path))}, nil
	}
	if len(data) == 0 {
		return &UploadResult{Error: fmt.Sprintf("file %q is empty", filepath.Base(path))}, nil
	}

	pdfKey := in.OriginalPDFKey
	if pdfKey == "" {
		pdfKey = t.pdfKey
	}
	if pdfKey == "" && in.CustomOutputKey == "" {
		return &UploadResult{Error: "originalPdfKey is required"}, nil
	}

	var put blob.PutResult
	switch artifactFor(in.Artifact, path) {
	case ArtifactScript:
		key := in.CustomOutputKey
		if key == "" {
			key = blob.ScriptKeyFor(pdfKey)
		}
		put, err = t.store.Put(ctx, key, []byte(sandbox.WithPreamble(string(data))), blob.ContentTypePython)
	default:
		put, err = t.store.PutCSV(ctx, pdfKey, data, in.CustomOutputKey)
	}
	if err != nil {
		t.logger.Warn("Upload failed.", "file", filepath.Base(path), "error", err)
		return &UploadResult{Error: err.Error()}, nil
	}

	return &UploadResult{
		Success: true,
		Key:     put.Key,
		Bucket:  t.store.Bucket(),
		Size:    put.Size,
	}, nil
}

// artifactFor honours an explicit artifact and otherwise goes by extension.
func artifactFor(artifact, path string) string {
	switch strings.ToLower(strings.TrimSpace(artifact)) {
	case ArtifactScript:
		return ArtifactScript
	case ArtifactCSV:
		return ArtifactCSV
	}
	if strings.EqualFold(filepath.Ext(path), ".py") {
		return ArtifactScript
	}
	return ArtifactCSV
}
