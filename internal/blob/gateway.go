// Package blob is the storage gateway used by the conversion pipeline. It wraps a
// keyed object-store backend (R2 or GCS) and owns the artifact key conventions.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

const (
	// CSVPrefix holds every generated CSV table.
	CSVPrefix = "csv/"
	// ScriptPrefix holds reusable parser scripts, stored with their sandbox preamble.
	ScriptPrefix = "scripts/"

	ContentTypeCSV    = "text/csv"
	ContentTypePython = "text/x-python"
	ContentTypePDF    = "application/pdf"
)

// ErrNotFound is returned (wrapped) by backends when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Backend is the minimal object-store capability a provider has to offer.
// List must drain every page before returning.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Bucket() string
}

// PutResult describes a stored object.
type PutResult struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Gateway adds key derivation, error context and logging on top of a Backend.
// It keeps no local cache; every call goes to the backend.
type Gateway struct {
	backend Backend
	logger  *slog.Logger
}

// NewGateway wraps backend. A nil logger falls back to slog.Default().
func NewGateway(backend Backend, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{backend: backend, logger: logger.With("bucket", backend.Bucket())}
}

// Bucket returns the bucket name of the underlying backend.
func (g *Gateway) Bucket() string {
	return g.backend.Bucket()
}

func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	body, err := g.backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return body, nil
}

func (g *Gateway) GetAsText(ctx context.Context, key string) (string, error) {
	body, err := g.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (g *Gateway) Put(ctx context.Context, key string, body []byte, contentType string) (PutResult, error) {
	if key == "" {
		return PutResult{}, errors.New("put: empty key")
	}
	if err := g.backend.Put(ctx, key, body, contentType); err != nil {
		return PutResult{}, fmt.Errorf("put %q: %w", key, err)
	}
	g.logger.Info("Stored object.", "key", key, "size", len(body), "contentType", contentType)
	return PutResult{Key: key, Size: int64(len(body))}, nil
}

func (g *Gateway) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := g.backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return keys, nil
}

// PutCSV stores a CSV table. When key is empty it is derived from pdfKey.
func (g *Gateway) PutCSV(ctx context.Context, pdfKey string, body []byte, key string) (PutResult, error) {
	if key == "" {
		key = CSVKeyFor(pdfKey)
	}
	return g.Put(ctx, key, body, ContentTypeCSV)
}

// PutScript stores a parser script under the script prefix keyed by the PDF basename.
func (g *Gateway) PutScript(ctx context.Context, pdfKey string, body []byte) (PutResult, error) {
	return g.Put(ctx, ScriptKeyFor(pdfKey), body, ContentTypePython)
}

// CSVKeyFor maps "pdfs/statement.pdf" to "csv/statement.csv".
func CSVKeyFor(pdfKey string) string {
	return CSVPrefix + baseName(pdfKey) + ".csv"
}

// ScriptKeyFor maps "pdfs/statement.pdf" to "scripts/statement.py".
func ScriptKeyFor(pdfKey string) string {
	return ScriptPrefix + baseName(pdfKey) + ".py"
}

// IsPDFKey reports whether key names a PDF object (case-insensitive extension).
func IsPDFKey(key string) bool {
	return strings.EqualFold(path.Ext(key), ".pdf")
}

func baseName(key string) string {
	base := path.Base(strings.ReplaceAll(key, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}
