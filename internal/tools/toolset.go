// Package tools implements the five operations the conversion agent can call.
// A Toolset is bound to a single job: its workspace and its source PDF key.
package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/Lllllllleong/statementflow/internal/agent"
	"github.com/Lllllllleong/statementflow/internal/blob"
	"github.com/Lllllllleong/statementflow/internal/sandbox"
)

// Tool names as the model sees them.
const (
	NameAnalyze    = "analyze"
	NameFindScript = "findAndDownloadScript"
	NameExecute    = "executeScript"
	NameVerify     = "verifyCsvOutput"
	NameUpload     = "uploadToR2"
)

// Store is the slice of the storage gateway the tools need.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Put(ctx context.Context, key string, body []byte, contentType string) (blob.PutResult, error)
	PutCSV(ctx context.Context, pdfKey string, body []byte, key string) (blob.PutResult, error)
	Bucket() string
}

// Sandbox runs parser and helper scripts.
type Sandbox interface {
	ExecutePython(ctx context.Context, script, pdfPath, jobDir string, timeout time.Duration) sandbox.ExecResult
	RunHelperScript(ctx context.Context, name string, args []string, timeout time.Duration) sandbox.ExecResult
}

type Config struct {
	ScriptTimeout time.Duration
	HelperTimeout time.Duration
}

// Toolset carries what one job's tools share: the workspace, the source key and
// the pages analyze already returned.
type Toolset struct {
	store     Store
	sandbox   Sandbox
	ws        *sandbox.Workspace
	pdfKey    string
	cfg       Config
	logger    *slog.Logger
	pageCount int
	sampled   []int
}

func New(store Store, sb Sandbox, ws *sandbox.Workspace, pdfKey string, cfg Config, logger *slog.Logger) *Toolset {
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 60 * time.Second
	}
	if cfg.HelperTimeout <= 0 {
		cfg.HelperTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolset{
		store:   store,
		sandbox: sb,
		ws:      ws,
		pdfKey:  pdfKey,
		cfg:     cfg,
		logger:  logger,
	}
}

// Tools exposes the set to the agent loop in the order the procedure uses them.
func (t *Toolset) Tools() []agent.Tool {
	return []agent.Tool{
		agent.NewTool(NameAnalyze,
			"Download the statement PDF into the job workspace and return its page count, first page text and the text and tables of a front/back page sample.",
			agent.Object([]string{"pdfKey"}, map[string]*agent.Schema{
				"pdfKey": {Type: agent.TypeString, Description: "Object key of the statement PDF."},
			}),
			t.Analyze),
		agent.NewTool(NameFindScript,
			"Look for a cached parser script for the statement's bank, detected from the first page text.",
			agent.Object([]string{"firstPageText"}, map[string]*agent.Schema{
				"firstPageText": {Type: agent.TypeString, Description: "Text of the first page as returned by analyze."},
			}),
			t.FindAndDownloadScript),
		agent.NewTool(NameExecute,
			"Run a Python parser script against the statement. PDF_PATH and OUTPUT_DIR are predefined. The last printed line must be the CSV file name.",
			agent.Object([]string{"script"}, map[string]*agent.Schema{
				"script": {Type: agent.TypeString, Description: "Complete Python source of the parser."},
			}),
			t.ExecuteScript),
		agent.NewTool(NameVerify,
			"Return pages from the middle of the statement together with the produced CSV so they can be compared.",
			agent.Object([]string{"csvPath"}, map[string]*agent.Schema{
				"csvPath": {Type: agent.TypeString, Description: "csvPath returned by executeScript."},
				"middlePageNumbers": {
					Type:        agent.TypeArray,
					Description: "Optional 0-based page numbers to check. Pages already returned by analyze are skipped.",
					Items:       &agent.Schema{Type: agent.TypeInteger},
				},
			}),
			t.VerifyCSVOutput),
		agent.NewTool(NameUpload,
			"Upload a file from the job workspace. artifact \"csv\" stores the table under csv/, artifact \"script\" stores the parser under scripts/.",
			agent.Object([]string{"filePath", "originalPdfKey"}, map[string]*agent.Schema{
				"filePath":        {Type: agent.TypeString, Description: "csvPath or scriptPath returned by executeScript."},
				"originalPdfKey":  {Type: agent.TypeString, Description: "Object key of the source PDF."},
				"customOutputKey": {Type: agent.TypeString, Description: "Optional explicit destination key."},
				"artifact":        {Type: agent.TypeString, Enum: []string{ArtifactCSV, ArtifactScript}},
			}),
			t.UploadToR2),
	}
}
