package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Lllllllleong/statementflow/internal/agent"
	"github.com/Lllllllleong/statementflow/internal/models"
	"github.com/Lllllllleong/statementflow/internal/tools"
)

// stageFor maps a tool onto the job status it represents.
var stageFor = map[string]string{
	tools.NameAnalyze:    models.StatusAnalyzing,
	tools.NameFindScript: models.StatusCacheLookup,
	tools.NameExecute:    models.StatusExecuting,
	tools.NameVerify:     models.StatusVerifying,
	tools.NameUpload:     models.StatusUploading,
}

// jobGuard enforces the retry budgets and follows the job's stage as tools run.
// A cycle is a run of executions; a verification followed by another execution
// opens the next cycle.
type jobGuard struct {
	mu               sync.Mutex
	maxExecutes      int
	maxRetries       int
	executes         int
	retries          int
	verifiedSinceRun bool
	stage            string
	onStage          func(ctx context.Context, stage string)
	logger           *slog.Logger
}

func newJobGuard(maxExecutes, maxRetries int, onStage func(context.Context, string), logger *slog.Logger) *jobGuard {
	return &jobGuard{
		maxExecutes: maxExecutes,
		maxRetries:  maxRetries,
		stage:       models.StatusCreated,
		onStage:     onStage,
		logger:      logger,
	}
}

// admit is called before a tool runs; a non-nil error is returned to the model
// instead of running the tool.
func (g *jobGuard) admit(ctx context.Context, name string) error {
	g.mu.Lock()
	switch name {
	case tools.NameExecute:
		if g.verifiedSinceRun {
			if g.retries >= g.maxRetries {
				g.mu.Unlock()
				return fmt.Errorf("verification retry budget exhausted: %d regeneration cycles already used; upload the best CSV you have", g.maxRetries)
			}
			g.retries++
			g.executes = 0
			g.verifiedSinceRun = false
		}
		if g.executes >= g.maxExecutes {
			g.mu.Unlock()
			return fmt.Errorf("execution budget exhausted: %d attempts already used in this cycle", g.maxExecutes)
		}
		g.executes++
	case tools.NameVerify:
		g.verifiedSinceRun = true
	}

	stage, changed := stageFor[name], false
	if stage != "" && stage != g.stage {
		g.stage = stage
		changed = true
	}
	g.mu.Unlock()

	if changed {
		g.logger.Info("Job stage changed.", "stage", stage)
		if g.onStage != nil {
			g.onStage(ctx, stage)
		}
	}
	return nil
}

// wrap puts every tool behind admit.
func (g *jobGuard) wrap(ts []agent.Tool) []agent.Tool {
	out := make([]agent.Tool, len(ts))
	for i, t := range ts {
		name := t.Name
		out[i] = t.Wrap(func(next agent.ExecuteFunc) agent.ExecuteFunc {
			return func(ctx context.Context, args json.RawMessage) (any, error) {
				if err := g.admit(ctx, name); err != nil {
					return nil, err
				}
				return next(ctx, args)
			}
		})
	}
	return out
}
