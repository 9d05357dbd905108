package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/statementflow/internal/metrics"
)

// ErrUnknownTool is returned to the model when it names a tool that was not offered.
var ErrUnknownTool = errors.New("unknown tool")

// Call is one dispatched tool call as recorded in the trace.
type Call struct {
	ID      string          `json:"id"`
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args"`
	Result  any             `json:"result,omitempty"`
	Err     error           `json:"-"`
	Elapsed time.Duration   `json:"elapsed"`
}

// Result is what a finished loop leaves behind.
type Result struct {
	Trace []Call
	// LastText is the most recent non-empty text the model produced.
	LastText string
	// Steps is the number of model turns consumed.
	Steps int
	// HitCeiling is set when the loop stopped because of the step ceiling.
	HitCeiling bool
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Model    Model
	Tools    []Tool
	MaxSteps int
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Loop struct {
	model    Model
	tools    []Tool
	byName   map[string]Tool
	maxSteps int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Model == nil {
		return nil, errors.New("agent loop requires a model")
	}
	if cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("invalid step ceiling %d", cfg.MaxSteps)
	}
	byName := make(map[string]Tool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		if t.Execute == nil {
			return nil, fmt.Errorf("tool %q has no executor", t.Name)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		byName[t.Name] = t
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		model:    cfg.Model,
		tools:    cfg.Tools,
		byName:   byName,
		maxSteps: cfg.MaxSteps,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Run converses until the model answers without tool calls or the ceiling is hit.
// A model error ends the loop; the partial result is returned alongside it.
func (l *Loop) Run(ctx context.Context, system, prompt string) (*Result, error) {
	res := &Result{}
	history := []Message{{Role: RoleUser, Text: prompt}}

	for step := 0; step < l.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		start := time.Now()
		msg, err := l.model.Generate(ctx, Request{System: system, Messages: history, Tools: l.tools})
		res.Steps++
		if err != nil {
			l.logger.Warn("Model request failed.", "step", step, "error", err)
			return res, fmt.Errorf("model request at step %d: %w", step, err)
		}
		if msg == nil {
			msg = &Message{}
		}
		msg.Role = RoleModel
		if msg.Text != "" {
			res.LastText = msg.Text
		}
		l.logger.Info("Model responded.",
			"step", step,
			"toolCalls", len(msg.Calls),
			"textLength", len(msg.Text),
			"elapsedMs", time.Since(start).Milliseconds(),
		)

		history = append(history, *msg)
		if len(msg.Calls) == 0 {
			return res, nil
		}

		results := make([]FunctionResult, 0, len(msg.Calls))
		for _, fc := range msg.Calls {
			call := l.dispatch(ctx, fc)
			res.Trace = append(res.Trace, call)
			results = append(results, FunctionResult{
				ID:       call.ID,
				Name:     call.Tool,
				Response: responseFor(call),
			})
		}
		history = append(history, Message{Role: RoleUser, Results: results})
	}

	res.HitCeiling = true
	l.logger.Warn("Agent loop reached the step ceiling.", "maxSteps", l.maxSteps)
	return res, nil
}

func (l *Loop) dispatch(ctx context.Context, fc FunctionCall) Call {
	call := Call{ID: fc.ID, Tool: fc.Name, Args: fc.Args}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	logCtx := l.logger.With("tool", fc.Name, "callId", call.ID)

	tool, ok := l.byName[fc.Name]
	if !ok {
		call.Err = fmt.Errorf("%w %q", ErrUnknownTool, fc.Name)
		logCtx.Warn("Model called an unknown tool.")
		l.metrics.ObserveToolCall(metrics.ToolUnknown, metrics.ResultError)
		return call
	}

	logCtx.Info("Tool call started.")
	start := time.Now()
	result, err := l.execute(ctx, tool, fc.Args)
	call.Elapsed = time.Since(start)
	call.Result = result
	call.Err = err

	if err != nil {
		logCtx.Warn("Tool call failed.", "error", err, "elapsedMs", call.Elapsed.Milliseconds())
		l.metrics.ObserveToolCall(fc.Name, metrics.ResultError)
	} else {
		logCtx.Info("Tool call completed.", "elapsedMs", call.Elapsed.Milliseconds())
		l.metrics.ObserveToolCall(fc.Name, metrics.ResultSuccess)
	}
	return call
}

// execute shields the loop from a panicking tool; the panic becomes a tool error.
func (l *Loop) execute(ctx context.Context, tool Tool, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	return tool.Execute(ctx, args)
}

// responseFor renders a trace entry as the structured payload the model sees.
// Errors become {success:false, error}.
func responseFor(call Call) map[string]any {
	if call.Err != nil {
		return map[string]any{"success": false, "error": call.Err.Error()}
	}
	raw, err := json.Marshal(call.Result)
	if err != nil {
		return map[string]any{"success": false, "error": fmt.Sprintf("encode result: %v", err)}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		var v any
		_ = json.Unmarshal(raw, &v)
		return map[string]any{"result": v}
	}
	return out
}
