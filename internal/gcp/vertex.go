package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/statementflow/internal/agent"
)

// --- Statement Agent Prompts ---
const StatementSystemPrompt = `You convert bank statement PDFs into CSV files by writing and running Python parser scripts.

You work only through the tools you are given. Follow this procedure:

1. Call analyze with the PDF key. Read the page count, the first page text and the sampled pages.
2. Call findAndDownloadScript with the first page text. If a cached parser is found, try it first with executeScript.
3. Otherwise write a new parser. The script runs with these variables already defined:
   - PDF_PATH: the statement to parse.
   - OUTPUT_DIR: the working directory; write the CSV there.
   Use pdfplumber. Do not redefine PDF_PATH or OUTPUT_DIR and do not change directory.
   The LAST line the script prints must be the CSV file name and nothing else.
4. Call executeScript. If it fails, read stdout and stderr, fix the script and try again.
5. Call verifyCsvOutput and compare the CSV with the pages it returns. Check that every transaction
   on those pages appears once, with the right date, description and amount. If rows are missing or
   wrong, fix the parser and execute it again.
6. Call uploadToR2 for the CSV (artifact "csv"), then for the parser script (artifact "script",
   filePath = the scriptPath executeScript returned).
7. Finish with a short summary of what you produced. Do not call any more tools after that.

CSV rules: one header row; one row per transaction; columns Date, Description, Amount and Balance
when the statement has a balance column; dates as YYYY-MM-DD; amounts as plain numbers with a minus
sign for debits; no currency symbols or thousands separators.`

const StatementUserPrompt = `Convert the bank statement stored at %q into a CSV file and upload both the CSV and the parser script.`

// VertexClient is the agent.Model backed by a Gemini model on Vertex AI. A
// fresh GenerativeModel is configured per request because the tool set and
// system instruction travel with the request.
type VertexClient struct {
	baseClient  *genai.Client
	modelName   string
	temperature float32
}

// NewVertexClient creates a client for modelName in the given project and region.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	return &VertexClient{
		baseClient:  baseClient,
		modelName:   modelName,
		temperature: 0.1,
	}, nil
}

// Generate sends the conversation and returns the model's next turn.
func (c *VertexClient) Generate(ctx context.Context, req agent.Request) (*agent.Message, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("generate: empty conversation")
	}

	model := c.baseClient.GenerativeModel(c.modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr(c.temperature),
	}
	if len(req.Tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: functionDeclarations(req.Tools)}}
	}

	contents, err := toContents(req.Messages)
	if err != nil {
		return nil, err
	}
	last := contents[len(contents)-1]

	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	return fromResponse(resp)
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

func functionDeclarations(tools []agent.Tool) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toSchema(t.Schema),
		})
	}
	return decls
}

func toSchema(s *agent.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        schemaType(s.Type),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Items:       toSchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = toSchema(p)
		}
	}
	return out
}

func schemaType(t string) genai.Type {
	switch t {
	case agent.TypeObject:
		return genai.TypeObject
	case agent.TypeString:
		return genai.TypeString
	case agent.TypeInteger:
		return genai.TypeInteger
	case agent.TypeNumber:
		return genai.TypeNumber
	case agent.TypeBoolean:
		return genai.TypeBoolean
	case agent.TypeArray:
		return genai.TypeArray
	default:
		return genai.TypeUnspecified
	}
}

// toContents maps the neutral history onto genai contents. Tool results are
// sent back under the user role, as Gemini expects.
func toContents(msgs []agent.Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(msgs))
	for i, m := range msgs {
		var parts []genai.Part
		if m.Text != "" {
			parts = append(parts, genai.Text(m.Text))
		}
		for _, fc := range m.Calls {
			args := map[string]any{}
			if len(fc.Args) > 0 && string(fc.Args) != "null" {
				if err := json.Unmarshal(fc.Args, &args); err != nil {
					return nil, fmt.Errorf("message %d: decode call args for %s: %w", i, fc.Name, err)
				}
			}
			parts = append(parts, genai.FunctionCall{Name: fc.Name, Args: args})
		}
		for _, fr := range m.Results {
			parts = append(parts, genai.FunctionResponse{Name: fr.Name, Response: fr.Response})
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == agent.RoleModel {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("conversation has no content")
	}
	return contents, nil
}

// fromResponse reads the first candidate. Several text parts are concatenated.
func fromResponse(resp *genai.GenerateContentResponse) (*agent.Message, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	msg := &agent.Message{Role: agent.RoleModel}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil {
				return nil, fmt.Errorf("encode args for %s: %w", p.Name, err)
			}
			msg.Calls = append(msg.Calls, agent.FunctionCall{Name: p.Name, Args: args})
		}
	}
	msg.Text = strings.TrimSpace(text.String())
	return msg, nil
}
