package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// defaultGenAIModel is pinged when no Gemini model is configured.
const defaultGenAIModel = "gemini-2.5-flash"

// GenAIConfig selects the Gemini backend. Project and Location select
// Vertex AI; APIKey alone selects the public Gemini API. Model is the
// model Ping checks.
type GenAIConfig struct {
	Project  string
	Location string
	APIKey   string
	Model    string
}

func (c GenAIConfig) pingModel() string {
	if c.Model != "" {
		return c.Model
	}
	return defaultGenAIModel
}

// GenAIClient talks to Gemini models through google.golang.org/genai.
type GenAIClient struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGenAIClient creates a Gemini client for either Vertex AI or the
// Gemini API.
func NewGenAIClient(ctx context.Context, cfg GenAIConfig, logger *slog.Logger) (*GenAIClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cc := &genai.ClientConfig{}
	switch {
	case cfg.Project != "":
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	case cfg.APIKey != "":
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	default:
		return nil, fmt.Errorf("genai: project or api key required")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIClient{
		client: client,
		model:  cfg.pingModel(),
		logger: logger.With("provider", "genai"),
	}, nil
}

// Chat sends a non-streaming request.
func (c *GenAIClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	contents, config := toGenAI(req)

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, classifyGenAIError(err)
	}

	result := &ChatResponse{
		Model:     req.Model,
		CreatedAt: time.Now(),
		Message:   Message{Role: RoleAssistant},
		Done:      true,
	}
	var content strings.Builder
	collectGenAIResponse(resp, result, &content, nil)
	result.Message.Content = content.String()

	c.logger.Debug("response received",
		"model", req.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

// ChatStream sends a streaming request, delivering text parts to
// callback as they arrive.
func (c *GenAIClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, req)
	}

	contents, config := toGenAI(req)
	c.logger.Debug("preparing request",
		"model", req.Model,
		"contents", len(contents),
		"tools", len(req.Tools),
		"system_len", systemLen(config),
	)

	result := &ChatResponse{
		Model:     req.Model,
		CreatedAt: time.Now(),
		Message:   Message{Role: RoleAssistant},
		Done:      true,
	}
	var content strings.Builder

	for chunk, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			return nil, classifyGenAIError(err)
		}
		collectGenAIResponse(chunk, result, &content, callback)
	}
	result.Message.Content = content.String()
	callback(StreamEvent{Kind: KindDone, Response: result})

	c.logger.Debug("stream complete",
		"model", req.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"content_len", content.Len(),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", result.Message.Content)
	return result, nil
}

// Ping fetches the configured model's metadata to verify credentials,
// reachability and access to that model.
func (c *GenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, c.model, nil); err != nil {
		return classifyGenAIError(err)
	}
	return nil
}

func systemLen(cfg *genai.GenerateContentConfig) int {
	if cfg.SystemInstruction == nil {
		return 0
	}
	n := 0
	for _, p := range cfg.SystemInstruction.Parts {
		n += len(p.Text)
	}
	return n
}

// collectGenAIResponse folds one response chunk into result. Thought
// parts are skipped.
func collectGenAIResponse(resp *genai.GenerateContentResponse, result *ChatResponse, content *strings.Builder, callback StreamCallback) {
	if resp == nil {
		return
	}
	if resp.UsageMetadata != nil {
		if n := int(resp.UsageMetadata.PromptTokenCount); n > 0 {
			result.InputTokens = n
		}
		if n := int(resp.UsageMetadata.CandidatesTokenCount); n > 0 {
			result.OutputTokens = n
		}
	}
	if resp.ModelVersion != "" {
		result.Model = resp.ModelVersion
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.FunctionCall != nil {
			tc := ToolCall{
				ID: part.FunctionCall.ID,
				Function: FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				},
			}
			result.Message.ToolCalls = append(result.Message.ToolCalls, tc)
			if callback != nil {
				callback(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
			}
			continue
		}
		if part.Text != "" {
			content.WriteString(part.Text)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: part.Text})
			}
		}
	}
}

// toGenAI converts a request into genai contents and config. System
// messages become the system instruction.
func toGenAI(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	var system []*genai.Part
	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, &genai.Part{Text: msg.Content})

		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  string(genai.RoleUser),
				Parts: []*genai.Part{{Text: msg.Content}},
			})

		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: string(genai.RoleModel), Parts: parts})
			}

		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: string(genai.RoleUser),
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.Name,
					Response: map[string]any{"output": msg.Content},
				}}},
			})
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: system}
	}

	var decls []*genai.FunctionDeclaration
	for _, tool := range req.Tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        name,
			Description: desc,
			Parameters:  schemaFromMap(params),
		})
	}
	if len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return contents, config
}

// schemaFromMap converts a JSON-schema map into a genai schema. Only
// the subset used by tool definitions is supported.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		switch t {
		case "object":
			s.Type = genai.TypeObject
		case "array":
			s.Type = genai.TypeArray
		case "string":
			s.Type = genai.TypeString
		case "integer":
			s.Type = genai.TypeInteger
		case "number":
			s.Type = genai.TypeNumber
		case "boolean":
			s.Type = genai.TypeBoolean
		}
	}
	s.Description, _ = m["description"].(string)

	if props, ok := m["properties"].(map[string]any); ok && len(props) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = schemaFromMap(items)
	}
	s.Required = stringSlice(m["required"])
	s.Enum = stringSlice(m["enum"])
	return s
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// classifyGenAIError maps genai API errors onto [APIError] so that
// rate limits and outages classify the same way as other providers.
func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Provider: "genai", StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &APIError{Provider: "genai", StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	return fmt.Errorf("genai: %w", err)
}
