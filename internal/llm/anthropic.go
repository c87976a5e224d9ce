package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/d00mkeeps/volc-sub001/internal/httpkit"
)

const (
	anthropicEndpoint   = "https://api.anthropic.com/v1/messages"
	anthropicVersion    = "2023-06-01"
	anthropicProbeModel = "claude-3-5-haiku-20241022"
	defaultMaxTokens    = 4096
)

// AnthropicClient speaks the Anthropic Messages API. Coaching replies use
// the streaming form; tool selection and memory extraction use the
// buffered form.
type AnthropicClient struct {
	apiKey   string
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewAnthropicClient returns a client authenticated with apiKey.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 2 * time.Minute

	return &AnthropicClient{
		apiKey:   apiKey,
		endpoint: anthropicEndpoint,
		logger:   logger.With("provider", "anthropic"),
		http:     httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t)),
	}
}

// SetURL overrides the Messages endpoint.
func (c *AnthropicClient) SetURL(url string) {
	c.endpoint = url
}

// Wire types for the Messages API.
type (
	msgRequest struct {
		Model       string    `json:"model"`
		System      string    `json:"system,omitempty"`
		Messages    []msgTurn `json:"messages"`
		Tools       []msgTool `json:"tools,omitempty"`
		MaxTokens   int       `json:"max_tokens"`
		Temperature *float64  `json:"temperature,omitempty"`
		Stream      bool      `json:"stream,omitempty"`
	}

	// msgTurn.Content is either a plain string or []msgBlock.
	msgTurn struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}

	msgBlock struct {
		Type      string `json:"type"`
		Text      string `json:"text,omitempty"`
		ID        string `json:"id,omitempty"`
		Name      string `json:"name,omitempty"`
		Input     any    `json:"input,omitempty"`
		ToolUseID string `json:"tool_use_id,omitempty"`
		Content   string `json:"content,omitempty"`
	}

	msgTool struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		InputSchema any    `json:"input_schema"`
	}

	msgReply struct {
		Role    string     `json:"role"`
		Model   string     `json:"model"`
		Content []msgBlock `json:"content"`
		Usage   msgUsage   `json:"usage"`
	}

	msgUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	msgEvent struct {
		Type         string    `json:"type"`
		Message      *msgReply `json:"message,omitempty"`
		ContentBlock *msgBlock `json:"content_block,omitempty"`
		Delta        *msgDelta `json:"delta,omitempty"`
		Usage        *msgUsage `json:"usage,omitempty"`
		Error        *msgError `json:"error,omitempty"`
	}

	msgDelta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	}

	msgError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
)

// httpStatus maps an in-stream error type onto the status the API uses
// for the same condition, so retry classification treats both alike.
func (e *msgError) httpStatus() int {
	switch e.Type {
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "overloaded_error":
		return 529
	case "invalid_request_error":
		return http.StatusBadRequest
	case "authentication_error":
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// Chat sends a buffered request.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream streams the reply to callback. A nil callback sends a
// buffered request instead.
func (c *AnthropicClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	system, turns := encodeTurns(req.Messages)
	body := msgRequest{
		Model:       req.Model,
		System:      system,
		Messages:    turns,
		Tools:       encodeTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      callback != nil,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Debug("sending request",
		"model", body.Model,
		"turns", len(turns),
		"tools", len(body.Tools),
		"stream", body.Stream,
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	resp, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("request rejected", "status", resp.StatusCode, "body", msg)
		return nil, &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: msg}
	}

	var out *ChatResponse
	if callback == nil {
		var reply msgReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		out = decodeReply(&reply)
	} else {
		dec := &streamDecoder{emit: callback}
		if out, err = dec.run(resp.Body); err != nil {
			return nil, err
		}
	}

	c.logger.Debug("reply received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "reply content", "content", out.Message.Content)
	return out, nil
}

// Ping sends a one-token request with the cheapest model.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	payload, err := json.Marshal(msgRequest{
		Model:     anthropicProbeModel,
		Messages:  []msgTurn{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.post(ctx, payload)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.New("anthropic: invalid API key")
	case resp.StatusCode/100 != 2:
		return &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: "ping failed"}
	}
	return nil
}

func (c *AnthropicClient) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	return resp, nil
}

// streamDecoder folds server-sent Messages events into a ChatResponse,
// forwarding text deltas and completed tool calls as they arrive.
type streamDecoder struct {
	emit StreamCallback

	model string
	usage msgUsage
	text  strings.Builder
	calls []ToolCall

	open    *msgBlock
	partial strings.Builder
}

func (d *streamDecoder) run(r io.Reader) (*ChatResponse, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		var ev msgEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			continue
		}
		if err := d.apply(&ev); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	resp := &ChatResponse{
		Model:        d.model,
		CreatedAt:    time.Now(),
		Message:      Message{Role: RoleAssistant, Content: d.text.String(), ToolCalls: d.calls},
		Done:         true,
		InputTokens:  d.usage.InputTokens,
		OutputTokens: d.usage.OutputTokens,
	}
	d.emit(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

func (d *streamDecoder) apply(ev *msgEvent) error {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			d.model = ev.Message.Model
			d.usage = ev.Message.Usage
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			d.open = ev.ContentBlock
			d.partial.Reset()
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			d.text.WriteString(ev.Delta.Text)
			d.emit(StreamEvent{Kind: KindToken, Token: ev.Delta.Text})
		case "input_json_delta":
			d.partial.WriteString(ev.Delta.PartialJSON)
		}
	case "content_block_stop":
		if d.open != nil {
			tc := ToolCall{
				ID:       d.open.ID,
				Function: FunctionCall{Name: d.open.Name, Arguments: decodeArgs(d.partial.String())},
			}
			d.calls = append(d.calls, tc)
			d.emit(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
			d.open = nil
		}
	case "message_delta":
		if ev.Usage != nil {
			d.usage.OutputTokens = ev.Usage.OutputTokens
		}
	case "error":
		if ev.Error != nil {
			return &APIError{Provider: "anthropic", StatusCode: ev.Error.httpStatus(), Message: ev.Error.Message}
		}
	}
	return nil
}

// decodeArgs parses accumulated tool input. Malformed JSON is kept raw
// under "_raw" so the caller can log it.
func decodeArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// encodeTurns splits system messages into the top-level system prompt
// and maps tool traffic onto tool_use and tool_result blocks.
func encodeTurns(messages []Message) (string, []msgTurn) {
	var system []string
	turns := make([]msgTurn, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			turns = append(turns, msgTurn{Role: RoleUser, Content: m.Content})
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				turns = append(turns, msgTurn{Role: RoleAssistant, Content: m.Content})
				continue
			}
			blocks := make([]msgBlock, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, msgBlock{Type: "text", Text: m.Content})
			}
			for i, tc := range m.ToolCalls {
				blocks = append(blocks, toolUseBlock(tc, i))
			}
			turns = append(turns, msgTurn{Role: RoleAssistant, Content: blocks})
		case RoleTool:
			turns = append(turns, msgTurn{Role: RoleUser, Content: []msgBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})
		}
	}
	return strings.Join(system, "\n\n"), turns
}

func toolUseBlock(tc ToolCall, i int) msgBlock {
	id := tc.ID
	if id == "" {
		id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
	}
	input := tc.Function.Arguments
	if input == nil {
		input = map[string]any{}
	}
	return msgBlock{Type: "tool_use", ID: id, Name: tc.Function.Name, Input: input}
}

// encodeTools converts function-style tool definitions into the Messages
// API shape. Entries without a function object are skipped.
func encodeTools(defs []map[string]any) []msgTool {
	var out []msgTool
	for _, def := range defs {
		fn, ok := def["function"].(map[string]any)
		if !ok {
			continue
		}
		t := msgTool{InputSchema: fn["parameters"]}
		t.Name, _ = fn["name"].(string)
		t.Description, _ = fn["description"].(string)
		if t.InputSchema == nil {
			t.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, t)
	}
	return out
}

func decodeReply(r *msgReply) *ChatResponse {
	out := &ChatResponse{
		Model:        r.Model,
		CreatedAt:    time.Now(),
		Message:      Message{Role: r.Role},
		Done:         true,
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, _ := b.Input.(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: FunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}
	out.Message.Content = text.String()
	return out
}
