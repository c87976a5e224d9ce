// Package llm holds the model-provider clients the coach talks to
// (Anthropic and Gemini through genai) behind one [Client] interface,
// plus the retry policy for provider rate limits.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace gates full request and reply payloads in provider logs.
const LevelTrace = slog.Level(-8)

// Roles a [Message] can carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one provider-neutral chat message.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name identify the call a RoleTool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a function invocation requested by the model. ID is the
// provider's correlation id and may be empty for Gemini.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is one completion request.
type Request struct {
	Model    string
	Messages []Message

	// Tools use the function-definition shape
	// {"type": "function", "function": {"name", "description", "parameters"}};
	// each provider converts it at its boundary.
	Tools []map[string]any

	// Nil leaves temperature to the provider.
	Temperature *float64

	// Zero means 4096.
	MaxTokens int
}

// Temperature returns t as a [Request.Temperature] value.
func Temperature(t float64) *float64 {
	return &t
}

// ChatResponse is a completed reply from any provider.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int
}

// StreamEventKind says which [StreamEvent] field is set.
type StreamEventKind int

const (
	KindToken    StreamEventKind = iota // Token holds a text fragment.
	KindToolCall                        // ToolCall holds a completed call.
	KindDone                            // Response holds the final reply.
)

// StreamEvent is delivered to a [StreamCallback] while a reply streams.
type StreamEvent struct {
	Kind     StreamEventKind
	Token    string
	ToolCall *ToolCall
	Response *ChatResponse
}

// StreamCallback receives stream events on the caller's goroutine.
type StreamCallback func(event StreamEvent)
