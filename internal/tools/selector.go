package tools

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/d00mkeeps/volc-sub001/internal/llm"
	"github.com/d00mkeeps/volc-sub001/internal/prompts"
)

// DefaultHistoryWindow is how many prior messages the selector sees.
const DefaultHistoryWindow = 6

// Selection is the selector's decision for one message.
type Selection struct {
	Calls []Call
	// Reasoning is any text the model produced alongside its calls.
	Reasoning string
}

// Selector asks a fast model which catalogue tools, if any, the
// current message needs.
type Selector struct {
	client llm.Client
	model  string
	window int
	logger *slog.Logger
}

// NewSelector creates a selector. A non-positive window uses
// [DefaultHistoryWindow].
func NewSelector(client llm.Client, model string, window int, logger *slog.Logger) *Selector {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		client: client,
		model:  model,
		window: window,
		logger: logger.With("component", "tool_selector"),
	}
}

// Select returns the tool calls for message given recent history. Any
// failure yields an empty selection.
func (s *Selector) Select(ctx context.Context, message string, history []llm.Message) Selection {
	msgs := make([]llm.Message, 0, s.window+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompts.ToolSelectorPrompt()})
	for _, m := range recent(history, s.window) {
		if m.Role == llm.RoleUser || m.Role == llm.RoleAssistant {
			msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: message})

	resp, err := s.client.Chat(ctx, llm.Request{
		Model:       s.model,
		Messages:    msgs,
		Tools:       Definitions(),
		Temperature: llm.Temperature(0),
		MaxTokens:   512,
	})
	if err != nil {
		s.logger.Warn("tool selection failed, continuing without tools", "error", err)
		return Selection{}
	}

	var sel Selection
	for _, tc := range resp.Message.ToolCalls {
		call, err := ParseCall(tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			var unavailable *ErrToolUnavailable
			if errors.As(err, &unavailable) {
				s.logger.Warn("selector requested unknown tool", "tool", unavailable.ToolName)
			} else {
				s.logger.Warn("selector produced invalid call", "tool", tc.Function.Name, "error", err)
			}
			continue
		}
		sel.Calls = append(sel.Calls, call)
	}
	if text := strings.TrimSpace(resp.Message.Content); !strings.EqualFold(text, "none") {
		sel.Reasoning = text
	}

	s.logger.Debug("tool selection",
		"calls", len(sel.Calls),
		"model", s.model,
	)
	return sel
}

func recent(history []llm.Message, n int) []llm.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
