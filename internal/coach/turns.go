package coach

import (
	"github.com/d00mkeeps/volc-sub001/internal/llm"
	"github.com/d00mkeeps/volc-sub001/internal/tools"
)

// TurnKind tags a [Turn].
type TurnKind int

const (
	TurnUser TurnKind = iota
	TurnAssistant
	TurnToolCall
	TurnToolResult
)

func (k TurnKind) String() string {
	switch k {
	case TurnUser:
		return "user"
	case TurnAssistant:
		return "assistant"
	case TurnToolCall:
		return "tool_call"
	case TurnToolResult:
		return "tool_result"
	}
	return "unknown"
}

// Turn is one entry of a conversation's in-memory history. Index is
// assigned on append and increases strictly.
type Turn struct {
	Index int
	Kind  TurnKind

	// Content is the text of user and assistant turns.
	Content string

	// Call is set on tool call and tool result turns. CallID pairs a
	// result with its call.
	Call   tools.Call
	CallID int

	// Exercises and Err hold a tool result.
	Exercises []tools.ExerciseRecord
	Err       error
}

// turnBuffer is an append-only turn history.
type turnBuffer struct {
	turns []Turn
	next  int
}

func (b *turnBuffer) append(t Turn) Turn {
	t.Index = b.next
	b.next++
	b.turns = append(b.turns, t)
	return t
}

func (b *turnBuffer) reset() {
	b.turns = nil
}

func (b *turnBuffer) snapshot() []Turn {
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// messages returns the user and assistant turns as model messages.
// Tool turns are represented in the system prompt instead.
func (b *turnBuffer) messages() []llm.Message {
	out := make([]llm.Message, 0, len(b.turns))
	for _, t := range b.turns {
		switch t.Kind {
		case TurnUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: t.Content})
		case TurnAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
		}
	}
	return out
}
