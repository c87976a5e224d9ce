// Package memory extracts durable facts about an athlete from finished
// coaching conversations and appends them to the profile's ai_memory.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/d00mkeeps/volc-sub001/internal/llm"
	"github.com/d00mkeeps/volc-sub001/internal/prompts"
	"github.com/d00mkeeps/volc-sub001/internal/store"
)

// Defaults for [Extractor].
const (
	DefaultTimeout  = 60 * time.Second
	DefaultMaxNotes = 10
)

// Extraction outcomes reported to [Extractor.OnResult].
const (
	OutcomeAdded   = "added"
	OutcomeNothing = "nothing"
	OutcomeFailed  = "failed"
)

// Categories accepted from the model. Anything else is filed under
// "preference".
var validCategories = map[string]bool{
	"injury":     true,
	"schedule":   true,
	"goal":       true,
	"equipment":  true,
	"preference": true,
}

// Store is the subset of the store the extractor needs.
type Store interface {
	ListMessages(ctx context.Context, token, conversationID string) ([]store.Message, error)
	GetMemory(ctx context.Context, token, userID string) (*store.AIMemory, error)
	AppendMemoryNotes(ctx context.Context, token, userID string, notes []store.Note) ([]store.Note, error)
}

// ExtractionResult is the JSON document the model returns.
type ExtractionResult struct {
	Notes []ExtractedNote `json:"notes"`
}

// ExtractedNote is a single fact proposed by the model.
type ExtractedNote struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

// Extractor runs memory extraction after a conversation ends. It is
// best-effort: failures are logged and never reach the caller of
// [Extractor.Schedule].
type Extractor struct {
	store    Store
	client   llm.Client
	model    string
	logger   *slog.Logger
	timeout  time.Duration
	maxNotes int
	now      func() time.Time

	wg sync.WaitGroup

	// OnResult, if set, observes the outcome of every extraction.
	OnResult func(outcome string)
}

// NewExtractor creates a memory extractor that prompts model through
// client.
func NewExtractor(st Store, client llm.Client, model string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		store:    st,
		client:   client,
		model:    model,
		logger:   logger.With("component", "memory_extractor"),
		timeout:  DefaultTimeout,
		maxNotes: DefaultMaxNotes,
		now:      time.Now,
	}
}

// SetTimeout configures the time budget of one scheduled extraction.
func (e *Extractor) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// SetMaxNotes bounds how many notes one extraction may add.
func (e *Extractor) SetMaxNotes(n int) {
	if n > 0 {
		e.maxNotes = n
	}
}

// Schedule runs an extraction for the conversation in the background.
// token is forwarded to the store for row-level security; it may be
// empty when running with service credentials.
func (e *Extractor) Schedule(userID, conversationID, token string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("memory extraction panicked",
					"user_id", userID,
					"conversation_id", conversationID,
					"panic", r,
				)
				e.report(OutcomeFailed)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		if _, err := e.Extract(ctx, userID, conversationID, token); err != nil {
			e.logger.Warn("memory extraction failed",
				"user_id", userID,
				"conversation_id", conversationID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every scheduled extraction has finished.
func (e *Extractor) Wait() {
	e.wg.Wait()
}

// Extract reads the conversation transcript, asks the model for new
// durable facts and appends them to the user's memory. It returns the
// notes that were actually added.
func (e *Extractor) Extract(ctx context.Context, userID, conversationID, token string) ([]store.Note, error) {
	added, err := e.extract(ctx, userID, conversationID, token)
	switch {
	case err != nil:
		e.report(OutcomeFailed)
	case len(added) == 0:
		e.report(OutcomeNothing)
	default:
		e.report(OutcomeAdded)
	}
	return added, err
}

func (e *Extractor) extract(ctx context.Context, userID, conversationID, token string) ([]store.Note, error) {
	msgs, err := e.store.ListMessages(ctx, token, conversationID)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	transcript, userTurns := formatTranscript(msgs)
	if userTurns == 0 {
		e.logger.Debug("no user messages to extract from", "conversation_id", conversationID)
		return nil, nil
	}

	var known []string
	mem, err := e.store.GetMemory(ctx, token, userID)
	switch {
	case err == nil:
		for _, n := range mem.Notes {
			known = append(known, n.Text)
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("read memory: %w", err)
	}

	resp, err := e.client.Chat(ctx, llm.Request{
		Model: e.model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompts.MemoryExtractionPrompt(e.maxNotes, known, transcript)},
		},
		Temperature: llm.Temperature(0),
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction model call: %w", err)
	}

	result, err := ParseExtraction(resp.Message.Content)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	var notes []store.Note
	for _, n := range result.Notes {
		text := strings.TrimSpace(n.Text)
		if text == "" {
			continue
		}
		category := strings.ToLower(strings.TrimSpace(n.Category))
		if !validCategories[category] {
			category = "preference"
		}
		notes = append(notes, store.Note{
			Text:               text,
			Category:           category,
			ExtractedAt:        now,
			SourceConversation: conversationID,
		})
		if len(notes) == e.maxNotes {
			break
		}
	}
	if len(notes) == 0 {
		e.logger.Debug("extraction found nothing worth remembering", "conversation_id", conversationID)
		return nil, nil
	}

	added, err := e.store.AppendMemoryNotes(ctx, token, userID, notes)
	if err != nil {
		return nil, fmt.Errorf("append notes: %w", err)
	}

	e.logger.Info("extracted memory notes",
		"user_id", userID,
		"conversation_id", conversationID,
		"proposed", len(notes),
		"added", len(added),
	)
	return added, nil
}

func (e *Extractor) report(outcome string) {
	if e.OnResult != nil {
		e.OnResult(outcome)
	}
}

// formatTranscript renders messages as "sender: content" lines and
// counts the user's messages.
func formatTranscript(msgs []store.Message) (string, int) {
	var sb strings.Builder
	users := 0
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		sender := strings.ToLower(m.Sender)
		if sender == "user" {
			users++
		}
		fmt.Fprintf(&sb, "%s: %s\n", sender, content)
	}
	return sb.String(), users
}

// ParseExtraction decodes the model's reply, tolerating markdown code
// fences and prose around the JSON object.
func ParseExtraction(reply string) (*ExtractionResult, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return nil, errors.New("no JSON object in extraction reply")
	}
	var result ExtractionResult
	if err := json.Unmarshal([]byte(reply[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("decode extraction reply: %w", err)
	}
	return &result, nil
}
