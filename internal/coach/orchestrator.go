// Package coach runs the conversational turn loop for one coaching
// socket: it selects and runs catalogue tools, renders the coach
// prompt, streams the main model's reply through the reasoning
// stripper and emits framed output.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/d00mkeeps/volc-sub001/internal/llm"
	"github.com/d00mkeeps/volc-sub001/internal/metrics"
	"github.com/d00mkeeps/volc-sub001/internal/prompts"
	"github.com/d00mkeeps/volc-sub001/internal/reasoning"
	"github.com/d00mkeeps/volc-sub001/internal/store"
	"github.com/d00mkeeps/volc-sub001/internal/tools"
	"github.com/d00mkeeps/volc-sub001/internal/trace"
	"github.com/d00mkeeps/volc-sub001/internal/usercontext"
)

// ErrCancelled is returned when the client went away during a turn.
// It wraps the context's error.
var ErrCancelled = errors.New("turn cancelled")

// User-facing error frame messages.
const (
	MsgBusy        = "The coach is getting a lot of requests right now. Please try again in a moment."
	MsgUnavailable = "The coach is unavailable right now. Please try again shortly."
	MsgFailed      = "Something went wrong while generating a reply. Please try again."
)

// ContextLoader provides the shared per-user context.
type ContextLoader interface {
	LoadAll(ctx context.Context, token, userID string) (*usercontext.Context, error)
}

// ToolSelector decides which tools a message needs.
type ToolSelector interface {
	Select(ctx context.Context, message string, history []llm.Message) tools.Selection
}

// ToolExecutor runs selected tools.
type ToolExecutor interface {
	ExecuteAll(ctx context.Context, calls []tools.Call) []tools.Result
}

// UsageRecorder receives one record per completed turn.
type UsageRecorder interface {
	Record(token string, rec store.UsageRecord)
}

// Deps are the shared collaborators of every orchestrator. Usage,
// Traces and Metrics are optional.
type Deps struct {
	Context  ContextLoader
	Selector ToolSelector
	Executor ToolExecutor
	Model    llm.Client
	Retrier  *llm.Retrier
	Traces   *trace.Recorder
	Usage    UsageRecorder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Config controls the main model call.
type Config struct {
	Model         string
	Provider      string
	MaxTokens     int
	Temperature   *float64
	ReasoningTags []string
}

// Session binds an orchestrator to one socket.
type Session struct {
	ID             string
	UserID         string
	ConversationID string
	Token          string
}

// Orchestrator owns one conversation's turn buffer and trace. Turns
// are serialised: a ProcessMessage call waits for the previous one.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	session Session
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	buf    turnBuffer
	shared *usercontext.Context
}

// New creates an orchestrator for session.
func New(deps Deps, cfg Config, session Session) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Retrier == nil {
		deps.Retrier = llm.NewRetrier(llm.DefaultRetryPolicy(), deps.Logger)
	}
	if len(cfg.ReasoningTags) == 0 {
		cfg.ReasoningTags = reasoning.DefaultTags
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		session: session,
		logger: deps.Logger.With(
			"component", "coach",
			"session_id", session.ID,
			"conversation_id", session.ConversationID,
		),
		now: time.Now,
	}
}

// Session returns the session the orchestrator is bound to.
func (o *Orchestrator) Session() Session {
	return o.session
}

// Initialize replaces the turn history with prior messages from the
// client and loads the shared context. Senders other than "user" are
// treated as the assistant.
func (o *Orchestrator) Initialize(ctx context.Context, history []HistoryMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buf.reset()
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		kind := TurnAssistant
		if strings.EqualFold(m.Sender, "user") {
			kind = TurnUser
		}
		o.buf.append(Turn{Kind: kind, Content: content})
	}
	o.shared = nil
	if o.deps.Traces != nil {
		o.deps.Traces.Clear(o.session.ID)
	}
	o.ensureContext(ctx)

	o.logger.Debug("conversation initialized", "history", len(o.buf.turns))
}

// Turns returns a copy of the turn history.
func (o *Orchestrator) Turns() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.snapshot()
}

// ensureContext loads the shared context once. A failed load leaves
// the slots empty and is retried on the next turn.
func (o *Orchestrator) ensureContext(ctx context.Context) {
	if o.shared != nil || o.deps.Context == nil {
		return
	}
	uc, err := o.deps.Context.LoadAll(ctx, o.session.Token, o.session.UserID)
	if err != nil {
		o.logger.Warn("shared context unavailable, continuing without it", "error", err)
		return
	}
	o.shared = uc
}

// ProcessMessage runs one turn for text. A successful turn emits
// thinking? content* done. A turn that fails before any content emits
// a single error frame. A model failure after content has streamed
// emits thinking? content+ error: the content already sent stays sent
// and the error frame takes the place of done, since the reply is not
// buffered. Turn failures are reported to the client and return nil. A non-nil error means the client is gone: either ctx
// was cancelled ([ErrCancelled]) or emit failed.
func (o *Orchestrator) ProcessMessage(ctx context.Context, text string, emit Emitter) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t := &turn{o: o, emit: emit, started: o.now()}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("turn panicked", "panic", r)
			err = t.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if ctx.Err() != nil {
		return t.cancelled(ctx)
	}
	o.ensureContext(ctx)

	history := o.buf.messages()
	o.buf.append(Turn{Kind: TurnUser, Content: text})

	exercises := o.runTools(ctx, text, history)
	if ctx.Err() != nil {
		return t.cancelled(ctx)
	}
	t.pendingThinking = len(exercises.calls) > 0

	system := prompts.CoachSystemPrompt(promptVars(o.shared, exercises.records))
	o.snapshot(text, system, len(exercises.records))

	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, o.buf.messages()...)
	reply, resp, err := t.stream(ctx, llm.Request{
		Model:       o.cfg.Model,
		Messages:    msgs,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	switch {
	case ctx.Err() != nil:
		return t.cancelled(ctx)
	case t.emitErr != nil:
		return t.emitErr
	case err != nil:
		return t.fail(err)
	}

	if err := t.send(Done()); err != nil {
		return err
	}

	o.buf.append(Turn{Kind: TurnAssistant, Content: reply})
	if o.deps.Traces != nil {
		o.deps.Traces.OnFinalAnswer(o.session.ID, reply)
	}
	o.recordUsage(resp)
	o.deps.Metrics.Turn(metrics.TurnOK, o.now().Sub(t.started))

	o.logger.Info("turn complete",
		"tools", len(exercises.calls),
		"exercises", len(exercises.records),
		"reply_chars", len(reply),
		"elapsed", o.now().Sub(t.started).Round(time.Millisecond).String(),
	)
	return nil
}

type toolOutcome struct {
	calls   []tools.Call
	records []tools.ExerciseRecord
}

// runTools selects and executes catalogue tools, appending call and
// result turns for each.
func (o *Orchestrator) runTools(ctx context.Context, text string, history []llm.Message) toolOutcome {
	if o.deps.Selector == nil || o.deps.Executor == nil {
		return toolOutcome{}
	}
	sel := o.deps.Selector.Select(ctx, text, history)
	if len(sel.Calls) == 0 {
		return toolOutcome{}
	}

	ids := make([]int, len(sel.Calls))
	traceIDs := make([]int, len(sel.Calls))
	for i, call := range sel.Calls {
		ids[i] = o.buf.append(Turn{Kind: TurnToolCall, Call: call}).Index
		if o.deps.Traces != nil {
			o.deps.Traces.OnAgentAction(o.session.ID, sel.Reasoning, call.ToolName(), call.Args())
			traceIDs[i] = o.deps.Traces.OnToolStart(o.session.ID, call.ToolName(), call.Args())
		}
	}

	results := o.deps.Executor.ExecuteAll(ctx, sel.Calls)
	for i, r := range results {
		o.buf.append(Turn{
			Kind:      TurnToolResult,
			Call:      r.Call,
			CallID:    ids[i],
			Exercises: r.Exercises,
			Err:       r.Err,
		})
		o.deps.Metrics.ToolCall(r.Call.ToolName(), r.Err)
		if o.deps.Traces != nil {
			var output any = map[string]any{"exercises": len(r.Exercises)}
			if r.Err != nil {
				output = map[string]any{"error": r.Err.Error()}
			}
			o.deps.Traces.OnToolEnd(o.session.ID, traceIDs[i], r.Call.ToolName(), output)
		}
	}
	return toolOutcome{calls: sel.Calls, records: mergeExercises(results)}
}

func (o *Orchestrator) snapshot(text, system string, offered int) {
	if o.deps.Traces == nil {
		return
	}
	snap := trace.Snapshot{
		UserMessage:      text,
		HistoryTurns:     len(o.buf.turns),
		ExercisesOffered: offered,
		PromptChars:      len(system),
	}
	if uc := o.shared; uc != nil {
		snap.HasProfile = uc.HasProfile
		snap.HasBundle = uc.HasBundle
		snap.GlossaryTerms = len(uc.GlossaryTerms)
		if uc.HasProfile {
			snap.ProfileExcerpt = renderProfile(uc.Profile)
			snap.MemoryExcerpt = renderMemory(uc.Profile.AIMemory)
		}
	}
	o.deps.Traces.SnapshotContext(o.session.ID, snap)
}

func (o *Orchestrator) recordUsage(resp *llm.ChatResponse) {
	if o.deps.Usage == nil || resp == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = o.cfg.Model
	}
	o.deps.Usage.Record(o.session.Token, store.UsageRecord{
		UserID:         o.session.UserID,
		ConversationID: o.session.ConversationID,
		Action:         "coach_turn",
		Model:          model,
		Provider:       o.cfg.Provider,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
	})
}

// turn is the per-call state of ProcessMessage.
type turn struct {
	o       *Orchestrator
	emit    Emitter
	started time.Time

	// pendingThinking is set when tools ran; the thinking frame goes
	// out just before the first content or done frame.
	pendingThinking bool
	sentContent     bool
	emitErr         error
}

// send emits f, preceded by the pending thinking frame. The first
// emit failure is remembered and returned from every later send.
func (t *turn) send(f Frame) error {
	if t.emitErr != nil {
		return t.emitErr
	}
	if t.pendingThinking {
		t.pendingThinking = false
		if err := t.emit(Thinking()); err != nil {
			t.emitErr = fmt.Errorf("emit thinking: %w", err)
			return t.emitErr
		}
	}
	if err := t.emit(f); err != nil {
		t.emitErr = fmt.Errorf("emit %s: %w", f.Type, err)
		return t.emitErr
	}
	return nil
}

// stream calls the main model with rate-limit retries and forwards
// visible text as content frames. Retries stop once content has been
// sent. It returns the visible reply.
func (t *turn) stream(ctx context.Context, req llm.Request) (string, *llm.ChatResponse, error) {
	var (
		visible strings.Builder
		resp    *llm.ChatResponse
	)

	err := t.o.deps.Retrier.Do(ctx, func(ctx context.Context) error {
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stripper := reasoning.New(t.o.cfg.ReasoningTags...)
		forward := func(text string) {
			if text == "" || t.emitErr != nil {
				return
			}
			if !t.sentContent {
				t.sentContent = true
				t.o.deps.Metrics.FirstContent(t.o.now().Sub(t.started))
			}
			visible.WriteString(text)
			if t.send(Content(text)) != nil {
				cancel()
			}
		}

		r, err := t.o.deps.Model.ChatStream(streamCtx, req, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken {
				forward(stripper.Write(ev.Token))
			}
		})
		if err == nil {
			forward(stripper.Flush())
		}
		switch {
		case t.emitErr != nil:
			return llm.Permanent(t.emitErr)
		case err != nil && t.sentContent:
			return llm.Permanent(err)
		case err != nil:
			return err
		}
		resp = r
		return nil
	})
	return visible.String(), resp, err
}

// fail reports a turn failure to the client. Output already sent
// stays sent; no assistant turn is recorded.
func (t *turn) fail(err error) error {
	o := t.o
	msg := MsgFailed
	switch {
	case llm.IsRateLimited(err):
		msg = MsgBusy
	case errors.Is(err, llm.ErrModelUnavailable):
		msg = MsgUnavailable
	}
	o.logger.Error("turn failed",
		"error", err,
		"after_content", t.sentContent,
	)
	o.deps.Metrics.Turn(metrics.TurnError, o.now().Sub(t.started))

	// A thinking frame not yet sent is dropped so the client sees a
	// bare error.
	t.pendingThinking = false
	return t.send(Error(msg))
}

// cancelled discards the turn's partial output.
func (t *turn) cancelled(ctx context.Context) error {
	t.o.logger.Info("turn cancelled", "error", ctx.Err())
	t.o.deps.Metrics.Turn(metrics.TurnCancelled, t.o.now().Sub(t.started))
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}
