package coach

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/d00mkeeps/volc-sub001/internal/llm"
	"github.com/d00mkeeps/volc-sub001/internal/prompts"
	"github.com/d00mkeeps/volc-sub001/internal/store"
	"github.com/d00mkeeps/volc-sub001/internal/tools"
	"github.com/d00mkeeps/volc-sub001/internal/trace"
	"github.com/d00mkeeps/volc-sub001/internal/usercontext"
)

// step scripts one ChatStream call.
type step struct {
	tokens []string
	// err is returned before any token, or after all tokens when
	// errAfter is set.
	err      error
	errAfter bool
	// block waits for ctx to end after sending tokens.
	block bool
}

type fakeModel struct {
	mu     sync.Mutex
	script []step
	calls  int
	reqs   []llm.Request
}

func (m *fakeModel) Chat(ctx context.Context, req llm.Request) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, req, nil)
}

func (m *fakeModel) ChatStream(ctx context.Context, req llm.Request, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	s := m.script[min(m.calls, len(m.script)-1)]
	m.calls++
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	if s.err != nil && !s.errAfter {
		return nil, s.err
	}
	var sb strings.Builder
	for _, tok := range s.tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sb.WriteString(tok)
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
		}
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{
		Model:        req.Model,
		Message:      llm.Message{Role: llm.RoleAssistant, Content: sb.String()},
		InputTokens:  120,
		OutputTokens: 30,
	}, nil
}

func (m *fakeModel) Ping(context.Context) error { return nil }

func (m *fakeModel) lastSystemPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[len(m.reqs)-1].Messages[0].Content
}

type fakeSelector struct {
	sel     tools.Selection
	history []llm.Message
}

func (f *fakeSelector) Select(_ context.Context, _ string, history []llm.Message) tools.Selection {
	f.history = history
	return f.sel
}

type staticCatalogue []store.Exercise

func (c staticCatalogue) GetAll(context.Context) ([]store.Exercise, error) { return c, nil }

type fakeLoader struct {
	uc  *usercontext.Context
	err error
}

func (f *fakeLoader) LoadAll(context.Context, string, string) (*usercontext.Context, error) {
	return f.uc, f.err
}

type fakeUsage struct {
	mu   sync.Mutex
	recs []store.UsageRecord
}

func (f *fakeUsage) Record(_ string, rec store.UsageRecord) {
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
}

// frameLog is an Emitter that records frames.
type frameLog struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (l *frameLog) emit(f Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.frames = append(l.frames, f)
	return nil
}

func (l *frameLog) types() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var parts []string
	for _, f := range l.frames {
		parts = append(parts, f.Type)
	}
	return strings.Join(parts, " ")
}

func (l *frameLog) content() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sb strings.Builder
	for _, f := range l.frames {
		if f.Type == FrameContent {
			sb.WriteString(f.Data)
		}
	}
	return sb.String()
}

var testCatalogue = staticCatalogue{
	{ID: "ex-1", StandardName: "Barbell Bench Press", PrimaryMuscles: []string{"chest"}, SecondaryMuscles: []string{"triceps"}, Equipment: []string{"barbell"}, MovementPattern: "horizontal push", Description: "Lower the bar to mid chest."},
	{ID: "ex-2", StandardName: "Back Squat", PrimaryMuscles: []string{"quadriceps"}, Equipment: []string{"barbell"}, MovementPattern: "squat"},
	{ID: "ex-3", StandardName: "Cable Fly", PrimaryMuscles: []string{"Chest"}, Equipment: []string{"cable"}, MovementPattern: "horizontal adduction"},
}

var testContext = &usercontext.Context{
	UserID: "user-1",
	Profile: &store.Profile{
		UserID:    "user-1",
		FirstName: "Sam",
		Goals:     "Bench 100kg",
		AIMemory:  json.RawMessage(`{"notes":[{"text":"Has an L4-L5 disc issue","extracted_at":"2026-01-01T00:00:00Z","source_conversation":"c0"}]}`),
	},
	HasProfile:    true,
	GlossaryTerms: []store.GlossaryTerm{{Term: "RPE", Definition: "rate of perceived exertion"}},
}

type harness struct {
	orch     *Orchestrator
	model    *fakeModel
	selector *fakeSelector
	traces   *trace.Recorder
	usage    *fakeUsage
	sleeps   []time.Duration
}

func newHarness(t *testing.T, sel tools.Selection, script ...step) *harness {
	t.Helper()
	h := &harness{
		model:    &fakeModel{script: script},
		selector: &fakeSelector{sel: sel},
		traces:   trace.NewRecorder(),
		usage:    &fakeUsage{},
	}
	retrier := llm.NewRetrier(llm.DefaultRetryPolicy(), nil)
	retrier.SetSleep(func(ctx context.Context, d time.Duration) bool {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err() == nil
	})
	h.orch = New(Deps{
		Context:  &fakeLoader{uc: testContext},
		Selector: h.selector,
		Executor: tools.NewExecutor(testCatalogue, nil),
		Model:    h.model,
		Retrier:  retrier,
		Traces:   h.traces,
		Usage:    h.usage,
	}, Config{Model: "coach-model", Provider: "anthropic"}, Session{
		ID:             "sess-1",
		UserID:         "user-1",
		ConversationID: "conv-1",
		Token:          "jwt",
	})
	return h
}

var chestCall = tools.Selection{
	Calls:     []tools.Call{tools.StrengthExercisesCall{MuscleGroups: []string{"chest"}}},
	Reasoning: "New chest workout needs catalogue data.",
}

func kinds(turns []Turn) []string {
	var out []string
	for _, t := range turns {
		out = append(out, t.Kind.String())
	}
	return out
}

func TestProcessMessageWithTools(t *testing.T) {
	h := newHarness(t, chestCall, step{tokens: []string{"<thou", "ght>load is fine</tho", "ught>Here is ", "your chest day."}})
	h.orch.Initialize(context.Background(), []HistoryMessage{{Sender: "user", Content: "hi coach"}, {Sender: "assistant", Content: "Hi Sam!"}})

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "plan my chest day", log.emit); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	if got := log.types(); got != "thinking content content done" {
		t.Errorf("frames = %q", got)
	}
	if got := log.content(); got != "Here is your chest day." {
		t.Errorf("visible content = %q", got)
	}

	want := []string{"user", "assistant", "user", "tool_call", "tool_result", "assistant"}
	turns := h.orch.Turns()
	if diff := cmp.Diff(want, kinds(turns)); diff != "" {
		t.Errorf("turn kinds (-want +got):\n%s", diff)
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Index <= turns[i-1].Index {
			t.Errorf("turn indices not increasing: %d then %d", turns[i-1].Index, turns[i].Index)
		}
	}
	if turns[4].CallID != turns[3].Index {
		t.Errorf("tool result CallID = %d, want %d", turns[4].CallID, turns[3].Index)
	}
	if got := turns[len(turns)-1].Content; got != "Here is your chest day." {
		t.Errorf("assistant turn = %q, hidden reasoning must not be stored", got)
	}

	system := h.model.lastSystemPrompt()
	for _, s := range []string{"Barbell Bench Press", "Cable Fly", "Name: Sam", "- Has an L4-L5 disc issue", "RPE: rate of perceived exertion"} {
		if !strings.Contains(system, s) {
			t.Errorf("system prompt missing %q", s)
		}
	}
	if strings.Contains(system, "Back Squat") || strings.Contains(system, "Lower the bar") {
		t.Error("system prompt should hold only matching exercises, without descriptions")
	}
	if len(h.selector.history) != 2 {
		t.Errorf("selector history = %d messages, want the 2 prior ones", len(h.selector.history))
	}
}

func TestProcessMessageWithoutTools(t *testing.T) {
	h := newHarness(t, tools.Selection{}, step{tokens: []string{"Your squat ", "is up 5kg."}})

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "how is my squat progressing?", log.emit); err != nil {
		t.Fatal(err)
	}

	if got := log.types(); got != "content content done" {
		t.Errorf("frames = %q", got)
	}
	if !strings.Contains(h.model.lastSystemPrompt(), prompts.NoExercises) {
		t.Error("empty exercise slot should use the fallback text")
	}
	if diff := cmp.Diff([]string{"user", "assistant"}, kinds(h.orch.Turns())); diff != "" {
		t.Errorf("turn kinds (-want +got):\n%s", diff)
	}
}

func TestProcessMessageRetriesRateLimits(t *testing.T) {
	limited := &llm.APIError{Provider: "anthropic", StatusCode: 429, Message: "rate_limit_error"}
	script := []step{
		{err: limited}, {err: limited}, {err: limited}, {err: limited}, {err: limited},
		{tokens: []string{"All good."}},
	}
	h := newHarness(t, tools.Selection{}, script...)

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "hello", log.emit); err != nil {
		t.Fatal(err)
	}

	if got := log.types(); got != "content done" {
		t.Errorf("frames = %q, want no visible error", got)
	}
	if h.model.calls != 6 {
		t.Errorf("model calls = %d, want 6", h.model.calls)
	}
	want := []time.Duration{2 * time.Second, 3400 * time.Millisecond, 5780 * time.Millisecond, 9826 * time.Millisecond, 10 * time.Second}
	if len(h.sleeps) != len(want) {
		t.Fatalf("sleeps = %v", h.sleeps)
	}
	for i := range want {
		if d := h.sleeps[i] - want[i]; d < -time.Millisecond || d > time.Millisecond {
			t.Errorf("sleep %d = %v, want %v", i, h.sleeps[i], want[i])
		}
	}
}

func TestProcessMessageRateLimitExhausted(t *testing.T) {
	h := newHarness(t, chestCall, step{err: errors.New("429 Resource Exhausted")})

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "plan my chest day", log.emit); err != nil {
		t.Fatalf("turn failures should not end the session: %v", err)
	}

	if diff := cmp.Diff([]Frame{Error(MsgBusy)}, log.frames); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
	if h.model.calls != 6 {
		t.Errorf("model calls = %d, want 6", h.model.calls)
	}
	turns := h.orch.Turns()
	if turns[len(turns)-1].Kind == TurnAssistant {
		t.Error("failed turn must not append an assistant turn")
	}
	if turns[0].Kind != TurnUser {
		t.Error("user turn should remain in the buffer")
	}
}

func TestProcessMessageModelError(t *testing.T) {
	h := newHarness(t, tools.Selection{}, step{err: &llm.APIError{Provider: "genai", StatusCode: 503, Message: "overloaded"}})

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "hello", log.emit); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]Frame{Error(MsgUnavailable)}, log.frames); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
	if h.model.calls != 1 {
		t.Errorf("non rate-limit errors must not be retried, calls = %d", h.model.calls)
	}
}

func TestProcessMessageMidStreamErrorAfterThinking(t *testing.T) {
	h := newHarness(t, chestCall, step{tokens: []string{"Start with "}, err: errors.New("stream reset"), errAfter: true})

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "plan my chest day", log.emit); err != nil {
		t.Fatal(err)
	}
	if got := log.types(); got != "thinking content error" {
		t.Errorf("frames = %q", got)
	}
}

func TestProcessMessageMidStreamError(t *testing.T) {
	h := newHarness(t, tools.Selection{}, step{tokens: []string{"Partial "}, err: errors.New("too many requests"), errAfter: true})

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "hello", log.emit); err != nil {
		t.Fatal(err)
	}

	if got := log.types(); got != "content error" {
		t.Errorf("frames = %q", got)
	}
	if h.model.calls != 1 {
		t.Errorf("calls = %d, retrying after visible content would duplicate it", h.model.calls)
	}
	if diff := cmp.Diff([]string{"user"}, kinds(h.orch.Turns())); diff != "" {
		t.Errorf("turn kinds (-want +got):\n%s", diff)
	}
}

func TestProcessMessageCancelled(t *testing.T) {
	h := newHarness(t, tools.Selection{}, step{tokens: []string{"Working on it"}, block: true})

	ctx, cancel := context.WithCancel(context.Background())
	var log frameLog
	done := make(chan error, 1)
	go func() { done <- h.orch.ProcessMessage(ctx, "hello", log.emit) }()

	deadline := time.Now().Add(2 * time.Second)
	for log.content() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want ErrCancelled wrapping context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessMessage did not return after cancel")
	}

	if strings.Contains(log.types(), "done") || strings.Contains(log.types(), "error") {
		t.Errorf("frames = %q, cancelled turn must not finish", log.types())
	}
	if diff := cmp.Diff([]string{"user"}, kinds(h.orch.Turns())); diff != "" {
		t.Errorf("partial output must be discarded (-want +got):\n%s", diff)
	}
}

func TestProcessMessageEmitFailure(t *testing.T) {
	h := newHarness(t, tools.Selection{}, step{tokens: []string{"a", "b", "c"}})

	gone := errors.New("broken pipe")
	log := frameLog{err: gone}
	err := h.orch.ProcessMessage(context.Background(), "hello", log.emit)
	if !errors.Is(err, gone) {
		t.Errorf("err = %v, want emit failure", err)
	}
	if h.model.calls != 1 {
		t.Errorf("calls = %d", h.model.calls)
	}
}

func TestProcessMessageContextLoadDegrades(t *testing.T) {
	h := newHarness(t, tools.Selection{}, step{tokens: []string{"Hi!"}})
	h.orch.deps.Context = &fakeLoader{err: usercontext.ErrContextLoadFailed}

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "hello", log.emit); err != nil {
		t.Fatal(err)
	}
	if got := log.types(); got != "content done" {
		t.Errorf("frames = %q", got)
	}
	system := h.model.lastSystemPrompt()
	for _, s := range []string{prompts.NoProfile, prompts.NoMemory, prompts.NoHistory} {
		if !strings.Contains(system, s) {
			t.Errorf("system prompt missing fallback %q", s)
		}
	}
}

func TestFrameSequenceShape(t *testing.T) {
	shape := regexp.MustCompile(`^((thinking )?(content )*done |error )$`)
	cases := []struct {
		name   string
		sel    tools.Selection
		script []step
	}{
		{"tools and content", chestCall, []step{{tokens: []string{"a", "b"}}}},
		{"tools only hidden text", chestCall, []step{{tokens: []string{"<thought>x</thought>"}}}},
		{"no tools", tools.Selection{}, []step{{tokens: []string{"a"}}}},
		{"empty reply", tools.Selection{}, []step{{}}},
		{"error before content with tools", chestCall, []step{{err: errors.New("bad request")}}},
		{"retried then ok", chestCall, []step{{err: errors.New("resource exhausted")}, {tokens: []string{"ok"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.sel, tc.script...)
			var log frameLog
			if err := h.orch.ProcessMessage(context.Background(), "msg", log.emit); err != nil {
				t.Fatal(err)
			}
			if got := log.types() + " "; !shape.MatchString(got) {
				t.Errorf("frames %q do not match thinking? content* done | error", got)
			}
		})
	}
}

func TestTurnsAreSerialised(t *testing.T) {
	h := newHarness(t, tools.Selection{}, step{tokens: []string{"one ", "two"}})

	var log frameLog
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.orch.ProcessMessage(context.Background(), "hi", log.emit); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := log.types(); got != strings.TrimSpace(strings.Repeat("content content done ", 3)) {
		t.Errorf("frames interleaved: %q", got)
	}
	if got := len(h.orch.Turns()); got != 6 {
		t.Errorf("turns = %d, want 6", got)
	}
}

func TestProcessMessageRecordsTraceAndUsage(t *testing.T) {
	h := newHarness(t, chestCall, step{tokens: []string{"Plan ready."}})

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "plan my chest day", log.emit); err != nil {
		t.Fatal(err)
	}

	entries := h.traces.Get("sess-1")
	var tool, final *trace.Entry
	for i := range entries {
		switch {
		case entries[i].Tool != "" && entries[i].Output != nil:
			tool = &entries[i]
		case entries[i].FinalAnswer != "":
			final = &entries[i]
		}
	}
	if tool == nil || tool.Tool != tools.NameStrengthExercises {
		t.Fatalf("missing tool entry in %+v", entries)
	}
	if final == nil || final.FinalAnswer != "Plan ready." {
		t.Fatalf("missing final answer entry in %+v", entries)
	}
	if final.ContextSnapshot == nil || final.ContextSnapshot.ExercisesOffered != 2 {
		t.Errorf("snapshot = %+v", final.ContextSnapshot)
	}

	if len(h.usage.recs) != 1 {
		t.Fatalf("usage records = %d", len(h.usage.recs))
	}
	rec := h.usage.recs[0]
	if rec.UserID != "user-1" || rec.ConversationID != "conv-1" || rec.InputTokens != 120 || rec.Model != "coach-model" {
		t.Errorf("usage = %+v", rec)
	}
}

func TestProcessMessageTracesRepeatedTool(t *testing.T) {
	sel := tools.Selection{Calls: []tools.Call{
		tools.StrengthExercisesCall{MuscleGroups: []string{"chest"}},
		tools.StrengthExercisesCall{MuscleGroups: []string{"back"}},
	}, Reasoning: "Two muscle groups."}
	h := newHarness(t, sel, step{tokens: []string{"Push and pull."}})

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "chest and back today", log.emit); err != nil {
		t.Fatal(err)
	}

	got := map[string]any{}
	var toolEntries int
	for _, e := range h.traces.Get("sess-1") {
		if e.Tool == "" || e.Thought != "" {
			continue
		}
		toolEntries++
		args, _ := e.Input.(map[string]any)
		groups, _ := args["muscle_groups"].([]string)
		if len(groups) != 1 {
			t.Fatalf("tool entry without input: %+v", e)
		}
		got[groups[0]] = e.Output
	}
	if toolEntries != 2 {
		t.Fatalf("tool entries = %d, want 2", toolEntries)
	}
	want := map[string]any{
		"chest": map[string]any{"exercises": 2},
		"back":  map[string]any{"exercises": 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tool outputs by input (-want +got):\n%s", diff)
	}
}

func TestInitializeResetsHistory(t *testing.T) {
	h := newHarness(t, tools.Selection{}, step{tokens: []string{"ok"}})

	var log frameLog
	if err := h.orch.ProcessMessage(context.Background(), "first", log.emit); err != nil {
		t.Fatal(err)
	}
	before := h.orch.Turns()

	h.orch.Initialize(context.Background(), []HistoryMessage{{Sender: "user", Content: "restored"}, {Sender: "user", Content: "  "}})
	after := h.orch.Turns()

	if len(after) != 1 || after[0].Content != "restored" {
		t.Fatalf("turns after initialize = %+v", after)
	}
	if after[0].Index <= before[len(before)-1].Index {
		t.Error("turn indices must keep increasing across initialize")
	}
	if h.traces.Get("sess-1") != nil {
		t.Error("initialize should reset the session trace")
	}
}
