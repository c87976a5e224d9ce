// Package trace keeps an in-memory, per-session record of tool use
// and final answers for diagnostic inspection. It is not persisted
// and is not an audit log.
package trace

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// ExcerptLen bounds every string captured in a context snapshot.
const ExcerptLen = 200

// maxEntries caps a single session's trace; the oldest entries are
// dropped first.
const maxEntries = 500

// Snapshot is a compact summary of the context a turn ran with.
// It holds excerpts and counts, never full payloads.
type Snapshot struct {
	UserMessage      string `json:"user_message"`
	ProfileExcerpt   string `json:"profile_excerpt,omitempty"`
	MemoryExcerpt    string `json:"memory_excerpt,omitempty"`
	HasProfile       bool   `json:"has_profile"`
	HasBundle        bool   `json:"has_bundle"`
	GlossaryTerms    int    `json:"glossary_terms"`
	HistoryTurns     int    `json:"history_turns"`
	ExercisesOffered int    `json:"exercises_offered"`
	PromptChars      int    `json:"prompt_chars"`
}

// Entry is one trace record.
type Entry struct {
	Time            time.Time `json:"time"`
	Thought         string    `json:"thought,omitempty"`
	Tool            string    `json:"tool,omitempty"`
	Input           any       `json:"input,omitempty"`
	Output          any       `json:"output,omitempty"`
	FinalAnswer     string    `json:"final_answer,omitempty"`
	ContextSnapshot *Snapshot `json:"internal_context_snapshot,omitempty"`
}

type session struct {
	snapshot *Snapshot
	entries  []Entry
	// pending maps an open call id to its entry index. Ids come from
	// lastCall and are never reused within a session.
	pending  map[int]int
	lastCall int
}

// Recorder maps session ids to their trace entries. Each session is
// written only by the orchestrator that owns it.
type Recorder struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now, sessions: make(map[string]*session)}
}

func (r *Recorder) session(id string) *session {
	s, ok := r.sessions[id]
	if !ok {
		s = &session{pending: make(map[int]int)}
		r.sessions[id] = s
	}
	return s
}

func (s *session) append(e Entry) int {
	if len(s.entries) >= maxEntries {
		drop := len(s.entries) - maxEntries + 1
		s.entries = append(s.entries[:0:0], s.entries[drop:]...)
		for k, i := range s.pending {
			if i < drop {
				delete(s.pending, k)
			} else {
				s.pending[k] = i - drop
			}
		}
	}
	s.entries = append(s.entries, e)
	return len(s.entries) - 1
}

// SnapshotContext records the context summary attached to the
// session's subsequent entries.
func (r *Recorder) SnapshotContext(sessionID string, snap Snapshot) {
	snap.UserMessage = Excerpt(snap.UserMessage, ExcerptLen)
	snap.ProfileExcerpt = Excerpt(snap.ProfileExcerpt, ExcerptLen)
	snap.MemoryExcerpt = Excerpt(snap.MemoryExcerpt, ExcerptLen)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.session(sessionID).snapshot = &snap
}

// OnAgentAction records the decision to call a tool.
func (r *Recorder) OnAgentAction(sessionID, thought, tool string, input any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	s.append(Entry{
		Time:            r.now(),
		Thought:         thought,
		Tool:            tool,
		Input:           input,
		ContextSnapshot: s.snapshot,
	})
}

// OnToolStart opens an entry for one tool call and returns its call id.
// Concurrent calls to the same tool get distinct ids.
func (r *Recorder) OnToolStart(sessionID, tool string, input any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	s.lastCall++
	s.pending[s.lastCall] = s.append(Entry{
		Time:            r.now(),
		Tool:            tool,
		Input:           input,
		ContextSnapshot: s.snapshot,
	})
	return s.lastCall
}

// OnToolEnd records output on the entry OnToolStart opened for callID.
// An unknown or already closed id, including one whose entry was
// dropped by the cap, gets a new output-only entry.
func (r *Recorder) OnToolEnd(sessionID string, callID int, tool string, output any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	if i, ok := s.pending[callID]; ok {
		s.entries[i].Output = output
		delete(s.pending, callID)
		return
	}
	s.append(Entry{Time: r.now(), Tool: tool, Output: output, ContextSnapshot: s.snapshot})
}

// OnFinalAnswer records the terminal answer of a turn.
func (r *Recorder) OnFinalAnswer(sessionID, answer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	s.append(Entry{Time: r.now(), FinalAnswer: answer, ContextSnapshot: s.snapshot})
}

// Get returns a copy of the session's entries, or nil.
func (r *Recorder) Get(sessionID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Clear drops a session's trace. It reports whether one existed.
func (r *Recorder) Clear(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	return ok
}

// Sessions returns the ids of all traced sessions, sorted.
func (r *Recorder) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Excerpt truncates s to at most n bytes on a rune boundary, marking
// truncation with "…".
func Excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
