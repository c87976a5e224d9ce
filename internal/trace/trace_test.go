package trace

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRecorderToolLifecycle(t *testing.T) {
	r := NewRecorder()
	r.SnapshotContext("s1", Snapshot{UserMessage: "plan my chest day", HasProfile: true, GlossaryTerms: 4})
	r.OnAgentAction("s1", "needs catalogue data", "get_strength_exercises", map[string]any{"muscle_groups": []string{"chest"}})
	id := r.OnToolStart("s1", "get_strength_exercises", map[string]any{"muscle_groups": []string{"chest"}})
	r.OnToolEnd("s1", id, "get_strength_exercises", 12)
	r.OnFinalAnswer("s1", "Here is your chest day.")

	entries := r.Get("s1")
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Thought != "needs catalogue data" {
		t.Errorf("thought = %q", entries[0].Thought)
	}
	if entries[1].Output != 12 {
		t.Errorf("tool output = %v, want 12", entries[1].Output)
	}
	if entries[2].FinalAnswer != "Here is your chest day." {
		t.Errorf("final = %q", entries[2].FinalAnswer)
	}
	for i, e := range entries {
		if e.ContextSnapshot == nil || e.ContextSnapshot.GlossaryTerms != 4 {
			t.Errorf("entry %d snapshot = %+v", i, e.ContextSnapshot)
		}
	}
}

func TestRecorderSessionsIsolated(t *testing.T) {
	r := NewRecorder()
	r.OnFinalAnswer("a", "one")
	r.OnFinalAnswer("b", "two")

	if got := r.Sessions(); len(got) != 2 || got[0] != "a" {
		t.Errorf("sessions = %v", got)
	}
	if !r.Clear("a") {
		t.Error("Clear(a) should report existing session")
	}
	if r.Clear("a") {
		t.Error("second Clear(a) should report missing")
	}
	if r.Get("a") != nil {
		t.Error("cleared session should be empty")
	}
	if len(r.Get("b")) != 1 {
		t.Error("other session must be untouched")
	}
}

func TestRepeatedToolPairsByCall(t *testing.T) {
	r := NewRecorder()
	chest := r.OnToolStart("s", "get_strength_exercises", []string{"chest"})
	back := r.OnToolStart("s", "get_strength_exercises", []string{"back"})
	r.OnToolEnd("s", chest, "get_strength_exercises", "chest-out")
	r.OnToolEnd("s", back, "get_strength_exercises", "back-out")

	entries := r.Get("s")
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	want := []struct{ input, output string }{{"chest", "chest-out"}, {"back", "back-out"}}
	for i, w := range want {
		in, _ := entries[i].Input.([]string)
		if len(in) != 1 || in[0] != w.input || entries[i].Output != w.output {
			t.Errorf("entry %d = input %v output %v, want %s/%s", i, entries[i].Input, entries[i].Output, w.input, w.output)
		}
	}

	// A closed call id does not reopen its entry.
	r.OnToolEnd("s", chest, "get_strength_exercises", "late")
	if n := len(r.Get("s")); n != 3 {
		t.Errorf("entries after repeated end = %d, want 3", n)
	}
}

func TestToolEndWithoutStart(t *testing.T) {
	r := NewRecorder()
	r.OnToolEnd("s", 0, "get_cardio_exercises", "[]")
	entries := r.Get("s")
	if len(entries) != 1 || entries[0].Tool != "get_cardio_exercises" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestSnapshotIsBounded(t *testing.T) {
	r := NewRecorder()
	long := strings.Repeat("x", 5000)
	r.SnapshotContext("s", Snapshot{UserMessage: long, ProfileExcerpt: long, MemoryExcerpt: long})
	r.OnFinalAnswer("s", "ok")

	snap := r.Get("s")[0].ContextSnapshot
	for _, field := range []string{snap.UserMessage, snap.ProfileExcerpt, snap.MemoryExcerpt} {
		if len(field) > ExcerptLen+len("…") {
			t.Errorf("snapshot field length %d exceeds bound", len(field))
		}
	}
}

func TestEntriesCapped(t *testing.T) {
	r := NewRecorder()
	id := r.OnToolStart("s", "open", nil)
	for i := 0; i < maxEntries+10; i++ {
		r.OnFinalAnswer("s", "x")
	}
	if n := len(r.Get("s")); n != maxEntries {
		t.Errorf("entries = %d, want %d", n, maxEntries)
	}
	// The dropped pending entry gets a fresh one.
	r.OnToolEnd("s", id, "open", "out")
	last := r.Get("s")[maxEntries-1]
	if last.Tool != "open" || last.Output != "out" {
		t.Errorf("last = %+v", last)
	}
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"truncate me", 8, "truncate…"},
		{"héllo", 2, "h…"},
	}
	for _, tt := range tests {
		got := Excerpt(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("Excerpt(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("Excerpt(%q, %d) produced invalid UTF-8", tt.in, tt.n)
		}
	}
}
