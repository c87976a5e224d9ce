package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/d00mkeeps/volc-sub001/internal/store"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{URL: srv.URL + "/", AnonKey: "anon", ServiceKey: "service"}, nil)
}

func TestGetProfileForwardsUserToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/user_profiles" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("user_id"); got != "eq.u1" {
			t.Errorf("user_id filter = %q", got)
		}
		if r.Header.Get("apikey") != "anon" || r.Header.Get("Authorization") != "Bearer user-jwt" {
			t.Errorf("headers apikey=%q auth=%q", r.Header.Get("apikey"), r.Header.Get("Authorization"))
		}
		io.WriteString(w, `[{"user_id":"u1","first_name":"Sam","ai_memory":{"notes":[]}}]`)
	})

	p, err := c.GetProfile(context.Background(), "user-jwt", "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.FirstName != "Sam" {
		t.Errorf("first name = %q", p.FirstName)
	}
}

func TestServiceCallsUseServiceKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "service" || r.Header.Get("Authorization") != "Bearer service" {
			t.Errorf("service headers apikey=%q auth=%q", r.Header.Get("apikey"), r.Header.Get("Authorization"))
		}
		io.WriteString(w, `[{"id":"e1","standard_name":"Squat","primary_muscles":["quads"]}]`)
	})

	ex, err := c.ListExercises(context.Background())
	if err != nil {
		t.Fatalf("ListExercises: %v", err)
	}
	if len(ex) != 1 || ex[0].StandardName != "Squat" {
		t.Errorf("exercises = %+v", ex)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, store.ErrAuthRequired},
		{http.StatusForbidden, store.ErrAuthRequired},
		{http.StatusNotFound, store.ErrNotFound},
		{http.StatusBadRequest, store.ErrBadRequest},
		{http.StatusUnprocessableEntity, store.ErrBadRequest},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			io.WriteString(w, `{"message":"nope"}`)
		})
		_, err := c.ListGlossary(context.Background(), "jwt")
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestEmptyResultIsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	})
	if _, err := c.GetLatestBundle(context.Background(), "jwt", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendMemoryNotesPatches(t *testing.T) {
	var patched map[string]json.RawMessage
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `[{"ai_memory": {"summary": "x", "notes": [{"text": "Old note"}]}}]`)
		case http.MethodPatch:
			if r.Header.Get("Prefer") != "return=representation" {
				t.Errorf("Prefer = %q", r.Header.Get("Prefer"))
			}
			want := `eq.{"summary":"x","notes":[{"text":"Old note"}]}`
			if got := r.URL.Query().Get("ai_memory"); got != want {
				t.Errorf("ai_memory filter = %q, want %q", got, want)
			}
			if err := json.NewDecoder(r.Body).Decode(&patched); err != nil {
				t.Errorf("decode patch: %v", err)
			}
			io.WriteString(w, `[{"user_id":"u1"}]`)
		}
	})

	added, err := c.AppendMemoryNotes(context.Background(), "jwt", "u1", []store.Note{
		{Text: "old  NOTE"},
		{Text: "Bad left knee", SourceConversation: "c1", ExtractedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("AppendMemoryNotes: %v", err)
	}
	if len(added) != 1 {
		t.Fatalf("added = %d, want 1", len(added))
	}

	mem, err := store.ParseAIMemory(patched["ai_memory"])
	if err != nil {
		t.Fatal(err)
	}
	if len(mem.Notes) != 2 || mem.Notes[0].Text != "Old note" {
		t.Errorf("patched notes = %+v", mem.Notes)
	}
	if string(mem.Extra["summary"]) != `"x"` {
		t.Errorf("patched extra = %v", mem.Extra)
	}
}

// memoryServer is a PostgREST stand-in holding one user_profiles row
// whose PATCH honours the ai_memory precondition.
type memoryServer struct {
	mu      sync.Mutex
	doc     string // compacted ai_memory, "" for null
	patches int
	// readers, when set, holds each of the first GETs until all of them
	// have read the same document.
	readers *sync.WaitGroup
	gets    int
}

func (m *memoryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.mu.Lock()
		doc := m.doc
		m.gets++
		hold := m.readers != nil && m.gets <= 2
		m.mu.Unlock()
		if hold {
			m.readers.Done()
			m.readers.Wait()
		}
		if doc == "" {
			doc = "null"
		}
		fmt.Fprintf(w, `[{"ai_memory":%s}]`, doc)

	case http.MethodPatch:
		var body struct {
			AIMemory json.RawMessage `json:"ai_memory"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		m.mu.Lock()
		defer m.mu.Unlock()
		m.patches++
		want := "is.null"
		if m.doc != "" {
			want = "eq." + m.doc
		}
		if r.URL.Query().Get("ai_memory") != want {
			io.WriteString(w, `[]`)
			return
		}
		var buf bytes.Buffer
		json.Compact(&buf, body.AIMemory)
		m.doc = buf.String()
		io.WriteString(w, `[{"user_id":"u1"}]`)
	}
}

func (m *memoryServer) notes(t *testing.T) []string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, err := store.ParseAIMemory(json.RawMessage(m.doc))
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, n := range mem.Notes {
		out = append(out, n.Text)
	}
	sort.Strings(out)
	return out
}

func TestAppendMemoryNotesConcurrent(t *testing.T) {
	readers := &sync.WaitGroup{}
	readers.Add(2)
	srv := &memoryServer{readers: readers}
	c := newTestClient(t, srv.ServeHTTP)

	texts := []string{"L4-L5 disc issue", "Trains mornings"}
	errs := make([]error, len(texts))
	added := make([]int, len(texts))
	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			notes, err := c.AppendMemoryNotes(context.Background(), "jwt", "u1", []store.Note{{Text: text, Category: "injury"}})
			added[i], errs[i] = len(notes), err
		}()
	}
	wg.Wait()

	for i := range texts {
		if errs[i] != nil || added[i] != 1 {
			t.Errorf("append %q: added=%d err=%v", texts[i], added[i], errs[i])
		}
	}
	if diff := cmp.Diff(texts, srv.notes(t)); diff != "" {
		t.Errorf("stored notes (-want +got):\n%s", diff)
	}
	srv.mu.Lock()
	patches := srv.patches
	srv.mu.Unlock()
	if patches != 3 {
		t.Errorf("patches = %d, want 3 (one lost race retried)", patches)
	}
}

func TestAppendMemoryNotesGivesUpOnConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `[{"ai_memory":null}]`)
		case http.MethodPatch:
			if got := r.URL.Query().Get("ai_memory"); got != "is.null" {
				t.Errorf("ai_memory filter = %q, want is.null", got)
			}
			io.WriteString(w, `[]`)
		}
	})
	_, err := c.AppendMemoryNotes(context.Background(), "jwt", "u1", []store.Note{{Text: "Bad left knee"}})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestCheckRateLimitShapes(t *testing.T) {
	reset := "2026-05-01T13:00:00Z"
	for _, body := range []string{
		`{"allowed":false,"remaining":0,"reset_at":"` + reset + `"}`,
		`[{"allowed":false,"remaining":0,"reset_at":"` + reset + `"}]`,
	} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/rest/v1/rpc/check_rate_limit" || r.Method != http.MethodPost {
				t.Errorf("%s %s", r.Method, r.URL.Path)
			}
			var args map[string]any
			json.NewDecoder(r.Body).Decode(&args)
			if args["p_action_type"] != "message_send" || args["p_limit"] != float64(100) {
				t.Errorf("args = %v", args)
			}
			io.WriteString(w, body)
		})
		st, err := c.CheckRateLimit(context.Background(), "jwt", "u1", "message_send", 100, 24)
		if err != nil {
			t.Fatalf("CheckRateLimit(%s): %v", body, err)
		}
		if st.Allowed || st.ResetAt.Format(time.RFC3339) != reset {
			t.Errorf("status = %+v", st)
		}
	}
}
