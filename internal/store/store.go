// Package store defines the records the coaching core reads from and
// writes to the hosted database, and the contract both backends
// implement.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound     = errors.New("not found")
	ErrAuthRequired = errors.New("authentication required")
	ErrBadRequest   = errors.New("bad request")

	// ErrConflict is returned when a conditional write keeps losing to
	// concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
)

// Profile is a user's profile row.
type Profile struct {
	UserID          string          `json:"user_id"`
	FirstName       string          `json:"first_name,omitempty"`
	LastName        string          `json:"last_name,omitempty"`
	Role            string          `json:"role,omitempty"`
	Goals           string          `json:"goals,omitempty"`
	TrainingHistory string          `json:"training_history,omitempty"`
	IsImperial      bool            `json:"is_imperial"`
	AIMemory        json.RawMessage `json:"ai_memory,omitempty"`
}

// Bundle is a precomputed analytics snapshot for one user.
type Bundle struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Status      string          `json:"status,omitempty"`
	WorkoutData json.RawMessage `json:"workout_data,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// GlossaryTerm is one entry of the shared training glossary.
type GlossaryTerm struct {
	ID         string `json:"id"`
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// Exercise is an exercise definition from the catalogue.
type Exercise struct {
	ID               string   `json:"id"`
	StandardName     string   `json:"standard_name"`
	PrimaryMuscles   []string `json:"primary_muscles"`
	SecondaryMuscles []string `json:"secondary_muscles"`
	Equipment        []string `json:"equipment"`
	MovementPattern  string   `json:"movement_pattern"`
	Description      string   `json:"description,omitempty"`
}

// Message is one persisted message of a conversation transcript.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Note is one durable fact about a user.
type Note struct {
	Text               string    `json:"text"`
	Category           string    `json:"category,omitempty"`
	ExtractedAt        time.Time `json:"extracted_at"`
	SourceConversation string    `json:"source_conversation"`
}

// AIMemory is the ai_memory JSON document on a profile. Keys other
// than "notes" are preserved verbatim across a read/write cycle.
type AIMemory struct {
	Notes []Note
	Extra map[string]json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *AIMemory) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Notes = nil
	if notes, ok := raw["notes"]; ok {
		if err := json.Unmarshal(notes, &m.Notes); err != nil {
			return err
		}
		delete(raw, "notes")
	}
	m.Extra = raw
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m AIMemory) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+1)
	for k, v := range m.Extra {
		out[k] = v
	}
	notes := m.Notes
	if notes == nil {
		notes = []Note{}
	}
	out["notes"] = notes
	return json.Marshal(out)
}

// ParseAIMemory decodes a raw ai_memory column. Empty or null input
// yields an empty memory.
func ParseAIMemory(raw json.RawMessage) (*AIMemory, error) {
	m := &AIMemory{}
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return m, nil
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, err
	}
	return m, nil
}

// NormalizeNoteText lowercases text and collapses runs of whitespace.
// Two notes are duplicates when their normalised texts are equal.
func NormalizeNoteText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Append adds the notes not already present by normalised text and
// returns the ones that were added. Existing notes are never touched.
func (m *AIMemory) Append(notes []Note) []Note {
	seen := make(map[string]bool, len(m.Notes)+len(notes))
	for _, n := range m.Notes {
		seen[NormalizeNoteText(n.Text)] = true
	}
	var added []Note
	for _, n := range notes {
		key := NormalizeNoteText(n.Text)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		m.Notes = append(m.Notes, n)
		added = append(added, n)
	}
	return added
}

// RateLimitStatus is the result of one rate-limit counter check.
type RateLimitStatus struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// UsageRecord is one row of the usage log.
type UsageRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Action         string    `json:"action"`
	Model          string    `json:"model,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the full contract implemented by the Supabase and SQLite
// backends. Token is the caller's bearer JWT, forwarded for row-level
// security; an empty token means service credentials.
type Store interface {
	GetProfile(ctx context.Context, token, userID string) (*Profile, error)
	GetLatestBundle(ctx context.Context, token, userID string) (*Bundle, error)
	ListGlossary(ctx context.Context, token string) ([]GlossaryTerm, error)
	ListExercises(ctx context.Context) ([]Exercise, error)
	ListMessages(ctx context.Context, token, conversationID string) ([]Message, error)
	GetMemory(ctx context.Context, token, userID string) (*AIMemory, error)
	AppendMemoryNotes(ctx context.Context, token, userID string, notes []Note) ([]Note, error)
	CheckRateLimit(ctx context.Context, token, userID, action string, limit, windowHours int) (*RateLimitStatus, error)
	RecordUsage(ctx context.Context, token string, rec UsageRecord) error
	Ping(ctx context.Context) error
}
