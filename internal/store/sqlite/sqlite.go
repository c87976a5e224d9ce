// Package sqlite implements the store contract on a local SQLite
// database, for development and tests. Tokens are accepted and ignored:
// there is no row-level security.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/d00mkeeps/volc-sub001/internal/store"
)

// Store is a SQLite-backed store. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// NewStore opens the database at dbPath and creates the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a store using an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			goals TEXT NOT NULL DEFAULT '',
			training_history TEXT NOT NULL DEFAULT '',
			is_imperial INTEGER NOT NULL DEFAULT 0,
			ai_memory TEXT
		);

		CREATE TABLE IF NOT EXISTS user_analysis_bundles (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			workout_data TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bundles_user ON user_analysis_bundles(user_id, created_at);

		CREATE TABLE IF NOT EXISTS glossary (
			id TEXT PRIMARY KEY,
			term TEXT NOT NULL,
			definition TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS exercise_definitions (
			id TEXT PRIMARY KEY,
			standard_name TEXT NOT NULL,
			primary_muscles TEXT NOT NULL DEFAULT '[]',
			secondary_muscles TEXT NOT NULL DEFAULT '[]',
			equipment TEXT NOT NULL DEFAULT '[]',
			movement_pattern TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS rate_limits (
			user_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			count INTEGER NOT NULL,
			window_start TEXT NOT NULL,
			PRIMARY KEY (user_id, action_type)
		);

		CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT,
			action TEXT NOT NULL,
			model TEXT,
			provider TEXT,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) []string {
	var v []string
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

// PutProfile inserts or replaces a profile.
func (s *Store) PutProfile(ctx context.Context, p store.Profile) error {
	var mem any
	if len(p.AIMemory) > 0 {
		mem = string(p.AIMemory)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, first_name, last_name, role, goals, training_history, is_imperial, ai_memory)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			role = excluded.role,
			goals = excluded.goals,
			training_history = excluded.training_history,
			is_imperial = excluded.is_imperial,
			ai_memory = excluded.ai_memory`,
		p.UserID, p.FirstName, p.LastName, p.Role, p.Goals, p.TrainingHistory, p.IsImperial, mem,
	)
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

// GetProfile returns the profile for userID.
func (s *Store) GetProfile(ctx context.Context, _ string, userID string) (*store.Profile, error) {
	var p store.Profile
	var mem sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, first_name, last_name, role, goals, training_history, is_imperial, ai_memory
		FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.FirstName, &p.LastName, &p.Role, &p.Goals, &p.TrainingHistory, &p.IsImperial, &mem)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if mem.Valid {
		p.AIMemory = json.RawMessage(mem.String)
	}
	return &p, nil
}

// AddBundle stores an analysis bundle. Empty ID and zero CreatedAt
// are filled in.
func (s *Store) AddBundle(ctx context.Context, b store.Bundle) error {
	if b.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		b.ID = id
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	var data any
	if len(b.WorkoutData) > 0 {
		data = string(b.WorkoutData)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_analysis_bundles (id, user_id, status, workout_data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.Status, data, formatTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("add bundle: %w", err)
	}
	return nil
}

// GetLatestBundle returns the newest bundle for userID.
func (s *Store) GetLatestBundle(ctx context.Context, _ string, userID string) (*store.Bundle, error) {
	var b store.Bundle
	var data sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, workout_data, created_at
		FROM user_analysis_bundles WHERE user_id = ?
		ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&b.ID, &b.UserID, &b.Status, &data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bundle for %s: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle: %w", err)
	}
	if data.Valid {
		b.WorkoutData = json.RawMessage(data.String)
	}
	b.CreatedAt = parseTime(created)
	return &b, nil
}

// PutGlossaryTerm inserts or replaces a glossary term.
func (s *Store) PutGlossaryTerm(ctx context.Context, g store.GlossaryTerm) error {
	if g.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		g.ID = id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO glossary (id, term, definition) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET term = excluded.term, definition = excluded.definition`,
		g.ID, g.Term, g.Definition,
	)
	if err != nil {
		return fmt.Errorf("put glossary term: %w", err)
	}
	return nil
}

// ListGlossary returns every glossary term ordered by term.
func (s *Store) ListGlossary(ctx context.Context, _ string) ([]store.GlossaryTerm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, term, definition FROM glossary ORDER BY term`)
	if err != nil {
		return nil, fmt.Errorf("list glossary: %w", err)
	}
	defer rows.Close()

	var terms []store.GlossaryTerm
	for rows.Next() {
		var g store.GlossaryTerm
		if err := rows.Scan(&g.ID, &g.Term, &g.Definition); err != nil {
			return nil, fmt.Errorf("scan glossary: %w", err)
		}
		terms = append(terms, g)
	}
	return terms, rows.Err()
}

// PutExercise inserts or replaces an exercise definition. Insertion
// order is the catalogue's natural order.
func (s *Store) PutExercise(ctx context.Context, e store.Exercise) error {
	if e.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		e.ID = id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exercise_definitions
			(id, standard_name, primary_muscles, secondary_muscles, equipment, movement_pattern, description, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM exercise_definitions))
		ON CONFLICT(id) DO UPDATE SET
			standard_name = excluded.standard_name,
			primary_muscles = excluded.primary_muscles,
			secondary_muscles = excluded.secondary_muscles,
			equipment = excluded.equipment,
			movement_pattern = excluded.movement_pattern,
			description = excluded.description`,
		e.ID, e.StandardName,
		encodeList(e.PrimaryMuscles), encodeList(e.SecondaryMuscles), encodeList(e.Equipment),
		e.MovementPattern, e.Description,
	)
	if err != nil {
		return fmt.Errorf("put exercise: %w", err)
	}
	return nil
}

// ListExercises returns the full catalogue in insertion order.
func (s *Store) ListExercises(ctx context.Context) ([]store.Exercise, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, standard_name, primary_muscles, secondary_muscles, equipment, movement_pattern, description
		FROM exercise_definitions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list exercises: %w", err)
	}
	defer rows.Close()

	var out []store.Exercise
	for rows.Next() {
		var e store.Exercise
		var primary, secondary, equipment string
		if err := rows.Scan(&e.ID, &e.StandardName, &primary, &secondary, &equipment, &e.MovementPattern, &e.Description); err != nil {
			return nil, fmt.Errorf("scan exercise: %w", err)
		}
		e.PrimaryMuscles = decodeList(primary)
		e.SecondaryMuscles = decodeList(secondary)
		e.Equipment = decodeList(equipment)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddMessage appends a message to a conversation transcript.
func (s *Store) AddMessage(ctx context.Context, m store.Message) error {
	if m.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		m.ID = id
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Sender, m.Content, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation transcript, oldest first.
func (s *Store) ListMessages(ctx context.Context, _ string, conversationID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMemory returns the ai_memory document for userID.
func (s *Store) GetMemory(ctx context.Context, _ string, userID string) (*store.AIMemory, error) {
	return getMemory(ctx, s.db, userID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMemory(ctx context.Context, q queryer, userID string) (*store.AIMemory, error) {
	var raw sql.NullString
	err := q.QueryRowContext(ctx, `SELECT ai_memory FROM user_profiles WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	mem, err := store.ParseAIMemory(json.RawMessage(raw.String))
	if err != nil {
		return nil, fmt.Errorf("parse ai_memory: %w", err)
	}
	return mem, nil
}

// AppendMemoryNotes appends the notes not already present to the
// user's ai_memory inside a transaction and returns the ones added.
func (s *Store) AppendMemoryNotes(ctx context.Context, _ string, userID string, notes []store.Note) ([]store.Note, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	mem, err := getMemory(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	added := mem.Append(notes)
	if len(added) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(mem)
	if err != nil {
		return nil, fmt.Errorf("marshal ai_memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE user_profiles SET ai_memory = ? WHERE user_id = ?`, string(data), userID); err != nil {
		return nil, fmt.Errorf("update ai_memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return added, nil
}

// CheckRateLimit increments the (user, action) counter within a fixed
// window and reports whether the action is allowed. A denied check
// does not consume budget.
func (s *Store) CheckRateLimit(ctx context.Context, _ string, userID, action string, limit, windowHours int) (*store.RateLimitStatus, error) {
	if limit <= 0 || windowHours <= 0 {
		return nil, fmt.Errorf("limit and window must be positive: %w", store.ErrBadRequest)
	}
	window := time.Duration(windowHours) * time.Hour
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var count int
	var startStr string
	err = tx.QueryRowContext(ctx,
		`SELECT count, window_start FROM rate_limits WHERE user_id = ? AND action_type = ?`,
		userID, action,
	).Scan(&count, &startStr)
	start := parseTime(startStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		count, start = 0, now
	case err != nil:
		return nil, fmt.Errorf("read counter: %w", err)
	case !now.Before(start.Add(window)):
		count, start = 0, now
	}

	resetAt := start.Add(window)
	if count >= limit {
		return &store.RateLimitStatus{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	count++

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limits (user_id, action_type, count, window_start) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, action_type) DO UPDATE SET count = excluded.count, window_start = excluded.window_start`,
		userID, action, count, formatTime(start),
	)
	if err != nil {
		return nil, fmt.Errorf("write counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &store.RateLimitStatus{Allowed: true, Remaining: limit - count, ResetAt: resetAt}, nil
}

// RecordUsage inserts a usage_logs row.
func (s *Store) RecordUsage(ctx context.Context, _ string, rec store.UsageRecord) error {
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_logs
			(id, user_id, conversation_id, action, model, provider, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ConversationID, rec.Action, rec.Model, rec.Provider,
		rec.InputTokens, rec.OutputTokens, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UsageTotals returns the summed token counts for a user.
func (s *Store) UsageTotals(ctx context.Context, userID string) (input, output int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage_logs WHERE user_id = ?`, userID,
	).Scan(&input, &output)
	if err != nil {
		return 0, 0, fmt.Errorf("usage totals: %w", err)
	}
	return input, output, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
