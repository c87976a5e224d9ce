// Package supabase implements the store contract over Supabase's
// PostgREST interface. User requests carry the caller's JWT so that
// row-level security applies; service requests use the service key.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/d00mkeeps/volc-sub001/internal/buildinfo"
	"github.com/d00mkeeps/volc-sub001/internal/httpkit"
	"github.com/d00mkeeps/volc-sub001/internal/store"
)

// Config holds connection settings.
type Config struct {
	URL        string
	AnonKey    string
	ServiceKey string
}

// Client is a PostgREST client for the coaching tables.
type Client struct {
	baseURL    string
	anonKey    string
	serviceKey string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ store.Store = (*Client)(nil)

// New creates a Supabase client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		serviceKey: cfg.ServiceKey,
		logger:     logger.With("component", "supabase"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithGatewayRetry(),
			httpkit.WithLogger(logger),
		),
	}
}

// do issues a PostgREST request and decodes a JSON response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, body any, prefer string, out any) error {
	u := c.baseURL + "/rest/v1/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	apiKey, bearer := c.anonKey, token
	if token == "" {
		apiKey, bearer = c.serviceKey, c.serviceKey
	}
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("postgrest request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode >= 300 {
		return statusError(method, path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}
	if out == nil {
		httpkit.DrainAndClose(resp.Body, 64*1024)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// statusError maps PostgREST status codes onto the store sentinels.
func statusError(method, path string, status int, body string) error {
	var kind error
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = store.ErrAuthRequired
	case http.StatusNotFound:
		kind = store.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = store.ErrBadRequest
	default:
		return fmt.Errorf("%s %s: status %d: %s", method, path, status, body)
	}
	return fmt.Errorf("%s %s: %w: %s", method, path, kind, body)
}

func eq(v string) []string { return []string{"eq." + v} }

// GetProfile returns the profile for userID.
func (c *Client) GetProfile(ctx context.Context, token, userID string) (*store.Profile, error) {
	var rows []store.Profile
	q := url.Values{"user_id": eq(userID), "select": {"*"}, "limit": {"1"}}
	if err := c.do(ctx, http.MethodGet, "user_profiles", q, token, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
	}
	return &rows[0], nil
}

// GetLatestBundle returns the newest analysis bundle for userID.
func (c *Client) GetLatestBundle(ctx context.Context, token, userID string) (*store.Bundle, error) {
	var rows []store.Bundle
	q := url.Values{
		"user_id": eq(userID),
		"select":  {"*"},
		"order":   {"created_at.desc"},
		"limit":   {"1"},
	}
	if err := c.do(ctx, http.MethodGet, "user_analysis_bundles", q, token, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("get bundle: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("bundle for %s: %w", userID, store.ErrNotFound)
	}
	return &rows[0], nil
}

// ListGlossary returns every glossary term.
func (c *Client) ListGlossary(ctx context.Context, token string) ([]store.GlossaryTerm, error) {
	var rows []store.GlossaryTerm
	q := url.Values{"select": {"*"}, "order": {"term.asc"}}
	if err := c.do(ctx, http.MethodGet, "glossary", q, token, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("list glossary: %w", err)
	}
	return rows, nil
}

// ListExercises returns the full exercise catalogue using service
// credentials.
func (c *Client) ListExercises(ctx context.Context) ([]store.Exercise, error) {
	var rows []store.Exercise
	q := url.Values{"select": {"*"}, "order": {"standard_name.asc"}}
	if err := c.do(ctx, http.MethodGet, "exercise_definitions", q, "", nil, "", &rows); err != nil {
		return nil, fmt.Errorf("list exercises: %w", err)
	}
	return rows, nil
}

// ListMessages returns a conversation transcript, oldest first.
func (c *Client) ListMessages(ctx context.Context, token, conversationID string) ([]store.Message, error) {
	var rows []store.Message
	q := url.Values{
		"conversation_id": eq(conversationID),
		"select":          {"*"},
		"order":           {"created_at.asc"},
	}
	if err := c.do(ctx, http.MethodGet, "messages", q, token, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return rows, nil
}

// GetMemory returns the ai_memory document for userID.
func (c *Client) GetMemory(ctx context.Context, token, userID string) (*store.AIMemory, error) {
	_, mem, err := c.readMemory(ctx, token, userID)
	return mem, err
}

// readMemory returns ai_memory both raw, for use as a write
// precondition, and parsed.
func (c *Client) readMemory(ctx context.Context, token, userID string) (json.RawMessage, *store.AIMemory, error) {
	var rows []struct {
		AIMemory json.RawMessage `json:"ai_memory"`
	}
	q := url.Values{"user_id": eq(userID), "select": {"ai_memory"}, "limit": {"1"}}
	if err := c.do(ctx, http.MethodGet, "user_profiles", q, token, nil, "", &rows); err != nil {
		return nil, nil, fmt.Errorf("get memory: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
	}
	mem, err := store.ParseAIMemory(rows[0].AIMemory)
	if err != nil {
		return nil, nil, fmt.Errorf("parse ai_memory: %w", err)
	}
	return rows[0].AIMemory, mem, nil
}

// memoryWriteAttempts bounds the read-append-write cycles of
// AppendMemoryNotes under contention.
const memoryWriteAttempts = 5

// AppendMemoryNotes appends the notes not already present and returns
// the ones added. The write is conditional on ai_memory still holding
// the value that was read; when another writer got there first the
// cycle is repeated against the fresh document, so concurrent appends
// never drop each other's notes.
func (c *Client) AppendMemoryNotes(ctx context.Context, token, userID string, notes []store.Note) ([]store.Note, error) {
	for attempt := 1; attempt <= memoryWriteAttempts; attempt++ {
		raw, mem, err := c.readMemory(ctx, token, userID)
		if err != nil {
			return nil, err
		}
		added := mem.Append(notes)
		if len(added) == 0 {
			return nil, nil
		}

		cond, err := memoryCondition(raw)
		if err != nil {
			return nil, err
		}
		q := url.Values{"user_id": eq(userID), "ai_memory": {cond}, "select": {"user_id"}}
		var updated []json.RawMessage
		body := map[string]any{"ai_memory": mem}
		if err := c.do(ctx, http.MethodPatch, "user_profiles", q, token, body, "return=representation", &updated); err != nil {
			return nil, fmt.Errorf("update ai_memory: %w", err)
		}
		if len(updated) > 0 {
			return added, nil
		}
		c.logger.Debug("ai_memory changed during append, retrying",
			"user_id", userID,
			"attempt", attempt,
		)
	}
	return nil, fmt.Errorf("update ai_memory for %s: %w", userID, store.ErrConflict)
}

// memoryCondition renders the PostgREST filter matching a previously
// read ai_memory value. jsonb equality ignores formatting, so the value
// is compacted to keep the URL short.
func memoryCondition(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "is.null", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", fmt.Errorf("compact ai_memory: %w", err)
	}
	return "eq." + buf.String(), nil
}

// CheckRateLimit increments and checks the counter through the
// check_rate_limit database function.
func (c *Client) CheckRateLimit(ctx context.Context, token, userID, action string, limit, windowHours int) (*store.RateLimitStatus, error) {
	body := map[string]any{
		"p_user_id":      userID,
		"p_action_type":  action,
		"p_limit":        limit,
		"p_window_hours": windowHours,
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "rpc/check_rate_limit", nil, token, body, "", &raw); err != nil {
		return nil, fmt.Errorf("check rate limit: %w", err)
	}

	// The function may return a single row or a one-element set.
	var status store.RateLimitStatus
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []store.RateLimitStatus
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("decode rate limit: %w", err)
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("check rate limit: empty result")
		}
		status = rows[0]
	} else if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("decode rate limit: %w", err)
	}
	return &status, nil
}

// RecordUsage inserts a usage_logs row.
func (c *Client) RecordUsage(ctx context.Context, token string, rec store.UsageRecord) error {
	if err := c.do(ctx, http.MethodPost, "usage_logs", nil, token, rec, "return=minimal", nil); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Ping checks that the REST endpoint answers with service credentials.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{"select": {"id"}, "limit": {"1"}}
	return c.do(ctx, http.MethodGet, "exercise_definitions", q, "", nil, "", nil)
}
