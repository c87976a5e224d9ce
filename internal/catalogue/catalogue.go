// Package catalogue provides the process-wide, read-through cache of
// exercise definitions.
package catalogue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/d00mkeeps/volc-sub001/internal/store"
)

// DefaultMaxAge is how old a snapshot may get before a read refreshes it.
const DefaultMaxAge = time.Hour

// fetchTimeout bounds one shared catalogue fetch. The fetch outlives
// the caller that started it, so it carries its own deadline.
const fetchTimeout = 30 * time.Second

// Source fetches the full catalogue.
type Source interface {
	ListExercises(ctx context.Context) ([]store.Exercise, error)
}

// Stats describes the cache state.
type Stats struct {
	Loaded      bool      `json:"loaded"`
	Count       int       `json:"count"`
	LoadedAt    time.Time `json:"loaded_at,omitzero"`
	AgeSeconds  float64   `json:"age_seconds"`
	Refreshes   int       `json:"refreshes"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
}

// Cache holds the current catalogue snapshot. Only Refresh replaces
// it; readers receive the snapshot slice and must not modify it.
type Cache struct {
	source Source
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	// OnRefresh, if set, observes each completed refresh.
	OnRefresh func(err error)

	mu          sync.RWMutex
	exercises   []store.Exercise
	byID        map[string]*store.Exercise
	loadedAt    time.Time
	refreshes   int
	failures    int
	lastErr     error
	lastErrorAt time.Time
}

// New creates an empty cache. A non-positive maxAge uses [DefaultMaxAge].
func New(source Source, maxAge time.Duration, logger *slog.Logger) *Cache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		source: source,
		maxAge: maxAge,
		logger: logger.With("component", "catalogue"),
		now:    time.Now,
	}
}

// GetAll returns the catalogue, refreshing first when the cache is
// unloaded or stale. A failed refresh of a stale cache serves the old
// snapshot; a failed first load returns the error.
func (c *Cache) GetAll(ctx context.Context) ([]store.Exercise, error) {
	c.mu.RLock()
	loaded := c.byID != nil
	fresh := loaded && c.now().Sub(c.loadedAt) < c.maxAge
	snapshot := c.exercises
	c.mu.RUnlock()

	if fresh {
		return snapshot, nil
	}

	if err := c.Refresh(ctx); err != nil {
		if loaded {
			c.logger.Warn("serving stale catalogue", "error", err)
			return snapshot, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exercises, nil
}

// Get returns one exercise by id.
func (c *Cache) Get(id string) (store.Exercise, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return store.Exercise{}, false
	}
	return *e, true
}

// Refresh fetches the catalogue and replaces the snapshot. Concurrent
// calls share one fetch, which is detached from any single caller's
// cancellation; a caller whose ctx ends stops waiting but the fetch
// completes for the others. On failure the previous snapshot is kept
// and the error is recorded in [Stats].
func (c *Cache) Refresh(ctx context.Context) error {
	ch := c.group.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return nil, c.refresh(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	start := c.now()
	exercises, err := c.source.ListExercises(ctx)

	c.mu.Lock()
	if err != nil {
		c.failures++
		c.lastErr = err
		c.lastErrorAt = c.now()
		c.mu.Unlock()

		c.logger.Warn("catalogue refresh failed", "error", err)
		if c.OnRefresh != nil {
			c.OnRefresh(err)
		}
		return fmt.Errorf("refresh catalogue: %w", err)
	}

	byID := make(map[string]*store.Exercise, len(exercises))
	for i := range exercises {
		byID[exercises[i].ID] = &exercises[i]
	}
	c.exercises = exercises
	c.byID = byID
	c.loadedAt = c.now()
	c.refreshes++
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Info("catalogue refreshed",
		"exercises", len(exercises),
		"elapsed", c.now().Sub(start).Round(time.Millisecond),
	)
	if c.OnRefresh != nil {
		c.OnRefresh(nil)
	}
	return nil
}

// Stats returns a snapshot of the cache state.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		Loaded:      c.byID != nil,
		Count:       len(c.exercises),
		LoadedAt:    c.loadedAt,
		Refreshes:   c.refreshes,
		Failures:    c.failures,
		LastErrorAt: c.lastErrorAt,
	}
	if s.Loaded {
		s.AgeSeconds = c.now().Sub(c.loadedAt).Seconds()
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Run refreshes the cache every interval until ctx is cancelled. An
// initial refresh happens immediately.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.maxAge
	}
	_ = c.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}
