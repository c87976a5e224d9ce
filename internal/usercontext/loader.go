// Package usercontext loads the per-user context a coaching session
// needs (profile, latest analysis bundle, glossary) and caches it for
// a short time.
package usercontext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/d00mkeeps/volc-sub001/internal/store"
)

// DefaultTTL is how long a loaded context is served from cache.
const DefaultTTL = 5 * time.Minute

// ErrContextLoadFailed is returned when every branch of a load fails.
var ErrContextLoadFailed = errors.New("context load failed")

// Source is the subset of the store the loader reads.
type Source interface {
	GetProfile(ctx context.Context, token, userID string) (*store.Profile, error)
	GetLatestBundle(ctx context.Context, token, userID string) (*store.Bundle, error)
	ListGlossary(ctx context.Context, token string) ([]store.GlossaryTerm, error)
}

// Context is the shared per-user context. A cached Context is never
// modified; invalidation replaces the entry.
type Context struct {
	UserID        string
	Profile       *store.Profile
	Bundle        *store.Bundle
	GlossaryTerms []store.GlossaryTerm
	HasProfile    bool
	HasBundle     bool
	LoadedAt      time.Time
}

type entry struct {
	ctx     *Context
	expires time.Time
}

// Loader fans out the three fetches and caches results per user.
type Loader struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]entry
}

// NewLoader creates a loader. A non-positive ttl uses [DefaultTTL].
func NewLoader(source Source, ttl time.Duration, logger *slog.Logger) *Loader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		source: source,
		ttl:    ttl,
		logger: logger.With("component", "usercontext"),
		now:    time.Now,
		cache:  make(map[string]entry),
	}
}

// LoadAll returns the context for userID, from cache when fresh.
// Individual branch failures leave that slot empty and are logged;
// only when all three fail is [ErrContextLoadFailed] returned.
// Concurrent cold loads for one user may each fetch; the last to
// finish wins.
func (l *Loader) LoadAll(ctx context.Context, token, userID string) (*Context, error) {
	if c, ok := l.cached(userID); ok {
		return c, nil
	}

	var (
		profile  *store.Profile
		bundle   *store.Bundle
		glossary []store.GlossaryTerm
		errs     [3]error
	)

	// Branches never return an error: each failure lands in its own
	// slot and the siblings run to completion on the caller's ctx. The
	// group is used only to join them.
	var g errgroup.Group
	g.Go(func() error {
		profile, errs[0] = l.source.GetProfile(ctx, token, userID)
		return nil
	})
	g.Go(func() error {
		bundle, errs[1] = l.source.GetLatestBundle(ctx, token, userID)
		return nil
	})
	g.Go(func() error {
		glossary, errs[2] = l.source.ListGlossary(ctx, token)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := [3]string{"profile", "bundle", "glossary"}
	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if errors.Is(err, store.ErrNotFound) {
			l.logger.Debug("context slot empty", "user_id", userID, "slot", names[i])
			continue
		}
		l.logger.Warn("context slot failed", "user_id", userID, "slot", names[i], "error", err)
	}
	if failed == len(errs) {
		return nil, fmt.Errorf("load context for %s: %w", userID, errors.Join(ErrContextLoadFailed, errors.Join(errs[:]...)))
	}

	c := &Context{
		UserID:        userID,
		Profile:       profile,
		Bundle:        bundle,
		GlossaryTerms: glossary,
		HasProfile:    errs[0] == nil && profile != nil,
		HasBundle:     errs[1] == nil && bundle != nil,
		LoadedAt:      l.now(),
	}
	if !c.HasProfile {
		c.Profile = nil
	}
	if !c.HasBundle {
		c.Bundle = nil
	}

	l.mu.Lock()
	l.cache[userID] = entry{ctx: c, expires: c.LoadedAt.Add(l.ttl)}
	l.mu.Unlock()

	return c, nil
}

func (l *Loader) cached(userID string) (*Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[userID]
	if !ok {
		return nil, false
	}
	if !l.now().Before(e.expires) {
		delete(l.cache, userID)
		return nil, false
	}
	return e.ctx, true
}

// Invalidate drops the cached context for userID.
func (l *Loader) Invalidate(userID string) {
	l.mu.Lock()
	delete(l.cache, userID)
	l.mu.Unlock()
}

// Len returns the number of cached entries, including expired ones
// not yet evicted.
func (l *Loader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}
