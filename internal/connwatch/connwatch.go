// Package connwatch tracks the health of the coaching service's
// external dependencies: the hosted store and the model providers.
//
// Each Watcher probes one dependency in two phases:
//  1. Startup: exponential backoff until the first success or the
//     retry budget runs out.
//  2. Background: periodic polling, reporting ready/down transitions.
//
// Request-level retries live elsewhere (httpkit for transient dial
// errors, llm.Retrier for provider rate limits). connwatch only answers
// "is this dependency up right now" for /health.
package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Overall health states reported by [Manager.Report].
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the wait before the first startup retry.
	InitialDelay time.Duration

	// MaxDelay caps startup backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each startup retry.
	Multiplier float64

	// MaxRetries is the number of startup probes before falling back
	// to background polling.
	MaxRetries int

	// PollInterval is the background probe interval.
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig probes at 1s, 2s, 4s, 8s, 16s, 30s during
// startup and every 30 seconds afterwards.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   6,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = def.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = def.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = def.ProbeTimeout
	}
	return b
}

// Dependency describes one watched dependency.
type Dependency struct {
	// Name identifies the dependency in logs and reports ("store", "model").
	Name string

	// Critical dependencies make the service "down" when unreachable;
	// others only degrade it.
	Critical bool

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnChange is called on every ready/down transition. The initial
	// state is down, so the first successful probe counts. Called from
	// the watcher goroutine.
	OnChange func(ready bool, err error)
}

// Status is the health of one dependency, for JSON health responses.
type Status struct {
	Name      string    `json:"name"`
	Critical  bool      `json:"critical"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Report is the aggregate health of all dependencies.
type Report struct {
	Status       string   `json:"status"`
	Dependencies []Status `json:"dependencies"`
}

// Watcher monitors a single dependency.
type Watcher struct {
	dep    Dependency
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	checked   bool
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the dependency is currently reachable.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.dep.Name,
		Critical:  w.dep.Critical,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.dep.Backoff
	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("dependency reachable", "after_attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == b.MaxRetries {
			w.logger.Warn("dependency unreachable at startup, polling in background",
				"attempts", attempt,
				"error", err,
			)
			break
		}
		w.logger.Debug("startup probe failed",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the result and fires OnChange on a
// transition.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.dep.Backoff.ProbeTimeout)
	err := w.dep.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	wasReady, first := w.ready, !w.checked
	w.ready = err == nil
	w.checked = true
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	if wasReady == (err == nil) {
		return err
	}
	switch {
	case err != nil:
		w.logger.Warn("dependency became unreachable", "error", err)
	case !first:
		w.logger.Info("dependency recovered")
	}
	if w.dep.OnChange != nil {
		w.dep.OnChange(err == nil, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the dependency watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts watching dep until ctx is cancelled or Stop is called.
// It panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, dep Dependency) *Watcher {
	if dep.Name == "" {
		panic("connwatch: Dependency.Name must not be empty")
	}
	if dep.Probe == nil {
		panic("connwatch: Dependency.Probe must not be nil")
	}
	dep.Backoff = dep.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		dep:    dep,
		logger: m.logger.With("dependency", dep.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.watchers[dep.Name]; ok {
		defer old.Stop()
	}
	m.watchers[dep.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Report aggregates dependency health. The service is down when any
// critical dependency is unreachable, degraded when only optional ones
// are, and ok otherwise.
func (m *Manager) Report() Report {
	m.mu.RLock()
	deps := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		deps = append(deps, w.Status())
	}
	m.mu.RUnlock()

	slices.SortFunc(deps, func(a, b Status) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	r := Report{Status: StatusOK, Dependencies: deps}
	for _, d := range deps {
		if d.Ready {
			continue
		}
		if d.Critical {
			r.Status = StatusDown
			break
		}
		r.Status = StatusDegraded
	}
	return r
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
