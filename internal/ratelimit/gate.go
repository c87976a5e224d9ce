// Package ratelimit enforces per-user action budgets against the
// store's fixed-window counters.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/d00mkeeps/volc-sub001/internal/store"
)

// Actions gated by the coaching service.
const (
	ActionMessageSend   = "message_send"
	ActionWorkoutCreate = "workout_create"
)

// Counter is the store operation the gate consults.
type Counter interface {
	CheckRateLimit(ctx context.Context, token, userID, action string, limit, windowHours int) (*store.RateLimitStatus, error)
}

// LimitedError is returned when a user has exhausted an action budget.
type LimitedError struct {
	Action  string
	ResetAt time.Time
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("too many requests for %s, resets at %s", e.Action, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter returns the time remaining until the budget resets,
// rounded up to whole seconds.
func (e *LimitedError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}

// Subject identifies who is performing an action.
type Subject struct {
	UserID string
	Role   string
	Token  string
}

// Config holds the per-action limits.
type Config struct {
	WindowHours     int
	Actions         map[string]int
	RoleMultipliers map[string]float64
}

// Gate checks actions against configured budgets.
type Gate struct {
	counter Counter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	// OnDenied, if set, is called for every denial.
	OnDenied func(action string)
}

// NewGate creates a gate.
func NewGate(counter Counter, cfg Config, logger *slog.Logger) *Gate {
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		counter: counter,
		cfg:     cfg,
		logger:  logger.With("component", "ratelimit"),
		now:     time.Now,
	}
}

// Limit returns the effective budget for action and role, or 0 when
// the action is not limited.
func (g *Gate) Limit(action, role string) int {
	base, ok := g.cfg.Actions[action]
	if !ok || base <= 0 {
		return 0
	}
	mult, ok := g.cfg.RoleMultipliers[role]
	if !ok || mult <= 0 {
		return base
	}
	return max(1, int(float64(base)*mult))
}

// Check consumes one unit of the subject's budget for action and
// returns the counter status so callers can surface the remaining
// budget. It returns a *LimitedError when the budget is exhausted.
// Store failures are logged and the action is allowed with a nil
// status; unlimited actions also report a nil status.
func (g *Gate) Check(ctx context.Context, sub Subject, action string) (*store.RateLimitStatus, error) {
	limit := g.Limit(action, sub.Role)
	if limit == 0 {
		return nil, nil
	}

	status, err := g.counter.CheckRateLimit(ctx, sub.Token, sub.UserID, action, limit, g.cfg.WindowHours)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("rate limit check failed, allowing request",
			"user_id", sub.UserID,
			"action", action,
			"error", err,
		)
		return nil, nil
	}
	if status.Allowed {
		return status, nil
	}

	// A stale reset time means the window has already rolled over.
	if !g.now().Before(status.ResetAt) {
		g.logger.Debug("rate limit denial with elapsed reset, allowing",
			"user_id", sub.UserID,
			"action", action,
			"reset_at", status.ResetAt,
		)
		rolled := *status
		rolled.Allowed = true
		return &rolled, nil
	}

	g.logger.Info("rate limit exceeded",
		"user_id", sub.UserID,
		"action", action,
		"limit", limit,
		"reset_at", status.ResetAt,
	)
	if g.OnDenied != nil {
		g.OnDenied(action)
	}
	return status, &LimitedError{Action: action, ResetAt: status.ResetAt}
}
