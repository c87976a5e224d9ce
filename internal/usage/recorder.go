// Package usage records per-turn token usage to the store's usage log.
// Records are append-only and written in the background; a failed
// write is logged and never affects the turn that produced it.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d00mkeeps/volc-sub001/internal/store"
)

// DefaultTimeout bounds a single background write.
const DefaultTimeout = 10 * time.Second

// Sink persists usage records.
type Sink interface {
	RecordUsage(ctx context.Context, token string, rec store.UsageRecord) error
}

// Recorder writes usage records asynchronously.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	wg sync.WaitGroup
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sink:    sink,
		logger:  logger.With("component", "usage"),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
}

// Record persists rec in the background. If rec.ID is empty a UUIDv7
// is generated; a zero CreatedAt is set to now.
func (r *Recorder) Record(token string, rec store.UsageRecord) {
	if err := r.prepare(&rec); err != nil {
		r.logger.Warn("usage record dropped", "error", err)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.sink.RecordUsage(ctx, token, rec); err != nil {
			r.logger.Warn("usage record failed",
				"user_id", rec.UserID,
				"conversation_id", rec.ConversationID,
				"model", rec.Model,
				"error", err,
			)
			return
		}
		r.logger.Debug("usage recorded",
			"user_id", rec.UserID,
			"model", rec.Model,
			"input_tokens", rec.InputTokens,
			"output_tokens", rec.OutputTokens,
		)
	}()
}

// Wait blocks until every pending write has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) prepare(rec *store.UsageRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("usage record without user id")
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	return nil
}
