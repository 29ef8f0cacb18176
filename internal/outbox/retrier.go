// Package outbox drains chat-list updates that failed on first attempt.
package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/metrics"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 5
	batchSize          = 100

	// AppliedRetention bounds how long applied message ids are remembered.
	// It must outlive every pending retry.
	AppliedRetention = 24 * time.Hour
	pruneInterval    = time.Hour
)

// Queue is the summary retry queue in the store.
type Queue interface {
	PendingSummaryRetries(maxAttempts, limit int) ([]store.SummaryRetry, error)
	ApplySummary(u store.SummaryUpdate) error
	CompleteSummaryRetry(id int64) error
	FailSummaryRetry(id int64, cause string) error
	PruneAppliedSummaries(before int64) (int64, error)
}

// Retrier re-applies queued summary updates on a ticker. Re-applying an
// update already reflected in the row is a no-op, so entries may be retried
// safely after a crash.
type Retrier struct {
	queue       Queue
	bus         *bus.Bus
	metrics     *metrics.Metrics
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRetrier creates a retrier with the default interval and attempt limit.
func NewRetrier(q Queue, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Retrier {
	return &Retrier{
		queue:       q,
		bus:         b,
		metrics:     m,
		logger:      logging.OrNop(logger),
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
	}
}

// Start begins polling the retry queue.
func (r *Retrier) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop stops the retry loop and waits for the current pass to finish.
func (r *Retrier) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Retrier) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ticker.C:
			r.ProcessPending()
		case <-prune.C:
			r.PruneApplied(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending runs one pass over the queue and returns how many entries
// were applied.
func (r *Retrier) ProcessPending() int {
	pending, err := r.queue.PendingSummaryRetries(r.maxAttempts, batchSize)
	if err != nil {
		r.logger.Error("failed to read summary retry queue", zap.Error(err))
		return 0
	}

	applied := 0
	for _, entry := range pending {
		u := entry.Update
		if err := r.queue.ApplySummary(u); err != nil {
			r.metrics.IncSummaryRetried("failed")
			level := r.logger.Warn
			if entry.Attempts+1 >= r.maxAttempts {
				level = r.logger.Error
			}
			level("summary retry failed",
				zap.Int64("retry_id", entry.ID),
				zap.String("user_id", u.OwnerID),
				zap.String("conversation_id", u.ConversationID),
				zap.String("msg_id", u.LastMessageID),
				zap.Int("attempt", entry.Attempts+1),
				zap.Error(err))
			if ferr := r.queue.FailSummaryRetry(entry.ID, err.Error()); ferr != nil {
				r.logger.Error("failed to record retry attempt", zap.Int64("retry_id", entry.ID), zap.Error(ferr))
			}
			continue
		}

		if err := r.queue.CompleteSummaryRetry(entry.ID); err != nil {
			r.logger.Error("failed to complete retry", zap.Int64("retry_id", entry.ID), zap.Error(err))
		}
		applied++
		r.metrics.IncSummaryRetried("applied")
		r.logger.Info("summary repaired",
			zap.String("user_id", u.OwnerID),
			zap.String("conversation_id", u.ConversationID),
			zap.String("msg_id", u.LastMessageID))
		if r.bus != nil {
			r.bus.Emit(bus.KindSummaryRepaired, u)
		}
	}
	return applied
}

// PruneApplied drops applied message ids older than AppliedRetention
// relative to now.
func (r *Retrier) PruneApplied(now time.Time) int64 {
	n, err := r.queue.PruneAppliedSummaries(now.Add(-AppliedRetention).UnixMilli())
	if err != nil {
		r.logger.Warn("failed to prune applied summary ids", zap.Error(err))
		return 0
	}
	if n > 0 {
		r.logger.Debug("pruned applied summary ids", zap.Int64("count", n))
	}
	return n
}
