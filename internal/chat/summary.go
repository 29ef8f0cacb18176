package chat

import (
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/metrics"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// SummaryStore is the part of the store the synchronizer writes to.
type SummaryStore interface {
	ApplySummary(u store.SummaryUpdate) error
	QueueSummaryRetry(u store.SummaryUpdate, cause string) error
}

// Synchronizer keeps every recipient's chat-list row in step with the
// message log.
type Synchronizer struct {
	store   SummaryStore
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewSynchronizer(st SummaryStore, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{store: st, bus: b, metrics: m, logger: logging.OrNop(logger)}
}

// SummaryUpdate builds the row update msg causes for owner.
func SummaryUpdate(owner string, t Target, msg Message) store.SummaryUpdate {
	return store.SummaryUpdate{
		OwnerID:        owner,
		ConversationID: ConversationFor(owner, t, msg.FromID),
		ChatType:       t.Kind.String(),
		SenderID:       msg.FromID,
		LastMessage:    msg.Content,
		LastMessageID:  msg.ID,
		MessageAt:      msg.CreatedAt,
	}
}

// Sync applies msg to the rows of every owner. Each owner is an independent
// unit: a failure is logged and queued for retry, and the remaining owners
// are still updated. It returns the owners whose update failed.
func (s *Synchronizer) Sync(msg Message, t Target, owners []string) []string {
	var failed []string
	for _, owner := range owners {
		u := SummaryUpdate(owner, t, msg)
		if err := s.store.ApplySummary(u); err != nil {
			syncErr := &SummarySyncError{OwnerID: owner, MessageID: msg.ID, Err: err}
			failed = append(failed, owner)
			s.metrics.IncSummaryFailed()
			s.logger.Warn("summary sync failed, queued for retry",
				zap.String("user_id", owner),
				zap.String("conversation_id", u.ConversationID),
				zap.String("msg_id", msg.ID),
				zap.Error(syncErr))
			if qerr := s.store.QueueSummaryRetry(u, err.Error()); qerr != nil {
				s.logger.Error("queue summary retry failed",
					zap.String("user_id", owner), zap.String("msg_id", msg.ID), zap.Error(qerr))
			}
			if s.bus != nil {
				s.bus.Emit(bus.KindSummaryFailed, syncErr)
			}
		}
	}
	return failed
}
