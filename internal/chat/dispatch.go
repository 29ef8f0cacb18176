package chat

import (
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/metrics"
	"github.com/matheus3301/chatd/internal/presence"
	"go.uber.org/zap"
)

// DeliveryReport summarizes the follow-on steps of one ingested message.
type DeliveryReport struct {
	Recipients      []string `json:"recipients"`
	Delivered       []string `json:"delivered"`
	Missed          []string `json:"missed"`
	SummaryFailures []string `json:"summaryFailures,omitempty"`
}

// Dispatcher pushes frames to connected recipients. Offline recipients are
// skipped; they catch up through history.
type Dispatcher struct {
	presence *presence.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewDispatcher(reg *presence.Registry, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{presence: reg, metrics: m, logger: logging.OrNop(logger)}
}

// Dispatch sends msg as a "message" frame to each recipient except skip.
func (d *Dispatcher) Dispatch(msg Message, recipients []string, skip string) DeliveryReport {
	report := DeliveryReport{Recipients: recipients}
	frame, err := EncodeFrame(FrameMessage, msg)
	if err != nil {
		d.logger.Error("encode message frame", zap.String("msg_id", msg.ID), zap.Error(err))
		return report
	}
	for _, uid := range recipients {
		if uid == skip {
			continue
		}
		if d.push(uid, frame) {
			report.Delivered = append(report.Delivered, uid)
		} else {
			report.Missed = append(report.Missed, uid)
		}
	}
	d.metrics.IncDelivered(len(report.Delivered))
	d.metrics.IncMisses(len(report.Missed))
	return report
}

// Push sends an arbitrary frame to userID if connected.
func (d *Dispatcher) Push(userID string, frame []byte) bool {
	return d.push(userID, frame)
}

func (d *Dispatcher) push(userID string, frame []byte) bool {
	conn, ok := d.presence.Lookup(userID)
	if !ok {
		return false
	}
	if !conn.Send(frame) {
		d.logger.Warn("send buffer full, dropping frame", zap.String("user_id", userID))
		return false
	}
	return true
}
