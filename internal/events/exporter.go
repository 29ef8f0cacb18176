// Package events exports ingested messages to Kafka for downstream
// consumers (search indexing, analytics, notifications).
package events

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Writer is the part of *kafka.Writer the exporter uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter creates an async Kafka writer for topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
}

// Record is the exported form of one message.
type Record struct {
	Message        chat.Message `json:"message"`
	ConversationID string       `json:"conversationId"`
	ExportedAt     int64        `json:"exportedAt"`
}

// Exporter forwards message.ingested bus events to Kafka. Export is best
// effort: events dropped by a full bus buffer or a failed write are logged
// and skipped.
type Exporter struct {
	bus    *bus.Bus
	writer Writer
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewExporter(b *bus.Bus, w Writer, logger *zap.Logger) *Exporter {
	return &Exporter{bus: b, writer: w, logger: logging.OrNop(logger)}
}

// Start subscribes to the bus and begins exporting.
func (e *Exporter) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe(bus.KindMessageIngested, 1024)
	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.export(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the export loop and closes the writer, flushing pending batches.
func (e *Exporter) Stop() error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return e.writer.Close()
}

func (e *Exporter) export(ctx context.Context, evt bus.Event) {
	msg, ok := evt.Payload.(chat.Message)
	if !ok {
		return
	}
	conv := ConversationKey(msg)
	value, err := json.Marshal(Record{Message: msg, ConversationID: conv, ExportedAt: time.Now().UnixMilli()})
	if err != nil {
		e.logger.Error("encode export record", zap.String("msg_id", msg.ID), zap.Error(err))
		return
	}
	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(conv),
		Value: value,
		Time:  evt.Timestamp,
	})
	if err != nil {
		e.logger.Warn("export message failed", zap.String("msg_id", msg.ID), zap.Error(err))
	}
}

// ConversationKey partitions messages by conversation so a consumer sees
// each conversation in order: the group id, or both participants sorted.
func ConversationKey(msg chat.Message) string {
	if strings.HasPrefix(msg.ToID, chat.GroupPrefix) {
		return msg.ToID
	}
	pair := []string{msg.FromID, msg.ToID}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}
