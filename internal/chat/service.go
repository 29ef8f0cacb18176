// Package chat implements message ingestion, chat-list synchronization and
// fan-out for private and group conversations.
package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/metrics"
	"github.com/matheus3301/chatd/internal/presence"
	"github.com/matheus3301/chatd/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/matheus3301/chatd/internal/chat")

// Limiter decides whether a sender may ingest another message.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Observer is notified of every delivered message. Observe must not block.
type Observer interface {
	Observe(msg Message)
}

// Input is a message submitted by a transport.
type Input struct {
	SenderID    string
	RecipientID string
	Content     string
	Type        string
	Origin      string
	Attachment  *Attachment
}

// Ingested is a persisted message together with the recipient set computed
// at ingestion time.
type Ingested struct {
	Message    Message
	Target     Target
	Recipients []string
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Limiter Limiter
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Service is the single ingestion entry point shared by the WebSocket and
// HTTP transports and the agent.
type Service struct {
	store      Store
	presence   *presence.Registry
	sync       *Synchronizer
	dispatcher *Dispatcher
	limiter    Limiter
	bus        *bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

func NewService(st Store, reg *presence.Registry, opts Options) *Service {
	logger := logging.OrNop(opts.Logger)
	return &Service{
		store:      st,
		presence:   reg,
		sync:       NewSynchronizer(st, opts.Bus, opts.Metrics, logger),
		dispatcher: NewDispatcher(reg, opts.Metrics, logger),
		limiter:    opts.Limiter,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// AddObserver registers o to see every delivered message.
func (s *Service) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Dispatcher exposes the fan-out path for frames other than messages.
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

// Ingest validates and persists a message and resolves its recipient set.
// A nil error means the message is durable; delivery is a separate step.
func (s *Service) Ingest(ctx context.Context, in Input) (*Ingested, error) {
	ctx, span := tracer.Start(ctx, "chat.Ingest")
	defer span.End()

	target, content, msgType, err := validate(in)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("chat.sender", in.SenderID),
		attribute.String("chat.recipient", target.ID),
		attribute.String("chat.type", target.Kind.String()),
	)

	if in.Origin != OriginAgent {
		if err := s.allow(ctx, in.SenderID); err != nil {
			return nil, err
		}
	}

	recipients, err := s.recipients(in.SenderID, target)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := s.now().UnixMilli()
	row := &store.Message{
		ID:          uuid.NewString(),
		SenderID:    in.SenderID,
		RecipientID: target.ID,
		ChatType:    target.Kind.String(),
		Content:     content,
		MessageType: msgType,
		Source:      in.Origin,
		Status:      store.StatusSent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertMessage(row); err != nil {
		perr := &PersistenceError{Op: "insert message", Err: err}
		span.RecordError(perr)
		span.SetStatus(codes.Error, "persist failed")
		s.logger.Error("message persist failed",
			zap.String("user_id", in.SenderID), zap.String("conversation_id", target.ID), zap.Error(err))
		return nil, perr
	}
	s.metrics.IncIngested(in.Origin, row.ChatType)

	msg := fromStore(row)
	s.resolveSender(&msg)
	span.SetAttributes(attribute.String("chat.msg_id", msg.ID))
	return &Ingested{Message: msg, Target: target, Recipients: recipients}, nil
}

// Deliver runs the follow-on steps for an ingested message: chat-list sync
// for every recipient and the sender, live push to connected recipients,
// then observers. None of these steps can fail the message.
func (s *Service) Deliver(ctx context.Context, ing *Ingested) DeliveryReport {
	_, span := tracer.Start(ctx, "chat.Deliver")
	defer span.End()

	msg := ing.Message
	owners := ing.Recipients
	if !slices.Contains(owners, msg.FromID) {
		owners = append(slices.Clone(owners), msg.FromID)
	}
	failed := s.sync.Sync(msg, ing.Target, owners)

	report := s.dispatcher.Dispatch(msg, ing.Recipients, msg.FromID)
	report.SummaryFailures = failed
	span.SetAttributes(
		attribute.Int("chat.delivered", len(report.Delivered)),
		attribute.Int("chat.missed", len(report.Missed)),
	)

	s.logger.Debug("message delivered",
		zap.String("msg_id", msg.ID),
		zap.String("conversation_id", ing.Target.ID),
		zap.Int("delivered", len(report.Delivered)),
		zap.Int("missed", len(report.Missed)))

	if s.bus != nil {
		s.bus.Emit(bus.KindMessageIngested, msg)
	}
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		o.Observe(msg)
	}
	return report
}

// Send ingests and delivers a message, returning once both are done.
func (s *Service) Send(ctx context.Context, in Input) (Message, DeliveryReport, error) {
	ing, err := s.Ingest(ctx, in)
	if err != nil {
		return Message{}, DeliveryReport{}, err
	}
	return ing.Message, s.Deliver(ctx, ing), nil
}

func (s *Service) allow(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, userID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	if !ok {
		s.metrics.IncRateLimited()
		return ErrRateLimited
	}
	return nil
}

// recipients returns the peer for private chats, or the current group
// members read from the store.
func (s *Service) recipients(senderID string, t Target) ([]string, error) {
	if !t.IsGroup() {
		return []string{t.ID}, nil
	}
	members, err := s.store.GroupMembers(t.ID)
	if err != nil {
		return nil, &PersistenceError{Op: "read group members", Err: err}
	}
	if !slices.Contains(members, senderID) {
		return nil, fmt.Errorf("%w: sender is not a member of %s", ErrForbidden, t.ID)
	}
	return members, nil
}

func (s *Service) resolveSender(msg *Message) {
	users, err := s.store.GetUsers([]string{msg.FromID})
	if err != nil {
		s.logger.Warn("resolve sender display failed", zap.String("user_id", msg.FromID), zap.Error(err))
		return
	}
	if u, ok := users[msg.FromID]; ok {
		msg.FromName = u.DisplayName
		msg.FromAvatar = u.Avatar
	}
}

func validate(in Input) (Target, string, string, error) {
	if strings.TrimSpace(in.SenderID) == "" {
		return Target{}, "", "", &ValidationError{Field: "from_id", Reason: "required"}
	}
	target, err := ParseTarget(in.RecipientID)
	if err != nil {
		return Target{}, "", "", err
	}

	msgType := in.Type
	content := in.Content
	if in.Attachment != nil {
		if msgType == "" || msgType == TypeText {
			msgType = TypeFile
		}
		content = EncodeAttachment(*in.Attachment)
	}
	if msgType == "" {
		msgType = TypeText
	}

	switch msgType {
	case TypeText:
		if strings.TrimSpace(content) == "" {
			return Target{}, "", "", &ValidationError{Field: "msg_content", Reason: "required"}
		}
	case TypeImage, TypeFile:
		a, err := DecodeAttachment(content)
		if err != nil || a.URL == "" {
			return Target{}, "", "", &ValidationError{Field: "msg_content", Reason: msgType + " requires an attachment with a url"}
		}
	default:
		return Target{}, "", "", &ValidationError{Field: "type", Reason: "unknown message type " + msgType}
	}
	if len(content) > MaxContentLength || !utf8.ValidString(content) {
		return Target{}, "", "", &ValidationError{Field: "msg_content", Reason: "too long or not valid UTF-8"}
	}
	return target, content, msgType, nil
}
