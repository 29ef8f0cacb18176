package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/metrics"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// History reads the recent exchange between a user and the agent.
type History interface {
	RecentPrivateMessages(a, b string, limit int, excludeID string) ([]store.Message, error)
}

// Sender is the ingestion entry point replies go through.
type Sender interface {
	Send(ctx context.Context, in chat.Input) (chat.Message, chat.DeliveryReport, error)
}

// Config holds the pipeline settings.
type Config struct {
	AgentID string
	Window  int
	Timeout time.Duration
	Profile Profile
}

// Pipeline answers private messages sent to the agent identity. Each answer
// runs in its own goroutine, detached from the triggering send.
type Pipeline struct {
	cfg       Config
	history   History
	completer Completer
	sender    Sender
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPipeline(cfg Config, h History, c Completer, s Sender, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if cfg.Profile.Apology == "" {
		cfg.Profile.Apology = DefaultApology
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg,
		history:   h,
		completer: c,
		sender:    s,
		bus:       b,
		metrics:   m,
		logger:    logging.OrNop(logger).Named("agent"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AgentID returns the identity the pipeline answers for.
func (p *Pipeline) AgentID() string { return p.cfg.AgentID }

// Observe starts a reply when msg is a private message to the agent from
// someone else. It returns immediately. Messages observed after Close are
// ignored.
func (p *Pipeline) Observe(msg chat.Message) {
	if msg.ToID != p.cfg.AgentID || msg.FromID == p.cfg.AgentID || msg.ChatType != store.ChatPrivate {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("agent closed, message left unanswered", zap.String("msg_id", msg.ID))
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("agent reply panicked", zap.String("msg_id", msg.ID), zap.Any("panic", r))
			}
		}()
		p.respond(msg)
	}()
}

// Wait blocks until in-flight replies are done.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels pending completion calls and waits for replies to finish.
// Cancelled calls still produce the apology reply.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) respond(msg chat.Message) {
	start := time.Now()
	reply, outcome := p.complete(msg)
	p.metrics.ObserveAgent(outcome, time.Since(start).Seconds())

	// The reply is persisted even if the pipeline is shutting down.
	ctx := context.WithoutCancel(p.ctx)
	sent, _, err := p.sender.Send(ctx, chat.Input{
		SenderID:    p.cfg.AgentID,
		RecipientID: msg.FromID,
		Content:     reply,
		Type:        chat.TypeText,
		Origin:      chat.OriginAgent,
	})
	if err != nil {
		p.logger.Error("agent reply not persisted",
			zap.String("user_id", msg.FromID), zap.String("msg_id", msg.ID), zap.Error(err))
		if p.bus != nil {
			p.bus.Emit(bus.KindAgentFailed, msg)
		}
		return
	}
	p.logger.Info("agent replied",
		zap.String("user_id", msg.FromID),
		zap.String("msg_id", sent.ID),
		zap.String("outcome", outcome),
		zap.Duration("took", time.Since(start)))
	if p.bus != nil {
		p.bus.Emit(bus.KindAgentReplied, sent)
	}
}

// complete returns the reply text and whether it came from the completion
// service or the fallback. A panic while building the reply yields the
// fallback.
func (p *Pipeline) complete(msg chat.Message) (reply, outcome string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("completion panicked, sending apology",
				zap.String("user_id", msg.FromID), zap.String("msg_id", msg.ID), zap.Any("panic", r))
			reply, outcome = p.cfg.Profile.Apology, "fallback"
		}
	}()

	turns, err := p.buildContext(msg)
	if err != nil {
		p.logger.Warn("agent history unavailable, answering without it",
			zap.String("user_id", msg.FromID), zap.Error(err))
		turns = p.turns(nil, msg)
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()
	reply, err = p.completer.Complete(ctx, turns)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = fmt.Errorf("%w: empty reply", chat.ErrAgent)
	}
	if err != nil {
		p.logger.Warn("completion failed, sending apology",
			zap.String("user_id", msg.FromID), zap.String("msg_id", msg.ID), zap.Error(err))
		return p.cfg.Profile.Apology, "fallback"
	}
	return strings.TrimSpace(reply), "completion"
}

func (p *Pipeline) buildContext(msg chat.Message) ([]Turn, error) {
	prior, err := p.history.RecentPrivateMessages(msg.FromID, p.cfg.AgentID, p.cfg.Window, msg.ID)
	if err != nil {
		return nil, err
	}
	return p.turns(prior, msg), nil
}

func (p *Pipeline) turns(prior []store.Message, msg chat.Message) []Turn {
	turns := make([]Turn, 0, len(prior)+2)
	if p.cfg.Profile.SystemPrompt != "" {
		turns = append(turns, Turn{Role: "system", Content: p.cfg.Profile.SystemPrompt})
	}
	for _, m := range prior {
		role := "user"
		if m.SenderID == p.cfg.AgentID {
			role = "assistant"
		}
		turns = append(turns, Turn{Role: role, Content: chat.PlainText(m.MessageType, m.Content)})
	}
	return append(turns, Turn{Role: "user", Content: chat.PlainText(msg.Type, msg.Content)})
}

// UserWriter stores the agent's display identity.
type UserWriter interface {
	UpsertUser(u *store.User) error
}

// RegisterIdentity writes the agent user row so replies resolve a display
// name like any other sender.
func (p *Pipeline) RegisterIdentity(users UserWriter) error {
	return users.UpsertUser(&store.User{
		ID:          p.cfg.AgentID,
		DisplayName: p.cfg.Profile.DisplayName,
		Avatar:      p.cfg.Profile.Avatar,
	})
}
