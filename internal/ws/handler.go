// Package ws serves the persistent-connection transport over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/presence"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024

	// DefaultSendBuffer is the per-connection outbound queue length.
	DefaultSendBuffer = 256
)

// TokenResolver turns a bearer token into a user id.
type TokenResolver interface {
	Resolve(token string) (string, error)
}

// Ingester is the part of the chat service the transport drives.
type Ingester interface {
	Ingest(ctx context.Context, in chat.Input) (*chat.Ingested, error)
	Deliver(ctx context.Context, ing *chat.Ingested) chat.DeliveryReport
	Typing(ctx context.Context, from string, t chat.Target, isTyping bool)
}

// Handler upgrades authenticated requests and runs one read and one write
// pump per connection. Upgraded connections are not tracked by http.Server,
// so the handler keeps its own set for Shutdown.
type Handler struct {
	auth       TokenResolver
	svc        Ingester
	registry   *presence.Registry
	sendBuffer int
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

func NewHandler(resolver TokenResolver, svc Ingester, reg *presence.Registry, sendBuffer int, logger *zap.Logger) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Handler{
		auth:       resolver,
		svc:        svc,
		registry:   reg,
		sendBuffer: sendBuffer,
		logger:     logging.OrNop(logger),
		conns:      make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Resolve(auth.FromRequest(r))
	if err != nil {
		h.logger.Debug("websocket auth rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, chat.ErrAuth.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	c := newConn(userID, ws, h.sendBuffer)
	if !h.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	if prev := h.registry.Register(userID, c); prev != nil {
		h.logger.Info("connection replaced", zap.String("user_id", userID))
	}
	h.logger.Info("user connected", zap.String("user_id", userID), zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	go c.writePump()
	go func() {
		defer h.wg.Done()
		defer cancel()
		h.readPump(ctx, c)
	}()
}

func (h *Handler) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Connections returns the number of open connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown refuses new connections, sends a going-away close to every open
// one and waits until their read loops, including any frame being handled,
// have finished.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.logger.Info("closing websocket connections", zap.Int("count", len(conns)))
	deadline := time.Now().Add(writeWait)
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = c.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) readPump(ctx context.Context, c *Conn) {
	defer func() {
		h.untrack(c)
		h.registry.Unregister(c.userID, c)
		c.close()
		_ = c.ws.Close()
		h.logger.Info("user disconnected", zap.String("user_id", c.userID))
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(ctx, c, raw)
	}
}

// handleFrame processes one inbound frame to completion before the next is
// read, so messages from one connection are ingested and fanned out in order.
func (h *Handler) handleFrame(ctx context.Context, c *Conn, raw []byte) {
	env, err := chat.DecodeFrame(raw)
	if err != nil {
		c.sendError("malformed frame")
		return
	}

	switch env.Type {
	case chat.FrameChat:
		var f chat.ChatFrame
		if err := json.Unmarshal(env.Payload(), &f); err != nil {
			c.sendError("malformed chat payload")
			return
		}
		ing, err := h.svc.Ingest(ctx, chat.Input{
			SenderID:    c.userID,
			RecipientID: f.ToID,
			Content:     f.Content,
			Type:        f.Type,
			Origin:      chat.OriginWebSocket,
			Attachment:  f.Attachment,
		})
		if err != nil {
			c.sendError(errorMessage(err))
			return
		}
		c.sendFrame(chat.FrameMessageSent, ing.Message)
		h.svc.Deliver(ctx, ing)

	case chat.FrameTyping:
		var f chat.TypingFrame
		if err := json.Unmarshal(env.Payload(), &f); err != nil {
			c.sendError("malformed typing payload")
			return
		}
		t, err := chat.ParseTarget(f.ToID)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		h.svc.Typing(ctx, c.userID, t, f.IsTyping)

	case chat.FramePing:
		c.sendFrame(chat.FramePong, nil)

	case chat.FramePong:

	default:
		c.sendError("unknown frame type " + env.Type)
	}
}

func errorMessage(err error) string {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, chat.ErrRateLimited):
		return chat.ErrRateLimited.Error()
	case errors.Is(err, chat.ErrForbidden):
		return err.Error()
	case chat.IsPersistence(err):
		return "message could not be saved"
	default:
		return "internal error"
	}
}
