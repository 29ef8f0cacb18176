// Package client is a reconnecting WebSocket client for the chat protocol.
//
// The client moves through DISCONNECTED, CONNECTING and CONNECTED. A
// reconnect is only scheduled from DISCONNECTED and only one connection
// attempt runs at a time. After MaxRetries consecutive failures the client
// stays DISCONNECTED until Connect is called again. The heartbeat sends a
// ping frame while connected but never waits for the pong: a dead peer is
// noticed only when the socket itself reports an error.
package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/status"
	"go.uber.org/zap"
)

const (
	DefaultRetryInterval = 3 * time.Second
	DefaultMaxRetries    = 5
	DefaultHeartbeat     = 30 * time.Second
	writeWait            = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrBusy is returned by Connect when an attempt is already running or
	// the client is already connected.
	ErrBusy = errors.New("connection attempt in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// Config controls the endpoint and the reconnect policy.
type Config struct {
	URL           string
	Token         string
	RetryInterval time.Duration
	MaxRetries    int
	Heartbeat     time.Duration
	Dialer        *websocket.Dialer
}

// Client keeps one WebSocket open to the server.
type Client struct {
	cfg     Config
	machine *status.Machine
	logger  *zap.Logger

	attempting atomic.Bool
	closed     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	retries   int
	timer     *time.Timer
	onMessage func(chat.Envelope)

	writeMu sync.Mutex
}

// New creates a disconnected client. State changes are published on b when
// it is non-nil.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Client {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:     cfg,
		machine: status.NewMachine(b),
		logger:  logging.OrNop(logger),
		closed:  make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() status.State { return c.machine.Current() }

// OnMessage sets the callback for every frame received. It runs on the read
// goroutine and must not block for long.
func (c *Client) OnMessage(fn func(chat.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// Connect is the user-initiated connect. It resets the retry budget and makes
// one attempt; on failure the reconnect schedule takes over.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	c.retries = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.attempt(ctx)
}

// Send writes one frame to the server.
func (c *Client) Send(frameType string, payload any) error {
	frame, err := chat.EncodeFrame(frameType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.State() != status.Connected {
		return ErrNotConnected
	}
	return c.write(conn, websocket.TextMessage, frame)
}

// SendChat sends a text message to a user or group.
func (c *Client) SendChat(toID, content string) error {
	return c.Send(chat.FrameChat, chat.ChatFrame{ToID: toID, Content: content, Type: chat.TypeText})
}

// Close stops reconnecting and closes the connection. The client cannot be
// reused.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		conn := c.conn
		c.mu.Unlock()

		_ = c.machine.Transition(status.Closed)
		if conn != nil {
			_ = c.write(conn, websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		}
	})
	c.wg.Wait()
	return nil
}

func (c *Client) attempt(ctx context.Context) error {
	if !c.attempting.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.attempting.Store(false)

	if !c.machine.TransitionFrom(status.Disconnected, status.Connecting) {
		if c.State() == status.Closed {
			return ErrClosed
		}
		return ErrBusy
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("connect failed", zap.String("url", c.cfg.URL), zap.Error(err))
		if c.machine.TransitionFrom(status.Connecting, status.Disconnected) {
			c.scheduleReconnect()
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.retries = 0
	c.mu.Unlock()
	if !c.machine.TransitionFrom(status.Connecting, status.Connected) {
		_ = conn.Close()
		return ErrClosed
	}
	c.logger.Info("connected", zap.String("url", c.cfg.URL))

	done := make(chan struct{})
	c.wg.Add(2)
	go c.readLoop(conn, done)
	go c.heartbeat(conn, done)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// scheduleReconnect arms one retry timer if the retry budget allows it.
func (c *Client) scheduleReconnect() {
	select {
	case <-c.closed:
		return
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retries >= c.cfg.MaxRetries {
		c.logger.Warn("reconnect budget exhausted, waiting for explicit connect",
			zap.Int("retries", c.retries))
		return
	}
	c.retries++
	retry := c.retries
	c.timer = time.AfterFunc(c.cfg.RetryInterval, func() {
		c.logger.Info("reconnecting", zap.Int("attempt", retry))
		_ = c.attempt(context.Background())
	})
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if c.machine.TransitionFrom(status.Connected, status.Disconnected) {
				c.logger.Warn("connection lost", zap.Error(err))
				c.scheduleReconnect()
			}
			return
		}
		env, err := chat.DecodeFrame(raw)
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	ping, _ := chat.EncodeFrame(chat.FramePing, nil)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(conn, websocket.TextMessage, ping); err != nil {
				c.logger.Debug("heartbeat write failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}
