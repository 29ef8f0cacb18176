package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatd/internal/chat"
)

// Conn is one accepted WebSocket. It satisfies presence.Conn.
type Conn struct {
	userID string
	ws     *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

func newConn(userID string, ws *websocket.Conn, buffer int) *Conn {
	return &Conn{userID: userID, ws: ws, send: make(chan []byte, buffer)}
}

// UserID returns the authenticated user behind the connection.
func (c *Conn) UserID() string { return c.userID }

// Send queues frame for the write pump. It never blocks: a full queue or a
// closed connection reports false.
func (c *Conn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) sendFrame(frameType string, payload any) {
	frame, err := chat.EncodeFrame(frameType, payload)
	if err != nil {
		return
	}
	c.Send(frame)
}

func (c *Conn) sendError(msg string) {
	c.sendFrame(chat.FrameError, chat.ErrorFrame{Message: msg})
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
