package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/status"
)

// fakeServer accepts upgrades and records what clients do.
type fakeServer struct {
	srv       *httptest.Server
	handshake atomic.Int32
	pings     atomic.Int32
	reject    atomic.Bool
	dropFirst atomic.Bool
	greeting  []byte

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.handshake.Add(1)
		if f.reject.Load() {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		if n == 1 && f.dropFirst.Load() {
			_ = conn.Close()
			return
		}
		if f.greeting != nil {
			_ = conn.WriteMessage(websocket.TextMessage, f.greeting)
		}
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if env, err := chat.DecodeFrame(raw); err == nil && env.Type == chat.FramePing {
					f.pings.Add(1)
				}
			}
		}()
	}))
	t.Cleanup(func() {
		f.mu.Lock()
		for _, c := range f.conns {
			_ = c.Close()
		}
		f.mu.Unlock()
		f.srv.Close()
	})
	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func newClient(t *testing.T, f *fakeServer, cfg Config) *Client {
	t.Helper()
	cfg.URL = f.url()
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 10 * time.Millisecond
	}
	c := New(cfg, nil, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectAndReceive(t *testing.T) {
	f := newFakeServer(t)
	f.greeting, _ = chat.EncodeFrame(chat.FrameMessage, chat.Message{ID: "m1", FromID: "u1", Content: "hi"})
	c := newClient(t, f, Config{})

	got := make(chan chat.Envelope, 1)
	c.OnMessage(func(env chat.Envelope) { got <- env })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", c.State())
	}

	select {
	case env := <-got:
		if env.Type != chat.FrameMessage {
			t.Errorf("frame type = %q, want message", env.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
	}

	if err := c.SendChat("u2", "hello"); err != nil {
		t.Errorf("SendChat() error = %v", err)
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	f := newFakeServer(t)
	f.dropFirst.Store(true)
	c := newClient(t, f, Config{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	eventually(t, func() bool { return f.handshake.Load() >= 2 && c.State() == status.Connected })
}

func TestStopsAfterMaxRetries(t *testing.T) {
	f := newFakeServer(t)
	f.reject.Store(true)
	c := newClient(t, f, Config{MaxRetries: 3})

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail while the server rejects")
	}
	eventually(t, func() bool { return f.handshake.Load() == 4 })

	time.Sleep(100 * time.Millisecond)
	if n := f.handshake.Load(); n != 4 {
		t.Errorf("handshakes = %d, want 4 (1 + 3 retries)", n)
	}
	if c.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", c.State())
	}

	f.reject.Store(false)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("explicit Connect() error = %v", err)
	}
	if c.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", c.State())
	}
}

func TestConcurrentConnectSingleAttempt(t *testing.T) {
	f := newFakeServer(t)
	c := newClient(t, f, Config{})

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Connect(context.Background()); err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrBusy) {
				t.Errorf("Connect() error = %v, want nil or ErrBusy", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Errorf("successful connects = %d, want 1", ok.Load())
	}
	if n := f.handshake.Load(); n != 1 {
		t.Errorf("handshakes = %d, want 1", n)
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	f := newFakeServer(t)
	c := newClient(t, f, Config{Heartbeat: 20 * time.Millisecond})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return f.pings.Load() >= 2 })
	if c.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED without pong replies", c.State())
	}
}

func TestCloseIsTerminal(t *testing.T) {
	f := newFakeServer(t)
	c := newClient(t, f, Config{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.State() != status.Closed {
		t.Errorf("state = %s, want CLOSED", c.State())
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
	if err := c.SendChat("u2", "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendChat() after Close error = %v, want ErrNotConnected", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := f.handshake.Load(); n != 1 {
		t.Errorf("handshakes = %d, want 1 (no reconnect after close)", n)
	}
}
