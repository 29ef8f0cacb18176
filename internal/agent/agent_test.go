package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/presence"
	"github.com/matheus3301/chatd/internal/store"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const agentID = "agent"

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// funcCompleter adapts a function to Completer and records what it saw.
type funcCompleter struct {
	mu   sync.Mutex
	seen [][]Turn
	fn   func(ctx context.Context) (string, error)
}

func (f *funcCompleter) Complete(ctx context.Context, turns []Turn) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, turns)
	f.mu.Unlock()
	return f.fn(ctx)
}

type rig struct {
	db       *store.DB
	svc      *chat.Service
	pipeline *Pipeline
}

func newRig(t *testing.T, c Completer, timeout time.Duration) *rig {
	t.Helper()
	db := testDB(t)
	reg := presence.New(nil, nil, nil, nil)
	svc := chat.NewService(db, reg, chat.Options{})
	p := NewPipeline(Config{AgentID: agentID, Window: 3, Timeout: timeout, Profile: DefaultProfile()},
		db, c, svc, nil, nil, zap.NewNop())
	svc.AddObserver(p)
	t.Cleanup(p.Close)
	return &rig{db: db, svc: svc, pipeline: p}
}

func (r *rig) send(t *testing.T, from, to, text string) chat.Message {
	t.Helper()
	msg, _, err := r.svc.Send(context.Background(), chat.Input{SenderID: from, RecipientID: to, Content: text, Origin: chat.OriginHTTP})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func (r *rig) agentReplies(t *testing.T, user string) []store.Message {
	t.Helper()
	msgs, err := r.db.ListPrivateMessages(user, agentID, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	var out []store.Message
	for _, m := range msgs {
		if m.SenderID == agentID {
			out = append(out, m)
		}
	}
	return out
}

func TestReplyFromCompletion(t *testing.T) {
	c := &funcCompleter{fn: func(context.Context) (string, error) { return "  42  ", nil }}
	r := newRig(t, c, time.Second)

	r.send(t, "u1", agentID, "meaning of life?")
	r.pipeline.Wait()

	replies := r.agentReplies(t, "u1")
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	if replies[0].Content != "42" || replies[0].Source != chat.OriginAgent || replies[0].RecipientID != "u1" {
		t.Errorf("reply = %+v", replies[0])
	}

	// The agent's own message must not trigger another reply.
	if len(c.seen) != 1 {
		t.Errorf("completer calls = %d, want 1", len(c.seen))
	}

	sum, err := r.db.GetSummary("u1", agentID, store.ChatPrivate)
	if err != nil {
		t.Fatal(err)
	}
	if sum.UnreadCount != 1 || sum.LastSenderID != agentID {
		t.Errorf("user summary = %+v, want unread 1 from agent", sum)
	}
}

func TestTimeoutYieldsApology(t *testing.T) {
	c := &funcCompleter{fn: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := newRig(t, c, 300*time.Millisecond)

	r.send(t, "u1", agentID, "hello?")
	// Send returned while the completion call is still pending.
	if n := len(r.agentReplies(t, "u1")); n != 0 {
		t.Errorf("replies right after send = %d, want 0", n)
	}
	r.pipeline.Wait()

	replies := r.agentReplies(t, "u1")
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want exactly 1", len(replies))
	}
	if replies[0].Content != DefaultApology {
		t.Errorf("reply = %q, want apology", replies[0].Content)
	}
}

func TestEmptyReplyYieldsApology(t *testing.T) {
	c := &funcCompleter{fn: func(context.Context) (string, error) { return "   ", nil }}
	r := newRig(t, c, time.Second)

	r.send(t, "u1", agentID, "hi")
	r.pipeline.Wait()

	replies := r.agentReplies(t, "u1")
	if len(replies) != 1 || replies[0].Content != DefaultApology {
		t.Errorf("replies = %+v, want one apology", replies)
	}
}

func TestPanicIsContained(t *testing.T) {
	c := &funcCompleter{fn: func(context.Context) (string, error) { panic("boom") }}
	r := newRig(t, c, time.Second)

	msg := r.send(t, "u1", agentID, "hi")
	r.pipeline.Wait()

	stored, err := r.db.GetMessage(msg.ID)
	if err != nil || stored.Status != store.StatusSent {
		t.Errorf("trigger message = %+v, %v; want persisted and unaffected", stored, err)
	}
	replies := r.agentReplies(t, "u1")
	if len(replies) != 1 || replies[0].Content != DefaultApology {
		t.Errorf("replies = %+v, want one apology", replies)
	}
}

// panicHistory fails while reading the prior exchange.
type panicHistory struct{}

func (panicHistory) RecentPrivateMessages(string, string, int, string) ([]store.Message, error) {
	panic("history exploded")
}

func TestHistoryPanicStillReplies(t *testing.T) {
	db := testDB(t)
	svc := chat.NewService(db, presence.New(nil, nil, nil, nil), chat.Options{})
	c := &funcCompleter{fn: func(context.Context) (string, error) { return "unused", nil }}
	p := NewPipeline(Config{AgentID: agentID, Window: 3, Timeout: time.Second, Profile: DefaultProfile()},
		panicHistory{}, c, svc, nil, nil, zap.NewNop())
	svc.AddObserver(p)
	defer p.Close()
	r := &rig{db: db, svc: svc, pipeline: p}

	r.send(t, "u1", agentID, "hi")
	p.Wait()

	replies := r.agentReplies(t, "u1")
	if len(replies) != 1 || replies[0].Content != DefaultApology {
		t.Errorf("replies = %+v, want one apology", replies)
	}
}

func TestObserveAfterCloseIsIgnored(t *testing.T) {
	c := &funcCompleter{fn: func(context.Context) (string, error) { return "late", nil }}
	r := newRig(t, c, time.Second)
	r.pipeline.Close()

	r.send(t, "u1", agentID, "still there?")
	r.pipeline.Wait()

	if len(c.seen) != 0 {
		t.Errorf("completer called %d times after Close, want 0", len(c.seen))
	}
	if n := len(r.agentReplies(t, "u1")); n != 0 {
		t.Errorf("replies after Close = %d, want 0", n)
	}
}

func TestContextWindowOldestFirstWithoutTrigger(t *testing.T) {
	c := &funcCompleter{fn: func(context.Context) (string, error) { return "ok", nil }}
	r := newRig(t, c, time.Second)

	for _, text := range []string{"one", "two"} {
		r.send(t, "u1", agentID, text)
		r.pipeline.Wait()
	}
	r.send(t, "u1", agentID, "three")
	r.pipeline.Wait()

	last := c.seen[len(c.seen)-1]
	var got []string
	for _, turn := range last {
		got = append(got, turn.Role+":"+turn.Content)
	}
	// Window 3 over [one, ok, two, ok] keeps [ok, two, ok]; the trigger is appended last.
	want := []string{
		"system:" + DefaultProfile().SystemPrompt,
		"assistant:ok", "user:two", "assistant:ok",
		"user:three",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("turns =\n%v\nwant\n%v", got, want)
	}
}

func TestIgnoresOtherMessages(t *testing.T) {
	c := &funcCompleter{fn: func(context.Context) (string, error) { return "x", nil }}
	r := newRig(t, c, time.Second)
	_ = r.db.CreateGroup(&store.Group{ID: "group_g"}, []string{"u1", agentID})

	r.send(t, "u1", "u2", "not for the agent")
	r.send(t, "u1", "group_g", "group message")
	r.pipeline.Wait()

	if len(c.seen) != 0 {
		t.Errorf("completer called %d times, want 0", len(c.seen))
	}
}

func TestHTTPCompleter(t *testing.T) {
	var gotPath, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		gotPath = r.URL.Path
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		reply := "echo " + req.Messages[len(req.Messages)-1].Content
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": reply}}},
		})
	}))
	defer srv.Close()

	got, err := NewHTTPCompleter(srv.URL+"/v1/", "key", "m").Complete(context.Background(), []Turn{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "echo hi" {
		t.Errorf("reply = %q", got)
	}
	if gotPath != "/v1/chat/completions" || gotModel != "m" {
		t.Errorf("request path = %q model = %q", gotPath, gotModel)
	}

	_, err = NewHTTPCompleter(srv.URL, "wrong", "m").Complete(context.Background(), []Turn{{Role: "user", Content: "hi"}})
	if !errors.Is(err, chat.ErrAgent) || !strings.Contains(err.Error(), "bad key") {
		t.Errorf("error = %v, want agent error carrying the auth failure", err)
	}
}

func TestHTTPCompleterHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewHTTPCompleter(srv.URL, "key", "m").Complete(ctx, []Turn{{Role: "user", Content: "hi"}})
	if !errors.Is(err, chat.ErrAgent) {
		t.Errorf("error = %v, want agent error", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("Complete took %v, want it bounded by the context", took)
	}
}

func TestUnavailableCompleterApologizes(t *testing.T) {
	r := newRig(t, Unavailable{}, time.Second)
	r.send(t, "u1", agentID, "anyone?")
	r.pipeline.Wait()

	replies := r.agentReplies(t, "u1")
	if len(replies) != 1 || replies[0].Content != DefaultApology {
		t.Errorf("replies = %+v, want one apology", replies)
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := "display_name: Robo\nsystem_prompt: Be brief.\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Robo" || p.SystemPrompt != "Be brief." || p.Apology != DefaultApology {
		t.Errorf("profile = %+v", p)
	}

	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadProfile(missing) expected error")
	}
}
