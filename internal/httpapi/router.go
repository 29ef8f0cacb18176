// Package httpapi is the request/response transport: message ingestion,
// history, chat list and presence over JSON, plus the WebSocket and metrics
// endpoints.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// TokenResolver turns a bearer token into a user id.
type TokenResolver interface {
	Resolve(token string) (string, error)
}

// ChatService is the chat operations exposed over HTTP.
type ChatService interface {
	Send(ctx context.Context, in chat.Input) (chat.Message, chat.DeliveryReport, error)
	History(ctx context.Context, requester string, t chat.Target, offset, limit int) ([]chat.Message, error)
	MarkRead(ctx context.Context, requester string, t chat.Target) error
	ChatList(ctx context.Context, owner string, offset, limit int) ([]chat.Summary, error)
	Pin(ctx context.Context, owner string, t chat.Target, pinned bool) error
	Search(ctx context.Context, userID, query string, limit int) ([]chat.SearchHit, error)
}

// Presence lists connected users.
type Presence interface {
	Online() []string
}

// Options wires the router. WS and Metrics are optional.
type Options struct {
	Auth     TokenResolver
	Chat     ChatService
	Presence Presence
	WS       http.Handler
	Metrics  http.Handler
	Logger   *zap.Logger
}

type handlers struct {
	chat     ChatService
	presence Presence
}

// NewRouter builds the HTTP handler tree.
func NewRouter(o Options) http.Handler {
	logger := logging.OrNop(o.Logger)
	h := &handlers{chat: o.Chat, presence: o.Presence}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	if o.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Metrics)
	}
	if o.WS != nil {
		r.Method(http.MethodGet, "/ws", o.WS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(o.Auth))
		r.Method(http.MethodPost, "/messages", wrap(h.sendMessage))
		r.Method(http.MethodGet, "/conversations/{conversation}/messages", wrap(h.history))
		r.Method(http.MethodGet, "/chats", wrap(h.chatList))
		r.Method(http.MethodPost, "/chats/{conversation}/read", wrap(h.markRead))
		r.Method(http.MethodPost, "/chats/{conversation}/pin", wrap(h.pin))
		r.Method(http.MethodGet, "/presence", wrap(h.online))
		r.Method(http.MethodGet, "/search", wrap(h.search))
	})

	return otelhttp.NewHandler(r, "chatd.http")
}
