package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/chat"
	"go.uber.org/zap"
)

type ctxKey string

const userKey ctxKey = "user_id"

// APIError is the body of every non-2xx response.
type APIError struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Status int    `json:"status"`
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap turns a handler error into a JSON error response.
func wrap(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			status, reason := statusFor(err)
			msg := err.Error()
			if status == http.StatusInternalServerError {
				msg = http.StatusText(status)
			}
			writeJSON(w, APIError{Error: msg, Reason: reason, Status: status}, status)
		}
	})
}

func statusFor(err error) (int, string) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Field
	case errors.Is(err, chat.ErrAuth), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, ""
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, ""
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests, ""
	case chat.IsPersistence(err):
		return http.StatusInternalServerError, "persistence"
	default:
		return http.StatusInternalServerError, ""
	}
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode[T any](r *http.Request) (T, error) {
	var t T
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		return t, &chat.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	return t, nil
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func authMiddleware(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, err := resolver.Resolve(auth.FromRequest(r))
			if err != nil {
				writeJSON(w, APIError{Error: chat.ErrAuth.Error(), Reason: "invalid_token", Status: http.StatusUnauthorized},
					http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, uid)))
		})
	}
}

func userFromCtx(r *http.Request) (string, error) {
	uid, _ := r.Context().Value(userKey).(string)
	if uid == "" {
		return "", chat.ErrAuth
	}
	return uid, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
