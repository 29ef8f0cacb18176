package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/matheus3301/chatd/internal/chat"
)

// clientSources are the source tags a caller may put on an HTTP message.
var clientSources = map[string]bool{
	chat.OriginHTTP: true,
	"web":           true,
	"mobile":        true,
	"desktop":       true,
}

type sendRequest struct {
	ToID       string           `json:"to_id"`
	Content    string           `json:"msg_content"`
	Type       string           `json:"type"`
	Source     string           `json:"source"`
	Attachment *chat.Attachment `json:"attachment,omitempty"`
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

// sendMessage ingests and delivers a message before responding, so the body
// carries the final stored message with sender display fields.
func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) error {
	uid, err := userFromCtx(r)
	if err != nil {
		return err
	}
	req, err := decode[sendRequest](r)
	if err != nil {
		return err
	}
	source := req.Source
	if source == "" {
		source = chat.OriginHTTP
	}
	if !clientSources[source] {
		return &chat.ValidationError{Field: "source", Reason: "unsupported source " + source}
	}

	msg, _, err := h.chat.Send(r.Context(), chat.Input{
		SenderID:    uid,
		RecipientID: req.ToID,
		Content:     req.Content,
		Type:        req.Type,
		Origin:      source,
		Attachment:  req.Attachment,
	})
	if err != nil {
		return err
	}
	writeJSON(w, msg, http.StatusCreated)
	return nil
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) error {
	uid, err := userFromCtx(r)
	if err != nil {
		return err
	}
	t, err := chat.ParseTarget(chi.URLParam(r, "conversation"))
	if err != nil {
		return err
	}
	msgs, err := h.chat.History(r.Context(), uid, t,
		queryInt(r, "offset", 0), queryInt(r, "limit", chat.DefaultPageSize))
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, map[string]any{"messages": msgs}, http.StatusOK)
	return nil
}

func (h *handlers) chatList(w http.ResponseWriter, r *http.Request) error {
	uid, err := userFromCtx(r)
	if err != nil {
		return err
	}
	chats, err := h.chat.ChatList(r.Context(), uid,
		queryInt(r, "offset", 0), queryInt(r, "limit", chat.DefaultPageSize))
	if err != nil {
		return err
	}
	writeJSON(w, map[string]any{"chats": chats}, http.StatusOK)
	return nil
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) error {
	uid, err := userFromCtx(r)
	if err != nil {
		return err
	}
	t, err := chat.ParseTarget(chi.URLParam(r, "conversation"))
	if err != nil {
		return err
	}
	if err := h.chat.MarkRead(r.Context(), uid, t); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handlers) pin(w http.ResponseWriter, r *http.Request) error {
	uid, err := userFromCtx(r)
	if err != nil {
		return err
	}
	t, err := chat.ParseTarget(chi.URLParam(r, "conversation"))
	if err != nil {
		return err
	}
	req, err := decode[pinRequest](r)
	if err != nil {
		return err
	}
	if err := h.chat.Pin(r.Context(), uid, t, req.Pinned); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handlers) online(w http.ResponseWriter, _ *http.Request) error {
	online := h.presence.Online()
	if online == nil {
		online = []string{}
	}
	writeJSON(w, map[string]any{"online": online}, http.StatusOK)
	return nil
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) error {
	uid, err := userFromCtx(r)
	if err != nil {
		return err
	}
	hits, err := h.chat.Search(r.Context(), uid, r.URL.Query().Get("q"), queryInt(r, "limit", 20))
	if err != nil {
		return err
	}
	if hits == nil {
		hits = []chat.SearchHit{}
	}
	writeJSON(w, map[string]any{"results": hits}, http.StatusOK)
	return nil
}
