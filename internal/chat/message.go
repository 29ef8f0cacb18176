package chat

import (
	"encoding/json"
	"strings"

	"github.com/matheus3301/chatd/internal/store"
)

// Message types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
)

// Origins record which path produced a message.
const (
	OriginWebSocket = "websocket"
	OriginHTTP      = "http"
	OriginAgent     = "agent"
)

// MaxContentLength bounds the serialized content of one message.
const MaxContentLength = 10000

// Message is the delivered form of a stored message.
type Message struct {
	ID         string `json:"id"`
	FromID     string `json:"fromId"`
	ToID       string `json:"toId"`
	Content    string `json:"message"`
	Type       string `json:"type"`
	Source     string `json:"source"`
	Status     string `json:"status"`
	ChatType   string `json:"chatType"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
	FromName   string `json:"fromName,omitempty"`
	FromAvatar string `json:"fromAvatar,omitempty"`
}

// Attachment is the structured content of image and file messages.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// EncodeAttachment serializes a for storage in Message.Content.
func EncodeAttachment(a Attachment) string {
	b, _ := json.Marshal(a)
	return string(b)
}

// DecodeAttachment parses attachment content.
func DecodeAttachment(content string) (Attachment, error) {
	var a Attachment
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return Attachment{}, err
	}
	return a, nil
}

// PlainText renders content as text: attachments become "[type] name".
func PlainText(msgType, content string) string {
	if msgType != TypeImage && msgType != TypeFile {
		return content
	}
	a, err := DecodeAttachment(content)
	if err != nil {
		return content
	}
	name := a.Name
	if name == "" {
		name = a.URL
	}
	return strings.TrimSpace("[" + msgType + "] " + name)
}

func fromStore(m *store.Message) Message {
	return Message{
		ID:        m.ID,
		FromID:    m.SenderID,
		ToID:      m.RecipientID,
		Content:   m.Content,
		Type:      m.MessageType,
		Source:    m.Source,
		Status:    m.Status,
		ChatType:  m.ChatType,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// Summary is one chat-list row as returned to clients.
type Summary struct {
	ConversationID string `json:"conversationId"`
	ChatType       string `json:"chatType"`
	Name           string `json:"name,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
	LastMessage    string `json:"lastMessage"`
	LastMessageID  string `json:"lastMessageId"`
	LastSenderID   string `json:"lastSenderId"`
	UnreadCount    int    `json:"unreadCount"`
	Pinned         bool   `json:"pinned"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// SearchHit is a message matched by full-text search.
type SearchHit struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}
