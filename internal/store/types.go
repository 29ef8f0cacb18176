package store

// Chat types stored in messages.chat_type and chat_summaries.chat_type.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

// Message statuses. Only private messages move from sent to read.
const (
	StatusSent = "sent"
	StatusRead = "read"
)

// User is the persisted account projection. Online is a best-effort copy of
// presence and is only meant for cold reads.
type User struct {
	ID           string
	DisplayName  string
	Avatar       string
	Online       bool
	LastActiveAt int64
}

// Message is an immutable chat message; only Status changes after insert.
type Message struct {
	Seq         int64
	ID          string
	SenderID    string
	RecipientID string
	ChatType    string
	Content     string
	MessageType string
	Source      string
	Status      string
	CreatedAt   int64
	UpdatedAt   int64
}

// Summary is one chat-list row: the owner's view of a single conversation.
type Summary struct {
	OwnerID        string
	ConversationID string
	ChatType       string
	LastMessage    string
	LastMessageID  string
	LastSenderID   string
	UnreadCount    int
	Pinned         bool
	UpdatedAt      int64
}

// SummaryUpdate describes the effect of one message on one owner's row.
type SummaryUpdate struct {
	OwnerID        string
	ConversationID string
	ChatType       string
	SenderID       string
	LastMessage    string
	LastMessageID  string
	MessageAt      int64
}

// Group is a group conversation.
type Group struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt int64
}

// SummaryRetry is a queued summary update that failed on first attempt.
type SummaryRetry struct {
	ID        int64
	Update    SummaryUpdate
	Attempts  int
	LastError string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
