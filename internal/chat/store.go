package chat

import "github.com/matheus3301/chatd/internal/store"

// Store is the persistence the chat core needs. *store.DB implements it.
type Store interface {
	InsertMessage(m *store.Message) error
	GetUsers(ids []string) (map[string]store.User, error)
	GetGroup(id string) (*store.Group, error)
	GroupMembers(groupID string) ([]string, error)
	IsGroupMember(groupID, userID string) (bool, error)

	ApplySummary(u store.SummaryUpdate) error
	QueueSummaryRetry(u store.SummaryUpdate, cause string) error
	ListSummaries(ownerID string, limit, offset int) ([]store.Summary, error)
	ResetUnread(ownerID, conversationID, chatType string) error
	SetPinned(ownerID, conversationID, chatType string, pinned bool) error

	ListPrivateMessages(a, b string, offset, limit int) ([]store.Message, error)
	ListGroupMessages(groupID string, offset, limit int) ([]store.Message, error)
	MarkRead(reader, sender string) (int64, error)
	SearchMessages(userID, query string, limit int) ([]store.SearchResult, error)
}

var _ Store = (*store.DB)(nil)
