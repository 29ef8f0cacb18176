package chat

import (
	"strings"

	"github.com/matheus3301/chatd/internal/store"
)

// GroupPrefix marks conversation ids that address a group.
const GroupPrefix = "group_"

// Kind distinguishes private and group conversations.
type Kind int

const (
	KindPrivate Kind = iota
	KindGroup
)

func (k Kind) String() string {
	if k == KindGroup {
		return store.ChatGroup
	}
	return store.ChatPrivate
}

// Target is a resolved conversation address: a peer user or a group.
type Target struct {
	Kind Kind
	ID   string
}

// ParseTarget resolves a raw recipient id. Ids carrying GroupPrefix are
// groups; anything else is a user.
func ParseTarget(id string) (Target, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Target{}, &ValidationError{Field: "to_id", Reason: "required"}
	}
	if strings.HasPrefix(id, GroupPrefix) {
		if len(id) == len(GroupPrefix) {
			return Target{}, &ValidationError{Field: "to_id", Reason: "empty group id"}
		}
		return Target{Kind: KindGroup, ID: id}, nil
	}
	return Target{Kind: KindPrivate, ID: id}, nil
}

// IsGroup reports whether t addresses a group.
func (t Target) IsGroup() bool { return t.Kind == KindGroup }

func (t Target) String() string { return t.ID }

// ConversationFor returns the conversation id of msg as seen by owner: the
// group for group messages, otherwise the other participant.
func ConversationFor(owner string, t Target, senderID string) string {
	if t.IsGroup() {
		return t.ID
	}
	if owner == senderID {
		return t.ID
	}
	return senderID
}
