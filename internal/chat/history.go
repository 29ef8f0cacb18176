package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// DefaultPageSize is used when a caller passes a non-positive limit.
const DefaultPageSize = 50

// MaxPageSize bounds one history or chat-list page.
const MaxPageSize = 200

// History returns one page of a conversation, oldest first. The page is
// selected newest first, so offset 0 is the latest page. Fetching a private
// conversation marks the peer's messages to the requester as read and
// clears the requester's unread counter.
func (s *Service) History(ctx context.Context, requester string, t Target, offset, limit int) ([]Message, error) {
	_, span := tracer.Start(ctx, "chat.History")
	defer span.End()

	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	var rows []store.Message
	var err error
	if t.IsGroup() {
		if err := s.requireMember(t.ID, requester); err != nil {
			return nil, err
		}
		rows, err = s.store.ListGroupMessages(t.ID, offset, limit)
	} else {
		rows, err = s.store.ListPrivateMessages(requester, t.ID, offset, limit)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "list messages", Err: err}
	}

	if !t.IsGroup() {
		s.markRead(requester, t)
	}

	msgs := make([]Message, len(rows))
	senders := make(map[string]struct{})
	for i := range rows {
		// Reverse into display order.
		m := fromStore(&rows[len(rows)-1-i])
		if !t.IsGroup() && m.ToID == requester {
			m.Status = store.StatusRead
		}
		msgs[i] = m
		senders[m.FromID] = struct{}{}
	}
	s.decorate(msgs, senders)
	return msgs, nil
}

// MarkRead clears the requester's unread counter for a conversation and,
// for private chats, marks the peer's messages as read.
func (s *Service) MarkRead(ctx context.Context, requester string, t Target) error {
	if t.IsGroup() {
		if err := s.requireMember(t.ID, requester); err != nil {
			return err
		}
		if err := s.store.ResetUnread(requester, t.ID, store.ChatGroup); err != nil {
			return &PersistenceError{Op: "reset unread", Err: err}
		}
		return nil
	}
	if _, err := s.store.MarkRead(requester, t.ID); err != nil {
		return &PersistenceError{Op: "mark read", Err: err}
	}
	if err := s.store.ResetUnread(requester, t.ID, store.ChatPrivate); err != nil {
		return &PersistenceError{Op: "reset unread", Err: err}
	}
	return nil
}

// ChatList returns the owner's chat-list rows, pinned first then newest,
// with display names resolved.
func (s *Service) ChatList(ctx context.Context, owner string, offset, limit int) ([]Summary, error) {
	rows, err := s.store.ListSummaries(owner, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, &PersistenceError{Op: "list summaries", Err: err}
	}

	var peers []string
	for _, r := range rows {
		if r.ChatType == store.ChatPrivate {
			peers = append(peers, r.ConversationID)
		}
	}
	users, err := s.store.GetUsers(peers)
	if err != nil {
		s.logger.Warn("resolve chat list names failed", zap.String("user_id", owner), zap.Error(err))
	}

	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		sum := Summary{
			ConversationID: r.ConversationID,
			ChatType:       r.ChatType,
			LastMessage:    r.LastMessage,
			LastMessageID:  r.LastMessageID,
			LastSenderID:   r.LastSenderID,
			UnreadCount:    r.UnreadCount,
			Pinned:         r.Pinned,
			UpdatedAt:      r.UpdatedAt,
		}
		if r.ChatType == store.ChatGroup {
			if g, err := s.store.GetGroup(r.ConversationID); err == nil {
				sum.Name = g.Name
			}
		} else if u, ok := users[r.ConversationID]; ok {
			sum.Name = u.DisplayName
			sum.Avatar = u.Avatar
		}
		out = append(out, sum)
	}
	return out, nil
}

// Pin sets the pinned flag on the owner's row for a conversation.
func (s *Service) Pin(ctx context.Context, owner string, t Target, pinned bool) error {
	err := s.store.SetPinned(owner, t.ID, t.Kind.String(), pinned)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return &PersistenceError{Op: "set pinned", Err: err}
	}
	return nil
}

// Search finds messages visible to userID containing query as a phrase.
// Double quotes in query are dropped so it cannot alter the match syntax.
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(strings.ReplaceAll(query, `"`, " "))
	if query == "" {
		return nil, &ValidationError{Field: "q", Reason: "required"}
	}
	phrase := `"` + query + `"`
	results, err := s.store.SearchMessages(userID, phrase, clampLimit(limit))
	if err != nil {
		return nil, &PersistenceError{Op: "search messages", Err: err}
	}
	hits := make([]SearchHit, len(results))
	for i := range results {
		hits[i] = SearchHit{Message: fromStore(&results[i].Message), Snippet: results[i].Snippet}
	}
	return hits, nil
}

func (s *Service) markRead(requester string, t Target) {
	if _, err := s.store.MarkRead(requester, t.ID); err != nil {
		s.logger.Warn("mark read failed", zap.String("user_id", requester), zap.String("conversation_id", t.ID), zap.Error(err))
	}
	if err := s.store.ResetUnread(requester, t.ID, store.ChatPrivate); err != nil {
		s.logger.Warn("reset unread failed", zap.String("user_id", requester), zap.String("conversation_id", t.ID), zap.Error(err))
	}
}

func (s *Service) requireMember(groupID, userID string) error {
	ok, err := s.store.IsGroupMember(groupID, userID)
	if err != nil {
		return &PersistenceError{Op: "check membership", Err: err}
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *Service) decorate(msgs []Message, senders map[string]struct{}) {
	if len(senders) == 0 {
		return
	}
	ids := make([]string, 0, len(senders))
	for id := range senders {
		ids = append(ids, id)
	}
	users, err := s.store.GetUsers(ids)
	if err != nil {
		s.logger.Warn("resolve sender display failed", zap.Error(err))
		return
	}
	for i := range msgs {
		if u, ok := users[msgs[i].FromID]; ok {
			msgs[i].FromName = u.DisplayName
			msgs[i].FromAvatar = u.Avatar
		}
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return min(limit, MaxPageSize)
}
