package chat

import (
	"context"
	"slices"

	"go.uber.org/zap"
)

// Typing relays a typing indicator to the peer, or to the online members of
// a group. Nothing is stored; an indicator for an offline user is dropped.
func (s *Service) Typing(ctx context.Context, from string, t Target, isTyping bool) {
	frame, err := EncodeFrame(FrameTyping, TypingFrame{ToID: t.ID, FromID: from, IsTyping: isTyping})
	if err != nil {
		return
	}
	if !t.IsGroup() {
		s.dispatcher.Push(t.ID, frame)
		return
	}
	members, err := s.store.GroupMembers(t.ID)
	if err != nil {
		s.logger.Debug("typing relay: read members failed", zap.String("conversation_id", t.ID), zap.Error(err))
		return
	}
	if !slices.Contains(members, from) {
		return
	}
	for _, m := range members {
		if m != from {
			s.dispatcher.Push(m, frame)
		}
	}
}
