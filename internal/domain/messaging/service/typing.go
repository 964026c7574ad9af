package service

import (
	"context"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

// SetTyping marks userID as typing in a conversation. Presence is best effort:
// store failures are logged, never returned.
func (s *Service) SetTyping(ctx context.Context, conversationID, userID string) error {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	if s.typing == nil {
		return nil
	}

	if err := s.typing.Touch(ctx, conversationID, userID, s.now()); err != nil {
		s.logger.Warn("failed to record typing", "conversation_id", conversationID, "error", err)
	}
	return nil
}

// Typing returns who is currently typing in a conversation
func (s *Service) Typing(ctx context.Context, conversationID string) ([]entity.Typist, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if s.typing == nil {
		return []entity.Typist{}, nil
	}

	typists, err := s.typing.Active(ctx, conversationID, s.now())
	if err != nil {
		s.logger.Warn("failed to read typing", "conversation_id", conversationID, "error", err)
		return []entity.Typist{}, nil
	}
	return typists, nil
}
