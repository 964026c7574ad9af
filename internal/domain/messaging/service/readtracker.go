package service

import (
	"context"
	"fmt"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/events"
)

// ConversationReadEvent is published when a reader catches up on a conversation
type ConversationReadEvent struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	UnreadCount    int    `json:"unread_count"`
}

// MarkRead records that readerID has read a message. Repeating it is a no-op.
// The first receipt on a customer message decrements the conversation's unread
// counter and moves the message to read.
func (s *Service) MarkRead(ctx context.Context, messageID, readerID string) error {
	var statusChanged bool

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// The row lock serializes concurrent first readers of the same message
		msg, err := s.msgs.GetByIDForUpdate(ctx, messageID)
		if err != nil {
			return fmt.Errorf("loading message: %w", err)
		}
		if msg == nil {
			return entity.ErrMessageNotFound
		}

		now := s.now()
		inserted, err := s.receipts.Insert(ctx, entity.ReadReceipt{
			MessageID: messageID,
			ReaderID:  readerID,
			ReadAt:    now,
		})
		if err != nil {
			return err
		}
		if !inserted || !msg.IsInbound() {
			return nil
		}

		readers, err := s.receipts.CountForMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if readers == 1 {
			if err := s.convs.DecrementUnread(ctx, msg.ConversationID); err != nil {
				return err
			}
		}

		if msg.ApplyStatus(entity.StatusRead, nil, now) {
			statusChanged = true
			return s.msgs.UpdateDelivery(ctx, msg)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if statusChanged {
		return s.syncLegacy(ctx, messageID)
	}
	return nil
}

// MarkAllRead records receipts from readerID for every customer message in a
// conversation and recomputes its unread counter in the same transaction
func (s *Service) MarkAllRead(ctx context.Context, conversationID, readerID string) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}

	var (
		changedIDs []string
		unread     int
	)

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// appends hold this lock until commit; taking it first makes every
		// statement below see committed messages only
		if err := s.convs.Lock(ctx, conversationID); err != nil {
			return err
		}

		now := s.now()
		if _, err := s.receipts.InsertForConversation(ctx, conversationID, readerID, now); err != nil {
			return err
		}

		var err error
		changedIDs, err = s.msgs.MarkConversationRead(ctx, conversationID, now)
		if err != nil {
			return err
		}

		unread, err = s.convs.RecomputeUnread(ctx, conversationID)
		return err
	})
	if err != nil {
		return 0, err
	}

	var syncErr error
	for _, id := range changedIDs {
		if err := s.syncLegacy(ctx, id); err != nil && syncErr == nil {
			syncErr = err
		}
	}

	s.publish(ctx, events.TypeConversationRead, ConversationReadEvent{
		ConversationID: conversationID,
		ReaderID:       readerID,
		UnreadCount:    unread,
	})

	return unread, syncErr
}

// UnreadCountFor counts customer messages in a conversation that readerID has not read
func (s *Service) UnreadCountFor(ctx context.Context, conversationID, readerID string) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return 0, err
	}

	count, err := s.receipts.UnreadCountFor(ctx, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return count, nil
}
