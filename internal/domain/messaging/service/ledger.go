package service

import (
	"context"
	"fmt"
	"time"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

// appendMessage stores a new ledger entry and applies it to its conversation's
// aggregate in one transaction. A duplicate provider id fails with entity.ErrAlreadyExists
// and leaves the aggregate untouched.
func (s *Service) appendMessage(ctx context.Context, msg *entity.Message) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.msgs.Insert(ctx, msg); err != nil {
			return err
		}
		return s.convs.ApplyMessage(ctx, msg.ConversationID, msg.Snippet(), msg.SentAt, msg.IsInbound())
	})
}

// syncLegacy writes the flat twin of a ledger entry until both sides agree.
// Each attempt re-reads the ledger so a concurrent status change is carried over
// rather than overwritten. Exhausted attempts yield *entity.PartialWriteError.
func (s *Service) syncLegacy(ctx context.Context, messageID string) error {
	delay := s.cfg.LegacyRetryDelay

	var lastErr error
	for attempt := 1; attempt <= s.cfg.LegacyWriteAttempts; attempt++ {
		lastErr = s.writeLegacy(ctx, messageID)
		if lastErr == nil {
			return nil
		}

		s.logger.Warn("legacy write did not converge",
			"message_id", messageID,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt == s.cfg.LegacyWriteAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &entity.PartialWriteError{MessageID: messageID, Err: ctx.Err()}
		case <-timer.C:
		}
		delay *= 2
	}

	return &entity.PartialWriteError{MessageID: messageID, Err: lastErr}
}

func (s *Service) writeLegacy(ctx context.Context, messageID string) error {
	msg, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("reading ledger entry: %w", err)
	}
	if msg == nil {
		return entity.ErrMessageNotFound
	}

	if err := s.legacy.Upsert(ctx, entity.LegacyFromMessage(msg)); err != nil {
		return err
	}

	flat, err := s.legacy.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("reading legacy record: %w", err)
	}
	if flat == nil || !flat.ConsistentWith(msg) {
		return fmt.Errorf("legacy record for %s disagrees with ledger", messageID)
	}

	return nil
}

// ListMessagesInput represents input for listing a conversation's messages
type ListMessagesInput struct {
	ConversationID string
	// Order is chosen by the caller: chat views read ascending, inbox views descending
	Order    entity.SortOrder
	Page     int
	PageSize int
}

// ListMessagesOutput represents one page of messages
type ListMessagesOutput struct {
	Messages   []entity.Message
	Pagination entity.Pagination
}

// ListMessages returns a conversation's ledger entries ordered by sent time
func (s *Service) ListMessages(ctx context.Context, in ListMessagesInput) (*ListMessagesOutput, error) {
	if in.Order != entity.SortAsc && in.Order != entity.SortDesc {
		return nil, entity.ErrInvalidSortOrder
	}

	if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
		return nil, err
	}

	page, size, offset := normalizePage(in.Page, in.PageSize)

	messages, err := s.msgs.GetByConversationID(ctx, in.ConversationID, in.Order, size, offset)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	total, err := s.msgs.Count(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	return &ListMessagesOutput{
		Messages:   messages,
		Pagination: entity.NewPagination(page, size, total),
	}, nil
}

// ListInboxInput represents input for the flat per-channel inbox
type ListInboxInput struct {
	Channel  entity.Channel
	Page     int
	PageSize int
}

// ListInboxOutput represents one page of the flat inbox
type ListInboxOutput struct {
	Messages   []entity.LegacyMessage
	Pagination entity.Pagination
}

// ListInbox returns the flat inbox for a channel, newest first
func (s *Service) ListInbox(ctx context.Context, in ListInboxInput) (*ListInboxOutput, error) {
	if !in.Channel.Valid() {
		return nil, entity.ErrInvalidChannel
	}

	page, size, offset := normalizePage(in.Page, in.PageSize)

	messages, err := s.legacy.GetByChannel(ctx, in.Channel, size, offset)
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}

	total, err := s.legacy.CountByChannel(ctx, in.Channel)
	if err != nil {
		return nil, fmt.Errorf("counting inbox: %w", err)
	}

	return &ListInboxOutput{
		Messages:   messages,
		Pagination: entity.NewPagination(page, size, total),
	}, nil
}

// GetMessage retrieves a ledger entry by ID
func (s *Service) GetMessage(ctx context.Context, id string) (*entity.Message, error) {
	msg, err := s.msgs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	if msg == nil {
		return nil, entity.ErrMessageNotFound
	}
	return msg, nil
}

// MarkDelivered records delivery of an existing message
func (s *Service) MarkDelivered(ctx context.Context, messageID string) (*entity.Message, error) {
	return s.ApplyStatus(ctx, messageID, entity.StatusDelivered, nil)
}

// MarkFailed records a terminal failure reason on an existing message
func (s *Service) MarkFailed(ctx context.Context, messageID string, info entity.ErrorInfo) (*entity.Message, error) {
	return s.ApplyStatus(ctx, messageID, entity.StatusFailed, &info)
}
