package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/webhook"
	"github.com/vadim/neo-crm/internal/events"
)

// StatusChangedEvent is published when a message's stored status moves
type StatusChangedEvent struct {
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	ProviderID     string        `json:"provider_id,omitempty"`
	Status         entity.Status `json:"status"`
	ErrorCode      string        `json:"error_code,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// ApplyStatus runs the delivery state machine on an existing message
func (s *Service) ApplyStatus(ctx context.Context, messageID string, next entity.Status, info *entity.ErrorInfo) (*entity.Message, error) {
	if !next.Valid() {
		return nil, entity.ErrUnknownStatus
	}

	return s.reconcile(ctx, func(ctx context.Context) (*entity.Message, error) {
		return s.msgs.GetByIDForUpdate(ctx, messageID)
	}, next, info)
}

// HandleStatusCallback applies a provider status callback to the correlated message.
// A callback for an unknown provider id yields entity.ErrMessageNotFound.
func (s *Service) HandleStatusCallback(ctx context.Context, upd webhook.StatusUpdate) (*entity.Message, error) {
	next, err := entity.ParseStatus(upd.Status)
	if err != nil {
		return nil, err
	}

	var info *entity.ErrorInfo
	if upd.ErrorCode != "" || upd.ErrorMessage != "" {
		info = &entity.ErrorInfo{
			Code:    strings.TrimSpace(upd.ErrorCode),
			Message: strings.TrimSpace(upd.ErrorMessage),
		}
	}

	return s.reconcile(ctx, func(ctx context.Context) (*entity.Message, error) {
		return s.msgs.GetByProviderIDForUpdate(ctx, upd.ProviderID)
	}, next, info)
}

// reconcile locks the message returned by load, resolves next against the stored
// status and persists the outcome. Stale callbacks are accepted but leave a
// terminal status in place.
func (s *Service) reconcile(
	ctx context.Context,
	load func(ctx context.Context) (*entity.Message, error),
	next entity.Status,
	info *entity.ErrorInfo,
) (*entity.Message, error) {
	var (
		msg     *entity.Message
		changed bool
	)

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		msg, err = load(ctx)
		if err != nil {
			return fmt.Errorf("loading message: %w", err)
		}
		if msg == nil {
			return entity.ErrMessageNotFound
		}

		if next.IsFailure() && info == nil {
			info = &entity.ErrorInfo{Code: "unknown", Message: "provider reported " + string(next)}
		}

		changed = msg.ApplyStatus(next, info, s.now())
		if !changed {
			return nil
		}
		return s.msgs.UpdateDelivery(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	if !changed {
		s.logger.Debug("status kept",
			"message_id", msg.ID,
			"stored", msg.Status,
			"incoming", next,
		)
		return msg, nil
	}

	if err := s.syncLegacy(ctx, msg.ID); err != nil {
		return msg, err
	}

	s.publish(ctx, events.TypeMessageStatus, StatusChangedEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ProviderID:     msg.ProviderID,
		Status:         msg.Status,
		ErrorCode:      msg.ErrorCode,
		ErrorMessage:   msg.ErrorMessage,
	})

	return msg, nil
}
