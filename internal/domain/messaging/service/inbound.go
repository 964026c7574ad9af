package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/webhook"
	"github.com/vadim/neo-crm/internal/events"
)

// ReceiveInbound records a customer message delivered by the provider.
// A repeated delivery of the same provider message returns entity.ErrDuplicateWebhook
// with no side effects; under concurrent delivery exactly one call records it.
func (s *Service) ReceiveInbound(ctx context.Context, in webhook.InboundMessage) (*entity.Message, error) {
	dup, err := s.IsDuplicate(ctx, in.ProviderID)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, entity.ErrDuplicateWebhook
	}

	phone := s.canonicalAddress(in.From)
	line := s.canonicalAddress(in.To)

	conv, _, err := s.FindOrCreate(ctx, in.Channel, phone, entity.ConversationHints{
		CustomerName: in.ProfileName,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	msg := &entity.Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		Channel:        in.Channel,
		SenderType:     entity.SenderCustomer,
		LeadID:         conv.LeadID,
		FromAddress:    phone,
		ToAddress:      line,
		Body:           in.Body,
		MediaURLs:      cleanMedia(in.MediaURLs),
		Status:         entity.StatusReceived,
		ProviderID:     in.ProviderID,
		SentAt:         now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.appendMessage(ctx, msg)
	if errors.Is(err, entity.ErrAlreadyExists) {
		return nil, entity.ErrDuplicateWebhook
	}
	if err != nil {
		return nil, fmt.Errorf("appending inbound message: %w", err)
	}

	s.logger.Info("inbound message recorded",
		"message_id", msg.ID,
		"provider_id", msg.ProviderID,
		"conversation_id", conv.ID,
		"channel", msg.Channel,
	)

	if err := s.syncLegacy(ctx, msg.ID); err != nil {
		return msg, err
	}

	s.publish(ctx, events.TypeMessageReceived, msg)
	return msg, nil
}

// canonicalAddress formats raw as E.164. Short codes and alphanumeric senders
// are kept as sent.
func (s *Service) canonicalAddress(raw string) string {
	addr, err := s.gw.FormatAddress(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return addr
}
