package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/events"
)

// FindOrCreate returns the conversation for (channel, phone), creating it when absent.
// When two callers race, the storage uniqueness constraint rejects the loser's insert
// and the loser returns the winner's record. The bool reports whether this call created it.
//
// It must not run inside a transaction: a rejected insert aborts the enclosing one.
func (s *Service) FindOrCreate(ctx context.Context, channel entity.Channel, phone string, hints entity.ConversationHints) (*entity.Conversation, bool, error) {
	conv, err := s.convs.GetByAddress(ctx, channel, phone)
	if err != nil {
		return nil, false, fmt.Errorf("looking up conversation: %w", err)
	}
	if conv != nil {
		return conv, false, nil
	}

	now := s.now()
	conv = &entity.Conversation{
		ID:           s.newID(),
		Channel:      channel,
		Phone:        phone,
		LeadID:       hints.LeadID,
		CustomerName: hints.CustomerName,
		Status:       entity.ConversationActive,
		Tags:         []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.convs.Create(ctx, conv)
	if errors.Is(err, entity.ErrAlreadyExists) {
		winner, err := s.convs.GetByAddress(ctx, channel, phone)
		if err != nil {
			return nil, false, fmt.Errorf("re-reading conversation: %w", err)
		}
		if winner == nil {
			return nil, false, fmt.Errorf("conversation for %s/%s vanished after conflict", channel, phone)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	s.publish(ctx, events.TypeConversationCreated, conv)
	return conv, true, nil
}

// StartConversationInput represents input for an agent-initiated conversation
type StartConversationInput struct {
	Channel      entity.Channel
	Phone        string
	CustomerName string
	LeadID       string
}

// StartConversationOutput represents output from starting a conversation
type StartConversationOutput struct {
	Conversation *entity.Conversation
	Created      bool
}

// StartConversation opens (or returns the existing) conversation with a phone address
func (s *Service) StartConversation(ctx context.Context, in StartConversationInput) (*StartConversationOutput, error) {
	if !in.Channel.Valid() {
		return nil, entity.ErrInvalidChannel
	}

	phone, err := s.gw.FormatAddress(in.Phone)
	if err != nil {
		return nil, err
	}

	conv, created, err := s.FindOrCreate(ctx, in.Channel, phone, entity.ConversationHints{
		CustomerName: strings.TrimSpace(in.CustomerName),
		LeadID:       strings.TrimSpace(in.LeadID),
	})
	if err != nil {
		return nil, err
	}

	return &StartConversationOutput{Conversation: conv, Created: created}, nil
}

// GetConversation retrieves a conversation by ID
func (s *Service) GetConversation(ctx context.Context, id string) (*entity.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	return conv, nil
}

// ListConversationsInput represents input for listing and searching conversations
type ListConversationsInput struct {
	Channel    entity.Channel
	Query      string
	Status     entity.ConversationStatus
	Sort       entity.ConversationSort
	UnreadOnly bool
	Page       int
	PageSize   int
}

// ListConversationsOutput represents one page of conversations
type ListConversationsOutput struct {
	Conversations []entity.Conversation
	Pagination    entity.Pagination
}

// ListConversations lists conversations matching the filter
func (s *Service) ListConversations(ctx context.Context, in ListConversationsInput) (*ListConversationsOutput, error) {
	page, size, offset := normalizePage(in.Page, in.PageSize)

	sort := in.Sort
	if sort == "" {
		sort = entity.SortRecent
	}

	filter := entity.ConversationFilter{
		Channel:    in.Channel,
		Query:      strings.TrimSpace(in.Query),
		Status:     in.Status,
		Sort:       sort,
		UnreadOnly: in.UnreadOnly,
		Limit:      size,
		Offset:     offset,
	}

	conversations, err := s.convs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	total, err := s.convs.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("counting conversations: %w", err)
	}

	return &ListConversationsOutput{
		Conversations: conversations,
		Pagination:    entity.NewPagination(page, size, total),
	}, nil
}

// UpdateConversation changes lifecycle status, tags, notes or links.
// Conversations are never deleted; archiving or closing is the end of their life.
func (s *Service) UpdateConversation(ctx context.Context, id string, upd entity.ConversationUpdate) (*entity.Conversation, error) {
	if upd.LeadID != nil {
		trimmed := strings.TrimSpace(*upd.LeadID)
		upd.LeadID = &trimmed
	}

	conv, err := s.convs.Update(ctx, id, upd)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	return conv, nil
}
