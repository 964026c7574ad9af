package policy

import (
	"context"
	"strings"

	"github.com/vadim/neo-crm/internal/auth"
	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/service"
)

// MessagingService defines the interface for the messaging service
type MessagingService interface {
	Send(ctx context.Context, in service.SendInput) (*service.SendOutput, error)
	Reply(ctx context.Context, in service.ReplyInput) (*service.SendOutput, error)
	StartConversation(ctx context.Context, in service.StartConversationInput) (*service.StartConversationOutput, error)
	GetConversation(ctx context.Context, id string) (*entity.Conversation, error)
	ListConversations(ctx context.Context, in service.ListConversationsInput) (*service.ListConversationsOutput, error)
	UpdateConversation(ctx context.Context, id string, upd entity.ConversationUpdate) (*entity.Conversation, error)
	ListMessages(ctx context.Context, in service.ListMessagesInput) (*service.ListMessagesOutput, error)
	ListInbox(ctx context.Context, in service.ListInboxInput) (*service.ListInboxOutput, error)
	MarkRead(ctx context.Context, messageID, readerID string) error
	MarkAllRead(ctx context.Context, conversationID, readerID string) (int, error)
	UnreadCountFor(ctx context.Context, conversationID, readerID string) (int, error)
	SetTyping(ctx context.Context, conversationID, userID string) error
	Typing(ctx context.Context, conversationID string) ([]entity.Typist, error)
}

// Policy handles agent-facing messaging operations with caller authorization.
// The caller identity comes from the request context.
type Policy struct {
	svc MessagingService
}

// New creates a new messaging policy
func New(svc MessagingService) *Policy {
	return &Policy{svc: svc}
}

func caller(ctx context.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(id.UserID) == "" {
		return auth.Identity{}, entity.ErrUnauthorized
	}
	return id, nil
}

// canCloseConversations reports whether role may archive or close conversations
func canCloseConversations(role auth.Role) bool {
	return role == auth.RoleAdmin || role == auth.RoleManager
}

// Send sends a message on behalf of the caller
func (p *Policy) Send(ctx context.Context, in service.SendInput) (*service.SendOutput, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	in.UserID = id.UserID
	return p.svc.Send(ctx, in)
}

// Reply replies inside a conversation on behalf of the caller
func (p *Policy) Reply(ctx context.Context, in service.ReplyInput) (*service.SendOutput, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	in.UserID = id.UserID
	return p.svc.Reply(ctx, in)
}

// StartConversation opens a conversation
func (p *Policy) StartConversation(ctx context.Context, in service.StartConversationInput) (*service.StartConversationOutput, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return p.svc.StartConversation(ctx, in)
}

// GetConversation retrieves a conversation
func (p *Policy) GetConversation(ctx context.Context, id string) (*entity.Conversation, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return p.svc.GetConversation(ctx, id)
}

// ListConversations lists and searches conversations
func (p *Policy) ListConversations(ctx context.Context, in service.ListConversationsInput) (*service.ListConversationsOutput, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return p.svc.ListConversations(ctx, in)
}

// UpdateConversation changes a conversation. Archiving and closing need a manager or admin.
func (p *Policy) UpdateConversation(ctx context.Context, conversationID string, upd entity.ConversationUpdate) (*entity.Conversation, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if upd.Status != nil && *upd.Status != entity.ConversationActive && !canCloseConversations(id.Role) {
		return nil, entity.ErrForbidden
	}
	return p.svc.UpdateConversation(ctx, conversationID, upd)
}

// ListMessages lists a conversation's messages
func (p *Policy) ListMessages(ctx context.Context, in service.ListMessagesInput) (*service.ListMessagesOutput, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return p.svc.ListMessages(ctx, in)
}

// ListInbox lists the flat inbox of a channel
func (p *Policy) ListInbox(ctx context.Context, in service.ListInboxInput) (*service.ListInboxOutput, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return p.svc.ListInbox(ctx, in)
}

// MarkRead records that the caller read a message
func (p *Policy) MarkRead(ctx context.Context, messageID string) error {
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	return p.svc.MarkRead(ctx, messageID, id.UserID)
}

// MarkAllRead records that the caller read a whole conversation
func (p *Policy) MarkAllRead(ctx context.Context, conversationID string) (int, error) {
	id, err := caller(ctx)
	if err != nil {
		return 0, err
	}
	return p.svc.MarkAllRead(ctx, conversationID, id.UserID)
}

// UnreadCount returns how many customer messages the caller has not read
func (p *Policy) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	id, err := caller(ctx)
	if err != nil {
		return 0, err
	}
	return p.svc.UnreadCountFor(ctx, conversationID, id.UserID)
}

// SetTyping marks the caller as typing
func (p *Policy) SetTyping(ctx context.Context, conversationID string) error {
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	return p.svc.SetTyping(ctx, conversationID, id.UserID)
}

// Typing returns who is typing in a conversation
func (p *Policy) Typing(ctx context.Context, conversationID string) ([]entity.Typist, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return p.svc.Typing(ctx, conversationID)
}
