package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/vadim/neo-crm/internal/auth"
	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/service"
)

type stubService struct {
	MessagingService

	sendInput  service.SendInput
	readReader string
	updated    bool
}

func (s *stubService) Send(ctx context.Context, in service.SendInput) (*service.SendOutput, error) {
	s.sendInput = in
	return &service.SendOutput{}, nil
}

func (s *stubService) MarkRead(ctx context.Context, messageID, readerID string) error {
	s.readReader = readerID
	return nil
}

func (s *stubService) UpdateConversation(ctx context.Context, id string, upd entity.ConversationUpdate) (*entity.Conversation, error) {
	s.updated = true
	return &entity.Conversation{ID: id}, nil
}

func as(role auth.Role) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{UserID: "user-7", Role: role})
}

func TestPolicy_RequiresIdentity(t *testing.T) {
	p := New(&stubService{})

	if _, err := p.Send(context.Background(), service.SendInput{}); !errors.Is(err, entity.ErrUnauthorized) {
		t.Errorf("Send: expected ErrUnauthorized, got %v", err)
	}
	if err := p.MarkRead(context.Background(), "m1"); !errors.Is(err, entity.ErrUnauthorized) {
		t.Errorf("MarkRead: expected ErrUnauthorized, got %v", err)
	}
}

func TestPolicy_AttributesCaller(t *testing.T) {
	svc := &stubService{}
	p := New(svc)

	if _, err := p.Send(as(auth.RoleAgent), service.SendInput{UserID: "spoofed"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if svc.sendInput.UserID != "user-7" {
		t.Errorf("send attributed to %q, want user-7", svc.sendInput.UserID)
	}

	if err := p.MarkRead(as(auth.RoleAgent), "m1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if svc.readReader != "user-7" {
		t.Errorf("reader = %q, want user-7", svc.readReader)
	}
}

func TestPolicy_UpdateConversationRoles(t *testing.T) {
	closed := entity.ConversationClosed
	active := entity.ConversationActive
	notes := "called back"

	tests := []struct {
		name    string
		role    auth.Role
		upd     entity.ConversationUpdate
		wantErr error
	}{
		{name: "agent closes", role: auth.RoleAgent, upd: entity.ConversationUpdate{Status: &closed}, wantErr: entity.ErrForbidden},
		{name: "agent reopens", role: auth.RoleAgent, upd: entity.ConversationUpdate{Status: &active}},
		{name: "agent edits notes", role: auth.RoleAgent, upd: entity.ConversationUpdate{Notes: &notes}},
		{name: "manager closes", role: auth.RoleManager, upd: entity.ConversationUpdate{Status: &closed}},
		{name: "admin closes", role: auth.RoleAdmin, upd: entity.ConversationUpdate{Status: &closed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			_, err := New(svc).UpdateConversation(as(tt.role), "c1", tt.upd)

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if svc.updated != (tt.wantErr == nil) {
				t.Errorf("service called = %v", svc.updated)
			}
		})
	}
}
