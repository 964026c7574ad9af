package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/events"
)

// SendInput represents input for an agent-initiated send
type SendInput struct {
	Channel   entity.Channel
	To        string
	Body      string
	MediaURLs []string
	LeadID    string
	UserID    string
	// SendAt holds the message as scheduled when it lies in the future
	SendAt *time.Time
}

// SendOutput represents output from a send
type SendOutput struct {
	Message      *entity.Message
	Conversation *entity.Conversation
}

// Send records an outbound message and hands it to the provider.
//
// The sender line is resolved before anything is written, so an unprovisioned
// channel leaves no trace. A provider failure or timeout marks the entry failed
// with the reason and returns *entity.ProviderError.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendOutput, error) {
	if !in.Channel.Valid() {
		return nil, entity.ErrInvalidChannel
	}

	from, err := s.gw.LookupSenderAddress(in.Channel)
	if err != nil {
		return nil, err
	}

	to, err := s.gw.FormatAddress(in.To)
	if err != nil {
		return nil, err
	}

	now := s.now()
	msg := &entity.Message{
		ID:          s.newID(),
		Channel:     in.Channel,
		SenderType:  entity.SenderAgent,
		UserID:      in.UserID,
		LeadID:      strings.TrimSpace(in.LeadID),
		FromAddress: from,
		ToAddress:   to,
		Body:        in.Body,
		MediaURLs:   cleanMedia(in.MediaURLs),
		Status:      entity.StatusPending,
		SentAt:      now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.SendAt != nil && in.SendAt.After(now) {
		msg.Status = entity.StatusScheduled
		msg.SentAt = in.SendAt.UTC()
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	conv, _, err := s.FindOrCreate(ctx, in.Channel, to, entity.ConversationHints{LeadID: msg.LeadID})
	if err != nil {
		return nil, err
	}

	return s.dispatch(ctx, conv, msg)
}

// ReplyInput represents input for replying inside an existing conversation
type ReplyInput struct {
	ConversationID string
	Body           string
	MediaURLs      []string
	UserID         string
	SendAt         *time.Time
}

// Reply sends a message to the conversation's phone address on its channel
func (s *Service) Reply(ctx context.Context, in ReplyInput) (*SendOutput, error) {
	conv, err := s.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	return s.Send(ctx, SendInput{
		Channel:   conv.Channel,
		To:        conv.Phone,
		Body:      in.Body,
		MediaURLs: in.MediaURLs,
		LeadID:    conv.LeadID,
		UserID:    in.UserID,
		SendAt:    in.SendAt,
	})
}

func (s *Service) dispatch(ctx context.Context, conv *entity.Conversation, msg *entity.Message) (*SendOutput, error) {
	msg.ConversationID = conv.ID

	if err := s.appendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	if err := s.syncLegacy(ctx, msg.ID); err != nil {
		// The provider is not called for an entry the flat inbox cannot show.
		// The pending sweeper fails it and the convergence pass repairs the twin.
		return nil, err
	}

	if msg.IsScheduled() {
		return s.sendOutput(ctx, msg.ID)
	}

	res, sendErr := s.gw.Send(ctx, msg.Channel, msg.ToAddress, msg.Body, msg.MediaURLs)

	// The provider may have acted; record the outcome even if the caller went away
	wctx, cancel := detached(ctx)
	defer cancel()

	if sendErr != nil {
		info := entity.ErrorInfo{Code: "provider_error", Message: sendErr.Error()}
		var pErr *entity.ProviderError
		if errors.As(sendErr, &pErr) {
			info = entity.ErrorInfo{Code: pErr.Code, Message: pErr.Message}
		}

		if _, err := s.ApplyStatus(wctx, msg.ID, entity.StatusFailed, &info); err != nil {
			s.logger.Error("failed to record send failure", "message_id", msg.ID, "error", err)
		}
		return nil, sendErr
	}

	if err := s.recordAccepted(wctx, msg.ID, res.ProviderID, res.InitialStatus); err != nil {
		// The provider already has the message; the flat twin is left to ConvergeLegacy
		var pwErr *entity.PartialWriteError
		if !errors.As(err, &pwErr) {
			return nil, err
		}
		s.logger.Warn("sent message awaits legacy convergence",
			"message_id", msg.ID,
			"provider_id", res.ProviderID,
			"error", err,
		)
	}

	out, err := s.sendOutput(wctx, msg.ID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeMessageSent, out.Message)
	return out, nil
}

// recordAccepted correlates the entry with the provider id and applies the
// provider's initial status. A callback landing between the two keeps its terminal state.
func (s *Service) recordAccepted(ctx context.Context, messageID, providerID string, initial entity.Status) error {
	if err := s.msgs.SetProviderID(ctx, messageID, providerID); err != nil {
		return fmt.Errorf("setting provider id: %w", err)
	}

	if _, err := s.ApplyStatus(ctx, messageID, initial, nil); err != nil {
		var pwErr *entity.PartialWriteError
		if errors.As(err, &pwErr) {
			return err
		}
		return fmt.Errorf("applying initial status: %w", err)
	}

	// ApplyStatus skips the legacy write when the status did not move,
	// but the provider id is new either way
	return s.syncLegacy(ctx, messageID)
}

func (s *Service) sendOutput(ctx context.Context, messageID string) (*SendOutput, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := s.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	return &SendOutput{Message: msg, Conversation: conv}, nil
}

// cleanMedia drops blank and repeated media URLs
func cleanMedia(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || slices.Contains(out, u) {
			continue
		}
		out = append(out, u)
	}
	return out
}
